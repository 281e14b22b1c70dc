package verification

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/bridgebot/transport"
)

// Transport is the slice of the sync client the verification driver
// needs.
type Transport interface {
	AcceptVerification(ctx context.Context, userID, deviceID string) error
	RequestVerification(ctx context.Context, userID, deviceID string) error
	StartSAS(ctx context.Context, userID, deviceID string) (transport.Verifier, error)
	ActiveVerifier(userID, deviceID string) (transport.Verifier, bool)
	VerificationPhase(userID, deviceID string) (transport.VerificationPhase, bool)
	FetchDevices(ctx context.Context, userID string) ([]transport.Device, error)
	IsDeviceVerified(userID, deviceID string) bool
	OwnUserID() string
	OwnDeviceID() string
}

// Config holds the timing parameters of the driver. The fixed delays
// compensate for asynchronous propagation in the transport and crypto
// layers; tune the values, keep the shape.
type Config struct {
	// AcceptPollInterval is the defensive poll after accepting a
	// request, in case the Ready phase-change notification is dropped.
	AcceptPollInterval time.Duration
	// KeySettleDelay is the wait after fetching the peer's device keys
	// before starting SAS. Starting earlier fails with "device does
	// not exist" when the local device-key cache is still populating.
	KeySettleDelay time.Duration
	// AutoConfirmDelay is the stand-in for human comparison of the
	// displayed values on an unattended bot.
	AutoConfirmDelay time.Duration
	// DiscoveryAttempts and DiscoveryBackoff shape the device-list
	// retry loop for bot-initiated verification. Device-list
	// propagation after login is asynchronous and initially empty.
	DiscoveryAttempts int
	DiscoveryBackoff  time.Duration
	// DirectDeviceID, when set, is verified directly without device
	// discovery.
	DirectDeviceID string
}

// DefaultConfig returns the standard driver timings.
func DefaultConfig() Config {
	return Config{
		AcceptPollInterval: 1 * time.Second,
		KeySettleDelay:     500 * time.Millisecond,
		AutoConfirmDelay:   5 * time.Second,
		DiscoveryAttempts:  5,
		DiscoveryBackoff:   3 * time.Second,
	}
}

// Callbacks surface the verification lifecycle to the operator layer.
// Nil callbacks are skipped.
type Callbacks struct {
	OnShowSAS  func(userID, deviceID string, sas transport.SASValues)
	OnComplete func(userID, deviceID string)
	OnCancel   func(userID, deviceID, code, reason string)
	OnError    func(userID, deviceID string, err error)
}

// Manager owns the active verification sessions and drives each one to a
// terminal phase.
type Manager struct {
	client Transport
	cfg    Config
	cb     Callbacks
	log    *logrus.Entry

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewManager creates a verification driver. Zero-valued timing fields in
// cfg fall back to the defaults.
func NewManager(client Transport, cfg Config, cb Callbacks) *Manager {
	def := DefaultConfig()
	if cfg.AcceptPollInterval <= 0 {
		cfg.AcceptPollInterval = def.AcceptPollInterval
	}
	if cfg.KeySettleDelay <= 0 {
		cfg.KeySettleDelay = def.KeySettleDelay
	}
	if cfg.AutoConfirmDelay <= 0 {
		cfg.AutoConfirmDelay = def.AutoConfirmDelay
	}
	if cfg.DiscoveryAttempts <= 0 {
		cfg.DiscoveryAttempts = def.DiscoveryAttempts
	}
	if cfg.DiscoveryBackoff <= 0 {
		cfg.DiscoveryBackoff = def.DiscoveryBackoff
	}

	return &Manager{
		client:   client,
		cfg:      cfg,
		cb:       cb,
		log:      logrus.WithField("package", "verification"),
		sessions: make(map[string]*Session),
	}
}

func sessionKey(userID, deviceID string) string {
	return userID + "|" + deviceID
}

// ActiveSessions returns the non-terminal sessions for a user.
func (m *Manager) ActiveSessions(userID string) []*Session {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*Session
	for _, s := range m.sessions {
		if s.UserID() == userID && s.Active() {
			out = append(out, s)
		}
	}
	return out
}

// ActiveSession returns the non-terminal session for a device, if any.
func (m *Manager) ActiveSession(userID, deviceID string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[sessionKey(userID, deviceID)]
	if !ok || !s.Active() {
		return nil, false
	}
	return s, true
}

// HandleRequest processes an incoming verification request from a peer.
// Policy: always accept. A request for a pair with an existing active
// session is ignored; a terminal session is replaced.
func (m *Manager) HandleRequest(ctx context.Context, userID, deviceID string) {
	key := sessionKey(userID, deviceID)

	m.mu.Lock()
	if existing, ok := m.sessions[key]; ok && existing.Active() {
		m.mu.Unlock()
		m.log.WithFields(logrus.Fields{
			"user":   userID,
			"device": deviceID,
		}).Debug("Ignoring duplicate verification request for active session")
		return
	}
	sess := newSession(userID, deviceID, transport.PhaseRequested)
	m.sessions[key] = sess
	m.mu.Unlock()

	m.log.WithFields(logrus.Fields{
		"user":   userID,
		"device": deviceID,
	}).Info("Accepting verification request")

	go m.acceptAndDrive(ctx, sess)
}

// acceptAndDrive accepts the request, then arms the defensive timeout
// poll. The Ready phase may also arrive as a change notification routed
// through HandlePhaseChange; whichever fires second is a no-op.
func (m *Manager) acceptAndDrive(ctx context.Context, sess *Session) {
	if err := m.client.AcceptVerification(ctx, sess.UserID(), sess.DeviceID()); err != nil {
		m.reportError(sess.UserID(), sess.DeviceID(), fmt.Errorf("failed to accept verification: %w", err))
		return
	}

	select {
	case <-time.After(m.cfg.AcceptPollInterval):
	case <-ctx.Done():
		return
	}

	phase, ok := m.client.VerificationPhase(sess.UserID(), sess.DeviceID())
	if !ok || phase.Terminal() {
		return
	}
	if phase == transport.PhaseReady || phase == transport.PhaseStarted {
		m.driveReady(ctx, sess)
	}
}

// HandlePhaseChange processes a phase-change notification from the
// transport.
func (m *Manager) HandlePhaseChange(ctx context.Context, userID, deviceID string, phase transport.VerificationPhase, code, reason string) {
	m.mu.Lock()
	sess, ok := m.sessions[sessionKey(userID, deviceID)]
	m.mu.Unlock()

	if !ok {
		if phase == transport.PhaseRequested {
			m.HandleRequest(ctx, userID, deviceID)
		}
		return
	}

	if !phase.Terminal() {
		sess.setPhase(phase)
	}

	switch phase {
	case transport.PhaseReady, transport.PhaseStarted:
		go m.driveReady(ctx, sess)
	case transport.PhaseDone:
		m.finishSession(sess, transport.PhaseDone, "", "")
	case transport.PhaseCancelled:
		m.finishSession(sess, transport.PhaseCancelled, code, reason)
	}
}

// driveReady performs the Ready-phase step exactly once per session:
// ensure device keys are cached, then start (or attach to) the SAS
// exchange.
func (m *Manager) driveReady(ctx context.Context, sess *Session) {
	if !sess.markSASStarted() {
		return
	}

	userID, deviceID := sess.UserID(), sess.DeviceID()

	// The peer may already have advanced the protocol; in that case
	// only attach observation.
	if v, ok := m.client.ActiveVerifier(userID, deviceID); ok {
		sess.setVerifier(v)
		sess.setPhase(transport.PhaseStarted)
		m.attachVerifier(sess, v)
		return
	}

	// The device-key fetch is a required precondition: starting SAS
	// against an unpopulated device-key cache fails with "device does
	// not exist".
	if _, err := m.client.FetchDevices(ctx, userID); err != nil {
		m.reportError(userID, deviceID, fmt.Errorf("failed to fetch device keys: %w", err))
		return
	}

	select {
	case <-time.After(m.cfg.KeySettleDelay):
	case <-ctx.Done():
		return
	}

	v, err := m.client.StartSAS(ctx, userID, deviceID)
	if err != nil {
		m.reportError(userID, deviceID, fmt.Errorf("failed to start SAS: %w", err))
		return
	}
	sess.setVerifier(v)
	sess.setPhase(transport.PhaseStarted)
	m.attachVerifier(sess, v)
}

// attachVerifier wires the SAS exchange callbacks into the session
// lifecycle and arms the auto-confirm timer.
func (m *Manager) attachVerifier(sess *Session, v transport.Verifier) {
	userID, deviceID := sess.UserID(), sess.DeviceID()

	v.OnShowSAS(func(sas transport.SASValues) {
		sess.setSAS(sas)

		m.log.WithFields(logrus.Fields{
			"user":   userID,
			"device": deviceID,
			"emojis": sas.Emojis,
		}).Info("Short authentication strings ready for comparison")

		if m.cb.OnShowSAS != nil {
			m.cb.OnShowSAS(userID, deviceID, sas)
		}
		m.scheduleAutoConfirm(sess)
	})

	v.OnDone(func() {
		m.finishSession(sess, transport.PhaseDone, "", "")
	})

	v.OnCancel(func(code, reason string) {
		m.finishSession(sess, transport.PhaseCancelled, code, reason)
	})
}

// scheduleAutoConfirm confirms the displayed values after the configured
// delay. The confirmation guard refuses once the session finished, so a
// cancellation during the delay wins.
func (m *Manager) scheduleAutoConfirm(sess *Session) {
	time.AfterFunc(m.cfg.AutoConfirmDelay, func() {
		if !sess.markConfirmed() {
			return
		}
		v := sess.getVerifier()
		if v == nil {
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := v.Confirm(ctx); err != nil {
			m.reportError(sess.UserID(), sess.DeviceID(), fmt.Errorf("failed to confirm SAS: %w", err))
			return
		}

		m.log.WithFields(logrus.Fields{
			"user":   sess.UserID(),
			"device": sess.DeviceID(),
		}).Info("Auto-confirmed verification")
	})
}

// finishSession moves a session to a terminal phase, removes it from the
// active set and fires the matching callback exactly once.
func (m *Manager) finishSession(sess *Session, phase transport.VerificationPhase, code, reason string) {
	if !sess.markFinished(phase) {
		return
	}

	m.mu.Lock()
	key := sessionKey(sess.UserID(), sess.DeviceID())
	if m.sessions[key] == sess {
		delete(m.sessions, key)
	}
	m.mu.Unlock()

	switch phase {
	case transport.PhaseDone:
		m.log.WithFields(logrus.Fields{
			"user":   sess.UserID(),
			"device": sess.DeviceID(),
		}).Info("Verification complete")
		if m.cb.OnComplete != nil {
			m.cb.OnComplete(sess.UserID(), sess.DeviceID())
		}
	case transport.PhaseCancelled:
		m.log.WithFields(logrus.Fields{
			"user":   sess.UserID(),
			"device": sess.DeviceID(),
			"code":   code,
			"reason": reason,
		}).Warn("Verification cancelled")
		if m.cb.OnCancel != nil {
			m.cb.OnCancel(sess.UserID(), sess.DeviceID(), code, reason)
		}
	}
}

// RequestDevice starts a bot-initiated verification of one specific
// device. Verifying the bot's own device is a no-op.
func (m *Manager) RequestDevice(ctx context.Context, userID, deviceID string) (*Session, error) {
	if deviceID == m.client.OwnDeviceID() {
		return nil, nil
	}

	key := sessionKey(userID, deviceID)
	m.mu.Lock()
	if existing, ok := m.sessions[key]; ok && existing.Active() {
		m.mu.Unlock()
		return existing, nil
	}
	sess := newSession(userID, deviceID, transport.PhaseUnsent)
	m.sessions[key] = sess
	m.mu.Unlock()

	if err := m.client.RequestVerification(ctx, userID, deviceID); err != nil {
		m.finishSession(sess, transport.PhaseCancelled, "m.request_failed", err.Error())
		return nil, fmt.Errorf("failed to request verification of %s/%s: %w", userID, deviceID, err)
	}
	sess.setPhase(transport.PhaseRequested)
	return sess, nil
}

// RequestUser verifies every unverified device of a user. With a direct
// device configured, discovery is skipped entirely. Otherwise the device
// list is fetched with retries, since propagation after login is not
// immediately complete. An empty list after all attempts degrades
// silently.
func (m *Manager) RequestUser(ctx context.Context, userID string) error {
	if m.cfg.DirectDeviceID != "" {
		_, err := m.RequestDevice(ctx, userID, m.cfg.DirectDeviceID)
		return err
	}

	var devices []transport.Device
	for attempt := 1; attempt <= m.cfg.DiscoveryAttempts; attempt++ {
		var err error
		devices, err = m.client.FetchDevices(ctx, userID)
		if err != nil {
			m.log.WithError(err).WithFields(logrus.Fields{
				"user":    userID,
				"attempt": attempt,
			}).Warn("Device discovery failed")
		} else if len(devices) > 0 {
			break
		}

		if attempt < m.cfg.DiscoveryAttempts {
			select {
			case <-time.After(m.cfg.DiscoveryBackoff):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}

	if len(devices) == 0 {
		m.log.WithField("user", userID).Warn("No devices discovered, skipping proactive verification")
		return nil
	}

	ownDevice := m.client.OwnDeviceID()
	for _, d := range devices {
		if d.DeviceID == ownDevice {
			continue
		}
		if m.client.IsDeviceVerified(userID, d.DeviceID) {
			continue
		}
		if _, err := m.RequestDevice(ctx, userID, d.DeviceID); err != nil {
			m.reportError(userID, d.DeviceID, err)
		}
	}
	return nil
}

func (m *Manager) reportError(userID, deviceID string, err error) {
	m.log.WithFields(logrus.Fields{
		"user":   userID,
		"device": deviceID,
	}).WithError(err).Error("Verification step failed")

	if m.cb.OnError != nil {
		m.cb.OnError(userID, deviceID, err)
	}
}
