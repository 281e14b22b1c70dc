package verification

import (
	"sync"
	"time"

	"github.com/opd-ai/bridgebot/transport"
)

// Session tracks one verification of a (peer user, peer device) pair.
// All mutation happens inside the Manager; other components read through
// the accessor methods.
type Session struct {
	userID    string
	deviceID  string
	createdAt time.Time

	mu       sync.RWMutex
	phase    transport.VerificationPhase
	verifier transport.Verifier
	sas      *transport.SASValues

	// Transition guards. Each flips exactly once for the lifetime of
	// the session, making the double-delivery paths (change event plus
	// timeout poll) no-ops on second firing.
	sasStarted bool
	confirmed  bool
	finished   bool
}

func newSession(userID, deviceID string, phase transport.VerificationPhase) *Session {
	return &Session{
		userID:    userID,
		deviceID:  deviceID,
		createdAt: time.Now(),
		phase:     phase,
	}
}

// UserID returns the peer user id.
func (s *Session) UserID() string { return s.userID }

// DeviceID returns the peer device id.
func (s *Session) DeviceID() string { return s.deviceID }

// CreatedAt returns the session creation time.
func (s *Session) CreatedAt() time.Time { return s.createdAt }

// Phase returns the current protocol phase.
func (s *Session) Phase() transport.VerificationPhase {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.phase
}

// SAS returns the short authentication strings once the key exchange has
// produced them.
func (s *Session) SAS() (transport.SASValues, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.sas == nil {
		return transport.SASValues{}, false
	}
	return *s.sas, true
}

// Active reports whether the session has not yet reached a terminal
// phase.
func (s *Session) Active() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return !s.phase.Terminal() && !s.finished
}

func (s *Session) setPhase(p transport.VerificationPhase) {
	s.mu.Lock()
	s.phase = p
	s.mu.Unlock()
}

// markSASStarted flips the one-shot initiation guard, reporting whether
// this caller won the race.
func (s *Session) markSASStarted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sasStarted {
		return false
	}
	s.sasStarted = true
	return true
}

// markConfirmed flips the one-shot confirmation guard. It refuses once
// the session has finished (completed or cancelled).
func (s *Session) markConfirmed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.confirmed || s.finished {
		return false
	}
	s.confirmed = true
	return true
}

// markFinished flips the terminal guard, reporting whether this caller
// is the one that terminates the session.
func (s *Session) markFinished(phase transport.VerificationPhase) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finished {
		return false
	}
	s.finished = true
	s.phase = phase
	return true
}

func (s *Session) setVerifier(v transport.Verifier) {
	s.mu.Lock()
	s.verifier = v
	s.mu.Unlock()
}

func (s *Session) getVerifier() transport.Verifier {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.verifier
}

func (s *Session) setSAS(sas transport.SASValues) {
	s.mu.Lock()
	s.sas = &sas
	s.mu.Unlock()
}
