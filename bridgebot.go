package bridgebot

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/bridgebot/agent"
	"github.com/opd-ai/bridgebot/backup"
	"github.com/opd-ai/bridgebot/bootstrap"
	"github.com/opd-ai/bridgebot/pending"
	"github.com/opd-ai/bridgebot/session"
	"github.com/opd-ai/bridgebot/transport"
	"github.com/opd-ai/bridgebot/verification"
)

// Bridge represents a running bridge instance. It owns the sync client,
// the crypto lifecycle and the event loop, and exposes callbacks for the
// embedding application.
type Bridge struct {
	options *Options
	client  transport.Client
	agent   agent.Client
	history *agent.History
	log     *logrus.Entry

	verifications *verification.Manager
	pipeline      *pending.Pipeline
	backups       *backup.Manager
	boot          *bootstrap.Bootstrapper
	sessions      *session.Store

	stateMu sync.RWMutex
	state   *bootstrap.State

	// Callbacks
	callbackMu        sync.RWMutex
	messageCallback   MessageCallback
	sasCallback       ShowSASCallback
	verifiedCallback  VerifiedCallback
	cancelCallback    VerificationCancelCallback
	syncStateCallback SyncStateCallback
}

// New creates a new Bridge instance with the given options.
func New(options *Options) (*Bridge, error) {
	if options == nil {
		options = NewOptions()
	}
	if err := options.Validate(); err != nil {
		return nil, fmt.Errorf("invalid bridge options: %w", err)
	}

	wsCfg := transport.DefaultWSConfig()
	wsCfg.URL = options.GatewayURL
	wsCfg.AccessToken = options.AccessToken
	wsCfg.UserID = options.UserID
	wsCfg.DeviceID = options.DeviceID
	wsCfg.DataDir = options.DataDir
	wsCfg.StorePassphrase = options.StorePassphrase

	client, err := transport.NewWebsocketClient(wsCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create sync client: %w", err)
	}

	agentClient := agent.NewHTTPClient(options.AgentURL, options.AgentAPIKey)
	return newBridge(client, agentClient, options), nil
}

// newBridge wires the components around an existing client. Split from
// New so tests can substitute the transport and the agent backend.
func newBridge(client transport.Client, agentClient agent.Client, options *Options) *Bridge {
	b := &Bridge{
		options:  options,
		client:   client,
		agent:    agentClient,
		history:  agent.NewHistory(options.HistoryWindow),
		log:      logrus.WithField("package", "bridgebot"),
		sessions: session.NewStore(options.SessionPath(), options.SessionBackups),
	}

	b.verifications = verification.NewManager(client, options.Verification, verification.Callbacks{
		OnShowSAS:  b.fireShowSAS,
		OnComplete: b.verificationComplete,
		OnCancel:   b.fireVerificationCancel,
	})

	b.pipeline = pending.NewPipeline(client, b.dispatchClear, pending.Config{
		Retention: options.PendingRetention,
	})

	b.backups = backup.NewManager(client, backup.Config{
		ExportPath:            options.KeyExportPath,
		LegacyExportPath:      options.LegacyKeyExportPath,
		RecoveryKeyConfigured: options.RecoveryKey != "",
		ServerBackup:          true,
	}, backup.Hooks{
		SweepPending:  b.pipeline.Sweep,
		BackupEnabled: b.backupEnabled,
	})

	b.boot = bootstrap.New(client, bootstrap.Config{
		RecoveryKey: options.RecoveryKey,
	})

	return b
}

// Run starts the bridge and blocks until ctx is cancelled or the sync
// client fails fatally.
func (b *Bridge) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	b.persistSession()

	runErr := make(chan error, 1)
	go func() {
		runErr <- b.client.Run(ctx)
	}()

	state, err := b.boot.Run(ctx)
	if err != nil {
		return fmt.Errorf("bridge startup failed: %w", err)
	}
	b.stateMu.Lock()
	b.state = state
	b.stateMu.Unlock()

	// Any key arriving through the crypto layer is a chance for a
	// buffered event to decrypt.
	b.client.OnRoomKeysUpdated(func() {
		go b.pipeline.Sweep(ctx)
	})

	// Backup discovery and proactive verification both read the device
	// list, which is empty until the initial sync has landed.
	select {
	case <-b.client.FirstSync():
	case err := <-runErr:
		if err != nil {
			return fmt.Errorf("sync client failed: %w", err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}

	b.backups.RecoverHistoricalKeys(ctx)

	if b.options.VerifyUserID != "" {
		go func() {
			if err := b.verifications.RequestUser(ctx, b.options.VerifyUserID); err != nil {
				b.log.WithError(err).WithField("user", b.options.VerifyUserID).
					Warn("Proactive verification failed")
			}
		}()
	}

	if b.options.WatchKeyExports && b.options.KeyExportPath != "" {
		go func() {
			if err := b.backups.Watch(ctx); err != nil {
				b.log.WithError(err).Warn("Key export watcher stopped")
			}
		}()
	}

	b.log.WithFields(logrus.Fields{
		"user":   b.client.OwnUserID(),
		"device": b.client.OwnDeviceID(),
	}).Info("Bridge running")

	for {
		select {
		case err := <-runErr:
			if err != nil {
				return fmt.Errorf("sync client failed: %w", err)
			}
			return nil
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-b.client.Events():
			if !ok {
				return nil
			}
			b.handleEvent(ctx, ev)
		}
	}
}

// Close tears the bridge down.
func (b *Bridge) Close() error {
	return b.client.Close()
}

// State returns the crypto bootstrap state, or nil before Run completed
// bootstrap.
func (b *Bridge) State() *bootstrap.State {
	b.stateMu.RLock()
	defer b.stateMu.RUnlock()
	return b.state
}

// RequestVerification verifies every unverified device of a user,
// bot-initiated.
func (b *Bridge) RequestVerification(ctx context.Context, userID string) error {
	return b.verifications.RequestUser(ctx, userID)
}

// RequestDeviceVerification verifies one specific device of a user,
// skipping device discovery.
func (b *Bridge) RequestDeviceVerification(ctx context.Context, userID, deviceID string) error {
	_, err := b.verifications.RequestDevice(ctx, userID, deviceID)
	return err
}

// SendText sends a plain text message to a room, returning the event id.
func (b *Bridge) SendText(ctx context.Context, roomID, body string) (string, error) {
	return b.client.SendMessage(ctx, roomID, map[string]any{
		"msgtype": string(transport.MessageText),
		"body":    body,
	})
}

// EditText replaces the body of a previously sent message.
func (b *Bridge) EditText(ctx context.Context, roomID, eventID, body string) (string, error) {
	return b.client.EditMessage(ctx, roomID, eventID, map[string]any{
		"msgtype": string(transport.MessageText),
		"body":    body,
	})
}

// SendReaction reacts to an event with the given key.
func (b *Bridge) SendReaction(ctx context.Context, roomID, eventID, key string) (string, error) {
	return b.client.SendReaction(ctx, roomID, eventID, key)
}

// SendTyping sets the bot's typing state in a room.
func (b *Bridge) SendTyping(ctx context.Context, roomID string, typing bool) error {
	return b.client.SendTyping(ctx, roomID, typing, typingTimeout)
}

// VerificationSessions returns the active verification sessions for a
// user.
func (b *Bridge) VerificationSessions(userID string) []*verification.Session {
	return b.verifications.ActiveSessions(userID)
}

// PendingEvents returns the number of buffered undecryptable events.
func (b *Bridge) PendingEvents() int {
	return b.pipeline.Len()
}

// handleEvent routes one sync event.
func (b *Bridge) handleEvent(ctx context.Context, ev *transport.Event) {
	switch ev.Type {
	case transport.EventEncrypted:
		b.pipeline.HandleEncrypted(ctx, ev)

	case transport.EventRoomKey:
		b.pipeline.Sweep(ctx)

	case transport.EventVerificationRequest:
		fromDevice := ev.StringField("from_device")
		if fromDevice == "" {
			b.log.WithField("sender", ev.Sender).Warn("Verification request without a device id")
			return
		}
		b.verifications.HandleRequest(ctx, ev.Sender, fromDevice)

	case transport.EventVerificationPhase:
		b.handleVerificationPhase(ctx, ev)

	case transport.EventMessage:
		b.dispatchClear(ev)

	case transport.EventReaction:
		b.log.WithFields(logrus.Fields{
			"room":   ev.RoomID,
			"sender": ev.Sender,
			"key":    ev.StringField("key"),
		}).Debug("Reaction received")

	case transport.EventMember:
		b.log.WithFields(logrus.Fields{
			"room":       ev.RoomID,
			"sender":     ev.Sender,
			"membership": ev.StringField("membership"),
		}).Debug("Membership change")

	case transport.EventSyncState:
		state := transport.SyncState(ev.StringField("state"))
		b.fireSyncState(state)
		if state == transport.SyncError {
			b.log.WithField("error", ev.StringField("error")).Warn("Sync connection degraded")
		}

	default:
		b.log.WithField("type", ev.Type).Debug("Ignoring unhandled event type")
	}
}

// handleVerificationPhase translates a phase-change event into a driver
// notification.
func (b *Bridge) handleVerificationPhase(ctx context.Context, ev *transport.Event) {
	phase, err := transport.ParsePhase(ev.StringField("phase"))
	if err != nil {
		b.log.WithError(err).Warn("Malformed verification phase event")
		return
	}
	deviceID := ev.StringField("device_id")
	if deviceID == "" {
		b.log.WithField("sender", ev.Sender).Warn("Verification phase event without a device id")
		return
	}
	b.verifications.HandlePhaseChange(ctx, ev.Sender, deviceID, phase,
		ev.StringField("code"), ev.StringField("reason"))
}

// verificationComplete persists the trust decision and surfaces the
// completion.
func (b *Bridge) verificationComplete(userID, deviceID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := b.client.SetDeviceVerified(ctx, userID, deviceID, true); err != nil {
		b.log.WithError(err).WithFields(logrus.Fields{
			"user":   userID,
			"device": deviceID,
		}).Warn("Failed to persist device trust after verification")
	}
	b.fireVerified(userID, deviceID)
}

// backupEnabled records backup discovery in the bootstrap state.
func (b *Bridge) backupEnabled() {
	b.stateMu.RLock()
	state := b.state
	b.stateMu.RUnlock()
	if state != nil {
		state.SetBackupEnabled(true)
	}
}

// persistSession writes the current login to the session store so the
// device id survives restarts.
func (b *Bridge) persistSession() {
	err := b.sessions.Save(&session.Record{
		UserID:      b.options.UserID,
		DeviceID:    b.options.DeviceID,
		AccessToken: b.options.AccessToken,
		Homeserver:  b.options.Homeserver,
		IssuedAt:    time.Now().UTC(),
	})
	if err != nil {
		b.log.WithError(err).Warn("Failed to persist session record")
	}
}
