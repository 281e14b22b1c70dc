// Package bootstrap brings the local cryptographic identity to a usable
// state exactly once at startup: engine init, key upload, optional secret
// storage and cross-signing from a configured recovery key, and the
// trust-on-first-use policy. Every step except engine init is
// independently fault-tolerant, so partial prior state (a previous run
// already provisioned secret storage) degrades nothing.
package bootstrap

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/bridgebot/crypto"
	"github.com/opd-ai/bridgebot/transport"
)

// Transport is the slice of the sync client the bootstrap sequence needs.
type Transport interface {
	InitCrypto(ctx context.Context) error
	FlushOutgoingRequests(ctx context.Context) error
	BootstrapSecretStorage(ctx context.Context) error
	BootstrapCrossSigning(ctx context.Context, readOnly bool) error
	SetTrustPolicy(policy transport.TrustPolicy)
	StoreBackupKey(ctx context.Context, key [32]byte) error
	FetchDevices(ctx context.Context, userID string) ([]transport.Device, error)
	Capabilities() crypto.Capabilities
	OwnUserID() string
}

// Config holds the bootstrap parameters.
type Config struct {
	// RecoveryKey is the encoded operator recovery key. Empty means no
	// secret storage or cross-signing bootstrap and no backup restore.
	RecoveryKey string
	// UploadSettleDelay is the wait after flushing outgoing requests,
	// so our device keys are on the server before any dependent step
	// (signature verification, trust decisions) runs.
	UploadSettleDelay time.Duration
}

// DefaultConfig returns the standard bootstrap timings.
func DefaultConfig() Config {
	return Config{UploadSettleDelay: 2 * time.Second}
}

// State is the process-wide crypto identity state, initialized once
// before the transport begins syncing and mutated by bootstrap steps in
// order.
type State struct {
	mu sync.RWMutex

	engineReady        bool
	secretStorageReady bool
	crossSigningReady  bool
	trustOnFirstUse    bool
	backupEnabled      bool
	caps               crypto.Capabilities
	backupKey          [32]byte
	backupKeySet       bool
}

// EngineReady reports whether the crypto engine initialized.
func (s *State) EngineReady() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.engineReady
}

// SecretStorageReady reports whether secret storage bootstrap completed.
func (s *State) SecretStorageReady() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.secretStorageReady
}

// CrossSigningReady reports whether cross-signing bootstrap completed.
func (s *State) CrossSigningReady() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.crossSigningReady
}

// TrustOnFirstUse reports whether the trust policy is active.
func (s *State) TrustOnFirstUse() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.trustOnFirstUse
}

// BackupEnabled reports whether a server-side key backup was located and
// enabled.
func (s *State) BackupEnabled() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.backupEnabled
}

// SetBackupEnabled records the key-backup discovery outcome.
func (s *State) SetBackupEnabled(enabled bool) {
	s.mu.Lock()
	s.backupEnabled = enabled
	s.mu.Unlock()
}

// Capabilities returns the capability descriptor probed at bootstrap.
func (s *State) Capabilities() crypto.Capabilities {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.caps
}

// BackupKey returns the decoded recovery key material, if configured.
func (s *State) BackupKey() ([32]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.backupKey, s.backupKeySet
}

// Bootstrapper runs the startup sequence.
type Bootstrapper struct {
	client Transport
	cfg    Config
	log    *logrus.Entry
}

// New creates a bootstrapper.
func New(client Transport, cfg Config) *Bootstrapper {
	if cfg.UploadSettleDelay <= 0 {
		cfg.UploadSettleDelay = DefaultConfig().UploadSettleDelay
	}
	return &Bootstrapper{
		client: client,
		cfg:    cfg,
		log:    logrus.WithField("package", "bootstrap"),
	}
}

// Run executes the bootstrap sequence. Only engine initialization is
// fatal; every later step logs a warning and continues.
func (b *Bootstrapper) Run(ctx context.Context) (*State, error) {
	state := &State{}

	// Step 1: engine init against persistent storage, so the device
	// identity survives restarts. Required for cross-signing
	// continuity; failure aborts startup.
	if err := b.client.InitCrypto(ctx); err != nil {
		return nil, fmt.Errorf("crypto engine initialization failed: %w", err)
	}
	state.mu.Lock()
	state.engineReady = true
	state.caps = b.client.Capabilities()
	state.mu.Unlock()

	// Step 2: push our device keys to the server and let the upload
	// settle before anything depends on them.
	if err := b.client.FlushOutgoingRequests(ctx); err != nil {
		b.log.WithError(err).Warn("Failed to flush outgoing key uploads")
	}
	select {
	case <-time.After(b.cfg.UploadSettleDelay):
	case <-ctx.Done():
		return state, ctx.Err()
	}

	// Step 3: warm the own-device cache for later steps.
	if _, err := b.client.FetchDevices(ctx, b.client.OwnUserID()); err != nil {
		b.log.WithError(err).Warn("Failed to warm own device list")
	}

	// Step 4: recovery-key dependent provisioning.
	b.provisionFromRecoveryKey(ctx, state)

	// Step 5: trust policy. Cross-signed devices are trusted without
	// interactive verification, and unverified devices are not
	// blocked, so the bot can converse with devices it never verified.
	b.client.SetTrustPolicy(transport.TrustPolicy{
		TrustCrossSigned: true,
		BlockUnverified:  false,
	})
	state.mu.Lock()
	state.trustOnFirstUse = true
	state.mu.Unlock()

	b.log.WithFields(logrus.Fields{
		"secret_storage": state.SecretStorageReady(),
		"cross_signing":  state.CrossSigningReady(),
	}).Info("Crypto bootstrap complete")
	return state, nil
}

// provisionFromRecoveryKey decodes the configured recovery key, stores
// the backup decryption key and provisions secret storage plus
// cross-signing. No recovery key means the features degrade silently.
func (b *Bootstrapper) provisionFromRecoveryKey(ctx context.Context, state *State) {
	if b.cfg.RecoveryKey == "" {
		b.log.Warn("No recovery key configured, skipping secret storage and cross-signing bootstrap")
		return
	}

	key, err := crypto.DecodeRecoveryKey(b.cfg.RecoveryKey)
	if err != nil {
		b.log.WithError(err).Warn("Recovery key is invalid, skipping dependent bootstrap steps")
		return
	}
	state.mu.Lock()
	state.backupKey = key
	state.backupKeySet = true
	state.mu.Unlock()

	if err := b.client.StoreBackupKey(ctx, key); err != nil {
		b.log.WithError(err).Warn("Failed to store backup decryption key")
	}

	caps := b.client.Capabilities()
	if !caps.SecretStorage {
		b.log.Warn("Backend has no secret storage, skipping bootstrap")
	} else if err := b.client.BootstrapSecretStorage(ctx); err != nil {
		b.log.WithError(err).Warn("Secret storage bootstrap failed")
	} else {
		state.mu.Lock()
		state.secretStorageReady = true
		state.mu.Unlock()
	}

	if !caps.CrossSigning {
		b.log.Warn("Backend has no cross-signing, skipping bootstrap")
		return
	}
	// Read-existing-keys-only: generating a fresh cross-signing
	// identity over one already in secret storage would orphan every
	// prior verification.
	if err := b.client.BootstrapCrossSigning(ctx, true); err != nil {
		b.log.WithError(err).Warn("Cross-signing bootstrap failed")
		return
	}
	state.mu.Lock()
	state.crossSigningReady = true
	state.mu.Unlock()
}
