package bridgebot

import (
	"errors"
	"path/filepath"
	"time"

	"github.com/opd-ai/bridgebot/verification"
)

// Options contains configuration options for creating a Bridge instance.
type Options struct {
	// GatewayURL is the websocket endpoint of the sync gateway.
	GatewayURL string
	// UserID is the bot's account user id.
	UserID string
	// DeviceID is the bot's stable device id. It must not change
	// between runs or cross-signing continuity is lost.
	DeviceID string
	// AccessToken authenticates against the gateway.
	AccessToken string
	// Homeserver is the origin recorded in the session file.
	Homeserver string

	// DataDir holds the crypto store, session file and related state.
	DataDir string
	// StorePassphrase encrypts secrets at rest in DataDir.
	StorePassphrase string
	// RecoveryKey is the encoded recovery key used to provision secret
	// storage, cross-signing and key backup access. Empty disables
	// those features.
	RecoveryKey string

	// KeyExportPath is the drop location for pre-decrypted room-key
	// export files. Empty disables the source.
	KeyExportPath string
	// LegacyKeyExportPath is the fixed fallback path of the old export
	// format. Empty disables the source.
	LegacyKeyExportPath string
	// WatchKeyExports imports export files dropped while running.
	WatchKeyExports bool

	// AgentURL is the chat-completion endpoint of the agent backend.
	AgentURL string
	// AgentAPIKey authenticates against the agent backend.
	AgentAPIKey string
	// AgentModel is the model name sent with each completion request.
	AgentModel string
	// SystemPrompt is prepended to every conversation.
	SystemPrompt string
	// HistoryWindow is the number of turns replayed per room.
	HistoryWindow int

	// PendingRetention bounds how long an undecryptable message is
	// retried, measured from its origin timestamp.
	PendingRetention time.Duration

	// VerifyUserID, when set, is proactively verified after the initial
	// sync: every unverified device of that user gets a verification
	// request. Empty skips the step.
	VerifyUserID string

	// Verification holds the verification driver timings. Zero-valued
	// fields use the driver defaults.
	Verification verification.Config

	// SessionBackups is the number of session file backup generations.
	SessionBackups int
}

// NewOptions creates a new default Options.
func NewOptions() *Options {
	return &Options{
		DataDir:          "data",
		AgentModel:       "gpt-4o-mini",
		SystemPrompt:     "You are a helpful assistant replying inside an encrypted chat room.",
		HistoryWindow:    20,
		PendingRetention: 5 * time.Minute,
		Verification:     verification.DefaultConfig(),
	}
}

// Validate checks the fields a working bridge needs.
func (o *Options) Validate() error {
	if o.GatewayURL == "" {
		return errors.New("no gateway URL configured")
	}
	if o.UserID == "" {
		return errors.New("no user id configured")
	}
	if o.DeviceID == "" {
		return errors.New("no device id configured")
	}
	if o.AccessToken == "" {
		return errors.New("no access token configured")
	}
	if o.DataDir == "" {
		return errors.New("no data directory configured")
	}
	return nil
}

// SessionPath is where the login session record is persisted.
func (o *Options) SessionPath() string {
	return filepath.Join(o.DataDir, "session.json")
}
