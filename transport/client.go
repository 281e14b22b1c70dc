package transport

import (
	"context"
	"errors"
	"time"

	"github.com/opd-ai/bridgebot/crypto"
)

// Sentinel errors shared by all Client implementations.
var (
	// ErrNotDecryptable is returned by ClearContent when the group
	// session for an encrypted event is not yet available locally.
	ErrNotDecryptable = errors.New("event is not decryptable yet")

	// ErrUnsupported is returned for operations the underlying crypto
	// backend does not implement (e.g. explicit room key requests).
	ErrUnsupported = errors.New("operation not supported by crypto backend")

	// ErrNoBackup is returned by backup operations when no server-side
	// key backup exists for the account.
	ErrNoBackup = errors.New("no key backup exists")
)

// Verifier is the handle to one running SAS key-exchange sub-protocol.
// Callbacks must be registered before the exchange produces values;
// each fires at most once.
type Verifier interface {
	// OnShowSAS registers the callback fired when the short
	// authentication strings become available for comparison.
	OnShowSAS(func(SASValues))
	// OnDone registers the callback fired when the peer confirms and
	// the verification completes.
	OnDone(func())
	// OnCancel registers the callback fired when either side cancels.
	OnCancel(func(code, reason string))

	// Confirm sends the MAC that completes the protocol on our side.
	Confirm(ctx context.Context) error
	// Cancel aborts the exchange with a machine-readable code.
	Cancel(ctx context.Context, code, reason string) error
}

// Verifications covers the interactive device-verification operations.
type Verifications interface {
	// AcceptVerification accepts a pending peer-initiated request.
	AcceptVerification(ctx context.Context, userID, deviceID string) error
	// RequestVerification sends a bot-initiated verification request.
	RequestVerification(ctx context.Context, userID, deviceID string) error
	// StartSAS begins the SAS key exchange for an accepted request.
	StartSAS(ctx context.Context, userID, deviceID string) (Verifier, error)
	// ActiveVerifier returns the running exchange handle, if the peer
	// already advanced the protocol past Ready.
	ActiveVerifier(userID, deviceID string) (Verifier, bool)
	// VerificationPhase reports the current wire-level phase of the
	// request for the given device, if one exists.
	VerificationPhase(userID, deviceID string) (VerificationPhase, bool)
	// CancelVerification cancels a pending request outside the SAS
	// exchange.
	CancelVerification(ctx context.Context, userID, deviceID, reason string) error
}

// Devices covers device-list and device-trust operations.
type Devices interface {
	// FetchDevices downloads the current device list for a user,
	// refreshing the local device-key cache as a side effect.
	FetchDevices(ctx context.Context, userID string) ([]Device, error)
	// IsDeviceVerified reports the locally recorded trust of a device.
	IsDeviceVerified(userID, deviceID string) bool
	// SetDeviceVerified records a trust decision for a device.
	SetDeviceVerified(ctx context.Context, userID, deviceID string, verified bool) error
}

// BackupInfo describes a server-side key backup.
type BackupInfo struct {
	Version   string
	Algorithm string
	Trusted   bool
	KeyCount  int
}

// ExportedRoomKey is one entry of a room-key export, and the unit imported
// from a server-side backup.
type ExportedRoomKey struct {
	Algorithm  string `json:"algorithm"`
	RoomID     string `json:"room_id"`
	SessionID  string `json:"session_id"`
	SenderKey  string `json:"sender_key"`
	SessionKey string `json:"session_key"`
}

// RoomKeyRequest identifies a missing group session to request from the
// sender's other devices.
type RoomKeyRequest struct {
	Algorithm string
	RoomID    string
	SessionID string
	SenderKey string
}

// KeyOps covers room-key recovery: server-side backup, key import and
// peer key requests.
type KeyOps interface {
	// CheckKeyBackup queries the server for an existing key backup.
	// Returns ErrNoBackup when none exists.
	CheckKeyBackup(ctx context.Context) (*BackupInfo, error)
	// RestoreKeyBackup decrypts and imports every session held in the
	// server-side backup, returning the number of keys imported.
	RestoreKeyBackup(ctx context.Context) (int, error)
	// ImportRoomKeys imports exported room keys into the local store,
	// returning the number accepted.
	ImportRoomKeys(ctx context.Context, keys []ExportedRoomKey) (int, error)
	// RequestRoomKey asks the sender's other devices for a missing
	// group session. Returns ErrUnsupported when the backend cannot.
	RequestRoomKey(ctx context.Context, req RoomKeyRequest) error
	// StoreBackupKey persists the backup decryption key derived from
	// the recovery key.
	StoreBackupKey(ctx context.Context, key [32]byte) error
	// OnRoomKeysUpdated registers a callback invoked whenever new room
	// keys become available locally, from any source.
	OnRoomKeysUpdated(func())
}

// TrustPolicy is the device-trust posture applied after bootstrap.
type TrustPolicy struct {
	// TrustCrossSigned trusts cross-signed devices without interactive
	// verification.
	TrustCrossSigned bool
	// BlockUnverified refuses to encrypt for or decrypt from devices
	// that have not been verified.
	BlockUnverified bool
}

// CryptoSetup covers the one-time bootstrap operations run at startup.
type CryptoSetup interface {
	// InitCrypto initializes the crypto engine against persistent local
	// storage. Failure here is fatal to startup.
	InitCrypto(ctx context.Context) error
	// FlushOutgoingRequests drives queued key-upload requests to the
	// server once, so dependent steps see our device keys.
	FlushOutgoingRequests(ctx context.Context) error
	// BootstrapSecretStorage provisions account secret storage. Must be
	// idempotent: provisioning over an existing store is not an error.
	BootstrapSecretStorage(ctx context.Context) error
	// BootstrapCrossSigning provisions cross-signing. With readOnly set
	// it only loads an identity that already exists in secret storage
	// and never generates a new one.
	BootstrapCrossSigning(ctx context.Context, readOnly bool) error
	// SetTrustPolicy applies the device-trust posture.
	SetTrustPolicy(policy TrustPolicy)
	// Capabilities reports which optional crypto operations the backend
	// supports. Valid after InitCrypto.
	Capabilities() crypto.Capabilities
}

// Messaging covers outbound room operations.
type Messaging interface {
	SendMessage(ctx context.Context, roomID string, content map[string]any) (string, error)
	EditMessage(ctx context.Context, roomID, eventID string, content map[string]any) (string, error)
	SendReaction(ctx context.Context, roomID, eventID, key string) (string, error)
	SendTyping(ctx context.Context, roomID string, typing bool, timeout time.Duration) error
}

// EventStream delivers sync events and decrypt notifications.
type EventStream interface {
	// Events returns the stream of sync events, in arrival order. The
	// channel closes when the client stops.
	Events() <-chan *Event
	// ClearContent returns the decrypted form of an encrypted event as
	// the equivalent plaintext event, or ErrNotDecryptable.
	ClearContent(ctx context.Context, ev *Event) (*Event, error)
	// OnEventDecrypted registers a one-shot observer fired when the
	// given event later becomes decryptable.
	OnEventDecrypted(eventID string, fn func(clear *Event))
}

// Client is the full sync/transport collaborator surface the bridge
// consumes. Implementations: the websocket sync client, and test mocks.
type Client interface {
	Verifications
	Devices
	KeyOps
	CryptoSetup
	Messaging
	EventStream

	// OwnUserID is the bot's own user id.
	OwnUserID() string
	// OwnDeviceID is the bot's own stable device id.
	OwnDeviceID() string

	// FirstSync returns a channel closed once the initial sync has
	// completed. Device lists and room state are unpopulated before
	// then, so startup steps that depend on them must wait for it.
	FirstSync() <-chan struct{}

	// Run starts the sync loop and blocks until ctx is cancelled or a
	// fatal error occurs. The first sync must complete within the
	// configured timeout or Run fails.
	Run(ctx context.Context) error
	// Close tears the connection down and closes Events.
	Close() error
}
