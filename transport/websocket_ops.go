package transport

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/opd-ai/bridgebot/crypto"
)

// Names of the secrets the client keeps in its local encrypted store.
const (
	secretDeviceIdentity = "device-identity"
	secretBackupKey      = "backup-key"
)

// --- Verifications ---

// AcceptVerification accepts a peer-initiated request. An ephemeral
// exchange key pair is created here so the SAS exchange can complete no
// matter which side starts it.
func (c *WebsocketClient) AcceptVerification(ctx context.Context, userID, deviceID string) error {
	exch, err := c.ensureExchangeKey(userID, deviceID)
	if err != nil {
		return err
	}

	_, err = c.call(ctx, "verification_accept", map[string]any{
		"user_id":   userID,
		"device_id": deviceID,
		"key":       base64.RawStdEncoding.EncodeToString(exch.Public[:]),
	})
	return err
}

// RequestVerification sends a bot-initiated verification request.
func (c *WebsocketClient) RequestVerification(ctx context.Context, userID, deviceID string) error {
	if _, err := c.ensureExchangeKey(userID, deviceID); err != nil {
		return err
	}

	_, err := c.call(ctx, "verification_request", map[string]any{
		"user_id":   userID,
		"device_id": deviceID,
	})
	if err == nil {
		c.mu.Lock()
		c.phases[verifKey(userID, deviceID)] = PhaseRequested
		c.mu.Unlock()
	}
	return err
}

// StartSAS begins the SAS key exchange on our side.
func (c *WebsocketClient) StartSAS(ctx context.Context, userID, deviceID string) (Verifier, error) {
	exch, err := c.ensureExchangeKey(userID, deviceID)
	if err != nil {
		return nil, err
	}

	data, err := c.call(ctx, "verification_start_sas", map[string]any{
		"user_id":   userID,
		"device_id": deviceID,
		"key":       base64.RawStdEncoding.EncodeToString(exch.Public[:]),
	})
	if err != nil {
		return nil, err
	}

	var resp struct {
		PeerKey    string `json:"peer_key"`
		Transcript string `json:"transcript"`
	}
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("malformed start_sas response: %w", err)
	}

	c.mu.Lock()
	c.phases[verifKey(userID, deviceID)] = PhaseStarted
	c.mu.Unlock()

	return c.assembleVerifier(userID, deviceID, resp.PeerKey, resp.Transcript)
}

// ActiveVerifier returns an already-running exchange handle, if any.
func (c *WebsocketClient) ActiveVerifier(userID, deviceID string) (Verifier, bool) {
	c.mu.Lock()
	v, ok := c.verifiers[verifKey(userID, deviceID)]
	c.mu.Unlock()
	if !ok {
		return nil, false
	}
	return v, true
}

// VerificationPhase reports the last observed wire phase for a device.
func (c *WebsocketClient) VerificationPhase(userID, deviceID string) (VerificationPhase, bool) {
	c.mu.Lock()
	p, ok := c.phases[verifKey(userID, deviceID)]
	c.mu.Unlock()
	return p, ok
}

// CancelVerification cancels a pending request.
func (c *WebsocketClient) CancelVerification(ctx context.Context, userID, deviceID, reason string) error {
	_, err := c.call(ctx, "verification_cancel", map[string]any{
		"user_id":   userID,
		"device_id": deviceID,
		"code":      "m.user",
		"reason":    reason,
	})
	c.clearVerification(verifKey(userID, deviceID))
	return err
}

// ensureExchangeKey creates (or reuses) the ephemeral exchange key pair
// for a verification.
func (c *WebsocketClient) ensureExchangeKey(userID, deviceID string) (*crypto.ExchangeKeyPair, error) {
	key := verifKey(userID, deviceID)
	c.mu.Lock()
	exch := c.exchanges[key]
	c.mu.Unlock()
	if exch != nil {
		return exch, nil
	}

	exch, err := crypto.GenerateExchangeKeyPair()
	if err != nil {
		return nil, fmt.Errorf("failed to generate exchange key: %w", err)
	}

	c.mu.Lock()
	// Another task may have raced us here; keep the first one.
	if existing := c.exchanges[key]; existing != nil {
		exch = existing
	} else {
		c.exchanges[key] = exch
	}
	c.mu.Unlock()
	return exch, nil
}

// --- Devices ---

// FetchDevices downloads a user's device list and refreshes the local
// trust cache.
func (c *WebsocketClient) FetchDevices(ctx context.Context, userID string) ([]Device, error) {
	data, err := c.call(ctx, "devices_fetch", map[string]any{"user_id": userID})
	if err != nil {
		return nil, err
	}

	var wire []struct {
		DeviceID    string `json:"device_id"`
		DisplayName string `json:"display_name"`
		IdentityKey string `json:"identity_key"`
		Verified    bool   `json:"verified"`
	}
	if err := json.Unmarshal(data, &wire); err != nil {
		return nil, fmt.Errorf("malformed device list: %w", err)
	}

	devices := make([]Device, 0, len(wire))
	c.mu.Lock()
	for _, d := range wire {
		devices = append(devices, Device{
			UserID:      userID,
			DeviceID:    d.DeviceID,
			DisplayName: d.DisplayName,
			IdentityKey: d.IdentityKey,
			Verified:    d.Verified,
		})
		c.deviceTrust[verifKey(userID, d.DeviceID)] = d.Verified
	}
	c.mu.Unlock()
	return devices, nil
}

// IsDeviceVerified reports the locally cached trust of a device.
func (c *WebsocketClient) IsDeviceVerified(userID, deviceID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.deviceTrust[verifKey(userID, deviceID)]
}

// SetDeviceVerified records a trust decision locally and at the gateway.
func (c *WebsocketClient) SetDeviceVerified(ctx context.Context, userID, deviceID string, verified bool) error {
	_, err := c.call(ctx, "device_set_verified", map[string]any{
		"user_id":   userID,
		"device_id": deviceID,
		"verified":  verified,
	})
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.deviceTrust[verifKey(userID, deviceID)] = verified
	c.mu.Unlock()
	return nil
}

// --- KeyOps ---

// CheckKeyBackup queries the server-side key backup.
func (c *WebsocketClient) CheckKeyBackup(ctx context.Context) (*BackupInfo, error) {
	data, err := c.call(ctx, "backup_info", nil)
	if err != nil {
		return nil, err
	}

	var info BackupInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, fmt.Errorf("malformed backup info: %w", err)
	}
	return &info, nil
}

// RestoreKeyBackup fetches every sealed session from the backup, decrypts
// each with the stored backup key, and imports the results.
func (c *WebsocketClient) RestoreKeyBackup(ctx context.Context) (int, error) {
	c.mu.Lock()
	keySet := c.backupKeySet
	backupKey := c.backupKey
	c.mu.Unlock()
	if !keySet {
		return 0, errors.New("no backup decryption key stored")
	}

	data, err := c.call(ctx, "backup_fetch", nil)
	if err != nil {
		return 0, err
	}

	var sealed []struct {
		RoomID    string `json:"room_id"`
		SessionID string `json:"session_id"`
		Sealed    string `json:"sealed"`
	}
	if err := json.Unmarshal(data, &sealed); err != nil {
		return 0, fmt.Errorf("malformed backup payload: %w", err)
	}

	keys := make([]ExportedRoomKey, 0, len(sealed))
	for _, entry := range sealed {
		blob, err := base64.RawStdEncoding.DecodeString(entry.Sealed)
		if err != nil {
			c.log.WithField("session", entry.SessionID).Warn("Skipping backup session with malformed encoding")
			continue
		}
		plain, err := crypto.OpenBackupSession(backupKey, blob)
		if err != nil {
			c.log.WithField("session", entry.SessionID).WithError(err).Warn("Skipping undecryptable backup session")
			continue
		}
		var key ExportedRoomKey
		if err := json.Unmarshal(plain, &key); err != nil {
			c.log.WithField("session", entry.SessionID).Warn("Skipping backup session with malformed content")
			continue
		}
		keys = append(keys, key)
	}

	return c.ImportRoomKeys(ctx, keys)
}

// ImportRoomKeys hands exported keys to the gateway's session store and
// keeps an encrypted local copy, then notifies key-update observers.
func (c *WebsocketClient) ImportRoomKeys(ctx context.Context, keys []ExportedRoomKey) (int, error) {
	valid := make([]ExportedRoomKey, 0, len(keys))
	for _, k := range keys {
		if k.SessionID == "" || k.SessionKey == "" {
			continue
		}
		valid = append(valid, k)
	}
	if len(valid) == 0 {
		return 0, nil
	}

	payload := make([]map[string]any, len(valid))
	for i, k := range valid {
		payload[i] = map[string]any{
			"algorithm":   k.Algorithm,
			"room_id":     k.RoomID,
			"session_id":  k.SessionID,
			"sender_key":  k.SenderKey,
			"session_key": k.SessionKey,
		}
	}
	data, err := c.call(ctx, "import_room_keys", map[string]any{"keys": payload})
	if err != nil {
		return 0, err
	}

	var resp struct {
		Imported int `json:"imported"`
	}
	if err := json.Unmarshal(data, &resp); err != nil {
		return 0, fmt.Errorf("malformed import response: %w", err)
	}

	if c.store != nil {
		for _, k := range valid {
			raw, err := json.Marshal(k)
			if err != nil {
				continue
			}
			if err := c.store.SaveSecret("roomkey-"+k.SessionID, raw); err != nil {
				c.log.WithError(err).Debug("Failed to cache imported room key locally")
			}
		}
	}

	if resp.Imported > 0 {
		c.notifyRoomKeysUpdated()
	}
	return resp.Imported, nil
}

// RequestRoomKey asks the sender's other devices for a missing group
// session, sealing the request to the sender's identity key.
func (c *WebsocketClient) RequestRoomKey(ctx context.Context, req RoomKeyRequest) error {
	if !c.caps.RoomKeyRequests {
		return ErrUnsupported
	}

	body, err := json.Marshal(map[string]any{
		"action":                 "request",
		"algorithm":              req.Algorithm,
		"room_id":                req.RoomID,
		"session_id":             req.SessionID,
		"sender_key":             req.SenderKey,
		"requesting_device_id":   c.cfg.DeviceID,
		"requesting_device_user": c.cfg.UserID,
	})
	if err != nil {
		return fmt.Errorf("failed to encode room key request: %w", err)
	}

	sealed, err := crypto.SealToDevice(req.SenderKey, body)
	if err != nil {
		return fmt.Errorf("failed to seal room key request: %w", err)
	}

	_, err = c.call(ctx, "send_to_device", map[string]any{
		"sender_key": req.SenderKey,
		"type":       "m.room_key_request",
		"body":       base64.RawStdEncoding.EncodeToString(sealed),
	})
	return err
}

// StoreBackupKey persists the backup decryption key.
func (c *WebsocketClient) StoreBackupKey(ctx context.Context, key [32]byte) error {
	c.mu.Lock()
	c.backupKey = key
	c.backupKeySet = true
	store := c.store
	c.mu.Unlock()

	if store != nil {
		if err := store.SaveSecret(secretBackupKey, key[:]); err != nil {
			return fmt.Errorf("failed to persist backup key: %w", err)
		}
	}
	return nil
}

// OnRoomKeysUpdated registers a key-arrival observer.
func (c *WebsocketClient) OnRoomKeysUpdated(fn func()) {
	c.mu.Lock()
	c.roomKeyCBs = append(c.roomKeyCBs, fn)
	c.mu.Unlock()
}

func (c *WebsocketClient) notifyRoomKeysUpdated() {
	c.mu.Lock()
	cbs := append([]func(){}, c.roomKeyCBs...)
	c.mu.Unlock()
	for _, fn := range cbs {
		fn()
	}
}

// --- CryptoSetup ---

// InitCrypto opens the local encrypted store, loads or creates the device
// identity, restores a persisted backup key, and probes the gateway's
// crypto capabilities.
func (c *WebsocketClient) InitCrypto(ctx context.Context) error {
	if c.cfg.DataDir == "" {
		return errors.New("crypto data directory is not configured")
	}

	store, err := crypto.NewSecureStore(c.cfg.DataDir, []byte(c.cfg.StorePassphrase))
	if err != nil {
		return fmt.Errorf("failed to open crypto store: %w", err)
	}

	var deviceKeys *crypto.DeviceKeyPair
	raw, err := store.LoadSecret(secretDeviceIdentity)
	switch {
	case err == nil && len(raw) == 64:
		deviceKeys, err = crypto.DeviceKeyPairFromSeed(raw[:32], raw[32:])
		if err != nil {
			return fmt.Errorf("failed to restore device identity: %w", err)
		}
	case err != nil && !errors.Is(err, os.ErrNotExist):
		return fmt.Errorf("failed to load device identity: %w", err)
	default:
		deviceKeys, err = crypto.GenerateDeviceKeyPair()
		if err != nil {
			return fmt.Errorf("failed to create device identity: %w", err)
		}
		seed := append(append([]byte{}, deviceKeys.PrivateBytes()...), deviceKeys.PublicBytes()...)
		if err := store.SaveSecret(secretDeviceIdentity, seed); err != nil {
			return fmt.Errorf("failed to persist device identity: %w", err)
		}
	}

	c.mu.Lock()
	c.store = store
	c.deviceKeys = deviceKeys
	c.mu.Unlock()

	if key, err := store.LoadSecret(secretBackupKey); err == nil && len(key) == 32 {
		c.mu.Lock()
		copy(c.backupKey[:], key)
		c.backupKeySet = true
		c.mu.Unlock()
		crypto.ZeroBytes(key)
	}

	c.probeCapabilities(ctx)
	return nil
}

// probeCapabilities queries the gateway once for its optional-operation
// support. A failed probe keeps the optimistic default; unsupported calls
// then surface ErrUnsupported at use.
func (c *WebsocketClient) probeCapabilities(ctx context.Context) {
	data, err := c.call(ctx, "capabilities", nil)
	if err != nil {
		c.log.WithError(err).Warn("Capability probe failed, assuming full support")
		return
	}

	var caps struct {
		RoomKeyRequests bool `json:"room_key_requests"`
		SecretStorage   bool `json:"secret_storage"`
		CrossSigning    bool `json:"cross_signing"`
		KeyBackup       bool `json:"key_backup"`
	}
	if err := json.Unmarshal(data, &caps); err != nil {
		c.log.WithError(err).Warn("Malformed capability probe response")
		return
	}

	c.mu.Lock()
	c.caps = crypto.Capabilities{
		RoomKeyRequests: caps.RoomKeyRequests,
		SecretStorage:   caps.SecretStorage,
		CrossSigning:    caps.CrossSigning,
		KeyBackup:       caps.KeyBackup,
	}
	c.mu.Unlock()
}

// Capabilities returns the probed capability descriptor.
func (c *WebsocketClient) Capabilities() crypto.Capabilities {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.caps
}

// FlushOutgoingRequests drives queued key uploads to the server.
func (c *WebsocketClient) FlushOutgoingRequests(ctx context.Context) error {
	_, err := c.call(ctx, "flush_outgoing", nil)
	return err
}

// BootstrapSecretStorage provisions account secret storage. Provisioning
// over an existing store is treated as success.
func (c *WebsocketClient) BootstrapSecretStorage(ctx context.Context) error {
	_, err := c.call(ctx, "secret_storage_bootstrap", nil)
	if err != nil && isAlreadyExists(err) {
		return nil
	}
	return err
}

// BootstrapCrossSigning provisions cross-signing. readOnly loads an
// existing identity and never generates a new one.
func (c *WebsocketClient) BootstrapCrossSigning(ctx context.Context, readOnly bool) error {
	_, err := c.call(ctx, "cross_signing_bootstrap", map[string]any{"read_only": readOnly})
	if err != nil && isAlreadyExists(err) {
		return nil
	}
	return err
}

// SetTrustPolicy applies the trust posture. Best-effort: the gateway call
// runs detached because the policy setter has no failure channel.
func (c *WebsocketClient) SetTrustPolicy(policy TrustPolicy) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.CallTimeout)
		defer cancel()
		_, err := c.call(ctx, "set_trust_policy", map[string]any{
			"trust_cross_signed": policy.TrustCrossSigned,
			"block_unverified":   policy.BlockUnverified,
		})
		if err != nil {
			c.log.WithError(err).Warn("Failed to apply trust policy at gateway")
		}
	}()
}

// isAlreadyExists detects idempotent-provisioning conflicts, which the
// gateway reports as a plain message.
func isAlreadyExists(err error) bool {
	return err != nil && (errors.Is(err, os.ErrExist) ||
		strings.Contains(err.Error(), "already exists"))
}

// --- Messaging ---

// SendMessage sends a room message, returning the new event id.
func (c *WebsocketClient) SendMessage(ctx context.Context, roomID string, content map[string]any) (string, error) {
	return c.sendForEventID(ctx, "send_message", map[string]any{
		"room_id": roomID,
		"content": content,
	})
}

// EditMessage replaces the content of a previously sent event.
func (c *WebsocketClient) EditMessage(ctx context.Context, roomID, eventID string, content map[string]any) (string, error) {
	return c.sendForEventID(ctx, "edit_message", map[string]any{
		"room_id":  roomID,
		"event_id": eventID,
		"content":  content,
	})
}

// SendReaction annotates an event with a reaction key.
func (c *WebsocketClient) SendReaction(ctx context.Context, roomID, eventID, key string) (string, error) {
	return c.sendForEventID(ctx, "send_reaction", map[string]any{
		"room_id":  roomID,
		"event_id": eventID,
		"key":      key,
	})
}

// SendTyping sets the bot's typing notification state.
func (c *WebsocketClient) SendTyping(ctx context.Context, roomID string, typing bool, timeout time.Duration) error {
	_, err := c.call(ctx, "send_typing", map[string]any{
		"room_id":    roomID,
		"typing":     typing,
		"timeout_ms": timeout.Milliseconds(),
	})
	return err
}

func (c *WebsocketClient) sendForEventID(ctx context.Context, method string, params map[string]any) (string, error) {
	data, err := c.call(ctx, method, params)
	if err != nil {
		return "", err
	}
	var resp struct {
		EventID string `json:"event_id"`
	}
	if err := json.Unmarshal(data, &resp); err != nil {
		return "", fmt.Errorf("malformed %s response: %w", method, err)
	}
	return resp.EventID, nil
}

// --- EventStream ---

// ClearContent returns the decrypted form of an encrypted event, serving
// from the local cache when the gateway already pushed it.
func (c *WebsocketClient) ClearContent(ctx context.Context, ev *Event) (*Event, error) {
	c.mu.Lock()
	clear, ok := c.clearCache[ev.ID]
	c.mu.Unlock()
	if ok {
		return clear, nil
	}

	data, err := c.call(ctx, "clear_content", map[string]any{"event_id": ev.ID})
	if err != nil {
		return nil, err
	}

	var wire wireEvent
	if err := json.Unmarshal(data, &wire); err != nil {
		return nil, fmt.Errorf("malformed clear content: %w", err)
	}
	clearEv := wire.toEvent()
	if clearEv.RoomID == "" {
		clearEv.RoomID = ev.RoomID
	}

	c.mu.Lock()
	c.clearCache[ev.ID] = clearEv
	c.mu.Unlock()
	return clearEv, nil
}

// OnEventDecrypted registers a one-shot decrypt observer, firing
// immediately when the clear form is already cached.
func (c *WebsocketClient) OnEventDecrypted(eventID string, fn func(clear *Event)) {
	c.mu.Lock()
	if clear, ok := c.clearCache[eventID]; ok {
		c.mu.Unlock()
		fn(clear)
		return
	}
	c.decryptObs[eventID] = append(c.decryptObs[eventID], fn)
	c.mu.Unlock()
}
