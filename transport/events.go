// Package transport connects the bridge to its sync gateway. It defines
// the event model and the Client interface the rest of the bridge
// consumes, plus the websocket implementation of that interface.
package transport

import (
	"fmt"
	"time"
)

// EventType identifies the kind of event delivered by the sync stream.
type EventType string

const (
	// Timeline events.
	EventMessage   EventType = "m.room.message"
	EventEncrypted EventType = "m.room.encrypted"
	EventReaction  EventType = "m.reaction"
	EventMember    EventType = "m.room.member"

	// To-device events.
	EventRoomKey             EventType = "m.room_key"
	EventVerificationRequest EventType = "m.key.verification.request"
	EventVerificationPhase   EventType = "m.key.verification.phase"

	// Synthetic event emitted by the sync client when its connection
	// state changes.
	EventSyncState EventType = "io.bridgebot.sync_state"
)

// MessageType distinguishes the payload kinds carried by EventMessage.
type MessageType string

const (
	MessageText  MessageType = "m.text"
	MessageImage MessageType = "m.image"
	MessageAudio MessageType = "m.audio"
	MessageEmote MessageType = "m.emote"
)

// Event is a single event delivered by the sync stream. RoomID is empty
// for to-device events. Content is the raw (possibly still encrypted)
// payload.
type Event struct {
	ID        string
	Type      EventType
	Sender    string
	RoomID    string
	Timestamp time.Time
	Content   map[string]any
}

// StringField returns a string-typed content field, or "" when absent.
func (e *Event) StringField(key string) string {
	if e.Content == nil {
		return ""
	}
	s, _ := e.Content[key].(string)
	return s
}

// EncryptedInfo is the envelope metadata of an encrypted event, used to
// request the missing group session from the sender's other devices.
type EncryptedInfo struct {
	Algorithm string
	SessionID string
	SenderKey string
	DeviceID  string
}

// ParseEncryptedInfo extracts the encrypted envelope metadata from an
// EventEncrypted payload.
func ParseEncryptedInfo(e *Event) (EncryptedInfo, error) {
	if e.Type != EventEncrypted {
		return EncryptedInfo{}, fmt.Errorf("event %s is not encrypted (type %s)", e.ID, e.Type)
	}
	info := EncryptedInfo{
		Algorithm: e.StringField("algorithm"),
		SessionID: e.StringField("session_id"),
		SenderKey: e.StringField("sender_key"),
		DeviceID:  e.StringField("device_id"),
	}
	if info.SessionID == "" {
		return EncryptedInfo{}, fmt.Errorf("encrypted event %s has no session_id", e.ID)
	}
	return info, nil
}

// VerificationPhase is the wire-level phase of a verification request.
type VerificationPhase int

const (
	PhaseUnsent VerificationPhase = iota
	PhaseRequested
	PhaseReady
	PhaseStarted
	PhaseDone
	PhaseCancelled
)

// Terminal reports whether no further phase transitions can occur.
func (p VerificationPhase) Terminal() bool {
	return p == PhaseDone || p == PhaseCancelled
}

func (p VerificationPhase) String() string {
	switch p {
	case PhaseUnsent:
		return "unsent"
	case PhaseRequested:
		return "requested"
	case PhaseReady:
		return "ready"
	case PhaseStarted:
		return "started"
	case PhaseDone:
		return "done"
	case PhaseCancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

// ParsePhase maps the wire name of a phase to its enum value.
func ParsePhase(s string) (VerificationPhase, error) {
	switch s {
	case "unsent":
		return PhaseUnsent, nil
	case "requested":
		return PhaseRequested, nil
	case "ready":
		return PhaseReady, nil
	case "started":
		return PhaseStarted, nil
	case "done":
		return PhaseDone, nil
	case "cancelled":
		return PhaseCancelled, nil
	default:
		return PhaseUnsent, fmt.Errorf("unknown verification phase %q", s)
	}
}

// SyncState describes the sync connection lifecycle.
type SyncState string

const (
	SyncConnecting SyncState = "connecting"
	SyncPrepared   SyncState = "prepared"
	SyncSyncing    SyncState = "syncing"
	SyncError      SyncState = "error"
	SyncStopped    SyncState = "stopped"
)

// Device is one entry of a user's device list.
type Device struct {
	UserID      string
	DeviceID    string
	DisplayName string
	IdentityKey string
	Verified    bool
}

// SASValues are the short authentication strings surfaced to the operator
// during interactive verification: seven emoji indices and their names,
// plus the three-group decimal form.
type SASValues struct {
	EmojiIndices []int
	Emojis       []string
	Decimals     []int
}
