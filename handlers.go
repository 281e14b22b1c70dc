package bridgebot

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/pion/opus"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/bridgebot/agent"
	"github.com/opd-ai/bridgebot/transport"
)

// typingTimeout is the typing-notification lifetime sent while a reply
// is being generated.
const typingTimeout = 30 * time.Second

// dispatchClear processes a decrypted (or never-encrypted) room message.
// The pipeline calls it for events that decrypt late, with the same
// clear form immediate decryption would have produced.
func (b *Bridge) dispatchClear(ev *transport.Event) {
	if ev.Sender == b.client.OwnUserID() {
		return
	}
	if ev.Type != transport.EventMessage {
		b.log.WithFields(logrus.Fields{
			"event": ev.ID,
			"type":  ev.Type,
		}).Debug("Decrypted event is not a message")
		return
	}

	b.fireMessage(ev)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	switch transport.MessageType(ev.StringField("msgtype")) {
	case transport.MessageText, transport.MessageEmote:
		b.handleText(ctx, ev)
	case transport.MessageImage:
		b.handleImage(ctx, ev)
	case transport.MessageAudio:
		b.handleAudio(ctx, ev)
	default:
		b.log.WithFields(logrus.Fields{
			"event":   ev.ID,
			"msgtype": ev.StringField("msgtype"),
		}).Debug("Ignoring unhandled message type")
	}
}

// handleText generates an agent reply for a text message and sends it
// into the room, with a typing notification while the backend works.
func (b *Bridge) handleText(ctx context.Context, ev *transport.Event) {
	body := ev.StringField("body")
	if body == "" {
		return
	}

	b.history.Append(ev.RoomID, agent.RoleUser, body)

	if err := b.client.SendTyping(ctx, ev.RoomID, true, typingTimeout); err != nil {
		b.log.WithError(err).Debug("Failed to send typing notification")
	}
	defer func() {
		if err := b.client.SendTyping(ctx, ev.RoomID, false, 0); err != nil {
			b.log.WithError(err).Debug("Failed to clear typing notification")
		}
	}()

	messages := append(
		[]agent.Message{{Role: agent.RoleSystem, Content: b.options.SystemPrompt}},
		b.history.Messages(ev.RoomID)...,
	)

	result, err := b.agent.Chat(ctx, agent.Request{
		Model:    b.options.AgentModel,
		Messages: messages,
	})
	if err != nil {
		b.log.WithError(err).WithField("room", ev.RoomID).Error("Agent backend failed to produce a reply")
		return
	}
	if result.Text == "" {
		b.log.WithField("room", ev.RoomID).Warn("Agent backend produced an empty reply")
		return
	}

	if _, err := b.client.SendMessage(ctx, ev.RoomID, map[string]any{
		"msgtype": string(transport.MessageText),
		"body":    result.Text,
	}); err != nil {
		b.log.WithError(err).WithField("room", ev.RoomID).Error("Failed to send reply")
		return
	}
	b.history.Append(ev.RoomID, agent.RoleAssistant, result.Text)

	b.log.WithFields(logrus.Fields{
		"room":     ev.RoomID,
		"tokens":   result.Usage.TotalTokens,
		"duration": result.Duration,
	}).Debug("Reply sent")
}

// handleImage verifies the declared content hash of an inline image and
// acknowledges it. A hash mismatch means the payload was corrupted or
// tampered with in transit and the image is ignored.
func (b *Bridge) handleImage(ctx context.Context, ev *transport.Event) {
	if err := verifyInlinePayload(ev); err != nil {
		b.log.WithError(err).WithField("event", ev.ID).Warn("Image failed integrity check")
		return
	}

	if _, err := b.client.SendReaction(ctx, ev.RoomID, ev.ID, "👍"); err != nil {
		b.log.WithError(err).Debug("Failed to acknowledge image")
	}
}

// handleAudio validates that an inline voice message actually carries a
// decodable Opus frame before acknowledging it.
func (b *Bridge) handleAudio(ctx context.Context, ev *transport.Event) {
	data, err := inlinePayload(ev)
	if err != nil {
		b.log.WithError(err).WithField("event", ev.ID).Warn("Audio message without a usable payload")
		return
	}

	if err := validateOpusFrame(data); err != nil {
		b.log.WithError(err).WithField("event", ev.ID).Warn("Audio payload is not valid Opus")
		return
	}

	if _, err := b.client.SendMessage(ctx, ev.RoomID, map[string]any{
		"msgtype": string(transport.MessageText),
		"body":    "I received your voice message, but I can only read text for now.",
	}); err != nil {
		b.log.WithError(err).Debug("Failed to acknowledge voice message")
	}
}

// inlinePayload decodes the base64 payload of an inline media message.
func inlinePayload(ev *transport.Event) ([]byte, error) {
	raw := ev.StringField("data")
	if raw == "" {
		return nil, fmt.Errorf("message %s has no inline payload", ev.ID)
	}
	data, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		return nil, fmt.Errorf("inline payload of %s is not base64: %w", ev.ID, err)
	}
	return data, nil
}

// verifyInlinePayload checks the payload against its declared SHA-256.
func verifyInlinePayload(ev *transport.Event) error {
	data, err := inlinePayload(ev)
	if err != nil {
		return err
	}
	declared := ev.StringField("sha256")
	if declared == "" {
		return fmt.Errorf("message %s declares no content hash", ev.ID)
	}

	sum := sha256.Sum256(data)
	if hex.EncodeToString(sum[:]) != declared {
		return fmt.Errorf("content hash mismatch on %s", ev.ID)
	}
	return nil
}

// validateOpusFrame decodes one frame to prove the payload is Opus.
func validateOpusFrame(data []byte) error {
	if len(data) == 0 {
		return fmt.Errorf("empty audio payload")
	}

	decoder := opus.NewDecoder()
	// 1920 samples covers a 40ms frame at 48kHz.
	out := make([]byte, 1920*2)
	if _, _, err := decoder.Decode(data, out); err != nil {
		return fmt.Errorf("opus decode failed: %w", err)
	}
	return nil
}
