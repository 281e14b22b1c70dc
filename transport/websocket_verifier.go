package transport

import (
	"context"
	"encoding/base64"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/bridgebot/crypto"
)

// wsVerifier is the handle to one SAS exchange mediated by the gateway.
// The short authentication strings are computed locally from the X25519
// key agreement; the gateway only relays public material.
type wsVerifier struct {
	c        *WebsocketClient
	userID   string
	deviceID string

	mu         sync.Mutex
	sas        *SASValues
	shared     [32]byte
	transcript string

	showFn   func(SASValues)
	doneFn   func()
	cancelFn func(code, reason string)

	shown     bool
	done      bool
	cancelled bool

	cancelCode   string
	cancelReason string
}

// OnShowSAS registers the display callback. If the SAS values are already
// available it fires immediately, exactly once.
func (v *wsVerifier) OnShowSAS(fn func(SASValues)) {
	v.mu.Lock()
	v.showFn = fn
	fire := v.sas != nil && !v.shown && fn != nil
	if fire {
		v.shown = true
	}
	sas := v.sas
	v.mu.Unlock()

	if fire {
		fn(*sas)
	}
}

// OnDone registers the completion callback, firing immediately if the
// exchange already finished.
func (v *wsVerifier) OnDone(fn func()) {
	v.mu.Lock()
	v.doneFn = fn
	fire := v.done && fn != nil
	v.mu.Unlock()

	if fire {
		fn()
	}
}

// OnCancel registers the cancellation callback, firing immediately if the
// exchange was already cancelled.
func (v *wsVerifier) OnCancel(fn func(code, reason string)) {
	v.mu.Lock()
	v.cancelFn = fn
	fire := v.cancelled && fn != nil
	code, reason := v.cancelCode, v.cancelReason
	v.mu.Unlock()

	if fire {
		fn(code, reason)
	}
}

// Confirm sends the confirmation MAC over the shared secret, completing
// the protocol on our side.
func (v *wsVerifier) Confirm(ctx context.Context) error {
	v.mu.Lock()
	mac := crypto.ComputeMAC(v.shared, v.transcript, []byte(v.c.cfg.UserID+v.c.cfg.DeviceID))
	v.mu.Unlock()

	_, err := v.c.call(ctx, "verification_confirm", map[string]any{
		"user_id":   v.userID,
		"device_id": v.deviceID,
		"mac":       base64.RawStdEncoding.EncodeToString(mac),
	})
	return err
}

// Cancel aborts the exchange.
func (v *wsVerifier) Cancel(ctx context.Context, code, reason string) error {
	_, err := v.c.call(ctx, "verification_cancel", map[string]any{
		"user_id":   v.userID,
		"device_id": v.deviceID,
		"code":      code,
		"reason":    reason,
	})
	v.fireCancel(code, reason)
	return err
}

func (v *wsVerifier) setSAS(sas *SASValues, shared [32]byte, transcript string) {
	v.mu.Lock()
	v.sas = sas
	v.shared = shared
	v.transcript = transcript
	fn := v.showFn
	fire := fn != nil && !v.shown
	if fire {
		v.shown = true
	}
	v.mu.Unlock()

	if fire {
		fn(*sas)
	}
}

func (v *wsVerifier) fireDone() {
	v.mu.Lock()
	if v.done || v.cancelled {
		v.mu.Unlock()
		return
	}
	v.done = true
	fn := v.doneFn
	v.mu.Unlock()

	if fn != nil {
		fn()
	}
}

func (v *wsVerifier) fireCancel(code, reason string) {
	v.mu.Lock()
	if v.done || v.cancelled {
		v.mu.Unlock()
		return
	}
	v.cancelled = true
	v.cancelCode = code
	v.cancelReason = reason
	fn := v.cancelFn
	v.mu.Unlock()

	if fn != nil {
		fn(code, reason)
	}
}

// handlePhaseEvent tracks wire-level phase transitions and drives the
// verifier lifecycle for the affected (user, device) pair.
func (c *WebsocketClient) handlePhaseEvent(ev *Event) {
	userID := ev.StringField("user_id")
	if userID == "" {
		userID = ev.Sender
	}
	deviceID := ev.StringField("device_id")
	phaseName := ev.StringField("phase")
	phase, err := ParsePhase(phaseName)
	if err != nil {
		c.log.WithError(err).Warn("Dropping malformed verification phase event")
		return
	}
	key := verifKey(userID, deviceID)

	c.mu.Lock()
	c.phases[key] = phase
	verifier := c.verifiers[key]
	c.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "handlePhaseEvent",
		"package":  "transport",
		"user":     userID,
		"device":   deviceID,
		"phase":    phase.String(),
	}).Debug("Verification phase change")

	switch phase {
	case PhaseStarted:
		// The peer may have advanced the exchange before we did. When
		// the event carries their ephemeral key, assemble the verifier
		// from the exchange key pair created at accept time.
		if peerKey := ev.StringField("peer_key"); peerKey != "" && verifier == nil {
			if _, err := c.assembleVerifier(userID, deviceID, peerKey, ev.StringField("transcript")); err != nil {
				c.log.WithError(err).Warn("Failed to assemble verifier from peer start")
			}
		}
	case PhaseDone:
		if verifier != nil {
			verifier.fireDone()
		}
		c.clearVerification(key)
	case PhaseCancelled:
		if verifier != nil {
			verifier.fireCancel(ev.StringField("code"), ev.StringField("reason"))
		}
		c.clearVerification(key)
	}
}

// clearVerification drops per-exchange state once a terminal phase is
// reached. The phase entry itself stays queryable until replaced.
func (c *WebsocketClient) clearVerification(key string) {
	c.mu.Lock()
	if exch, ok := c.exchanges[key]; ok {
		_ = crypto.WipeExchangeKeyPair(exch)
		delete(c.exchanges, key)
	}
	delete(c.verifiers, key)
	c.mu.Unlock()
}

// assembleVerifier computes the shared secret and SAS values for an
// exchange and registers the verifier handle.
func (c *WebsocketClient) assembleVerifier(userID, deviceID, peerKeyB64, transcript string) (*wsVerifier, error) {
	key := verifKey(userID, deviceID)

	c.mu.Lock()
	exch := c.exchanges[key]
	c.mu.Unlock()
	if exch == nil {
		return nil, fmt.Errorf("no exchange key pair for verification %s", key)
	}

	peerRaw, err := base64.RawStdEncoding.DecodeString(peerKeyB64)
	if err != nil || len(peerRaw) != 32 {
		return nil, fmt.Errorf("malformed peer exchange key for %s", key)
	}
	var peerKey [32]byte
	copy(peerKey[:], peerRaw)

	shared, err := crypto.SharedSecret(exch.Private, peerKey)
	if err != nil {
		return nil, err
	}

	if transcript == "" {
		transcript = userID + "|" + deviceID + "|" + c.cfg.UserID + "|" + c.cfg.DeviceID
	}
	sasBytes, err := crypto.DeriveSAS(shared, "SAS|"+transcript)
	if err != nil {
		return nil, err
	}

	sas := &SASValues{
		EmojiIndices: sasBytes.EmojiIndices(),
		Emojis:       sasBytes.EmojiNames(),
		Decimals:     sasBytes.Decimals(),
	}

	v := &wsVerifier{c: c, userID: userID, deviceID: deviceID}
	c.mu.Lock()
	c.verifiers[key] = v
	c.mu.Unlock()
	v.setSAS(sas, shared, transcript)
	return v, nil
}
