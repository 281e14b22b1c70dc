package bridgebot

import (
	"github.com/opd-ai/bridgebot/transport"
)

// MessageCallback fires for every decrypted incoming room message.
type MessageCallback func(ev *transport.Event)

// ShowSASCallback fires when short authentication strings are ready for
// comparison during a verification.
type ShowSASCallback func(userID, deviceID string, sas transport.SASValues)

// VerifiedCallback fires when a device verification completes.
type VerifiedCallback func(userID, deviceID string)

// VerificationCancelCallback fires when a verification is cancelled.
type VerificationCancelCallback func(userID, deviceID, code, reason string)

// SyncStateCallback fires on sync connection state changes.
type SyncStateCallback func(state transport.SyncState)

// OnMessage sets the incoming-message callback.
func (b *Bridge) OnMessage(fn MessageCallback) {
	b.callbackMu.Lock()
	b.messageCallback = fn
	b.callbackMu.Unlock()
}

// OnShowSAS sets the SAS display callback.
func (b *Bridge) OnShowSAS(fn ShowSASCallback) {
	b.callbackMu.Lock()
	b.sasCallback = fn
	b.callbackMu.Unlock()
}

// OnVerified sets the verification-complete callback.
func (b *Bridge) OnVerified(fn VerifiedCallback) {
	b.callbackMu.Lock()
	b.verifiedCallback = fn
	b.callbackMu.Unlock()
}

// OnVerificationCancel sets the verification-cancelled callback.
func (b *Bridge) OnVerificationCancel(fn VerificationCancelCallback) {
	b.callbackMu.Lock()
	b.cancelCallback = fn
	b.callbackMu.Unlock()
}

// OnSyncState sets the sync-state callback.
func (b *Bridge) OnSyncState(fn SyncStateCallback) {
	b.callbackMu.Lock()
	b.syncStateCallback = fn
	b.callbackMu.Unlock()
}

func (b *Bridge) fireMessage(ev *transport.Event) {
	b.callbackMu.RLock()
	fn := b.messageCallback
	b.callbackMu.RUnlock()
	if fn != nil {
		fn(ev)
	}
}

func (b *Bridge) fireShowSAS(userID, deviceID string, sas transport.SASValues) {
	b.callbackMu.RLock()
	fn := b.sasCallback
	b.callbackMu.RUnlock()
	if fn != nil {
		fn(userID, deviceID, sas)
	}
}

func (b *Bridge) fireVerified(userID, deviceID string) {
	b.callbackMu.RLock()
	fn := b.verifiedCallback
	b.callbackMu.RUnlock()
	if fn != nil {
		fn(userID, deviceID)
	}
}

func (b *Bridge) fireVerificationCancel(userID, deviceID, code, reason string) {
	b.callbackMu.RLock()
	fn := b.cancelCallback
	b.callbackMu.RUnlock()
	if fn != nil {
		fn(userID, deviceID, code, reason)
	}
}

func (b *Bridge) fireSyncState(state transport.SyncState) {
	b.callbackMu.RLock()
	fn := b.syncStateCallback
	b.callbackMu.RUnlock()
	if fn != nil {
		fn(state)
	}
}
