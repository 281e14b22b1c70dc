// Package pending buffers events that arrive encrypted but undecryptable
// and reprocesses them as keys arrive, so a message encrypted before its
// group key reached us is still delivered eventually. Events are
// dispatched in the order their decryption succeeds, which is not
// necessarily arrival order.
package pending

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/bridgebot/transport"
)

// Transport is the slice of the sync client the pipeline needs.
type Transport interface {
	ClearContent(ctx context.Context, ev *transport.Event) (*transport.Event, error)
	OnEventDecrypted(eventID string, fn func(clear *transport.Event))
	RequestRoomKey(ctx context.Context, req transport.RoomKeyRequest) error
}

// Dispatch hands a decrypted event to normal message processing. The
// pipeline calls it with the same clear form immediate decryption would
// have produced.
type Dispatch func(clear *transport.Event)

// Config holds the pipeline parameters.
type Config struct {
	// Retention bounds how long an undecryptable event is retried,
	// measured from its origin timestamp. Messages whose key never
	// arrives are dropped at this age.
	Retention time.Duration
}

// DefaultConfig returns the standard retention window.
func DefaultConfig() Config {
	return Config{Retention: 5 * time.Minute}
}

// Event is one buffered undecryptable event.
type Event struct {
	Event      *transport.Event
	Info       transport.EncryptedInfo
	ReceivedAt time.Time
}

// Pipeline owns the pending set, keyed by event id.
type Pipeline struct {
	client   Transport
	dispatch Dispatch
	cfg      Config
	log      *logrus.Entry

	mu      sync.Mutex
	entries map[string]*Event
	// evicted tombstones events dropped at the retention limit, so a
	// key arriving afterwards cannot resurrect them through the
	// decrypt observer.
	evicted map[string]time.Time

	now func() time.Time
}

// NewPipeline creates a decrypt retry pipeline.
func NewPipeline(client Transport, dispatch Dispatch, cfg Config) *Pipeline {
	if cfg.Retention <= 0 {
		cfg.Retention = DefaultConfig().Retention
	}
	return &Pipeline{
		client:   client,
		dispatch: dispatch,
		cfg:      cfg,
		log:      logrus.WithField("package", "pending"),
		entries:  make(map[string]*Event),
		evicted:  make(map[string]time.Time),
		now:      time.Now,
	}
}

// Len returns the number of buffered events.
func (p *Pipeline) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}

// HandleEncrypted processes one transport-encrypted event. If its clear
// form is already available it is dispatched immediately; otherwise the
// event is buffered, a decrypt observer is registered, and the missing
// room key is requested from the sender's other devices.
func (p *Pipeline) HandleEncrypted(ctx context.Context, ev *transport.Event) {
	clear, err := p.client.ClearContent(ctx, ev)
	if err == nil {
		p.dispatch(clear)
		return
	}
	if !errors.Is(err, transport.ErrNotDecryptable) {
		p.log.WithField("event", ev.ID).WithError(err).Warn("Clear-content query failed, buffering for retry")
	}

	info, infoErr := transport.ParseEncryptedInfo(ev)
	if infoErr != nil {
		p.log.WithField("event", ev.ID).WithError(infoErr).Warn("Encrypted event with malformed envelope")
	}

	p.mu.Lock()
	if _, gone := p.evicted[ev.ID]; gone {
		p.mu.Unlock()
		return
	}
	p.entries[ev.ID] = &Event{Event: ev, Info: info, ReceivedAt: p.now()}
	p.mu.Unlock()

	// Fires when the transport's own decrypt-on-key-arrival mechanism
	// resolves the event, independent of our sweeps.
	p.client.OnEventDecrypted(ev.ID, func(clear *transport.Event) {
		p.resolve(ev.ID, clear)
	})

	if infoErr == nil {
		p.requestKey(ctx, ev.ID, ev.RoomID, info)
	}
}

// requestKey asks the sender's other devices for the missing session.
// Best-effort: an unsupported or failing backend leaves the event to the
// other recovery paths (backup restore, unsolicited key share).
func (p *Pipeline) requestKey(ctx context.Context, eventID, roomID string, info transport.EncryptedInfo) {
	err := p.client.RequestRoomKey(ctx, transport.RoomKeyRequest{
		Algorithm: info.Algorithm,
		RoomID:    roomID,
		SessionID: info.SessionID,
		SenderKey: info.SenderKey,
	})
	switch {
	case err == nil:
	case errors.Is(err, transport.ErrUnsupported):
		p.log.WithField("event", eventID).Debug("Backend does not support room key requests")
	default:
		p.log.WithField("event", eventID).WithError(err).Warn("Room key request failed")
	}
}

// resolve handles an asynchronous decrypt notification for a buffered
// event. Evicted events stay dead even when their key finally arrives.
func (p *Pipeline) resolve(eventID string, clear *transport.Event) {
	p.mu.Lock()
	if _, gone := p.evicted[eventID]; gone {
		p.mu.Unlock()
		return
	}
	_, live := p.entries[eventID]
	delete(p.entries, eventID)
	p.mu.Unlock()

	if live {
		p.dispatch(clear)
	}
}

// Sweep re-attempts every buffered event once. Call it when a room-key
// event arrives, after a backup restore imports keys, or on a crypto
// layer keys-updated notification. Successes are dispatched in decrypt
// order; failures re-enter the buffer unless past the retention window.
func (p *Pipeline) Sweep(ctx context.Context) {
	p.mu.Lock()
	snapshot := p.entries
	p.entries = make(map[string]*Event)
	p.pruneTombstonesLocked()
	p.mu.Unlock()

	if len(snapshot) == 0 {
		return
	}

	var retried, dispatched, dropped int
	for id, entry := range snapshot {
		retried++

		clear, err := p.client.ClearContent(ctx, entry.Event)
		if err == nil {
			dispatched++
			p.dispatch(clear)
			continue
		}

		if p.now().Sub(entry.Event.Timestamp) > p.cfg.Retention {
			dropped++
			p.mu.Lock()
			p.evicted[id] = p.now()
			p.mu.Unlock()
			p.log.WithFields(logrus.Fields{
				"event":   id,
				"session": entry.Info.SessionID,
			}).Warn("Dropping undecryptable event past retention window")
			continue
		}

		p.mu.Lock()
		// A decrypt notification may have raced the sweep; it wins.
		if _, gone := p.evicted[id]; !gone {
			p.entries[id] = entry
		}
		p.mu.Unlock()
	}

	p.log.WithFields(logrus.Fields{
		"retried":    retried,
		"dispatched": dispatched,
		"dropped":    dropped,
		"remaining":  p.Len(),
	}).Debug("Decrypt retry sweep finished")
}

// pruneTombstonesLocked bounds the evicted set. Called with mu held.
func (p *Pipeline) pruneTombstonesLocked() {
	cutoff := p.now().Add(-2 * p.cfg.Retention)
	for id, at := range p.evicted {
		if at.Before(cutoff) {
			delete(p.evicted, id)
		}
	}
}
