package pending

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/bridgebot/transport"
)

type mockTransport struct {
	mu sync.Mutex

	// decryptable maps event id to the clear event ClearContent returns.
	decryptable map[string]*transport.Event
	observers   map[string]func(*transport.Event)
	keyRequests []transport.RoomKeyRequest
	keyReqErr   error
}

func newMockTransport() *mockTransport {
	return &mockTransport{
		decryptable: make(map[string]*transport.Event),
		observers:   make(map[string]func(*transport.Event)),
	}
}

func (m *mockTransport) ClearContent(ctx context.Context, ev *transport.Event) (*transport.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if clear, ok := m.decryptable[ev.ID]; ok {
		return clear, nil
	}
	return nil, transport.ErrNotDecryptable
}

func (m *mockTransport) OnEventDecrypted(eventID string, fn func(clear *transport.Event)) {
	m.mu.Lock()
	m.observers[eventID] = fn
	m.mu.Unlock()
}

func (m *mockTransport) RequestRoomKey(ctx context.Context, req transport.RoomKeyRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.keyReqErr != nil {
		return m.keyReqErr
	}
	m.keyRequests = append(m.keyRequests, req)
	return nil
}

// keyArrives marks an event decryptable and fires its observer, the way
// the transport does when the missing session shows up.
func (m *mockTransport) keyArrives(eventID string, clear *transport.Event) {
	m.mu.Lock()
	m.decryptable[eventID] = clear
	fn := m.observers[eventID]
	m.mu.Unlock()
	if fn != nil {
		fn(clear)
	}
}

func (m *mockTransport) requests() []transport.RoomKeyRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]transport.RoomKeyRequest(nil), m.keyRequests...)
}

type dispatchRecorder struct {
	mu     sync.Mutex
	events []*transport.Event
}

func (d *dispatchRecorder) dispatch(clear *transport.Event) {
	d.mu.Lock()
	d.events = append(d.events, clear)
	d.mu.Unlock()
}

func (d *dispatchRecorder) ids() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	ids := make([]string, len(d.events))
	for i, ev := range d.events {
		ids[i] = ev.ID
	}
	return ids
}

func encryptedEvent(id string, age time.Duration) *transport.Event {
	return &transport.Event{
		ID:        id,
		Type:      transport.EventEncrypted,
		Sender:    "@alice:example.com",
		RoomID:    "!room:example.com",
		Timestamp: time.Now().Add(-age),
		Content: map[string]any{
			"algorithm":  "m.megolm.v1.aes-sha2",
			"session_id": "sess-" + id,
			"sender_key": "senderkey",
		},
	}
}

func clearEvent(id string) *transport.Event {
	return &transport.Event{
		ID:      id,
		Type:    transport.EventMessage,
		Content: map[string]any{"msgtype": "m.text", "body": "hi"},
	}
}

func TestImmediatelyDecryptableDispatches(t *testing.T) {
	client := newMockTransport()
	rec := &dispatchRecorder{}
	p := NewPipeline(client, rec.dispatch, Config{})

	ev := encryptedEvent("$e1", 0)
	client.decryptable["$e1"] = clearEvent("$e1")

	p.HandleEncrypted(context.Background(), ev)

	assert.Equal(t, []string{"$e1"}, rec.ids())
	assert.Equal(t, 0, p.Len(), "nothing is buffered when decryption succeeds")
	assert.Empty(t, client.requests(), "no key request for a decryptable event")
}

func TestUndecryptableBuffersAndRequestsKey(t *testing.T) {
	client := newMockTransport()
	rec := &dispatchRecorder{}
	p := NewPipeline(client, rec.dispatch, Config{})

	p.HandleEncrypted(context.Background(), encryptedEvent("$e1", 0))

	assert.Empty(t, rec.ids())
	assert.Equal(t, 1, p.Len())

	reqs := client.requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, "sess-$e1", reqs[0].SessionID)
	assert.Equal(t, "!room:example.com", reqs[0].RoomID)
}

func TestUnsupportedKeyRequestIsSwallowed(t *testing.T) {
	client := newMockTransport()
	client.keyReqErr = transport.ErrUnsupported
	rec := &dispatchRecorder{}
	p := NewPipeline(client, rec.dispatch, Config{})

	p.HandleEncrypted(context.Background(), encryptedEvent("$e1", 0))

	assert.Equal(t, 1, p.Len(), "the event stays buffered for the other recovery paths")
}

func TestDecryptObserverDispatches(t *testing.T) {
	client := newMockTransport()
	rec := &dispatchRecorder{}
	p := NewPipeline(client, rec.dispatch, Config{})

	p.HandleEncrypted(context.Background(), encryptedEvent("$e1", 0))
	client.keyArrives("$e1", clearEvent("$e1"))

	assert.Equal(t, []string{"$e1"}, rec.ids())
	assert.Equal(t, 0, p.Len())
}

func TestSweepDispatchesNewlyDecryptable(t *testing.T) {
	client := newMockTransport()
	rec := &dispatchRecorder{}
	p := NewPipeline(client, rec.dispatch, Config{})

	ctx := context.Background()
	p.HandleEncrypted(ctx, encryptedEvent("$e1", 0))
	p.HandleEncrypted(ctx, encryptedEvent("$e2", 0))
	require.Equal(t, 2, p.Len())

	// The key for one of the two arrives without an observer firing.
	client.mu.Lock()
	client.decryptable["$e1"] = clearEvent("$e1")
	client.mu.Unlock()

	p.Sweep(ctx)

	assert.Equal(t, []string{"$e1"}, rec.ids())
	assert.Equal(t, 1, p.Len(), "the still-undecryptable event re-enters the buffer")
}

func TestSweepEvictsPastRetention(t *testing.T) {
	client := newMockTransport()
	rec := &dispatchRecorder{}
	p := NewPipeline(client, rec.dispatch, Config{Retention: time.Minute})

	ctx := context.Background()
	p.HandleEncrypted(ctx, encryptedEvent("$old", 2*time.Minute))
	p.HandleEncrypted(ctx, encryptedEvent("$fresh", time.Second))

	p.Sweep(ctx)

	assert.Empty(t, rec.ids())
	assert.Equal(t, 1, p.Len(), "only the fresh event survives the sweep")
}

func TestEvictionIsTerminal(t *testing.T) {
	client := newMockTransport()
	rec := &dispatchRecorder{}
	p := NewPipeline(client, rec.dispatch, Config{Retention: time.Minute})

	ctx := context.Background()
	p.HandleEncrypted(ctx, encryptedEvent("$old", 2*time.Minute))
	p.Sweep(ctx)
	require.Equal(t, 0, p.Len())

	// The key finally arrives, after eviction. The event must stay dead.
	client.keyArrives("$old", clearEvent("$old"))
	assert.Empty(t, rec.ids())

	// Re-delivery of the same encrypted event is also refused.
	p.HandleEncrypted(ctx, encryptedEvent("$old", 2*time.Minute))
	assert.Equal(t, 0, p.Len())
}

func TestTombstonesPruneAfterTwiceRetention(t *testing.T) {
	client := newMockTransport()
	rec := &dispatchRecorder{}
	p := NewPipeline(client, rec.dispatch, Config{Retention: time.Minute})

	now := time.Now()
	p.now = func() time.Time { return now }

	ctx := context.Background()
	p.HandleEncrypted(ctx, encryptedEvent("$old", 2*time.Minute))
	p.Sweep(ctx)
	require.Len(t, p.evicted, 1)

	now = now.Add(3 * time.Minute)
	p.Sweep(ctx)
	assert.Empty(t, p.evicted, "tombstones older than twice the retention are pruned")
}

func TestMalformedEnvelopeStillBuffered(t *testing.T) {
	client := newMockTransport()
	rec := &dispatchRecorder{}
	p := NewPipeline(client, rec.dispatch, Config{})

	ev := encryptedEvent("$e1", 0)
	delete(ev.Content, "session_id")

	p.HandleEncrypted(context.Background(), ev)

	assert.Equal(t, 1, p.Len(), "a malformed envelope is buffered without a key request")
	assert.Empty(t, client.requests())
}
