package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/bridgebot/crypto"
)

// WSConfig configures the websocket sync client.
type WSConfig struct {
	// URL is the websocket endpoint of the sync gateway.
	URL string
	// AccessToken authenticates the bot's session.
	AccessToken string
	// UserID and DeviceID identify the bot's own login.
	UserID   string
	DeviceID string

	// DataDir holds the encrypted local crypto store. The device
	// identity must survive restarts for cross-signing continuity.
	DataDir string
	// StorePassphrase protects the local crypto store at rest.
	StorePassphrase string

	// FirstSyncTimeout bounds how long the first sync may take before
	// startup is aborted.
	FirstSyncTimeout time.Duration
	// CallTimeout bounds each request/response round-trip.
	CallTimeout time.Duration
	// ReconnectBackoff is the delay between reconnect attempts.
	ReconnectBackoff time.Duration
}

// DefaultWSConfig returns the default sync client configuration.
func DefaultWSConfig() WSConfig {
	return WSConfig{
		FirstSyncTimeout: 30 * time.Second,
		CallTimeout:      15 * time.Second,
		ReconnectBackoff: 5 * time.Second,
	}
}

// wsFrame is the wire envelope for every frame in either direction.
type wsFrame struct {
	Op        string          `json:"op"`
	Txn       string          `json:"txn,omitempty"`
	Method    string          `json:"method,omitempty"`
	Params    map[string]any  `json:"params,omitempty"`
	OK        bool            `json:"ok,omitempty"`
	Error     string          `json:"error,omitempty"`
	ErrorCode string          `json:"error_code,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Event     *wireEvent      `json:"event,omitempty"`
	State     string          `json:"state,omitempty"`
	EventID   string          `json:"event_id,omitempty"`
}

// wireEvent is the JSON form of a sync event.
type wireEvent struct {
	ID        string         `json:"event_id"`
	Type      string         `json:"type"`
	Sender    string         `json:"sender"`
	RoomID    string         `json:"room_id,omitempty"`
	Timestamp int64          `json:"origin_server_ts"`
	Content   map[string]any `json:"content"`
}

func (w *wireEvent) toEvent() *Event {
	return &Event{
		ID:        w.ID,
		Type:      EventType(w.Type),
		Sender:    w.Sender,
		RoomID:    w.RoomID,
		Timestamp: time.UnixMilli(w.Timestamp),
		Content:   w.Content,
	}
}

// callResult carries one response back to a waiting caller.
type callResult struct {
	data json.RawMessage
	err  error
}

// WebsocketClient implements Client over a websocket sync gateway. One
// goroutine (the read loop) owns the connection reads; writes are
// serialized by writeMu; all other shared state sits behind mu.
type WebsocketClient struct {
	cfg WSConfig
	log *logrus.Entry

	writeMu sync.Mutex
	mu      sync.Mutex
	conn    *websocket.Conn

	connReady chan struct{} // closed once the first connection is up
	firstSync chan struct{} // closed once the first sync completes
	readyOnce sync.Once
	syncOnce  sync.Once
	closeOnce sync.Once
	closed    chan struct{}

	events chan *Event

	calls       map[string]chan callResult
	clearCache  map[string]*Event
	decryptObs  map[string][]func(*Event)
	phases      map[string]VerificationPhase
	verifiers   map[string]*wsVerifier
	exchanges   map[string]*crypto.ExchangeKeyPair
	deviceTrust map[string]bool
	roomKeyCBs  []func()

	store      *crypto.SecureStore
	deviceKeys *crypto.DeviceKeyPair

	backupKey    [32]byte
	backupKeySet bool

	caps crypto.Capabilities
}

// NewWebsocketClient creates a sync client. The connection is established
// by Run.
func NewWebsocketClient(cfg WSConfig) (*WebsocketClient, error) {
	if cfg.URL == "" {
		return nil, errors.New("sync gateway URL is required")
	}
	if cfg.UserID == "" || cfg.DeviceID == "" {
		return nil, errors.New("user id and device id are required")
	}
	def := DefaultWSConfig()
	if cfg.FirstSyncTimeout <= 0 {
		cfg.FirstSyncTimeout = def.FirstSyncTimeout
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = def.CallTimeout
	}
	if cfg.ReconnectBackoff <= 0 {
		cfg.ReconnectBackoff = def.ReconnectBackoff
	}

	return &WebsocketClient{
		cfg: cfg,
		log: logrus.WithFields(logrus.Fields{
			"package": "transport",
			"device":  cfg.DeviceID,
		}),
		connReady:   make(chan struct{}),
		firstSync:   make(chan struct{}),
		closed:      make(chan struct{}),
		events:      make(chan *Event, 64),
		calls:       make(map[string]chan callResult),
		clearCache:  make(map[string]*Event),
		decryptObs:  make(map[string][]func(*Event)),
		phases:      make(map[string]VerificationPhase),
		verifiers:   make(map[string]*wsVerifier),
		exchanges:   make(map[string]*crypto.ExchangeKeyPair),
		deviceTrust: make(map[string]bool),
		caps:        crypto.AllCapabilities(),
	}, nil
}

// OwnUserID returns the bot's own user id.
func (c *WebsocketClient) OwnUserID() string { return c.cfg.UserID }

// OwnDeviceID returns the bot's own device id.
func (c *WebsocketClient) OwnDeviceID() string { return c.cfg.DeviceID }

// Events returns the sync event stream.
func (c *WebsocketClient) Events() <-chan *Event { return c.events }

// FirstSync returns the channel closed once the initial sync completes.
func (c *WebsocketClient) FirstSync() <-chan struct{} { return c.firstSync }

// Run connects, waits for the first sync, then services the connection
// until ctx is cancelled. A first sync that does not complete within
// FirstSyncTimeout is fatal.
func (c *WebsocketClient) Run(ctx context.Context) error {
	if err := c.connect(ctx); err != nil {
		return fmt.Errorf("failed to connect to sync gateway: %w", err)
	}

	go c.readLoop(ctx)

	select {
	case <-c.firstSync:
	case <-time.After(c.cfg.FirstSyncTimeout):
		c.Close()
		return fmt.Errorf("first sync did not complete within %v", c.cfg.FirstSyncTimeout)
	case <-ctx.Done():
		c.Close()
		return ctx.Err()
	}

	c.log.Info("Sync stream established")

	select {
	case <-ctx.Done():
		c.Close()
		return nil
	case <-c.closed:
		return nil
	}
}

func (c *WebsocketClient) connect(ctx context.Context) error {
	header := http.Header{}
	if c.cfg.AccessToken != "" {
		header.Set("Authorization", "Bearer "+c.cfg.AccessToken)
	}

	dialer := websocket.Dialer{HandshakeTimeout: c.cfg.CallTimeout}
	conn, _, err := dialer.DialContext(ctx, c.cfg.URL, header)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	c.readyOnce.Do(func() { close(c.connReady) })
	return nil
}

// readLoop reads frames until the client closes, reconnecting with a
// fixed backoff on transient connection loss.
func (c *WebsocketClient) readLoop(ctx context.Context) {
	for {
		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()
		if conn == nil {
			return
		}

		var frame wsFrame
		if err := conn.ReadJSON(&frame); err != nil {
			select {
			case <-c.closed:
				return
			case <-ctx.Done():
				c.Close()
				return
			default:
			}

			c.log.WithError(err).Warn("Sync connection lost, reconnecting")
			c.failPendingCalls(fmt.Errorf("connection lost: %w", err))
			c.pushEvent(&Event{
				Type:      EventSyncState,
				Timestamp: time.Now(),
				Content:   map[string]any{"state": string(SyncError)},
			})

			select {
			case <-time.After(c.cfg.ReconnectBackoff):
			case <-ctx.Done():
				c.Close()
				return
			}
			if err := c.connect(ctx); err != nil {
				c.log.WithError(err).Warn("Reconnect failed")
			}
			continue
		}

		c.dispatch(&frame)
	}
}

// dispatch routes one inbound frame.
func (c *WebsocketClient) dispatch(frame *wsFrame) {
	switch frame.Op {
	case "result":
		c.mu.Lock()
		ch, ok := c.calls[frame.Txn]
		delete(c.calls, frame.Txn)
		c.mu.Unlock()
		if !ok {
			c.log.WithField("txn", frame.Txn).Debug("Result for unknown transaction")
			return
		}
		if frame.OK {
			ch <- callResult{data: frame.Data}
		} else {
			ch <- callResult{err: mapCallError(frame.ErrorCode, frame.Error)}
		}

	case "event":
		if frame.Event == nil {
			return
		}
		ev := frame.Event.toEvent()
		if ev.Type == EventVerificationPhase {
			c.handlePhaseEvent(ev)
		}
		c.pushEvent(ev)

	case "clear":
		if frame.Event == nil || frame.EventID == "" {
			return
		}
		c.storeClearEvent(frame.EventID, frame.Event.toEvent())

	case "sync_state":
		if SyncState(frame.State) == SyncPrepared || SyncState(frame.State) == SyncSyncing {
			c.syncOnce.Do(func() { close(c.firstSync) })
		}
		c.pushEvent(&Event{
			Type:      EventSyncState,
			Timestamp: time.Now(),
			Content:   map[string]any{"state": frame.State},
		})

	default:
		c.log.WithField("op", frame.Op).Debug("Ignoring unknown frame op")
	}
}

// pushEvent delivers an event to the stream unless the client is closed.
func (c *WebsocketClient) pushEvent(ev *Event) {
	select {
	case <-c.closed:
	case c.events <- ev:
	}
}

// storeClearEvent caches the decrypted form of an event and fires any
// registered one-shot decrypt observers.
func (c *WebsocketClient) storeClearEvent(eventID string, clear *Event) {
	c.mu.Lock()
	c.clearCache[eventID] = clear
	obs := c.decryptObs[eventID]
	delete(c.decryptObs, eventID)
	c.mu.Unlock()

	for _, fn := range obs {
		fn(clear)
	}
}

// call performs one request/response round-trip over the connection,
// waiting for the connection to come up first if needed.
func (c *WebsocketClient) call(ctx context.Context, method string, params map[string]any) (json.RawMessage, error) {
	select {
	case <-c.connReady:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.closed:
		return nil, errors.New("client is closed")
	}

	txn := uuid.NewString()
	ch := make(chan callResult, 1)
	c.mu.Lock()
	c.calls[txn] = ch
	c.mu.Unlock()

	frame := wsFrame{Op: "call", Txn: txn, Method: method, Params: params}
	if err := c.writeFrame(&frame); err != nil {
		c.mu.Lock()
		delete(c.calls, txn)
		c.mu.Unlock()
		return nil, fmt.Errorf("failed to send %s: %w", method, err)
	}

	timer := time.NewTimer(c.cfg.CallTimeout)
	defer timer.Stop()
	select {
	case res := <-ch:
		if res.err != nil {
			return nil, fmt.Errorf("%s failed: %w", method, res.err)
		}
		return res.data, nil
	case <-timer.C:
		c.mu.Lock()
		delete(c.calls, txn)
		c.mu.Unlock()
		return nil, fmt.Errorf("%s timed out after %v", method, c.cfg.CallTimeout)
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.calls, txn)
		c.mu.Unlock()
		return nil, ctx.Err()
	}
}

func (c *WebsocketClient) writeFrame(frame *wsFrame) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return errors.New("not connected")
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return conn.WriteJSON(frame)
}

// failPendingCalls aborts all in-flight calls, e.g. on connection loss.
func (c *WebsocketClient) failPendingCalls(err error) {
	c.mu.Lock()
	pending := c.calls
	c.calls = make(map[string]chan callResult)
	c.mu.Unlock()

	for _, ch := range pending {
		ch <- callResult{err: err}
	}
}

// Close tears down the connection and closes the event stream.
func (c *WebsocketClient) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		c.mu.Lock()
		conn := c.conn
		c.conn = nil
		c.mu.Unlock()
		if conn != nil {
			err = conn.Close()
		}
		c.failPendingCalls(errors.New("client closed"))
		close(c.events)
	})
	return err
}

// mapCallError converts a gateway error code into the shared sentinel
// errors callers branch on.
func mapCallError(code, message string) error {
	switch code {
	case "not_decryptable":
		return ErrNotDecryptable
	case "unsupported":
		return ErrUnsupported
	case "no_backup":
		return ErrNoBackup
	default:
		if message == "" {
			message = "unknown gateway error"
		}
		return errors.New(message)
	}
}

// verifKey builds the map key for a (user, device) pair.
func verifKey(userID, deviceID string) string {
	return userID + "|" + deviceID
}
