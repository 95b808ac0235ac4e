package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prudhvinik1/fieldsync/internal/models"
)

var (
	ErrNotConnected     = errors.New("channel is not connected")
	ErrChannelClosed    = errors.New("channel is closed")
	ErrOffline          = errors.New("network is unreachable")
	ErrHandshakeReject  = errors.New("handshake rejected")
	ErrCallTimeout      = errors.New("call timed out")
	ErrRetriesExhausted = errors.New("reconnect attempts exhausted")
)

type ConnState int32

const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateConnected
)

func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	}
	return "disconnected"
}

// ChannelConfig configures one device's persistent connection.
type ChannelConfig struct {
	URL      string
	Token    string
	DeviceID uuid.UUID

	// MaxReconnectAttempts bounds automatic reconnection after a dropped
	// connection. NotifyNetworkUp resets the budget.
	MaxReconnectAttempts int
	ReconnectBackoffMin  time.Duration
	ReconnectBackoffMax  time.Duration

	// CallTimeout bounds every request/acknowledgement call so a lost ack
	// cannot suspend the caller indefinitely.
	CallTimeout      time.Duration
	HandshakeTimeout time.Duration

	// Reachable is the network probe consulted before dialing; nil means
	// always reachable.
	Reachable func() bool

	Logger *log.Logger
	Dialer *websocket.Dialer
}

func (cfg *ChannelConfig) withDefaults() {
	if cfg.MaxReconnectAttempts <= 0 {
		cfg.MaxReconnectAttempts = 5
	}
	if cfg.ReconnectBackoffMin <= 0 {
		cfg.ReconnectBackoffMin = time.Second
	}
	if cfg.ReconnectBackoffMax <= 0 {
		cfg.ReconnectBackoffMax = 30 * time.Second
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 10 * time.Second
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = log.Default()
	}
	if cfg.Dialer == nil {
		cfg.Dialer = websocket.DefaultDialer
	}
}

type subscriptionKey struct {
	EntityType string
	EntityID   uuid.UUID
}

type callResult struct {
	frame Frame
	err   error
}

// Channel owns one device's persistent realtime connection: the
// DISCONNECTED -> CONNECTING -> CONNECTED state machine with bounded
// reconnection, the subscription registry replayed on every reconnect, and
// the request/acknowledgement layer for sync RPCs over the socket.
//
// One instance per device/session, owned and injected by its session
// context; never a process-wide singleton.
type Channel struct {
	cfg ChannelConfig

	mu             sync.Mutex
	state          ConnState
	conn           *websocket.Conn
	closed         bool
	attempts       int
	gen            uint64
	pending        map[string]chan callResult
	subs           map[subscriptionKey]struct{}
	handlers       map[EventKind][]EventHandler
	reconnectTimer *time.Timer

	// gorilla allows a single concurrent writer per connection.
	writeMu sync.Mutex
}

func NewChannel(cfg ChannelConfig) *Channel {
	cfg.withDefaults()
	return &Channel{
		cfg:      cfg,
		pending:  make(map[string]chan callResult),
		subs:     make(map[subscriptionKey]struct{}),
		handlers: make(map[EventKind][]EventHandler),
	}
}

// On registers a handler for one event kind. Handlers run on the reader
// goroutine in arrival order; they must not block.
func (c *Channel) On(kind EventKind, handler EventHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[kind] = append(c.handlers[kind], handler)
}

func (c *Channel) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connect dials, performs the authenticated handshake, replays the
// subscription registry and announces presence. It is idempotent: a no-op
// while connecting or connected. While the network probe reports offline the
// attempt is skipped entirely; NotifyNetworkUp retries it.
func (c *Channel) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrChannelClosed
	}
	if c.state != StateDisconnected {
		c.mu.Unlock()
		return nil
	}
	if c.cfg.Reachable != nil && !c.cfg.Reachable() {
		c.mu.Unlock()
		return ErrOffline
	}
	c.state = StateConnecting
	c.mu.Unlock()

	conn, err := c.dialAndHandshake(ctx)
	if err != nil {
		c.mu.Lock()
		c.state = StateDisconnected
		c.mu.Unlock()

		if errors.Is(err, ErrHandshakeReject) {
			// Retrying bad credentials is a connection storm; the
			// owner must supply a fresh token and reconnect.
			c.dispatch(Event{Kind: EventError, Err: err})
			return err
		}
		c.scheduleReconnect()
		return err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		conn.Close()
		return ErrChannelClosed
	}
	c.gen++
	gen := c.gen
	c.conn = conn
	c.state = StateConnected
	c.attempts = 0
	subs := make([]subscriptionKey, 0, len(c.subs))
	for key := range c.subs {
		subs = append(subs, key)
	}
	c.mu.Unlock()

	go c.readLoop(conn, gen)

	for _, key := range subs {
		if err := c.writeFrame(conn, Frame{
			Type: frameSubscribe,
			Data: marshalData(subscribePayload{EntityType: key.EntityType, EntityID: key.EntityID}),
		}); err != nil {
			c.cfg.Logger.Printf("channel: resubscribe %s/%s failed: %v", key.EntityType, key.EntityID, err)
		}
	}
	if err := c.writeFrame(conn, Frame{
		Type: framePresenceUpdate,
		Data: marshalData(presencePayload{Status: models.StatusOnline}),
	}); err != nil {
		c.cfg.Logger.Printf("channel: presence announce failed: %v", err)
	}

	c.dispatch(Event{Kind: EventConnected})
	return nil
}

func (c *Channel) dialAndHandshake(ctx context.Context) (*websocket.Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.HandshakeTimeout)
	defer cancel()

	conn, _, err := c.cfg.Dialer.DialContext(dialCtx, c.cfg.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to dial channel: %w", err)
	}

	hello := Frame{
		Type: frameHello,
		Data: marshalData(helloPayload{Token: c.cfg.Token, DeviceID: c.cfg.DeviceID}),
	}
	conn.SetWriteDeadline(time.Now().Add(c.cfg.HandshakeTimeout))
	if err := conn.WriteJSON(hello); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to send handshake: %w", err)
	}

	conn.SetReadDeadline(time.Now().Add(c.cfg.HandshakeTimeout))
	var reply Frame
	if err := conn.ReadJSON(&reply); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to read handshake reply: %w", err)
	}
	conn.SetReadDeadline(time.Time{})

	if reply.Type != frameHello || reply.Success == nil || !*reply.Success {
		conn.Close()
		return nil, fmt.Errorf("%w: %s", ErrHandshakeReject, reply.Error)
	}
	return conn, nil
}

func (c *Channel) readLoop(conn *websocket.Conn, gen uint64) {
	for {
		var f Frame
		if err := conn.ReadJSON(&f); err != nil {
			c.teardown(gen, err)
			return
		}

		if f.Type == frameAck {
			c.mu.Lock()
			ch, ok := c.pending[f.ID]
			if ok {
				delete(c.pending, f.ID)
			}
			c.mu.Unlock()
			if ok {
				ch <- callResult{frame: f}
			}
			continue
		}

		if event, ok := normalizeEvent(f); ok {
			c.dispatch(event)
		} else {
			c.cfg.Logger.Printf("channel: ignoring unknown frame type %q", f.Type)
		}
	}
}

// teardown moves a dropped connection back to DISCONNECTED, fails every
// in-flight call and schedules a reconnect. The generation guard makes a
// stale reader's teardown a no-op after a newer connection took over.
func (c *Channel) teardown(gen uint64, cause error) {
	c.mu.Lock()
	if c.closed || gen != c.gen || c.state != StateConnected {
		c.mu.Unlock()
		return
	}
	conn := c.conn
	c.conn = nil
	c.state = StateDisconnected
	pending := c.pending
	c.pending = make(map[string]chan callResult)
	c.mu.Unlock()

	conn.Close()
	for _, ch := range pending {
		ch <- callResult{err: fmt.Errorf("%w: connection lost", ErrNotConnected)}
	}

	c.dispatch(Event{Kind: EventDisconnected, Err: cause})
	c.scheduleReconnect()
}

func (c *Channel) scheduleReconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.state != StateDisconnected || c.reconnectTimer != nil {
		return
	}

	c.attempts++
	if c.attempts > c.cfg.MaxReconnectAttempts {
		c.cfg.Logger.Printf("channel: giving up after %d reconnect attempts", c.cfg.MaxReconnectAttempts)
		go c.dispatch(Event{Kind: EventError, Err: ErrRetriesExhausted})
		return
	}

	delay := c.backoff(c.attempts)
	c.reconnectTimer = time.AfterFunc(delay, func() {
		c.mu.Lock()
		c.reconnectTimer = nil
		c.mu.Unlock()

		if err := c.Connect(context.Background()); err != nil && !errors.Is(err, ErrOffline) {
			c.cfg.Logger.Printf("channel: reconnect failed: %v", err)
		}
	})
}

func (c *Channel) backoff(attempt int) time.Duration {
	delay := c.cfg.ReconnectBackoffMin << (attempt - 1)
	if delay > c.cfg.ReconnectBackoffMax || delay <= 0 {
		delay = c.cfg.ReconnectBackoffMax
	}
	return delay
}

// NotifyNetworkUp signals that network reachability transitioned from
// unavailable to available. It resets the attempt budget and retries
// immediately when disconnected.
func (c *Channel) NotifyNetworkUp() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.attempts = 0
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
	state := c.state
	c.mu.Unlock()

	if state == StateDisconnected {
		go func() {
			if err := c.Connect(context.Background()); err != nil && !errors.Is(err, ErrOffline) {
				c.cfg.Logger.Printf("channel: reconnect after network up failed: %v", err)
			}
		}()
	}
}

// Disconnect permanently closes the channel and clears all local session
// state: subscriptions, pending calls and the reconnect schedule.
func (c *Channel) Disconnect() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
	conn := c.conn
	c.conn = nil
	c.state = StateDisconnected
	pending := c.pending
	c.pending = make(map[string]chan callResult)
	c.subs = make(map[subscriptionKey]struct{})
	c.mu.Unlock()

	if conn != nil {
		c.writeMu.Lock()
		conn.SetWriteDeadline(time.Now().Add(time.Second))
		conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		c.writeMu.Unlock()
		conn.Close()
	}
	for _, ch := range pending {
		ch <- callResult{err: ErrChannelClosed}
	}
}

// RequestSync asks the server for the deltas of one entity type since
// lastSync, over the socket instead of the HTTP endpoint.
func (c *Channel) RequestSync(ctx context.Context, entityType string, lastSync *time.Time) (*models.PullResponse, error) {
	data, err := c.call(ctx, frameSyncRequest, syncRequestPayload{
		EntityType: entityType,
		LastSync:   lastSync,
		DeviceID:   c.cfg.DeviceID,
	})
	if err != nil {
		return nil, err
	}

	var resp models.PullResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("failed to decode sync response: %w", err)
	}
	return &resp, nil
}

// PushChanges submits a change batch over the socket and waits for the ack.
func (c *Channel) PushChanges(ctx context.Context, changes []models.ChangeRecord) (*models.PushResponse, error) {
	data, err := c.call(ctx, frameSyncPush, syncPushPayload{
		Changes:  changes,
		DeviceID: c.cfg.DeviceID,
	})
	if err != nil {
		return nil, err
	}

	var resp models.PushResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("failed to decode push response: %w", err)
	}
	return &resp, nil
}

// call sends one correlated request frame and waits for its ack, the call
// timeout, or context cancellation, whichever settles first.
func (c *Channel) call(ctx context.Context, frameType string, payload any) (json.RawMessage, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrChannelClosed
	}
	if c.state != StateConnected || c.conn == nil {
		c.mu.Unlock()
		return nil, ErrNotConnected
	}
	conn := c.conn
	id := uuid.NewString()
	ch := make(chan callResult, 1)
	c.pending[id] = ch
	c.mu.Unlock()

	if err := c.writeFrame(conn, Frame{Type: frameType, ID: id, Data: marshalData(payload)}); err != nil {
		c.dropPending(id)
		return nil, fmt.Errorf("failed to send %s: %w", frameType, err)
	}

	timer := time.NewTimer(c.cfg.CallTimeout)
	defer timer.Stop()

	select {
	case res := <-ch:
		if res.err != nil {
			return nil, res.err
		}
		if res.frame.Success == nil || !*res.frame.Success {
			return nil, fmt.Errorf("%s failed: %s", frameType, res.frame.Error)
		}
		return res.frame.Data, nil
	case <-timer.C:
		c.dropPending(id)
		return nil, ErrCallTimeout
	case <-ctx.Done():
		c.dropPending(id)
		return nil, ctx.Err()
	}
}

func (c *Channel) dropPending(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// SubscribeEntity joins the change feed for one record. Subscriptions are
// not queued while disconnected; the registry is replayed on reconnect.
func (c *Channel) SubscribeEntity(entityType string, entityID uuid.UUID) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrChannelClosed
	}
	if c.state != StateConnected || c.conn == nil {
		c.mu.Unlock()
		return ErrNotConnected
	}
	conn := c.conn
	c.subs[subscriptionKey{EntityType: entityType, EntityID: entityID}] = struct{}{}
	c.mu.Unlock()

	return c.writeFrame(conn, Frame{
		Type: frameSubscribe,
		Data: marshalData(subscribePayload{EntityType: entityType, EntityID: entityID}),
	})
}

func (c *Channel) UnsubscribeEntity(entityType string, entityID uuid.UUID) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrChannelClosed
	}
	delete(c.subs, subscriptionKey{EntityType: entityType, EntityID: entityID})
	if c.state != StateConnected || c.conn == nil {
		c.mu.Unlock()
		return ErrNotConnected
	}
	conn := c.conn
	c.mu.Unlock()

	return c.writeFrame(conn, Frame{
		Type: frameUnsubscribe,
		Data: marshalData(subscribePayload{EntityType: entityType, EntityID: entityID}),
	})
}

// UpdatePresence reports the device's presence. Fan-out to other devices is
// the server's job.
func (c *Channel) UpdatePresence(status models.PresenceStatus, location string) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrChannelClosed
	}
	if c.state != StateConnected || c.conn == nil {
		c.mu.Unlock()
		return ErrNotConnected
	}
	conn := c.conn
	c.mu.Unlock()

	return c.writeFrame(conn, Frame{
		Type: framePresenceUpdate,
		Data: marshalData(presencePayload{Status: status, Location: location}),
	})
}

func (c *Channel) writeFrame(conn *websocket.Conn, f Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return conn.WriteJSON(f)
}

func (c *Channel) dispatch(event Event) {
	c.mu.Lock()
	handlers := make([]EventHandler, len(c.handlers[event.Kind]))
	copy(handlers, c.handlers[event.Kind])
	c.mu.Unlock()

	for _, handler := range handlers {
		handler(event)
	}
}
