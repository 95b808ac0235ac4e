package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prudhvinik1/fieldsync/internal/models"
)

// wsTestServer speaks the channel wire protocol: it answers the hello
// handshake and hands every later frame to the test.
type wsTestServer struct {
	srv *httptest.Server

	mu     sync.Mutex
	reject bool
	conns  []*websocket.Conn
	dials  int
	ack    func(conn *websocket.Conn, f Frame)

	hellos chan Frame
	frames chan Frame
}

func newWSTestServer(t *testing.T) *wsTestServer {
	ts := &wsTestServer{
		hellos: make(chan Frame, 8),
		frames: make(chan Frame, 32),
	}
	upgrader := websocket.Upgrader{}

	ts.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}

		ts.mu.Lock()
		ts.dials++
		ts.conns = append(ts.conns, conn)
		reject := ts.reject
		ack := ts.ack
		ts.mu.Unlock()

		var hello Frame
		if err := conn.ReadJSON(&hello); err != nil {
			conn.Close()
			return
		}
		ts.hellos <- hello

		if reject {
			conn.WriteJSON(Frame{Type: frameHello, Success: boolPtr(false), Error: "invalid token"})
			conn.Close()
			return
		}
		conn.WriteJSON(Frame{Type: frameHello, Success: boolPtr(true)})

		for {
			var f Frame
			if err := conn.ReadJSON(&f); err != nil {
				return
			}
			if ack != nil && f.ID != "" {
				ack(conn, f)
				continue
			}
			ts.frames <- f
		}
	}))
	t.Cleanup(ts.srv.Close)
	return ts
}

func (ts *wsTestServer) url() string {
	return "ws" + strings.TrimPrefix(ts.srv.URL, "http")
}

func (ts *wsTestServer) dialCount() int {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return ts.dials
}

func (ts *wsTestServer) dropConnections() {
	ts.mu.Lock()
	conns := ts.conns
	ts.conns = nil
	ts.mu.Unlock()
	for _, conn := range conns {
		conn.Close()
	}
}

func (ts *wsTestServer) push(f Frame) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	for _, conn := range ts.conns {
		conn.WriteJSON(f)
	}
}

// waitFrame skips unrelated frames until one of the wanted type arrives.
func (ts *wsTestServer) waitFrame(t *testing.T, frameType string) Frame {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case f := <-ts.frames:
			if f.Type == frameType {
				return f
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %q frame", frameType)
		}
	}
}

func testChannelConfig(ts *wsTestServer) ChannelConfig {
	return ChannelConfig{
		URL:                  ts.url(),
		Token:                "test-token",
		DeviceID:             uuid.New(),
		MaxReconnectAttempts: 3,
		ReconnectBackoffMin:  10 * time.Millisecond,
		ReconnectBackoffMax:  50 * time.Millisecond,
		CallTimeout:          time.Second,
		HandshakeTimeout:     2 * time.Second,
	}
}

func recordEvents(c *Channel, kind EventKind) <-chan Event {
	ch := make(chan Event, 8)
	c.On(kind, func(e Event) { ch <- e })
	return ch
}

func waitEvent(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case e := <-ch:
		return e
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func TestChannelConnectHandshakeAndPresence(t *testing.T) {
	ts := newWSTestServer(t)
	cfg := testChannelConfig(ts)
	c := NewChannel(cfg)
	defer c.Disconnect()

	connected := recordEvents(c, EventConnected)

	require.NoError(t, c.Connect(context.Background()))
	assert.Equal(t, StateConnected, c.State())
	waitEvent(t, connected)

	hello := <-ts.hellos
	var payload helloPayload
	require.NoError(t, json.Unmarshal(hello.Data, &payload))
	assert.Equal(t, "test-token", payload.Token)
	assert.Equal(t, cfg.DeviceID, payload.DeviceID)

	// Presence is announced right after the handshake.
	presence := ts.waitFrame(t, framePresenceUpdate)
	var p presencePayload
	require.NoError(t, json.Unmarshal(presence.Data, &p))
	assert.Equal(t, models.StatusOnline, p.Status)
}

func TestChannelConnectIsIdempotent(t *testing.T) {
	ts := newWSTestServer(t)
	c := NewChannel(testChannelConfig(ts))
	defer c.Disconnect()

	require.NoError(t, c.Connect(context.Background()))
	require.NoError(t, c.Connect(context.Background()))

	assert.Equal(t, 1, ts.dialCount())
}

func TestChannelConnectSkipsWhenUnreachable(t *testing.T) {
	ts := newWSTestServer(t)
	cfg := testChannelConfig(ts)
	cfg.Reachable = func() bool { return false }
	c := NewChannel(cfg)
	defer c.Disconnect()

	assert.ErrorIs(t, c.Connect(context.Background()), ErrOffline)
	assert.Equal(t, StateDisconnected, c.State())
	assert.Equal(t, 0, ts.dialCount())
}

func TestChannelHandshakeRejectDoesNotRetry(t *testing.T) {
	ts := newWSTestServer(t)
	ts.reject = true
	c := NewChannel(testChannelConfig(ts))
	defer c.Disconnect()

	errs := recordEvents(c, EventError)

	err := c.Connect(context.Background())
	assert.ErrorIs(t, err, ErrHandshakeReject)
	assert.Equal(t, StateDisconnected, c.State())

	e := waitEvent(t, errs)
	assert.ErrorIs(t, e.Err, ErrHandshakeReject)

	// Bad credentials never trigger the reconnect schedule.
	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, 1, ts.dialCount())
}

func TestChannelRequestSyncRoundTrip(t *testing.T) {
	ts := newWSTestServer(t)
	ts.ack = func(conn *websocket.Conn, f Frame) {
		require.Equal(t, frameSyncRequest, f.Type)
		resp := models.PullResponse{
			Timestamp: time.Now().UTC(),
			Changes:   models.NewChangeSet(),
		}
		resp.Changes.Deleted[models.EntityTasks] = []uuid.UUID{uuid.New()}
		data, _ := json.Marshal(resp)
		conn.WriteJSON(Frame{Type: frameAck, ID: f.ID, Success: boolPtr(true), Data: data})
	}

	c := NewChannel(testChannelConfig(ts))
	defer c.Disconnect()
	require.NoError(t, c.Connect(context.Background()))

	resp, err := c.RequestSync(context.Background(), string(models.EntityTasks), nil)
	require.NoError(t, err)
	assert.Len(t, resp.Changes.Deleted[models.EntityTasks], 1)
}

func TestChannelCallSurfacesAckFailure(t *testing.T) {
	ts := newWSTestServer(t)
	ts.ack = func(conn *websocket.Conn, f Frame) {
		conn.WriteJSON(Frame{Type: frameAck, ID: f.ID, Success: boolPtr(false), Error: "unknown entity type"})
	}

	c := NewChannel(testChannelConfig(ts))
	defer c.Disconnect()
	require.NoError(t, c.Connect(context.Background()))

	_, err := c.RequestSync(context.Background(), "widgets", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown entity type")
}

func TestChannelCallTimesOut(t *testing.T) {
	ts := newWSTestServer(t)
	cfg := testChannelConfig(ts)
	cfg.CallTimeout = 50 * time.Millisecond
	c := NewChannel(cfg)
	defer c.Disconnect()
	require.NoError(t, c.Connect(context.Background()))

	// The server never acks; the frame lands in ts.frames instead.
	_, err := c.RequestSync(context.Background(), string(models.EntityTasks), nil)
	assert.ErrorIs(t, err, ErrCallTimeout)
}

func TestChannelOperationsRequireConnection(t *testing.T) {
	ts := newWSTestServer(t)
	c := NewChannel(testChannelConfig(ts))
	defer c.Disconnect()

	_, err := c.RequestSync(context.Background(), string(models.EntityTasks), nil)
	assert.ErrorIs(t, err, ErrNotConnected)

	_, err = c.PushChanges(context.Background(), nil)
	assert.ErrorIs(t, err, ErrNotConnected)

	assert.ErrorIs(t, c.SubscribeEntity(string(models.EntityTasks), uuid.New()), ErrNotConnected)
	assert.ErrorIs(t, c.UpdatePresence(models.StatusAway, ""), ErrNotConnected)
}

func TestChannelReplaysSubscriptionsOnReconnect(t *testing.T) {
	ts := newWSTestServer(t)
	c := NewChannel(testChannelConfig(ts))
	defer c.Disconnect()

	connected := recordEvents(c, EventConnected)
	disconnected := recordEvents(c, EventDisconnected)

	require.NoError(t, c.Connect(context.Background()))
	waitEvent(t, connected)

	entityID := uuid.New()
	require.NoError(t, c.SubscribeEntity(string(models.EntityTasks), entityID))
	ts.waitFrame(t, frameSubscribe)

	// Drop the connection server-side; the channel reconnects on its own
	// and replays the registry.
	ts.dropConnections()
	waitEvent(t, disconnected)
	waitEvent(t, connected)

	replay := ts.waitFrame(t, frameSubscribe)
	var sub subscribePayload
	require.NoError(t, json.Unmarshal(replay.Data, &sub))
	assert.Equal(t, string(models.EntityTasks), sub.EntityType)
	assert.Equal(t, entityID, sub.EntityID)

	assert.Equal(t, 2, ts.dialCount())
}

func TestChannelNotifyNetworkUpReconnects(t *testing.T) {
	ts := newWSTestServer(t)
	var online atomic.Bool

	cfg := testChannelConfig(ts)
	cfg.Reachable = func() bool { return online.Load() }
	c := NewChannel(cfg)
	defer c.Disconnect()

	connected := recordEvents(c, EventConnected)

	assert.ErrorIs(t, c.Connect(context.Background()), ErrOffline)

	online.Store(true)
	c.NotifyNetworkUp()

	waitEvent(t, connected)
	assert.Equal(t, StateConnected, c.State())
}

func TestChannelDisconnectIsTerminal(t *testing.T) {
	ts := newWSTestServer(t)
	c := NewChannel(testChannelConfig(ts))

	require.NoError(t, c.Connect(context.Background()))
	require.NoError(t, c.SubscribeEntity(string(models.EntityTasks), uuid.New()))

	c.Disconnect()
	assert.Equal(t, StateDisconnected, c.State())

	assert.ErrorIs(t, c.Connect(context.Background()), ErrChannelClosed)
	assert.ErrorIs(t, c.SubscribeEntity(string(models.EntityTasks), uuid.New()), ErrChannelClosed)
	_, err := c.RequestSync(context.Background(), string(models.EntityTasks), nil)
	assert.ErrorIs(t, err, ErrChannelClosed)
}

func TestChannelNormalizesServerEvents(t *testing.T) {
	ts := newWSTestServer(t)
	c := NewChannel(testChannelConfig(ts))
	defer c.Disconnect()

	entityChanges := recordEvents(c, EventEntityChange)
	syncUpdates := recordEvents(c, EventSyncUpdate)

	connected := recordEvents(c, EventConnected)
	require.NoError(t, c.Connect(context.Background()))
	waitEvent(t, connected)

	// Entity-specific change frames collapse into one event kind tagged
	// with the entity type.
	ts.push(Frame{Type: "tasks:change", Data: marshalData(entityChangePayload{
		EntityType: string(models.EntityTasks),
		EntityID:   uuid.New(),
		Operation:  models.OpUpdate,
	})})
	e := waitEvent(t, entityChanges)
	assert.Equal(t, string(models.EntityTasks), e.EntityType)

	ts.push(Frame{Type: frameSyncUpdate, Data: marshalData(syncUpdatePayload{
		Timestamp: time.Now().UTC(),
	})})
	waitEvent(t, syncUpdates)
}
