package realtime

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prudhvinik1/fieldsync/internal/models"
	"github.com/prudhvinik1/fieldsync/internal/repositories"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1 << 20
	sendBuffer     = 64
)

// Identity is the resolved owner of one channel connection.
type Identity struct {
	AccountID uuid.UUID
	DeviceID  uuid.UUID
}

// Syncer is the slice of the sync coordinator the hub drives for socket RPCs.
type Syncer interface {
	Pull(ctx context.Context, accountID uuid.UUID, req models.PullRequest) (*models.PullResponse, error)
	Push(ctx context.Context, accountID, deviceID uuid.UUID, changes []models.ChangeRecord) (*models.PushResponse, []models.ChangeRecord, error)
}

type HubConfig struct {
	// Verify resolves the handshake bearer token to an identity.
	Verify   func(token string) (Identity, error)
	Sync     Syncer
	Presence repositories.PresenceRepository
	Logger   *log.Logger
}

// Hub owns every live channel connection on this server: the handshake, the
// per-record subscription registry, presence fan-out, and sync RPC acks.
// Subscriptions live exactly as long as their connection.
type Hub struct {
	cfg      HubConfig
	upgrader websocket.Upgrader

	mu        sync.RWMutex
	conns     map[*wsSession]struct{}
	byAccount map[uuid.UUID]map[*wsSession]struct{}
	subs      map[subscriptionKey]map[*wsSession]struct{}
}

type wsSession struct {
	hub      *Hub
	conn     *websocket.Conn
	send     chan Frame
	identity Identity
	subs     map[subscriptionKey]struct{}
}

func NewHub(cfg HubConfig) *Hub {
	if cfg.Logger == nil {
		cfg.Logger = log.Default()
	}
	return &Hub{
		cfg: cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		conns:     make(map[*wsSession]struct{}),
		byAccount: make(map[uuid.UUID]map[*wsSession]struct{}),
		subs:      make(map[subscriptionKey]map[*wsSession]struct{}),
	}
}

// ServeWS upgrades the request and runs the connection until it drops. The
// first client frame must be an authenticated hello; everything else is
// rejected before any registration happens.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.cfg.Logger.Printf("hub: upgrade failed: %v", err)
		return
	}

	identity, err := h.handshake(conn)
	if err != nil {
		h.cfg.Logger.Printf("hub: handshake failed: %v", err)
		conn.Close()
		return
	}

	session := &wsSession{
		hub:      h,
		conn:     conn,
		send:     make(chan Frame, sendBuffer),
		identity: identity,
		subs:     make(map[subscriptionKey]struct{}),
	}
	h.register(session)

	go session.writePump()
	session.readPump()
}

func (h *Hub) handshake(conn *websocket.Conn) (Identity, error) {
	conn.SetReadDeadline(time.Now().Add(writeWait))

	var hello Frame
	if err := conn.ReadJSON(&hello); err != nil {
		return Identity{}, err
	}

	var payload helloPayload
	if hello.Type != frameHello || json.Unmarshal(hello.Data, &payload) != nil {
		h.writeHandshakeReply(conn, false, "expected hello frame")
		return Identity{}, ErrHandshakeReject
	}

	// The device identity comes from the verified token alone; the hello
	// payload's deviceId is not trusted, or any connection could attribute
	// its pushes to a sibling device.
	identity, err := h.cfg.Verify(payload.Token)
	if err != nil {
		h.writeHandshakeReply(conn, false, "authentication failed")
		return Identity{}, err
	}

	if err := h.writeHandshakeReply(conn, true, ""); err != nil {
		return Identity{}, err
	}
	return identity, nil
}

func (h *Hub) writeHandshakeReply(conn *websocket.Conn, ok bool, message string) error {
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(Frame{Type: frameHello, Success: boolPtr(ok), Error: message})
}

func (h *Hub) register(s *wsSession) {
	h.mu.Lock()
	h.conns[s] = struct{}{}
	if h.byAccount[s.identity.AccountID] == nil {
		h.byAccount[s.identity.AccountID] = make(map[*wsSession]struct{})
	}
	h.byAccount[s.identity.AccountID][s] = struct{}{}
	h.mu.Unlock()
}

// unregister drops the session and destroys its subscriptions; they are
// rebuilt by the client on reconnect, never assumed persistent.
func (h *Hub) unregister(s *wsSession) {
	h.mu.Lock()
	if _, ok := h.conns[s]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.conns, s)
	if accountConns := h.byAccount[s.identity.AccountID]; accountConns != nil {
		delete(accountConns, s)
		if len(accountConns) == 0 {
			delete(h.byAccount, s.identity.AccountID)
		}
	}
	for key := range s.subs {
		if subscribers := h.subs[key]; subscribers != nil {
			delete(subscribers, s)
			if len(subscribers) == 0 {
				delete(h.subs, key)
			}
		}
	}
	h.mu.Unlock()
	close(s.send)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.cfg.Presence.DeletePresence(ctx, s.identity.DeviceID); err != nil {
		h.cfg.Logger.Printf("hub: failed to clear presence: %v", err)
	}
	h.fanOutPresence(s, presencePayload{Status: models.StatusOffline})
}

func (s *wsSession) readPump() {
	defer func() {
		s.hub.unregister(s)
		s.conn.Close()
	}()

	s.conn.SetReadLimit(maxMessageSize)
	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		var f Frame
		if err := s.conn.ReadJSON(&f); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.hub.cfg.Logger.Printf("hub: read error: %v", err)
			}
			return
		}
		s.hub.route(s, f)
	}
}

func (s *wsSession) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()

	for {
		select {
		case f, ok := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				s.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := s.conn.WriteJSON(f); err != nil {
				return
			}
		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// enqueue drops the connection rather than block the hub on a slow client.
func (s *wsSession) enqueue(f Frame) {
	select {
	case s.send <- f:
	default:
		s.hub.cfg.Logger.Printf("hub: closing slow connection for device %s", s.identity.DeviceID)
		s.conn.Close()
	}
}

func (h *Hub) route(s *wsSession, f Frame) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	switch f.Type {
	case frameSyncRequest:
		var payload syncRequestPayload
		if err := json.Unmarshal(f.Data, &payload); err != nil {
			s.ack(f.ID, nil, err)
			return
		}
		entity, err := models.ParseEntityType(payload.EntityType)
		if err != nil {
			s.ack(f.ID, nil, err)
			return
		}
		resp, err := h.cfg.Sync.Pull(ctx, s.identity.AccountID, models.PullRequest{
			Entities:   []models.EntityType{entity},
			LastSyncAt: payload.LastSync,
		})
		s.ack(f.ID, resp, err)

	case frameSyncPush:
		var payload syncPushPayload
		if err := json.Unmarshal(f.Data, &payload); err != nil {
			s.ack(f.ID, nil, err)
			return
		}
		resp, applied, err := h.cfg.Sync.Push(ctx, s.identity.AccountID, s.identity.DeviceID, payload.Changes)
		s.ack(f.ID, resp, err)
		if err == nil {
			h.BroadcastChanges(s.identity, applied)
		}

	case frameSubscribe:
		var payload subscribePayload
		if err := json.Unmarshal(f.Data, &payload); err != nil {
			return
		}
		h.subscribe(s, subscriptionKey{EntityType: payload.EntityType, EntityID: payload.EntityID})

	case frameUnsubscribe:
		var payload subscribePayload
		if err := json.Unmarshal(f.Data, &payload); err != nil {
			return
		}
		h.unsubscribe(s, subscriptionKey{EntityType: payload.EntityType, EntityID: payload.EntityID})

	case framePresenceUpdate:
		var payload presencePayload
		if err := json.Unmarshal(f.Data, &payload); err != nil {
			return
		}
		presence := &models.Presence{
			AccountID: s.identity.AccountID,
			DeviceID:  s.identity.DeviceID,
			Status:    payload.Status,
			Location:  payload.Location,
		}
		if err := h.cfg.Presence.SetPresence(ctx, presence); err != nil {
			h.cfg.Logger.Printf("hub: failed to store presence: %v", err)
		}
		h.fanOutPresence(s, payload)

	default:
		h.cfg.Logger.Printf("hub: ignoring unknown frame type %q", f.Type)
	}
}

func (s *wsSession) ack(id string, data any, err error) {
	if err != nil {
		s.enqueue(Frame{Type: frameAck, ID: id, Success: boolPtr(false), Error: err.Error()})
		return
	}
	s.enqueue(Frame{Type: frameAck, ID: id, Success: boolPtr(true), Data: marshalData(data)})
}

func (h *Hub) subscribe(s *wsSession, key subscriptionKey) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.subs[key] == nil {
		h.subs[key] = make(map[*wsSession]struct{})
	}
	h.subs[key][s] = struct{}{}
	s.subs[key] = struct{}{}
}

func (h *Hub) unsubscribe(s *wsSession, key subscriptionKey) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if subscribers := h.subs[key]; subscribers != nil {
		delete(subscribers, s)
		if len(subscribers) == 0 {
			delete(h.subs, key)
		}
	}
	delete(s.subs, key)
}

// BroadcastChanges notifies the account's other devices of applied changes:
// one sync:update per batch to every sibling connection, plus a scoped
// entity change event to the subscribers of each touched record. The
// originating device is excluded from both.
func (h *Hub) BroadcastChanges(from Identity, applied []models.ChangeRecord) {
	if len(applied) == 0 {
		return
	}

	update := Frame{
		Type: frameSyncUpdate,
		Data: marshalData(syncUpdatePayload{
			Changes:   applied,
			DeviceID:  from.DeviceID,
			Timestamp: time.Now().UTC(),
		}),
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for s := range h.byAccount[from.AccountID] {
		if s.identity.DeviceID == from.DeviceID {
			continue
		}
		s.enqueue(update)
	}

	for _, change := range applied {
		key := subscriptionKey{EntityType: string(change.EntityType), EntityID: change.EntityID}
		event := Frame{
			Type: string(change.EntityType) + ":change",
			Data: marshalData(entityChangePayload{
				EntityType: string(change.EntityType),
				EntityID:   change.EntityID,
				Operation:  change.Operation,
				DeviceID:   from.DeviceID,
			}),
		}
		for s := range h.subs[key] {
			if s.identity.DeviceID == from.DeviceID {
				continue
			}
			s.enqueue(event)
		}
	}
}

// fanOutPresence relays one device's presence to the account's other
// connections.
func (h *Hub) fanOutPresence(from *wsSession, payload presencePayload) {
	event := Frame{
		Type: framePresenceUpdate,
		Data: marshalData(models.Presence{
			AccountID: from.identity.AccountID,
			DeviceID:  from.identity.DeviceID,
			Status:    payload.Status,
			Location:  payload.Location,
			LastSeen:  time.Now().UTC(),
		}),
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for s := range h.byAccount[from.identity.AccountID] {
		if s == from {
			continue
		}
		s.enqueue(event)
	}
}
