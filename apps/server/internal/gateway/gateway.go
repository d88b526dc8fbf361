// Package gateway is the realtime websocket layer. Rooms are keyed by
// session id; every message is a JSON envelope. The gateway never touches
// session state itself, it only relays and remembers the last ephemeral
// values for late joiners.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	lru "github.com/hashicorp/golang-lru/v2"

	"mootlab/apps/server/internal/identity"
	"mootlab/apps/server/internal/store"
	"mootlab/moot"
)

const (
	sendBufferSize = 256
	liveCacheSize  = 1024

	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
	writeWait  = 10 * time.Second

	defaultSweepInterval = time.Minute
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true // TODO: Restrict in production
	},
}

// liveState holds the last broadcast envelope for each ephemeral concern of
// a session. Replayed to connections that arrive mid-round. Never
// authoritative; the store is.
type liveState struct {
	Timer   []byte
	Speaker []byte
	Score   []byte
}

// Connection represents one WebSocket client inside a room.
type Connection struct {
	ID       string
	Actor    moot.Actor
	Conn     *websocket.Conn
	Send     chan []byte
	LastPing time.Time

	room    *Room
	gateway *Gateway

	sendMu sync.Mutex
	closed bool
}

// Gateway manages the session rooms and the websocket upgrade path.
type Gateway struct {
	mu    sync.RWMutex
	rooms map[string]*Room

	resolver      identity.Resolver
	store         store.Store
	liveMu        sync.Mutex
	live          *lru.Cache[string, liveState]
	sweepInterval time.Duration
}

func New(resolver identity.Resolver, st store.Store, sweepInterval time.Duration) (*Gateway, error) {
	live, err := lru.New[string, liveState](liveCacheSize)
	if err != nil {
		return nil, err
	}
	if sweepInterval <= 0 {
		sweepInterval = defaultSweepInterval
	}
	return &Gateway{
		rooms:         make(map[string]*Room),
		resolver:      resolver,
		store:         st,
		live:          live,
		sweepInterval: sweepInterval,
	}, nil
}

// HandleWebSocket upgrades the request and binds the connection to its
// session room. The identity token rides the query string because browsers
// cannot set headers on websocket upgrades; the Authorization header is
// accepted too.
func (g *Gateway) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		token = bearerToken(r.Header.Get("Authorization"))
	}
	actor, err := g.resolver.Resolve(token)
	if err != nil {
		http.Error(w, "unauthenticated", http.StatusUnauthorized)
		return
	}

	sessionID := r.URL.Query().Get("session_id")
	if sessionID == "" {
		http.Error(w, "session_id required", http.StatusBadRequest)
		return
	}
	if _, err := g.store.SessionByID(r.Context(), sessionID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			http.Error(w, "session not found", http.StatusNotFound)
			return
		}
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[Gateway] Upgrade error: %v", err)
		return
	}

	c := &Connection{
		ID:       uuid.NewString(),
		Actor:    actor,
		Conn:     conn,
		Send:     make(chan []byte, sendBufferSize),
		LastPing: time.Now(),
		gateway:  g,
	}
	room := g.join(sessionID, c)
	log.Printf("[Gateway] Client connected: session=%s user=%s role=%s, room size: %d",
		sessionID, actor.UserID, actor.Role, room.size())

	g.replayLive(sessionID, c)

	go c.readPump()
	go c.writePump()
}

// join attaches the connection to its room, creating the room on first use,
// and announces presence.
func (g *Gateway) join(sessionID string, c *Connection) *Room {
	g.mu.Lock()
	room, ok := g.rooms[sessionID]
	if !ok {
		room = newRoom(sessionID)
		g.rooms[sessionID] = room
	}
	g.mu.Unlock()

	c.room = room
	count := room.add(c)
	g.sendPresence(room, c.Actor, true, count)
	return room
}

func (g *Gateway) leave(c *Connection) {
	if c.room == nil {
		return
	}
	count := c.room.remove(c)
	c.shutdown()
	g.sendPresence(c.room, c.Actor, false, count)
	log.Printf("[Gateway] Client disconnected: session=%s user=%s, room size: %d",
		c.room.SessionID, c.Actor.UserID, count)
}

func (g *Gateway) sendPresence(room *Room, actor moot.Actor, online bool, count int) {
	data, err := encodeEnvelope(room.SessionID, actor.UserID, KindPresence, presencePayload{
		UserID: actor.UserID,
		Role:   string(actor.Role),
		Online: online,
		Count:  count,
	})
	if err != nil {
		log.Printf("[Gateway] presence encode: %v", err)
		return
	}
	room.broadcast(data)
}

// replayLive pushes the cached last timer, speaker and score envelopes to a
// connection that arrived mid-round.
func (g *Gateway) replayLive(sessionID string, c *Connection) {
	state, ok := g.live.Get(sessionID)
	if !ok {
		return
	}
	for _, data := range [][]byte{state.Timer, state.Speaker, state.Score} {
		if len(data) == 0 {
			continue
		}
		if !c.trySend(data) {
			return
		}
	}
}

// rememberLive folds one envelope into the session's cached live state. The
// get-update-add is guarded so concurrent messages of different kinds cannot
// erase each other's slot.
func (g *Gateway) rememberLive(sessionID, kind string, data []byte) {
	g.liveMu.Lock()
	defer g.liveMu.Unlock()
	state, _ := g.live.Get(sessionID)
	switch kind {
	case KindTimerStart, KindTimerPause, KindTimerResume, KindTimerReset:
		state.Timer = data
	case KindSpeakerChange:
		state.Speaker = data
	case KindScoreUpdate:
		state.Score = data
	default:
		return
	}
	g.live.Add(sessionID, state)
}

// Broadcast pushes an engine event into the session's room. It satisfies
// the Broadcaster interface of the lifecycle, roster and evaluation
// engines. A session with no open room is a no-op.
func (g *Gateway) Broadcast(sessionID, kind string, payload any) {
	g.mu.RLock()
	room := g.rooms[sessionID]
	g.mu.RUnlock()
	if room == nil {
		return
	}

	data, err := encodeEnvelope(sessionID, "", kind, payload)
	if err != nil {
		log.Printf("[Gateway] broadcast encode: kind=%s err=%v", kind, err)
		return
	}
	room.broadcast(data)
}

// Run sweeps empty rooms until the context ends.
func (g *Gateway) Run(ctx context.Context) {
	ticker := time.NewTicker(g.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.sweepEmptyRooms()
		}
	}
}

func (g *Gateway) sweepEmptyRooms() {
	g.mu.Lock()
	defer g.mu.Unlock()
	for id, room := range g.rooms {
		if room.size() == 0 {
			delete(g.rooms, id)
			log.Printf("[Gateway] reclaimed empty room: session=%s", id)
		}
	}
}

func (c *Connection) readPump() {
	defer func() {
		c.gateway.leave(c)
		c.Conn.Close()
	}()

	c.Conn.SetReadLimit(65536)
	c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(pongWait))
		c.LastPing = time.Now()
		return nil
	})

	for {
		messageType, message, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("[Gateway] Read error: %v", err)
			}
			break
		}
		if messageType == websocket.TextMessage {
			c.dispatch(message)
		}
	}
}

// dispatch validates one inbound envelope against the authorization table
// and relays it to the room. Rejections go straight back to the sender and
// are never broadcast.
func (c *Connection) dispatch(data []byte) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		c.sendError("bad_envelope", "invalid message format")
		return
	}

	level, known := inboundKinds[env.Kind]
	if !known {
		c.sendError("unknown_kind", "unknown message kind: "+env.Kind)
		return
	}

	switch level {
	case accessFaculty:
		if !c.Actor.CanControl() {
			c.sendError("forbidden", env.Kind+" requires the faculty role")
			return
		}
	case accessParticipant:
		if c.Actor.Role == moot.RoleObserver {
			c.sendError("forbidden", "observers cannot send "+env.Kind)
			return
		}
	}

	if env.Kind == KindPing {
		c.reply(KindPong, nil)
		return
	}

	out, err := encodeEnvelope(c.room.SessionID, c.Actor.UserID, env.Kind, env.Payload)
	if err != nil {
		c.sendError("bad_payload", "payload not relayable")
		return
	}
	c.gateway.rememberLive(c.room.SessionID, env.Kind, out)
	c.room.broadcast(out)
}

func (c *Connection) sendError(code, msg string) {
	c.reply(KindError, errorPayload{Code: code, Message: msg})
}

func (c *Connection) reply(kind string, payload any) {
	sessionID := ""
	if c.room != nil {
		sessionID = c.room.SessionID
	}
	data, err := encodeEnvelope(sessionID, "", kind, payload)
	if err != nil {
		log.Printf("[Gateway] reply encode: kind=%s err=%v", kind, err)
		return
	}
	c.trySend(data)
}

// trySend queues data for the writer without blocking. It reports false when
// the buffer is full or the connection is already shut down; the reader may
// still be delivering frames after a shutdown, so sends and the close share
// one lock.
func (c *Connection) trySend(data []byte) bool {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.Send <- data:
		return true
	default:
		return false
	}
}

// shutdown closes the send channel exactly once, which stops writePump, and
// closes the socket so readPump unblocks.
func (c *Connection) shutdown() {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.Send)
	if c.Conn != nil {
		c.Conn.Close()
	}
}

func (c *Connection) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func bearerToken(raw string) string {
	const prefix = "Bearer "
	if len(raw) <= len(prefix) || raw[:len(prefix)] != prefix {
		return ""
	}
	return raw[len(prefix):]
}
