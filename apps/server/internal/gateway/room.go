package gateway

import (
	"log"
	"sync"
)

// Room is the set of live connections watching one session. It only fans
// out; nothing authoritative lives here.
type Room struct {
	SessionID string

	mu    sync.RWMutex
	conns map[*Connection]bool
}

func newRoom(sessionID string) *Room {
	return &Room{SessionID: sessionID, conns: make(map[*Connection]bool)}
}

func (r *Room) add(c *Connection) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conns[c] = true
	return len(r.conns)
}

func (r *Room) remove(c *Connection) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.conns, c)
	return len(r.conns)
}

func (r *Room) size() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// broadcast sends data to every connection in the room. A connection whose
// send buffer is full is treated as gone: it is dropped from the room and
// its writer is shut down.
func (r *Room) broadcast(data []byte) {
	var stale []*Connection

	r.mu.RLock()
	for c := range r.conns {
		if !c.trySend(data) {
			stale = append(stale, c)
		}
	}
	r.mu.RUnlock()

	for _, c := range stale {
		log.Printf("[Gateway] send buffer full, dropping connection: session=%s user=%s", r.SessionID, c.Actor.UserID)
		r.remove(c)
		c.shutdown()
	}
}
