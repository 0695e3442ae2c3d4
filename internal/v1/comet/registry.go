// Package comet implements the edge node: WebSocket termination, the
// local connection/room registry, the HTTP auth and upgrade surface, and
// the gRPC BroadcastRoom server that Job invokes to fan messages back out
// to connected clients.
package comet

import (
	"sync"

	"github.com/chatfanout/platform/internal/v1/metrics"
)

// RoomTopic is the in-process fan-out target for a room: the set of
// locally-connected users subscribed to it. Publish snapshots subscribers
// under the registry's read lock, then releases it before doing any I/O.
type RoomTopic struct {
	subscribers map[string]struct{}
}

// Registry is the single source of truth for this edge's live connections
// and room subscriptions. One RWMutex guards every map: mutations take the
// write lock, dispatch snapshots take the read lock and release it before
// touching a socket, mirroring the donor Hub's registry-lock discipline.
type Registry struct {
	mu          sync.RWMutex
	connections map[string]*Connection   // connId -> Connection
	byUser      map[string]string        // userId -> connId (single active connection per user)
	rooms       map[string]*RoomTopic    // roomId -> topic
	roomOfConn  map[string]map[string]struct{} // connId -> set of roomIds it's subscribed to
}

// NewRegistry builds an empty registry, optionally seeding a static set of
// room topics. Topics are added and removed only as a side effect of
// JoinRoom (first local subscriber) and RemoveConnection (last local
// subscriber leaves); there is no separate method to add or remove a topic.
func NewRegistry(roomSeed []string) *Registry {
	r := &Registry{
		connections: make(map[string]*Connection),
		byUser:      make(map[string]string),
		rooms:       make(map[string]*RoomTopic),
		roomOfConn:  make(map[string]map[string]struct{}),
	}
	for _, roomID := range roomSeed {
		r.rooms[roomID] = &RoomTopic{subscribers: make(map[string]struct{})}
	}
	metrics.ActiveRoomTopics.Set(float64(len(r.rooms)))
	return r
}

// AddConnection registers a new live connection under its user.
func (r *Registry) AddConnection(conn *Connection) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.connections[conn.ID] = conn
	r.byUser[conn.UserID] = conn.ID
	r.roomOfConn[conn.ID] = make(map[string]struct{})
}

// RemoveConnection tears down a connection's registry entries, dropping
// it from every room topic it had joined and pruning topics left with no
// subscribers (this is where topics are removed).
func (r *Registry) RemoveConnection(connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	conn, ok := r.connections[connID]
	if !ok {
		return
	}
	for roomID := range r.roomOfConn[connID] {
		r.removeFromRoomLocked(roomID, conn.UserID)
	}
	delete(r.roomOfConn, connID)
	delete(r.connections, connID)
	if r.byUser[conn.UserID] == connID {
		delete(r.byUser, conn.UserID)
	}
}

// JoinRoom subscribes connID's user to roomID, creating the topic if this
// is its first local subscriber.
func (r *Registry) JoinRoom(connID, roomID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	conn, ok := r.connections[connID]
	if !ok {
		return
	}
	topic, ok := r.rooms[roomID]
	if !ok {
		topic = &RoomTopic{subscribers: make(map[string]struct{})}
		r.rooms[roomID] = topic
		metrics.ActiveRoomTopics.Set(float64(len(r.rooms)))
	}
	topic.subscribers[conn.UserID] = struct{}{}
	r.roomOfConn[connID][roomID] = struct{}{}
	metrics.RoomSubscribers.WithLabelValues(roomID).Set(float64(len(topic.subscribers)))
}

// removeFromRoomLocked must be called with mu held for writing.
func (r *Registry) removeFromRoomLocked(roomID, userID string) {
	topic, ok := r.rooms[roomID]
	if !ok {
		return
	}
	delete(topic.subscribers, userID)
	metrics.RoomSubscribers.WithLabelValues(roomID).Set(float64(len(topic.subscribers)))
	if len(topic.subscribers) == 0 {
		delete(r.rooms, roomID)
		metrics.ActiveRoomTopics.Set(float64(len(r.rooms)))
	}
}

// Snapshot returns the connections subscribed to roomID at this instant,
// without holding the lock during delivery.
func (r *Registry) Snapshot(roomID string) []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	topic, ok := r.rooms[roomID]
	if !ok {
		return nil
	}
	out := make([]*Connection, 0, len(topic.subscribers))
	for userID := range topic.subscribers {
		if connID, ok := r.byUser[userID]; ok {
			if conn, ok := r.connections[connID]; ok {
				out = append(out, conn)
			}
		}
	}
	return out
}

// ConnectionByUser returns the live connection for a user, if any.
func (r *Registry) ConnectionByUser(userID string) (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	connID, ok := r.byUser[userID]
	if !ok {
		return nil, false
	}
	conn, ok := r.connections[connID]
	return conn, ok
}

// Count returns the number of live connections, used by tests and metrics.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.connections)
}
