// Package broadcast delivers committed events to a room's connections. The
// Broadcaster interface hides whether delivery is in-process (single
// instance) or rides an external Redis bus shared by several instances
// hosting replicas of the same room.
package broadcast

import (
	"context"
	"sync"
)

// Sink is one participant's outbound channel. Send must not block; a sink
// that cannot keep up reports failure and the caller drops it.
type Sink interface {
	Send(data []byte) error
}

// Broadcaster fans a committed event out to a room. excludeUserID, when
// non-empty, names the one participant skipped (the requester of an
// update-element, or a fresh joiner for participant-joined).
type Broadcaster interface {
	Publish(ctx context.Context, roomID string, data []byte, excludeUserID string)
}

// Registry tracks which sinks belong to which room. Both Broadcaster
// implementations terminate delivery here.
type Registry struct {
	mu      sync.RWMutex
	members map[string]map[string]Sink // roomID -> userID -> sink
}

func NewRegistry() *Registry {
	return &Registry{members: make(map[string]map[string]Sink)}
}

// Subscribe registers a participant's sink under a room.
func (r *Registry) Subscribe(roomID, userID string, sink Sink) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.members[roomID]; !ok {
		r.members[roomID] = make(map[string]Sink)
	}
	r.members[roomID][userID] = sink
}

// Unsubscribe drops a participant, removing the room entry once empty.
func (r *Registry) Unsubscribe(roomID, userID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if members, ok := r.members[roomID]; ok {
		delete(members, userID)
		if len(members) == 0 {
			delete(r.members, roomID)
		}
	}
}

// Deliver sends data to every member of the room except excludeUserID.
// Sinks that fail are skipped; disconnect cleanup owns their removal.
func (r *Registry) Deliver(roomID string, data []byte, excludeUserID string) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for userID, sink := range r.members[roomID] {
		if userID == excludeUserID {
			continue
		}
		_ = sink.Send(data)
	}
}

// RoomCount returns the number of rooms with at least one live connection.
func (r *Registry) RoomCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.members)
}

// ConnCount returns the total number of live connections.
func (r *Registry) ConnCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, members := range r.members {
		n += len(members)
	}
	return n
}

// Local is the single-instance Broadcaster: straight to the registry.
type Local struct {
	reg *Registry
}

func NewLocal(reg *Registry) *Local {
	return &Local{reg: reg}
}

func (l *Local) Publish(_ context.Context, roomID string, data []byte, excludeUserID string) {
	l.reg.Deliver(roomID, data, excludeUserID)
}
