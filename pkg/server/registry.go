package server

import (
	"sync"

	"github.com/vxchat/vxnode/pkg/logger"
	"github.com/vxchat/vxnode/pkg/protocol"
)

// Registry is the set of live sessions. Broadcast snapshots the membership
// under the lock and performs every send outside it; sends are queue
// submissions, so delivery to one peer never waits on another.
type Registry struct {
	mu       sync.Mutex
	sessions map[*Session]struct{}
}

func NewRegistry() *Registry {
	return &Registry{sessions: make(map[*Session]struct{})}
}

// Register adds a session. Only called after a successful handshake.
func (r *Registry) Register(s *Session) {
	r.mu.Lock()
	r.sessions[s] = struct{}{}
	n := len(r.sessions)
	r.mu.Unlock()

	logger.DebugCF("registry", "Session registered", map[string]interface{}{
		"session_id": s.ID(),
		"user_id":    s.UserID(),
		"total":      n,
	})
}

// Remove drops a session. Idempotent; returns whether it was present.
func (r *Registry) Remove(s *Session) bool {
	r.mu.Lock()
	_, ok := r.sessions[s]
	if ok {
		delete(r.sessions, s)
	}
	n := len(r.sessions)
	r.mu.Unlock()

	if ok {
		logger.DebugCF("registry", "Session removed", map[string]interface{}{
			"session_id": s.ID(),
			"total":      n,
		})
	}
	return ok
}

// Len returns the number of registered sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Snapshot copies the current membership.
func (r *Registry) Snapshot() []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*Session, 0, len(r.sessions))
	for s := range r.sessions {
		out = append(out, s)
	}
	return out
}

// Broadcast queues msg to every registered session. A session that cannot
// accept the frame is dropped and closed.
func (r *Registry) Broadcast(msg protocol.ServerMessage) {
	for _, s := range r.Snapshot() {
		r.deliver(s, msg)
	}
}

// BroadcastBinaryTo queues a binary frame to every session belonging to one
// of the target user ids.
func (r *Registry) BroadcastBinaryTo(targets []string, data []byte) {
	for _, s := range r.Snapshot() {
		if !contains(targets, s.UserID()) {
			continue
		}
		if err := s.SendBinary(data); err != nil {
			r.drop(s, err)
		}
	}
}

func (r *Registry) deliver(s *Session, msg protocol.ServerMessage) {
	if err := s.Send(msg); err != nil {
		r.drop(s, err)
	}
}

func (r *Registry) drop(s *Session, err error) {
	logger.WarnCF("registry", "Dropping session", map[string]interface{}{
		"session_id": s.ID(),
		"user_id":    s.UserID(),
		"error":      err.Error(),
	})
	r.Remove(s)
	s.Close()
}

func contains(targets []string, id string) bool {
	for _, t := range targets {
		if t == id {
			return true
		}
	}
	return false
}
