package bridge

import (
	"context"
	"sort"
	"sync"

	"github.com/gaspardpetit/kbridge/internal/inflight"
)

// Registry tracks running sessions so they can be listed and drained.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	inflight *inflight.Counter
}

// NewRegistry returns an empty registry. Running sessions hold c, which may
// be shared with other drainable work; nil allocates a private counter.
func NewRegistry(c *inflight.Counter) *Registry {
	if c == nil {
		c = &inflight.Counter{}
	}
	return &Registry{sessions: map[string]*Session{}, inflight: c}
}

func (r *Registry) add(s *Session) {
	r.inflight.Inc()
	r.mu.Lock()
	r.sessions[s.id] = s
	r.mu.Unlock()
}

func (r *Registry) remove(s *Session) {
	r.mu.Lock()
	if r.sessions[s.id] == s {
		delete(r.sessions, s.id)
	}
	r.mu.Unlock()
	r.inflight.Dec()
}

// Len returns the number of running sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Snapshot lists running sessions ordered by start time.
func (r *Registry) Snapshot() []Info {
	r.mu.RLock()
	out := make([]Info, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s.Snapshot())
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out
}

// StopAll ends every running session.
func (r *Registry) StopAll() {
	r.mu.RLock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.RUnlock()
	for _, s := range sessions {
		s.Stop()
	}
}

// Wait blocks until no drainable work remains or ctx is done.
func (r *Registry) Wait(ctx context.Context) bool {
	return r.inflight.WaitForZero(ctx)
}
