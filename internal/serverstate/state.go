// Package serverstate holds the process-wide readiness and drain flags.
package serverstate

import "sync/atomic"

// Server status values.
const (
	StatusNotReady = "not_ready"
	StatusReady    = "ready"
	StatusDraining = "draining"
)

// State holds the server status and draining flag. Both fields are updated
// together so callers always observe a consistent snapshot.
type State struct {
	Status   string `json:"status"`
	Draining bool   `json:"draining"`
}

// Store persists the server state.
type Store interface {
	Load() State
	Store(State)
}

type storeHolder struct{ s Store }

var active atomic.Value

func init() {
	active.Store(storeHolder{s: NewMemoryStore()})
}

func current() Store { return active.Load().(storeHolder).s }

// UseStore replaces the active Store and returns the previous one.
func UseStore(s Store) Store {
	prev := current()
	if s != nil {
		active.Store(storeHolder{s: s})
	}
	return prev
}

type memoryStore struct {
	v atomic.Value
}

// NewMemoryStore returns a Store kept in process memory, initialized to
// not_ready.
func NewMemoryStore() Store {
	ms := &memoryStore{}
	ms.v.Store(State{Status: StatusNotReady})
	return ms
}

func (m *memoryStore) Load() State {
	if st, ok := m.v.Load().(State); ok {
		return st
	}
	return State{Status: "unknown"}
}

func (m *memoryStore) Store(s State) { m.v.Store(s) }

// SetState updates the server status string.
func SetState(status string) {
	s := current()
	st := s.Load()
	st.Status = status
	s.Store(st)
}

// GetState returns the current server status.
func GetState() string { return current().Load().Status }

// Snapshot returns the full current state.
func Snapshot() State { return current().Load() }

// MarkReady marks the server ready, clearing a drain left in a shared store
// by a previous run.
func MarkReady() { current().Store(State{Status: StatusReady}) }

// StartDrain marks the server as draining.
func StartDrain() {
	current().Store(State{Status: StatusDraining, Draining: true})
}

// IsDraining reports whether the server is draining.
func IsDraining() bool { return current().Load().Draining }
