// Package kernelstore resolves kernel identifiers to connection descriptors
// supplied by whatever process manager started the kernels.
package kernelstore

import (
	"context"
	"errors"
	"sort"

	"github.com/gaspardpetit/kbridge/internal/kernel"
)

// ErrNotFound is returned when no store knows the requested kernel.
var ErrNotFound = errors.New("kernel not found")

// Entry is one known kernel.
type Entry struct {
	ID     string
	Info   kernel.ConnInfo
	Source string
}

// Store is a read-only kernel directory.
type Store interface {
	Get(ctx context.Context, id string) (Entry, error)
	List(ctx context.Context) ([]Entry, error)
}

// Multi consults stores in order; the first store knowing an id wins.
type Multi []Store

// Get returns the entry from the first store that has id.
func (m Multi) Get(ctx context.Context, id string) (Entry, error) {
	for _, s := range m {
		e, err := s.Get(ctx, id)
		if err == nil {
			return e, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return Entry{}, err
		}
	}
	return Entry{}, ErrNotFound
}

// List merges all stores. An id listed by several stores is reported once.
func (m Multi) List(ctx context.Context) ([]Entry, error) {
	seen := map[string]bool{}
	var out []Entry
	for _, s := range m {
		entries, err := s.List(ctx)
		if err != nil {
			return nil, err
		}
		for _, e := range entries {
			if seen[e.ID] {
				continue
			}
			seen[e.ID] = true
			out = append(out, e)
		}
	}
	sortEntries(out)
	return out, nil
}

// Lookup adapts s to a function returning only the descriptor.
func Lookup(s Store) func(ctx context.Context, id string) (kernel.ConnInfo, error) {
	return func(ctx context.Context, id string) (kernel.ConnInfo, error) {
		e, err := s.Get(ctx, id)
		if err != nil {
			return kernel.ConnInfo{}, err
		}
		return e.Info, nil
	}
}

func sortEntries(entries []Entry) {
	sort.Slice(entries, func(i, j int) bool { return entries[i].ID < entries[j].ID })
}
