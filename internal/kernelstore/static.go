package kernelstore

import (
	"context"
	"fmt"

	"github.com/gaspardpetit/kbridge/internal/config"
	"github.com/gaspardpetit/kbridge/internal/kernel"
)

// Static serves kernels declared in the bridge configuration.
type Static struct {
	entries map[string]Entry
}

// NewStatic resolves config entries, reading connection files where given.
func NewStatic(kernels []config.KernelEntry) (*Static, error) {
	s := &Static{entries: map[string]Entry{}}
	for _, k := range kernels {
		if k.ID == "" {
			return nil, fmt.Errorf("kernel entry without id")
		}
		if _, dup := s.entries[k.ID]; dup {
			return nil, fmt.Errorf("duplicate kernel id %q", k.ID)
		}
		info := k.ConnInfo
		source := "config"
		if k.ConnectionFile != "" {
			ci, err := kernel.LoadConnInfo(k.ConnectionFile)
			if err != nil {
				return nil, fmt.Errorf("kernel %s: %w", k.ID, err)
			}
			info, source = ci, k.ConnectionFile
		} else if err := info.Validate(); err != nil {
			return nil, fmt.Errorf("kernel %s: %w", k.ID, err)
		}
		s.entries[k.ID] = Entry{ID: k.ID, Info: info, Source: source}
	}
	return s, nil
}

// Get returns the declared kernel id.
func (s *Static) Get(_ context.Context, id string) (Entry, error) {
	e, ok := s.entries[id]
	if !ok {
		return Entry{}, ErrNotFound
	}
	return e, nil
}

// List returns all declared kernels.
func (s *Static) List(context.Context) ([]Entry, error) {
	out := make([]Entry, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e)
	}
	sortEntries(out)
	return out, nil
}
