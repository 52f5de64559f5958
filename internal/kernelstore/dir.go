package kernelstore

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/gaspardpetit/kbridge/internal/kernel"
	"github.com/gaspardpetit/kbridge/internal/logx"
)

const (
	filePrefix = "kernel-"
	fileSuffix = ".json"
)

// Dir serves kernels from a runtime directory of kernel-<id>.json
// connection files. The directory is read on every call so kernels started
// after the bridge are found.
type Dir struct {
	path string
}

// NewDir returns a Dir reading path.
func NewDir(path string) *Dir { return &Dir{path: path} }

// Get reads the connection file of id.
func (d *Dir) Get(_ context.Context, id string) (Entry, error) {
	if id == "" || strings.ContainsAny(id, `/\`) || id == "." || id == ".." {
		return Entry{}, ErrNotFound
	}
	p := filepath.Join(d.path, filePrefix+id+fileSuffix)
	info, err := kernel.LoadConnInfo(p)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Entry{}, ErrNotFound
		}
		return Entry{}, fmt.Errorf("kernel %s: %w", id, err)
	}
	return Entry{ID: id, Info: info, Source: p}, nil
}

// List returns every readable connection file. Unreadable files are skipped.
func (d *Dir) List(context.Context) ([]Entry, error) {
	files, err := os.ReadDir(d.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var out []Entry
	for _, f := range files {
		name := f.Name()
		if f.IsDir() || !strings.HasPrefix(name, filePrefix) || !strings.HasSuffix(name, fileSuffix) {
			continue
		}
		id := strings.TrimSuffix(strings.TrimPrefix(name, filePrefix), fileSuffix)
		if id == "" {
			continue
		}
		p := filepath.Join(d.path, name)
		info, err := kernel.LoadConnInfo(p)
		if err != nil {
			logx.Log.Debug().Err(err).Str("file", p).Msg("skipping connection file")
			continue
		}
		out = append(out, Entry{ID: id, Info: info, Source: p})
	}
	sortEntries(out)
	return out, nil
}
