// Package registry holds the server's catalogue of downloadable files, loaded
// from a text file of "<name> <size>" lines.
package registry

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"

	apperrors "github.com/vkb0205/SOCKET-Project/internal/errors"
	"github.com/vkb0205/SOCKET-Project/internal/protocol"
)

type Registry struct {
	path  string
	log   *slog.Logger
	files atomic.Pointer[map[string]int64]
}

// New returns an empty registry backed by path. Call Reload to populate it.
func New(path string, log *slog.Logger) *Registry {
	if log == nil {
		log = slog.Default()
	}
	r := &Registry{path: path, log: log.With("component", "registry")}
	empty := map[string]int64{}
	r.files.Store(&empty)
	return r
}

// Load builds a registry from path.
func Load(path string, log *slog.Logger) (*Registry, error) {
	r := New(path, log)
	if err := r.Reload(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Registry) Path() string { return r.path }

// Reload re-reads the backing file. On error the previous contents stay in place.
func (r *Registry) Reload() error {
	f, err := os.Open(r.path)
	if err != nil {
		return apperrors.IO("registry.Reload", err)
	}
	defer f.Close()
	files, err := Parse(f)
	if err != nil {
		return err
	}
	r.files.Store(&files)
	r.log.Debug("reloaded", "path", r.path, "files", len(files))
	return nil
}

// Parse reads "<name> <size>" lines. Blank lines and lines starting with '#'
// are skipped; a later entry for the same name replaces an earlier one.
func Parse(rd io.Reader) (map[string]int64, error) {
	files := make(map[string]int64)
	sc := bufio.NewScanner(rd)
	for line := 1; sc.Scan(); line++ {
		text := strings.TrimSpace(sc.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		fields := strings.Fields(text)
		if len(fields) != 2 {
			return nil, apperrors.Malformed("registry.Parse", fmt.Sprintf("line %d: want \"<name> <size>\", got %q", line, text))
		}
		size, err := protocol.ParseSize(fields[1])
		if err != nil {
			return nil, apperrors.Malformed("registry.Parse", fmt.Sprintf("line %d: %v", line, err))
		}
		files[fields[0]] = size
	}
	if err := sc.Err(); err != nil {
		return nil, apperrors.IO("registry.Parse", err)
	}
	return files, nil
}

func (r *Registry) Lookup(name string) (protocol.FileDescriptor, bool) {
	size, ok := (*r.files.Load())[name]
	return protocol.FileDescriptor{Name: name, Size: size}, ok
}

// List returns every registered file sorted by name.
func (r *Registry) List() []protocol.FileDescriptor {
	m := *r.files.Load()
	out := make([]protocol.FileDescriptor, 0, len(m))
	for name, size := range m {
		out = append(out, protocol.FileDescriptor{Name: name, Size: size})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (r *Registry) Len() int { return len(*r.files.Load()) }

// Watch reloads the registry whenever its file is written or replaced, until
// ctx is done. The parent directory is watched so editors that save by rename
// are seen too.
func (r *Registry) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("registry watch: %w", err)
	}
	defer watcher.Close()

	dir := filepath.Dir(r.path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("registry watch %s: %w", dir, err)
	}
	target := filepath.Clean(r.path)
	r.log.Info("watching registry", "path", r.path)

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
				if err := r.Reload(); err != nil {
					r.log.Warn("reload failed, keeping previous list", "err", err)
				}
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			r.log.Warn("watcher error", "err", err)
		}
	}
}
