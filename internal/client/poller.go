package client

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/fsnotify/fsnotify"

	"github.com/vkb0205/SOCKET-Project/internal/protocol"
)

// DownloadedSet records files fetched during this process's lifetime.
type DownloadedSet struct {
	mu    sync.Mutex
	names map[string]struct{}
}

func NewDownloadedSet() *DownloadedSet {
	return &DownloadedSet{names: make(map[string]struct{})}
}

func (d *DownloadedSet) Add(name string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.names[name] = struct{}{}
}

func (d *DownloadedSet) Has(name string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.names[name]
	return ok
}

func (d *DownloadedSet) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.names)
}

// Poller keeps the status file in sync with the server and downloads every
// queued name once.
type Poller struct {
	fetcher    Fetcher
	coord      *Coordinator
	statusPath string
	interval   time.Duration
	downloaded *DownloadedSet
	log        *slog.Logger

	// cycle guards against the watcher and the ticker overlapping
	cycle sync.Mutex
}

func NewPoller(f Fetcher, coord *Coordinator, statusPath string, interval time.Duration, log *slog.Logger) *Poller {
	if log == nil {
		log = slog.Default()
	}
	return &Poller{
		fetcher:    f,
		coord:      coord,
		statusPath: statusPath,
		interval:   interval,
		downloaded: NewDownloadedSet(),
		log:        log.With("component", "poller", "status", statusPath),
	}
}

func (p *Poller) Downloaded() *DownloadedSet { return p.downloaded }

// Run polls until ctx is done, then tells the server it is leaving.
func (p *Poller) Run(ctx context.Context) error {
	changed := make(chan struct{}, 1)
	watcher, err := p.watch(ctx, changed)
	if err != nil {
		p.log.Warn("status file watch unavailable, polling only", "err", err)
	} else {
		defer watcher.Close()
	}

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		if err := p.Cycle(ctx); err != nil && ctx.Err() == nil {
			p.log.Warn("poll cycle failed", "err", err)
		}
		select {
		case <-ctx.Done():
			p.quit()
			return nil
		case <-ticker.C:
		case <-changed:
		}
	}
}

func (p *Poller) quit() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := p.fetcher.Quit(ctx); err != nil {
		p.log.Debug("QUIT not acknowledged", "err", err)
	}
}

// Cycle runs one LIST, merge, rewrite and download pass.
func (p *Poller) Cycle(ctx context.Context) error {
	p.cycle.Lock()
	defer p.cycle.Unlock()

	files, err := p.list(ctx)
	if err != nil {
		return err
	}
	sf, err := ReadStatusFile(p.statusPath)
	if err != nil {
		return err
	}
	before := sf.Bytes()
	if added := sf.Merge(files); added > 0 {
		p.log.Info("new files on server", "count", added)
	}
	// an unchanged file is left alone so our own write does not wake the watcher forever
	if !bytes.Equal(before, sf.Bytes()) || !exists(p.statusPath) {
		if err := sf.Write(p.statusPath); err != nil {
			return err
		}
	}

	var errs []error
	for _, name := range sf.Queued {
		if p.downloaded.Has(name) {
			continue
		}
		fd, ok := sf.Lookup(name)
		if !ok {
			p.log.Warn("queued file not offered by server", "file", name)
			continue
		}
		if err := p.coord.Download(ctx, fd); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			errs = append(errs, err)
			continue
		}
		p.downloaded.Add(name)
	}
	return errors.Join(errs...)
}

// list retries LIST with backoff so a server restart does not end the cycle.
func (p *Poller) list(ctx context.Context) ([]protocol.FileDescriptor, error) {
	var files []protocol.FileDescriptor
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 250 * time.Millisecond
	b.MaxElapsedTime = p.interval
	op := func() error {
		var err error
		files, err = p.fetcher.List(ctx)
		if err != nil && ctx.Err() != nil {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		p.log.Debug("LIST failed, retrying", "err", err, "wait", wait)
	}
	if err := backoff.RetryNotify(op, backoff.WithContext(b, ctx), notify); err != nil {
		return nil, err
	}
	return files, nil
}

// watch signals changed whenever the status file is written by someone. The
// parent directory is watched since editors replace files on save.
func (p *Poller) watch(ctx context.Context, changed chan<- struct{}) (*fsnotify.Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := w.Add(filepath.Dir(p.statusPath)); err != nil {
		w.Close()
		return nil, err
	}
	target := filepath.Clean(p.statusPath)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != target || !(ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create)) {
					continue
				}
				select {
				case changed <- struct{}{}:
				default:
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				p.log.Warn("status file watch error", "err", err)
			}
		}
	}()
	return w, nil
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
