package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sync/errgroup"

	apperrors "github.com/vkb0205/SOCKET-Project/internal/errors"
	"github.com/vkb0205/SOCKET-Project/internal/protocol"
	"github.com/vkb0205/SOCKET-Project/internal/store"
)

const (
	reportInterval    = 200 * time.Millisecond
	heartbeatInterval = 2 * time.Second
)

// Coordinator downloads whole files by fetching their chunks concurrently.
type Coordinator struct {
	fetcher   Fetcher
	dir       string
	chunks    int
	reporter  Reporter
	transfers *store.Transfers
	log       *slog.Logger

	// heartbeat is the DOWNLOADING interval; zero turns it off.
	heartbeat time.Duration
}

func NewCoordinator(f Fetcher, dir string, chunks int, rep Reporter, log *slog.Logger) *Coordinator {
	if log == nil {
		log = slog.Default()
	}
	if rep == nil {
		rep = NewLogReporter(log)
	}
	return &Coordinator{
		fetcher:   f,
		dir:       dir,
		chunks:    chunks,
		reporter:  rep,
		transfers: store.NewTransfers(log),
		log:       log.With("component", "coordinator"),
		heartbeat: heartbeatInterval,
	}
}

// Download fetches fd into dir/fd.Name. The size in fd is used for the whole
// download even if the server's list changes meanwhile. A failed chunk cancels
// the others and the file is not assembled.
func (c *Coordinator) Download(ctx context.Context, fd protocol.FileDescriptor) error {
	if fd.Name == "" || filepath.Base(fd.Name) != fd.Name || !filepath.IsLocal(fd.Name) {
		return apperrors.Malformed("client.Download", fmt.Sprintf("refusing file name %q", fd.Name))
	}
	tasks := SplitChunks(fd.Name, fd.Size, c.chunks)
	ids := make([]string, len(tasks))
	for i, t := range tasks {
		ids[i] = c.transfers.Create(store.TransferInfo{FileName: fd.Name, ChunkID: t.ChunkID, Size: t.Len()}, store.Receiving)
	}
	defer func() {
		for _, id := range ids {
			c.transfers.Remove(id)
		}
	}()

	c.reporter.Start(fd, tasks)
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	g, gctx := errgroup.WithContext(ctx)
	for i, task := range tasks {
		g.Go(func() error {
			return c.fetchChunk(gctx, task, ids[i])
		})
	}
	done := make(chan error, 1)
	go func() { done <- g.Wait() }()

	beatCtx, stopBeat := context.WithCancel(gctx)
	beating := make(chan struct{})
	go func() {
		defer close(beating)
		c.keepalive(beatCtx, cancel)
	}()

	err := c.monitor(done, ids)
	stopBeat()
	<-beating
	if errors.Is(err, context.Canceled) {
		if cause := context.Cause(ctx); cause != nil {
			err = cause
		}
	}
	c.reporter.Update(c.transfers.Snapshot(ids...))
	if err == nil {
		err = Assemble(c.dir, fd.Name, len(tasks))
	}
	// parts are dropped either way; a failed file is fetched again from scratch
	c.removeParts(fd.Name, len(tasks))
	if err != nil {
		c.reporter.Finish(fd, err)
		return fmt.Errorf("download %s: %w", fd.Name, err)
	}
	c.reporter.Finish(fd, nil)
	return nil
}

func (c *Coordinator) removeParts(name string, n int) {
	if err := RemoveParts(c.dir, name, n); err != nil {
		c.log.Warn("could not remove parts", "file", name, "err", err)
	}
}

// monitor reports progress until the workers finish.
func (c *Coordinator) monitor(done <-chan error, ids []string) error {
	ticker := time.NewTicker(reportInterval)
	defer ticker.Stop()
	for {
		select {
		case err := <-done:
			return err
		case <-ticker.C:
			c.reporter.Update(c.transfers.Snapshot(ids...))
		}
	}
}

// keepalive sends DOWNLOADING until ctx is done. A server that stops
// answering cancels the download with the heartbeat error as cause.
func (c *Coordinator) keepalive(ctx context.Context, cancel context.CancelCauseFunc) {
	if c.heartbeat <= 0 {
		return
	}
	ticker := time.NewTicker(c.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if err := c.fetcher.Heartbeat(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			c.log.Warn("server stopped answering", "err", err)
			cancel(fmt.Errorf("heartbeat: %w", err))
			return
		}
	}
}

func (c *Coordinator) fetchChunk(ctx context.Context, task ChunkTask, id string) error {
	part, err := os.Create(PartPath(c.dir, task.FileName, task.ChunkID))
	if err != nil {
		c.transfers.Fail(id, err, false)
		return apperrors.IO("client.fetchChunk", err)
	}

	err = c.fetcher.FetchChunk(ctx, task.Request(), part, func(n int) {
		c.transfers.Add(id, int64(n))
	})
	if cerr := part.Close(); err == nil && cerr != nil {
		err = apperrors.IO("client.fetchChunk", cerr)
	}
	if err != nil {
		c.transfers.Fail(id, err, errors.Is(err, context.Canceled))
		return fmt.Errorf("chunk %d: %w", task.ChunkID, err)
	}
	c.transfers.Complete(id)
	return nil
}
