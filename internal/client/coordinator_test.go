package client

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/mock/gomock"
	"golang.org/x/exp/rand"

	"github.com/vkb0205/SOCKET-Project/internal/protocol"
	"github.com/vkb0205/SOCKET-Project/internal/store"
)

// memFetcher serves files from memory. A chunk listed in fail returns an
// error; a chunk listed in block waits for cancellation. Chunks start only
// once waitBeats heartbeats have been answered.
type memFetcher struct {
	files     map[string][]byte
	fail      map[int]error
	block     map[int]bool
	beatErr   error
	waitBeats int32

	lists   atomic.Int32
	fetches atomic.Int32
	beats   atomic.Int32
	quits   atomic.Int32
}

func (m *memFetcher) List(ctx context.Context) ([]protocol.FileDescriptor, error) {
	m.lists.Add(1)
	var out []protocol.FileDescriptor
	for name, data := range m.files {
		out = append(out, protocol.FileDescriptor{Name: name, Size: int64(len(data))})
	}
	return out, nil
}

func (m *memFetcher) FetchChunk(ctx context.Context, req protocol.Request, w io.Writer, progress func(int)) error {
	m.fetches.Add(1)
	if err := m.fail[req.ChunkID]; err != nil {
		return err
	}
	if m.block[req.ChunkID] {
		<-ctx.Done()
		return ctx.Err()
	}
	for m.beats.Load() < m.waitBeats {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Millisecond):
		}
	}
	data, ok := m.files[req.Name]
	if !ok {
		return protocol.StatusError("memFetcher", protocol.StatusFileNotFound)
	}
	section := data[req.Start : req.End+1]
	for len(section) > 0 {
		n := min(len(section), 1000)
		if _, err := w.Write(section[:n]); err != nil {
			return err
		}
		progress(n)
		section = section[n:]
	}
	return nil
}

func (m *memFetcher) Heartbeat(ctx context.Context) error {
	if m.beatErr != nil {
		return m.beatErr
	}
	m.beats.Add(1)
	return nil
}

func (m *memFetcher) Quit(ctx context.Context) error {
	m.quits.Add(1)
	return nil
}

func (m *memFetcher) Close() error { return nil }

func randomBytes(n int, seed uint64) []byte {
	b := make([]byte, n)
	rand.New(rand.NewSource(seed)).Read(b)
	return b
}

func TestCoordinatorDownload(t *testing.T) {
	ctrl := gomock.NewController(t)
	rep := NewMockReporter(ctrl)
	data := randomBytes(123457, 1)
	f := &memFetcher{files: map[string][]byte{"a.bin": data}}
	dir := t.TempDir()
	fd := protocol.FileDescriptor{Name: "a.bin", Size: int64(len(data))}

	var final int64
	gomock.InOrder(
		rep.EXPECT().Start(fd, gomock.Len(4)),
		rep.EXPECT().Update(gomock.Any()).Do(func(chunks []store.Transfer) {
			final = 0
			for _, c := range chunks {
				final += c.BytesTransferred
			}
		}).MinTimes(1),
		rep.EXPECT().Finish(fd, nil),
	)

	c := NewCoordinator(f, dir, 4, rep, nil)
	if err := c.Download(context.Background(), fd); err != nil {
		t.Fatalf("Download: %v", err)
	}
	got, err := os.ReadFile(filepath.Join(dir, "a.bin"))
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, data) {
		t.Fatal("assembled file differs from source")
	}
	if final != int64(len(data)) {
		t.Errorf("last progress update reported %d bytes, want %d", final, len(data))
	}
	for i := 0; i < 4; i++ {
		if _, err := os.Stat(PartPath(dir, "a.bin", i)); !os.IsNotExist(err) {
			t.Errorf("part %d left behind", i)
		}
	}
}

func TestCoordinatorChunkFailureCancelsSiblings(t *testing.T) {
	ctrl := gomock.NewController(t)
	rep := NewMockReporter(ctrl)
	boom := errors.New("boom")
	f := &memFetcher{
		files: map[string][]byte{"a.bin": randomBytes(4000, 2)},
		fail:  map[int]error{2: boom},
		block: map[int]bool{0: true, 1: true, 3: true},
	}
	fd := protocol.FileDescriptor{Name: "a.bin", Size: 4000}
	rep.EXPECT().Start(fd, gomock.Any())
	rep.EXPECT().Update(gomock.Any()).AnyTimes()
	rep.EXPECT().Finish(fd, gomock.Not(gomock.Nil()))

	dir := t.TempDir()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := NewCoordinator(f, dir, 4, rep, nil).Download(ctx, fd)
	if !errors.Is(err, boom) {
		t.Fatalf("Download err = %v, want boom", err)
	}
	if ctx.Err() != nil {
		t.Fatal("siblings were not cancelled; download waited for the test deadline")
	}
	if _, err := os.Stat(filepath.Join(dir, "a.bin")); !os.IsNotExist(err) {
		t.Errorf("file assembled despite failed chunk")
	}
	for i := 0; i < 4; i++ {
		if _, err := os.Stat(PartPath(dir, "a.bin", i)); !os.IsNotExist(err) {
			t.Errorf("part %d left behind after failure: %v", i, err)
		}
	}
}

func TestCoordinatorHeartbeat(t *testing.T) {
	ctrl := gomock.NewController(t)
	rep := NewMockReporter(ctrl)
	data := randomBytes(8000, 5)
	f := &memFetcher{files: map[string][]byte{"a.bin": data}, waitBeats: 2}
	fd := protocol.FileDescriptor{Name: "a.bin", Size: int64(len(data))}
	rep.EXPECT().Start(fd, gomock.Any())
	rep.EXPECT().Update(gomock.Any()).AnyTimes()
	rep.EXPECT().Finish(fd, nil)

	dir := t.TempDir()
	coord := NewCoordinator(f, dir, 4, rep, nil)
	coord.heartbeat = 5 * time.Millisecond
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := coord.Download(ctx, fd); err != nil {
		t.Fatalf("Download: %v", err)
	}
	beats := f.beats.Load()
	if beats < 2 {
		t.Fatalf("heartbeats = %d, want at least 2", beats)
	}
	time.Sleep(30 * time.Millisecond)
	if got := f.beats.Load(); got != beats {
		t.Errorf("heartbeats continued after the download: %d -> %d", beats, got)
	}
}

func TestCoordinatorHeartbeatFailureCancels(t *testing.T) {
	ctrl := gomock.NewController(t)
	rep := NewMockReporter(ctrl)
	gone := errors.New("server gone")
	f := &memFetcher{
		files:   map[string][]byte{"a.bin": randomBytes(4000, 6)},
		block:   map[int]bool{0: true, 1: true, 2: true, 3: true},
		beatErr: gone,
	}
	fd := protocol.FileDescriptor{Name: "a.bin", Size: 4000}
	rep.EXPECT().Start(fd, gomock.Any())
	rep.EXPECT().Update(gomock.Any()).AnyTimes()
	rep.EXPECT().Finish(fd, gomock.Not(gomock.Nil()))

	coord := NewCoordinator(f, t.TempDir(), 4, rep, nil)
	coord.heartbeat = 5 * time.Millisecond
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := coord.Download(ctx, fd)
	if !errors.Is(err, gone) {
		t.Fatalf("Download err = %v, want heartbeat failure", err)
	}
	if ctx.Err() != nil {
		t.Fatal("chunks were not cancelled by the failed heartbeat")
	}
}

func TestCoordinatorEmptyFile(t *testing.T) {
	ctrl := gomock.NewController(t)
	rep := NewMockReporter(ctrl)
	fd := protocol.FileDescriptor{Name: "empty.txt", Size: 0}
	rep.EXPECT().Start(fd, gomock.Len(0))
	rep.EXPECT().Update(gomock.Any()).AnyTimes()
	rep.EXPECT().Finish(fd, nil)

	f := &memFetcher{files: map[string][]byte{"empty.txt": {}}}
	dir := t.TempDir()
	if err := NewCoordinator(f, dir, 4, rep, nil).Download(context.Background(), fd); err != nil {
		t.Fatalf("Download: %v", err)
	}
	info, err := os.Stat(filepath.Join(dir, "empty.txt"))
	if err != nil || info.Size() != 0 {
		t.Fatalf("empty file: %v, %v", info, err)
	}
	if f.fetches.Load() != 0 {
		t.Errorf("fetched %d chunks for an empty file", f.fetches.Load())
	}
}

func TestCoordinatorRejectsNonLocalNames(t *testing.T) {
	ctrl := gomock.NewController(t)
	rep := NewMockReporter(ctrl)
	c := NewCoordinator(&memFetcher{}, t.TempDir(), 4, rep, nil)
	for _, name := range []string{"", "../etc/passwd", "/abs", "dir/file"} {
		if err := c.Download(context.Background(), protocol.FileDescriptor{Name: name, Size: 10}); err == nil {
			t.Errorf("Download(%q) succeeded", name)
		}
	}
}

func TestPollerCycle(t *testing.T) {
	dir := t.TempDir()
	status := filepath.Join(dir, "input.txt")
	data := randomBytes(9000, 3)
	f := &memFetcher{files: map[string][]byte{"a.bin": data}}
	p := NewPoller(f, NewCoordinator(f, dir, 4, NewLogReporter(nil), nil), status, time.Hour, nil)
	ctx := context.Background()

	if err := p.Cycle(ctx); err != nil {
		t.Fatalf("first cycle: %v", err)
	}
	raw, _ := os.ReadFile(status)
	if !strings.HasPrefix(string(raw), "a.bin 9000B\n"+statusDelimiter) {
		t.Fatalf("status file after LIST:\n%s", raw)
	}
	if f.fetches.Load() != 0 {
		t.Fatal("downloaded before anything was queued")
	}

	if err := os.WriteFile(status, append(raw, []byte("a.bin\nmissing.bin\n")...), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := p.Cycle(ctx); err != nil {
		t.Fatalf("second cycle: %v", err)
	}
	got, err := os.ReadFile(filepath.Join(dir, "a.bin"))
	if err != nil || !bytes.Equal(got, data) {
		t.Fatalf("a.bin not downloaded intact: %v", err)
	}
	if !p.Downloaded().Has("a.bin") || p.Downloaded().Has("missing.bin") {
		t.Error("DownloadedSet out of step with what was fetched")
	}

	fetched := f.fetches.Load()
	if err := p.Cycle(ctx); err != nil {
		t.Fatalf("third cycle: %v", err)
	}
	if f.fetches.Load() != fetched {
		t.Error("already downloaded file fetched again")
	}
}

func TestPollerRunQuitsOnCancel(t *testing.T) {
	dir := t.TempDir()
	f := &memFetcher{files: map[string][]byte{}}
	p := NewPoller(f, NewCoordinator(f, dir, 4, nil, nil), filepath.Join(dir, "input.txt"), 10*time.Millisecond, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	deadline := time.Now().Add(5 * time.Second)
	for f.lists.Load() < 3 {
		if time.Now().After(deadline) {
			t.Fatalf("only %d LIST cycles ran", f.lists.Load())
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run: %v", err)
	}
	if f.quits.Load() != 1 {
		t.Errorf("QUIT sent %d times, want 1", f.quits.Load())
	}
}
