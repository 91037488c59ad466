package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"golang.org/x/exp/rand"
	"golang.org/x/net/nettest"

	"github.com/vkb0205/SOCKET-Project/internal/config"
	"github.com/vkb0205/SOCKET-Project/internal/packet"
	"github.com/vkb0205/SOCKET-Project/internal/protocol"
	"github.com/vkb0205/SOCKET-Project/internal/rdt"
	"github.com/vkb0205/SOCKET-Project/internal/registry"
)

const fiveMB = 5 << 20

type fixture struct {
	srv  *Server
	addr net.Addr
	data []byte
	opts rdt.Options

	mu     sync.Mutex
	opened []string
}

func startServer(t *testing.T, mode string, loss float64) *fixture {
	t.Helper()
	root := t.TempDir()
	data := make([]byte, fiveMB)
	rand.New(rand.NewSource(42)).Read(data)
	if err := os.WriteFile(filepath.Join(root, "a.bin"), data, 0o644); err != nil {
		t.Fatalf("write a.bin: %v", err)
	}
	regPath := filepath.Join(root, "input.txt")
	if err := os.WriteFile(regPath, []byte("a.bin 5MB\nghost.bin 1KB\n"), 0o644); err != nil {
		t.Fatalf("write registry: %v", err)
	}
	reg, err := registry.Load(regPath, nil)
	if err != nil {
		t.Fatalf("registry: %v", err)
	}

	cfg := config.DefaultServer()
	cfg.Root = root
	cfg.Registry = regPath
	cfg.Transport.Mode = mode
	cfg.Transport.Timeout = 20 * time.Millisecond
	cfg.Transport.MaxRetries = 30
	cfg.Transport.Loss = loss
	cfg.Transport.Seed = 11
	srv, err := New(cfg, reg, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	f := &fixture{srv: srv, data: data}
	srv.openHook = func(path string) {
		f.mu.Lock()
		f.opened = append(f.opened, filepath.Base(path))
		f.mu.Unlock()
	}
	f.opts, _ = cfg.Transport.Options()

	pc, err := nettest.NewLocalPacketListener("udp")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	f.addr = pc.LocalAddr()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		srv.Serve(ctx, pc)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return f
}

func (f *fixture) client(t *testing.T) *rdt.Session {
	t.Helper()
	pc, err := nettest.NewLocalPacketListener("udp")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { pc.Close() })
	return rdt.NewSession(pc, f.addr, f.opts, nil)
}

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// roundTrip sends one request and collects a Go-Back-N reply.
func roundTrip(t *testing.T, ctx context.Context, sess *rdt.Session, seq uint32, line string, w *bytes.Buffer) rdt.Message {
	t.Helper()
	if err := sess.Send(ctx, []byte(line), seq); err != nil {
		t.Fatalf("send %q: %v", line, err)
	}
	msg, err := sess.ReceiveWindow(ctx, w, 0, seq)
	if err != nil {
		t.Fatalf("reply to %q: %v", line, err)
	}
	return msg
}

func TestList(t *testing.T) {
	f := startServer(t, config.ModeGoBackN, 0)
	ctx := testContext(t)
	var buf bytes.Buffer
	msg := roundTrip(t, ctx, f.client(t), 1, "LIST", &buf)
	if msg.Status {
		t.Fatalf("LIST answered with status %q", msg.Text)
	}
	if buf.String() != "a.bin 5MB\nghost.bin 1KB\n" {
		t.Fatalf("LIST = %q", buf.String())
	}
}

func TestDownloadChunkUnderLoss(t *testing.T) {
	f := startServer(t, config.ModeGoBackN, 0.1)
	ctx := testContext(t)
	var buf bytes.Buffer
	msg := roundTrip(t, ctx, f.client(t), 1, "DOWNLOAD a.bin 0 0 1310719", &buf)
	if msg.Status {
		t.Fatalf("download answered with status %q", msg.Text)
	}
	if buf.Len() != 1310720 || !bytes.Equal(buf.Bytes(), f.data[:1310720]) {
		t.Fatalf("got %d bytes, want the first 1310720 bytes of a.bin", buf.Len())
	}
	if msg.From.String() == f.addr.String() {
		t.Fatalf("chunk data should come from a dedicated socket")
	}
}

func TestDownloadLastChunk(t *testing.T) {
	f := startServer(t, config.ModeGoBackN, 0)
	ctx := testContext(t)
	var buf bytes.Buffer
	roundTrip(t, ctx, f.client(t), 9, "DOWNLOAD a.bin 3 3932160 5242879", &buf)
	if !bytes.Equal(buf.Bytes(), f.data[3932160:]) {
		t.Fatalf("last chunk mismatch: %d bytes", buf.Len())
	}
}

func TestFileNotFoundNeverOpens(t *testing.T) {
	f := startServer(t, config.ModeGoBackN, 0)
	ctx := testContext(t)
	var buf bytes.Buffer
	msg := roundTrip(t, ctx, f.client(t), 1, "DOWNLOAD missing.bin 0 0 99", &buf)
	if !msg.Status || msg.Text != protocol.StatusFileNotFound {
		t.Fatalf("expected %q, got %+v", protocol.StatusFileNotFound, msg)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.opened) != 0 {
		t.Fatalf("server opened %v for an unknown name", f.opened)
	}
}

func TestReadErrorReported(t *testing.T) {
	f := startServer(t, config.ModeGoBackN, 0)
	ctx := testContext(t)
	var buf bytes.Buffer
	// registered but absent on disk
	msg := roundTrip(t, ctx, f.client(t), 1, "DOWNLOAD ghost.bin 0 0 1023", &buf)
	if !msg.Status || msg.Text != protocol.StatusReadError {
		t.Fatalf("expected %q, got %+v", protocol.StatusReadError, msg)
	}
}

func TestInvalidRequests(t *testing.T) {
	f := startServer(t, config.ModeGoBackN, 0)
	ctx := testContext(t)
	sess := f.client(t)
	for i, line := range []string{
		"HELLO",
		"DOWNLOAD a.bin 0 10 5",
		"DOWNLOAD a.bin 0 0 5242880",
	} {
		var buf bytes.Buffer
		msg := roundTrip(t, ctx, sess, uint32(i+1), line, &buf)
		if !msg.Status || msg.Text != protocol.StatusInvalid {
			t.Fatalf("%q: expected %q, got %+v", line, protocol.StatusInvalid, msg)
		}
	}
	var buf bytes.Buffer
	msg := roundTrip(t, ctx, sess, 10, "DOWNLOADING", &buf)
	if msg.Text != protocol.StatusDownloading {
		t.Fatalf("DOWNLOADING = %+v", msg)
	}
}

func rdtRequest(seq uint32, line string) packet.Packet {
	return packet.Packet{Seq: seq, Payload: []byte(line)}
}

func TestDuplicateRequestNotRedispatched(t *testing.T) {
	f := startServer(t, config.ModeGoBackN, 0)
	ctx := testContext(t)

	pc, err := nettest.NewLocalPacketListener("udp")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer pc.Close()
	raw := f.opts.Codec.Encode(rdtRequest(4, "DOWNLOAD a.bin 1 1310720 1311743"))
	for i := 0; i < 3; i++ {
		if _, err := pc.WriteTo(raw, f.addr); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	var buf bytes.Buffer
	sess := rdt.NewSession(pc, f.addr, f.opts, nil)
	if _, err := sess.ReceiveWindow(ctx, &buf, 0, 4); err != nil {
		t.Fatalf("receive: %v", err)
	}
	if !bytes.Equal(buf.Bytes(), f.data[1310720:1311744]) {
		t.Fatalf("range mismatch")
	}
	if n := len(f.srv.Transfers().Snapshot()); n != 1 {
		t.Fatalf("request dispatched %d times", n)
	}
}

func TestQuitForgetsPeer(t *testing.T) {
	f := startServer(t, config.ModeGoBackN, 0)
	ctx := testContext(t)
	sess := f.client(t)
	var buf bytes.Buffer
	roundTrip(t, ctx, sess, 1, "LIST", &buf)
	if f.srv.Peers().Len() != 1 {
		t.Fatalf("peer not tracked")
	}
	buf.Reset()
	msg := roundTrip(t, ctx, sess, 2, "QUIT", &buf)
	if msg.Text != protocol.StatusClosed {
		t.Fatalf("QUIT = %+v", msg)
	}
	deadline := time.Now().Add(2 * time.Second)
	for f.srv.Peers().Len() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("peer still tracked after QUIT")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestStopAndWaitDownload(t *testing.T) {
	f := startServer(t, config.ModeStopAndWait, 0.05)
	ctx := testContext(t)
	sess := f.client(t)

	if err := sess.Send(ctx, []byte("DOWNLOAD a.bin 2 2621440 2641919"), 0); err != nil {
		t.Fatalf("send: %v", err)
	}
	pkt, _, err := sess.Receive(ctx)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	n, ok := protocol.ParseOK(string(pkt.Payload))
	if !ok || n != 20480 {
		t.Fatalf("expected OK 20480, got %q", pkt.Payload)
	}
	var buf bytes.Buffer
	var last uint32
	for int64(buf.Len()) < n {
		pkt, _, err := sess.Receive(ctx)
		if err != nil {
			t.Fatalf("receive: %v", err)
		}
		buf.Write(pkt.Payload)
		last = pkt.Seq
	}
	sess.Linger(ctx, 0, last)
	if !bytes.Equal(buf.Bytes(), f.data[2621440:2641920]) {
		t.Fatalf("stop-and-wait range mismatch")
	}
}

func TestStopAndWaitNotFound(t *testing.T) {
	f := startServer(t, config.ModeStopAndWait, 0)
	ctx := testContext(t)
	sess := f.client(t)
	if err := sess.Send(ctx, []byte("DOWNLOAD nope 0 0 9"), 0); err != nil {
		t.Fatalf("send: %v", err)
	}
	pkt, _, err := sess.Receive(ctx)
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	if string(pkt.Payload) != protocol.StatusFileNotFound {
		t.Fatalf("got %q", pkt.Payload)
	}
}

func TestStopAndWaitListTooLarge(t *testing.T) {
	f := startServer(t, config.ModeStopAndWait, 0)
	ctx := testContext(t)

	var list bytes.Buffer
	for i := 0; list.Len() <= packet.MaxDatagram; i++ {
		fmt.Fprintf(&list, "file-%05d.bin 1KB\n", i)
	}
	if err := os.WriteFile(f.srv.Registry().Path(), list.Bytes(), 0o644); err != nil {
		t.Fatalf("write registry: %v", err)
	}

	sess := f.client(t)
	if err := sess.Send(ctx, []byte("LIST"), 1); err != nil {
		t.Fatalf("send: %v", err)
	}
	pkt, _, err := sess.Receive(ctx)
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	if pkt.Seq != 1 || string(pkt.Payload) != protocol.StatusTooLarge {
		t.Fatalf("got seq %d %q", pkt.Seq, pkt.Payload)
	}
}

func TestStatusEndpoint(t *testing.T) {
	f := startServer(t, config.ModeGoBackN, 0)
	ctx := testContext(t)
	var buf bytes.Buffer
	roundTrip(t, ctx, f.client(t), 1, "DOWNLOAD a.bin 0 0 2047", &buf)

	rec := httptest.NewRecorder()
	f.srv.StatusHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status code %d", rec.Code)
	}
	var rep statusReport
	if err := json.Unmarshal(rec.Body.Bytes(), &rep); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if rep.Files != 2 || rep.Mode != config.ModeGoBackN || len(rep.Transfers) != 1 || rep.Transfers[0].File != "a.bin" {
		t.Fatalf("unexpected report %+v", rep)
	}
}
