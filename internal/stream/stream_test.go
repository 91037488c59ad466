package stream

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/quic-go/quic-go"
	"golang.org/x/exp/rand"

	apperrors "github.com/vkb0205/SOCKET-Project/internal/errors"
	"github.com/vkb0205/SOCKET-Project/internal/protocol"
	"github.com/vkb0205/SOCKET-Project/internal/registry"
)

func startServer(t *testing.T, data []byte) (*Server, string) {
	t.Helper()
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, "a.bin"), data, 0o644); err != nil {
		t.Fatal(err)
	}
	regPath := filepath.Join(root, "input.txt")
	list := protocol.FormatFileList([]protocol.FileDescriptor{
		{Name: "a.bin", Size: int64(len(data))},
		{Name: "ghost.bin", Size: 10},
	})
	if err := os.WriteFile(regPath, []byte(list), 0o644); err != nil {
		t.Fatal(err)
	}
	reg, err := registry.Load(regPath, nil)
	if err != nil {
		t.Fatal(err)
	}

	tlsConf, err := ServerTLSConfig()
	if err != nil {
		t.Fatal(err)
	}
	ln, err := quic.ListenAddr("127.0.0.1:0", tlsConf, quicConfig())
	if err != nil {
		t.Fatal(err)
	}
	srv := NewServer(reg, root, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		srv.Serve(ctx, ln)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return srv, ln.Addr().String()
}

func dial(t *testing.T, addr string) (*Client, context.Context) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	t.Cleanup(cancel)
	c, err := Dial(ctx, addr, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c, ctx
}

func TestListAndDownload(t *testing.T) {
	data := make([]byte, 3<<20+17)
	rand.New(rand.NewSource(9)).Read(data)
	_, addr := startServer(t, data)
	c, ctx := dial(t, addr)

	files, err := c.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(files) != 2 || files[0].Name != "a.bin" || files[0].Size != int64(len(data)) {
		t.Fatalf("List = %+v", files)
	}

	req := protocol.Request{Cmd: protocol.CmdDownload, Name: "a.bin", ChunkID: 1, Start: 1000, End: int64(len(data)) - 1}
	var buf bytes.Buffer
	var reported int
	if err := c.FetchChunk(ctx, req, &buf, func(n int) { reported += n }); err != nil {
		t.Fatalf("FetchChunk: %v", err)
	}
	if !bytes.Equal(buf.Bytes(), data[1000:]) {
		t.Fatal("chunk differs from file range")
	}
	if int64(reported) != req.Len() {
		t.Errorf("progress reported %d bytes, want %d", reported, req.Len())
	}

	if err := c.Heartbeat(ctx); err != nil {
		t.Errorf("Heartbeat: %v", err)
	}
	if err := c.Quit(ctx); err != nil {
		t.Errorf("Quit: %v", err)
	}
}

func TestDownloadErrors(t *testing.T) {
	_, addr := startServer(t, []byte("0123456789"))
	c, ctx := dial(t, addr)

	tests := []struct {
		name string
		req  protocol.Request
		want error
	}{
		{"unknown", protocol.Request{Cmd: protocol.CmdDownload, Name: "nope", Start: 0, End: 1}, apperrors.ErrFileNotFound},
		{"past end", protocol.Request{Cmd: protocol.CmdDownload, Name: "a.bin", Start: 5, End: 10}, apperrors.ErrMalformedRequest},
		{"registered but absent", protocol.Request{Cmd: protocol.CmdDownload, Name: "ghost.bin", Start: 0, End: 9}, apperrors.ErrIO},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			err := c.FetchChunk(ctx, tt.req, &buf, nil)
			if !errors.Is(err, tt.want) {
				t.Fatalf("FetchChunk err = %v, want %v", err, tt.want)
			}
			if buf.Len() != 0 {
				t.Errorf("wrote %d bytes on error", buf.Len())
			}
		})
	}
}

func TestParallelChunks(t *testing.T) {
	data := make([]byte, 1<<20)
	rand.New(rand.NewSource(4)).Read(data)
	_, addr := startServer(t, data)
	c, ctx := dial(t, addr)

	parts := make([]bytes.Buffer, 4)
	errs := make(chan error, 4)
	per := int64(len(data) / 4)
	for i := range parts {
		req := protocol.Request{Cmd: protocol.CmdDownload, Name: "a.bin", ChunkID: i, Start: int64(i) * per, End: int64(i+1)*per - 1}
		go func() { errs <- c.FetchChunk(ctx, req, &parts[i], nil) }()
	}
	for range parts {
		if err := <-errs; err != nil {
			t.Fatalf("FetchChunk: %v", err)
		}
	}
	var joined []byte
	for i := range parts {
		joined = append(joined, parts[i].Bytes()...)
	}
	if !bytes.Equal(joined, data) {
		t.Fatal("parallel chunks do not reassemble the file")
	}
}
