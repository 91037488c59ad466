package client

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"

	"github.com/vkb0205/SOCKET-Project/internal/config"
	apperrors "github.com/vkb0205/SOCKET-Project/internal/errors"
	"github.com/vkb0205/SOCKET-Project/internal/netsim"
	"github.com/vkb0205/SOCKET-Project/internal/protocol"
	"github.com/vkb0205/SOCKET-Project/internal/rdt"
)

// Fetcher is one connection to a file server.
type Fetcher interface {
	List(ctx context.Context) ([]protocol.FileDescriptor, error)
	// FetchChunk writes exactly req.Len() bytes of the requested range to w,
	// calling progress with the size of every write.
	FetchChunk(ctx context.Context, req protocol.Request, w io.Writer, progress func(n int)) error
	// Heartbeat sends DOWNLOADING while chunks are in flight.
	Heartbeat(ctx context.Context) error
	Quit(ctx context.Context) error
	Close() error
}

// UDPFetcher talks to the server over the reliable datagram transport. Control
// commands share one socket; every chunk gets a socket of its own.
type UDPFetcher struct {
	server   *net.UDPAddr
	opts     rdt.Options
	stopWait bool
	faults   netsim.Faults
	log      *slog.Logger

	mu   sync.Mutex
	conn net.PacketConn
	ctrl *rdt.Session
	seq  uint32
}

func NewUDPFetcher(server string, tr config.Transport, log *slog.Logger) (*UDPFetcher, error) {
	opts, err := tr.Options()
	if err != nil {
		return nil, err
	}
	addr, err := net.ResolveUDPAddr("udp", server)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", server, err)
	}
	if log == nil {
		log = slog.Default()
	}
	f := &UDPFetcher{
		server:   addr,
		opts:     opts,
		stopWait: tr.Mode == config.ModeStopAndWait,
		faults:   tr.Faults(),
		log:      log.With("component", "fetcher", "server", addr.String()),
	}
	conn, err := f.listen()
	if err != nil {
		return nil, err
	}
	f.conn = conn
	f.ctrl = rdt.NewSession(conn, addr, opts, f.log)
	return f, nil
}

func (f *UDPFetcher) listen() (net.PacketConn, error) {
	network := "udp4"
	if f.server.IP.To4() == nil {
		network = "udp6"
	}
	pc, err := net.ListenPacket(network, ":0")
	if err != nil {
		return nil, apperrors.SocketFatal("client.listen", err)
	}
	return netsim.MaybeWrap(pc, f.faults), nil
}

// control runs one request/reply exchange on the shared control socket and
// returns the reply text and whether it was a status reply.
func (f *UDPFetcher) control(ctx context.Context, line string) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	seq := f.seq

	if err := f.ctrl.Send(ctx, []byte(line), seq); err != nil {
		return "", false, err
	}
	if f.stopWait {
		for {
			pkt, _, err := f.ctrl.Receive(ctx)
			if err != nil {
				return "", false, err
			}
			if pkt.Seq != seq {
				// reply to an earlier request that we gave up on
				continue
			}
			text := string(pkt.Payload)
			return text, protocol.IsStatus(text), nil
		}
	}
	var buf bytes.Buffer
	msg, err := f.ctrl.ReceiveWindow(ctx, &buf, 0, seq)
	if err != nil {
		return "", false, err
	}
	if msg.Status {
		return msg.Text, true, nil
	}
	return buf.String(), false, nil
}

func (f *UDPFetcher) List(ctx context.Context) ([]protocol.FileDescriptor, error) {
	text, status, err := f.control(ctx, string(protocol.CmdList))
	if err != nil {
		return nil, err
	}
	if status {
		return nil, protocol.StatusError("client.List", text)
	}
	return protocol.ParseFileList(text)
}

// Heartbeat sends DOWNLOADING and checks the server's answer.
func (f *UDPFetcher) Heartbeat(ctx context.Context) error {
	text, _, err := f.control(ctx, string(protocol.CmdDownloading))
	if err != nil {
		return err
	}
	if text != protocol.StatusDownloading {
		return fmt.Errorf("unexpected heartbeat reply %q", text)
	}
	return nil
}

func (f *UDPFetcher) Quit(ctx context.Context) error {
	text, _, err := f.control(ctx, string(protocol.CmdQuit))
	if err != nil {
		return err
	}
	if text != protocol.StatusClosed {
		return fmt.Errorf("unexpected QUIT reply %q", text)
	}
	return nil
}

func (f *UDPFetcher) Close() error {
	return f.conn.Close()
}

func (f *UDPFetcher) FetchChunk(ctx context.Context, req protocol.Request, w io.Writer, progress func(n int)) error {
	pc, err := f.listen()
	if err != nil {
		return err
	}
	defer pc.Close()
	log := f.log.With("file", req.Name, "chunk", req.ChunkID)
	sess := rdt.NewSession(pc, f.server, f.opts, log)

	if err := sess.Send(ctx, []byte(req.String()), 0); err != nil {
		return err
	}
	sink := &progressWriter{w: w, progress: progress}
	if f.stopWait {
		err = f.receiveStopAndWait(ctx, sess, req, sink)
	} else {
		err = f.receiveWindow(ctx, sess, req, sink)
	}
	if err != nil {
		return err
	}
	log.Debug("chunk received", "bytes", sink.n, "stats", sess.Stats())
	return nil
}

func (f *UDPFetcher) receiveWindow(ctx context.Context, sess *rdt.Session, req protocol.Request, sink *progressWriter) error {
	msg, err := sess.ReceiveWindow(ctx, sink, 0, 0)
	if err != nil {
		return err
	}
	if msg.Status {
		return protocol.StatusError("client.FetchChunk", msg.Text)
	}
	if msg.Bytes != req.Len() {
		return apperrors.IO("client.FetchChunk", fmt.Errorf("received %d bytes, want %d", msg.Bytes, req.Len()))
	}
	return nil
}

// receiveStopAndWait reads the "OK <n>" header and then single-packet
// fragments until the range is complete.
func (f *UDPFetcher) receiveStopAndWait(ctx context.Context, sess *rdt.Session, req protocol.Request, sink *progressWriter) error {
	pkt, _, err := sess.Receive(ctx)
	if err != nil {
		return err
	}
	n, ok := protocol.ParseOK(string(pkt.Payload))
	if !ok {
		return protocol.StatusError("client.FetchChunk", string(pkt.Payload))
	}
	if n != req.Len() {
		return apperrors.IO("client.FetchChunk", fmt.Errorf("server offers %d bytes, want %d", n, req.Len()))
	}
	last := pkt.Seq
	for sink.n < n {
		pkt, _, err := sess.Receive(ctx)
		if err != nil {
			return err
		}
		if _, err := sink.Write(pkt.Payload); err != nil {
			return apperrors.IO("client.FetchChunk", err)
		}
		last = pkt.Seq
	}
	if sink.n != n {
		return apperrors.IO("client.FetchChunk", fmt.Errorf("received %d bytes, want %d", sink.n, n))
	}
	sess.Linger(ctx, 0, last)
	return nil
}

type progressWriter struct {
	w        io.Writer
	progress func(int)
	n        int64
}

func (p *progressWriter) Write(b []byte) (int, error) {
	n, err := p.w.Write(b)
	p.n += int64(n)
	if n > 0 && p.progress != nil {
		p.progress(n)
	}
	return n, err
}
