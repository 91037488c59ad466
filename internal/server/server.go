// Package server answers LIST and DOWNLOAD requests over the reliable datagram
// transport.
//
// One UDP socket receives every request. Datagrams are routed by source address
// to a goroutine per peer, which owns an rdt.Session for that peer and answers
// control commands inline. Each DOWNLOAD is handed to its own worker that sends
// the requested byte range from a fresh ephemeral socket.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"path/filepath"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/vkb0205/SOCKET-Project/internal/config"
	apperrors "github.com/vkb0205/SOCKET-Project/internal/errors"
	"github.com/vkb0205/SOCKET-Project/internal/netsim"
	"github.com/vkb0205/SOCKET-Project/internal/packet"
	"github.com/vkb0205/SOCKET-Project/internal/protocol"
	"github.com/vkb0205/SOCKET-Project/internal/rdt"
	"github.com/vkb0205/SOCKET-Project/internal/registry"
	"github.com/vkb0205/SOCKET-Project/internal/store"
)

type Server struct {
	cfg       config.Server
	opts      rdt.Options
	stopWait  bool
	faults    netsim.Faults
	reg       *registry.Registry
	peers     *store.Peers
	transfers *store.Transfers
	sem       *semaphore.Weighted
	log       *slog.Logger

	// openHook observes every file the server opens. Tests use it.
	openHook func(path string)

	mu   sync.Mutex
	addr net.Addr
	wg   sync.WaitGroup
}

func New(cfg config.Server, reg *registry.Registry, log *slog.Logger) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	opts, err := cfg.Transport.Options()
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "server")
	return &Server{
		cfg:       cfg,
		opts:      opts,
		stopWait:  cfg.Transport.Mode == config.ModeStopAndWait,
		faults:    cfg.Transport.Faults(),
		reg:       reg,
		peers:     store.NewPeers(),
		transfers: store.NewTransfers(log),
		sem:       semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
		log:       log,
	}, nil
}

func (s *Server) Peers() *store.Peers          { return s.peers }
func (s *Server) Transfers() *store.Transfers  { return s.transfers }
func (s *Server) Registry() *registry.Registry { return s.reg }

// Addr is the bound request socket, or nil before Serve.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

func (s *Server) ListenAndServe(ctx context.Context) error {
	pc, err := net.ListenPacket("udp", s.cfg.Addr)
	if err != nil {
		return apperrors.SocketFatal("server.listen", err)
	}
	return s.Serve(ctx, pc)
}

// Serve answers requests on pc until ctx is done or the socket fails. It
// closes pc and waits for peer goroutines and downloads before returning.
func (s *Server) Serve(ctx context.Context, pc net.PacketConn) error {
	conn := netsim.MaybeWrap(pc, s.faults)
	d := rdt.NewDemux(conn, s.log)

	s.mu.Lock()
	s.addr = pc.LocalAddr()
	s.mu.Unlock()
	s.log.Info("serving", "addr", pc.LocalAddr().String(), "mode", s.cfg.Transport.Mode, "files", s.reg.Len())

	errc := make(chan error, 1)
	go func() {
		err := d.Serve()
		d.Close()
		errc <- err
	}()
	stop := context.AfterFunc(ctx, func() { d.Close() })
	defer stop()

	for {
		p, err := d.Accept(ctx)
		if err != nil {
			break
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.servePeer(ctx, p)
		}()
	}
	d.Close()
	s.wg.Wait()
	err := <-errc
	s.log.Info("stopped", "err", err)
	return err
}

func (s *Server) servePeer(ctx context.Context, pc *rdt.PeerConn) {
	addr := pc.RemoteAddr()
	key := addr.String()
	log := s.log.With("peer", key)
	defer pc.Close()

	if _, err := s.peers.Add(key); err != nil {
		log.Warn("peer table", "err", err)
	}
	defer s.peers.Delete(key)

	sess := rdt.NewSession(pc, addr, s.opts, log)
	for {
		pkt, _, err := sess.Receive(ctx)
		if err != nil {
			switch {
			case ctx.Err() != nil:
			case errors.Is(err, apperrors.ErrRetryExhausted):
				log.Debug("peer idle, releasing session")
			case errors.Is(err, apperrors.ErrSocketFatal) && errors.Is(err, net.ErrClosed):
			default:
				log.Warn("receive failed", "err", err)
			}
			return
		}
		s.peers.Touch(key)
		if quit := s.handle(ctx, sess, pkt, log); quit {
			return
		}
	}
}

// handle answers one request. It reports true when the peer said goodbye.
func (s *Server) handle(ctx context.Context, sess *rdt.Session, pkt packet.Packet, log *slog.Logger) bool {
	tag := pkt.Seq
	req, err := protocol.ParseRequest(string(pkt.Payload))
	if err != nil {
		log.Info("invalid request", "err", err)
		s.reply(ctx, sess, tag, protocol.StatusInvalid, true, log)
		return false
	}
	log.Debug("request", "req", req.String(), "seq", tag)

	switch req.Cmd {
	case protocol.CmdList:
		if err := s.reg.Reload(); err != nil {
			log.Warn("registry reload failed, serving previous list", "err", err)
		}
		s.reply(ctx, sess, tag, protocol.FormatFileList(s.reg.List()), false, log)
	case protocol.CmdDownloading:
		s.reply(ctx, sess, tag, protocol.StatusDownloading, true, log)
	case protocol.CmdQuit:
		s.reply(ctx, sess, tag, protocol.StatusClosed, true, log)
		log.Info("peer quit")
		return true
	case protocol.CmdDownload:
		s.dispatch(ctx, sess, req, tag, log)
	}
	return false
}

// reply answers a control request on the shared socket. Go-Back-N replies are
// tagged with the request sequence; stop-and-wait replies reuse it as their
// own sequence and must fit one packet.
func (s *Server) reply(ctx context.Context, sess *rdt.Session, tag uint32, text string, status bool, log *slog.Logger) {
	if s.stopWait && len(text) > sess.MaxPayload() {
		log.Warn("reply does not fit one packet", "seq", tag, "bytes", len(text), "max", sess.MaxPayload())
		text = protocol.StatusTooLarge
	}
	var err error
	switch {
	case s.stopWait:
		err = sess.Send(ctx, []byte(text), tag)
	case status:
		err = sess.SendStatus(ctx, text, 0, tag)
	default:
		err = sess.SendWindow(ctx, []byte(text), 0, tag)
	}
	if err != nil && ctx.Err() == nil {
		log.Warn("reply failed", "seq", tag, "err", err)
	}
}

// dispatch validates a DOWNLOAD and starts its worker. Requests that cannot be
// served are answered inline without touching the filesystem.
func (s *Server) dispatch(ctx context.Context, sess *rdt.Session, req protocol.Request, tag uint32, log *slog.Logger) {
	fd, ok := s.reg.Lookup(req.Name)
	if !ok {
		log.Info("file not found", "file", req.Name)
		s.reply(ctx, sess, tag, protocol.StatusFileNotFound, true, log)
		return
	}
	if req.Start > req.End || req.End >= fd.Size || !filepath.IsLocal(req.Name) {
		log.Info("bad range", "file", req.Name, "start", req.Start, "end", req.End, "size", fd.Size)
		s.reply(ctx, sess, tag, protocol.StatusInvalid, true, log)
		return
	}

	peer := sess.Peer()
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.sem.Acquire(ctx, 1); err != nil {
			return
		}
		defer s.sem.Release(1)
		if err := s.download(ctx, peer, req, tag); err != nil && ctx.Err() == nil {
			log.Warn("download failed", "file", req.Name, "chunk", req.ChunkID, "err", err)
		}
	}()
}

func (s *Server) path(name string) string {
	return filepath.Join(s.cfg.Root, name)
}

// ephemeral binds a fresh socket on the request socket's address family and host.
func (s *Server) ephemeral() (net.PacketConn, error) {
	host := ""
	if ua, ok := s.Addr().(*net.UDPAddr); ok && !ua.IP.IsUnspecified() {
		host = ua.IP.String()
	}
	pc, err := net.ListenPacket("udp", net.JoinHostPort(host, "0"))
	if err != nil {
		return nil, apperrors.SocketFatal("server.ephemeral", fmt.Errorf("bind: %w", err))
	}
	return netsim.MaybeWrap(pc, s.faults), nil
}
