// Package stream serves the same command protocol over QUIC streams. QUIC
// already delivers bytes in order and without loss, so each request is one
// bidirectional stream: the client writes a request line and the server
// answers with a status line, a file list, or "OK <n>" followed by n bytes.
package stream

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/quic-go/quic-go"

	apperrors "github.com/vkb0205/SOCKET-Project/internal/errors"
	"github.com/vkb0205/SOCKET-Project/internal/protocol"
	"github.com/vkb0205/SOCKET-Project/internal/registry"
	"github.com/vkb0205/SOCKET-Project/internal/store"
)

const maxRequestLine = 4096

func quicConfig() *quic.Config {
	return &quic.Config{
		KeepAlivePeriod: 10 * time.Second,
		MaxIdleTimeout:  30 * time.Second,
	}
}

type Server struct {
	reg       *registry.Registry
	root      string
	peers     *store.Peers
	transfers *store.Transfers
	log       *slog.Logger

	wg sync.WaitGroup
}

// NewServer serves files under root as listed in reg. Transfers may be shared
// with the datagram server so both show up in one status report; nil creates a
// private table.
func NewServer(reg *registry.Registry, root string, transfers *store.Transfers, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "stream")
	if transfers == nil {
		transfers = store.NewTransfers(log)
	}
	return &Server{
		reg:       reg,
		root:      root,
		peers:     store.NewPeers(),
		transfers: transfers,
		log:       log,
	}
}

func (s *Server) Peers() *store.Peers { return s.peers }

func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	tlsConf, err := ServerTLSConfig()
	if err != nil {
		return fmt.Errorf("failed to generate TLS config: %w", err)
	}
	ln, err := quic.ListenAddr(addr, tlsConf, quicConfig())
	if err != nil {
		return apperrors.SocketFatal("stream.listen", err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections until ctx is done. It closes ln and waits for
// in-flight streams before returning.
func (s *Server) Serve(ctx context.Context, ln *quic.Listener) error {
	s.log.Info("QUIC listener started", "addr", ln.Addr().String())
	stop := context.AfterFunc(ctx, func() { ln.Close() })
	defer stop()
	defer s.wg.Wait()
	defer ln.Close()

	for {
		conn, err := ln.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, quic.ErrServerClosed) {
				return nil
			}
			return apperrors.SocketFatal("stream.accept", err)
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(ctx, conn)
		}()
	}
}

func (s *Server) handleConn(ctx context.Context, conn quic.Connection) {
	key := conn.RemoteAddr().String()
	log := s.log.With("peer", key)
	if _, err := s.peers.Add(key); err != nil {
		log.Warn("peer table", "err", err)
	}
	defer s.peers.Delete(key)
	defer conn.CloseWithError(0, "connection closed")
	log.Info("connection accepted")

	var wg sync.WaitGroup
	defer wg.Wait()
	for {
		str, err := conn.AcceptStream(ctx)
		if err != nil {
			log.Debug("connection done", "err", err)
			return
		}
		s.peers.Touch(key)
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.handleStream(ctx, str, key, log)
		}()
	}
}

func (s *Server) handleStream(ctx context.Context, str quic.Stream, peer string, log *slog.Logger) {
	defer str.Close()
	stop := context.AfterFunc(ctx, func() {
		str.CancelRead(0)
		str.CancelWrite(0)
	})
	defer stop()

	line, err := bufio.NewReaderSize(io.LimitReader(str, maxRequestLine), maxRequestLine).ReadString('\n')
	if err != nil && !(errors.Is(err, io.EOF) && line != "") {
		log.Debug("reading request", "err", err)
		return
	}
	req, err := protocol.ParseRequest(line)
	if err != nil {
		log.Info("invalid request", "err", err)
		writeLine(str, protocol.StatusInvalid)
		return
	}

	switch req.Cmd {
	case protocol.CmdList:
		if err := s.reg.Reload(); err != nil {
			log.Warn("registry reload failed, serving previous list", "err", err)
		}
		io.WriteString(str, protocol.FormatFileList(s.reg.List()))
	case protocol.CmdDownloading:
		writeLine(str, protocol.StatusDownloading)
	case protocol.CmdQuit:
		writeLine(str, protocol.StatusClosed)
		log.Info("peer quit")
	case protocol.CmdDownload:
		if err := s.download(str, req, peer, log); err != nil && ctx.Err() == nil {
			log.Warn("download failed", "file", req.Name, "chunk", req.ChunkID, "err", err)
		}
	}
}

func (s *Server) download(w io.Writer, req protocol.Request, peer string, log *slog.Logger) error {
	fd, ok := s.reg.Lookup(req.Name)
	if !ok {
		writeLine(w, protocol.StatusFileNotFound)
		return nil
	}
	if req.Start > req.End || req.End >= fd.Size || !filepath.IsLocal(req.Name) {
		writeLine(w, protocol.StatusInvalid)
		return nil
	}

	f, err := os.Open(filepath.Join(s.root, req.Name))
	if err != nil {
		writeLine(w, protocol.StatusReadError)
		return apperrors.IO("stream.open", err)
	}
	defer f.Close()
	if st, err := f.Stat(); err != nil || st.Size() <= req.End {
		writeLine(w, protocol.StatusReadError)
		return apperrors.IO("stream.open", fmt.Errorf("%s shorter than registered", req.Name))
	}

	id := s.transfers.Create(store.TransferInfo{
		FileName: req.Name,
		ChunkID:  req.ChunkID,
		Peer:     peer,
		Size:     req.Len(),
	}, store.Sending)
	if _, err := io.WriteString(w, protocol.FormatOK(req.Len())+"\n"); err != nil {
		s.transfers.Fail(id, err, false)
		return err
	}
	section := io.NewSectionReader(f, req.Start, req.Len())
	buf := make([]byte, 1<<20)
	for {
		n, rerr := section.Read(buf)
		if n > 0 {
			if _, err := w.Write(buf[:n]); err != nil {
				s.transfers.Fail(id, err, false)
				return err
			}
			s.transfers.Add(id, int64(n))
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			s.transfers.Fail(id, rerr, false)
			return apperrors.IO("stream.read", rerr)
		}
	}
	s.transfers.Complete(id)
	log.Info("chunk sent", "file", req.Name, "chunk", req.ChunkID, "bytes", req.Len())
	return nil
}

func writeLine(w io.Writer, text string) {
	io.WriteString(w, strings.TrimSpace(text)+"\n")
}
