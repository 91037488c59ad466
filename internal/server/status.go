package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/handlers"
)

type statusPeer struct {
	ID       string    `json:"id"`
	Addr     string    `json:"addr"`
	Since    time.Time `json:"since"`
	Requests int       `json:"requests"`
}

type statusTransfer struct {
	ID       string  `json:"id"`
	File     string  `json:"file"`
	Chunk    int     `json:"chunk"`
	Peer     string  `json:"peer"`
	Status   string  `json:"status"`
	Bytes    int64   `json:"bytes"`
	Size     int64   `json:"size"`
	Progress float64 `json:"progress"`
	Error    string  `json:"error,omitempty"`
}

type statusReport struct {
	Addr      string           `json:"addr"`
	Mode      string           `json:"mode"`
	Files     int              `json:"files"`
	Peers     []statusPeer     `json:"peers"`
	Transfers []statusTransfer `json:"transfers"`
}

// StatusHandler serves a JSON snapshot of peers and transfers at /status.
func (s *Server) StatusHandler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		rep := statusReport{
			Mode:      s.cfg.Transport.Mode,
			Files:     s.reg.Len(),
			Peers:     []statusPeer{},
			Transfers: []statusTransfer{},
		}
		if a := s.Addr(); a != nil {
			rep.Addr = a.String()
		}
		for _, p := range s.peers.Snapshot() {
			rep.Peers = append(rep.Peers, statusPeer{ID: p.ID, Addr: p.Addr, Since: p.Since, Requests: p.Requests})
		}
		for _, t := range s.transfers.Snapshot() {
			st := statusTransfer{
				ID:       t.ID,
				File:     t.Info.FileName,
				Chunk:    t.Info.ChunkID,
				Peer:     t.Info.Peer,
				Status:   t.Status.String(),
				Bytes:    t.BytesTransferred,
				Size:     t.Info.Size,
				Progress: t.Progress(),
			}
			if t.Err != nil {
				st.Error = t.Err.Error()
			}
			rep.Transfers = append(rep.Transfers, st)
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(rep); err != nil {
			s.log.Warn("status encode", "err", err)
		}
	})
	return handlers.CustomLoggingHandler(io.Discard, mux, accessLog(s.log))
}

func accessLog(log *slog.Logger) handlers.LogFormatter {
	return func(_ io.Writer, p handlers.LogFormatterParams) {
		ip, _, err := net.SplitHostPort(p.Request.RemoteAddr)
		if err != nil {
			ip = p.Request.RemoteAddr
		}
		log.Info("http", "remote", ip, "method", p.Request.Method, "uri", p.URL.RequestURI(),
			"status", p.StatusCode, "size", p.Size)
	}
}

// ServeStatus runs the status endpoint on addr until ctx is done.
func (s *Server) ServeStatus(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.StatusHandler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	stop := context.AfterFunc(ctx, func() {
		shutdown, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		srv.Shutdown(shutdown)
	})
	defer stop()
	s.log.Info("status endpoint", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
