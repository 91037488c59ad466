package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"

	apperrors "github.com/vkb0205/SOCKET-Project/internal/errors"
	"github.com/vkb0205/SOCKET-Project/internal/protocol"
	"github.com/vkb0205/SOCKET-Project/internal/rdt"
	"github.com/vkb0205/SOCKET-Project/internal/store"
)

// download sends bytes [req.Start, req.End] of the file to peer from a
// dedicated socket.
func (s *Server) download(ctx context.Context, peer net.Addr, req protocol.Request, tag uint32) error {
	log := s.log.With("peer", peer.String(), "file", req.Name, "chunk", req.ChunkID)

	pc, err := s.ephemeral()
	if err != nil {
		return err
	}
	defer pc.Close()
	sess := rdt.NewSession(pc, peer, s.opts, log)

	id := s.transfers.Create(store.TransferInfo{
		FileName: req.Name,
		ChunkID:  req.ChunkID,
		Peer:     peer.String(),
		Size:     req.Len(),
	}, store.Sending)

	section, closeFile, err := s.openRange(req)
	if err != nil {
		s.transfers.Fail(id, err, false)
		log.Warn("read failed", "err", err)
		if serr := s.sendStatus(ctx, sess, tag, protocol.StatusReadError); serr != nil {
			return serr
		}
		return err
	}
	defer closeFile()

	r := &progressReader{r: section, id: id, transfers: s.transfers}
	log.Debug("sending range", "start", req.Start, "end", req.End, "from", pc.LocalAddr().String())
	if s.stopWait {
		err = s.streamStopAndWait(ctx, sess, r, req.Len())
	} else {
		err = sess.SendStream(ctx, r, req.Len(), 0, tag)
	}
	if err != nil {
		s.transfers.Fail(id, err, errors.Is(err, context.Canceled))
		return err
	}
	s.transfers.Complete(id)
	log.Info("chunk sent", "bytes", req.Len(), "retransmits", sess.Stats().Retransmits)
	return nil
}

// openRange opens the file fresh for this request and returns a reader over
// exactly the requested range.
func (s *Server) openRange(req protocol.Request) (*io.SectionReader, func() error, error) {
	path := s.path(req.Name)
	if s.openHook != nil {
		s.openHook(path)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, apperrors.IO("server.open", err)
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, nil, apperrors.IO("server.stat", err)
	}
	if st.Size() <= req.End {
		f.Close()
		return nil, nil, apperrors.IO("server.open", fmt.Errorf("%s is %d bytes, need %d", req.Name, st.Size(), req.End+1))
	}
	return io.NewSectionReader(f, req.Start, req.Len()), f.Close, nil
}

func (s *Server) sendStatus(ctx context.Context, sess *rdt.Session, tag uint32, text string) error {
	if s.stopWait {
		return sess.Send(ctx, []byte(text), 0)
	}
	return sess.SendStatus(ctx, text, 0, tag)
}

// streamStopAndWait sends "OK <n>" as packet 0 and then the range one
// fragment per packet, each acknowledged before the next.
func (s *Server) streamStopAndWait(ctx context.Context, sess *rdt.Session, r io.Reader, n int64) error {
	if err := sess.Send(ctx, []byte(protocol.FormatOK(n)), 0); err != nil {
		return err
	}
	buf := make([]byte, sess.Options().FragmentSize)
	seq := uint32(1)
	for sent := int64(0); sent < n; seq++ {
		want := int64(len(buf))
		if rest := n - sent; rest < want {
			want = rest
		}
		k, err := io.ReadFull(r, buf[:want])
		if err != nil {
			return apperrors.IO("server.stream", err)
		}
		if err := sess.Send(ctx, buf[:k], seq); err != nil {
			return err
		}
		sent += int64(k)
	}
	return nil
}

type progressReader struct {
	r         io.Reader
	id        string
	transfers *store.Transfers
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	if n > 0 {
		p.transfers.Add(p.id, int64(n))
	}
	return n, err
}
