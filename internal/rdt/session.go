// Package rdt implements reliable delivery over an unreliable datagram socket.
//
// A Session runs one logical exchange with one peer. It offers two ARQ
// disciplines over the same socket: stop-and-wait (Send/Receive, one packet
// outstanding) and Go-Back-N (SendWindow/SendStream/ReceiveWindow, a window of
// fragments with cumulative acknowledgement). Lost, duplicated and corrupt
// datagrams are recovered inside the session; only retry exhaustion, socket
// failures and cancellation reach the caller.
package rdt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/cenkalti/backoff"

	apperrors "github.com/vkb0205/SOCKET-Project/internal/errors"
	"github.com/vkb0205/SOCKET-Project/internal/packet"
)

// Conn is the datagram substrate. *net.UDPConn, netsim.Conn and PeerConn satisfy it.
type Conn interface {
	ReadFrom(p []byte) (n int, addr net.Addr, err error)
	WriteTo(p []byte, addr net.Addr) (n int, err error)
	SetReadDeadline(t time.Time) error
}

type Options struct {
	Codec        packet.Codec
	Timeout      time.Duration
	MaxRetries   int
	Window       int
	FragmentSize int
	// Linger is how long a finished receiver keeps re-acknowledging
	// retransmissions after the final fragment. Zero means twice Timeout.
	Linger time.Duration
}

func DefaultOptions() Options {
	return Options{
		Codec:        packet.Codec{Format: packet.FormatWindowed, Checksum: packet.ChecksumSum8},
		Timeout:      200 * time.Millisecond,
		MaxRetries:   12,
		Window:       16,
		FragmentSize: 1024,
	}
}

func (o Options) normalize() Options {
	d := DefaultOptions()
	if o.Timeout <= 0 {
		o.Timeout = d.Timeout
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = d.MaxRetries
	}
	if o.Window <= 0 {
		o.Window = d.Window
	}
	if o.FragmentSize <= 0 {
		o.FragmentSize = d.FragmentSize
	}
	if max := packet.MaxDatagram - o.Codec.HeaderLen(); o.FragmentSize > max {
		o.FragmentSize = max
	}
	if o.Linger <= 0 {
		o.Linger = 2 * o.Timeout
	}
	return o
}

// Stats counts what one session saw. It is owned by the session's goroutine.
type Stats struct {
	Sent        uint64
	Retransmits uint64
	Received    uint64
	Corrupt     uint64
	Duplicates  uint64
}

type inbound struct {
	pkt  packet.Packet
	from net.Addr
}

type Session struct {
	conn Conn
	peer net.Addr
	opts Options
	log  *slog.Logger
	buf  []byte

	// receive side of stop-and-wait: the next sequence we have not yet accepted
	synced   bool
	nextRecv uint32

	stash *inbound
	stats Stats
}

func NewSession(conn Conn, peer net.Addr, opts Options, log *slog.Logger) *Session {
	if log == nil {
		log = slog.Default()
	}
	return &Session{
		conn: conn,
		peer: peer,
		opts: opts.normalize(),
		log:  log,
		buf:  make([]byte, packet.MaxDatagram),
	}
}

func (s *Session) Peer() net.Addr        { return s.peer }
func (s *Session) SetPeer(addr net.Addr) { s.peer = addr }
func (s *Session) Options() Options      { return s.opts }
func (s *Session) Stats() Stats          { return s.stats }

// MaxPayload is the largest message Send can carry in one packet.
func (s *Session) MaxPayload() int {
	return packet.MaxDatagram - s.opts.Codec.HeaderLen()
}

// Send delivers data as a single packet with sequence seq and blocks until the
// peer acknowledges it (stop-and-wait).
func (s *Session) Send(ctx context.Context, data []byte, seq uint32) error {
	if len(data) > s.MaxPayload() {
		return fmt.Errorf("rdt.Send: %d byte message exceeds single packet limit %d", len(data), s.MaxPayload())
	}
	raw := s.opts.Codec.Encode(packet.Packet{Seq: seq, Payload: data})
	if err := s.write(raw, s.peer); err != nil {
		return err
	}

	stop := context.AfterFunc(ctx, s.interrupt)
	defer stop()

	timer := s.newTimer()
	deadline := time.Now().Add(timer.NextBackOff())
	for {
		pkt, from, err := s.readUntil(ctx, deadline)
		if errors.Is(err, apperrors.ErrTimeout) {
			wait := timer.NextBackOff()
			if wait == backoff.Stop {
				return apperrors.RetryExhausted("rdt.Send", s.opts.MaxRetries)
			}
			s.log.Debug("retransmit", "seq", seq, "peer", s.peer, "wait", wait)
			s.stats.Retransmits++
			if err := s.write(raw, s.peer); err != nil {
				return err
			}
			deadline = time.Now().Add(wait)
			continue
		}
		if err != nil {
			return err
		}
		if pkt.IsAck() {
			if pkt.Ack == seq {
				return nil
			}
			continue
		}
		if s.absorb(pkt, from, s.follows(pkt, seq)) {
			// the peer only sends new data once it has ours
			return nil
		}
	}
}

// Receive blocks for the next packet that is newer than anything this session
// has accepted, acknowledges it to its sender and returns it. Retransmitted
// copies of older packets are acknowledged again and dropped.
func (s *Session) Receive(ctx context.Context) (packet.Packet, net.Addr, error) {
	stop := context.AfterFunc(ctx, s.interrupt)
	defer stop()

	timer := s.newTimer()
	deadline := time.Now().Add(timer.NextBackOff())
	for {
		pkt, from, err := s.readUntil(ctx, deadline)
		if errors.Is(err, apperrors.ErrTimeout) {
			wait := timer.NextBackOff()
			if wait == backoff.Stop {
				return packet.Packet{}, nil, apperrors.RetryExhausted("rdt.Receive", s.opts.MaxRetries)
			}
			deadline = time.Now().Add(wait)
			continue
		}
		if err != nil {
			return packet.Packet{}, nil, err
		}
		if pkt.IsAck() {
			continue
		}
		if err := s.ack(from, pkt.Seq, pkt.Ack); err != nil {
			return packet.Packet{}, nil, err
		}
		if !s.fresh(pkt.Seq) {
			s.stats.Duplicates++
			continue
		}
		s.accept(pkt.Seq)
		s.stats.Received++
		return pkt, from, nil
	}
}

// Linger keeps acknowledging retransmissions of packets up to last for a quiet
// period, so that a lost final acknowledgement does not strand the sender.
// Tag restricts it to one exchange; stop-and-wait callers pass the tag they
// received with.
func (s *Session) Linger(ctx context.Context, tag, last uint32) {
	stop := context.AfterFunc(ctx, s.interrupt)
	defer stop()

	deadline := time.Now().Add(s.opts.Linger)
	for {
		pkt, from, err := s.readUntil(ctx, deadline)
		if err != nil {
			return
		}
		if pkt.IsAck() || pkt.Ack != tag {
			continue
		}
		if int32(pkt.Seq-last) <= 0 {
			s.stats.Duplicates++
			_ = s.ack(from, last, tag)
			deadline = time.Now().Add(s.opts.Linger)
		}
	}
}

func (s *Session) fresh(seq uint32) bool {
	return !s.synced || int32(seq-s.nextRecv) >= 0
}

func (s *Session) accept(seq uint32) {
	s.synced = true
	s.nextRecv = seq + 1
}

// follows reports whether a data packet that arrived while seq was
// unacknowledged can only have been sent after the peer received seq.
// Windowed replies carry the request they answer in their ack field. In the
// compact format a reply reuses the request's sequence, and when seq answers
// the packet we last accepted anything newer is the peer's next request.
func (s *Session) follows(pkt packet.Packet, seq uint32) bool {
	if s.synced && !s.fresh(pkt.Seq) {
		return false
	}
	if s.opts.Codec.Format == packet.FormatWindowed {
		return pkt.Ack == seq
	}
	return pkt.Seq == seq || (s.synced && s.nextRecv == seq+1)
}

// absorb handles a data packet from the peer that arrived while the session
// was waiting for an acknowledgement. When next is set the packet is kept for
// the next receive and reported as true. Otherwise it is left over from an
// earlier exchange and is acknowledged again so its sender stops. Packets
// from other addresses are ignored.
func (s *Session) absorb(pkt packet.Packet, from net.Addr, next bool) bool {
	if s.peer == nil || !sameAddr(from, s.peer) {
		return false
	}
	if !next {
		s.stats.Duplicates++
		_ = s.ack(from, pkt.Seq, pkt.Ack)
		return false
	}
	s.stash = &inbound{pkt: pkt, from: from}
	return true
}

func (s *Session) ack(to net.Addr, seq, tag uint32) error {
	return s.write(s.opts.Codec.Encode(packet.Packet{Seq: tag, Ack: seq, Flags: packet.FlagAck}), to)
}

func (s *Session) write(raw []byte, to net.Addr) error {
	if to == nil {
		return apperrors.SocketFatal("rdt.write", errors.New("no peer address"))
	}
	if _, err := s.conn.WriteTo(raw, to); err != nil {
		return apperrors.SocketFatal("rdt.write", err)
	}
	s.stats.Sent++
	return nil
}

// readUntil returns the next decodable packet or ErrTimeout once deadline
// passes. Corrupt packets are counted and skipped.
func (s *Session) readUntil(ctx context.Context, deadline time.Time) (packet.Packet, net.Addr, error) {
	if s.stash != nil {
		in := s.stash
		s.stash = nil
		return in.pkt, in.from, nil
	}
	for {
		if err := ctx.Err(); err != nil {
			return packet.Packet{}, nil, err
		}
		if err := s.conn.SetReadDeadline(deadline); err != nil {
			return packet.Packet{}, nil, apperrors.SocketFatal("rdt.read", err)
		}
		n, from, err := s.conn.ReadFrom(s.buf)
		if err != nil {
			if isTimeout(err) {
				if ctxErr := ctx.Err(); ctxErr != nil {
					return packet.Packet{}, nil, ctxErr
				}
				if time.Now().Before(deadline) {
					continue
				}
				return packet.Packet{}, nil, apperrors.ErrTimeout
			}
			return packet.Packet{}, nil, apperrors.SocketFatal("rdt.read", err)
		}
		pkt, err := s.opts.Codec.Decode(s.buf[:n])
		if err != nil {
			s.stats.Corrupt++
			s.log.Debug("dropped packet", "from", from, "err", err)
			continue
		}
		return pkt, from, nil
	}
}

// interrupt unblocks a pending read when the context is cancelled.
func (s *Session) interrupt() {
	_ = s.conn.SetReadDeadline(time.Now())
}

// newTimer is the retransmission timer: exponential from Timeout, capped at
// eight times Timeout, failing after MaxRetries waits without progress.
func (s *Session) newTimer() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.opts.Timeout
	b.RandomizationFactor = 0
	b.Multiplier = 1.5
	b.MaxInterval = 8 * s.opts.Timeout
	b.MaxElapsedTime = 0
	b.Reset()
	return backoff.WithMaxRetries(b, uint64(s.opts.MaxRetries)+1)
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func sameAddr(a, b net.Addr) bool {
	if a == nil || b == nil {
		return false
	}
	return a.Network() == b.Network() && a.String() == b.String()
}
