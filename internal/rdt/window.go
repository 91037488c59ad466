package rdt

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/cenkalti/backoff"

	apperrors "github.com/vkb0205/SOCKET-Project/internal/errors"
	"github.com/vkb0205/SOCKET-Project/internal/packet"
)

// Message describes one message delivered by ReceiveWindow.
type Message struct {
	From net.Addr
	// Status is set when the sender answered with a status text instead of
	// payload. The text is in Text and nothing was written to the sink.
	Status bool
	Text   string
	Bytes  int64
	Last   uint32
}

// SendWindow delivers data with Go-Back-N. Fragments are numbered from base and
// every packet carries tag in its ack field so the receiver can tell this
// exchange from older ones.
func (s *Session) SendWindow(ctx context.Context, data []byte, base, tag uint32) error {
	return s.sendStream(ctx, bytes.NewReader(data), int64(len(data)), base, tag, 0)
}

// SendStatus sends a short status text in place of a payload.
func (s *Session) SendStatus(ctx context.Context, text string, base, tag uint32) error {
	return s.sendStream(ctx, bytes.NewReader([]byte(text)), int64(len(text)), base, tag, packet.FlagStatus)
}

// SendStream is SendWindow reading size bytes lazily from r. Only the
// outstanding window is held in memory.
func (s *Session) SendStream(ctx context.Context, r io.Reader, size int64, base, tag uint32) error {
	return s.sendStream(ctx, r, size, base, tag, 0)
}

func (s *Session) sendStream(ctx context.Context, r io.Reader, size int64, base, tag uint32, flags packet.Flags) error {
	frag := int64(s.opts.FragmentSize)
	total := uint32((size + frag - 1) / frag)
	if total == 0 {
		total = 1
	}

	var (
		acked  uint32 // fragments acknowledged
		next   uint32 // fragments sent at least once
		window [][]byte
	)
	load := func(i uint32) ([]byte, error) {
		n := frag
		if rest := size - int64(i)*frag; rest < n {
			n = rest
		}
		payload := make([]byte, n)
		if _, err := io.ReadFull(r, payload); err != nil {
			return nil, apperrors.IO("rdt.SendStream", err)
		}
		f := flags
		if i == total-1 {
			f |= packet.FlagLast
		}
		return s.opts.Codec.Encode(packet.Packet{Seq: base + i, Ack: tag, Flags: f, Payload: payload}), nil
	}

	stop := context.AfterFunc(ctx, s.interrupt)
	defer stop()

	timer := s.newTimer()
	deadline := time.Now().Add(timer.NextBackOff())
	for acked < total {
		for next < total && next < acked+uint32(s.opts.Window) {
			raw, err := load(next)
			if err != nil {
				return err
			}
			window = append(window, raw)
			if err := s.write(raw, s.peer); err != nil {
				return err
			}
			next++
		}

		pkt, from, err := s.readUntil(ctx, deadline)
		if errors.Is(err, apperrors.ErrTimeout) {
			wait := timer.NextBackOff()
			if wait == backoff.Stop {
				return apperrors.RetryExhausted("rdt.SendWindow", s.opts.MaxRetries)
			}
			s.log.Debug("go-back-n timeout", "base", base+acked, "outstanding", len(window), "peer", s.peer, "wait", wait)
			for _, raw := range window {
				s.stats.Retransmits++
				if err := s.write(raw, s.peer); err != nil {
					return err
				}
			}
			deadline = time.Now().Add(wait)
			continue
		}
		if err != nil {
			return err
		}
		if !pkt.IsAck() {
			// a request newer than the one this message answers
			newer := s.synced && s.nextRecv == tag+1 && s.fresh(pkt.Seq)
			if s.absorb(pkt, from, newer) {
				if next == total {
					return nil
				}
				return fmt.Errorf("rdt.SendWindow: peer abandoned exchange after %d of %d fragments", acked, total)
			}
			continue
		}
		if pkt.Seq != tag {
			continue
		}
		k := pkt.Ack - base
		if int32(k-acked) < 0 || k >= next {
			// stale or bogus
			continue
		}
		window = window[k+1-acked:]
		acked = k + 1
		timer.Reset()
		deadline = time.Now().Add(timer.NextBackOff())
	}
	return nil
}

// ReceiveWindow accepts a Go-Back-N message numbered from base with the given
// tag and writes its payload to w in order. Only the next expected fragment is
// accepted; anything else triggers a re-ack of the last accepted one. After
// the final fragment the session lingers to re-ack retransmissions.
func (s *Session) ReceiveWindow(ctx context.Context, w io.Writer, base, tag uint32) (Message, error) {
	stop := context.AfterFunc(ctx, s.interrupt)
	defer stop()

	var (
		msg      Message
		expected = base
		accepted bool
		status   bytes.Buffer
	)
	timer := s.newTimer()
	deadline := time.Now().Add(timer.NextBackOff())
	for {
		pkt, from, err := s.readUntil(ctx, deadline)
		if errors.Is(err, apperrors.ErrTimeout) {
			wait := timer.NextBackOff()
			if wait == backoff.Stop {
				return msg, apperrors.RetryExhausted("rdt.ReceiveWindow", s.opts.MaxRetries)
			}
			deadline = time.Now().Add(wait)
			continue
		}
		if err != nil {
			return msg, err
		}
		if pkt.IsAck() {
			continue
		}
		if pkt.Ack != tag {
			// left over from an earlier exchange; ack so its sender stops
			s.stats.Duplicates++
			_ = s.ack(from, pkt.Seq, pkt.Ack)
			continue
		}
		if pkt.Seq != expected {
			s.stats.Duplicates++
			if accepted {
				if err := s.ack(from, expected-1, tag); err != nil {
					return msg, err
				}
			}
			continue
		}

		if !accepted {
			msg.Status = pkt.Flags.Has(packet.FlagStatus)
		}
		if msg.Status {
			status.Write(pkt.Payload)
		} else if len(pkt.Payload) > 0 {
			if _, err := w.Write(pkt.Payload); err != nil {
				return msg, apperrors.IO("rdt.ReceiveWindow", err)
			}
		}
		msg.Bytes += int64(len(pkt.Payload))
		s.stats.Received++
		if err := s.ack(from, pkt.Seq, tag); err != nil {
			return msg, err
		}
		accepted = true
		expected++
		timer.Reset()
		deadline = time.Now().Add(timer.NextBackOff())

		if pkt.Flags.Has(packet.FlagLast) {
			msg.From = from
			msg.Last = pkt.Seq
			if msg.Status {
				msg.Text = status.String()
			}
			s.Linger(ctx, tag, pkt.Seq)
			return msg, nil
		}
	}
}
