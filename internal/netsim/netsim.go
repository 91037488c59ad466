// Package netsim wraps a packet socket with injected faults so the reliable
// transport can be exercised against loss, duplication and corruption.
package netsim

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/exp/rand"
)

type Faults struct {
	Loss      float64 // probability an outgoing datagram is dropped
	Duplicate float64 // probability an outgoing datagram is sent twice
	Corrupt   float64 // probability one byte of an outgoing datagram is flipped
	Seed      uint64
}

func (f Faults) Zero() bool {
	return f.Loss == 0 && f.Duplicate == 0 && f.Corrupt == 0
}

type Stats struct {
	Sent       uint64
	Dropped    uint64
	Duplicated uint64
	Corrupted  uint64
}

// Conn applies Faults to every WriteTo of the wrapped socket. Reads pass through.
type Conn struct {
	net.PacketConn
	faults Faults

	mu  sync.Mutex
	rng *rand.Rand

	sent, dropped, duplicated, corrupted atomic.Uint64
}

func Wrap(pc net.PacketConn, f Faults) *Conn {
	seed := f.Seed
	if seed == 0 {
		seed = uint64(time.Now().UnixNano())
	}
	return &Conn{
		PacketConn: pc,
		faults:     f,
		rng:        rand.New(rand.NewSource(seed)),
	}
}

// MaybeWrap returns pc unchanged when f injects nothing.
func MaybeWrap(pc net.PacketConn, f Faults) net.PacketConn {
	if f.Zero() {
		return pc
	}
	return Wrap(pc, f)
}

func (c *Conn) roll(p float64) bool {
	if p <= 0 {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rng.Float64() < p
}

func (c *Conn) WriteTo(p []byte, addr net.Addr) (int, error) {
	c.sent.Add(1)
	if c.roll(c.faults.Loss) {
		c.dropped.Add(1)
		return len(p), nil
	}
	out := p
	if len(p) > 0 && c.roll(c.faults.Corrupt) {
		out = append([]byte(nil), p...)
		c.mu.Lock()
		i := c.rng.Intn(len(out))
		c.mu.Unlock()
		out[i] ^= 0xff
		c.corrupted.Add(1)
	}
	n, err := c.PacketConn.WriteTo(out, addr)
	if err != nil {
		return n, err
	}
	if c.roll(c.faults.Duplicate) {
		c.duplicated.Add(1)
		if _, err := c.PacketConn.WriteTo(out, addr); err != nil {
			return n, err
		}
	}
	return len(p), nil
}

func (c *Conn) Stats() Stats {
	return Stats{
		Sent:       c.sent.Load(),
		Dropped:    c.dropped.Load(),
		Duplicated: c.duplicated.Load(),
		Corrupted:  c.corrupted.Load(),
	}
}
