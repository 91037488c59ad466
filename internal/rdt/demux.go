package rdt

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	apperrors "github.com/vkb0205/SOCKET-Project/internal/errors"
	"github.com/vkb0205/SOCKET-Project/internal/packet"
)

const (
	acceptBacklog = 128
	peerQueue     = 256
)

// Demux shares one listening socket between many peers. A single reader
// routes each datagram by source address to that peer's PeerConn, which a
// Session can use like a private socket.
type Demux struct {
	pc  net.PacketConn
	log *slog.Logger

	mu     sync.Mutex
	peers  map[string]*PeerConn
	accept chan *PeerConn
	done   chan struct{}
	once   sync.Once
}

func NewDemux(pc net.PacketConn, log *slog.Logger) *Demux {
	if log == nil {
		log = slog.Default()
	}
	return &Demux{
		pc:     pc,
		log:    log,
		peers:  make(map[string]*PeerConn),
		accept: make(chan *PeerConn, acceptBacklog),
		done:   make(chan struct{}),
	}
}

func (d *Demux) LocalAddr() net.Addr { return d.pc.LocalAddr() }

// Serve reads the socket until it is closed. It returns nil after Close.
func (d *Demux) Serve() error {
	buf := make([]byte, packet.MaxDatagram)
	for {
		n, addr, err := d.pc.ReadFrom(buf)
		if err != nil {
			select {
			case <-d.done:
				return nil
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return apperrors.SocketFatal("demux.read", err)
		}
		msg := make([]byte, n)
		copy(msg, buf[:n])

		p, created := d.route(addr)
		if p == nil {
			continue
		}
		if created {
			select {
			case d.accept <- p:
			default:
				d.log.Warn("accept backlog full, dropping peer", "peer", addr)
				p.Close()
				continue
			}
		}
		select {
		case p.in <- msg:
		default:
			// a full queue behaves like a lossy link; the sender retransmits
		}
	}
}

func (d *Demux) route(addr net.Addr) (*PeerConn, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	select {
	case <-d.done:
		return nil, false
	default:
	}
	key := addr.String()
	if p, ok := d.peers[key]; ok {
		return p, false
	}
	p := &PeerConn{
		d:    d,
		addr: addr,
		in:   make(chan []byte, peerQueue),
		wake: make(chan struct{}),
		done: make(chan struct{}),
	}
	d.peers[key] = p
	return p, true
}

// Accept waits for the first datagram from a peer without a live PeerConn.
func (d *Demux) Accept(ctx context.Context) (*PeerConn, error) {
	select {
	case p := <-d.accept:
		return p, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-d.done:
		return nil, net.ErrClosed
	}
}

// Close stops routing and closes the underlying socket and every PeerConn.
func (d *Demux) Close() error {
	var err error
	d.once.Do(func() {
		close(d.done)
		err = d.pc.Close()
		d.mu.Lock()
		peers := make([]*PeerConn, 0, len(d.peers))
		for _, p := range d.peers {
			peers = append(peers, p)
		}
		d.mu.Unlock()
		for _, p := range peers {
			p.Close()
		}
	})
	return err
}

func (d *Demux) forget(p *PeerConn) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if cur, ok := d.peers[p.addr.String()]; ok && cur == p {
		delete(d.peers, p.addr.String())
	}
}

// PeerConn is the view of a Demux socket restricted to one remote address.
type PeerConn struct {
	d    *Demux
	addr net.Addr
	in   chan []byte

	mu       sync.Mutex
	deadline time.Time
	wake     chan struct{}

	done chan struct{}
	once sync.Once
}

func (p *PeerConn) RemoteAddr() net.Addr { return p.addr }

func (p *PeerConn) ReadFrom(b []byte) (int, net.Addr, error) {
	for {
		p.mu.Lock()
		dl, wake := p.deadline, p.wake
		p.mu.Unlock()

		var (
			timer  *time.Timer
			expire <-chan time.Time
		)
		if !dl.IsZero() {
			wait := time.Until(dl)
			if wait <= 0 {
				return 0, nil, os.ErrDeadlineExceeded
			}
			timer = time.NewTimer(wait)
			expire = timer.C
		}

		n, retry, err := p.wait(b, expire, wake)
		if timer != nil {
			timer.Stop()
		}
		if !retry {
			if err != nil {
				return 0, nil, err
			}
			return n, p.addr, nil
		}
	}
}

func (p *PeerConn) wait(b []byte, expire <-chan time.Time, wake <-chan struct{}) (int, bool, error) {
	select {
	case msg := <-p.in:
		return copy(b, msg), false, nil
	case <-expire:
		return 0, false, os.ErrDeadlineExceeded
	case <-wake:
		return 0, true, nil
	case <-p.done:
		return 0, false, net.ErrClosed
	}
}

// WriteTo sends through the shared socket.
func (p *PeerConn) WriteTo(b []byte, addr net.Addr) (int, error) {
	select {
	case <-p.done:
		return 0, net.ErrClosed
	default:
	}
	return p.d.pc.WriteTo(b, addr)
}

func (p *PeerConn) SetReadDeadline(t time.Time) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.deadline = t
	close(p.wake)
	p.wake = make(chan struct{})
	return nil
}

// Close detaches the peer. Later datagrams from the same address start a new
// PeerConn.
func (p *PeerConn) Close() error {
	p.once.Do(func() {
		close(p.done)
		p.d.forget(p)
	})
	return nil
}
