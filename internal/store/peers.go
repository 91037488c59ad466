package store

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Peer is a remote address the server is currently holding a session for.
type Peer struct {
	ID       string
	Addr     string
	Since    time.Time
	LastSeen time.Time
	Requests int
}

type Peers struct {
	peers map[string]*Peer
	mu    sync.Mutex
}

func NewPeers() *Peers {
	return &Peers{peers: make(map[string]*Peer)}
}

func (pm *Peers) Add(addr string) (*Peer, error) {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	if _, exists := pm.peers[addr]; exists {
		return nil, fmt.Errorf("peer %s already exists", addr)
	}
	now := time.Now()
	p := &Peer{ID: uuid.NewString(), Addr: addr, Since: now, LastSeen: now}
	pm.peers[addr] = p
	return p, nil
}

func (pm *Peers) Delete(addr string) error {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	if _, exists := pm.peers[addr]; !exists {
		return fmt.Errorf("peer %s not found", addr)
	}
	delete(pm.peers, addr)
	return nil
}

// Get returns a copy of the peer record.
func (pm *Peers) Get(addr string) (Peer, error) {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	p, exists := pm.peers[addr]
	if !exists {
		return Peer{}, fmt.Errorf("peer %s not found", addr)
	}
	return *p, nil
}

// Touch records one request from addr.
func (pm *Peers) Touch(addr string) error {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	p, exists := pm.peers[addr]
	if !exists {
		return fmt.Errorf("peer %s not found", addr)
	}
	p.LastSeen = time.Now()
	p.Requests++
	return nil
}

func (pm *Peers) Len() int {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	return len(pm.peers)
}

// Snapshot lists peers ordered by arrival.
func (pm *Peers) Snapshot() []Peer {
	pm.mu.Lock()
	out := make([]Peer, 0, len(pm.peers))
	for _, p := range pm.peers {
		out = append(out, *p)
	}
	pm.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Since.Before(out[j].Since) })
	return out
}
