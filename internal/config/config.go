package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/vkb0205/SOCKET-Project/internal/netsim"
	"github.com/vkb0205/SOCKET-Project/internal/packet"
	"github.com/vkb0205/SOCKET-Project/internal/rdt"
)

const (
	DefaultPort     = 9000
	DefaultQUICPort = 9001
	DefaultChunks   = 4

	ModeGoBackN     = "gbn"
	ModeStopAndWait = "saw"

	TransportUDP  = "udp"
	TransportQUIC = "quic"
)

// Transport configures the reliable datagram engine on either side.
type Transport struct {
	Mode         string
	Checksum     string
	Timeout      time.Duration
	MaxRetries   int
	Window       int
	FragmentSize int

	// Loss, Duplicate and Corrupt inject faults into the local socket for testing.
	Loss      float64
	Duplicate float64
	Corrupt   float64
	Seed      uint64
}

type Server struct {
	Addr          string
	QUICAddr      string
	StatusAddr    string
	Root          string
	Registry      string
	MaxConcurrent int
	Advertise     bool
	Transport     Transport
}

type Client struct {
	Server       string
	Transport    string
	DownloadDir  string
	StatusFile   string
	Chunks       int
	PollInterval time.Duration
	Discover     bool
	DiscoverWait time.Duration
	RDT          Transport
}

func DefaultTransport() Transport {
	return Transport{
		Mode:         ModeGoBackN,
		Checksum:     "sum8",
		Timeout:      200 * time.Millisecond,
		MaxRetries:   12,
		Window:       16,
		FragmentSize: 1024,
	}
}

func DefaultServer() Server {
	return Server{
		Addr:          fmt.Sprintf(":%d", DefaultPort),
		QUICAddr:      "",
		StatusAddr:    "",
		Root:          ".",
		Registry:      "input.txt",
		MaxConcurrent: 64,
		Transport:     DefaultTransport(),
	}
}

func DefaultClient() Client {
	return Client{
		Server:       fmt.Sprintf("127.0.0.1:%d", DefaultPort),
		Transport:    TransportUDP,
		DownloadDir:  ".",
		StatusFile:   "input.txt",
		Chunks:       DefaultChunks,
		PollInterval: 5 * time.Second,
		DiscoverWait: 3 * time.Second,
		RDT:          DefaultTransport(),
	}
}

func (t Transport) Validate() error {
	switch t.Mode {
	case ModeGoBackN, ModeStopAndWait:
	default:
		return fmt.Errorf("transport mode must be %q or %q, got %q", ModeGoBackN, ModeStopAndWait, t.Mode)
	}
	if _, err := packet.ParseChecksum(t.Checksum); err != nil {
		return err
	}
	if t.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive")
	}
	if t.MaxRetries <= 0 {
		return fmt.Errorf("max retries must be positive")
	}
	if t.Window <= 0 {
		return fmt.Errorf("window must be positive")
	}
	if t.FragmentSize <= 0 || t.FragmentSize > packet.MaxDatagram-16 {
		return fmt.Errorf("fragment size must be in (0, %d]", packet.MaxDatagram-16)
	}
	for _, r := range []float64{t.Loss, t.Duplicate, t.Corrupt} {
		if r < 0 || r >= 1 {
			return fmt.Errorf("fault rates must be in [0, 1), got %v", r)
		}
	}
	return nil
}

// Faults is the fault injection configured for the local socket.
func (t Transport) Faults() netsim.Faults {
	return netsim.Faults{Loss: t.Loss, Duplicate: t.Duplicate, Corrupt: t.Corrupt, Seed: t.Seed}
}

// Options converts the config into engine options.
func (t Transport) Options() (rdt.Options, error) {
	if err := t.Validate(); err != nil {
		return rdt.Options{}, err
	}
	cs, _ := packet.ParseChecksum(t.Checksum)
	format := packet.FormatWindowed
	if t.Mode == ModeStopAndWait {
		format = packet.FormatCompact
	}
	return rdt.Options{
		Codec:        packet.Codec{Format: format, Checksum: cs},
		Timeout:      t.Timeout,
		MaxRetries:   t.MaxRetries,
		Window:       t.Window,
		FragmentSize: t.FragmentSize,
	}, nil
}

func (s Server) Validate() error {
	if strings.TrimSpace(s.Addr) == "" {
		return fmt.Errorf("listen address required")
	}
	if strings.TrimSpace(s.Registry) == "" {
		return fmt.Errorf("registry file required")
	}
	if s.MaxConcurrent <= 0 {
		return fmt.Errorf("max concurrent downloads must be positive")
	}
	return s.Transport.Validate()
}

func (c Client) Validate() error {
	switch c.Transport {
	case TransportUDP, TransportQUIC:
	default:
		return fmt.Errorf("transport must be %q or %q, got %q", TransportUDP, TransportQUIC, c.Transport)
	}
	if strings.TrimSpace(c.Server) == "" && !c.Discover {
		return fmt.Errorf("server address required unless discovery is enabled")
	}
	if c.Chunks <= 0 {
		return fmt.Errorf("chunk count must be positive")
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("poll interval must be positive")
	}
	return c.RDT.Validate()
}
