// Package discovery advertises file servers over mDNS and finds them from the
// client side.
package discovery

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/grandcat/zeroconf"
)

const (
	ServiceName = "_socketshare._udp"
	Domain      = "local."

	quicKey = "quic"
)

// Service is one server found on the local network.
type Service struct {
	Instance string
	// Addr is the datagram endpoint, QUICAddr the stream endpoint if the
	// server runs one.
	Addr     string
	QUICAddr string
}

// Advertise announces a server on port until ctx is done. A non-zero quicPort
// is published in the TXT record.
func Advertise(ctx context.Context, instance string, port, quicPort int, log *slog.Logger) error {
	if log == nil {
		log = slog.Default()
	}
	if instance == "" {
		host, err := os.Hostname()
		if err != nil {
			return fmt.Errorf("failed to get hostname: %w", err)
		}
		instance = host
	}
	txt := []string{"txtv=1"}
	if quicPort > 0 {
		txt = append(txt, fmt.Sprintf("%s=%d", quicKey, quicPort))
	}
	server, err := zeroconf.Register(instance, ServiceName, Domain, port, txt, nil)
	if err != nil {
		return fmt.Errorf("mdns register: %w", err)
	}
	defer server.Shutdown()
	log.Info("advertising", "instance", instance, "service", ServiceName, "port", port)
	<-ctx.Done()
	return nil
}

// Browse collects the servers that answer within wait.
func Browse(ctx context.Context, wait time.Duration, log *slog.Logger) ([]Service, error) {
	if log == nil {
		log = slog.Default()
	}
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize resolver: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()
	entries := make(chan *zeroconf.ServiceEntry)
	found := make(chan []Service, 1)
	go func() {
		var out []Service
		defer func() { found <- out }()
		for {
			select {
			case <-ctx.Done():
				return
			case entry, ok := <-entries:
				if !ok {
					return
				}
				if svc, ok := fromEntry(entry); ok {
					log.Debug("found server", "instance", svc.Instance, "addr", svc.Addr)
					out = append(out, svc)
				}
			}
		}
	}()

	if err := resolver.Browse(ctx, ServiceName, Domain, entries); err != nil {
		return nil, fmt.Errorf("failed to browse: %w", err)
	}
	<-ctx.Done()
	return <-found, nil
}

func fromEntry(e *zeroconf.ServiceEntry) (Service, bool) {
	var ip net.IP
	switch {
	case len(e.AddrIPv4) > 0:
		ip = e.AddrIPv4[0]
	case len(e.AddrIPv6) > 0:
		ip = e.AddrIPv6[0]
	default:
		return Service{}, false
	}
	svc := Service{
		Instance: e.Instance,
		Addr:     net.JoinHostPort(ip.String(), strconv.Itoa(e.Port)),
	}
	if port, ok := quicPort(e.Text); ok {
		svc.QUICAddr = net.JoinHostPort(ip.String(), strconv.Itoa(port))
	}
	return svc, true
}

func quicPort(txt []string) (int, bool) {
	for _, kv := range txt {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k != quicKey {
			continue
		}
		port, err := strconv.Atoi(v)
		if err != nil || port <= 0 || port > 65535 {
			return 0, false
		}
		return port, true
	}
	return 0, false
}
