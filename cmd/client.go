package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/pflag"

	"github.com/vkb0205/SOCKET-Project/internal/client"
	"github.com/vkb0205/SOCKET-Project/internal/config"
	"github.com/vkb0205/SOCKET-Project/internal/discovery"
	"github.com/vkb0205/SOCKET-Project/internal/stream"
)

func bindClient(fs *pflag.FlagSet, cfg *config.Client) {
	fs.StringVarP(&cfg.Server, "server", "s", cfg.Server, "server address host:port")
	fs.StringVar(&cfg.Transport, "transport", cfg.Transport, "transport: udp or quic")
	fs.StringVarP(&cfg.DownloadDir, "dir", "d", cfg.DownloadDir, "download directory")
	fs.IntVarP(&cfg.Chunks, "chunks", "n", cfg.Chunks, "parallel chunks per file")
	fs.BoolVar(&cfg.Discover, "discover", cfg.Discover, "find the server over mDNS instead of --server")
	fs.DurationVar(&cfg.DiscoverWait, "discover-wait", cfg.DiscoverWait, "how long to browse for servers")
	bindTransport(fs, &cfg.RDT)
}

// dial connects to the configured server, resolving it over mDNS first when
// discovery is on.
func dial(ctx context.Context, g *globalOptions, cfg config.Client) (client.Fetcher, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	addr := cfg.Server
	if cfg.Discover {
		svc, err := discover(ctx, g, cfg)
		if err != nil {
			return nil, err
		}
		addr = svc.Addr
		if cfg.Transport == config.TransportQUIC {
			addr = svc.QUICAddr
		}
	}

	if cfg.Transport == config.TransportQUIC {
		dctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		c, err := stream.Dial(dctx, addr, g.log)
		if err != nil {
			return nil, err
		}
		return c, nil
	}
	f, err := client.NewUDPFetcher(addr, cfg.RDT, g.log)
	if err != nil {
		return nil, err
	}
	return f, nil
}

func discover(ctx context.Context, g *globalOptions, cfg config.Client) (discovery.Service, error) {
	found, err := discovery.Browse(ctx, cfg.DiscoverWait, g.log)
	if err != nil {
		return discovery.Service{}, err
	}
	for _, svc := range found {
		if cfg.Transport != config.TransportQUIC || svc.QUICAddr != "" {
			g.log.Info("discovered server", "instance", svc.Instance, "addr", svc.Addr, "quic", svc.QUICAddr)
			return svc, nil
		}
	}
	return discovery.Service{}, fmt.Errorf("no %s server found on the local network within %s", cfg.Transport, cfg.DiscoverWait)
}
