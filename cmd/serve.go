package cmd

import (
	"context"
	"net"
	"strconv"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/vkb0205/SOCKET-Project/internal/config"
	apperrors "github.com/vkb0205/SOCKET-Project/internal/errors"
	"github.com/vkb0205/SOCKET-Project/internal/discovery"
	"github.com/vkb0205/SOCKET-Project/internal/registry"
	"github.com/vkb0205/SOCKET-Project/internal/server"
	"github.com/vkb0205/SOCKET-Project/internal/stream"
)

func newServeCmd(g *globalOptions) *cobra.Command {
	cfg := config.DefaultServer()
	var instance string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the files listed in the registry",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), g, cfg, instance)
		},
	}
	fs := cmd.Flags()
	fs.StringVar(&cfg.Addr, "addr", cfg.Addr, "UDP listen address")
	fs.StringVar(&cfg.QUICAddr, "quic-addr", cfg.QUICAddr, "also serve over QUIC on this address, e.g. :9001")
	fs.StringVar(&cfg.StatusAddr, "status-addr", cfg.StatusAddr, "serve a JSON status page on this address, e.g. :9080")
	fs.StringVar(&cfg.Root, "root", cfg.Root, "directory holding the served files")
	fs.StringVar(&cfg.Registry, "registry", cfg.Registry, "registry file of \"<name> <size>\" lines")
	fs.IntVar(&cfg.MaxConcurrent, "max-concurrent", cfg.MaxConcurrent, "chunk downloads served at once")
	fs.BoolVar(&cfg.Advertise, "advertise", cfg.Advertise, "announce the server over mDNS")
	fs.StringVar(&instance, "instance", "", "mDNS instance name (default hostname)")
	bindTransport(fs, &cfg.Transport)
	return cmd
}

func runServe(ctx context.Context, g *globalOptions, cfg config.Server, instance string) error {
	log := g.log
	reg, err := registry.Load(cfg.Registry, log)
	if err != nil {
		return err
	}
	srv, err := server.New(cfg, reg, log)
	if err != nil {
		return err
	}
	pc, err := net.ListenPacket("udp", cfg.Addr)
	if err != nil {
		return apperrors.SocketFatal("serve.listen", err)
	}

	grp, ctx := errgroup.WithContext(ctx)
	grp.Go(func() error { return srv.Serve(ctx, pc) })
	grp.Go(func() error { return reg.Watch(ctx) })

	quicPort := 0
	if cfg.QUICAddr != "" {
		qs := stream.NewServer(reg, cfg.Root, srv.Transfers(), log)
		grp.Go(func() error { return qs.ListenAndServe(ctx, cfg.QUICAddr) })
		if _, p, err := net.SplitHostPort(cfg.QUICAddr); err == nil {
			quicPort, _ = strconv.Atoi(p)
		}
	}
	if cfg.StatusAddr != "" {
		grp.Go(func() error { return srv.ServeStatus(ctx, cfg.StatusAddr) })
	}
	if cfg.Advertise {
		port := pc.LocalAddr().(*net.UDPAddr).Port
		grp.Go(func() error {
			if err := discovery.Advertise(ctx, instance, port, quicPort, log); err != nil {
				// the server is still reachable by address
				log.Warn("mDNS advertisement failed", "err", err)
			}
			return nil
		})
	}
	return grp.Wait()
}
