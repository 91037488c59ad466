// Package cmd wires the command line onto the server and client packages.
package cmd

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/vkb0205/SOCKET-Project/internal/config"
)

const version = "0.2.0"

type globalOptions struct {
	logLevel  string
	logFormat string
	log       *slog.Logger
}

// Execute runs the CLI until ctx is cancelled or the command finishes.
func Execute(ctx context.Context) error {
	return newRootCmd(os.Stdout, os.Stderr).ExecuteContext(ctx)
}

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	g := &globalOptions{}
	root := &cobra.Command{
		Use:           "socketshare",
		Short:         "Chunked parallel file distribution over UDP or QUIC",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			log, err := newLogger(stderr, g.logLevel, g.logFormat)
			if err != nil {
				return err
			}
			g.log = log
			slog.SetDefault(log)
			return nil
		},
	}
	root.SetOut(stdout)
	root.SetErr(stderr)
	root.PersistentFlags().StringVar(&g.logLevel, "log-level", "info", "log level: debug, info, warn or error")
	root.PersistentFlags().StringVar(&g.logFormat, "log-format", "text", "log format: text or json")

	root.AddCommand(
		newServeCmd(g),
		newFetchCmd(g),
		newGetCmd(g),
		newListCmd(g),
	)
	return root
}

func newLogger(w io.Writer, level, format string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid --log-level %q", level)
	}
	opts := &slog.HandlerOptions{Level: lvl}
	switch strings.ToLower(format) {
	case "text":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	}
	return nil, fmt.Errorf("invalid --log-format %q", format)
}

// bindTransport registers the reliable transport flags shared by every command.
func bindTransport(fs *pflag.FlagSet, t *config.Transport) {
	fs.StringVar(&t.Mode, "mode", t.Mode, "ARQ mode: gbn (Go-Back-N) or saw (stop-and-wait)")
	fs.StringVar(&t.Checksum, "checksum", t.Checksum, "packet checksum: sum8 or crc32")
	fs.DurationVar(&t.Timeout, "timeout", t.Timeout, "initial retransmission timeout")
	fs.IntVar(&t.MaxRetries, "retries", t.MaxRetries, "retransmissions without progress before giving up")
	fs.IntVar(&t.Window, "window", t.Window, "Go-Back-N window size in packets")
	fs.IntVar(&t.FragmentSize, "fragment", t.FragmentSize, "payload bytes per packet")
	fs.Float64Var(&t.Loss, "loss", 0, "simulated outgoing packet loss rate")
	fs.Float64Var(&t.Duplicate, "dup", 0, "simulated outgoing packet duplication rate")
	fs.Float64Var(&t.Corrupt, "corrupt", 0, "simulated outgoing packet corruption rate")
	fs.Uint64Var(&t.Seed, "seed", 0, "fault simulation seed, 0 for time based")
}
