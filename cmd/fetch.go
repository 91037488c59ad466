package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/vkb0205/SOCKET-Project/internal/client"
	"github.com/vkb0205/SOCKET-Project/internal/config"
	apperrors "github.com/vkb0205/SOCKET-Project/internal/errors"
	"github.com/vkb0205/SOCKET-Project/internal/protocol"
)

func newFetchCmd(g *globalOptions) *cobra.Command {
	cfg := config.DefaultClient()
	cmd := &cobra.Command{
		Use:   "fetch",
		Short: "Keep the status file in sync with the server and download queued files",
		Long: "fetch polls the server's file list into the status file. Names written below\n" +
			"the \"Enter the files you want to download:\" line are downloaded once each.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			f, err := dial(ctx, g, cfg)
			if err != nil {
				return err
			}
			defer f.Close()
			coord := client.NewCoordinator(f, cfg.DownloadDir, cfg.Chunks, reporter(cmd.ErrOrStderr(), g), g.log)
			return client.NewPoller(f, coord, cfg.StatusFile, cfg.PollInterval, g.log).Run(ctx)
		},
	}
	fs := cmd.Flags()
	bindClient(fs, &cfg)
	fs.StringVar(&cfg.StatusFile, "status-file", cfg.StatusFile, "status file shared with the user")
	fs.DurationVar(&cfg.PollInterval, "interval", cfg.PollInterval, "time between LIST polls")
	return cmd
}

func newGetCmd(g *globalOptions) *cobra.Command {
	cfg := config.DefaultClient()
	cmd := &cobra.Command{
		Use:   "get <file>...",
		Short: "Download the named files once",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			f, err := dial(ctx, g, cfg)
			if err != nil {
				return err
			}
			defer f.Close()
			defer quit(f)

			files, err := f.List(ctx)
			if err != nil {
				return err
			}
			coord := client.NewCoordinator(f, cfg.DownloadDir, cfg.Chunks, reporter(cmd.ErrOrStderr(), g), g.log)
			for _, name := range args {
				fd, ok := find(files, name)
				if !ok {
					return apperrors.FileNotFound("get", name)
				}
				if err := coord.Download(ctx, fd); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", fd.Name, protocol.FormatSize(fd.Size))
			}
			return nil
		},
	}
	bindClient(cmd.Flags(), &cfg)
	return cmd
}

func newListCmd(g *globalOptions) *cobra.Command {
	cfg := config.DefaultClient()
	cmd := &cobra.Command{
		Use:   "list",
		Short: "Print the files the server offers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			f, err := dial(ctx, g, cfg)
			if err != nil {
				return err
			}
			defer f.Close()
			defer quit(f)

			files, err := f.List(ctx)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tSIZE")
			for _, fd := range files {
				fmt.Fprintf(w, "%s\t%s\n", fd.Name, protocol.FormatSize(fd.Size))
			}
			return w.Flush()
		},
	}
	bindClient(cmd.Flags(), &cfg)
	return cmd
}

// reporter draws progress bars on terminals and falls back to log lines.
func reporter(out io.Writer, g *globalOptions) client.Reporter {
	if f, ok := out.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		return client.NewBarReporter(out, g.log)
	}
	return client.NewLogReporter(g.log)
}

func quit(f client.Fetcher) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = f.Quit(ctx)
}

func find(files []protocol.FileDescriptor, name string) (protocol.FileDescriptor, bool) {
	for _, fd := range files {
		if fd.Name == name {
			return fd, true
		}
	}
	return protocol.FileDescriptor{}, false
}
