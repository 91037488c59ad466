package client

import (
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/schollz/progressbar/v3"

	"github.com/vkb0205/SOCKET-Project/internal/protocol"
	"github.com/vkb0205/SOCKET-Project/internal/store"
)

//go:generate mockgen -destination=mock_reporter_test.go -package=client . Reporter

// Reporter renders download progress. Update receives one snapshot per chunk
// in chunk order.
type Reporter interface {
	Start(fd protocol.FileDescriptor, tasks []ChunkTask)
	Update(chunks []store.Transfer)
	Finish(fd protocol.FileDescriptor, err error)
}

// BarReporter draws an aggregate progress bar whose description carries the
// per-chunk percentages.
type BarReporter struct {
	out io.Writer
	log *slog.Logger
	bar *progressbar.ProgressBar
}

func NewBarReporter(out io.Writer, log *slog.Logger) *BarReporter {
	if log == nil {
		log = slog.Default()
	}
	return &BarReporter{out: out, log: log}
}

func (r *BarReporter) Start(fd protocol.FileDescriptor, tasks []ChunkTask) {
	r.bar = progressbar.NewOptions64(fd.Size,
		progressbar.OptionSetWriter(r.out),
		progressbar.OptionSetDescription(fd.Name),
		progressbar.OptionShowBytes(true),
		progressbar.OptionSetWidth(30),
		progressbar.OptionThrottle(100*time.Millisecond),
		progressbar.OptionOnCompletion(func() { fmt.Fprintln(r.out) }),
	)
	r.log.Info("download started", "file", fd.Name, "size", protocol.FormatSize(fd.Size), "chunks", len(tasks))
}

func (r *BarReporter) Update(chunks []store.Transfer) {
	if r.bar == nil {
		return
	}
	var total int64
	parts := make([]string, 0, len(chunks))
	name := ""
	for _, c := range chunks {
		total += c.BytesTransferred
		name = c.Info.FileName
		parts = append(parts, fmt.Sprintf("%d:%3.0f%%", c.Info.ChunkID, c.Progress()))
	}
	r.bar.Describe(fmt.Sprintf("%s [%s]", name, strings.Join(parts, " ")))
	r.bar.Set64(total)
}

func (r *BarReporter) Finish(fd protocol.FileDescriptor, err error) {
	if r.bar != nil {
		if err == nil {
			r.bar.Finish()
		} else {
			r.bar.Exit()
		}
		r.bar = nil
	}
	if err != nil {
		r.log.Warn("download failed", "file", fd.Name, "err", err)
		return
	}
	r.log.Info("download completed", "file", fd.Name)
}

// LogReporter reports through the logger only, for non-interactive runs.
type LogReporter struct {
	log *slog.Logger
}

func NewLogReporter(log *slog.Logger) *LogReporter {
	if log == nil {
		log = slog.Default()
	}
	return &LogReporter{log: log}
}

func (r *LogReporter) Start(fd protocol.FileDescriptor, tasks []ChunkTask) {
	r.log.Info("download started", "file", fd.Name, "size", protocol.FormatSize(fd.Size), "chunks", len(tasks))
}

func (r *LogReporter) Update(chunks []store.Transfer) {
	for _, c := range chunks {
		r.log.Debug("progress", "file", c.Info.FileName, "chunk", c.Info.ChunkID, "percent", fmt.Sprintf("%.1f", c.Progress()))
	}
}

func (r *LogReporter) Finish(fd protocol.FileDescriptor, err error) {
	if err != nil {
		r.log.Warn("download failed", "file", fd.Name, "err", err)
		return
	}
	r.log.Info("download completed", "file", fd.Name)
}
