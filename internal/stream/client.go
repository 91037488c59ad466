package stream

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/quic-go/quic-go"

	apperrors "github.com/vkb0205/SOCKET-Project/internal/errors"
	"github.com/vkb0205/SOCKET-Project/internal/protocol"
)

// Client is one QUIC connection to a server. Every request opens its own
// stream, so chunk downloads run in parallel over the one connection.
type Client struct {
	conn quic.Connection
	log  *slog.Logger
}

func Dial(ctx context.Context, addr string, log *slog.Logger) (*Client, error) {
	if log == nil {
		log = slog.Default()
	}
	conn, err := quic.DialAddr(ctx, addr, clientTLSConfig(), quicConfig())
	if err != nil {
		return nil, apperrors.SocketFatal("stream.dial", err)
	}
	log = log.With("component", "stream-client", "server", addr)
	log.Debug("connected")
	return &Client{conn: conn, log: log}, nil
}

// exchange sends one request line and returns a reader over the reply. The
// returned release must be called once the reply has been consumed.
func (c *Client) exchange(ctx context.Context, req protocol.Request) (*bufio.Reader, func(), error) {
	str, err := c.conn.OpenStreamSync(ctx)
	if err != nil {
		return nil, nil, apperrors.SocketFatal("stream.open", err)
	}
	stop := context.AfterFunc(ctx, func() {
		str.CancelRead(0)
		str.CancelWrite(0)
	})
	release := func() {
		stop()
		str.CancelRead(0)
	}
	if _, err := io.WriteString(str, req.String()+"\n"); err != nil {
		release()
		return nil, nil, apperrors.SocketFatal("stream.write", err)
	}
	// closing the send side tells the server the request is complete
	if err := str.Close(); err != nil {
		release()
		return nil, nil, apperrors.SocketFatal("stream.write", err)
	}
	return bufio.NewReader(str), release, nil
}

// readErr prefers the context's error when cancellation caused the failure.
func readErr(ctx context.Context, source string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	return apperrors.IO(source, err)
}

func (c *Client) List(ctx context.Context) ([]protocol.FileDescriptor, error) {
	r, release, err := c.exchange(ctx, protocol.Request{Cmd: protocol.CmdList})
	if err != nil {
		return nil, err
	}
	defer release()
	body, err := io.ReadAll(r)
	if err != nil {
		return nil, readErr(ctx, "stream.List", err)
	}
	if protocol.IsStatus(string(body)) {
		return nil, protocol.StatusError("stream.List", string(body))
	}
	return protocol.ParseFileList(string(body))
}

func (c *Client) FetchChunk(ctx context.Context, req protocol.Request, w io.Writer, progress func(n int)) error {
	r, release, err := c.exchange(ctx, req)
	if err != nil {
		return err
	}
	defer release()

	header, err := r.ReadString('\n')
	if err != nil {
		return readErr(ctx, "stream.FetchChunk", err)
	}
	n, ok := protocol.ParseOK(header)
	if !ok {
		return protocol.StatusError("stream.FetchChunk", header)
	}
	if n != req.Len() {
		return apperrors.IO("stream.FetchChunk", fmt.Errorf("server offers %d bytes, want %d", n, req.Len()))
	}

	buf := make([]byte, 64<<10)
	var got int64
	for got < n {
		k, err := r.Read(buf[:min(int64(len(buf)), n-got)])
		if k > 0 {
			if _, werr := w.Write(buf[:k]); werr != nil {
				return apperrors.IO("stream.FetchChunk", werr)
			}
			got += int64(k)
			if progress != nil {
				progress(k)
			}
		}
		if err != nil {
			if err == io.EOF && got == n {
				break
			}
			return readErr(ctx, "stream.FetchChunk", fmt.Errorf("after %d of %d bytes: %w", got, n, err))
		}
	}
	c.log.Debug("chunk received", "file", req.Name, "chunk", req.ChunkID, "bytes", got)
	return nil
}

// Heartbeat sends DOWNLOADING and checks the server's answer.
func (c *Client) Heartbeat(ctx context.Context) error {
	return c.expect(ctx, protocol.CmdDownloading, protocol.StatusDownloading)
}

func (c *Client) Quit(ctx context.Context) error {
	return c.expect(ctx, protocol.CmdQuit, protocol.StatusClosed)
}

func (c *Client) expect(ctx context.Context, cmd protocol.Command, want string) error {
	r, release, err := c.exchange(ctx, protocol.Request{Cmd: cmd})
	if err != nil {
		return err
	}
	defer release()
	line, err := r.ReadString('\n')
	if err != nil && line == "" {
		return readErr(ctx, "stream."+strings.ToLower(string(cmd)), err)
	}
	if got := strings.TrimSpace(line); got != want {
		return fmt.Errorf("unexpected %s reply %q", cmd, got)
	}
	return nil
}

func (c *Client) Close() error {
	return c.conn.CloseWithError(0, "connection closed")
}
