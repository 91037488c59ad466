// Package protocol defines the text command protocol spoken between client and
// server: requests, status replies and the file list format.
package protocol

import (
	"fmt"
	"strconv"
	"strings"

	apperrors "github.com/vkb0205/SOCKET-Project/internal/errors"
)

type Command string

const (
	CmdList        Command = "LIST"
	CmdDownload    Command = "DOWNLOAD"
	CmdDownloading Command = "DOWNLOADING"
	CmdQuit        Command = "QUIT"
)

// Status replies. They are sent in place of a payload.
const (
	StatusFileNotFound = "File not found"
	StatusDownloading  = "Downloading in progress"
	StatusClosed       = "Connection closed"
	StatusInvalid      = "Invalid request"
	StatusReadError    = "Error reading file"
	// StatusTooLarge answers a stop-and-wait request whose reply does not
	// fit in one packet.
	StatusTooLarge = "Reply too large"

	// okPrefix opens a stop-and-wait download stream: "OK <bytes>".
	okPrefix = "OK "
)

type Request struct {
	Cmd     Command
	Name    string
	ChunkID int
	Start   int64
	End     int64 // inclusive
}

// Len is the number of bytes a DOWNLOAD asks for.
func (r Request) Len() int64 { return r.End - r.Start + 1 }

func (r Request) String() string {
	if r.Cmd == CmdDownload {
		return fmt.Sprintf("%s %s %d %d %d", r.Cmd, r.Name, r.ChunkID, r.Start, r.End)
	}
	return string(r.Cmd)
}

// ParseRequest parses one request line. Any deviation from the grammar is a
// MalformedRequest error.
func ParseRequest(line string) (Request, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return Request{}, apperrors.Malformed("protocol.ParseRequest", "empty request")
	}
	switch cmd := Command(fields[0]); cmd {
	case CmdList, CmdDownloading, CmdQuit:
		if len(fields) != 1 {
			return Request{}, apperrors.Malformed("protocol.ParseRequest", fmt.Sprintf("%s takes no arguments", cmd))
		}
		return Request{Cmd: cmd}, nil
	case CmdDownload:
		if len(fields) != 5 {
			return Request{}, apperrors.Malformed("protocol.ParseRequest", "usage: DOWNLOAD <name> <chunk> <start> <end>")
		}
		id, err := strconv.Atoi(fields[2])
		if err != nil || id < 0 {
			return Request{}, apperrors.Malformed("protocol.ParseRequest", fmt.Sprintf("bad chunk id %q", fields[2]))
		}
		start, err := strconv.ParseInt(fields[3], 10, 64)
		if err != nil || start < 0 {
			return Request{}, apperrors.Malformed("protocol.ParseRequest", fmt.Sprintf("bad start offset %q", fields[3]))
		}
		end, err := strconv.ParseInt(fields[4], 10, 64)
		if err != nil || end < 0 {
			return Request{}, apperrors.Malformed("protocol.ParseRequest", fmt.Sprintf("bad end offset %q", fields[4]))
		}
		return Request{Cmd: cmd, Name: fields[1], ChunkID: id, Start: start, End: end}, nil
	default:
		return Request{}, apperrors.Malformed("protocol.ParseRequest", fmt.Sprintf("unknown command %q", fields[0]))
	}
}

// IsStatus reports whether text is one of the fixed status replies.
func IsStatus(text string) bool {
	switch strings.TrimSpace(text) {
	case StatusFileNotFound, StatusDownloading, StatusClosed, StatusInvalid, StatusReadError, StatusTooLarge:
		return true
	}
	return false
}

// StatusError turns a status reply received in place of data into an error of
// the matching kind.
func StatusError(source, text string) error {
	text = strings.TrimSpace(text)
	switch text {
	case StatusFileNotFound:
		return apperrors.NewError(apperrors.KindFileNotFound, source, text, nil)
	case StatusReadError, StatusTooLarge:
		return apperrors.NewError(apperrors.KindIOError, source, text, nil)
	default:
		return apperrors.NewError(apperrors.KindMalformedRequest, source, text, nil)
	}
}

func FormatOK(n int64) string { return fmt.Sprintf("%s%d", okPrefix, n) }

// ParseOK reads the byte count out of an "OK <n>" line. ok is false for any
// other text, which is then a status reply.
func ParseOK(text string) (n int64, ok bool) {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, okPrefix) {
		return 0, false
	}
	n, err := strconv.ParseInt(strings.TrimPrefix(text, okPrefix), 10, 64)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}
