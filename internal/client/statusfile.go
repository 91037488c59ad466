package client

import (
	"bufio"
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"

	apperrors "github.com/vkb0205/SOCKET-Project/internal/errors"
	"github.com/vkb0205/SOCKET-Project/internal/protocol"
)

const (
	statusDelimiter = "---------------------------------------"
	statusPrompt    = "Enter the files you want to download:"
)

// StatusFile is the client's shared notebook with its user: the server's file
// list on top, then the names the user wants downloaded.
type StatusFile struct {
	Available []protocol.FileDescriptor
	Queued    []string
}

// ReadStatusFile parses path. A missing file reads as empty.
func ReadStatusFile(path string) (StatusFile, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return StatusFile{}, nil
	}
	if err != nil {
		return StatusFile{}, apperrors.IO("client.ReadStatusFile", err)
	}
	return ParseStatusFile(data)
}

func ParseStatusFile(data []byte) (StatusFile, error) {
	var sf StatusFile
	var list strings.Builder
	inQueue := false
	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		switch {
		case line == statusDelimiter:
			inQueue = true
		case line == statusPrompt || line == "":
		case inQueue:
			sf.Queued = append(sf.Queued, line)
		default:
			list.WriteString(line)
			list.WriteByte('\n')
		}
	}
	if err := sc.Err(); err != nil {
		return StatusFile{}, apperrors.IO("client.ParseStatusFile", err)
	}
	avail, err := protocol.ParseFileList(list.String())
	if err != nil {
		return StatusFile{}, err
	}
	sf.Available = avail
	return sf, nil
}

func (sf StatusFile) Bytes() []byte {
	var b bytes.Buffer
	b.WriteString(protocol.FormatFileList(sf.Available))
	b.WriteString(statusDelimiter + "\n")
	b.WriteString(statusPrompt + "\n")
	for _, name := range sf.Queued {
		b.WriteString(name + "\n")
	}
	return b.Bytes()
}

// Write replaces path atomically so a concurrent reader never sees half a file.
func (sf StatusFile) Write(path string) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return apperrors.IO("client.WriteStatusFile", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(sf.Bytes()); err != nil {
		tmp.Close()
		return apperrors.IO("client.WriteStatusFile", err)
	}
	if err := tmp.Close(); err != nil {
		return apperrors.IO("client.WriteStatusFile", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return apperrors.IO("client.WriteStatusFile", err)
	}
	return nil
}

// Merge adds files not already listed, keeping the existing order.
func (sf *StatusFile) Merge(files []protocol.FileDescriptor) (added int) {
	seen := make(map[string]int, len(sf.Available))
	for i, f := range sf.Available {
		seen[f.Name] = i
	}
	for _, f := range files {
		if i, ok := seen[f.Name]; ok {
			sf.Available[i].Size = f.Size
			continue
		}
		seen[f.Name] = len(sf.Available)
		sf.Available = append(sf.Available, f)
		added++
	}
	return added
}

func (sf StatusFile) Lookup(name string) (protocol.FileDescriptor, bool) {
	for _, f := range sf.Available {
		if f.Name == name {
			return f, true
		}
	}
	return protocol.FileDescriptor{}, false
}
