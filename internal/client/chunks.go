// Package client downloads files from a server in parallel byte-range chunks
// and keeps a local status file in sync with what the server offers.
package client

import (
	"fmt"
	"path/filepath"

	"github.com/vkb0205/SOCKET-Project/internal/protocol"
)

// ChunkTask is one byte range of a file, fetched by its own worker.
type ChunkTask struct {
	FileName string
	ChunkID  int
	Start    int64
	End      int64 // inclusive
}

func (c ChunkTask) Len() int64 { return c.End - c.Start + 1 }

// Request is the DOWNLOAD command for this chunk.
func (c ChunkTask) Request() protocol.Request {
	return protocol.Request{Cmd: protocol.CmdDownload, Name: c.FileName, ChunkID: c.ChunkID, Start: c.Start, End: c.End}
}

// SplitChunks partitions [0, size-1] into n disjoint ranges in order. The
// first n-1 get size/n bytes and the last takes the remainder. Files smaller
// than n bytes get one chunk per byte; an empty file gets none.
func SplitChunks(name string, size int64, n int) []ChunkTask {
	if size <= 0 || n <= 0 {
		return nil
	}
	if int64(n) > size {
		n = int(size)
	}
	per := size / int64(n)
	tasks := make([]ChunkTask, n)
	for i := range tasks {
		start := int64(i) * per
		end := start + per - 1
		if i == n-1 {
			end = size - 1
		}
		tasks[i] = ChunkTask{FileName: name, ChunkID: i, Start: start, End: end}
	}
	return tasks
}

// PartPath is where chunk id of name is staged before assembly.
func PartPath(dir, name string, id int) string {
	return filepath.Join(dir, fmt.Sprintf("%s.part%d", name, id))
}
