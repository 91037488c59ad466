package protocol

import (
	"bufio"
	"fmt"
	"strconv"
	"strings"

	apperrors "github.com/vkb0205/SOCKET-Project/internal/errors"
)

type FileDescriptor struct {
	Name string
	Size int64
}

var units = []struct {
	suffix string
	factor int64
}{
	{"GB", 1 << 30},
	{"MB", 1 << 20},
	{"KB", 1 << 10},
}

// FormatSize renders n in the largest unit that divides it exactly, so
// ParseSize(FormatSize(n)) == n.
func FormatSize(n int64) string {
	if n > 0 {
		for _, u := range units {
			if n%u.factor == 0 {
				return strconv.FormatInt(n/u.factor, 10) + u.suffix
			}
		}
	}
	return strconv.FormatInt(n, 10) + "B"
}

// ParseSize accepts a decimal count with an optional B, KB, MB or GB suffix
// (case-insensitive, base 1024).
func ParseSize(s string) (int64, error) {
	up := strings.ToUpper(strings.TrimSpace(s))
	factor := int64(1)
	for _, u := range units {
		if strings.HasSuffix(up, u.suffix) {
			up, factor = strings.TrimSuffix(up, u.suffix), u.factor
			break
		}
	}
	if factor == 1 {
		up = strings.TrimSuffix(up, "B")
	}
	n, err := strconv.ParseInt(strings.TrimSpace(up), 10, 64)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid size %q", s)
	}
	if n > (1<<63-1)/factor {
		return 0, fmt.Errorf("size %q overflows", s)
	}
	return n * factor, nil
}

// FormatFileList renders the LIST reply body, one "<name> <size>" per line.
func FormatFileList(files []FileDescriptor) string {
	var b strings.Builder
	for _, f := range files {
		b.WriteString(f.Name)
		b.WriteByte(' ')
		b.WriteString(FormatSize(f.Size))
		b.WriteByte('\n')
	}
	return b.String()
}

// ParseFileList is the inverse of FormatFileList. Blank lines are skipped.
func ParseFileList(text string) ([]FileDescriptor, error) {
	var files []FileDescriptor
	sc := bufio.NewScanner(strings.NewReader(text))
	for line := 1; sc.Scan(); line++ {
		fields := strings.Fields(sc.Text())
		if len(fields) == 0 {
			continue
		}
		if len(fields) != 2 {
			return nil, apperrors.Malformed("protocol.ParseFileList", fmt.Sprintf("line %d: want \"<name> <size>\"", line))
		}
		size, err := ParseSize(fields[1])
		if err != nil {
			return nil, apperrors.Malformed("protocol.ParseFileList", fmt.Sprintf("line %d: %v", line, err))
		}
		files = append(files, FileDescriptor{Name: fields[0], Size: size})
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return files, nil
}
