package client

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	apperrors "github.com/vkb0205/SOCKET-Project/internal/errors"
)

// Assemble concatenates the n part files of name in chunk order into
// dir/name. The output is written to a temporary file and renamed into place,
// so running it again over the same parts yields the same file.
func Assemble(dir, name string, n int) error {
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(name)+".assemble-*")
	if err != nil {
		return apperrors.IO("client.Assemble", err)
	}
	defer os.Remove(tmp.Name())

	for i := 0; i < n; i++ {
		if err := appendPart(tmp, PartPath(dir, name, i)); err != nil {
			tmp.Close()
			return err
		}
	}
	if err := tmp.Close(); err != nil {
		return apperrors.IO("client.Assemble", err)
	}
	if err := os.Rename(tmp.Name(), filepath.Join(dir, name)); err != nil {
		return apperrors.IO("client.Assemble", err)
	}
	return nil
}

func appendPart(dst io.Writer, path string) error {
	part, err := os.Open(path)
	if err != nil {
		return apperrors.IO("client.Assemble", fmt.Errorf("missing part: %w", err))
	}
	defer part.Close()
	if _, err := io.Copy(dst, part); err != nil {
		return apperrors.IO("client.Assemble", err)
	}
	return nil
}

// RemoveParts deletes the staged parts of name. Missing parts are ignored.
func RemoveParts(dir, name string, n int) error {
	var errs []error
	for i := 0; i < n; i++ {
		if err := os.Remove(PartPath(dir, name, i)); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
