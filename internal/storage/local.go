package storage

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// Local stores media files in a directory on disk.
type Local struct {
	dir string
}

// NewLocal creates a Local storage rooted at dir, creating the directory
// if needed. An empty dir defaults to "output" under the working directory.
func NewLocal(dir string) (*Local, error) {
	if dir == "" {
		dir = "output"
	}
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("create output directory: %w", err)
	}
	return &Local{dir: dir}, nil
}

// Dir returns the output directory path.
func (l *Local) Dir() string { return l.dir }

// Save writes the object to the output directory. An existing file with the
// same name is never overwritten; a numbered variant is used instead.
func (l *Local) Save(ctx context.Context, name string, data io.Reader) (string, error) {
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	default:
	}

	path := l.uniquePath(sanitizeName(name))
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0640) // #nosec G304 - path is rooted in l.dir
	if err != nil {
		return "", fmt.Errorf("create output file: %w", err)
	}

	if _, err := io.Copy(f, data); err != nil {
		_ = f.Close()
		_ = os.Remove(path)
		return "", fmt.Errorf("write output file: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(path)
		return "", fmt.Errorf("close output file: %w", err)
	}
	return path, nil
}

func (l *Local) uniquePath(name string) string {
	path := filepath.Join(l.dir, name)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return path
	}

	ext := filepath.Ext(name)
	stem := name[:len(name)-len(ext)]
	for i := 1; ; i++ {
		path = filepath.Join(l.dir, fmt.Sprintf("%s-%d%s", stem, i, ext))
		if _, err := os.Stat(path); os.IsNotExist(err) {
			return path
		}
	}
}

var _ Storage = (*Local)(nil)
