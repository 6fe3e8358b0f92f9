// Package storage persists generated media to a destination chosen at
// configuration time: a local directory or an S3 bucket. It defines the
// Storage interface (port) and the two implementations.
package storage

import (
	"context"
	"io"
	"strings"
)

// Storage writes one named media object and returns its final location:
// a filesystem path for local storage, a public URL for S3.
type Storage interface {
	Save(ctx context.Context, name string, data io.Reader) (location string, err error)
}

// sanitizeName flattens a caller-supplied object name into a single safe
// path element.
func sanitizeName(name string) string {
	name = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '.', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, name)
	if name == "" || strings.Trim(name, ".") == "" {
		name = "media.bin"
	}
	return name
}
