// Package fileaccess abstracts the shared medium a channel runs over: a local
// or mounted directory, an FTP drop folder, or an in-memory store.
package fileaccess

import (
	"context"
	"errors"
	"io/fs"
)

// FileAccess is the minimal set of whole-file operations a channel needs.
// Names are relative to the backend's root. Implementations must be safe for
// concurrent use.
type FileAccess interface {
	// Exists reports whether name is present.
	Exists(ctx context.Context, name string) (bool, error)
	// Delete removes name. Deleting a missing file is not an error.
	Delete(ctx context.Context, name string) error
	// Move renames from to to, replacing any existing to.
	Move(ctx context.Context, from, to string) error
	// ReadAllBytes returns the whole content of name. A missing file yields
	// an error matching fs.ErrNotExist.
	ReadAllBytes(ctx context.Context, name string) ([]byte, error)
	// WriteAllBytes creates or replaces name with data.
	WriteAllBytes(ctx context.Context, name string, data []byte) error
	// GetFileSize returns the size of name in bytes.
	GetFileSize(ctx context.Context, name string) (int64, error)
}

// IsNotExist reports whether err means the file is absent.
func IsNotExist(err error) bool {
	return errors.Is(err, fs.ErrNotExist)
}
