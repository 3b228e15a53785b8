package fileaccess

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
)

// Local serves files from a directory on the local filesystem, which may be
// a mounted network share.
type Local struct {
	root string
}

func NewLocal(root string) *Local {
	return &Local{root: root}
}

// Path returns the absolute location of name under the root.
func (l *Local) Path(name string) string {
	return filepath.Join(l.root, filepath.FromSlash(name))
}

func (l *Local) Exists(ctx context.Context, name string) (bool, error) {
	_, err := os.Stat(l.Path(name))
	switch {
	case err == nil:
		return true, nil
	case os.IsNotExist(err):
		return false, nil
	default:
		return false, err
	}
}

func (l *Local) Delete(ctx context.Context, name string) error {
	err := os.Remove(l.Path(name))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func (l *Local) Move(ctx context.Context, from, to string) error {
	dst := l.Path(to)
	if runtime.GOOS == "windows" {
		// Rename does not replace an existing target there.
		if err := os.Remove(dst); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("replace %s: %w", to, err)
		}
	}
	return os.Rename(l.Path(from), dst)
}

func (l *Local) ReadAllBytes(ctx context.Context, name string) ([]byte, error) {
	return os.ReadFile(l.Path(name))
}

func (l *Local) WriteAllBytes(ctx context.Context, name string, data []byte) error {
	return os.WriteFile(l.Path(name), data, 0o644)
}

func (l *Local) GetFileSize(ctx context.Context, name string) (int64, error) {
	info, err := os.Stat(l.Path(name))
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}
