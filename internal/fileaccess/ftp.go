package fileaccess

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/textproto"
	"path"
	"sync"
	"time"

	"github.com/jlaffaye/ftp"
)

// FTPConfig describes how to reach an FTP drop folder.
type FTPConfig struct {
	Addr     string // host:port
	User     string
	Password string
	Dir      string // remote directory holding the channel files
	Timeout  time.Duration
}

// FTP talks to an FTP server over one control connection. The client library
// is not reentrant, so every call holds mu. A failed connection is dropped
// and redialed on the next call.
type FTP struct {
	cfg FTPConfig

	mu   sync.Mutex
	conn *ftp.ServerConn
}

func NewFTP(cfg FTPConfig) *FTP {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &FTP{cfg: cfg}
}

// Close ends the control connection if one is open.
func (f *FTP) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.conn == nil {
		return nil
	}
	err := f.conn.Quit()
	f.conn = nil
	return err
}

func (f *FTP) remote(name string) string {
	return path.Join(f.cfg.Dir, name)
}

// do runs fn on a live connection, dialing first when needed.
func (f *FTP) do(ctx context.Context, fn func(c *ftp.ServerConn) error) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.conn == nil {
		c, err := ftp.Dial(f.cfg.Addr, ftp.DialWithContext(ctx), ftp.DialWithTimeout(f.cfg.Timeout))
		if err != nil {
			return fmt.Errorf("ftp dial %s: %w", f.cfg.Addr, err)
		}
		if err := c.Login(f.cfg.User, f.cfg.Password); err != nil {
			c.Quit()
			return fmt.Errorf("ftp login %s: %w", f.cfg.User, err)
		}
		f.conn = c
	}

	err := fn(f.conn)
	if err != nil && !isUnavailable(err) {
		// Anything but a per-file refusal may have left the control
		// connection in an unknown state.
		f.conn.Quit()
		f.conn = nil
	}
	return err
}

// isUnavailable reports a 550 reply, which servers use for missing files.
func isUnavailable(err error) bool {
	var te *textproto.Error
	return errors.As(err, &te) && te.Code == ftp.StatusFileUnavailable
}

func wrapMissing(op, name string, err error) error {
	if isUnavailable(err) {
		return fmt.Errorf("ftp %s %s: %w", op, name, notExist(op, name))
	}
	return err
}

func (f *FTP) Exists(ctx context.Context, name string) (bool, error) {
	var exists bool
	err := f.do(ctx, func(c *ftp.ServerConn) error {
		_, err := c.FileSize(f.remote(name))
		if err == nil {
			exists = true
		}
		return err
	})
	if isUnavailable(err) {
		return false, nil
	}
	return exists, err
}

func (f *FTP) Delete(ctx context.Context, name string) error {
	err := f.do(ctx, func(c *ftp.ServerConn) error {
		return c.Delete(f.remote(name))
	})
	if isUnavailable(err) {
		return nil
	}
	return err
}

func (f *FTP) Move(ctx context.Context, from, to string) error {
	err := f.do(ctx, func(c *ftp.ServerConn) error {
		if err := c.Delete(f.remote(to)); err != nil && !isUnavailable(err) {
			return err
		}
		return c.Rename(f.remote(from), f.remote(to))
	})
	return wrapMissing("move", from, err)
}

func (f *FTP) ReadAllBytes(ctx context.Context, name string) ([]byte, error) {
	var data []byte
	err := f.do(ctx, func(c *ftp.ServerConn) error {
		resp, err := c.Retr(f.remote(name))
		if err != nil {
			return err
		}
		defer resp.Close()
		if deadline, ok := ctx.Deadline(); ok {
			resp.SetDeadline(deadline)
		}
		data, err = io.ReadAll(resp)
		return err
	})
	return data, wrapMissing("read", name, err)
}

func (f *FTP) WriteAllBytes(ctx context.Context, name string, data []byte) error {
	return f.do(ctx, func(c *ftp.ServerConn) error {
		return c.Stor(f.remote(name), bytes.NewReader(data))
	})
}

func (f *FTP) GetFileSize(ctx context.Context, name string) (int64, error) {
	var size int64
	err := f.do(ctx, func(c *ftp.ServerConn) error {
		var err error
		size, err = c.FileSize(f.remote(name))
		return err
	})
	return size, wrapMissing("stat", name, err)
}
