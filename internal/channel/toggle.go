package channel

import (
	"context"
	"encoding/binary"
	"fmt"
	"os"
	"time"
)

// ToggleFlag is a one- or eight-byte little-endian value at a fixed offset
// of a file shared by two processes. Exactly one side writes it and the
// other polls it. Every access reopens the file so that a cached handle
// cannot hide the other side's write.
type ToggleFlag struct {
	path   string
	offset int64
	width  int
}

// NewToggleFlag returns a flag of width 1 or 8 bytes.
func NewToggleFlag(path string, offset int64, width int) *ToggleFlag {
	if width != 8 {
		width = 1
	}
	return &ToggleFlag{path: path, offset: offset, width: width}
}

func (t *ToggleFlag) String() string {
	return fmt.Sprintf("%s@%d", t.path, t.offset)
}

// Set writes v at the flag's offset.
func (t *ToggleFlag) Set(v uint64) error {
	f, err := os.OpenFile(t.path, os.O_WRONLY, 0)
	if err != nil {
		return fmt.Errorf("%w: set flag %s: %v", ErrBackendIO, t, err)
	}
	defer f.Close()

	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, v)
	if _, err := f.WriteAt(buf[:t.width], t.offset); err != nil {
		return fmt.Errorf("%w: set flag %s: %v", ErrBackendIO, t, err)
	}
	return nil
}

// Get reads the current value. A file too short to hold the flag reads as 0.
func (t *ToggleFlag) Get() (uint64, error) {
	f, err := os.Open(t.path)
	if err != nil {
		return 0, fmt.Errorf("%w: get flag %s: %v", ErrBackendIO, t, err)
	}
	defer f.Close()

	buf := make([]byte, 8)
	if n, _ := f.ReadAt(buf[:t.width], t.offset); n < t.width {
		return 0, nil
	}
	return binary.LittleEndian.Uint64(buf), nil
}

// WaitFor polls until the flag equals want. It fails with ErrChannelTimeout
// once timeout elapses.
func (t *ToggleFlag) WaitFor(ctx context.Context, want uint64, timeout, poll time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		v, err := t.Get()
		if err == nil && v == want {
			return nil
		}
		if time.Now().After(deadline) {
			if err != nil {
				return fmt.Errorf("%w: waiting for %s=%d: %v", ErrChannelTimeout, t, want, err)
			}
			return fmt.Errorf("%w: waiting for %s=%d, last %d", ErrChannelTimeout, t, want, v)
		}
		if err := sleepCtx(ctx, poll); err != nil {
			return err
		}
	}
}

// sleepCtx sleeps for d or until ctx is done.
func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
