package protocol

import (
	"errors"
	"io"
)

var (
	// ErrFrameCorrupt reports a frame whose checksum, payload digest or
	// length fields do not add up. It is never a plain I/O failure.
	ErrFrameCorrupt = errors.New("frame corrupt")

	// ErrNoCommand reports a leading byte that is not a known command id.
	// Readers treat it as the end of the data written so far.
	ErrNoCommand = errors.New("no command")
)

// IsIncomplete reports whether err means the frame was cut short by the end
// of the available data rather than damaged.
func IsIncomplete(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF)
}
