package channel

import "errors"

var (
	// ErrChannelTimeout reports a blocking wait that exceeded the tunnel
	// timeout. The owning pump restarts.
	ErrChannelTimeout = errors.New("channel timeout")

	// ErrBackendIO wraps a failure of the underlying filesystem, FTP server
	// or relay. The owning pump retries after a delay.
	ErrBackendIO = errors.New("backend i/o")

	// ErrProtocolViolation reports a well-formed frame or file state that is
	// inconsistent with the purge handshake.
	ErrProtocolViolation = errors.New("protocol violation")

	// ErrStreamClosed is returned by operations on a closed stream.
	ErrStreamClosed = errors.New("stream closed")

	// ErrChannelStopped is returned once Run has exited.
	ErrChannelStopped = errors.New("channel stopped")
)
