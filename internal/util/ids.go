// Package util provides shared utility functions.
package util

import (
	"crypto/rand"
	"encoding/binary"
)

// RandomUint64 returns a uniformly random 64-bit value. It is used for frame
// packet numbers, which only need to be unique, not ordered.
func RandomUint64() uint64 {
	var b [8]byte
	_, _ = rand.Read(b[:])
	return binary.LittleEndian.Uint64(b[:])
}

// NewSessionID returns a random non-zero session id. Zero is reserved for a
// freshly truncated or not yet initialized channel file.
func NewSessionID() int64 {
	for {
		if id := int64(RandomUint64()); id != 0 {
			return id
		}
	}
}

// RandomConnectionID returns a random positive 31-bit connection id. The
// caller checks it against the ids currently open.
func RandomConnectionID() int32 {
	for {
		if id := int32(RandomUint64() & 0x7fffffff); id != 0 {
			return id
		}
	}
}
