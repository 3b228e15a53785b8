package protocol

import (
	"hash"
	"hash/crc32"
	"io"
)

// HashingReader computes a running CRC32 (IEEE) over the bytes read between
// StartHashing and StopHashing. Bytes read outside that window pass through
// untouched.
type HashingReader struct {
	r       io.Reader
	crc     hash.Hash32
	hashing bool
	n       int64
}

func NewHashingReader(r io.Reader) *HashingReader {
	return &HashingReader{r: r, crc: crc32.NewIEEE()}
}

// StartHashing resets the checksum and begins a new window.
func (h *HashingReader) StartHashing() {
	h.crc.Reset()
	h.hashing = true
}

// StopHashing closes the window and returns its checksum.
func (h *HashingReader) StopHashing() uint32 {
	h.hashing = false
	return h.crc.Sum32()
}

// BytesRead reports the total number of bytes read so far.
func (h *HashingReader) BytesRead() int64 { return h.n }

func (h *HashingReader) Read(p []byte) (int, error) {
	n, err := h.r.Read(p)
	if n > 0 {
		h.n += int64(n)
		if h.hashing {
			h.crc.Write(p[:n])
		}
	}
	return n, err
}

// HashingWriter is the write-side counterpart of HashingReader.
type HashingWriter struct {
	w       io.Writer
	crc     hash.Hash32
	hashing bool
}

func NewHashingWriter(w io.Writer) *HashingWriter {
	return &HashingWriter{w: w, crc: crc32.NewIEEE()}
}

func (h *HashingWriter) StartHashing() {
	h.crc.Reset()
	h.hashing = true
}

func (h *HashingWriter) StopHashing() uint32 {
	h.hashing = false
	return h.crc.Sum32()
}

func (h *HashingWriter) Write(p []byte) (int, error) {
	n, err := h.w.Write(p)
	if n > 0 && h.hashing {
		h.crc.Write(p[:n])
	}
	return n, err
}
