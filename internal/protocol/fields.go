package protocol

import (
	"encoding/binary"
	"fmt"
	"io"
)

// MaxFieldSize bounds any length prefix read from the wire. A larger value
// can only come from a damaged frame.
const MaxFieldSize = 64 * 1024 * 1024

// fieldWriter writes little-endian fields and keeps the first error.
type fieldWriter struct {
	w   io.Writer
	err error
	buf [binary.MaxVarintLen64]byte
}

func (w *fieldWriter) write(p []byte) {
	if w.err != nil {
		return
	}
	_, w.err = w.w.Write(p)
}

func (w *fieldWriter) uint8(v uint8) {
	w.buf[0] = v
	w.write(w.buf[:1])
}

func (w *fieldWriter) int32(v int32) {
	binary.LittleEndian.PutUint32(w.buf[:4], uint32(v))
	w.write(w.buf[:4])
}

func (w *fieldWriter) uint32(v uint32) {
	binary.LittleEndian.PutUint32(w.buf[:4], v)
	w.write(w.buf[:4])
}

func (w *fieldWriter) uint64(v uint64) {
	binary.LittleEndian.PutUint64(w.buf[:8], v)
	w.write(w.buf[:8])
}

// string writes a 7-bit varint length followed by the UTF-8 bytes.
func (w *fieldWriter) string(s string) {
	n := binary.PutUvarint(w.buf[:], uint64(len(s)))
	w.write(w.buf[:n])
	w.write([]byte(s))
}

// bytes writes an int32 length followed by the raw bytes.
func (w *fieldWriter) bytes(p []byte) {
	w.int32(int32(len(p)))
	w.write(p)
}

// fieldReader mirrors fieldWriter. Once an error is recorded every further
// read returns a zero value.
type fieldReader struct {
	r   io.Reader
	err error
	buf [8]byte
}

func (r *fieldReader) fail(err error) {
	if r.err == nil {
		r.err = err
	}
}

func (r *fieldReader) read(p []byte) bool {
	if r.err != nil {
		return false
	}
	if _, err := io.ReadFull(r.r, p); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		r.err = err
		return false
	}
	return true
}

func (r *fieldReader) uint8() uint8 {
	if !r.read(r.buf[:1]) {
		return 0
	}
	return r.buf[0]
}

func (r *fieldReader) int32() int32 {
	return int32(r.uint32())
}

func (r *fieldReader) uint32() uint32 {
	if !r.read(r.buf[:4]) {
		return 0
	}
	return binary.LittleEndian.Uint32(r.buf[:4])
}

func (r *fieldReader) uint64() uint64 {
	if !r.read(r.buf[:8]) {
		return 0
	}
	return binary.LittleEndian.Uint64(r.buf[:8])
}

func (r *fieldReader) uvarint() uint64 {
	var x uint64
	var s uint
	for i := 0; i < binary.MaxVarintLen64; i++ {
		b := r.uint8()
		if r.err != nil {
			return 0
		}
		if b < 0x80 {
			return x | uint64(b)<<s
		}
		x |= uint64(b&0x7f) << s
		s += 7
	}
	r.fail(fmt.Errorf("%w: varint overflow", ErrFrameCorrupt))
	return 0
}

func (r *fieldReader) string() string {
	n := r.uvarint()
	if r.err != nil {
		return ""
	}
	if n > MaxFieldSize {
		r.fail(fmt.Errorf("%w: string length %d", ErrFrameCorrupt, n))
		return ""
	}
	p := make([]byte, n)
	if !r.read(p) {
		return ""
	}
	return string(p)
}

func (r *fieldReader) bytes() []byte {
	n := r.int32()
	if r.err != nil {
		return nil
	}
	if n < 0 || n > MaxFieldSize {
		r.fail(fmt.Errorf("%w: payload length %d", ErrFrameCorrupt, n))
		return nil
	}
	p := make([]byte, n)
	if !r.read(p) {
		return nil
	}
	return p
}
