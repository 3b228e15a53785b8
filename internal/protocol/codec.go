package protocol

import (
	"bytes"
	"errors"
	"fmt"
	"io"
)

// Frame layout:
//
//	[1B command id][8B packet number LE][fields...][4B CRC32 LE]
//
// The CRC covers everything from the command id up to the last field.

// Marshal serializes c into a single frame and stores the frame CRC in c.
func Marshal(c Command) ([]byte, error) {
	var buf bytes.Buffer
	hw := NewHashingWriter(&buf)
	fw := &fieldWriter{w: hw}

	hw.StartHashing()
	fw.uint8(uint8(c.ID()))
	fw.uint64(c.header().PacketNumber)
	c.encodeFields(fw)
	crc := hw.StopHashing()
	fw.uint32(crc)

	if fw.err != nil {
		return nil, fmt.Errorf("serialize %s: %w", c.ID(), fw.err)
	}
	c.header().CRC = crc
	return buf.Bytes(), nil
}

// Serialize writes c to w as one frame with a single Write call.
func Serialize(w io.Writer, c Command) error {
	data, err := Marshal(c)
	if err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}

// Deserialize reads exactly one frame from r.
//
// It returns io.EOF when r is empty, ErrNoCommand when the leading byte is
// not a command id, ErrFrameCorrupt on any integrity failure and
// io.ErrUnexpectedEOF when r ends inside the frame.
func Deserialize(r io.Reader) (Command, error) {
	hr := NewHashingReader(r)
	fr := &fieldReader{r: hr}

	hr.StartHashing()

	var id [1]byte
	if _, err := io.ReadFull(hr, id[:]); err != nil {
		return nil, err
	}

	ctor, ok := registry[CommandID(id[0])]
	if !ok {
		return nil, fmt.Errorf("%w: id 0x%02x", ErrNoCommand, id[0])
	}

	c := ctor()
	h := c.header()
	h.PacketNumber = fr.uint64()
	c.decodeFields(fr)

	computed := hr.StopHashing()
	stored := fr.uint32()
	if fr.err != nil {
		return nil, fr.err
	}

	if stored != computed {
		return nil, fmt.Errorf("%w: %s packet %016x crc %08x, computed %08x",
			ErrFrameCorrupt, c.ID(), h.PacketNumber, stored, computed)
	}
	h.CRC = stored

	if v, ok := c.(interface{ verify() error }); ok {
		if err := v.verify(); err != nil {
			return nil, err
		}
	}

	return c, nil
}

// Decode decodes a buffer known to hold exactly one complete frame. Since
// the buffer is complete, truncation and trailing bytes are reported as
// ErrFrameCorrupt. An unknown leading byte still yields ErrNoCommand.
func Decode(data []byte) (Command, error) {
	r := bytes.NewReader(data)

	c, err := Deserialize(r)
	switch {
	case err == nil:
	case errors.Is(err, ErrNoCommand), errors.Is(err, ErrFrameCorrupt):
		return nil, err
	default:
		return nil, fmt.Errorf("%w: %v", ErrFrameCorrupt, err)
	}

	if r.Len() != 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes after %s", ErrFrameCorrupt, r.Len(), c.ID())
	}
	return c, nil
}
