package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"reflect"
	"strings"
	"testing"
)

// chunkSize mirrors the largest Forward payload the channel emits.
const chunkSize = 64 * 1024

func makePayload(size int, seed byte) []byte {
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i%251) ^ seed
	}
	return data
}

// TestSerializeDeserializeRoundTrip verifies that every command type survives
// a round trip field for field, including payloads around the chunk size.
func TestSerializeDeserializeRoundTrip(t *testing.T) {
	testCases := []struct {
		name string
		cmd  Command
	}{
		{"Connect", &Connect{Header: Header{PacketNumber: 0x0102030405060708}, ConnectionID: 7, Destination: "tcp://host:80"}},
		{"Connect with empty destination", &Connect{Header: Header{PacketNumber: 1}, ConnectionID: -1}},
		{"CreateListener", &CreateListener{Header: Header{PacketNumber: 99}, Protocol: "udp", ForwardSpec: "0.0.0.0:5353=10.0.0.1:53"}},
		{"Purge", &Purge{Header: Header{PacketNumber: 12345}}},
		{"TearDown", &TearDown{Header: Header{PacketNumber: ^uint64(0)}, ConnectionID: 0x7fffffff}},
		{"Ping request", &Ping{Header: Header{PacketNumber: 42}, Kind: PingRequest}},
		{"Ping response", &Ping{Header: Header{PacketNumber: 43}, Kind: PingResponse, RespondingTo: 42}},
	}

	for _, size := range []int{0, 1, chunkSize - 1, chunkSize, chunkSize + 1} {
		fwd := NewForward(3, makePayload(size, byte(size)))
		testCases = append(testCases, struct {
			name string
			cmd  Command
		}{name: fmt.Sprintf("Forward %d bytes", size), cmd: fwd})
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			var buf bytes.Buffer
			if err := Serialize(&buf, tc.cmd); err != nil {
				t.Fatalf("Serialize: %v", err)
			}
			if tc.cmd.Identity().CRC == 0 {
				t.Fatal("Serialize did not record the CRC")
			}

			got, err := Deserialize(&buf)
			if err != nil {
				t.Fatalf("Deserialize: %v", err)
			}
			if buf.Len() != 0 {
				t.Errorf("%d bytes left unread", buf.Len())
			}
			if !reflect.DeepEqual(normalize(got), normalize(tc.cmd)) {
				t.Errorf("round trip mismatch:\n got %#v\nwant %#v", got, tc.cmd)
			}
		})
	}
}

// normalize treats nil and empty Forward payloads as equal.
func normalize(c Command) Command {
	if f, ok := c.(*Forward); ok && len(f.Payload) == 0 {
		cp := *f
		cp.Payload = []byte{}
		return &cp
	}
	return c
}

// TestFrameLayout pins the byte layout of a frame.
func TestFrameLayout(t *testing.T) {
	c := &TearDown{Header: Header{PacketNumber: 0x1122334455667788}, ConnectionID: 7}
	data, err := Marshal(c)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	if len(data) != 1+8+4+4 {
		t.Fatalf("frame length = %d, want 17", len(data))
	}
	if data[0] != byte(IDTearDown) {
		t.Errorf("command id = %#x, want %#x", data[0], IDTearDown)
	}
	if got := binary.LittleEndian.Uint64(data[1:9]); got != c.PacketNumber {
		t.Errorf("packet number = %#x, want %#x", got, c.PacketNumber)
	}
	if got := int32(binary.LittleEndian.Uint32(data[9:13])); got != 7 {
		t.Errorf("connection id = %d, want 7", got)
	}
	want := crc32.ChecksumIEEE(data[:13])
	if got := binary.LittleEndian.Uint32(data[13:]); got != want {
		t.Errorf("crc = %#x, want %#x", got, want)
	}
}

// TestStringLengthIsVarint checks the 7-bit length prefix used for strings.
func TestStringLengthIsVarint(t *testing.T) {
	dest := strings.Repeat("a", 200)
	c := &Connect{Header: Header{PacketNumber: 1}, ConnectionID: 1, Destination: dest}
	data, err := Marshal(c)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	// id(1) + packet(8) + connection id(4), then the length prefix.
	if data[13] != 0xC8 || data[14] != 0x01 {
		t.Errorf("length prefix = % x, want c8 01", data[13:15])
	}
	if len(data) != 13+2+200+4 {
		t.Errorf("frame length = %d, want %d", len(data), 13+2+200+4)
	}
}

// TestSingleByteCorruption flips every byte of a frame and requires that
// decoding fails loudly instead of returning altered data.
func TestSingleByteCorruption(t *testing.T) {
	frames := []Command{
		NewConnect(7, "tcp://host:80"),
		NewForward(9, makePayload(300, 5)),
		NewPingRequest(),
	}

	for _, c := range frames {
		data, err := Marshal(c)
		if err != nil {
			t.Fatalf("Marshal: %v", err)
		}

		for i := range data {
			corrupted := bytes.Clone(data)
			corrupted[i] ^= 0xFF

			_, err := Decode(corrupted)
			switch {
			case err == nil:
				t.Fatalf("%s: flipping byte %d was accepted", c.ID(), i)
			case i == 0 && errors.Is(err, ErrNoCommand):
			case !errors.Is(err, ErrFrameCorrupt):
				t.Fatalf("%s: flipping byte %d: err = %v, want ErrFrameCorrupt", c.ID(), i, err)
			}
		}
	}
}

// TestSingleByteCorruptionStream repeats the byte flips through Deserialize
// on a stream, the way an append-only file is read. A flip never yields a
// frame. A flip that enlarges a length field looks like a frame still being
// written, since the stream cannot tell a damaged length from a short read.
func TestSingleByteCorruptionStream(t *testing.T) {
	f := NewForward(9, makePayload(300, 5))
	data, err := Marshal(f)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	for i := range data {
		corrupted := bytes.Clone(data)
		corrupted[i] ^= 0xFF

		_, err := Deserialize(bytes.NewReader(corrupted))
		switch {
		case err == nil:
			t.Fatalf("flipping byte %d was accepted", i)
		case errors.Is(err, ErrFrameCorrupt), errors.Is(err, ErrNoCommand), IsIncomplete(err):
		default:
			t.Fatalf("flipping byte %d: unexpected err %v", i, err)
		}
	}

	// id(1) + packet(8) + connection id(4) + md5 length(1) + md5.
	lenAt := 1 + 8 + 4 + 1 + len(f.PayloadMD5)
	enlarged := bytes.Clone(data)
	enlarged[lenAt+2] = 0x01

	_, err = Deserialize(bytes.NewReader(enlarged))
	if !IsIncomplete(err) {
		t.Fatalf("enlarged length: err = %v, want incomplete", err)
	}
	if _, err := Decode(enlarged); !errors.Is(err, ErrFrameCorrupt) {
		t.Fatalf("enlarged length via Decode: err = %v, want ErrFrameCorrupt", err)
	}
}

func TestForwardMD5Mismatch(t *testing.T) {
	f := NewForward(1, []byte("hello"))
	f.PayloadMD5 = payloadMD5([]byte("world"))

	data, err := Marshal(f)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	if _, err := Decode(data); !errors.Is(err, ErrFrameCorrupt) {
		t.Fatalf("Decode err = %v, want ErrFrameCorrupt", err)
	}
}

func TestDeserializeUnknownCommand(t *testing.T) {
	_, err := Deserialize(bytes.NewReader([]byte{0x00, 1, 2, 3}))
	if !errors.Is(err, ErrNoCommand) {
		t.Fatalf("err = %v, want ErrNoCommand", err)
	}
}

func TestDeserializeEmpty(t *testing.T) {
	_, err := Deserialize(bytes.NewReader(nil))
	if err != io.EOF {
		t.Fatalf("err = %v, want io.EOF", err)
	}
}

// TestTruncatedFrame distinguishes an incomplete stream from a complete but
// short buffer.
func TestTruncatedFrame(t *testing.T) {
	data, err := Marshal(NewForward(1, makePayload(100, 1)))
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	for _, cut := range []int{1, 5, 20, len(data) - 1} {
		_, err := Deserialize(bytes.NewReader(data[:cut]))
		if !IsIncomplete(err) {
			t.Errorf("Deserialize(%d bytes) err = %v, want incomplete", cut, err)
		}

		_, err = Decode(data[:cut])
		if !errors.Is(err, ErrFrameCorrupt) {
			t.Errorf("Decode(%d bytes) err = %v, want ErrFrameCorrupt", cut, err)
		}
	}
}

func TestDecodeTrailingBytes(t *testing.T) {
	data, err := Marshal(NewPurge())
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if _, err := Decode(append(data, 0x01)); !errors.Is(err, ErrFrameCorrupt) {
		t.Fatalf("err = %v, want ErrFrameCorrupt", err)
	}
}

// TestBackToBackFrames decodes several frames from one stream.
func TestBackToBackFrames(t *testing.T) {
	want := []Command{
		NewConnect(7, "tcp://host:80"),
		NewForward(7, []byte("hello")),
		NewTearDown(7),
	}

	var buf bytes.Buffer
	for _, c := range want {
		if err := Serialize(&buf, c); err != nil {
			t.Fatalf("Serialize: %v", err)
		}
	}

	for i, w := range want {
		got, err := Deserialize(&buf)
		if err != nil {
			t.Fatalf("frame %d: %v", i, err)
		}
		if got.Identity() != w.Identity() {
			t.Errorf("frame %d identity = %+v, want %+v", i, got.Identity(), w.Identity())
		}
	}
	if _, err := Deserialize(&buf); err != io.EOF {
		t.Errorf("after last frame err = %v, want io.EOF", err)
	}
}

func TestOversizedLengthIsCorrupt(t *testing.T) {
	var buf bytes.Buffer
	hw := NewHashingWriter(&buf)
	fw := &fieldWriter{w: hw}
	hw.StartHashing()
	fw.uint8(uint8(IDForward))
	fw.uint64(1)
	fw.int32(1)
	fw.string(payloadMD5(nil))
	fw.int32(MaxFieldSize + 1)

	_, err := Deserialize(&buf)
	if !errors.Is(err, ErrFrameCorrupt) {
		t.Fatalf("err = %v, want ErrFrameCorrupt", err)
	}
}
