// Package protocol defines the command frames exchanged over a file channel.
package protocol

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"

	"github.com/1ureka/filetunnel/internal/util"
)

// CommandID is the stable one-byte tag that starts every frame.
type CommandID uint8

const (
	IDConnect        CommandID = 0x01 // open a logical connection
	IDCreateListener CommandID = 0x02 // ask the peer to start a listener
	IDForward        CommandID = 0x03 // payload for a logical connection
	IDPurge          CommandID = 0x04 // writer is about to truncate the file
	IDTearDown       CommandID = 0x05 // close a logical connection
	IDPing           CommandID = 0x06 // liveness probe and RTT sample
)

func (id CommandID) String() string {
	switch id {
	case IDConnect:
		return "Connect"
	case IDCreateListener:
		return "CreateListener"
	case IDForward:
		return "Forward"
	case IDPurge:
		return "Purge"
	case IDTearDown:
		return "TearDown"
	case IDPing:
		return "Ping"
	default:
		return fmt.Sprintf("Unknown(0x%02x)", uint8(id))
	}
}

// Identity distinguishes one serialized frame from another. Two frames with
// equal identity are treated as the same delivery.
type Identity struct {
	PacketNumber uint64
	CRC          uint32
}

// Header carries the fields shared by every command. CRC is filled in by
// Serialize and Deserialize.
type Header struct {
	PacketNumber uint64
	CRC          uint32
}

func (h *Header) header() *Header { return h }

// Identity returns the de-duplication key of the frame.
func (h *Header) Identity() Identity {
	return Identity{PacketNumber: h.PacketNumber, CRC: h.CRC}
}

// Command is one of the frame types defined in this package. The set is
// closed: only types declared here satisfy it.
type Command interface {
	ID() CommandID
	Identity() Identity
	header() *Header
	encodeFields(w *fieldWriter)
	decodeFields(r *fieldReader)
}

// registry maps each id to a constructor of its zero value.
var registry = map[CommandID]func() Command{
	IDConnect:        func() Command { return &Connect{} },
	IDCreateListener: func() Command { return &CreateListener{} },
	IDForward:        func() Command { return &Forward{} },
	IDPurge:          func() Command { return &Purge{} },
	IDTearDown:       func() Command { return &TearDown{} },
	IDPing:           func() Command { return &Ping{} },
}

// ---------------------------------------------------------------------------
// Connect
// ---------------------------------------------------------------------------

// Connect opens logical connection ConnectionID, which the peer should relay
// to Destination (e.g. "tcp://10.0.0.5:22").
type Connect struct {
	Header
	ConnectionID int32
	Destination  string
}

func NewConnect(connectionID int32, destination string) *Connect {
	return &Connect{
		Header:       Header{PacketNumber: util.RandomUint64()},
		ConnectionID: connectionID,
		Destination:  destination,
	}
}

func (*Connect) ID() CommandID { return IDConnect }

func (c *Connect) encodeFields(w *fieldWriter) {
	w.int32(c.ConnectionID)
	w.string(c.Destination)
}

func (c *Connect) decodeFields(r *fieldReader) {
	c.ConnectionID = r.int32()
	c.Destination = r.string()
}

// ---------------------------------------------------------------------------
// CreateListener
// ---------------------------------------------------------------------------

// CreateListener asks the peer to listen according to ForwardSpec and relay
// every accepted connection back over the channel.
type CreateListener struct {
	Header
	Protocol    string
	ForwardSpec string
}

func NewCreateListener(protocol, forwardSpec string) *CreateListener {
	return &CreateListener{
		Header:      Header{PacketNumber: util.RandomUint64()},
		Protocol:    protocol,
		ForwardSpec: forwardSpec,
	}
}

func (*CreateListener) ID() CommandID { return IDCreateListener }

func (c *CreateListener) encodeFields(w *fieldWriter) {
	w.string(c.Protocol)
	w.string(c.ForwardSpec)
}

func (c *CreateListener) decodeFields(r *fieldReader) {
	c.Protocol = r.string()
	c.ForwardSpec = r.string()
}

// ---------------------------------------------------------------------------
// Forward
// ---------------------------------------------------------------------------

// Forward carries one chunk of payload for a logical connection. PayloadMD5
// is checked on decode in addition to the frame CRC.
type Forward struct {
	Header
	ConnectionID int32
	PayloadMD5   string
	Payload      []byte
}

// NewForward builds a Forward frame and computes the payload checksum.
// The payload is not copied.
func NewForward(connectionID int32, payload []byte) *Forward {
	return &Forward{
		Header:       Header{PacketNumber: util.RandomUint64()},
		ConnectionID: connectionID,
		PayloadMD5:   payloadMD5(payload),
		Payload:      payload,
	}
}

func (*Forward) ID() CommandID { return IDForward }

func (c *Forward) encodeFields(w *fieldWriter) {
	w.int32(c.ConnectionID)
	w.string(c.PayloadMD5)
	w.bytes(c.Payload)
}

func (c *Forward) decodeFields(r *fieldReader) {
	c.ConnectionID = r.int32()
	c.PayloadMD5 = r.string()
	c.Payload = r.bytes()
}

// verify rejects a payload whose MD5 differs from the one carried in the
// frame, which catches a corrupted length field that still hashes cleanly.
func (c *Forward) verify() error {
	if got := payloadMD5(c.Payload); got != c.PayloadMD5 {
		return fmt.Errorf("%w: connection %d payload md5 %s, want %s",
			ErrFrameCorrupt, c.ConnectionID, got, c.PayloadMD5)
	}
	return nil
}

func payloadMD5(payload []byte) string {
	sum := md5.Sum(payload)
	return hex.EncodeToString(sum[:])
}

// ---------------------------------------------------------------------------
// Purge
// ---------------------------------------------------------------------------

// Purge announces that the writer is about to truncate the channel file.
type Purge struct {
	Header
}

func NewPurge() *Purge {
	return &Purge{Header: Header{PacketNumber: util.RandomUint64()}}
}

func (*Purge) ID() CommandID               { return IDPurge }
func (*Purge) encodeFields(w *fieldWriter) {}
func (*Purge) decodeFields(r *fieldReader) {}

// ---------------------------------------------------------------------------
// TearDown
// ---------------------------------------------------------------------------

// TearDown closes logical connection ConnectionID.
type TearDown struct {
	Header
	ConnectionID int32
}

func NewTearDown(connectionID int32) *TearDown {
	return &TearDown{
		Header:       Header{PacketNumber: util.RandomUint64()},
		ConnectionID: connectionID,
	}
}

func (*TearDown) ID() CommandID { return IDTearDown }

func (c *TearDown) encodeFields(w *fieldWriter) { w.int32(c.ConnectionID) }
func (c *TearDown) decodeFields(r *fieldReader) { c.ConnectionID = r.int32() }

// ---------------------------------------------------------------------------
// Ping
// ---------------------------------------------------------------------------

// PingKind tells a probe apart from its answer.
type PingKind uint8

const (
	PingRequest  PingKind = 0
	PingResponse PingKind = 1
)

// Ping is a liveness probe. A response echoes the request's packet number
// in RespondingTo.
type Ping struct {
	Header
	Kind         PingKind
	RespondingTo uint64
}

func NewPingRequest() *Ping {
	return &Ping{Header: Header{PacketNumber: util.RandomUint64()}, Kind: PingRequest}
}

func NewPingResponse(request *Ping) *Ping {
	return &Ping{
		Header:       Header{PacketNumber: util.RandomUint64()},
		Kind:         PingResponse,
		RespondingTo: request.PacketNumber,
	}
}

func (*Ping) ID() CommandID { return IDPing }

func (c *Ping) encodeFields(w *fieldWriter) {
	w.uint8(uint8(c.Kind))
	w.uint64(c.RespondingTo)
}

func (c *Ping) decodeFields(r *fieldReader) {
	c.Kind = PingKind(r.uint8())
	c.RespondingTo = r.uint64()
	if c.Kind != PingRequest && c.Kind != PingResponse {
		r.fail(fmt.Errorf("%w: ping kind %d", ErrFrameCorrupt, c.Kind))
	}
}
