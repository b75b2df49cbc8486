package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// Viewfinder datagram layout:
//
//	[uint16 sync=0x55AA][uint8 kind][uint16 seq][uint16 payload length][payload]
//
// A START payload begins with [int32 image length][float32 timestamp secs].
const (
	ViewfinderSync        uint16 = 0x55AA
	ViewfinderHeaderSize         = 7
	ViewfinderStartSize          = 8
	ViewfinderMaxDatagram        = 1500
)

// MessageKind is the viewfinder datagram kind.
type MessageKind uint8

const (
	MessageStart MessageKind = 0
	MessageData  MessageKind = 1
)

func (k MessageKind) String() string {
	switch k {
	case MessageStart:
		return "start"
	case MessageData:
		return "data"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

var (
	ErrShortDatagram  = errors.New("viewfinder datagram shorter than header")
	ErrLengthMismatch = errors.New("viewfinder payload length does not match datagram")
	ErrBadSync        = errors.New("viewfinder sync marker mismatch")
	ErrBadKind        = errors.New("unknown viewfinder message kind")
	ErrShortStart     = errors.New("viewfinder start payload too short")
)

// Datagram is one decoded viewfinder packet. Payload aliases the input.
type Datagram struct {
	Kind     MessageKind
	Sequence uint16
	Payload  []byte
}

// StartInfo is the image announcement carried by a START datagram.
type StartInfo struct {
	ImageLength int32
	Timestamp   float32
}

// ParseDatagram validates the header of a viewfinder datagram.
func ParseDatagram(data []byte) (Datagram, error) {
	if len(data) < ViewfinderHeaderSize {
		return Datagram{}, fmt.Errorf("%w: got %d bytes", ErrShortDatagram, len(data))
	}

	sync := binary.BigEndian.Uint16(data[0:2])
	kind := MessageKind(data[2])
	seq := binary.BigEndian.Uint16(data[3:5])
	payloadLen := int(binary.BigEndian.Uint16(data[5:7]))

	if len(data) != payloadLen+ViewfinderHeaderSize {
		return Datagram{}, fmt.Errorf("%w: got %d bytes, expected %d", ErrLengthMismatch, len(data), payloadLen+ViewfinderHeaderSize)
	}
	if sync != ViewfinderSync {
		return Datagram{}, fmt.Errorf("%w: 0x%04x", ErrBadSync, sync)
	}
	if kind != MessageStart && kind != MessageData {
		return Datagram{}, fmt.Errorf("%w: %d", ErrBadKind, uint8(kind))
	}

	return Datagram{
		Kind:     kind,
		Sequence: seq,
		Payload:  data[ViewfinderHeaderSize:],
	}, nil
}

// ParseStart decodes the image announcement of a START datagram.
func ParseStart(payload []byte) (StartInfo, error) {
	if len(payload) < ViewfinderStartSize {
		return StartInfo{}, fmt.Errorf("%w: got %d bytes", ErrShortStart, len(payload))
	}
	return StartInfo{
		ImageLength: int32(binary.BigEndian.Uint32(payload[0:4])),
		Timestamp:   math.Float32frombits(binary.BigEndian.Uint32(payload[4:8])),
	}, nil
}

// AppendDatagram appends an encoded datagram to dst.
func AppendDatagram(dst []byte, kind MessageKind, seq uint16, payload []byte) []byte {
	dst = binary.BigEndian.AppendUint16(dst, ViewfinderSync)
	dst = append(dst, byte(kind))
	dst = binary.BigEndian.AppendUint16(dst, seq)
	dst = binary.BigEndian.AppendUint16(dst, uint16(len(payload)))
	return append(dst, payload...)
}

// AppendStart appends a START datagram announcing an image.
func AppendStart(dst []byte, seq uint16, info StartInfo) []byte {
	payload := make([]byte, ViewfinderStartSize)
	binary.BigEndian.PutUint32(payload[0:4], uint32(info.ImageLength))
	binary.BigEndian.PutUint32(payload[4:8], math.Float32bits(info.Timestamp))
	return AppendDatagram(dst, MessageStart, seq, payload)
}

// SplitImage encodes image as a START datagram followed by DATA datagrams
// whose payloads fit in ViewfinderMaxDatagram.
func SplitImage(image []byte, timestamp float32, firstSeq uint16) [][]byte {
	chunk := ViewfinderMaxDatagram - ViewfinderHeaderSize
	datagrams := [][]byte{AppendStart(nil, firstSeq, StartInfo{ImageLength: int32(len(image)), Timestamp: timestamp})}

	seq := firstSeq
	for off := 0; off < len(image); off += chunk {
		end := min(off+chunk, len(image))
		seq++
		datagrams = append(datagrams, AppendDatagram(nil, MessageData, seq, image[off:end]))
	}
	return datagrams
}
