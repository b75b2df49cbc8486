package protocol

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/babelcloud/camlink/internal/media"
)

// Preview stream layout: every record starts with an 8-byte header
// (version, type). Audio and video records follow with a 12-byte media
// header (length, pts, status) and the payload; every other type carries
// 12 reserved bytes and nothing else.
const (
	PreviewHeaderSize      = 8
	PreviewMediaHeaderSize = 12
	PreviewReservedSize    = 12

	// MaxPreviewPayload bounds a single frame payload.
	MaxPreviewPayload = 8 * 1024 * 1024
)

// PreviewVersion is the protocol version written by WriteFrame.
const PreviewVersion int32 = 1

// ReadFrame reads one record from the preview stream. It returns io.EOF
// only when the stream ends cleanly on a record boundary.
func ReadFrame(reader io.Reader) (media.Frame, error) {
	header := make([]byte, PreviewHeaderSize)
	n, err := io.ReadFull(reader, header)
	if err != nil {
		if n == 0 && err == io.EOF {
			return media.Frame{}, io.EOF
		}
		return media.Frame{}, fmt.Errorf("failed to read header: %w", err)
	}

	frame := media.Frame{
		Version: int32(binary.BigEndian.Uint32(header[0:4])),
		Type:    media.FrameType(int32(binary.BigEndian.Uint32(header[4:8]))),
	}

	if !frame.Type.HasPayload() {
		if _, err := io.ReadFull(reader, make([]byte, PreviewReservedSize)); err != nil {
			return media.Frame{}, fmt.Errorf("failed to read %s reserved bytes: %w", frame.Type, err)
		}
		return frame, nil
	}

	mediaHeader := make([]byte, PreviewMediaHeaderSize)
	if _, err := io.ReadFull(reader, mediaHeader); err != nil {
		return media.Frame{}, fmt.Errorf("failed to read %s header: %w", frame.Type, err)
	}

	length := int32(binary.BigEndian.Uint32(mediaHeader[0:4]))
	frame.PTS = int64(int32(binary.BigEndian.Uint32(mediaHeader[4:8])))
	frame.Status = int32(binary.BigEndian.Uint32(mediaHeader[8:12]))

	if length < 0 {
		return media.Frame{}, fmt.Errorf("invalid %s payload size: %d", frame.Type, length)
	}
	if length > MaxPreviewPayload {
		return media.Frame{}, fmt.Errorf("%s payload size too large: %d", frame.Type, length)
	}

	frame.Payload = make([]byte, length)
	if _, err := io.ReadFull(reader, frame.Payload); err != nil {
		return media.Frame{}, fmt.Errorf("failed to read %s payload: %w", frame.Type, err)
	}

	return frame, nil
}

// WriteFrame encodes frame in the preview stream layout.
func WriteFrame(writer io.Writer, frame media.Frame) error {
	version := frame.Version
	if version == 0 {
		version = PreviewVersion
	}

	if !frame.Type.HasPayload() {
		buf := make([]byte, PreviewHeaderSize+PreviewReservedSize)
		binary.BigEndian.PutUint32(buf[0:4], uint32(version))
		binary.BigEndian.PutUint32(buf[4:8], uint32(frame.Type))
		_, err := writer.Write(buf)
		return err
	}

	if len(frame.Payload) > MaxPreviewPayload {
		return fmt.Errorf("%s payload size too large: %d", frame.Type, len(frame.Payload))
	}

	buf := make([]byte, PreviewHeaderSize+PreviewMediaHeaderSize+len(frame.Payload))
	binary.BigEndian.PutUint32(buf[0:4], uint32(version))
	binary.BigEndian.PutUint32(buf[4:8], uint32(frame.Type))
	binary.BigEndian.PutUint32(buf[8:12], uint32(len(frame.Payload)))
	binary.BigEndian.PutUint32(buf[12:16], uint32(int32(frame.PTS)))
	binary.BigEndian.PutUint32(buf[16:20], uint32(frame.Status))
	copy(buf[20:], frame.Payload)

	_, err := writer.Write(buf)
	return err
}
