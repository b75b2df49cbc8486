package media

import "fmt"

// FrameType identifies the elementary stream unit carried by a Frame.
type FrameType int32

// Frame type codes as they appear on the preview wire.
const (
	FrameTypeVideo         FrameType = 0
	FrameTypeAudio         FrameType = 1
	FrameTypeStartOfStream FrameType = 127
	FrameTypeEndOfStream   FrameType = 128
)

func (t FrameType) String() string {
	switch t {
	case FrameTypeVideo:
		return "video"
	case FrameTypeAudio:
		return "audio"
	case FrameTypeStartOfStream:
		return "sos"
	case FrameTypeEndOfStream:
		return "eos"
	default:
		return fmt.Sprintf("type(%d)", int32(t))
	}
}

// HasPayload reports whether frames of this type carry a media payload.
func (t FrameType) HasPayload() bool {
	return t == FrameTypeVideo || t == FrameTypeAudio
}

// Frame is one unit of the preview stream. Frames are values; a consumer
// that needs to keep the payload beyond dequeue owns it, and Peek hands out
// clones.
type Frame struct {
	Version        int32     // Protocol version sent by the camera
	Type           FrameType // Video, audio or a stream marker
	PTS            int64     // Presentation timestamp in 90kHz ticks
	Status         int32     // Camera supplied status word
	Payload        []byte    // JPEG image or ADTS AAC frame, nil for markers
	FirstOfSegment bool      // First frame of its track since a (re)connect
}

// Clone returns a copy of f that shares no memory with it.
func (f Frame) Clone() Frame {
	if f.Payload != nil {
		f.Payload = append([]byte(nil), f.Payload...)
	}
	return f
}

// WithFirstOfSegment returns f tagged as the first frame of a segment.
func (f Frame) WithFirstOfSegment(first bool) Frame {
	f.FirstOfSegment = first
	return f
}

// PTSMillis converts the frame's presentation timestamp to milliseconds.
func (f Frame) PTSMillis() int64 {
	return f.PTS / PTSTicksPerMilli
}

// PTSTicksPerMilli is the divisor between wire timestamps and milliseconds.
const PTSTicksPerMilli = 90
