package audio

import (
	"fmt"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/mpeg4audio"
)

// DefaultSampleRate is used when the ADTS header names a rate the camera
// never produces.
const DefaultSampleRate = 48000

// ErrNotADTS is returned for payloads without an ADTS syncword.
var ErrNotADTS = fmt.Errorf("payload has no ADTS header")

var sampleRates = map[byte]int{
	3:  48000,
	6:  24000,
	9:  12000,
	11: 8000,
}

// IsADTS reports whether data starts with an ADTS syncword.
func IsADTS(data []byte) bool {
	return len(data) >= 7 && data[0] == 0xFF && (data[1]&0xF0) == 0xF0
}

// ConfigFromADTS derives the decoder configuration from the header of an
// ADTS-framed AAC frame. Object type and channel count come from the header;
// sample rate indexes the camera never produces map to DefaultSampleRate.
func ConfigFromADTS(frame []byte) (mpeg4audio.AudioSpecificConfig, error) {
	if !IsADTS(frame) {
		return mpeg4audio.AudioSpecificConfig{}, ErrNotADTS
	}

	rate, ok := sampleRates[(frame[2]>>2)&0x0F]
	if !ok {
		rate = DefaultSampleRate
	}

	var pkts mpeg4audio.ADTSPackets
	if err := pkts.Unmarshal(frame); err == nil && len(pkts) > 0 {
		return mpeg4audio.AudioSpecificConfig{
			Type:         pkts[0].Type,
			SampleRate:   rate,
			ChannelCount: pkts[0].ChannelCount,
		}, nil
	}

	// Truncated frames and profiles the parser rejects still carry a usable
	// fixed header.
	cfg := mpeg4audio.AudioSpecificConfig{
		Type:         mpeg4audio.ObjectType(frame[2]>>6) + 1,
		SampleRate:   rate,
		ChannelCount: channelCount((frame[2]&0x01)<<2 | frame[3]>>6),
	}
	return cfg, nil
}

// channelCount maps an ADTS channel configuration to a channel count.
// Configuration 0 defers to the stream, which the camera never sends; it is
// treated as mono.
func channelCount(config byte) int {
	switch config {
	case 0:
		return 1
	case 7:
		return 8
	default:
		return int(config)
	}
}

// StripADTS removes the ADTS header if present and returns the raw AAC
// access unit.
func StripADTS(data []byte) []byte {
	if !IsADTS(data) {
		return data
	}
	headerLen := 7
	// protection_absent is the last bit of byte 1
	if data[1]&0x01 == 0 {
		headerLen = 9
	}
	if len(data) > headerLen {
		return data[headerLen:]
	}
	return data
}

// SplitADTS splits a buffer of concatenated ADTS frames into single frames,
// each still carrying its own header.
func SplitADTS(buf []byte) ([][]byte, error) {
	var pkts mpeg4audio.ADTSPackets
	if err := pkts.Unmarshal(buf); err != nil {
		return nil, fmt.Errorf("failed to parse ADTS stream: %w", err)
	}

	frames := make([][]byte, 0, len(pkts))
	for _, pkt := range pkts {
		frame, err := mpeg4audio.ADTSPackets{pkt}.Marshal()
		if err != nil {
			return nil, fmt.Errorf("failed to re-encode ADTS frame: %w", err)
		}
		frames = append(frames, frame)
	}
	return frames, nil
}

// WrapADTS frames a single access unit with an ADTS header.
func WrapADTS(cfg mpeg4audio.AudioSpecificConfig, au []byte) ([]byte, error) {
	return mpeg4audio.ADTSPackets{{
		Type:         cfg.Type,
		SampleRate:   cfg.SampleRate,
		ChannelCount: cfg.ChannelCount,
		AU:           au,
	}}.Marshal()
}
