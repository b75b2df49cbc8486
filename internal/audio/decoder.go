package audio

import (
	"fmt"
	"sync"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/mpeg4audio"
)

// Sink consumes decoder output.
type Sink interface {
	// Configure announces the format of the samples that follow.
	Configure(cfg mpeg4audio.AudioSpecificConfig) error
	// WriteAudio delivers one decoded unit presented at ptsMs.
	WriteAudio(samples []byte, ptsMs int64) error
	// SetVolume sets playback volume in [0, 1]. Zero mutes.
	SetVolume(volume float32)
}

// Decoder is one decoding session. A session lives from the first frame of
// a segment until end-of-stream or the next segment.
type Decoder interface {
	// Decode consumes one raw AAC access unit. endOfStream marks the last
	// unit of the stream.
	Decode(au []byte, ptsMs int64, endOfStream bool) error
	Close() error
}

// DecoderFactory opens decoding sessions writing to sink.
type DecoderFactory interface {
	Open(cfg mpeg4audio.AudioSpecificConfig, sink Sink) (Decoder, error)
}

// DecoderFactoryFunc adapts a function to DecoderFactory.
type DecoderFactoryFunc func(cfg mpeg4audio.AudioSpecificConfig, sink Sink) (Decoder, error)

func (f DecoderFactoryFunc) Open(cfg mpeg4audio.AudioSpecificConfig, sink Sink) (Decoder, error) {
	return f(cfg, sink)
}

// Passthrough hands access units to the sink undecoded. It serves sinks
// that store AAC as is, like a Matroska A_AAC track.
type Passthrough struct{}

func (Passthrough) Open(cfg mpeg4audio.AudioSpecificConfig, sink Sink) (Decoder, error) {
	if sink == nil {
		return nil, fmt.Errorf("audio sink is nil")
	}
	if cfg.SampleRate <= 0 {
		return nil, fmt.Errorf("invalid sample rate %d", cfg.SampleRate)
	}
	if err := sink.Configure(cfg); err != nil {
		return nil, fmt.Errorf("failed to configure sink: %w", err)
	}
	return &passthroughDecoder{sink: sink}, nil
}

type passthroughDecoder struct {
	mu     sync.Mutex
	sink   Sink
	closed bool
}

func (d *passthroughDecoder) Decode(au []byte, ptsMs int64, endOfStream bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return fmt.Errorf("decoder closed")
	}
	if len(au) > 0 {
		if err := d.sink.WriteAudio(au, ptsMs); err != nil {
			return err
		}
	}
	if endOfStream {
		d.closed = true
	}
	return nil
}

func (d *passthroughDecoder) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	return nil
}

// Discard is a Sink that drops everything.
type Discard struct{}

func (Discard) Configure(mpeg4audio.AudioSpecificConfig) error { return nil }
func (Discard) WriteAudio([]byte, int64) error                 { return nil }
func (Discard) SetVolume(float32)                              {}
