package render

import (
	"bytes"
	"fmt"
	"image/jpeg"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/at-wat/ebml-go/mkvcore"
	"github.com/at-wat/ebml-go/webm"
	"github.com/bluenviron/mediacommon/v2/pkg/codecs/mpeg4audio"

	"github.com/babelcloud/camlink/internal/audio"
	"github.com/babelcloud/camlink/internal/util"
)

const (
	videoTrack = 1
	audioTrack = 2

	defaultWidth  = 1280
	defaultHeight = 720

	flushTimeout = 2 * time.Second
)

// notifyCloser reports when the muxer has closed the output, which happens
// after its last block is written.
type notifyCloser struct {
	io.WriteCloser
	once sync.Once
	done chan struct{}
	err  error
}

func (c *notifyCloser) Close() error {
	c.once.Do(func() {
		c.err = c.WriteCloser.Close()
		close(c.done)
	})
	return c.err
}

// Recorder writes the drawn preview into a Matroska file: JPEG frames as a
// V_MJPEG track and decoded audio units as an A_AAC track. It is both a
// Renderer and an audio.Sink, so one recorder captures what the player
// presents.
//
// Tracks are created at the first image, so an audio configuration that
// arrives later than that keeps the default 48 kHz mono layout.
type Recorder struct {
	mu      sync.Mutex
	out     io.WriteCloser
	writers []webm.BlockWriteCloser
	now     func() time.Time
	logger  *slog.Logger

	cfg     *mpeg4audio.AudioSpecificConfig
	volume  float32
	drawing bool
	closed  bool

	start       time.Time
	lastVideo   int64
	lastAudio   int64
	audioAnchor int64
	audioBase   int64
	haveBase    bool
}

var _ audio.Sink = (*Recorder)(nil)

// NewRecorder records into out. out is closed by Close.
func NewRecorder(out io.WriteCloser) *Recorder {
	return &Recorder{
		out:    out,
		now:    time.Now,
		volume: 1,
		logger: util.Component("recorder"),
	}
}

// CreateRecorder records into a new file at path.
func CreateRecorder(path string) (*Recorder, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create recording: %w", err)
	}
	return NewRecorder(f), nil
}

// QueueImage implements Renderer.
func (r *Recorder) QueueImage(image []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed || !r.drawing || len(image) == 0 {
		return
	}
	if r.writers == nil {
		if err := r.openLocked(image); err != nil {
			r.logger.Error("Failed to open recording", "error", err)
			r.closed = true
			return
		}
	}

	ts := r.sinceStartLocked()
	if ts < r.lastVideo {
		ts = r.lastVideo
	}
	r.lastVideo = ts
	if _, err := r.writers[0].Write(true, ts, image); err != nil {
		r.logger.Warn("Failed to record frame", "error", err)
	}
}

// StartDrawing implements Renderer.
func (r *Recorder) StartDrawing() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.drawing = true
	if r.start.IsZero() {
		r.start = r.now()
	}
}

// StopDrawing implements Renderer.
func (r *Recorder) StopDrawing() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.drawing = false
}

// Configure implements audio.Sink. Each call starts a new audio segment whose
// timestamps are anchored at the current recording time.
func (r *Recorder) Configure(cfg mpeg4audio.AudioSpecificConfig) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.writers != nil && r.cfg != nil && (r.cfg.SampleRate != cfg.SampleRate || r.cfg.ChannelCount != cfg.ChannelCount) {
		r.logger.Warn("Audio layout changed mid-recording, keeping the original track",
			"rate", cfg.SampleRate, "channels", cfg.ChannelCount)
	}
	if r.writers == nil {
		r.cfg = &cfg
	}
	r.haveBase = false
	return nil
}

// WriteAudio implements audio.Sink. Audio before the first image and audio
// written at zero volume is not recorded.
func (r *Recorder) WriteAudio(samples []byte, ptsMs int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed || r.writers == nil || r.volume == 0 || len(samples) == 0 {
		return nil
	}
	if !r.haveBase {
		r.audioBase = ptsMs
		r.audioAnchor = r.sinceStartLocked()
		r.haveBase = true
	}

	ts := r.audioAnchor + ptsMs - r.audioBase
	if ts < r.lastAudio {
		ts = r.lastAudio
	}
	r.lastAudio = ts
	if _, err := r.writers[1].Write(true, ts, samples); err != nil {
		return fmt.Errorf("failed to record audio: %w", err)
	}
	return nil
}

// SetVolume implements audio.Sink.
func (r *Recorder) SetVolume(volume float32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.volume = volume
}

// Close finalizes the recording.
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.writers == nil {
		if r.out == nil {
			return nil
		}
		out := r.out
		r.out = nil
		r.closed = true
		return out.Close()
	}

	var firstErr error
	for _, w := range r.writers {
		if err := w.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if nc, ok := r.out.(*notifyCloser); ok {
		select {
		case <-nc.done:
		case <-time.After(flushTimeout):
			r.logger.Warn("Recording was not flushed in time, closing output")
		}
		if err := nc.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	r.writers = nil
	r.out = nil
	r.closed = true
	return firstErr
}

func (r *Recorder) sinceStartLocked() int64 {
	return r.now().Sub(r.start).Milliseconds()
}

func (r *Recorder) openLocked(first []byte) error {
	width, height := uint64(defaultWidth), uint64(defaultHeight)
	if c, err := jpeg.DecodeConfig(bytes.NewReader(first)); err == nil {
		width, height = uint64(c.Width), uint64(c.Height)
	}

	cfg := mpeg4audio.AudioSpecificConfig{
		Type:         mpeg4audio.ObjectTypeAACLC,
		SampleRate:   audio.DefaultSampleRate,
		ChannelCount: 1,
	}
	if r.cfg != nil {
		cfg = *r.cfg
	}
	csd, err := cfg.Marshal()
	if err != nil {
		return fmt.Errorf("failed to encode audio config: %w", err)
	}

	tracks := []webm.TrackEntry{
		{
			Name:        "Video",
			TrackNumber: videoTrack,
			TrackUID:    videoTrack,
			CodecID:     "V_MJPEG",
			TrackType:   1,
			Video: &webm.Video{
				PixelWidth:  width,
				PixelHeight: height,
			},
		},
		{
			Name:         "Audio",
			TrackNumber:  audioTrack,
			TrackUID:     audioTrack,
			CodecID:      "A_AAC",
			CodecPrivate: csd,
			TrackType:    2,
			Audio: &webm.Audio{
				SamplingFrequency: float64(cfg.SampleRate),
				Channels:          uint64(cfg.ChannelCount),
			},
		},
	}

	out := &notifyCloser{WriteCloser: r.out, done: make(chan struct{})}
	writers, err := webm.NewSimpleBlockWriter(out, tracks,
		mkvcore.WithEBMLHeader(&webm.EBMLHeader{
			EBMLVersion:        1,
			EBMLReadVersion:    1,
			EBMLMaxIDLength:    4,
			EBMLMaxSizeLength:  8,
			DocType:            "matroska",
			DocTypeVersion:     4,
			DocTypeReadVersion: 2,
		}),
		mkvcore.WithSegmentInfo(&webm.Info{
			TimecodeScale: 1000000,
			MuxingApp:     "camlink",
			WritingApp:    "camlink",
		}),
	)
	if err != nil {
		return err
	}
	r.out = out
	r.writers = writers
	r.cfg = &cfg
	if r.start.IsZero() {
		r.start = r.now()
	}
	r.logger.Info("Recording started", "width", width, "height", height, "audio_rate", cfg.SampleRate)
	return nil
}
