package preview

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/mpeg4audio"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/babelcloud/camlink/internal/audio"
	"github.com/babelcloud/camlink/internal/buffer"
	"github.com/babelcloud/camlink/internal/media"
)

func videoFrame(pts int64, first bool) media.Frame {
	return media.Frame{
		Version:        1,
		Type:           media.FrameTypeVideo,
		PTS:            pts,
		Payload:        []byte{0xFF, 0xD8, byte(pts / 900)},
		FirstOfSegment: first,
	}
}

func audioFrame(t *testing.T, pts int64, first bool, au ...byte) media.Frame {
	t.Helper()
	cfg := mpeg4audio.AudioSpecificConfig{Type: mpeg4audio.ObjectTypeAACLC, SampleRate: 48000, ChannelCount: 1}
	payload, err := audio.WrapADTS(cfg, au)
	require.NoError(t, err)
	return media.Frame{
		Version:        1,
		Type:           media.FrameTypeAudio,
		PTS:            pts,
		Payload:        payload,
		FirstOfSegment: first,
	}
}

type drawn struct {
	ptsMs int64
	first bool
}

type recordingCallback struct {
	mu       sync.Mutex
	frames   []drawn
	finished int
}

func (c *recordingCallback) DrawFrame(payload []byte, ptsMs int64, first bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames = append(c.frames, drawn{ptsMs, first})
}

func (c *recordingCallback) PlaybackFinished() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.finished++
}

func (c *recordingCallback) snapshot() ([]drawn, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]drawn(nil), c.frames...), c.finished
}

type memorySink struct {
	mu     sync.Mutex
	cfg    mpeg4audio.AudioSpecificConfig
	units  [][]byte
	volume float32
}

func (s *memorySink) Configure(cfg mpeg4audio.AudioSpecificConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg = cfg
	return nil
}

func (s *memorySink) WriteAudio(samples []byte, ptsMs int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.units = append(s.units, samples)
	return nil
}

func (s *memorySink) SetVolume(v float32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.volume = v
}

func (s *memorySink) written() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]byte(nil), s.units...)
}

func (s *memorySink) currentVolume() float32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.volume
}

func TestNextDelay(t *testing.T) {
	assert.Equal(t, 30*time.Millisecond, NextDelay(videoFrame(0, false), videoFrame(2700, false)))
	assert.Equal(t, time.Duration(0), NextDelay(videoFrame(0, false), videoFrame(2700, true)),
		"a frame opening a segment is shown at once")
	assert.Equal(t, time.Duration(0), NextDelay(videoFrame(2700, false), videoFrame(0, false)))
	assert.Equal(t, 33*time.Millisecond, NextDelay(videoFrame(90000, false), videoFrame(93000, false)))
}

func TestPlayerDrainsVideoAndFinishes(t *testing.T) {
	buf := buffer.NewTrackBuffer()
	buf.Queue(videoFrame(0, true))
	buf.Queue(videoFrame(900, false))
	buf.Queue(videoFrame(1800, false))
	buf.Queue(media.Frame{Type: media.FrameTypeEndOfStream})

	cb := &recordingCallback{}
	p := NewPlayer(buf, cb)
	defer p.Close()

	p.Play()
	require.Eventually(t, func() bool {
		_, finished := cb.snapshot()
		return finished == 1
	}, 2*time.Second, 5*time.Millisecond)

	frames, _ := cb.snapshot()
	assert.Equal(t, []drawn{{0, true}, {10, false}, {20, false}}, frames)
	assert.True(t, buf.EndOfStreamReached())
}

func TestPlayerUnderrunWaitsForPlay(t *testing.T) {
	buf := buffer.NewTrackBuffer()
	buf.Queue(videoFrame(0, true))

	cb := &recordingCallback{}
	p := NewPlayer(buf, cb)
	defer p.Close()

	p.Play()
	require.Eventually(t, func() bool {
		frames, _ := cb.snapshot()
		return len(frames) == 1
	}, 2*time.Second, 5*time.Millisecond)

	buf.Queue(videoFrame(900, false))
	time.Sleep(50 * time.Millisecond)
	frames, finished := cb.snapshot()
	assert.Len(t, frames, 1, "no tick is scheduled after an underrun")
	assert.Zero(t, finished)

	p.Stop()
	p.Play()
	require.Eventually(t, func() bool {
		frames, _ := cb.snapshot()
		return len(frames) == 2
	}, 2*time.Second, 5*time.Millisecond)
}

func TestPlayerStopCancelsTick(t *testing.T) {
	buf := buffer.NewTrackBuffer()
	buf.Queue(videoFrame(0, true))
	buf.Queue(videoFrame(90*200, false))

	cb := &recordingCallback{}
	p := NewPlayer(buf, cb)
	defer p.Close()

	p.Play()
	require.Eventually(t, func() bool {
		frames, _ := cb.snapshot()
		return len(frames) == 1
	}, 2*time.Second, 5*time.Millisecond)

	p.Stop()
	assert.False(t, p.Playing())
	time.Sleep(300 * time.Millisecond)

	frames, _ := cb.snapshot()
	assert.Len(t, frames, 1)
	assert.Equal(t, 1, buf.TrackLen(media.FrameTypeVideo))
}

// blockingCallback holds the first DrawFrame until release is closed and
// tracks how many draws run at once.
type blockingCallback struct {
	entered chan struct{}
	release chan struct{}
	once    sync.Once
	active  atomic.Int32
	maxSeen atomic.Int32
	drawn   atomic.Int32
}

func (c *blockingCallback) DrawFrame(payload []byte, ptsMs int64, first bool) {
	n := c.active.Add(1)
	defer c.active.Add(-1)
	for {
		seen := c.maxSeen.Load()
		if n <= seen || c.maxSeen.CompareAndSwap(seen, n) {
			break
		}
	}

	if c.drawn.Add(1) == 1 {
		c.once.Do(func() { close(c.entered) })
		<-c.release
	}
}

func (c *blockingCallback) PlaybackFinished() {}

func TestPlayerRestartDuringSlowDrawKeepsOneTick(t *testing.T) {
	buf := buffer.NewTrackBuffer()
	buf.Queue(videoFrame(0, true))
	buf.Queue(videoFrame(900, false))
	buf.Queue(videoFrame(1800, false))

	cb := &blockingCallback{entered: make(chan struct{}), release: make(chan struct{})}
	p := NewPlayer(buf, cb)
	defer p.Close()

	p.Play()
	select {
	case <-cb.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("first frame was not drawn")
	}

	// An underrun followed by a refill restarts the player mid-draw.
	p.Stop()
	p.Play()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), cb.drawn.Load(), "the new tick waits for the stale one")
	assert.Equal(t, 2, buf.TrackLen(media.FrameTypeVideo))

	close(cb.release)
	require.Eventually(t, func() bool { return cb.drawn.Load() == 3 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(1), cb.maxSeen.Load())
	assert.Zero(t, buf.TrackLen(media.FrameTypeVideo))
}

func TestPlayerFeedsAudioAfterFirstVideoFrame(t *testing.T) {
	buf := buffer.NewTrackBuffer()
	buf.Queue(videoFrame(0, true))
	buf.Queue(videoFrame(900, false))
	buf.Queue(audioFrame(t, 0, true, 1, 2, 3))
	buf.Queue(audioFrame(t, 1920, false, 4, 5))
	buf.Queue(media.Frame{Type: media.FrameTypeEndOfStream})

	sink := &memorySink{}
	cb := &recordingCallback{}
	p := NewPlayer(buf, cb, WithAudio(audio.Passthrough{}, sink))
	defer p.Close()

	p.SetVolumeEnabled(false)
	p.Play()

	require.Eventually(t, func() bool {
		return len(sink.written()) == 2
	}, 2*time.Second, 5*time.Millisecond)

	assert.Equal(t, [][]byte{{1, 2, 3}, {4, 5}}, sink.written())
	assert.Equal(t, 48000, sink.cfg.SampleRate)
	assert.Equal(t, float32(0), sink.currentVolume())

	p.SetVolumeEnabled(true)
	assert.Equal(t, float32(1), sink.currentVolume())
}

func TestPlayerDrainsAudioWhenDecoderFails(t *testing.T) {
	buf := buffer.NewTrackBuffer()
	buf.Queue(videoFrame(0, true))
	for i := int64(0); i < 5; i++ {
		buf.Queue(audioFrame(t, i*1920, i == 0, byte(i)))
	}

	failing := audio.DecoderFactoryFunc(func(mpeg4audio.AudioSpecificConfig, audio.Sink) (audio.Decoder, error) {
		return nil, errors.New("no decoder")
	})
	p := NewPlayer(buf, &recordingCallback{}, WithAudio(failing, nil))
	defer p.Close()

	p.Play()
	require.Eventually(t, func() bool {
		return !buf.HasAudioFrames()
	}, 2*time.Second, 5*time.Millisecond)
}

func TestPlayerCallbackFuncs(t *testing.T) {
	var draws, finishes int
	cb := CallbackFuncs{
		Draw:     func([]byte, int64, bool) { draws++ },
		Finished: func() { finishes++ },
	}
	cb.DrawFrame(nil, 0, false)
	cb.PlaybackFinished()
	CallbackFuncs{}.DrawFrame(nil, 0, false)

	assert.Equal(t, 1, draws)
	assert.Equal(t, 1, finishes)
}
