package preview

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/babelcloud/camlink/internal/audio"
	"github.com/babelcloud/camlink/internal/buffer"
	"github.com/babelcloud/camlink/internal/media"
	"github.com/babelcloud/camlink/internal/metrics"
	"github.com/babelcloud/camlink/internal/util"
)

const audioPoll = 10 * time.Millisecond

// Callback receives the player's output.
type Callback interface {
	// DrawFrame presents one video frame. first marks the first frame of a
	// segment.
	DrawFrame(payload []byte, ptsMs int64, first bool)
	// PlaybackFinished is called once the stream has fully drained.
	PlaybackFinished()
}

// CallbackFuncs adapts plain functions to Callback. Nil fields are skipped.
type CallbackFuncs struct {
	Draw     func(payload []byte, ptsMs int64, first bool)
	Finished func()
}

func (f CallbackFuncs) DrawFrame(payload []byte, ptsMs int64, first bool) {
	if f.Draw != nil {
		f.Draw(payload, ptsMs, first)
	}
}

func (f CallbackFuncs) PlaybackFinished() {
	if f.Finished != nil {
		f.Finished()
	}
}

// PlayerOption configures a Player.
type PlayerOption func(*Player)

// WithAudio routes audio through decoders into sink.
func WithAudio(decoders audio.DecoderFactory, sink audio.Sink) PlayerOption {
	return func(p *Player) {
		if decoders != nil {
			p.decoders = decoders
		}
		if sink != nil {
			p.sink = sink
		}
	}
}

// WithPlayerMetrics counts drawn frames in m.
func WithPlayerMetrics(m *metrics.Metrics) PlayerOption {
	return func(p *Player) { p.metrics = m }
}

// Player paces video frames out of a TrackBuffer by their timestamps and
// feeds audio to a decoder. Video runs on a timer that is re-armed after
// each frame, so only one tick is ever in flight; audio runs on its own
// worker for as long as the player is playing.
type Player struct {
	buffer   *buffer.TrackBuffer
	callback Callback
	decoders audio.DecoderFactory
	sink     audio.Sink
	metrics  *metrics.Metrics
	logger   *slog.Logger

	playing atomic.Bool
	muted   atomic.Bool

	// handshake holds one token, put there by the video tick when it draws
	// the first frame of a segment. The audio worker takes it before
	// decoding that segment.
	handshake chan struct{}

	// tickMu is held for a whole tick, so a tick scheduled by a Play that
	// raced a slow DrawFrame waits for the stale one to return.
	tickMu sync.Mutex

	mu        sync.Mutex
	timer     *time.Timer
	gen       uint64
	stopped   chan struct{}
	audioDone chan struct{}
	closed    bool
}

// NewPlayer creates a stopped player reading from buf.
func NewPlayer(buf *buffer.TrackBuffer, callback Callback, opts ...PlayerOption) *Player {
	p := &Player{
		buffer:    buf,
		callback:  callback,
		decoders:  audio.Passthrough{},
		sink:      audio.Discard{},
		logger:    util.Component("preview_player"),
		handshake: make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// NextDelay is the wait between presenting cur and next. A next frame that
// opens a segment is shown immediately.
func NextDelay(cur, next media.Frame) time.Duration {
	if next.FirstOfSegment {
		return 0
	}
	delta := (next.PTS - cur.PTS) / media.PTSTicksPerMilli
	if delta < 0 {
		return 0
	}
	return time.Duration(delta) * time.Millisecond
}

// Play starts ticking immediately and starts the audio worker. It does
// nothing while already playing.
func (p *Player) Play() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed || p.playing.Load() {
		return
	}
	p.playing.Store(true)

	p.stopped = make(chan struct{})
	prev := p.audioDone
	p.audioDone = make(chan struct{})
	go p.runAudio(p.stopped, prev, p.audioDone)

	p.gen++
	p.scheduleLocked(p.gen, 0)
	p.logger.Debug("Playback started")
}

// Stop cancels the pending tick. The audio worker exits after its current
// step.
func (p *Player) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.playing.Load() {
		return
	}
	p.playing.Store(false)
	close(p.stopped)

	p.gen++
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
	p.logger.Debug("Playback stopped")
}

// Pause stops playback when pause is set and resumes it otherwise.
func (p *Player) Pause(pause bool) {
	if pause {
		p.Stop()
		return
	}
	p.Play()
}

// Playing reports whether the player is playing.
func (p *Player) Playing() bool {
	return p.playing.Load()
}

// SetVolumeEnabled mutes or unmutes audio. The decoder keeps running either
// way.
func (p *Player) SetVolumeEnabled(enabled bool) {
	p.muted.Store(!enabled)
	p.applyVolume()
}

// Close stops playback and waits for the audio worker to exit.
func (p *Player) Close() {
	p.Stop()

	p.mu.Lock()
	p.closed = true
	done := p.audioDone
	p.mu.Unlock()

	if done != nil {
		<-done
	}
}

func (p *Player) applyVolume() {
	if p.muted.Load() {
		p.sink.SetVolume(0)
		return
	}
	p.sink.SetVolume(1)
}

func (p *Player) scheduleLocked(gen uint64, delay time.Duration) {
	p.timer = time.AfterFunc(delay, func() { p.tick(gen) })
}

func (p *Player) current(gen uint64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return gen == p.gen && p.playing.Load()
}

func (p *Player) tick(gen uint64) {
	p.tickMu.Lock()
	defer p.tickMu.Unlock()

	if !p.current(gen) {
		return
	}

	frame, ok := p.buffer.Dequeue(media.FrameTypeVideo)
	if !ok {
		return
	}
	p.metrics.SetBuffered("video", p.buffer.TrackLen(media.FrameTypeVideo))

	p.callback.DrawFrame(frame.Payload, frame.PTSMillis(), frame.FirstOfSegment)
	p.metrics.FrameDrawn()

	// The frame is on screen even if the player was stopped meanwhile, so
	// its audio may start.
	if frame.FirstOfSegment && p.buffer.HasAudioFrames() {
		p.releaseAudio()
	}
	if !p.current(gen) {
		return
	}

	next, ok := p.buffer.Peek(media.FrameTypeVideo)
	if ok && p.buffer.State() != buffer.StateEmpty {
		p.mu.Lock()
		if gen == p.gen && p.playing.Load() {
			p.scheduleLocked(gen, NextDelay(frame, next))
		}
		p.mu.Unlock()
		return
	}

	if !ok && p.buffer.EndOfStreamReached() {
		p.logger.Debug("Playback finished")
		p.callback.PlaybackFinished()
	}
}

func (p *Player) releaseAudio() {
	select {
	case p.handshake <- struct{}{}:
	default:
	}
}

func (p *Player) awaitVideo(stopped <-chan struct{}) bool {
	select {
	case <-p.handshake:
		return true
	case <-stopped:
		return false
	}
}

func (p *Player) runAudio(stopped <-chan struct{}, prev <-chan struct{}, done chan struct{}) {
	defer close(done)
	if prev != nil {
		<-prev
	}

	for p.waitForAudio(stopped) {
		frame, ok := p.buffer.Peek(media.FrameTypeAudio)
		if !ok {
			continue
		}

		cfg, err := audio.ConfigFromADTS(frame.Payload)
		if err != nil {
			p.logger.Error("Cannot derive audio config, continuing without sound", "error", err)
			p.drainAudio(stopped)
			return
		}
		dec, err := p.decoders.Open(cfg, p.sink)
		if err != nil {
			p.logger.Error("Failed to open audio decoder, continuing without sound", "error", err)
			p.drainAudio(stopped)
			return
		}
		p.logger.Debug("Audio session opened", "sample_rate", cfg.SampleRate)
		p.applyVolume()

		p.decodeSession(dec, stopped)

		if err := dec.Close(); err != nil {
			p.logger.Warn("Failed to close audio decoder", "error", err)
		}
		p.logger.Debug("Audio session closed")
	}
}

// decodeSession feeds one contiguous run of audio to dec. It returns at end
// of stream, at the start of the next segment, or when stopped.
func (p *Player) decodeSession(dec audio.Decoder, stopped <-chan struct{}) {
	sawFirst := false
	for p.waitForAudio(stopped) {
		head, ok := p.buffer.Peek(media.FrameTypeAudio)
		if !ok {
			return
		}
		if head.FirstOfSegment && sawFirst {
			return
		}

		frame, ok := p.buffer.Dequeue(media.FrameTypeAudio)
		if !ok {
			return
		}
		p.metrics.SetBuffered("audio", p.buffer.TrackLen(media.FrameTypeAudio))

		if frame.FirstOfSegment {
			sawFirst = true
			if !p.awaitVideo(stopped) {
				return
			}
		}

		eos := p.buffer.EndOfStreamReached()
		if err := dec.Decode(audio.StripADTS(frame.Payload), frame.PTSMillis(), eos); err != nil {
			p.logger.Warn("Audio decode failed, restarting session", "error", err)
			return
		}
		if eos {
			return
		}
	}
}

// drainAudio discards audio while playing so a missing decoder degrades to
// video only instead of stalling the ingest on a full audio track.
func (p *Player) drainAudio(stopped <-chan struct{}) {
	for p.waitForAudio(stopped) {
		p.buffer.Dequeue(media.FrameTypeAudio)
	}
}

func (p *Player) waitForAudio(stopped <-chan struct{}) bool {
	for !p.buffer.HasAudioFrames() {
		select {
		case <-stopped:
			return false
		case <-time.After(audioPoll):
		}
	}
	select {
	case <-stopped:
		return false
	default:
		return true
	}
}
