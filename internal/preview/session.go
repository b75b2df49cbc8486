package preview

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/babelcloud/camlink/internal/buffer"
	"github.com/babelcloud/camlink/internal/media"
	"github.com/babelcloud/camlink/internal/render"
	"github.com/babelcloud/camlink/internal/util"
)

var (
	ErrNotPrepared   = errors.New("preview session not prepared")
	ErrNoPlayables   = errors.New("no playables to preview")
	ErrOutOfTimeline = errors.New("position outside the preview timeline")
)

// Listener follows the timeline of a preview session. Calls arrive on
// pipeline goroutines.
type Listener interface {
	TotalLengthSet(totalMs int64)
	PreviewStarted(seekMs int64)
	Progress(ms int64)
	EndReached()
}

// NopListener ignores every event. Embed it to implement part of Listener.
type NopListener struct{}

func (NopListener) TotalLengthSet(int64) {}
func (NopListener) PreviewStarted(int64) {}
func (NopListener) Progress(int64)       {}
func (NopListener) EndReached()          {}

// SessionConfig wires a Session.
type SessionConfig struct {
	Client        CommandClient
	Renderer      render.Renderer
	Listener      Listener
	BufferOptions []buffer.Option
	IngestOptions []IngestOption
	PlayerOptions []PlayerOption
}

type timelineEntry struct {
	media.Playable
	offsetInTotal float64
}

// Session plays a list of playables back to back as one timeline. It owns
// the buffer, the ingest, the player and the command controller.
type Session struct {
	ctx        context.Context
	buffer     *buffer.TrackBuffer
	ingest     *Ingest
	player     *Player
	controller *Controller
	renderer   render.Renderer
	listener   Listener
	logger     *slog.Logger

	mu             sync.Mutex
	entries        []timelineEntry
	totalMs        int64
	seekSecs       float64
	seekMs         int64
	bufferingIndex int
	playingIndex   int
	restarted      bool
	startPending   bool
	soundEnabled   bool
}

// NewSession builds the preview pipeline. ctx bounds the ingest listener.
func NewSession(ctx context.Context, cfg SessionConfig) *Session {
	s := &Session{
		ctx:          ctx,
		renderer:     cfg.Renderer,
		listener:     cfg.Listener,
		logger:       util.Component("preview_session"),
		soundEnabled: true,
		playingIndex: -1,
	}
	if s.renderer == nil {
		s.renderer = render.Discard{}
	}
	if s.listener == nil {
		s.listener = NopListener{}
	}

	s.buffer = buffer.NewTrackBuffer(cfg.BufferOptions...)
	s.ingest = NewIngest(s.buffer, cfg.IngestOptions...)
	s.player = NewPlayer(s.buffer, s, cfg.PlayerOptions...)
	s.controller = NewController(cfg.Client, ControllerHooks{
		BeforeStart: s.prepareIngest,
		OnStarted:   s.onStarted,
		OnStopped:   s.onStopped,
	})

	s.buffer.SetCallbacks(buffer.Callbacks{
		OnEmpty: func() {
			s.logger.Info("Preview buffer is empty")
			s.player.Stop()
		},
		OnLow: func() {
			s.logger.Info("Preview buffer is low")
		},
		OnReady: func() {
			s.logger.Info("Preview buffer is ready")
			s.player.Play()
		},
	})
	s.ingest.SetOnEndOfSegment(s.onEndOfSegment)
	return s
}

// Prepare lays out playables on one timeline and reports its length.
func (s *Session) Prepare(playables ...media.Playable) error {
	if len(playables) == 0 {
		return ErrNoPlayables
	}

	entries := make([]timelineEntry, 0, len(playables))
	offset := 0.0
	for _, p := range playables {
		entries = append(entries, timelineEntry{Playable: p, offsetInTotal: offset})
		offset += p.DurationSecs
	}
	total := int64(offset * 1000)

	s.mu.Lock()
	s.entries = entries
	s.totalMs = total
	s.mu.Unlock()

	s.listener.TotalLengthSet(total)
	return nil
}

// TotalMs returns the timeline length.
func (s *Session) TotalMs() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.totalMs
}

// Start plays the timeline from the beginning.
func (s *Session) Start() error {
	return s.Seek(0)
}

// Seek restarts playback at ms on the timeline. Seeking to the end reports
// EndReached.
func (s *Session) Seek(ms int64) error {
	s.mu.Lock()
	if s.entries == nil {
		s.mu.Unlock()
		return ErrNotPrepared
	}
	idx := s.indexAtLocked(ms)
	if idx < 0 || ms < 0 {
		s.mu.Unlock()
		return ErrOutOfTimeline
	}

	s.seekSecs = float64(ms) / 1000
	s.seekMs = ms
	s.restarted = true
	s.startPending = true
	s.bufferingIndex = idx
	s.playingIndex = idx - 1

	if ms == s.totalMs {
		s.mu.Unlock()
		s.listener.EndReached()
		return nil
	}

	entry := s.entries[idx]
	inFile := s.seekSecs - entry.offsetInTotal
	s.mu.Unlock()

	s.logger.Info("Seeking preview", "ms", ms, "media", entry.ID, "offset_secs", inFile)

	s.ingest.Stop()
	s.player.Stop()
	s.buffer.Clear()
	s.renderer.StartDrawing()

	s.controller.Start(entry.ID, inFile+entry.StartOffsetSecs, entry.DurationSecs-inFile)
	return nil
}

// Stop halts the ingest, then the player, then clears the buffer, and asks
// the camera to stop streaming.
func (s *Session) Stop() {
	s.ingest.Stop()
	s.player.Stop()
	s.buffer.Clear()
	s.renderer.StopDrawing()
	s.controller.Stop()
}

// Close stops the session and releases its goroutines.
func (s *Session) Close() {
	s.Stop()
	s.controller.Close()
	s.player.Close()
}

// Pause pauses or resumes playback without touching the camera stream.
func (s *Session) Pause(pause bool) {
	s.player.Pause(pause)
}

// SetVolumeEnabled turns sound on or off for the whole session. Muted
// playables stay muted.
func (s *Session) SetVolumeEnabled(enabled bool) {
	s.mu.Lock()
	s.soundEnabled = enabled
	s.mu.Unlock()
	s.player.SetVolumeEnabled(enabled)
}

// PlayableAt maps a timeline position to the playable at that position and
// the offset into its media.
func (s *Session) PlayableAt(ms int64) (id string, offsetSecs float64, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.entries == nil {
		return "", 0, ErrNotPrepared
	}
	idx := s.indexAtLocked(ms)
	if idx < 0 || ms < 0 {
		return "", 0, ErrOutOfTimeline
	}
	entry := s.entries[idx]
	return entry.ID, float64(ms)/1000 - entry.offsetInTotal + entry.StartOffsetSecs, nil
}

// Controller exposes the command state machine.
func (s *Session) Controller() *Controller {
	return s.controller
}

// Buffer exposes the frame buffer.
func (s *Session) Buffer() *buffer.TrackBuffer {
	return s.buffer
}

// Ingest exposes the stream ingest.
func (s *Session) Ingest() *Ingest {
	return s.ingest
}

// DrawFrame implements Callback.
func (s *Session) DrawFrame(payload []byte, ptsMs int64, first bool) {
	s.mu.Lock()
	started := false
	if first {
		s.playingIndex++
		if s.startPending {
			s.startPending = false
			started = true
		}
	} else if s.restarted {
		s.restarted = false
		s.mu.Unlock()
		return
	}

	if s.entries == nil || s.playingIndex < 0 || s.playingIndex >= len(s.entries) {
		s.mu.Unlock()
		return
	}
	entry := s.entries[s.playingIndex]
	sound := s.soundEnabled && !entry.Muted
	seekMs := s.seekMs
	progress := ptsMs - int64((entry.StartOffsetSecs-entry.offsetInTotal)*1000)
	s.mu.Unlock()

	if started {
		s.listener.PreviewStarted(seekMs)
	}
	s.player.SetVolumeEnabled(sound)
	s.listener.Progress(progress)
	s.renderer.QueueImage(payload)
}

// PlaybackFinished implements Callback. A drained segment only ends the
// timeline when it was the last playable.
func (s *Session) PlaybackFinished() {
	s.mu.Lock()
	last := s.playingIndex >= len(s.entries)-1
	s.mu.Unlock()

	if !last {
		s.logger.Debug("Segment drained, waiting for the next playable")
		return
	}
	s.logger.Info("Preview playback finished")
	s.listener.EndReached()
}

// indexAtLocked returns the entry covering ms, the last entry for the exact
// end of the timeline, or -1.
func (s *Session) indexAtLocked(ms int64) int {
	if ms == s.totalMs {
		return len(s.entries) - 1
	}
	end := 0.0
	for i, e := range s.entries {
		end += e.DurationSecs * 1000
		if float64(ms) < end {
			return i
		}
	}
	return -1
}

// prepareIngest makes sure the ingest is listening before a START goes out
// and returns its port. A running ingest keeps its port so the next segment
// reaches the same listener.
func (s *Session) prepareIngest() (int, error) {
	if !s.ingest.Running() {
		if err := s.ingest.Start(s.ctx); err != nil {
			return 0, err
		}
	}
	return s.ingest.Port(), nil
}

func (s *Session) onEndOfSegment() {
	s.player.Play()

	s.mu.Lock()
	if s.entries == nil || s.bufferingIndex >= len(s.entries)-1 {
		s.mu.Unlock()
		return
	}
	s.seekSecs += s.entries[s.bufferingIndex].DurationSecs
	s.bufferingIndex++
	next := s.entries[s.bufferingIndex]
	s.mu.Unlock()

	s.logger.Info("Queueing next playable", "media", next.ID)
	s.controller.Start(next.ID, next.StartOffsetSecs, next.DurationSecs)
}

func (s *Session) onStarted(cmd Command, err error) {
	if err != nil {
		s.logger.Error("Camera refused preview start", "media", cmd.MediaID, "error", err)
	}
}

func (s *Session) onStopped(cmd Command, err error) {
	if err != nil {
		s.logger.Warn("Camera failed to stop preview", "media", cmd.MediaID, "error", err)
	}
}
