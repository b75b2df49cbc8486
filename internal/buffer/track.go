package buffer

import (
	"sync"

	"github.com/babelcloud/camlink/internal/media"
	"github.com/babelcloud/camlink/internal/util"
)

// TrackBuffer pairs a video and an audio StreamBuffer into one flow control
// unit. Until an audio frame arrives the buffer runs in video-only mode and
// its state mirrors the video track.
type TrackBuffer struct {
	video *StreamBuffer[media.Frame]
	audio *StreamBuffer[media.Frame]

	mu        sync.Mutex
	eos       bool
	videoOnly bool
	callbacks Callbacks
}

// NewTrackBuffer creates a TrackBuffer whose tracks share the given options.
func NewTrackBuffer(opts ...Option) *TrackBuffer {
	b := &TrackBuffer{
		video:     New[media.Frame](opts...),
		audio:     New[media.Frame](opts...),
		videoOnly: true,
	}

	local := Callbacks{
		OnEmpty: b.trackEmpty,
		OnLow:   b.trackLow,
		OnReady: b.trackReady,
	}
	b.video.SetCallbacks(local)
	b.audio.SetCallbacks(local)
	return b
}

// SetCallbacks sets the combined state callbacks.
func (b *TrackBuffer) SetCallbacks(cb Callbacks) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.callbacks = cb
}

// Queue routes frame to its track and returns the combined state. Any frame
// clears the end-of-stream mark; an END_OF_STREAM frame sets it and is not
// stored. Other frame types are ignored.
func (b *TrackBuffer) Queue(frame media.Frame) State {
	b.mu.Lock()
	b.eos = false
	switch frame.Type {
	case media.FrameTypeAudio:
		b.videoOnly = false
	case media.FrameTypeEndOfStream:
		b.eos = true
	}
	b.mu.Unlock()

	switch frame.Type {
	case media.FrameTypeVideo:
		b.video.Queue(frame)
	case media.FrameTypeAudio:
		b.audio.Queue(frame)
	}
	return b.State()
}

// Dequeue removes the head frame of the given track.
func (b *TrackBuffer) Dequeue(track media.FrameType) (media.Frame, bool) {
	switch track {
	case media.FrameTypeVideo:
		return b.video.Dequeue()
	case media.FrameTypeAudio:
		return b.audio.Dequeue()
	default:
		return media.Frame{}, false
	}
}

// Peek returns a copy of the head frame of the given track.
func (b *TrackBuffer) Peek(track media.FrameType) (media.Frame, bool) {
	var (
		frame media.Frame
		ok    bool
	)
	switch track {
	case media.FrameTypeVideo:
		frame, ok = b.video.Peek()
	case media.FrameTypeAudio:
		frame, ok = b.audio.Peek()
	}
	if !ok {
		return media.Frame{}, false
	}
	return frame.Clone(), true
}

// NextVideoPTS returns the pts of the head video frame, or -1.
func (b *TrackBuffer) NextVideoPTS() int64 {
	frame, ok := b.video.Peek()
	if !ok {
		return -1
	}
	return frame.PTS
}

// State derives the combined state from both tracks.
func (b *TrackBuffer) State() State {
	b.mu.Lock()
	eos, videoOnly := b.eos, b.videoOnly
	b.mu.Unlock()

	video := b.video.State()
	if videoOnly {
		if eos && video == StateLow {
			return StateReady
		}
		return video
	}

	audio := b.audio.State()
	switch {
	case video == StateLow || audio == StateLow:
		if eos {
			return StateReady
		}
		return StateLow
	case video == StateFull || audio == StateFull:
		return StateFull
	case video == StateEmpty && audio == StateEmpty:
		return StateEmpty
	case video == StateReady && audio == StateReady:
		return StateReady
	}

	util.GetLogger().Error("Inconsistent track buffer state, reporting READY",
		"video", video, "audio", audio, "eos", eos)
	return StateReady
}

// EndOfStreamReached reports whether the end-of-stream mark was queued and
// every track it covers has drained.
func (b *TrackBuffer) EndOfStreamReached() bool {
	b.mu.Lock()
	eos, videoOnly := b.eos, b.videoOnly
	b.mu.Unlock()

	if !eos || b.video.Len() != 0 {
		return false
	}
	return videoOnly || b.audio.Len() == 0
}

// HasAudioFrames reports whether audio is queued.
func (b *TrackBuffer) HasAudioFrames() bool {
	return b.audio.Len() > 0
}

// VideoOnly reports whether no audio frame has been queued since the last
// reset.
func (b *TrackBuffer) VideoOnly() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.videoOnly
}

// ResetVideoOnly returns the buffer to video-only mode. The ingest calls it
// when a segment ends so the next segment decides its own mode.
func (b *TrackBuffer) ResetVideoOnly() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.videoOnly = true
}

// Clear empties both tracks and resets the stream marks.
func (b *TrackBuffer) Clear() {
	b.audio.Clear()
	b.video.Clear()

	b.mu.Lock()
	b.eos = false
	b.videoOnly = true
	b.mu.Unlock()
}

// TrackState returns the state of a single track.
func (b *TrackBuffer) TrackState(track media.FrameType) State {
	if track == media.FrameTypeAudio {
		return b.audio.State()
	}
	return b.video.State()
}

// TrackLen returns the number of frames queued on a track.
func (b *TrackBuffer) TrackLen(track media.FrameType) int {
	if track == media.FrameTypeAudio {
		return b.audio.Len()
	}
	return b.video.Len()
}

func (b *TrackBuffer) external() (Callbacks, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.callbacks, b.videoOnly
}

func (b *TrackBuffer) trackEmpty() {
	cb, videoOnly := b.external()
	if b.video.State() != StateEmpty {
		return
	}
	if (videoOnly || b.audio.State() == StateEmpty) && cb.OnEmpty != nil {
		cb.OnEmpty()
	}
}

func (b *TrackBuffer) trackLow() {
	cb, videoOnly := b.external()
	if b.video.State() != StateLow {
		return
	}
	if (videoOnly || b.audio.State() == StateLow) && cb.OnLow != nil {
		cb.OnLow()
	}
}

func (b *TrackBuffer) trackReady() {
	cb, videoOnly := b.external()
	if cb.OnReady == nil {
		return
	}
	if videoOnly {
		cb.OnReady()
		return
	}
	if b.video.State() == StateReady && b.audio.State() >= StateReady {
		cb.OnReady()
	}
}
