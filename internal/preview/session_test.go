package preview

import (
	"context"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/babelcloud/camlink/internal/camera"
	"github.com/babelcloud/camlink/internal/media"
	"github.com/babelcloud/camlink/internal/protocol"
)

type timelineRecorder struct {
	mu       sync.Mutex
	total    int64
	started  []int64
	progress []int64
	ends     int
}

func (r *timelineRecorder) TotalLengthSet(totalMs int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.total = totalMs
}

func (r *timelineRecorder) PreviewStarted(seekMs int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.started = append(r.started, seekMs)
}

func (r *timelineRecorder) Progress(ms int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.progress = append(r.progress, ms)
}

func (r *timelineRecorder) EndReached() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ends++
}

func (r *timelineRecorder) endCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ends
}

type countingRenderer struct {
	mu      sync.Mutex
	images  int
	drawing bool
}

func (r *countingRenderer) QueueImage([]byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.images++
}

func (r *countingRenderer) StartDrawing() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.drawing = true
}

func (r *countingRenderer) StopDrawing() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.drawing = false
}

// loopbackCamera acknowledges every command and streams a short clip to the
// requested port for each start.
type loopbackCamera struct {
	frames int
	wg     sync.WaitGroup
}

func (c *loopbackCamera) StartPreview(ctx context.Context, mediaID string, offsetSecs, lengthSecs float64, port int) camera.Result[struct{}] {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		conn, err := net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", port))
		if err != nil {
			return
		}
		defer conn.Close()

		base := int64(offsetSecs * 1000 * media.PTSTicksPerMilli)
		protocol.WriteFrame(conn, media.Frame{Type: media.FrameTypeStartOfStream})
		for i := 0; i < c.frames; i++ {
			protocol.WriteFrame(conn, media.Frame{
				Type:    media.FrameTypeVideo,
				PTS:     base + int64(i)*10*media.PTSTicksPerMilli,
				Payload: []byte(mediaID),
			})
		}
		protocol.WriteFrame(conn, media.Frame{Type: media.FrameTypeEndOfStream})
	}()
	return camera.Ok(struct{}{})
}

func (c *loopbackCamera) StopPreview(ctx context.Context, mediaID string, port int) camera.Result[struct{}] {
	return camera.Ok(struct{}{})
}

func TestSessionPlaysTimeline(t *testing.T) {
	port := freePort(t)
	cam := &loopbackCamera{frames: 5}
	listener := &timelineRecorder{}
	renderer := &countingRenderer{}

	s := NewSession(context.Background(), SessionConfig{
		Client:        cam,
		Renderer:      renderer,
		Listener:      listener,
		IngestOptions: []IngestOption{WithListenHost("127.0.0.1"), WithPortRange(port-1, port+20)},
	})
	defer s.Close()

	require.NoError(t, s.Prepare(
		media.Playable{ID: "a", StartOffsetSecs: 2, DurationSecs: 1},
		media.Playable{ID: "b", StartOffsetSecs: 0, DurationSecs: 1},
	))
	assert.Equal(t, int64(2000), s.TotalMs())

	require.NoError(t, s.Start())
	require.Eventually(t, func() bool { return listener.endCount() == 1 }, 5*time.Second, 10*time.Millisecond)

	listener.mu.Lock()
	assert.Equal(t, int64(2000), listener.total)
	assert.Equal(t, []int64{0}, listener.started)
	assert.Equal(t, []int64{0, 20, 30, 40, 1000, 1010, 1020, 1030, 1040}, listener.progress,
		"the frame after a restart is skipped and the second clip continues the timeline")
	listener.mu.Unlock()

	renderer.mu.Lock()
	assert.Equal(t, 9, renderer.images)
	assert.True(t, renderer.drawing)
	renderer.mu.Unlock()

	s.Stop()
	assert.False(t, s.Ingest().Running())
	assert.Equal(t, 0, s.Buffer().TrackLen(media.FrameTypeVideo))
	cam.wg.Wait()
}

func TestSessionTimeline(t *testing.T) {
	listener := &timelineRecorder{}
	s := NewSession(context.Background(), SessionConfig{Client: &loopbackCamera{}, Listener: listener})
	defer s.Close()

	_, _, err := s.PlayableAt(0)
	assert.ErrorIs(t, err, ErrNotPrepared)
	assert.ErrorIs(t, s.Seek(0), ErrNotPrepared)
	assert.ErrorIs(t, s.Prepare(), ErrNoPlayables)

	require.NoError(t, s.Prepare(
		media.Playable{ID: "a", StartOffsetSecs: 10, DurationSecs: 4},
		media.Playable{ID: "b", StartOffsetSecs: 1.5, DurationSecs: 2},
		media.Playable{ID: "c", DurationSecs: 3},
	))
	assert.Equal(t, int64(9000), listener.total)

	tests := []struct {
		ms     int64
		id     string
		offset float64
	}{
		{ms: 0, id: "a", offset: 10},
		{ms: 3999, id: "a", offset: 13.999},
		{ms: 4000, id: "b", offset: 1.5},
		{ms: 5500, id: "b", offset: 3},
		{ms: 6000, id: "c", offset: 0},
		{ms: 9000, id: "c", offset: 3},
	}
	for _, tt := range tests {
		id, offset, err := s.PlayableAt(tt.ms)
		require.NoError(t, err, "ms %d", tt.ms)
		assert.Equal(t, tt.id, id, "ms %d", tt.ms)
		assert.InDelta(t, tt.offset, offset, 1e-9, "ms %d", tt.ms)
	}

	_, _, err = s.PlayableAt(9001)
	assert.ErrorIs(t, err, ErrOutOfTimeline)
	_, _, err = s.PlayableAt(-1)
	assert.ErrorIs(t, err, ErrOutOfTimeline)

	require.NoError(t, s.Seek(9000))
	assert.Equal(t, 1, listener.endCount(), "seeking to the end reports the end")
	assert.Equal(t, StateIdle, s.Controller().State())
}
