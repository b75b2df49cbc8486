package preview

import (
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/babelcloud/camlink/internal/buffer"
	"github.com/babelcloud/camlink/internal/media"
	"github.com/babelcloud/camlink/internal/metrics"
	"github.com/babelcloud/camlink/internal/protocol"
)

// freePort returns a port that was free a moment ago.
func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := l.Addr().(*net.TCPAddr).Port
	require.NoError(t, l.Close())
	return port
}

func dialIngest(t *testing.T, in *Ingest) net.Conn {
	t.Helper()
	conn, err := net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", in.Port()))
	require.NoError(t, err)
	return conn
}

func writeFrames(t *testing.T, conn net.Conn, frames ...media.Frame) {
	t.Helper()
	for _, f := range frames {
		require.NoError(t, protocol.WriteFrame(conn, f))
	}
}

func TestIngestTagsFirstFramesAndEndsSegment(t *testing.T) {
	port := freePort(t)
	buf := buffer.NewTrackBuffer()
	in := NewIngest(buf, WithListenHost("127.0.0.1"), WithPortRange(port-1, port+10))

	var segments atomic.Int32
	in.SetOnEndOfSegment(func() { segments.Add(1) })

	require.NoError(t, in.Start(context.Background()))
	defer in.Stop()
	assert.Equal(t, port, in.Port())
	assert.True(t, in.Running())

	conn := dialIngest(t, in)
	writeFrames(t, conn,
		media.Frame{Type: media.FrameTypeStartOfStream},
		media.Frame{Type: media.FrameTypeVideo, PTS: 0, Payload: []byte{1}},
		media.Frame{Type: media.FrameTypeAudio, PTS: 0, Payload: []byte{2}},
		media.Frame{Type: media.FrameTypeVideo, PTS: 3000, Payload: []byte{3}},
		media.Frame{Type: media.FrameTypeAudio, PTS: 1920, Payload: []byte{4}},
		media.Frame{Type: media.FrameTypeEndOfStream},
	)
	conn.Close()

	require.Eventually(t, func() bool { return segments.Load() == 1 }, 2*time.Second, 5*time.Millisecond)

	assert.Equal(t, 2, buf.TrackLen(media.FrameTypeVideo))
	assert.Equal(t, 2, buf.TrackLen(media.FrameTypeAudio))
	assert.True(t, buf.VideoOnly(), "segment end resets video-only mode")

	v1, _ := buf.Dequeue(media.FrameTypeVideo)
	v2, _ := buf.Dequeue(media.FrameTypeVideo)
	a1, _ := buf.Dequeue(media.FrameTypeAudio)
	a2, _ := buf.Dequeue(media.FrameTypeAudio)
	assert.True(t, v1.FirstOfSegment)
	assert.False(t, v2.FirstOfSegment)
	assert.True(t, a1.FirstOfSegment)
	assert.False(t, a2.FirstOfSegment)
	assert.Equal(t, []byte{3}, v2.Payload)
	assert.Equal(t, int64(3000), v2.PTS)
	assert.True(t, buf.EndOfStreamReached())

	// The listener stays up for the next segment and tags it afresh.
	conn = dialIngest(t, in)
	defer conn.Close()
	writeFrames(t, conn, media.Frame{Type: media.FrameTypeVideo, PTS: 9000, Payload: []byte{5}})

	require.Eventually(t, func() bool {
		return buf.TrackLen(media.FrameTypeVideo) == 1
	}, 2*time.Second, 5*time.Millisecond)
	v3, _ := buf.Peek(media.FrameTypeVideo)
	assert.True(t, v3.FirstOfSegment)
	assert.False(t, buf.EndOfStreamReached(), "new frames clear the end-of-stream mark")
}

func TestIngestPortCursorWraps(t *testing.T) {
	port := freePort(t)
	in := NewIngest(buffer.NewTrackBuffer(), WithListenHost("127.0.0.1"), WithPortRange(port, port+2))

	require.NoError(t, in.Start(context.Background()))
	assert.Equal(t, port+1, in.Port())
	in.Stop()
	assert.False(t, in.Running())

	require.NoError(t, in.Start(context.Background()))
	assert.Equal(t, port, in.Port(), "reaching the top of the range wraps to the bottom")
	in.Stop()
}

func TestIngestPortSearchWrapsToBottom(t *testing.T) {
	// Find a port whose two upper neighbours we can hold ourselves.
	var port int
	var held []net.Listener
	for attempt := 0; attempt < 20 && held == nil; attempt++ {
		port = freePort(t)
		var ls []net.Listener
		for _, p := range []int{port + 1, port + 2} {
			l, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", p))
			if err != nil {
				break
			}
			ls = append(ls, l)
		}
		if len(ls) == 2 {
			held = ls
			break
		}
		for _, l := range ls {
			l.Close()
		}
	}
	require.NotNil(t, held, "no port with two free neighbours")
	defer func() {
		for _, l := range held {
			l.Close()
		}
	}()

	in := NewIngest(buffer.NewTrackBuffer(), WithListenHost("127.0.0.1"), WithPortRange(port, port+2))
	require.NoError(t, in.Start(context.Background()))
	defer in.Stop()
	assert.Equal(t, port, in.Port(), "busy ports above the cursor fall back to the bottom of the range")
}

func TestIngestNoFreePort(t *testing.T) {
	busy, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer busy.Close()
	port := busy.Addr().(*net.TCPAddr).Port

	in := NewIngest(buffer.NewTrackBuffer(), WithListenHost("127.0.0.1"), WithPortRange(port, port))
	err = in.Start(context.Background())
	assert.ErrorIs(t, err, ErrNoFreePort)
	assert.False(t, in.Running())
}

func TestIngestStopsOnProtocolError(t *testing.T) {
	port := freePort(t)
	in := NewIngest(buffer.NewTrackBuffer(), WithListenHost("127.0.0.1"), WithPortRange(port-1, port+10))
	require.NoError(t, in.Start(context.Background()))
	defer in.Stop()

	conn := dialIngest(t, in)
	defer conn.Close()

	header := make([]byte, 12)
	binary.BigEndian.PutUint32(header[0:], 1)
	binary.BigEndian.PutUint32(header[4:], uint32(media.FrameTypeVideo))
	binary.BigEndian.PutUint32(header[8:], 0xFFFFFFFF)
	_, err := conn.Write(header)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return !in.Running() }, 2*time.Second, 5*time.Millisecond)
}

func TestIngestStartTwiceAndStopIdempotent(t *testing.T) {
	port := freePort(t)
	in := NewIngest(buffer.NewTrackBuffer(), WithListenHost("127.0.0.1"), WithPortRange(port-1, port+10))

	require.NoError(t, in.Start(context.Background()))
	assert.Error(t, in.Start(context.Background()))

	in.Stop()
	assert.NotPanics(t, in.Stop)
	assert.False(t, in.Running())
}

func TestIngestContextCancel(t *testing.T) {
	port := freePort(t)
	ctx, cancel := context.WithCancel(context.Background())
	in := NewIngest(buffer.NewTrackBuffer(), WithListenHost("127.0.0.1"), WithPortRange(port-1, port+10))
	require.NoError(t, in.Start(ctx))

	cancel()
	require.Eventually(t, func() bool { return !in.Running() }, 2*time.Second, 5*time.Millisecond)
}

func videoPayloads(n int) []media.Frame {
	frames := make([]media.Frame, n)
	for i := range frames {
		frames[i] = media.Frame{Type: media.FrameTypeVideo, PTS: int64(i) * 3000, Payload: []byte{byte(i + 1)}}
	}
	return frames
}

func TestIngestPausesReadingWhileFull(t *testing.T) {
	port := freePort(t)
	m := metrics.New(prometheus.NewRegistry())
	buf := buffer.NewTrackBuffer(buffer.WithCapacity(4), buffer.WithWatermarks(1, 2))
	in := NewIngest(buf, WithListenHost("127.0.0.1"), WithPortRange(port-1, port+10), WithIngestMetrics(m))
	require.NoError(t, in.Start(context.Background()))
	defer in.Stop()

	conn := dialIngest(t, in)
	defer conn.Close()
	writeFrames(t, conn, videoPayloads(6)...)

	videoRead := func() float64 { return testutil.ToFloat64(m.PreviewFrames.WithLabelValues("video")) }

	require.Eventually(t, func() bool { return buf.TrackLen(media.FrameTypeVideo) == 4 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, buffer.StateFull, buf.State())

	// The remaining frames wait on the socket rather than being read and dropped.
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 4, buf.TrackLen(media.FrameTypeVideo))
	assert.Equal(t, 4.0, videoRead())

	var got []byte
	f, ok := buf.Dequeue(media.FrameTypeVideo)
	require.True(t, ok)
	got = append(got, f.Payload...)
	require.Eventually(t, func() bool {
		return videoRead() == 5 && buf.TrackLen(media.FrameTypeVideo) == 4
	}, 2*time.Second, 5*time.Millisecond, "reading resumes once a slot frees up")

	f, ok = buf.Dequeue(media.FrameTypeVideo)
	require.True(t, ok)
	got = append(got, f.Payload...)
	require.Eventually(t, func() bool { return videoRead() == 6 }, 2*time.Second, 5*time.Millisecond)

	for buf.TrackLen(media.FrameTypeVideo) > 0 {
		f, _ := buf.Dequeue(media.FrameTypeVideo)
		got = append(got, f.Payload...)
	}
	assert.Equal(t, []byte{1, 2, 3, 4, 5, 6}, got)
	assert.Zero(t, testutil.ToFloat64(m.PreviewDropped))
}

func TestIngestCountsDropsOnFullTrack(t *testing.T) {
	port := freePort(t)
	m := metrics.New(prometheus.NewRegistry())
	buf := buffer.NewTrackBuffer(buffer.WithCapacity(4), buffer.WithWatermarks(1, 2))
	in := NewIngest(buf, WithListenHost("127.0.0.1"), WithPortRange(port-1, port+10), WithIngestMetrics(m))
	require.NoError(t, in.Start(context.Background()))
	defer in.Stop()

	conn := dialIngest(t, in)
	defer conn.Close()

	// A single video frame keeps the combined state LOW, so the ingest keeps
	// reading while the audio track is already full.
	frames := []media.Frame{{Type: media.FrameTypeVideo, Payload: []byte{1}}}
	for i := 0; i < 6; i++ {
		frames = append(frames, media.Frame{Type: media.FrameTypeAudio, PTS: int64(i) * 1920, Payload: []byte{byte(10 + i)}})
	}
	writeFrames(t, conn, frames...)

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(m.PreviewDropped) == 2
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 4, buf.TrackLen(media.FrameTypeAudio))
	assert.Equal(t, buffer.StateLow, buf.State())

	first, ok := buf.Dequeue(media.FrameTypeAudio)
	require.True(t, ok)
	assert.Equal(t, []byte{10}, first.Payload)
}
