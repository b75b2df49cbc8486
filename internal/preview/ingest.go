package preview

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/babelcloud/camlink/internal/buffer"
	"github.com/babelcloud/camlink/internal/media"
	"github.com/babelcloud/camlink/internal/metrics"
	"github.com/babelcloud/camlink/internal/protocol"
	"github.com/babelcloud/camlink/internal/util"
)

const (
	DefaultPortMin = 4010
	DefaultPortMax = 4999

	readBufferSize = 64 * 1024
	fullBackoff    = 10 * time.Millisecond
)

// ErrNoFreePort is returned when no port in the preview range can be bound.
var ErrNoFreePort = errors.New("no free port in preview range")

// Ingest accepts the camera's preview connection and feeds its frames into a
// TrackBuffer. One connection is served at a time; after an end-of-stream
// the next connection is accepted on the same listener.
type Ingest struct {
	buffer  *buffer.TrackBuffer
	metrics *metrics.Metrics
	host    string
	portMin int
	portMax int
	logger  *slog.Logger

	mu             sync.Mutex
	cursor         int
	listener       net.Listener
	conn           net.Conn
	cancel         context.CancelFunc
	done           chan struct{}
	onEndOfSegment func()
}

// IngestOption configures an Ingest.
type IngestOption func(*Ingest)

// WithPortRange sets the ports the ingest may bind.
func WithPortRange(min, max int) IngestOption {
	return func(in *Ingest) {
		in.portMin, in.portMax = min, max
	}
}

// WithListenHost binds the listener to a single interface.
func WithListenHost(host string) IngestOption {
	return func(in *Ingest) { in.host = host }
}

// WithIngestMetrics counts frames in m.
func WithIngestMetrics(m *metrics.Metrics) IngestOption {
	return func(in *Ingest) { in.metrics = m }
}

// NewIngest creates an ingest feeding buf.
func NewIngest(buf *buffer.TrackBuffer, opts ...IngestOption) *Ingest {
	in := &Ingest{
		buffer:  buf,
		portMin: DefaultPortMin,
		portMax: DefaultPortMax,
		logger:  util.Component("preview_ingest"),
	}
	for _, opt := range opts {
		opt(in)
	}
	in.cursor = in.portMin
	return in
}

// SetOnEndOfSegment registers fn to run after each end-of-stream frame has
// been queued.
func (in *Ingest) SetOnEndOfSegment(fn func()) {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.onEndOfSegment = fn
}

// Start binds the next free port and begins accepting. Every start moves to
// a new port so a late connection from a previous stream cannot reach it.
func (in *Ingest) Start(ctx context.Context) error {
	in.mu.Lock()
	defer in.mu.Unlock()

	if in.listener != nil {
		return fmt.Errorf("preview ingest already running on port %d", in.cursor)
	}

	l, err := in.bind()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	in.listener = l
	in.cancel = cancel
	in.done = make(chan struct{})

	go in.run(ctx, l, in.done)

	in.logger.Info("Preview ingest listening", "port", in.cursor)
	return nil
}

func (in *Ingest) bind() (net.Listener, error) {
	in.cursor++
	if in.cursor >= in.portMax {
		in.cursor = in.portMin
	}

	// Search the whole range once, starting at the cursor and wrapping.
	span := in.portMax - in.portMin + 1
	for i := 0; i < span; i++ {
		port := in.portMin + (in.cursor-in.portMin+i)%span
		l, err := net.Listen("tcp", net.JoinHostPort(in.host, strconv.Itoa(port)))
		if err != nil {
			in.logger.Debug("Preview port unavailable", "port", port, "error", err)
			continue
		}
		in.cursor = port
		return l, nil
	}
	return nil, fmt.Errorf("%w [%d, %d]", ErrNoFreePort, in.portMin, in.portMax)
}

// Stop closes the listener and any active connection, then waits for the
// accept loop to exit. It does not touch the buffer.
func (in *Ingest) Stop() {
	in.mu.Lock()
	l, conn, cancel, done := in.listener, in.conn, in.cancel, in.done
	in.listener, in.conn, in.cancel = nil, nil, nil
	in.mu.Unlock()

	if l == nil {
		return
	}
	cancel()
	l.Close()
	if conn != nil {
		conn.Close()
	}
	<-done
	in.logger.Info("Preview ingest stopped")
}

// Running reports whether the ingest is accepting connections.
func (in *Ingest) Running() bool {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.listener != nil
}

// Port returns the most recently bound port.
func (in *Ingest) Port() int {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.cursor
}

func (in *Ingest) run(ctx context.Context, l net.Listener, done chan struct{}) {
	defer close(done)

	go func() {
		<-ctx.Done()
		l.Close()
	}()

	for {
		conn, err := l.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				in.logger.Debug("Preview listener closed")
			} else {
				in.logger.Error("Failed to accept preview connection", "error", err)
			}
			in.markStopped(l)
			return
		}

		if !in.setConn(conn) {
			conn.Close()
			return
		}
		in.logger.Debug("Preview connection established", "remote", conn.RemoteAddr().String())

		err = in.serve(ctx, conn)
		conn.Close()
		in.setConn(nil)

		if err != nil {
			if ctx.Err() == nil {
				in.logger.Error("Preview connection failed, stopping ingest", "error", err)
			}
			in.markStopped(l)
			return
		}
	}
}

// serve reads frames until end-of-stream (nil) or an error.
func (in *Ingest) serve(ctx context.Context, conn net.Conn) error {
	if tcp, ok := conn.(*net.TCPConn); ok {
		tcp.SetReadBuffer(readBufferSize)
	}
	reader := bufio.NewReaderSize(conn, readBufferSize)

	waitingVideo, waitingAudio := true, true
	for {
		if err := in.waitWhileFull(ctx); err != nil {
			return err
		}

		frame, err := protocol.ReadFrame(reader)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return fmt.Errorf("camera closed the connection before end of stream: %w", err)
			}
			return err
		}
		in.metrics.PreviewFrame(frame.Type.String())

		switch frame.Type {
		case media.FrameTypeStartOfStream:
			continue
		case media.FrameTypeVideo:
			if waitingVideo {
				waitingVideo = false
				frame.FirstOfSegment = true
			}
		case media.FrameTypeAudio:
			if waitingAudio {
				waitingAudio = false
				frame.FirstOfSegment = true
			}
		case media.FrameTypeEndOfStream:
		default:
			in.logger.Debug("Skipping unknown preview frame", "type", frame.Type)
			continue
		}

		in.queue(frame)

		if frame.Type == media.FrameTypeEndOfStream {
			in.buffer.ResetVideoOnly()
			in.logger.Debug("Preview segment ended")
			if fn := in.endOfSegmentHook(); fn != nil {
				fn()
			}
			return nil
		}
	}
}

func (in *Ingest) queue(frame media.Frame) {
	if frame.Type.HasPayload() && in.buffer.TrackState(frame.Type) == buffer.StateFull {
		in.metrics.PreviewDrop()
	}
	in.buffer.Queue(frame)

	in.metrics.SetBuffered("video", in.buffer.TrackLen(media.FrameTypeVideo))
	in.metrics.SetBuffered("audio", in.buffer.TrackLen(media.FrameTypeAudio))
}

func (in *Ingest) waitWhileFull(ctx context.Context) error {
	for in.buffer.State() == buffer.StateFull {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(fullBackoff):
		}
	}
	return ctx.Err()
}

func (in *Ingest) endOfSegmentHook() func() {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.onEndOfSegment
}

// setConn records the active connection. It reports false when the ingest
// was stopped concurrently.
func (in *Ingest) setConn(conn net.Conn) bool {
	in.mu.Lock()
	defer in.mu.Unlock()
	if conn != nil && in.cancel == nil {
		return false
	}
	in.conn = conn
	return true
}

// markStopped clears the listener after the accept loop ends on its own, so
// Running reports false and a new Start can bind.
func (in *Ingest) markStopped(l net.Listener) {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.listener != l {
		return
	}
	l.Close()
	in.listener = nil
	in.conn = nil
	if in.cancel != nil {
		in.cancel()
		in.cancel = nil
	}
}
