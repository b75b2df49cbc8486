package notification

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/babelcloud/camlink/internal/metrics"
	"github.com/babelcloud/camlink/internal/util"
)

const (
	dialTimeout = 5 * time.Second
	// maxPending bounds the text kept while waiting for an object to close.
	maxPending = 64 * 1024
	backlog    = 16
)

// Listener holds one backchannel connection.
type Listener struct {
	metrics *metrics.Metrics
	logger  *slog.Logger

	mu     sync.Mutex
	conn   net.Conn
	cancel context.CancelFunc
	done   chan struct{}
}

// NewListener creates a listener. m may be nil.
func NewListener(m *metrics.Metrics) *Listener {
	return &Listener{
		metrics: m,
		logger:  util.Component("notification"),
	}
}

// Start connects to addr and delivers notifications on the returned channel
// until ctx is cancelled, Stop is called or the connection fails. The channel
// is closed when reading ends.
func (l *Listener) Start(ctx context.Context, addr string) (<-chan Notification, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.conn != nil {
		return nil, fmt.Errorf("notification listener already connected to %s", l.conn.RemoteAddr())
	}

	dialer := net.Dialer{Timeout: dialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to backchannel %s: %w", addr, err)
	}

	ctx, cancel := context.WithCancel(ctx)
	l.conn = conn
	l.cancel = cancel
	l.done = make(chan struct{})

	out := make(chan Notification, backlog)
	go l.run(ctx, conn, out, l.done)

	l.logger.Info("Backchannel connected", "addr", addr)
	return out, nil
}

// Stop closes the connection and waits for the reader to exit.
func (l *Listener) Stop() {
	l.mu.Lock()
	conn, cancel, done := l.conn, l.cancel, l.done
	l.mu.Unlock()

	if conn == nil {
		return
	}
	cancel()
	conn.Close()
	<-done
}

// Running reports whether the connection is open.
func (l *Listener) Running() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.conn != nil
}

func (l *Listener) run(ctx context.Context, conn net.Conn, out chan<- Notification, done chan struct{}) {
	defer close(done)
	defer close(out)
	defer l.markStopped(conn)

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	err := l.read(ctx, bufio.NewReader(conn), out)
	switch {
	case ctx.Err() != nil || errors.Is(err, net.ErrClosed):
		l.logger.Debug("Backchannel closed")
	case errors.Is(err, io.EOF):
		l.logger.Info("Camera closed the backchannel")
	default:
		l.logger.Error("Backchannel read failed", "error", err)
	}
}

// read accumulates lines until they form one JSON value, then delivers it.
func (l *Listener) read(ctx context.Context, r *bufio.Reader, out chan<- Notification) error {
	var pending bytes.Buffer
	for {
		line, err := r.ReadBytes('\n')
		if len(line) > 0 {
			pending.Write(line)
			if n, ok := l.flush(&pending); ok {
				select {
				case out <- n:
				case <-ctx.Done():
					return ctx.Err()
				}
			}
		}
		if err != nil {
			return err
		}
	}
}

func (l *Listener) flush(pending *bytes.Buffer) (Notification, bool) {
	text := bytes.TrimSpace(pending.Bytes())
	if len(text) == 0 {
		pending.Reset()
		return Notification{}, false
	}
	if !json.Valid(text) {
		if pending.Len() > maxPending {
			l.logger.Warn("Discarding unparseable backchannel text", "bytes", pending.Len())
			pending.Reset()
		}
		return Notification{}, false
	}

	n, err := Parse(text)
	pending.Reset()
	if err != nil {
		l.logger.Warn("Ignoring backchannel value", "error", err)
		return Notification{}, false
	}
	l.metrics.Notification(string(n.Type))
	l.logger.Debug("Backchannel notification", "type", n.Type)
	return n, true
}

func (l *Listener) markStopped(conn net.Conn) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.conn == conn {
		l.cancel()
		l.conn, l.cancel, l.done = nil, nil, nil
	}
}
