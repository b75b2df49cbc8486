package viewfinder

import (
	"context"
	"fmt"
	"sync"

	"github.com/babelcloud/camlink/internal/metrics"
	"github.com/babelcloud/camlink/internal/util"
)

// ImageListener receives viewfinder images. image is nil when a frame was
// lost in transit.
type ImageListener interface {
	OnImageReceived(timestampSecs float32, image []byte)
}

// ImageListenerFunc adapts a function to ImageListener.
type ImageListenerFunc func(timestampSecs float32, image []byte)

func (f ImageListenerFunc) OnImageReceived(timestampSecs float32, image []byte) {
	f(timestampSecs, image)
}

// Viewfinder receives the live viewfinder stream and delivers reassembled
// images to a listener.
type Viewfinder struct {
	server   *Server
	listener ImageListener
	metrics  *metrics.Metrics

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a viewfinder listening on addr. m may be nil.
func New(addr string, listener ImageListener, m *metrics.Metrics) *Viewfinder {
	return &Viewfinder{
		server:   NewServer(addr),
		listener: listener,
		metrics:  m,
	}
}

// Start opens the UDP socket and begins delivering images.
func (v *Viewfinder) Start(ctx context.Context) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.cancel != nil {
		return fmt.Errorf("viewfinder already running")
	}

	ctx, cancel := context.WithCancel(ctx)
	datagrams, err := v.server.Start(ctx)
	if err != nil {
		cancel()
		return err
	}

	images := NewParser().Images(ctx, datagrams, func(error) {
		v.metrics.ViewfinderReject()
	})

	v.cancel = cancel
	v.done = make(chan struct{})
	go v.deliver(images, v.done)
	return nil
}

// Stop closes the socket and waits until no more images are delivered.
func (v *Viewfinder) Stop() {
	v.mu.Lock()
	cancel, done := v.cancel, v.done
	v.cancel, v.done = nil, nil
	v.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	v.server.Stop()
	<-done
}

// Running reports whether the viewfinder socket is open.
func (v *Viewfinder) Running() bool {
	return v.server.Running()
}

// Port returns the bound UDP port.
func (v *Viewfinder) Port() int {
	return v.server.Port()
}

func (v *Viewfinder) deliver(images <-chan Image, done chan struct{}) {
	defer close(done)
	logger := util.Component("viewfinder")

	for image := range images {
		v.metrics.ViewfinderImage(image.Lost())
		if image.Lost() {
			logger.Debug("Viewfinder image lost", "timestamp", image.Timestamp)
		}
		if v.listener != nil {
			v.listener.OnImageReceived(image.Timestamp, image.Data)
		}
	}
}
