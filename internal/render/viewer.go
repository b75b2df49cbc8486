package render

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"io/fs"
	"log/slog"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/babelcloud/camlink/internal/util"
)

//go:embed static
var staticFiles embed.FS

const (
	imageBacklog  = 8
	eventBacklog  = 4
	writeTimeout  = 5 * time.Second
	shutdownGrace = 2 * time.Second
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

type drawingEvent struct {
	Type   string `json:"type"`
	Active bool   `json:"active"`
}

// ViewerOption configures a Viewer.
type ViewerOption func(*Viewer)

// WithGatherer exposes the metrics of g at /metrics.
func WithGatherer(g prometheus.Gatherer) ViewerOption {
	return func(v *Viewer) {
		v.gatherer = g
	}
}

// Viewer is a Renderer that pushes JPEG frames to browsers over websockets.
// It also accepts viewfinder images through OnImageReceived.
type Viewer struct {
	addr     string
	images   *Broadcaster
	events   *Broadcaster
	drawing  atomic.Bool
	gatherer prometheus.Gatherer
	logger   *slog.Logger
}

// NewViewer creates a viewer that Run serves on addr.
func NewViewer(addr string, opts ...ViewerOption) *Viewer {
	v := &Viewer{
		addr:   addr,
		images: NewBroadcaster(true),
		events: NewBroadcaster(false),
		logger: util.Component("viewer"),
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// QueueImage implements Renderer. Frames are ignored while not drawing.
func (v *Viewer) QueueImage(image []byte) {
	if !v.drawing.Load() {
		return
	}
	v.images.Broadcast(image)
}

// StartDrawing implements Renderer.
func (v *Viewer) StartDrawing() {
	v.setDrawing(true)
}

// StopDrawing implements Renderer.
func (v *Viewer) StopDrawing() {
	v.setDrawing(false)
}

// OnImageReceived shows a viewfinder image. Lost images keep the previous
// one on screen.
func (v *Viewer) OnImageReceived(timestampSecs float32, image []byte) {
	if image == nil {
		return
	}
	v.images.Broadcast(image)
}

// Viewers returns the number of connected browsers.
func (v *Viewer) Viewers() int {
	return v.images.SubscriberCount()
}

// Close disconnects every browser.
func (v *Viewer) Close() {
	v.images.Close()
	v.events.Close()
}

func (v *Viewer) setDrawing(active bool) {
	if v.drawing.Swap(active) == active {
		return
	}
	msg, _ := json.Marshal(drawingEvent{Type: "drawing", Active: active})
	v.events.Broadcast(msg)
}

// Handler serves the page at /, the frame socket at /ws and, when a gatherer
// is set, metrics at /metrics.
func (v *Viewer) Handler() http.Handler {
	mux := http.NewServeMux()
	page, _ := fs.Sub(staticFiles, "static")
	mux.Handle("/", http.FileServer(http.FS(page)))
	mux.HandleFunc("/ws", v.serveWebSocket)
	if v.gatherer != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(v.gatherer, promhttp.HandlerOpts{}))
	}
	return mux
}

// Run serves the viewer until ctx is cancelled.
func (v *Viewer) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", v.addr)
	if err != nil {
		return err
	}
	return v.Serve(ctx, ln)
}

// Serve serves the viewer on ln until ctx is cancelled.
func (v *Viewer) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:  v.Handler(),
		ErrorLog: util.StdLogger("viewer", slog.LevelWarn),
	}

	go func() {
		<-ctx.Done()
		v.Close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	v.logger.Info("Viewer listening", "url", "http://"+ln.Addr().String()+"/")
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (v *Viewer) serveWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		v.logger.Error("Failed to upgrade to WebSocket", "error", err)
		return
	}
	defer conn.Close()

	id := uuid.NewString()
	images := v.images.Subscribe(id, imageBacklog)
	defer v.images.Unsubscribe(id)
	events := v.events.Subscribe(id, eventBacklog)
	defer v.events.Unsubscribe(id)

	// The browser only sends close frames; reading notices them.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	state, _ := json.Marshal(drawingEvent{Type: "drawing", Active: v.drawing.Load()})
	if err := v.write(conn, websocket.TextMessage, state); err != nil {
		return
	}

	for {
		select {
		case <-r.Context().Done():
			return
		case <-gone:
			v.logger.Debug("Viewer disconnected", "id", id)
			return
		case msg, ok := <-events:
			if !ok {
				return
			}
			if err := v.write(conn, websocket.TextMessage, msg); err != nil {
				return
			}
		case image, ok := <-images:
			if !ok {
				return
			}
			if err := v.write(conn, websocket.BinaryMessage, image); err != nil {
				return
			}
		}
	}
}

func (v *Viewer) write(conn *websocket.Conn, messageType int, data []byte) error {
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := conn.WriteMessage(messageType, data); err != nil {
		v.logger.Debug("Failed to write to viewer", "error", err)
		return err
	}
	return nil
}
