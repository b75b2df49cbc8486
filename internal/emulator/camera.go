package emulator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/babelcloud/camlink/internal/camera"
	"github.com/babelcloud/camlink/internal/notification"
	"github.com/babelcloud/camlink/internal/render"
	"github.com/babelcloud/camlink/internal/util"
)

const dialTimeout = 5 * time.Second

// Option configures a Camera.
type Option func(*Camera)

// WithClips makes clips available for preview by ID.
func WithClips(clips ...Clip) Option {
	return func(c *Camera) {
		for _, clip := range clips {
			c.clips[clip.ID] = clip
		}
	}
}

// WithRealtime paces streams by PTS. Without it frames are sent as fast as
// the receiver reads them.
func WithRealtime(realtime bool) Option {
	return func(c *Camera) {
		c.realtime = realtime
	}
}

// WithStreamHost sends streams to host instead of the requesting address.
func WithStreamHost(host string) Option {
	return func(c *Camera) {
		c.streamHost = host
	}
}

type stream struct {
	id     uint64
	ctx    context.Context
	cancel context.CancelFunc
}

// Camera serves the camera REST API and pushes the streams it asks for.
type Camera struct {
	clips      map[string]Clip
	realtime   bool
	streamHost string
	events     *render.Broadcaster
	logger     *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu              sync.Mutex
	nextStream      uint64
	preview         *stream
	previewID       string
	viewfinder      *stream
	viewfinderPort  int
	backchannelPort int
}

// New creates an emulated camera. Close releases its streams.
func New(opts ...Option) *Camera {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Camera{
		clips:  make(map[string]Clip),
		events: render.NewBroadcaster(false),
		logger: util.Component("emulator"),
		ctx:    ctx,
		cancel: cancel,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Handler serves the REST API under /api.
func (c *Camera) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/2/preview", c.handlePreview)
	mux.HandleFunc("GET /api/2/viewfinder", c.handleGetViewfinder)
	mux.HandleFunc("POST /api/2/viewfinder", c.handleSetViewfinder)
	mux.HandleFunc("GET /api/2/status", c.handleStatus)
	return mux
}

// Close stops every stream and disconnects backchannel clients.
func (c *Camera) Close() {
	c.cancel()
	c.events.Close()
	c.wg.Wait()
}

// Notify pushes an event to backchannel clients.
func (c *Camera) Notify(kind notification.Type, body any) {
	msg, err := json.Marshal(map[string]any{string(kind): body})
	if err != nil {
		c.logger.Error("Failed to encode notification", "type", kind, "error", err)
		return
	}
	c.events.Broadcast(msg)
}

// ServeBackchannel accepts backchannel clients on ln until ctx is cancelled.
// The bound port is reported in the status document.
func (c *Camera) ServeBackchannel(ctx context.Context, ln net.Listener) error {
	if addr, ok := ln.Addr().(*net.TCPAddr); ok {
		c.mu.Lock()
		c.backchannelPort = addr.Port
		c.mu.Unlock()
	}

	go func() {
		select {
		case <-ctx.Done():
		case <-c.ctx.Done():
		}
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || c.ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("backchannel accept failed: %w", err)
		}
		c.wg.Add(1)
		go c.serveBackchannelConn(conn)
	}
}

func (c *Camera) serveBackchannelConn(conn net.Conn) {
	defer c.wg.Done()
	defer conn.Close()

	id := conn.RemoteAddr().String()
	events := c.events.Subscribe(id, 16)
	defer c.events.Unsubscribe(id)
	c.logger.Info("Backchannel client connected", "addr", id)

	go func() {
		<-c.ctx.Done()
		conn.Close()
	}()

	for msg := range events {
		if _, err := conn.Write(append(msg, '\n')); err != nil {
			c.logger.Debug("Backchannel client gone", "addr", id, "error", err)
			return
		}
	}
}

func (c *Camera) handlePreview(w http.ResponseWriter, r *http.Request) {
	var req camera.PreviewRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid preview request", http.StatusBadRequest)
		return
	}

	if !req.Active {
		c.mu.Lock()
		if c.preview != nil && c.previewID == req.ID {
			c.preview.cancel()
			c.preview = nil
		}
		c.mu.Unlock()
		c.logger.Info("Preview stopped", "media", req.ID, "port", req.Port)
		w.WriteHeader(http.StatusOK)
		return
	}

	clip, ok := c.clips[req.ID]
	if !ok {
		http.Error(w, "unknown media "+req.ID, http.StatusNotFound)
		return
	}
	if req.Port <= 0 {
		http.Error(w, "preview_port is required", http.StatusBadRequest)
		return
	}

	var offset, length float64
	if req.OffsetSecs != nil {
		offset = *req.OffsetSecs
	}
	if req.LengthSecs != nil {
		length = *req.LengthSecs
	}
	if offset >= clip.DurationSecs() {
		http.Error(w, "offset beyond the end of the media", http.StatusBadRequest)
		return
	}

	addr := net.JoinHostPort(c.targetHost(r), strconv.Itoa(req.Port))
	frames := clip.Frames(offset, length)

	c.mu.Lock()
	if c.preview != nil {
		c.preview.cancel()
	}
	s := c.newStreamLocked()
	c.preview = s
	c.previewID = req.ID
	c.mu.Unlock()

	c.logger.Info("Preview started", "media", req.ID, "addr", addr, "offset_secs", offset, "frames", len(frames))
	c.wg.Add(1)
	go c.runPreview(s, addr, frames)
	w.WriteHeader(http.StatusOK)
}

func (c *Camera) handleGetViewfinder(w http.ResponseWriter, r *http.Request) {
	c.mu.Lock()
	status := camera.ViewfinderStatus{Active: c.viewfinder != nil, StreamingPort: c.viewfinderPort}
	c.mu.Unlock()
	respondJSON(w, http.StatusOK, status)
}

func (c *Camera) handleSetViewfinder(w http.ResponseWriter, r *http.Request) {
	var req camera.ViewfinderStatus
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid viewfinder request", http.StatusBadRequest)
		return
	}

	c.mu.Lock()
	if c.viewfinder != nil {
		c.viewfinder.cancel()
		c.viewfinder = nil
		c.viewfinderPort = 0
	}
	if !req.Active {
		c.mu.Unlock()
		c.logger.Info("Viewfinder stopped")
		c.Notify(notification.TypeViewfinderStopped, map[string]bool{"viewfinder_active": false})
		w.WriteHeader(http.StatusOK)
		return
	}
	if req.StreamingPort <= 0 {
		c.mu.Unlock()
		http.Error(w, "viewfinder_streaming_port is required", http.StatusBadRequest)
		return
	}
	clip, ok := c.anyClipLocked()
	if !ok {
		c.mu.Unlock()
		http.Error(w, "no media to show", http.StatusServiceUnavailable)
		return
	}
	s := c.newStreamLocked()
	c.viewfinder = s
	c.viewfinderPort = req.StreamingPort
	c.mu.Unlock()

	addr := net.JoinHostPort(c.targetHost(r), strconv.Itoa(req.StreamingPort))
	c.logger.Info("Viewfinder started", "addr", addr)
	c.wg.Add(1)
	go c.runViewfinder(s, addr, clip)

	c.Notify(notification.TypeViewfinderStarted, map[string]bool{"viewfinder_active": true})
	w.WriteHeader(http.StatusOK)
}

func (c *Camera) handleStatus(w http.ResponseWriter, r *http.Request) {
	c.mu.Lock()
	status := camera.Status{
		BatteryLevelPct:         100,
		MemoryFreeBytes:         8 << 30,
		RemainingTimeSecs:       2 * 3600,
		RemainingPhotos:         5000,
		PreviewActive:           c.preview != nil,
		ViewfinderActive:        c.viewfinder != nil,
		ViewfinderStreamingPort: c.viewfinderPort,
		BackchannelPort:         c.backchannelPort,
	}
	c.mu.Unlock()
	respondJSON(w, http.StatusOK, status)
}

func (c *Camera) newStreamLocked() *stream {
	c.nextStream++
	ctx, cancel := context.WithCancel(c.ctx)
	return &stream{id: c.nextStream, ctx: ctx, cancel: cancel}
}

// anyClipLocked picks the clip with the lowest ID for the viewfinder.
func (c *Camera) anyClipLocked() (Clip, bool) {
	ids := make([]string, 0, len(c.clips))
	for id := range c.clips {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	for _, id := range ids {
		if clip := c.clips[id]; len(clip.Video) > 0 {
			return clip, true
		}
	}
	return Clip{}, false
}

func (c *Camera) targetHost(r *http.Request) string {
	if c.streamHost != "" {
		return c.streamHost
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return "127.0.0.1"
	}
	return host
}

func respondJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(data)
}
