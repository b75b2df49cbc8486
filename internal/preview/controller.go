package preview

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/babelcloud/camlink/internal/camera"
	"github.com/babelcloud/camlink/internal/util"
)

// CommandClient sends preview commands to the camera. camera.Client
// satisfies it.
type CommandClient interface {
	StartPreview(ctx context.Context, mediaID string, offsetSecs, lengthSecs float64, port int) camera.Result[struct{}]
	StopPreview(ctx context.Context, mediaID string, port int) camera.Result[struct{}]
}

// CommandKind tells START from STOP.
type CommandKind int

const (
	CommandStart CommandKind = iota
	CommandStop
)

func (k CommandKind) String() string {
	if k == CommandStop {
		return "STOP"
	}
	return "START"
}

// Command is one preview request sent to the camera.
type Command struct {
	Kind       CommandKind
	MediaID    string
	OffsetSecs float64
	LengthSecs float64
	Port       int
}

// ControllerState is the remote preview session state.
type ControllerState int

const (
	StateIdle ControllerState = iota
	StateCommandInFlight
	StateActive
)

func (s ControllerState) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateCommandInFlight:
		return "COMMAND_IN_FLIGHT"
	case StateActive:
		return "ACTIVE"
	default:
		return fmt.Sprintf("ControllerState(%d)", int(s))
	}
}

// ControllerHooks let the owner take part in transitions. Hooks run without
// the controller lock held, except BeforeStart, which must not call back
// into the controller.
type ControllerHooks struct {
	// BeforeStart prepares the ingest and returns the port the camera
	// should stream to.
	BeforeStart func() (port int, err error)
	OnStarted   func(cmd Command, err error)
	OnStopped   func(cmd Command, err error)
}

// Controller serializes preview commands for a camera that supports a single
// preview session. At most one command is in flight; newer start requests
// replace the one waiting in the pending slot.
type Controller struct {
	client CommandClient
	hooks  ControllerHooks
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	state    ControllerState
	inFlight Command
	active   Command
	pending  *Command
	closed   bool
}

// NewController creates a controller in the IDLE state.
func NewController(client CommandClient, hooks ControllerHooks) *Controller {
	ctx, cancel := context.WithCancel(context.Background())
	return &Controller{
		client: client,
		hooks:  hooks,
		logger: util.Component("preview_controller"),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start requests playback of mediaID from offsetSecs for lengthSecs.
func (c *Controller) Start(mediaID string, offsetSecs, lengthSecs float64) {
	cmd := Command{
		Kind:       CommandStart,
		MediaID:    mediaID,
		OffsetSecs: offsetSecs,
		LengthSecs: lengthSecs,
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	notify := c.requestStartLocked(cmd)
	c.mu.Unlock()

	runAll(notify)
}

// Stop ends the active preview. It is a no-op when idle and is dropped while
// a command is in flight.
func (c *Controller) Stop() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}

	var notify []func()
	switch c.state {
	case StateIdle:
		c.logger.Debug("Stop requested while idle")
	case StateCommandInFlight:
		c.logger.Info("Dropping stop request, command in flight", "in_flight", c.inFlight.Kind)
	case StateActive:
		notify = c.sendLocked(c.stopCommandLocked())
	}
	c.mu.Unlock()

	runAll(notify)
}

// State returns the current state.
func (c *Controller) State() ControllerState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Pending returns the start request waiting for the in-flight command.
func (c *Controller) Pending() (Command, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pending == nil {
		return Command{}, false
	}
	return *c.pending, true
}

// Active returns the START command of the running preview.
func (c *Controller) Active() (Command, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active, c.state == StateActive
}

// Close cancels any in-flight request and ignores later acks.
func (c *Controller) Close() {
	c.mu.Lock()
	c.closed = true
	c.pending = nil
	c.mu.Unlock()
	c.cancel()
}

func (c *Controller) requestStartLocked(cmd Command) []func() {
	switch c.state {
	case StateIdle:
		return c.sendLocked(cmd)
	case StateCommandInFlight:
		c.logger.Info("Scheduling start after in-flight command", "media", cmd.MediaID, "in_flight", c.inFlight.Kind)
		c.pending = &cmd
		return nil
	default:
		c.logger.Info("Stopping active preview before start", "media", cmd.MediaID)
		c.pending = &cmd
		return c.sendLocked(c.stopCommandLocked())
	}
}

func (c *Controller) stopCommandLocked() Command {
	return Command{
		Kind:    CommandStop,
		MediaID: c.active.MediaID,
		Port:    c.active.Port,
	}
}

// sendLocked moves to COMMAND_IN_FLIGHT and sends cmd. A start that cannot
// be prepared fails immediately and leaves the controller idle.
func (c *Controller) sendLocked(cmd Command) []func() {
	if cmd.Kind == CommandStart && c.hooks.BeforeStart != nil {
		port, err := c.hooks.BeforeStart()
		if err != nil {
			c.logger.Error("Failed to prepare preview start", "media", cmd.MediaID, "error", err)
			c.state = StateIdle
			return c.startedHook(cmd, err)
		}
		cmd.Port = port
	}

	c.state = StateCommandInFlight
	c.inFlight = cmd
	c.logger.Info("Sending preview command", "command", cmd.Kind, "media", cmd.MediaID,
		"offset_secs", cmd.OffsetSecs, "length_secs", cmd.LengthSecs, "port", cmd.Port)

	ctx := c.ctx
	camera.Async(func() camera.Result[struct{}] {
		if cmd.Kind == CommandStop {
			return c.client.StopPreview(ctx, cmd.MediaID, cmd.Port)
		}
		return c.client.StartPreview(ctx, cmd.MediaID, cmd.OffsetSecs, cmd.LengthSecs, cmd.Port)
	}, func(res camera.Result[struct{}]) {
		c.complete(cmd, res)
	})
	return nil
}

func (c *Controller) complete(cmd Command, res camera.Result[struct{}]) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}

	var notify []func()
	switch cmd.Kind {
	case CommandStart:
		if res.OK() {
			c.state = StateActive
			c.active = cmd
			c.logger.Info("Preview started", "media", cmd.MediaID, "port", cmd.Port)
		} else {
			c.state = StateIdle
			c.logger.Warn("Preview start failed", "media", cmd.MediaID, "outcome", res.Outcome, "error", res.Err)
		}
		notify = append(notify, c.startedHook(cmd, res.Err)...)
	case CommandStop:
		c.state = StateIdle
		c.active = Command{}
		if res.OK() {
			c.logger.Info("Preview stopped", "media", cmd.MediaID)
		} else {
			c.logger.Warn("Preview stop failed", "media", cmd.MediaID, "outcome", res.Outcome, "error", res.Err)
		}
		notify = append(notify, c.stoppedHook(cmd, res.Err)...)
	}

	if c.pending != nil {
		next := *c.pending
		c.pending = nil
		c.logger.Info("Sending scheduled start", "media", next.MediaID)
		notify = append(notify, c.requestStartLocked(next)...)
	}
	c.mu.Unlock()

	runAll(notify)
}

func (c *Controller) startedHook(cmd Command, err error) []func() {
	if c.hooks.OnStarted == nil {
		return nil
	}
	return []func(){func() { c.hooks.OnStarted(cmd, err) }}
}

func (c *Controller) stoppedHook(cmd Command, err error) []func() {
	if c.hooks.OnStopped == nil {
		return nil
	}
	return []func(){func() { c.hooks.OnStopped(cmd, err) }}
}

func runAll(fns []func()) {
	for _, fn := range fns {
		fn()
	}
}
