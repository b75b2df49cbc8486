package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fatih/color"
	"github.com/pkg/browser"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/babelcloud/camlink/config"
	"github.com/babelcloud/camlink/internal/audio"
	"github.com/babelcloud/camlink/internal/buffer"
	"github.com/babelcloud/camlink/internal/media"
	"github.com/babelcloud/camlink/internal/preview"
	"github.com/babelcloud/camlink/internal/render"
	"github.com/babelcloud/camlink/internal/util"
)

const stopGrace = 2 * time.Second

type PreviewOptions struct {
	CameraOptions
	ViewerAddr string
	ListenHost string
	Open       bool
	Record     string
	SeekSecs   float64
	Mute       bool
}

func NewPreviewCommand() *cobra.Command {
	opts := &PreviewOptions{}

	cmd := &cobra.Command{
		Use:   "preview <media> [media...]",
		Short: "Play recorded media from the camera as one timeline",
		Long: `Play one or more recorded clips back to back. Each media argument has the form

  ID:DURATION                  the first DURATION seconds of ID
  ID:OFFSET:DURATION           DURATION seconds of ID starting at OFFSET
  ID:OFFSET:DURATION:muted     the same, without sound

Images are shown in the browser viewer and can be recorded to a Matroska file.`,
		Example: `  camlink preview clip-1:10
  camlink preview clip-1:5:10 clip-2:0:20:muted --open
  camlink preview clip-1:30 --record preview.mkv`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			playables := make([]media.Playable, 0, len(args))
			for _, arg := range args {
				p, err := parsePlayable(arg)
				if err != nil {
					return err
				}
				playables = append(playables, p)
			}
			return runPreview(cmd, opts, playables)
		},
	}

	opts.addFlags(cmd)
	flags := cmd.Flags()
	flags.StringVar(&opts.ViewerAddr, "viewer-addr", config.GetViewerAddr(), "Listen address of the browser viewer")
	flags.StringVar(&opts.ListenHost, "listen-host", "", "Interface the preview stream listener binds to (default all)")
	flags.BoolVar(&opts.Open, "open", false, "Open the viewer in the default browser")
	flags.StringVar(&opts.Record, "record", "", "Record the preview to this Matroska file (relative names go to the recordings directory)")
	flags.Float64Var(&opts.SeekSecs, "seek", 0, "Start this many seconds into the timeline")
	flags.BoolVar(&opts.Mute, "mute", false, "Play without sound")

	return cmd
}

// parsePlayable parses ID:DURATION, ID:OFFSET:DURATION or
// ID:OFFSET:DURATION:muted.
func parsePlayable(arg string) (media.Playable, error) {
	parts := strings.Split(arg, ":")
	if parts[0] == "" {
		return media.Playable{}, errors.Errorf("invalid media %q: missing id", arg)
	}

	p := media.Playable{ID: parts[0]}
	var offset, duration string
	switch len(parts) {
	case 2:
		duration = parts[1]
	case 3:
		offset, duration = parts[1], parts[2]
	case 4:
		if parts[3] != "muted" {
			return media.Playable{}, errors.Errorf("invalid media %q: unknown flag %q", arg, parts[3])
		}
		offset, duration = parts[1], parts[2]
		p.Muted = true
	default:
		return media.Playable{}, errors.Errorf("invalid media %q: want ID:DURATION or ID:OFFSET:DURATION[:muted]", arg)
	}

	if offset != "" {
		v, err := strconv.ParseFloat(offset, 64)
		if err != nil || v < 0 {
			return media.Playable{}, errors.Errorf("invalid media %q: bad offset %q", arg, offset)
		}
		p.StartOffsetSecs = v
	}
	v, err := strconv.ParseFloat(duration, 64)
	if err != nil || v <= 0 {
		return media.Playable{}, errors.Errorf("invalid media %q: bad duration %q", arg, duration)
	}
	p.DurationSecs = v
	return p, nil
}

// recordingPath places bare file names in the recordings directory.
func recordingPath(name string) string {
	if filepath.IsAbs(name) || strings.ContainsRune(name, os.PathSeparator) {
		return name
	}
	return filepath.Join(config.GetRecordingsDir(), name)
}

func runPreview(cmd *cobra.Command, opts *PreviewOptions, playables []media.Playable) error {
	ctx, stop := signalContext(cmd.Context())
	defer stop()

	m, reg := newMetrics()
	client := opts.client(m)
	viewer := render.NewViewer(opts.ViewerAddr, render.WithGatherer(reg))
	defer viewer.Close()

	renderers := render.Multi{viewer}
	var sink audio.Sink = audio.Discard{}
	var recorder *render.Recorder
	if opts.Record != "" {
		path := recordingPath(opts.Record)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return errors.Wrap(err, "failed to create recordings directory")
		}
		var err error
		recorder, err = render.CreateRecorder(path)
		if err != nil {
			return errors.Wrap(err, "failed to create recording")
		}
		defer func() {
			if err := recorder.Close(); err != nil {
				util.GetLogger().Warn("Failed to finish recording", "path", path, "error", err)
				return
			}
			fmt.Printf("Recording saved to %s\n", color.CyanString(path))
		}()
		renderers = append(renderers, recorder)
		sink = recorder
	}

	capacity, low, ready := config.GetBufferThresholds()
	portMin, portMax := config.GetPreviewPortRange()
	progress := newProgressPrinter()

	ingestOpts := []preview.IngestOption{
		preview.WithPortRange(portMin, portMax),
		preview.WithIngestMetrics(m),
	}
	if opts.ListenHost != "" {
		ingestOpts = append(ingestOpts, preview.WithListenHost(opts.ListenHost))
	}

	session := preview.NewSession(ctx, preview.SessionConfig{
		Client:   client,
		Renderer: renderers,
		Listener: progress,
		BufferOptions: []buffer.Option{
			buffer.WithCapacity(capacity),
			buffer.WithWatermarks(low, ready),
		},
		IngestOptions: ingestOpts,
		PlayerOptions: []preview.PlayerOption{
			preview.WithAudio(audio.Passthrough{}, sink),
			preview.WithPlayerMetrics(m),
		},
	})
	defer shutdownSession(session)

	if err := session.Prepare(playables...); err != nil {
		return err
	}
	if opts.Mute {
		session.SetVolumeEnabled(false)
	}
	if err := session.Seek(int64(opts.SeekSecs * 1000)); err != nil {
		return errors.Wrap(err, "failed to start preview")
	}

	url := "http://" + opts.ViewerAddr
	fmt.Printf("Previewing %d media, open %s to watch\n", len(playables), color.CyanString(url))
	if opts.Open {
		if err := browser.OpenURL(url); err != nil {
			fmt.Printf("Failed to open browser automatically. Please visit: %s\n", url)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	runCtx, cancelRun := context.WithCancel(gctx)
	defer cancelRun()
	g.Go(func() error {
		return viewer.Run(runCtx)
	})
	g.Go(func() error {
		defer cancelRun()
		select {
		case <-progress.done:
			fmt.Println()
			color.New(color.FgGreen).Println("Preview finished")
		case <-runCtx.Done():
			fmt.Println()
		}
		return nil
	})
	return g.Wait()
}

// shutdownSession asks the camera to stop streaming and gives the STOP a
// moment to go out before the session is torn down.
func shutdownSession(session *preview.Session) {
	session.Stop()
	deadline := time.Now().Add(stopGrace)
	for session.Controller().State() != preview.StateIdle && time.Now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
	}
	session.Close()
}

// progressPrinter prints the timeline position on one terminal line.
type progressPrinter struct {
	totalMs atomic.Int64
	lastSec atomic.Int64
	once    sync.Once
	done    chan struct{}
}

func newProgressPrinter() *progressPrinter {
	p := &progressPrinter{done: make(chan struct{})}
	p.lastSec.Store(-1)
	return p
}

func (p *progressPrinter) TotalLengthSet(totalMs int64) {
	p.totalMs.Store(totalMs)
}

func (p *progressPrinter) PreviewStarted(seekMs int64) {
	fmt.Printf("\rStarted at %s\n", formatMs(seekMs))
}

func (p *progressPrinter) Progress(ms int64) {
	if sec := ms / 1000; p.lastSec.Swap(sec) != sec {
		fmt.Printf("\r%s / %s", formatMs(ms), formatMs(p.totalMs.Load()))
	}
}

func (p *progressPrinter) EndReached() {
	p.once.Do(func() { close(p.done) })
}

func formatMs(ms int64) string {
	secs := ms / 1000
	return fmt.Sprintf("%02d:%02d", secs/60, secs%60)
}
