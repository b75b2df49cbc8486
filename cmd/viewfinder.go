package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync/atomic"

	"github.com/fatih/color"
	"github.com/pkg/browser"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/babelcloud/camlink/config"
	"github.com/babelcloud/camlink/internal/render"
	"github.com/babelcloud/camlink/internal/util"
	"github.com/babelcloud/camlink/internal/viewfinder"
)

type ViewfinderOptions struct {
	CameraOptions
	Port       int
	ViewerAddr string
	Open       bool
	DumpDir    string
}

func NewViewfinderCommand() *cobra.Command {
	opts := &ViewfinderOptions{}

	cmd := &cobra.Command{
		Use:   "viewfinder",
		Short: "Show the live viewfinder in the browser",
		Long: `Ask the camera to stream its viewfinder to this machine and show the images
in a local browser page. The viewfinder is switched off again on exit.`,
		Example: `  camlink viewfinder --open
  camlink viewfinder --port 4001 --dump-dir ./frames`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runViewfinder(cmd, opts)
		},
	}

	opts.addFlags(cmd)
	flags := cmd.Flags()
	flags.IntVar(&opts.Port, "port", config.GetViewfinderPort(), "Local UDP port for viewfinder datagrams")
	flags.StringVar(&opts.ViewerAddr, "viewer-addr", config.GetViewerAddr(), "Listen address of the browser viewer")
	flags.BoolVar(&opts.Open, "open", false, "Open the viewer in the default browser")
	flags.StringVar(&opts.DumpDir, "dump-dir", "", "Also write every received image to this directory")

	return cmd
}

func runViewfinder(cmd *cobra.Command, opts *ViewfinderOptions) error {
	ctx, stop := signalContext(cmd.Context())
	defer stop()

	m, reg := newMetrics()
	client := opts.client(m)
	viewer := render.NewViewer(opts.ViewerAddr, render.WithGatherer(reg))
	defer viewer.Close()

	var listener viewfinder.ImageListener = viewer
	if opts.DumpDir != "" {
		dump, err := newImageDump(opts.DumpDir)
		if err != nil {
			return err
		}
		listener = viewfinder.ImageListenerFunc(func(ts float32, image []byte) {
			viewer.OnImageReceived(ts, image)
			dump.OnImageReceived(ts, image)
		})
	}

	vf := viewfinder.New(":"+strconv.Itoa(opts.Port), listener, m)
	if err := vf.Start(ctx); err != nil {
		return errors.Wrap(err, "failed to start viewfinder receiver")
	}
	defer vf.Stop()

	if err := client.SetViewfinder(ctx, true, opts.Port).Err; err != nil {
		return errors.Wrap(err, "camera refused to start the viewfinder")
	}
	defer func() {
		// ctx is already cancelled here
		if err := client.SetViewfinder(context.Background(), false, -1).Err; err != nil {
			util.GetLogger().Warn("Failed to stop camera viewfinder", "error", err)
		}
	}()
	viewer.StartDrawing()

	url := "http://" + opts.ViewerAddr
	fmt.Printf("Viewfinder streaming to UDP port %d\n", opts.Port)
	fmt.Printf("Open %s to watch, press Ctrl+C to stop\n", color.CyanString(url))
	if opts.Open {
		if err := browser.OpenURL(url); err != nil {
			fmt.Printf("Failed to open browser automatically. Please visit: %s\n", url)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return viewer.Run(gctx)
	})
	return g.Wait()
}

// imageDump writes each image to its own numbered JPEG file.
type imageDump struct {
	dir   string
	count atomic.Int64
}

func newImageDump(dir string) (*imageDump, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "failed to create %s", dir)
	}
	return &imageDump{dir: dir}, nil
}

func (d *imageDump) OnImageReceived(_ float32, image []byte) {
	if image == nil {
		return
	}
	n := d.count.Add(1)
	path := filepath.Join(d.dir, fmt.Sprintf("viewfinder-%06d.jpg", n))
	if err := os.WriteFile(path, image, 0o644); err != nil {
		util.GetLogger().Warn("Failed to dump viewfinder image", "path", path, "error", err)
	}
}
