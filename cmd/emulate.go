package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/fatih/color"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/babelcloud/camlink/internal/emulator"
	"github.com/babelcloud/camlink/internal/notification"
	"github.com/babelcloud/camlink/internal/util"
)

type EmulateOptions struct {
	Listen        string
	Backchannel   string
	ClipDir       string
	Synthetic     int
	SyntheticSecs float64
	FPS           int
	Realtime      bool
	StreamHost    string
}

func NewEmulateCommand() *cobra.Command {
	opts := &EmulateOptions{}

	cmd := &cobra.Command{
		Use:   "emulate",
		Short: "Run an emulated camera for development",
		Long: `Serve the camera REST API, the backchannel and the preview and viewfinder
streams from local clips. Each subdirectory of --clip-dir is one clip named after
the directory, holding JPEG frames and an optional audio.aac ADTS track. A
clip.toml in the directory may set fps and the audio file name. Without
--clip-dir synthetic clips named clip-1, clip-2, ... are generated.`,
		Example: `  camlink emulate
  camlink emulate --clip-dir ./clips --listen 0.0.0.0:8080
  camlink status --host 127.0.0.1 --api-port 8080`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEmulate(cmd, opts)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&opts.Listen, "listen", "127.0.0.1:8080", "Listen address of the REST API")
	flags.StringVar(&opts.Backchannel, "backchannel", "127.0.0.1:"+strconv.Itoa(notification.DefaultPort), "Listen address of the notification backchannel")
	flags.StringVar(&opts.ClipDir, "clip-dir", "", "Directory with one subdirectory per clip")
	flags.IntVar(&opts.Synthetic, "synthetic", 2, "Number of synthetic clips when no --clip-dir is given")
	flags.Float64Var(&opts.SyntheticSecs, "synthetic-duration", 10, "Length of each synthetic clip in seconds")
	flags.IntVar(&opts.FPS, "fps", emulator.DefaultFPS, "Frame rate of the clips")
	flags.BoolVar(&opts.Realtime, "realtime", true, "Pace streams by presentation time")
	flags.StringVar(&opts.StreamHost, "stream-host", "", "Send streams to this host instead of the requesting address")

	return cmd
}

func runEmulate(cmd *cobra.Command, opts *EmulateOptions) error {
	ctx, stop := signalContext(cmd.Context())
	defer stop()

	clips, err := loadClips(opts)
	if err != nil {
		return err
	}

	camOpts := []emulator.Option{
		emulator.WithClips(clips...),
		emulator.WithRealtime(opts.Realtime),
	}
	if opts.StreamHost != "" {
		camOpts = append(camOpts, emulator.WithStreamHost(opts.StreamHost))
	}
	cam := emulator.New(camOpts...)
	defer cam.Close()

	apiLn, err := net.Listen("tcp", opts.Listen)
	if err != nil {
		return errors.Wrapf(err, "failed to listen on %s", opts.Listen)
	}
	backLn, err := net.Listen("tcp", opts.Backchannel)
	if err != nil {
		apiLn.Close()
		return errors.Wrapf(err, "failed to listen on %s", opts.Backchannel)
	}

	fmt.Printf("Emulated camera API at %s\n", color.CyanString("http://"+apiLn.Addr().String()+"/api"))
	fmt.Printf("Backchannel at %s\n", color.CyanString(backLn.Addr().String()))
	for _, clip := range clips {
		fmt.Printf("  %s\n", clip)
	}

	srv := &http.Server{
		Handler:  cam.Handler(),
		ErrorLog: util.StdLogger("emulator", slog.LevelWarn),
	}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.Serve(apiLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		return cam.ServeBackchannel(gctx, backLn)
	})
	g.Go(func() error {
		<-gctx.Done()
		cam.Notify(notification.TypeShuttingDown, map[string]any{})
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func loadClips(opts *EmulateOptions) ([]emulator.Clip, error) {
	if opts.ClipDir == "" {
		clips := make([]emulator.Clip, 0, opts.Synthetic)
		for i := 1; i <= opts.Synthetic; i++ {
			clip, err := emulator.SyntheticClip(fmt.Sprintf("clip-%d", i), opts.SyntheticSecs, opts.FPS)
			if err != nil {
				return nil, errors.Wrap(err, "failed to generate synthetic clip")
			}
			clips = append(clips, clip)
		}
		if len(clips) == 0 {
			return nil, errors.New("no clips to serve")
		}
		return clips, nil
	}

	entries, err := os.ReadDir(opts.ClipDir)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read clip directory %s", opts.ClipDir)
	}
	var clips []emulator.Clip
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		clip, err := emulator.LoadClip(entry.Name(), filepath.Join(opts.ClipDir, entry.Name()), opts.FPS)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to load clip %s", entry.Name())
		}
		clips = append(clips, clip)
	}
	if len(clips) == 0 {
		return nil, errors.Errorf("no clips found in %s", opts.ClipDir)
	}
	return clips, nil
}
