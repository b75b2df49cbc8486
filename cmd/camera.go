package cmd

import (
	"context"
	"net"
	"strconv"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/babelcloud/camlink/config"
	"github.com/babelcloud/camlink/internal/camera"
	"github.com/babelcloud/camlink/internal/metrics"
)

// CameraOptions are the connection flags shared by commands that talk to the
// camera.
type CameraOptions struct {
	Host    string
	APIPort int
}

func (o *CameraOptions) addFlags(cmd *cobra.Command) {
	flags := cmd.Flags()
	flags.StringVar(&o.Host, "host", config.GetCameraHost(), "Camera address")
	flags.IntVar(&o.APIPort, "api-port", config.GetCameraAPIPort(), "Camera REST API port")
}

func (o *CameraOptions) client(m *metrics.Metrics) *camera.Client {
	return camera.NewClient(camera.BaseURL(o.Host, o.APIPort), camera.WithMetrics(m))
}

// newMetrics returns metrics registered on a fresh registry, which the viewer
// serves at /metrics.
func newMetrics() (*metrics.Metrics, *prometheus.Registry) {
	reg := prometheus.NewRegistry()
	return metrics.New(reg), reg
}

// backchannelAddr resolves the notification endpoint: the configured port,
// or the one the camera reports in its status.
func backchannelAddr(ctx context.Context, o *CameraOptions, client *camera.Client) (string, error) {
	port := config.GetNotificationPort()
	if port == 0 {
		status, err := client.GetStatus(ctx).Get()
		if err != nil {
			return "", errors.Wrap(err, "failed to read camera status")
		}
		port = status.BackchannelPort
	}
	if port <= 0 {
		return "", errors.New("camera did not report a backchannel port")
	}
	return net.JoinHostPort(o.Host, strconv.Itoa(port)), nil
}
