package cmd

import (
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/babelcloud/camlink/internal/notification"
)

type NotificationsOptions struct {
	CameraOptions
	Raw bool
}

func NewNotificationsCommand() *cobra.Command {
	opts := &NotificationsOptions{}

	cmd := &cobra.Command{
		Use:     "notifications",
		Aliases: []string{"events"},
		Short:   "Follow the camera's backchannel notifications",
		Example: `  camlink notifications
  camlink notifications --raw`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runNotifications(cmd, opts)
		},
	}

	opts.addFlags(cmd)
	cmd.Flags().BoolVar(&opts.Raw, "raw", false, "Print the JSON payload of each notification")

	return cmd
}

func runNotifications(cmd *cobra.Command, opts *NotificationsOptions) error {
	ctx, stop := signalContext(cmd.Context())
	defer stop()

	m, _ := newMetrics()
	client := opts.client(m)
	addr, err := backchannelAddr(ctx, &opts.CameraOptions, client)
	if err != nil {
		return err
	}

	listener := notification.NewListener(m)
	events, err := listener.Start(ctx, addr)
	if err != nil {
		return errors.Wrapf(err, "failed to connect to backchannel at %s", addr)
	}
	defer listener.Stop()

	fmt.Printf("Listening for notifications from %s, press Ctrl+C to stop\n", color.CyanString(addr))
	for n := range events {
		printNotification(n, opts.Raw)
	}
	if ctx.Err() == nil {
		return errors.New("camera closed the backchannel")
	}
	return nil
}

func printNotification(n notification.Notification, raw bool) {
	stamp := time.Now().Format("15:04:05")
	line := n.String()
	if raw {
		line = fmt.Sprintf("%s %s", n.Type, n.Payload)
	}
	fmt.Printf("%s %s\n", color.New(color.Faint).Sprint(stamp), notificationColor(n.Type).Sprint(line))
}

func notificationColor(t notification.Type) *color.Color {
	switch t {
	case notification.TypeMemoryLow, notification.TypeMemoryError, notification.TypeShuttingDown:
		return color.New(color.FgRed)
	case notification.TypeWifiStopped:
		return color.New(color.FgYellow)
	case notification.TypeUnknown:
		return color.New(color.Faint)
	default:
		return color.New(color.FgGreen)
	}
}
