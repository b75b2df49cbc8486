package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/babelcloud/camlink/internal/util"
	"github.com/babelcloud/camlink/internal/version"
)

var (
	verbose bool

	rootCmd = &cobra.Command{
		Use:   "camlink",
		Short: "Talk to an action camera over Wi-Fi",
		Long: `camlink drives an action camera over its Wi-Fi API. It shows the live viewfinder,
plays back recorded media as a continuous preview, records that preview to
Matroska and follows the camera's backchannel notifications.`,
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			util.InitLogger(verbose)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Flag("version").Changed {
				fmt.Println(version.Get())
				return nil
			}
			return cmd.Help()
		},
	}
)

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.Flags().BoolP("version", "v", false, "Print version information and exit")
	rootCmd.PersistentFlags().BoolVar(&verbose, "verbose", false, "Enable debug logging")

	rootCmd.AddCommand(NewStatusCommand())
	rootCmd.AddCommand(NewViewfinderCommand())
	rootCmd.AddCommand(NewPreviewCommand())
	rootCmd.AddCommand(NewNotificationsCommand())
	rootCmd.AddCommand(NewEmulateCommand())
	rootCmd.AddCommand(NewVersionCommand())
}

// signalContext is cancelled on Ctrl+C or SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}
