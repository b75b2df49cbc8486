package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/babelcloud/camlink/internal/camera"
	"github.com/babelcloud/camlink/internal/util"
)

type StatusOptions struct {
	CameraOptions
	OutputFormat string
}

func NewStatusCommand() *cobra.Command {
	opts := &StatusOptions{}

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show camera status",
		Example: `  camlink status
  camlink status --host 10.0.0.5 --output json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(cmd, opts)
		},
	}

	opts.addFlags(cmd)
	cmd.Flags().StringVarP(&opts.OutputFormat, "output", "o", "text", "Output format (json or text)")
	cmd.RegisterFlagCompletionFunc("output", func(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
		return []string{"json", "text"}, cobra.ShellCompDirectiveNoFileComp
	})

	return cmd
}

func runStatus(cmd *cobra.Command, opts *StatusOptions) error {
	client := opts.client(nil)
	status, err := client.GetStatus(cmd.Context()).Get()
	if err != nil {
		return fmt.Errorf("failed to get camera status: %w", err)
	}

	if opts.OutputFormat == "json" {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(status)
	}
	printStatus(status)
	return nil
}

func printStatus(status camera.Status) {
	columns := []util.TableColumn{
		{Header: "PROPERTY", Key: "property"},
		{Header: "VALUE", Key: "value"},
	}
	rows := []map[string]interface{}{
		{"property": "Recording", "value": onOff(status.RecordingActive)},
		{"property": "Recorded", "value": fmt.Sprintf("%ds", status.RecordingSecs)},
		{"property": "Battery", "value": battery(status)},
		{"property": "GNSS", "value": fmt.Sprintf("%s (%d%%)", onOff(status.GNSSFix), status.GNSSStrengthPct)},
		{"property": "Preview", "value": onOff(status.PreviewActive)},
		{"property": "Viewfinder", "value": viewfinderState(status)},
		{"property": "Backchannel port", "value": status.BackchannelPort},
		{"property": "Free memory", "value": fmt.Sprintf("%.1f MiB", float64(status.MemoryFreeBytes)/(1<<20))},
		{"property": "Remaining", "value": fmt.Sprintf("%ds / %d photos", status.RemainingTimeSecs, status.RemainingPhotos)},
	}
	util.RenderTable(columns, rows)
}

func onOff(v bool) string {
	if v {
		return color.New(color.FgGreen).Sprint("on")
	}
	return color.New(color.Faint).Sprint("off")
}

func battery(status camera.Status) string {
	level := fmt.Sprintf("%d%%", status.BatteryLevelPct)
	switch {
	case status.BatteryLevelPct < 15:
		level = color.RedString(level)
	case status.BatteryLevelPct < 40:
		level = color.YellowString(level)
	}
	if status.BatteryCharging {
		level += " (charging)"
	}
	return level
}

func viewfinderState(status camera.Status) string {
	if !status.ViewfinderActive {
		return onOff(false)
	}
	return fmt.Sprintf("%s (port %d)", onOff(true), status.ViewfinderStreamingPort)
}
