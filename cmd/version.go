package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/babelcloud/camlink/internal/version"
)

func NewVersionCommand() *cobra.Command {
	var outputFormat string

	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, args []string) error {
			info := version.Get()
			if outputFormat == "json" {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(info)
			}

			built := "unknown"
			if !info.BuildTime.IsZero() {
				built = info.BuildTime.Local().Format("Mon Jan 2 15:04:05 2006")
			}
			commit := info.ShortCommit()
			if info.Modified {
				commit += " (modified)"
			}

			fmt.Println(color.New(color.Bold).Sprint("camlink"))
			fmt.Printf(" Version:\t%s\n", info.Version)
			fmt.Printf(" Camera API:\t%s\n", info.CameraAPI)
			fmt.Printf(" Go version:\t%s\n", info.GoVersion)
			fmt.Printf(" Git commit:\t%s\n", commit)
			fmt.Printf(" Built:\t\t%s\n", built)
			fmt.Printf(" OS/Arch:\t%s\n", info.Platform)
			return nil
		},
	}

	cmd.Flags().StringVarP(&outputFormat, "output", "o", "text", "Output format (json or text)")
	return cmd
}
