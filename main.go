package main

import (
	"os"

	"github.com/babelcloud/camlink/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
