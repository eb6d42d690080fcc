package main

import (
	"fmt"
	"os"

	"github.com/cockroachdb/errors"

	"github.com/lucasnoah/imgmigrate/internal/cli"
)

// Version is set at build time via ldflags.
var Version = "dev"

func main() {
	cli.SetVersion(Version)
	if err := cli.Execute(); err != nil {
		if !errors.Is(err, cli.ErrItemsFailed) {
			fmt.Fprintln(os.Stderr, "Error:", err)
			for _, hint := range errors.GetAllHints(err) {
				fmt.Fprintln(os.Stderr, hint)
			}
		}
		os.Exit(1)
	}
}
