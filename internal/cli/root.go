package cli

import (
	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"
)

var version = "dev"

func SetVersion(v string) {
	version = v
}

// ErrItemsFailed is returned by run when the migration finished with
// failures. The summary has already been printed, so callers only need to
// set the exit status.
var ErrItemsFailed = errors.New("migration finished with failures")

var rootCmd = &cobra.Command{
	Use:   "imgmigrate",
	Short: "imgmigrate: move catalog images to an image host",
	Long: `imgmigrate reads a product CSV, moves every referenced CDN image to
Cloudinary, Cloudflare Images or an S3 bucket, and writes a mapping CSV plus a
copy of the input with a "New Image Link" column.

Progress is saved to output/migration_state.json so an interrupted run can be
resumed with --resume. Credentials are read from config.env or .env.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(resetCmd)
	rootCmd.AddCommand(unlockCmd)
	rootCmd.AddCommand(reconcileCmd)
	rootCmd.AddCommand(historyCmd)
}
