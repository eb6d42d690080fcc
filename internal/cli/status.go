package cli

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/lucasnoah/imgmigrate/internal/runlock"
	"github.com/lucasnoah/imgmigrate/internal/state"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show progress of the last migration from its state snapshot",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(commonOptions(cmd))
		if err != nil {
			return err
		}
		dir := cfg.Dirs.State

		st, err := state.ReadSnapshot(dir)
		if err != nil {
			if os.IsNotExist(err) {
				fmt.Fprintf(cmd.OutOrStdout(), "No migration state in %s.\n", dir)
				return nil
			}
			return fmt.Errorf("reading state: %w", err)
		}
		p := state.ProgressOf(st)

		format, _ := cmd.Flags().GetString("format")
		if format == "json" {
			data, _ := json.MarshalIndent(p, "", "  ")
			fmt.Fprintln(cmd.OutOrStdout(), string(data))
			return nil
		}

		w := cmd.OutOrStdout()
		fmt.Fprintf(w, "Input:      %s\n", st.InputFile)
		fmt.Fprintf(w, "Started:    %s\n", st.StartedAt)
		fmt.Fprintf(w, "Updated:    %s\n", st.UpdatedAt)
		completed := st.CompletedAt
		if completed == "" {
			completed = "-"
		}
		fmt.Fprintf(w, "Completed:  %s\n", completed)
		if holder := runlock.NewFileLock(dir).Holder(); holder != "" {
			fmt.Fprintf(w, "Locked:     %s\n", holder)
		}
		printSummary(w, p, st.FailedItems)
		return nil
	},
}

func init() {
	statusCmd.Flags().String("format", "text", "Output format: text or json")
	addCommonFlags(statusCmd)
}
