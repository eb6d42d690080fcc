package cli

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/lucasnoah/imgmigrate/internal/ledger"
)

var historyCmd = &cobra.Command{
	Use:   "history [run-id]",
	Short: "List recorded runs, or the outcomes of one run",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(commonOptions(cmd))
		if err != nil {
			return err
		}
		db, err := ledger.Open(cfg.LedgerDSN())
		if err != nil {
			return err
		}
		defer db.Close()
		if err := db.Migrate(cmd.Context()); err != nil {
			return err
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
		defer w.Flush()

		if ref, _ := cmd.Flags().GetString("ref"); ref != "" {
			outcomes, err := db.RefHistory(cmd.Context(), ref)
			if err != nil {
				return err
			}
			fmt.Fprintln(w, "RUN\tROW\tSTATUS\tWHEN\tDETAIL")
			for _, o := range outcomes {
				fmt.Fprintf(w, "%s\t%d\t%s\t%s\t%s\n", shortID(o.RunID), o.Row, o.Status, o.RecordedAt, detail(o))
			}
			return nil
		}

		if len(args) == 1 {
			status, _ := cmd.Flags().GetString("status")
			outcomes, err := db.RunOutcomes(cmd.Context(), args[0], status)
			if err != nil {
				return err
			}
			fmt.Fprintln(w, "ROW\tSTATUS\tCLASS\tMS\tREF\tDETAIL")
			for _, o := range outcomes {
				fmt.Fprintf(w, "%d\t%s\t%s\t%d\t%s\t%s\n", o.Row, o.Status, o.Class, o.DurationMs, truncate(o.Ref, 60), detail(o))
			}
			return nil
		}

		limit, _ := cmd.Flags().GetInt("limit")
		runs, err := db.ListRuns(cmd.Context(), limit)
		if err != nil {
			return err
		}
		if len(runs) == 0 {
			fmt.Fprintln(w, "No runs recorded.")
			return nil
		}
		fmt.Fprintln(w, "ID\tSTARTED\tDEST\tDRY\tOK\tFAILED\tSKIPPED\tINPUT")
		for _, r := range runs {
			fmt.Fprintf(w, "%s\t%s\t%s\t%v\t%d\t%d\t%d\t%s\n",
				r.ID, r.StartedAt, r.Destination, r.DryRun, r.Succeeded, r.Failed, r.Skipped, r.InputFile)
		}
		return nil
	},
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func detail(o ledger.Outcome) string {
	if o.Error != "" {
		return o.Error
	}
	return o.NewURL
}

func init() {
	historyCmd.Flags().Int("limit", 20, "Number of runs to list")
	historyCmd.Flags().String("status", "", "Filter a run's outcomes by status (success, failed, skipped, duplicate)")
	historyCmd.Flags().String("ref", "", "Show every recorded outcome for one source URL")
	addCommonFlags(historyCmd)
}
