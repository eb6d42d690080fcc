package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/lucasnoah/imgmigrate/internal/engine"
	"github.com/lucasnoah/imgmigrate/internal/source"
	"github.com/lucasnoah/imgmigrate/internal/state"
)

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Rebuild the mapping and Final_Result CSVs from saved state",
	Long: `reconcile rewrites the mapping CSV and the input copy with a "New Image Link"
column from the state snapshot, without contacting any service. Use it after
editing the input file or when a run was interrupted before writing them.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(commonOptions(cmd))
		if err != nil {
			return err
		}
		out := console{w: cmd.OutOrStdout()}

		st, err := state.ReadSnapshot(cfg.Dirs.State)
		if err != nil {
			return fmt.Errorf("reading state: %w", err)
		}
		input, _ := cmd.Flags().GetString("input")
		if input == "" {
			input = st.InputFile
		}
		if input == "" {
			return fmt.Errorf("no input file recorded in state; pass --input")
		}

		mappingPath, _ := cmd.Flags().GetString("output")
		if mappingPath == "" {
			mappingPath = cfg.MappingPath()
		}
		if err := source.WriteMapping(st.Mappings, mappingPath, !cfg.Mapping.OmitMetadata); err != nil {
			return err
		}
		out.success("Wrote %d mappings to %s", len(st.Mappings), mappingPath)

		finalPath := engine.ReconciledPath(cfg.Dirs.Output, input)
		matched, err := engine.Reconcile(input, finalPath, st.Mappings, source.Columns(cfg.ImageColumns))
		if err != nil {
			return err
		}
		out.success("Generated %s (%d rows with a new link)", finalPath, matched)
		return nil
	},
}

func init() {
	reconcileCmd.Flags().StringP("input", "i", "", "Input CSV (default: the file recorded in state)")
	reconcileCmd.Flags().StringP("output", "o", "", "Mapping CSV path (default: output/mapping.csv)")
	addCommonFlags(reconcileCmd)
}
