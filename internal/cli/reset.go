package cli

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/lucasnoah/imgmigrate/internal/runlock"
	"github.com/lucasnoah/imgmigrate/internal/state"
)

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Discard saved migration progress (destructive!)",
	Long: `reset deletes the state snapshot so the next run starts from the first row.
It refuses while another migration holds the run lock. To clear the lock of a
killed run and keep its progress, use "imgmigrate unlock" instead.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(commonOptions(cmd))
		if err != nil {
			return err
		}
		dir := cfg.Dirs.State
		out := console{w: cmd.OutOrStdout()}
		ctx := cmd.Context()

		lock, closeLock, err := newRunLock(cfg, nil, zap.NewNop().Sugar())
		if err != nil {
			return err
		}
		defer closeLock()
		if err := runlock.Acquire(ctx, lock); err != nil {
			return errors.WithHint(errors.Wrapf(err, "state directory %s", dir),
				"wait for the running migration to finish before resetting")
		}
		defer lock.Release(context.WithoutCancel(ctx))

		tracker, err := state.NewTracker(dir, "")
		if err != nil {
			return err
		}
		if err := tracker.Reset(); err != nil {
			return err
		}
		out.success("State reset: %s", tracker.Path())
		return nil
	},
}

func init() {
	addCommonFlags(resetCmd)
}
