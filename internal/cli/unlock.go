package cli

import (
	"fmt"

	"github.com/cockroachdb/errors"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/lucasnoah/imgmigrate/internal/runlock"
)

var unlockCmd = &cobra.Command{
	Use:   "unlock",
	Short: "Clear a run lock left by a killed migration",
	Long: `unlock removes the lock file of a migration that is no longer running.
Saved progress is left alone, so "run --resume" continues afterwards.

The file lock is released by the kernel when its process exits, so this only
tidies the file. A Redis lock (REDIS_URL) outlives a killed run until its TTL
runs out; --force deletes it immediately.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(commonOptions(cmd))
		if err != nil {
			return err
		}
		out := console{w: cmd.OutOrStdout()}
		ctx := cmd.Context()

		stale, err := runlock.NewFileLock(cfg.Dirs.State).Clear(ctx)
		if err != nil {
			if errors.Is(err, runlock.ErrHeld) {
				return errors.WithHint(err, "a migration is still running on this state directory")
			}
			return err
		}
		if stale != "" {
			out.warn("Removed lock file left by %s", stale)
		} else {
			out.info("No lock file in %s", cfg.Dirs.State)
		}

		if cfg.Credentials.RedisURL == "" {
			return nil
		}
		force, _ := cmd.Flags().GetBool("force")
		if !force {
			out.info("Redis lock expires within %s of a killed run; pass --force to delete it now", runlock.DefaultTTL)
			return nil
		}
		opts, err := redis.ParseURL(cfg.Credentials.RedisURL)
		if err != nil {
			return fmt.Errorf("parsing REDIS_URL: %w", err)
		}
		rdb := redis.NewClient(opts)
		defer rdb.Close()
		deleted, err := runlock.NewRedisLock(rdb, runlock.Key(cfg.Dirs.State), 0).ForceRelease(ctx)
		if err != nil {
			return fmt.Errorf("deleting Redis lock: %w", err)
		}
		if deleted {
			out.warn("Deleted Redis lock for %s", cfg.Dirs.State)
		} else {
			out.info("No Redis lock for %s", cfg.Dirs.State)
		}
		return nil
	},
}

func init() {
	unlockCmd.Flags().Bool("force", false, "Also delete the Redis lock, even if a run may still own it")
	addCommonFlags(unlockCmd)
}
