package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"

	"github.com/lucasnoah/imgmigrate/internal/config"
	"github.com/lucasnoah/imgmigrate/internal/engine"
	"github.com/lucasnoah/imgmigrate/internal/ledger"
	"github.com/lucasnoah/imgmigrate/internal/logging"
	"github.com/lucasnoah/imgmigrate/internal/runlock"
	"github.com/lucasnoah/imgmigrate/internal/source"
	"github.com/lucasnoah/imgmigrate/internal/state"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Migrate the images referenced by an input CSV",
	Example: `  # Dry run to validate CSV
  imgmigrate run --input products.csv --dry-run

  # Full migration (download then upload)
  imgmigrate run --input products.csv

  # Direct URL upload (no local download)
  imgmigrate run --input products.csv --url-upload

  # Resume interrupted migration
  imgmigrate run --input products.csv --resume

  # Process only first 10 items
  imgmigrate run --input products.csv --batch-size 10`,
	RunE: func(cmd *cobra.Command, args []string) error {
		opts, err := runOptionsFromFlags(cmd)
		if err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return runMigration(ctx, cmd, opts)
	},
}

type runOptions struct {
	input          string
	output         string
	dryRun         bool
	resume         bool
	batchSize      int
	urlUpload      bool
	cleanDownloads bool
	logLevel       string
	destination    string
	workers        int
	configPath     string
	stateDir       string
	ledgerDSN      string
	noLedger       bool
	noProgress     bool
}

func init() {
	f := runCmd.Flags()
	f.StringP("input", "i", "", "Input CSV file path")
	f.StringP("output", "o", "", "Output mapping CSV path (default: output/mapping.csv)")
	f.BoolP("dry-run", "n", false, "Validate without uploading")
	f.BoolP("resume", "r", false, "Resume from previous state")
	f.IntP("batch-size", "b", 0, "Process only the first N items")
	f.BoolP("url-upload", "u", false, "Upload directly from URL (skip local download)")
	f.Bool("clean-downloads", false, "Delete downloaded images after upload")
	f.String("log-level", "INFO", "Logging level: "+strings.Join(logging.Levels, ", "))
	f.String("destination", "", "Destination: cloudinary, cloudflare or s3 (default from config)")
	f.Int("workers", 0, "Concurrent uploads (default from config, 1)")
	f.Bool("no-ledger", false, "Do not record the run in the audit ledger")
	f.Bool("no-progress", false, "Hide the progress bar")
	addCommonFlags(runCmd)
	_ = runCmd.MarkFlagRequired("input")
}

// addCommonFlags registers the flags every command uses to find its state.
func addCommonFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.String("config", "", "Settings file (default: ./imgmigrate.yaml if present)")
	f.String("state-dir", "", "Directory for the state snapshot (default: output)")
	f.String("ledger", "", "Audit ledger DSN: a SQLite path or postgres:// URL")
}

// commonOptions reads the flags added by addCommonFlags.
func commonOptions(cmd *cobra.Command) runOptions {
	f := cmd.Flags()
	var o runOptions
	o.configPath, _ = f.GetString("config")
	o.stateDir, _ = f.GetString("state-dir")
	o.ledgerDSN, _ = f.GetString("ledger")
	return o
}

func runOptionsFromFlags(cmd *cobra.Command) (runOptions, error) {
	f := cmd.Flags()
	o := commonOptions(cmd)
	o.input, _ = f.GetString("input")
	o.output, _ = f.GetString("output")
	o.dryRun, _ = f.GetBool("dry-run")
	o.resume, _ = f.GetBool("resume")
	o.batchSize, _ = f.GetInt("batch-size")
	o.urlUpload, _ = f.GetBool("url-upload")
	o.cleanDownloads, _ = f.GetBool("clean-downloads")
	o.logLevel, _ = f.GetString("log-level")
	o.destination, _ = f.GetString("destination")
	o.workers, _ = f.GetInt("workers")
	o.noLedger, _ = f.GetBool("no-ledger")
	o.noProgress, _ = f.GetBool("no-progress")
	if o.batchSize < 0 {
		return o, fmt.Errorf("--batch-size must not be negative")
	}
	if o.workers < 0 {
		return o, fmt.Errorf("--workers must not be negative")
	}
	return o, nil
}

// loadConfig resolves settings and credentials, then applies flag
// overrides and validates the result.
func loadConfig(o runOptions) (*config.Config, error) {
	cfg, err := config.Resolve(o.configPath)
	if err != nil {
		return nil, err
	}
	if o.destination != "" {
		cfg.Destination = o.destination
	}
	if o.workers > 0 {
		cfg.Workers = o.workers
	}
	if o.stateDir != "" {
		cfg.Dirs.State = o.stateDir
	}
	if o.ledgerDSN != "" {
		cfg.Ledger.DSN = o.ledgerDSN
	}
	if o.noLedger {
		cfg.Ledger.Disabled = true
	}
	if errs := config.Validate(&cfg.Settings); len(errs) > 0 {
		msgs := make([]string, len(errs))
		for i, e := range errs {
			msgs[i] = e.Error()
		}
		where := cfg.Path
		if where == "" {
			where = "settings"
		}
		return nil, fmt.Errorf("invalid %s:\n  %s", where, strings.Join(msgs, "\n  "))
	}
	return cfg, nil
}

func runMigration(ctx context.Context, cmd *cobra.Command, o runOptions) error {
	out := console{w: cmd.OutOrStdout()}

	level, err := logging.ParseLevel(o.logLevel)
	if err != nil {
		return err
	}
	cfg, cfgErr := loadConfig(o)
	if cfgErr == nil {
		cfgErr = cfg.Credentials.CheckCredentials(cfg.Destination, o.dryRun)
	}
	logsDir := config.Defaults().Dirs.Logs
	if cfg != nil {
		logsDir = cfg.Dirs.Logs
	}

	logger, err := logging.New(logging.Options{Level: level, LogsDir: logsDir, Console: cmd.OutOrStdout()})
	if err != nil {
		if cfgErr != nil {
			return cfgErr
		}
		return err
	}
	defer logger.Close()
	log := logger.SugaredLogger
	if cfgErr != nil {
		log.Errorw("Configuration error", "error", cfgErr, "hints", errors.GetAllHints(cfgErr), "log_file", logger.Path)
		return cfgErr
	}
	log.Infow("Starting migration", "input", o.input, "destination", cfg.Destination,
		"dry_run", o.dryRun, "config", cfg.Path, "env_file", cfg.EnvFile, "log_file", logger.Path)

	pub, err := newPublisher(ctx, cfg, logging.Named(log, "publish"))
	if err != nil {
		return err
	}
	if !o.dryRun {
		out.stage("Connection", "testing %s...", pub.Name())
		msg, err := pub.Ping(ctx)
		if err != nil {
			out.fail("Connection failed: %v", err)
			return errors.Wrap(err, "connection test")
		}
		out.success("%s", msg)
	}

	for _, dir := range []string{cfg.Dirs.Downloads, cfg.Dirs.Output} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("creating %s: %w", dir, err)
		}
	}

	var db *ledger.DB
	if !cfg.Ledger.Disabled {
		db, err = openLedger(ctx, cfg)
		if err != nil {
			out.warn("Audit ledger unavailable, continuing without it: %v", err)
			log.Warnw("Ledger unavailable", "dsn", cfg.LedgerDSN(), "error", err)
			db = nil
		} else {
			defer db.Close()
		}
	}

	lock, closeLock, err := newRunLock(cfg, db, logging.Named(log, "runlock"))
	if err != nil {
		return err
	}
	defer closeLock()
	if err := runlock.Acquire(ctx, lock); err != nil {
		return errors.WithHint(err, "wait for the other run to finish, or run `imgmigrate unlock` if it was killed")
	}
	defer lock.Release(context.WithoutCancel(ctx))

	tracker, err := state.NewTracker(cfg.Dirs.State, o.input,
		state.WithFlushEvery(cfg.State.FlushEvery),
		state.WithLogger(logging.Named(log, "state")),
	)
	if err != nil {
		return err
	}
	if o.resume {
		if tracker.Load() {
			out.info("Resuming from previous state...")
		} else {
			out.info("No previous state found, starting fresh...")
		}
	} else if err := tracker.Reset(); err != nil {
		return err
	}

	out.stage("Input", "reading %s", o.input)
	table, err := source.Read(o.input)
	if err != nil {
		out.fail("Error reading CSV: %v", err)
		return err
	}
	items := engine.ItemsFromTable(table)
	out.info("Found %d products to process", len(items))
	todo := len(items)
	if o.batchSize > 0 && o.batchSize < todo {
		todo = o.batchSize
		out.info("Processing batch of %d items", o.batchSize)
	}

	mappingPath := o.output
	if mappingPath == "" {
		mappingPath = cfg.MappingPath()
	}
	engineCfg := engine.Config{
		DryRun:          o.dryRun,
		URLUpload:       o.urlUpload,
		CleanDownloads:  o.cleanDownloads,
		BatchSize:       o.batchSize,
		Workers:         cfg.Workers,
		Columns:         source.Columns(cfg.ImageColumns),
		InputPath:       o.input,
		MappingPath:     mappingPath,
		IncludeMetadata: !cfg.Mapping.OmitMetadata,
		ReconciledPath:  engine.ReconciledPath(cfg.Dirs.Output, o.input),
	}
	engineLog := logging.Named(log, "engine")
	engineOpts := []engine.Option{
		engine.WithLogger(engineLog),
		engine.WithDownloader(newDownloader(cfg, logging.Named(log, "fetch"))),
	}

	var runID string
	if db != nil {
		runID, err = db.StartRun(ctx, o.input, cfg.Destination, o.dryRun, time.Now())
		if err != nil {
			log.Warnw("Ledger run not recorded", "error", err)
		} else {
			engineOpts = append(engineOpts, engine.WithObserver(ledger.NewRecorder(db, runID, logging.Named(log, "ledger"))))
		}
	}

	var bar *progressBar
	if !o.noProgress && todo > 0 {
		if bar, err = startProgress(todo, "Migrating"); err == nil {
			engineOpts = append(engineOpts, engine.WithObserver(bar))
		} else {
			log.Debugw("Progress bar unavailable", "error", err)
			bar = nil
		}
	}

	label := ""
	if o.dryRun {
		label = " (DRY RUN)"
	}
	out.stage("Migration", "starting%s with %d worker(s)", label, cfg.Workers)

	report, runErr := engine.New(engineCfg, tracker, pub, engineOpts...).Run(ctx, items)
	if bar != nil {
		bar.Stop()
	}
	if runErr != nil {
		out.fail("Could not write mapping: %v", runErr)
		return runErr
	}

	if db != nil && runID != "" {
		p := report.Progress
		totals := ledger.Totals{Processed: p.Processed, Succeeded: p.Succeeded, Failed: p.Failed, Skipped: p.Skipped}
		if err := db.FinishRun(context.WithoutCancel(ctx), runID, totals, time.Now()); err != nil {
			log.Warnw("Ledger run not finished", "run_id", runID, "error", err)
		}
	}

	out.stage("Mapping", "%s", report.MappingPath)
	if report.ReconcileErr != nil {
		out.warn("Could not generate merged CSV, but mapping is saved: %v", report.ReconcileErr)
	} else if report.ReconciledPath != "" {
		out.success("Generated %s", report.ReconciledPath)
	}
	if report.Cancelled {
		out.warn("Interrupted; state saved. Re-run with --resume to continue.")
	}

	printSummary(cmd.OutOrStdout(), report.Progress, report.Failures)
	if runID != "" {
		log.Infow("Run recorded", "run_id", runID)
	}

	if report.ExitCode() != 0 {
		return ErrItemsFailed
	}
	return nil
}
