// Package engine drives a migration run: it walks the input rows, publishes
// each image exactly once, records outcomes in the state tracker and writes
// the mapping and reconciled files.
package engine

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/lucasnoah/imgmigrate/internal/cdnurl"
	"github.com/lucasnoah/imgmigrate/internal/fetch"
	"github.com/lucasnoah/imgmigrate/internal/publish"
	"github.com/lucasnoah/imgmigrate/internal/source"
	"github.com/lucasnoah/imgmigrate/internal/state"
)

// DryRunPrefix is prepended to the URL recorded in validate-only runs.
const DryRunPrefix = "[DRY RUN] "

// Item is one input row. Its identity is the image reference it carries.
type Item struct {
	// Row is the 1-based data row number (header excluded).
	Row    int
	Fields source.Row
}

// ItemsFromTable numbers the rows of a table.
func ItemsFromTable(tbl *source.Table) []Item {
	rows := tbl.Rows()
	items := make([]Item, len(rows))
	for i, r := range rows {
		items[i] = Item{Row: i + 1, Fields: r}
	}
	return items
}

// Config controls a run.
type Config struct {
	DryRun         bool
	URLUpload      bool
	CleanDownloads bool
	// BatchSize limits the run to the first N items; 0 means all. The total
	// still counts every item.
	BatchSize int
	// Workers is the number of concurrent publishes. Values below 2 process
	// items one at a time in input order.
	Workers int
	Columns source.Columns

	InputPath       string
	MappingPath     string
	IncludeMetadata bool
	// ReconciledPath is where the augmented input is written; empty skips it.
	ReconciledPath string
}

// Downloader fetches a source image to local disk.
type Downloader interface {
	Download(ctx context.Context, ref, id string) (fetch.Result, error)
}

// Engine runs migrations. It is the sole writer of its tracker.
type Engine struct {
	cfg       Config
	tracker   *state.Tracker
	pub       publish.Publisher
	dl        Downloader
	validate  func(path string) (string, error)
	observers []Observer
	obsMu     sync.Mutex
	log       *zap.SugaredLogger
	now       func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

func WithDownloader(d Downloader) Option {
	return func(e *Engine) { e.dl = d }
}

// WithValidator replaces fetch.Validate.
func WithValidator(v func(string) (string, error)) Option {
	return func(e *Engine) { e.validate = v }
}

// WithObserver adds an outcome observer. Observers are called one at a
// time, so they need no locking of their own.
func WithObserver(o Observer) Option {
	return func(e *Engine) {
		if o != nil {
			e.observers = append(e.observers, o)
		}
	}
}

func WithLogger(l *zap.SugaredLogger) Option {
	return func(e *Engine) { e.log = l }
}

// New builds an engine. Without WithDownloader, downloads go to ./downloads.
func New(cfg Config, tracker *state.Tracker, pub publish.Publisher, opts ...Option) *Engine {
	if cfg.Columns == nil {
		cfg.Columns = source.DefaultImageColumns
	}
	e := &Engine{
		cfg:      cfg,
		tracker:  tracker,
		pub:      pub,
		validate: fetch.Validate,
		log:      zap.NewNop().Sugar(),
		now:      time.Now,
	}
	for _, o := range opts {
		o(e)
	}
	if e.dl == nil {
		e.dl = fetch.New("downloads", fetch.WithLogger(e.log))
	}
	return e
}

// Report summarises a finished run.
type Report struct {
	Progress state.Progress
	// Dispatched counts items handed to the publisher in this run.
	Dispatched int
	Failures   []state.OutcomeRecord
	Cancelled  bool

	MappingPath    string
	ReconciledPath string
	// ReconcileErr is set when the reconciled file could not be written.
	// It does not affect the outcome of the run.
	ReconcileErr error
}

// ExitCode is 0 when nothing failed and the run was not interrupted.
func (r *Report) ExitCode() int {
	if r.Progress.Failed == 0 && !r.Cancelled {
		return 0
	}
	return 1
}

// Run processes items and returns the run report. Per-item failures never
// abort the run; an error is returned only when the mapping file cannot be
// written. Cancelling ctx stops dispatch and leaves unfinished items
// unrecorded so a resumed run picks them up.
func (e *Engine) Run(ctx context.Context, items []Item) (*Report, error) {
	e.tracker.SetTotal(len(items))
	if e.cfg.BatchSize > 0 && e.cfg.BatchSize < len(items) {
		items = items[:e.cfg.BatchSize]
		e.log.Infow("Processing batch", "size", e.cfg.BatchSize)
	}

	report := &Report{}
	workers := e.cfg.Workers
	if workers < 1 {
		workers = 1
	}

	g := new(errgroup.Group)
	g.SetLimit(workers)
	seen := map[string]struct{}{}

	for _, it := range items {
		if ctx.Err() != nil {
			report.Cancelled = true
			break
		}

		ref, ok := e.cfg.Columns.ImageRef(it.Fields)
		if !ok {
			e.skip(ctx, it)
			continue
		}
		if _, dup := seen[ref]; dup {
			e.log.Debugw("Duplicate reference", "row", it.Row, "ref", ref)
			e.observe(ctx, Outcome{Row: it.Row, Ref: ref, ImageID: cdnurl.ImageID(ref), Status: StatusDuplicate})
			continue
		}
		seen[ref] = struct{}{}
		if e.tracker.IsProcessed(ref) {
			e.observe(ctx, Outcome{Row: it.Row, Ref: ref, Status: StatusAlreadyDone})
			continue
		}
		report.Dispatched++

		g.Go(func() error {
			e.process(ctx, it, ref)
			return nil
		})
	}
	_ = g.Wait()
	if ctx.Err() != nil {
		report.Cancelled = true
	}

	if report.Cancelled {
		e.log.Warnw("Run interrupted, saving state for resume")
		if err := e.tracker.Save(); err != nil {
			e.log.Errorw("Failed to save state", "error", err)
		}
	} else if err := e.tracker.MarkComplete(); err != nil {
		e.log.Errorw("Failed to save state", "error", err)
	}

	mappings := e.tracker.Mappings()
	report.Progress = e.tracker.Progress()
	report.Failures = e.tracker.FailedItems()

	if e.cfg.MappingPath != "" {
		if err := source.WriteMapping(mappings, e.cfg.MappingPath, e.cfg.IncludeMetadata); err != nil {
			return report, fmt.Errorf("write mapping: %w", err)
		}
		report.MappingPath = e.cfg.MappingPath
		e.log.Infow("Wrote mapping", "path", e.cfg.MappingPath, "records", len(mappings))
	}

	if e.cfg.ReconciledPath != "" && e.cfg.InputPath != "" {
		n, err := Reconcile(e.cfg.InputPath, e.cfg.ReconciledPath, mappings, e.cfg.Columns)
		if err != nil {
			report.ReconcileErr = err
			e.log.Warnw("Could not generate reconciled CSV, mapping is saved", "error", err)
		} else {
			report.ReconciledPath = e.cfg.ReconciledPath
			e.log.Infow("Wrote reconciled CSV", "path", e.cfg.ReconciledPath, "rows", n)
		}
	}
	return report, nil
}

func (e *Engine) skip(ctx context.Context, it Item) {
	key := fmt.Sprintf("row:%d", it.Row)
	if e.tracker.IsProcessed(key) {
		e.observe(ctx, Outcome{Row: it.Row, Ref: key, Status: StatusAlreadyDone})
		return
	}
	e.log.Warnw("No image URL found", "row", it.Row, "product", it.Fields["Name"])
	if err := e.tracker.MarkSkipped(key, "no image reference"); err != nil {
		e.log.Warnw("Could not record skip", "row", it.Row, "error", err)
		return
	}
	e.observe(ctx, Outcome{Row: it.Row, Ref: key, Status: StatusSkipped, Err: "no image reference"})
}

// result is the outcome of publishing one item.
type result struct {
	asset publish.Asset
	err   error
}

func (e *Engine) process(ctx context.Context, it Item, ref string) {
	if ctx.Err() != nil {
		return
	}
	id := cdnurl.ImageID(ref)
	meta := source.Metadata(it.Fields)
	start := e.now()

	res := e.attempt(ctx, it, ref, id, meta)
	elapsed := e.now().Sub(start)

	out := Outcome{Row: it.Row, Ref: ref, ImageID: id, Duration: elapsed}
	if res.err == nil {
		out.Status = StatusSuccess
		out.ImageID = res.asset.ID
		out.NewURL = res.asset.URL
		e.record(ref, e.tracker.MarkSuccess(ref, res.asset.URL, res.asset.ID, meta))
		e.log.Infow("Success", "row", it.Row, "url", res.asset.URL)
		e.observe(ctx, out)
		return
	}

	if ctx.Err() != nil {
		e.log.Infow("Interrupted, leaving item for resume", "row", it.Row, "ref", ref)
		return
	}

	class := publish.Classify(res.err)
	msg := res.err.Error()
	if class == publish.ClassUnexpected {
		msg = "unexpected error: " + msg
		e.log.Errorw("Unexpected error processing item", "row", it.Row, "ref", ref, "error", fmt.Sprintf("%+v", res.err))
	} else {
		e.log.Errorw("Failed to process item", "row", it.Row, "ref", ref, "class", class.String(), "error", msg)
	}
	out.Status = StatusFailed
	out.Class = class
	out.Err = msg
	e.record(ref, e.tracker.MarkFailed(ref, msg, meta))
	e.observe(ctx, out)
}

// attempt runs the adapter calls for one item, turning a panic into an
// unexpected failure.
func (e *Engine) attempt(ctx context.Context, it Item, ref, id string, meta map[string]string) (res result) {
	defer func() {
		if r := recover(); r != nil {
			res = result{err: errors.Newf("panic: %v", r)}
		}
	}()

	e.log.Debugw("Processing", "row", it.Row, "ref", ref, "id", id, "transforms", cdnurl.ParseParams(ref))

	if e.cfg.DryRun {
		return result{asset: publish.Asset{ID: id, URL: DryRunPrefix + e.pub.DeliveryURL(id)}}
	}

	if e.cfg.URLUpload {
		asset, err := e.pub.PublishURL(ctx, ref, id, meta)
		return result{asset: asset, err: err}
	}

	dl, err := e.dl.Download(ctx, ref, id)
	if err != nil {
		return result{err: err}
	}
	if _, err := e.validate(dl.Path); err != nil {
		return result{err: err}
	}
	asset, err := e.pub.Publish(ctx, dl.Path, id, meta)
	if err != nil {
		return result{err: err}
	}
	if e.cfg.CleanDownloads {
		if err := os.Remove(dl.Path); err != nil && !os.IsNotExist(err) {
			e.log.Warnw("Could not remove download", "path", dl.Path, "error", err)
		}
	}
	return result{asset: asset}
}

func (e *Engine) record(ref string, err error) {
	switch {
	case err == nil:
	case errors.Is(err, state.ErrAlreadyProcessed):
		e.log.Warnw("Outcome already recorded", "ref", ref)
	default:
		e.log.Errorw("Failed to save state", "ref", ref, "error", err)
	}
}

func (e *Engine) observe(ctx context.Context, o Outcome) {
	if len(e.observers) == 0 {
		return
	}
	e.obsMu.Lock()
	defer e.obsMu.Unlock()
	for _, obs := range e.observers {
		obs.Observe(ctx, o)
	}
}
