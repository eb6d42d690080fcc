package ledger

import (
	"context"

	"go.uber.org/zap"

	"github.com/lucasnoah/imgmigrate/internal/engine"
)

// Recorder writes engine outcomes for one run. Writes are best effort: a
// ledger failure is logged and never affects the migration.
type Recorder struct {
	db    *DB
	runID string
	log   *zap.SugaredLogger
}

// NewRecorder records outcomes under runID.
func NewRecorder(db *DB, runID string, log *zap.SugaredLogger) *Recorder {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Recorder{db: db, runID: runID, log: log}
}

// RunID returns the run the recorder writes to.
func (r *Recorder) RunID() string { return r.runID }

// Observe implements engine.Observer. Items finished in an earlier run are
// not recorded again; repeated rows of this run are recorded as duplicates.
func (r *Recorder) Observe(ctx context.Context, o engine.Outcome) {
	if o.Status == engine.StatusAlreadyDone {
		return
	}
	rec := Outcome{
		RunID:      r.runID,
		Row:        o.Row,
		Ref:        o.Ref,
		ImageID:    o.ImageID,
		NewURL:     o.NewURL,
		Status:     o.Status,
		Error:      o.Err,
		DurationMs: o.Duration.Milliseconds(),
	}
	if o.Status == engine.StatusFailed {
		rec.Class = o.Class.String()
	}
	if err := r.db.RecordOutcome(context.WithoutCancel(ctx), rec); err != nil {
		r.log.Warnw("Ledger write failed", "ref", o.Ref, "error", err)
	}
}
