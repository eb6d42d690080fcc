package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Run is a row in the runs table.
type Run struct {
	ID          string
	InputFile   string
	Destination string
	DryRun      bool
	StartedAt   string
	FinishedAt  string
	Processed   int
	Succeeded   int
	Failed      int
	Skipped     int
}

// Outcome is a row in the outcomes table.
type Outcome struct {
	ID         int64
	RunID      string
	Row        int
	Ref        string
	ImageID    string
	NewURL     string
	Status     string
	Class      string
	Error      string
	DurationMs int64
	RecordedAt string
}

// Totals are the final counters of a run.
type Totals struct {
	Processed, Succeeded, Failed, Skipped int
}

func timestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

// StartRun inserts a run and returns its generated ID.
func (d *DB) StartRun(ctx context.Context, inputFile, destination string, dryRun bool, at time.Time) (string, error) {
	id := uuid.NewString()
	_, err := d.conn.ExecContext(ctx, d.rebind(
		`INSERT INTO runs (id, input_file, destination, dry_run, started_at) VALUES (?, ?, ?, ?, ?)`),
		id, inputFile, destination, dryRun, timestamp(at),
	)
	if err != nil {
		return "", fmt.Errorf("start run: %w", err)
	}
	return id, nil
}

// FinishRun stamps the end time and final counters of a run.
func (d *DB) FinishRun(ctx context.Context, runID string, t Totals, at time.Time) error {
	res, err := d.conn.ExecContext(ctx, d.rebind(
		`UPDATE runs SET finished_at = ?, processed = ?, succeeded = ?, failed = ?, skipped = ? WHERE id = ?`),
		timestamp(at), t.Processed, t.Succeeded, t.Failed, t.Skipped, runID,
	)
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("finish run: no run %q", runID)
	}
	return nil
}

// RecordOutcome appends one outcome.
func (d *DB) RecordOutcome(ctx context.Context, o Outcome) error {
	if o.RecordedAt == "" {
		o.RecordedAt = timestamp(time.Now())
	}
	_, err := d.conn.ExecContext(ctx, d.rebind(
		`INSERT INTO outcomes (run_id, row_num, ref, image_id, new_url, status, class, error, duration_ms, recorded_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		o.RunID, o.Row, o.Ref, o.ImageID, o.NewURL, o.Status, o.Class, o.Error, o.DurationMs, o.RecordedAt,
	)
	if err != nil {
		return fmt.Errorf("record outcome: %w", err)
	}
	return nil
}

// ListRuns returns the most recent runs, newest first.
func (d *DB) ListRuns(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := d.conn.QueryContext(ctx, d.rebind(
		`SELECT id, input_file, destination, dry_run, started_at, finished_at,
		        processed, succeeded, failed, skipped
		 FROM runs ORDER BY started_at DESC, id DESC LIMIT ?`), limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var r Run
		var finished sql.NullString
		if err := rows.Scan(&r.ID, &r.InputFile, &r.Destination, &r.DryRun, &r.StartedAt, &finished,
			&r.Processed, &r.Succeeded, &r.Failed, &r.Skipped); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		r.FinishedAt = finished.String
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// RunOutcomes returns a run's outcomes in insertion order, optionally
// filtered by status.
func (d *DB) RunOutcomes(ctx context.Context, runID, status string) ([]Outcome, error) {
	query := `SELECT id, run_id, row_num, ref, image_id, new_url, status, class, error, duration_ms, recorded_at
		 FROM outcomes WHERE run_id = ?`
	args := []any{runID}
	if status != "" {
		query += ` AND status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY id ASC`

	rows, err := d.conn.QueryContext(ctx, d.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("run outcomes: %w", err)
	}
	defer rows.Close()

	var out []Outcome
	for rows.Next() {
		var o Outcome
		var imageID, newURL, class, errMsg sql.NullString
		var dur sql.NullInt64
		if err := rows.Scan(&o.ID, &o.RunID, &o.Row, &o.Ref, &imageID, &newURL, &o.Status, &class, &errMsg, &dur, &o.RecordedAt); err != nil {
			return nil, fmt.Errorf("scan outcome: %w", err)
		}
		o.ImageID = imageID.String
		o.NewURL = newURL.String
		o.Class = class.String
		o.Error = errMsg.String
		o.DurationMs = dur.Int64
		out = append(out, o)
	}
	return out, rows.Err()
}

// RefHistory returns every recorded outcome for a source reference across
// runs, oldest first.
func (d *DB) RefHistory(ctx context.Context, ref string) ([]Outcome, error) {
	rows, err := d.conn.QueryContext(ctx, d.rebind(
		`SELECT id, run_id, row_num, status, new_url, error, recorded_at
		 FROM outcomes WHERE ref = ? ORDER BY id ASC`), ref)
	if err != nil {
		return nil, fmt.Errorf("ref history: %w", err)
	}
	defer rows.Close()

	var out []Outcome
	for rows.Next() {
		o := Outcome{Ref: ref}
		var newURL, errMsg sql.NullString
		if err := rows.Scan(&o.ID, &o.RunID, &o.Row, &o.Status, &newURL, &errMsg, &o.RecordedAt); err != nil {
			return nil, fmt.Errorf("scan outcome: %w", err)
		}
		o.NewURL = newURL.String
		o.Error = errMsg.String
		out = append(out, o)
	}
	return out, rows.Err()
}
