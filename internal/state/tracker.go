package state

import (
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
)

// FileName is the snapshot file written inside the state directory.
const FileName = "migration_state.json"

// DefaultFlushEvery is the number of successes buffered between snapshots.
const DefaultFlushEvery = 10

// ErrAlreadyProcessed is returned when an outcome is recorded twice for the
// same source reference.
var ErrAlreadyProcessed = errors.New("source reference already processed")

// Tracker owns the MigrationState of one run and persists it to disk.
// All methods are safe for concurrent use; mutations are serialized.
type Tracker struct {
	mu         sync.Mutex
	path       string
	flushEvery int
	unflushed  int
	state      MigrationState
	seen       map[string]struct{}
	log        *zap.SugaredLogger
	now        func() time.Time
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithFlushEvery sets how many successes are buffered before a snapshot.
func WithFlushEvery(n int) Option {
	return func(t *Tracker) {
		if n > 0 {
			t.flushEvery = n
		}
	}
}

// WithLogger sets the tracker's logger.
func WithLogger(l *zap.SugaredLogger) Option {
	return func(t *Tracker) {
		if l != nil {
			t.log = l
		}
	}
}

// WithClock overrides the time source (tests).
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

// NewTracker creates a Tracker persisting to dir/migration_state.json. The
// in-memory state starts empty; call Load to resume or Reset to start over.
func NewTracker(dir, inputFile string, opts ...Option) (*Tracker, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("mkdir %s: %w", dir, err)
	}
	t := &Tracker{
		path:       filepath.Join(dir, FileName),
		flushEvery: DefaultFlushEvery,
		log:        zap.NewNop().Sugar(),
		now:        time.Now,
	}
	for _, o := range opts {
		o(t)
	}
	t.state = t.fresh(inputFile)
	t.seen = map[string]struct{}{}
	return t, nil
}

// Path returns the snapshot location.
func (t *Tracker) Path() string {
	return t.path
}

func (t *Tracker) timestamp() string {
	return t.now().UTC().Format(time.RFC3339Nano)
}

func (t *Tracker) fresh(inputFile string) MigrationState {
	return MigrationState{
		StartedAt:     t.timestamp(),
		InputFile:     inputFile,
		ProcessedURLs: []string{},
		FailedItems:   []OutcomeRecord{},
		Mappings:      []OutcomeRecord{},
	}
}

// Load reads the persisted snapshot. It returns false and starts a fresh
// state when the snapshot is missing or unreadable.
func (t *Tracker) Load() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	input := t.state.InputFile
	var st MigrationState
	if err := readJSON(t.path, &st); err != nil {
		if !os.IsNotExist(err) {
			t.log.Errorw("Unreadable state snapshot, starting fresh", "path", t.path, "error", err)
		}
		t.state = t.fresh(input)
		t.seen = map[string]struct{}{}
		t.unflushed = 0
		return false
	}

	if st.ProcessedURLs == nil {
		st.ProcessedURLs = []string{}
	}
	if st.FailedItems == nil {
		st.FailedItems = []OutcomeRecord{}
	}
	if st.Mappings == nil {
		st.Mappings = []OutcomeRecord{}
	}
	if input != "" && st.InputFile != "" && st.InputFile != input {
		t.log.Warnw("Snapshot was recorded for a different input file",
			"snapshot_input", st.InputFile, "input", input)
	}

	t.state = st
	t.seen = make(map[string]struct{}, len(st.ProcessedURLs))
	for _, ref := range st.ProcessedURLs {
		t.seen[ref] = struct{}{}
	}
	t.unflushed = 0
	t.log.Infow("Loaded state", "processed", st.ProcessedCount, "total", st.TotalItems)
	return true
}

// Save writes the whole state to disk.
func (t *Tracker) Save() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.saveLocked()
}

func (t *Tracker) saveLocked() error {
	t.state.UpdatedAt = t.timestamp()
	if err := writeJSON(t.path, &t.state); err != nil {
		t.log.Errorw("Error saving state", "path", t.path, "error", err)
		return fmt.Errorf("save state: %w", err)
	}
	t.unflushed = 0
	return nil
}

// SetTotal records the expected number of items. It does not bound processing.
func (t *Tracker) SetTotal(n int) {
	t.mu.Lock()
	t.state.TotalItems = n
	t.mu.Unlock()
}

// IsProcessed reports whether ref already has a recorded outcome.
func (t *Tracker) IsProcessed(ref string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.seen[ref]
	return ok
}

func (t *Tracker) claimLocked(ref string) error {
	if _, ok := t.seen[ref]; ok {
		return fmt.Errorf("%w: %s", ErrAlreadyProcessed, ref)
	}
	t.seen[ref] = struct{}{}
	t.state.ProcessedURLs = append(t.state.ProcessedURLs, ref)
	t.state.ProcessedCount++
	return nil
}

// MarkSuccess records a published image. A snapshot is written once
// flushEvery successes have accumulated since the last save.
func (t *Tracker) MarkSuccess(ref, newURL, imageID string, meta Metadata) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.claimLocked(ref); err != nil {
		return err
	}
	t.state.SuccessCount++
	t.state.Mappings = append(t.state.Mappings, OutcomeRecord{
		OldURL:   ref,
		NewURL:   newURL,
		ImageID:  imageID,
		Status:   StatusSuccess,
		Metadata: meta.clone(),
	})

	t.unflushed++
	if t.unflushed >= t.flushEvery {
		return t.saveLocked()
	}
	return nil
}

// MarkFailed records a failed image and saves immediately.
func (t *Tracker) MarkFailed(ref, errMsg string, meta Metadata) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.claimLocked(ref); err != nil {
		return err
	}
	t.state.FailedCount++
	rec := OutcomeRecord{
		OldURL:   ref,
		Status:   StatusFailed,
		Error:    errMsg,
		Metadata: meta.clone(),
	}
	t.state.FailedItems = append(t.state.FailedItems, rec)
	t.state.Mappings = append(t.state.Mappings, rec)
	return t.saveLocked()
}

// MarkSkipped counts ref as processed without adding a mapping record.
// Skipped items are absent from the mapping file and the reconciled output.
func (t *Tracker) MarkSkipped(ref, reason string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.claimLocked(ref); err != nil {
		return err
	}
	t.state.SkippedCount++
	t.log.Debugw("Skipped", "ref", ref, "reason", reason)
	return nil
}

// MarkComplete stamps the completion time and saves.
func (t *Tracker) MarkComplete() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.state.CompletedAt = t.timestamp()
	return t.saveLocked()
}

// Reset discards all progress and deletes the snapshot.
func (t *Tracker) Reset() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.state = t.fresh(t.state.InputFile)
	t.seen = map[string]struct{}{}
	t.unflushed = 0
	if err := os.Remove(t.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove %s: %w", t.path, err)
	}
	t.log.Info("State reset")
	return nil
}

// Progress computes the counters view.
func (t *Tracker) Progress() Progress {
	t.mu.Lock()
	defer t.mu.Unlock()
	return progressOf(&t.state)
}

func progressOf(st *MigrationState) Progress {
	p := Progress{
		Total:     st.TotalItems,
		Processed: st.ProcessedCount,
		Succeeded: st.SuccessCount,
		Failed:    st.FailedCount,
		Skipped:   st.SkippedCount,
	}
	if p.Total > p.Processed {
		p.Remaining = p.Total - p.Processed
	}
	if p.Total > 0 {
		p.Percent = math.Round(float64(p.Processed)/float64(p.Total)*1000) / 10
	}
	return p
}

// ProgressOf computes the counters view of a loaded snapshot.
func ProgressOf(st *MigrationState) Progress {
	return progressOf(st)
}

// Mappings returns a copy of every outcome record in processing order.
func (t *Tracker) Mappings() []OutcomeRecord {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]OutcomeRecord(nil), t.state.Mappings...)
}

// SuccessfulMappings returns the success records only.
func (t *Tracker) SuccessfulMappings() []OutcomeRecord {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []OutcomeRecord
	for _, m := range t.state.Mappings {
		if m.Status == StatusSuccess {
			out = append(out, m)
		}
	}
	return out
}

// FailedItems returns a copy of the failure records.
func (t *Tracker) FailedItems() []OutcomeRecord {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]OutcomeRecord(nil), t.state.FailedItems...)
}

// Snapshot returns a copy of the current state.
func (t *Tracker) Snapshot() MigrationState {
	t.mu.Lock()
	defer t.mu.Unlock()
	st := t.state
	st.ProcessedURLs = append([]string(nil), t.state.ProcessedURLs...)
	st.FailedItems = append([]OutcomeRecord(nil), t.state.FailedItems...)
	st.Mappings = append([]OutcomeRecord(nil), t.state.Mappings...)
	return st
}

// ReadSnapshot loads a snapshot file without creating a Tracker.
func ReadSnapshot(dir string) (*MigrationState, error) {
	var st MigrationState
	if err := readJSON(filepath.Join(dir, FileName), &st); err != nil {
		return nil, err
	}
	return &st, nil
}

func (m Metadata) clone() Metadata {
	if len(m) == 0 {
		return nil
	}
	out := make(Metadata, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
