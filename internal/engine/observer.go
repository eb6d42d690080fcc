package engine

import (
	"context"
	"time"

	"github.com/lucasnoah/imgmigrate/internal/publish"
)

// Status values carried by an Outcome.
const (
	StatusSuccess     = "success"
	StatusFailed      = "failed"
	StatusSkipped     = "skipped"
	StatusAlreadyDone = "already_done"
	// StatusDuplicate marks a row whose reference an earlier row of the same
	// run already claimed.
	StatusDuplicate = "duplicate"
)

// Outcome describes what happened to one item in this run.
type Outcome struct {
	Row      int
	Ref      string
	ImageID  string
	NewURL   string
	Status   string
	Class    publish.Class
	Err      string
	Duration time.Duration
}

// Observer receives an Outcome for every item the engine visits, including
// items already done in an earlier run.
type Observer interface {
	Observe(ctx context.Context, o Outcome)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(ctx context.Context, o Outcome)

func (f ObserverFunc) Observe(ctx context.Context, o Outcome) { f(ctx, o) }
