package cli

import (
	"context"

	"github.com/pterm/pterm"

	"github.com/lucasnoah/imgmigrate/internal/engine"
)

// progressBar advances a terminal bar for every item the engine visits.
type progressBar struct {
	bar *pterm.ProgressbarPrinter
}

func startProgress(total int, title string) (*progressBar, error) {
	bar, err := pterm.DefaultProgressbar.
		WithTotal(total).
		WithTitle(title).
		WithRemoveWhenDone(false).
		Start()
	if err != nil {
		return nil, err
	}
	return &progressBar{bar: bar}, nil
}

func (p *progressBar) Observe(_ context.Context, o engine.Outcome) {
	if o.Status == engine.StatusFailed {
		p.bar.UpdateTitle("Migrating (" + pterm.Red("failures") + ")")
	}
	p.bar.Increment()
}

func (p *progressBar) Stop() {
	_, _ = p.bar.Stop()
}
