package cli

import (
	"fmt"
	"io"
	"strings"

	"github.com/lucasnoah/imgmigrate/internal/state"
)

// maxListedFailures bounds the failure list in the summary; the log file
// has the rest.
const maxListedFailures = 5

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// printSummary writes the end-of-run block.
func printSummary(w io.Writer, p state.Progress, failures []state.OutcomeRecord) {
	rule := strings.Repeat("=", 50)
	fmt.Fprintf(w, "\n%s\nMIGRATION SUMMARY\n%s\n", rule, rule)
	fmt.Fprintf(w, "Total items:    %d\n", p.Total)
	fmt.Fprintf(w, "Processed:      %d\n", p.Processed)
	fmt.Fprintf(w, "  ✓ Success:    %d\n", p.Succeeded)
	fmt.Fprintf(w, "  ✗ Failed:     %d\n", p.Failed)
	fmt.Fprintf(w, "  ⊘ Skipped:    %d\n", p.Skipped)
	fmt.Fprintf(w, "Progress:       %.1f%%\n", p.Percent)

	if p.Failed > 0 {
		fmt.Fprintln(w, "\nFailed items:")
		for i, f := range failures {
			if i == maxListedFailures {
				break
			}
			ref := f.OldURL
			if ref == "" {
				ref = "unknown"
			}
			fmt.Fprintf(w, "  - %s\n", truncate(ref, 60))
			fmt.Fprintf(w, "    Error: %s\n", f.Error)
		}
		if p.Failed > maxListedFailures {
			fmt.Fprintf(w, "  ... and %d more\n", p.Failed-maxListedFailures)
		}
	}
	fmt.Fprintf(w, "%s\n\n", rule)
}
