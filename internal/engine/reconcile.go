package engine

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/lucasnoah/imgmigrate/internal/source"
	"github.com/lucasnoah/imgmigrate/internal/state"
)

const (
	// NewImageColumn is appended to the input header in the reconciled file.
	NewImageColumn = "New Image Link"
	// Unresolved marks rows whose image failed, was skipped or was never run.
	Unresolved = "PENDING/FAILED"
)

// ReconciledPath returns <dir>/Final_Result_<input stem>.csv.
func ReconciledPath(dir, inputPath string) string {
	stem := strings.TrimSuffix(filepath.Base(inputPath), filepath.Ext(inputPath))
	return filepath.Join(dir, "Final_Result_"+stem+".csv")
}

// Reconcile rewrites the input CSV at outputPath with a New Image Link
// column. Rows keep their order and original values; the new column holds
// the published URL for successful references and Unresolved otherwise. It
// returns the number of data rows written.
func Reconcile(inputPath, outputPath string, mappings []state.OutcomeRecord, cols source.Columns) (int, error) {
	if cols == nil {
		cols = source.DefaultImageColumns
	}
	lookup := make(map[string]string, len(mappings))
	for _, m := range mappings {
		if m.Status == state.StatusSuccess {
			lookup[m.OldURL] = m.NewURL
		}
	}

	tbl, err := source.Read(inputPath)
	if err != nil {
		return 0, err
	}

	if dir := filepath.Dir(outputPath); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return 0, fmt.Errorf("mkdir %s: %w", dir, err)
		}
	}
	f, err := os.Create(outputPath)
	if err != nil {
		return 0, fmt.Errorf("create %s: %w", outputPath, err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	header := append(append([]string{}, tbl.Header...), NewImageColumn)
	if err := w.Write(header); err != nil {
		return 0, fmt.Errorf("write header: %w", err)
	}

	width := len(tbl.Header)
	rows := tbl.Rows()
	for i, rec := range tbl.Records {
		out := make([]string, width+1)
		copy(out, rec)
		out[width] = Unresolved
		if ref, ok := cols.ImageRef(rows[i]); ok {
			if url, found := lookup[ref]; found {
				out[width] = url
			}
		}
		if err := w.Write(out); err != nil {
			return i, fmt.Errorf("write row %d: %w", i+1, err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return 0, fmt.Errorf("flush %s: %w", outputPath, err)
	}
	return len(tbl.Records), f.Close()
}
