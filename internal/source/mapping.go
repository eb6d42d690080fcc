package source

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"

	"github.com/lucasnoah/imgmigrate/internal/state"
)

// MappingColumns is the column order of the mapping file.
var MappingColumns = []string{
	"old_url", "new_url", "cloudflare_image_id",
	"product_name", "main_category", "sub_category",
	"status", "error",
}

// MappingColumnsNoMetadata drops the product columns.
var MappingColumnsNoMetadata = []string{
	"old_url", "new_url", "cloudflare_image_id", "status", "error",
}

// WriteMapping writes one row per record in order. Record fields outside the
// chosen column set are dropped.
func WriteMapping(records []state.OutcomeRecord, path string, includeMetadata bool) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("mkdir %s: %w", dir, err)
		}
	}

	cols := MappingColumns
	if !includeMetadata {
		cols = MappingColumnsNoMetadata
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if err := w.Write(cols); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	row := make([]string, len(cols))
	for _, rec := range records {
		for i, c := range cols {
			row[i] = rec.Field(c)
		}
		if err := w.Write(row); err != nil {
			return fmt.Errorf("write mapping row: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("flush %s: %w", path, err)
	}
	return f.Close()
}
