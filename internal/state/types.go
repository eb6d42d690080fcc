package state

import (
	"encoding/json"
	"fmt"
)

// Status is the terminal outcome of one migrated image.
type Status string

const (
	StatusSuccess Status = "success"
	StatusFailed  Status = "failed"
)

// Metadata is the free-form product information carried alongside a record
// (product_name, main_category, sub_category, ...).
type Metadata map[string]string

// OutcomeRecord is one line of the migration ledger. Records are appended in
// processing order and never modified afterwards.
type OutcomeRecord struct {
	OldURL   string
	NewURL   string
	ImageID  string
	Status   Status
	Error    string
	Metadata Metadata
}

// Field returns the value of a mapping column by name. Known columns map to
// the typed fields; anything else is looked up in Metadata.
func (r OutcomeRecord) Field(name string) string {
	switch name {
	case "old_url":
		return r.OldURL
	case "new_url":
		return r.NewURL
	case "cloudflare_image_id":
		return r.ImageID
	case "status":
		return string(r.Status)
	case "error":
		return r.Error
	}
	return r.Metadata[name]
}

// MarshalJSON flattens metadata into the record object so the snapshot keeps
// one flat object per mapping.
func (r OutcomeRecord) MarshalJSON() ([]byte, error) {
	m := make(map[string]string, len(r.Metadata)+5)
	for k, v := range r.Metadata {
		m[k] = v
	}
	m["old_url"] = r.OldURL
	m["new_url"] = r.NewURL
	m["cloudflare_image_id"] = r.ImageID
	m["status"] = string(r.Status)
	m["error"] = r.Error
	return json.Marshal(m)
}

// UnmarshalJSON is the inverse of MarshalJSON.
func (r *OutcomeRecord) UnmarshalJSON(data []byte) error {
	var m map[string]string
	if err := json.Unmarshal(data, &m); err != nil {
		return fmt.Errorf("outcome record: %w", err)
	}
	*r = OutcomeRecord{
		OldURL:  m["old_url"],
		NewURL:  m["new_url"],
		ImageID: m["cloudflare_image_id"],
		Status:  Status(m["status"]),
		Error:   m["error"],
	}
	for _, k := range []string{"old_url", "new_url", "cloudflare_image_id", "status", "error"} {
		delete(m, k)
	}
	if len(m) > 0 {
		r.Metadata = Metadata(m)
	}
	return nil
}

// MigrationState is the persisted snapshot of a run.
type MigrationState struct {
	StartedAt   string `json:"started_at"`
	UpdatedAt   string `json:"updated_at"`
	CompletedAt string `json:"completed_at"`

	InputFile  string `json:"input_file"`
	TotalItems int    `json:"total_items"`

	ProcessedCount int `json:"processed_count"`
	SuccessCount   int `json:"success_count"`
	FailedCount    int `json:"failed_count"`
	SkippedCount   int `json:"skipped_count"`

	ProcessedURLs []string        `json:"processed_urls"`
	FailedItems   []OutcomeRecord `json:"failed_items"`
	Mappings      []OutcomeRecord `json:"mappings"`
}

// Progress is a point-in-time view of the run counters.
type Progress struct {
	Total     int     `json:"total"`
	Processed int     `json:"processed"`
	Succeeded int     `json:"success"`
	Failed    int     `json:"failed"`
	Skipped   int     `json:"skipped"`
	Remaining int     `json:"remaining"`
	Percent   float64 `json:"progress_percent"`
}
