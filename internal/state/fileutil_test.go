package state

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestWriteAtomicReplacesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "state.json")

	if err := writeAtomic(path, []byte("first")); err != nil {
		t.Fatalf("writeAtomic: %v", err)
	}
	if err := writeAtomic(path, []byte("second")); err != nil {
		t.Fatalf("writeAtomic: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "second" {
		t.Errorf("content = %q, want second", data)
	}

	entries, err := os.ReadDir(filepath.Dir(path))
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), ".snapshot-") {
			t.Errorf("temp file left behind: %s", e.Name())
		}
	}
}

func TestWriteJSONIndented(t *testing.T) {
	path := filepath.Join(t.TempDir(), "s.json")
	if err := writeJSON(path, map[string]int{"a": 1}); err != nil {
		t.Fatal(err)
	}
	data, _ := os.ReadFile(path)
	if !strings.Contains(string(data), "\n  \"a\": 1") {
		t.Errorf("expected indented output, got %q", data)
	}
}

func TestOutcomeRecordFlatJSON(t *testing.T) {
	rec := OutcomeRecord{
		OldURL:   "https://cdn/a.png",
		NewURL:   "https://res/a",
		ImageID:  "a",
		Status:   StatusSuccess,
		Metadata: Metadata{"product_name": "Apple"},
	}
	data, err := json.Marshal(rec)
	if err != nil {
		t.Fatal(err)
	}
	var flat map[string]string
	if err := json.Unmarshal(data, &flat); err != nil {
		t.Fatal(err)
	}
	if flat["product_name"] != "Apple" || flat["cloudflare_image_id"] != "a" || flat["status"] != "success" {
		t.Errorf("flat record = %v", flat)
	}
	if rec.Field("product_name") != "Apple" || rec.Field("old_url") != "https://cdn/a.png" {
		t.Error("Field lookup mismatch")
	}
}
