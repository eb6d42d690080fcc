package source

import (
	"encoding/csv"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/lucasnoah/imgmigrate/internal/state"
)

func writeFile(t *testing.T, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestReadUTF8WithBOM(t *testing.T) {
	data := append([]byte{0xEF, 0xBB, 0xBF}, []byte(" Name ,Image Link\n Apple , https://cdn/a.png \n")...)
	tbl, err := Read(writeFile(t, "bom.csv", data))
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if tbl.Encoding != "utf-8-sig" {
		t.Errorf("Encoding = %q", tbl.Encoding)
	}
	rows := tbl.Rows()
	if len(rows) != 1 {
		t.Fatalf("rows = %d, want 1", len(rows))
	}
	if rows[0]["Name"] != "Apple" {
		t.Errorf("Name = %q, want trimmed Apple", rows[0]["Name"])
	}
	if rows[0]["Image Link"] != "https://cdn/a.png" {
		t.Errorf("Image Link = %q", rows[0]["Image Link"])
	}
	if tbl.Header[0] != " Name " {
		t.Errorf("raw header should be preserved, got %q", tbl.Header[0])
	}
}

func TestReadLatin1(t *testing.T) {
	// "Crème" in Latin-1: 0xE8 is not valid UTF-8 on its own.
	data := []byte("Name,Image Link\nCr\xe8me,https://cdn/c.png\n")
	tbl, err := Read(writeFile(t, "latin.csv", data))
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if tbl.Encoding != "latin-1" {
		t.Errorf("Encoding = %q, want latin-1", tbl.Encoding)
	}
	if got := tbl.Rows()[0]["Name"]; got != "Crème" {
		t.Errorf("Name = %q, want Crème", got)
	}
}

func TestReadShortAndLongRows(t *testing.T) {
	data := []byte("Name,Image Link,Extra\nA\nB,https://cdn/b.png,x,surplus\n")
	tbl, err := Read(writeFile(t, "ragged.csv", data))
	if err != nil {
		t.Fatal(err)
	}
	rows := tbl.Rows()
	if rows[0]["Image Link"] != "" || rows[0]["Extra"] != "" {
		t.Errorf("short row = %v", rows[0])
	}
	if len(rows[1]) != 3 {
		t.Errorf("long row should keep header columns only: %v", rows[1])
	}
}

func TestReadMissingFile(t *testing.T) {
	_, err := Read(filepath.Join(t.TempDir(), "nope.csv"))
	if err == nil || !strings.Contains(err.Error(), "not found") {
		t.Fatalf("err = %v", err)
	}
}

func TestReadEmptyFile(t *testing.T) {
	tbl, err := Read(writeFile(t, "empty.csv", nil))
	if err != nil {
		t.Fatal(err)
	}
	if len(tbl.Rows()) != 0 {
		t.Error("expected no rows")
	}
}

func TestImageRef(t *testing.T) {
	tests := []struct {
		name string
		row  Row
		want string
		ok   bool
	}{
		{"primary", Row{"Image Link": "a", "url": "b"}, "a", true},
		{"skip empty", Row{"Image Link": "", "image_url": "c"}, "c", true},
		{"last variant", Row{"URL": "d"}, "d", true},
		{"case sensitive", Row{"image link": "e"}, "", false},
		{"none", Row{"Name": "Apple"}, "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := ImageRef(tt.row)
			if got != tt.want || ok != tt.ok {
				t.Errorf("ImageRef = (%q, %v), want (%q, %v)", got, ok, tt.want, tt.ok)
			}
		})
	}
}

func TestMetadata(t *testing.T) {
	m := Metadata(Row{"Name": "Apple", "Main Category": "Fruit", "Sub Category": "Fresh"})
	if m["product_name"] != "Apple" || m["main_category"] != "Fruit" || m["sub_category"] != "Fresh" {
		t.Errorf("Metadata = %v", m)
	}
}

func TestWriteMapping(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out", "mapping.csv")
	records := []state.OutcomeRecord{
		{OldURL: "o1", NewURL: "n1", ImageID: "i1", Status: state.StatusSuccess,
			Metadata: state.Metadata{"product_name": "Apple", "color": "red"}},
		{OldURL: "o2", Status: state.StatusFailed, Error: "404"},
	}
	if err := WriteMapping(records, path, true); err != nil {
		t.Fatalf("WriteMapping: %v", err)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	lines, err := csv.NewReader(f).ReadAll()
	if err != nil {
		t.Fatal(err)
	}
	if strings.Join(lines[0], ",") != "old_url,new_url,cloudflare_image_id,product_name,main_category,sub_category,status,error" {
		t.Errorf("header = %v", lines[0])
	}
	if len(lines) != 3 {
		t.Fatalf("lines = %d, want 3", len(lines))
	}
	if lines[1][3] != "Apple" || lines[1][6] != "success" {
		t.Errorf("row 1 = %v", lines[1])
	}
	if lines[2][7] != "404" || lines[2][6] != "failed" {
		t.Errorf("row 2 = %v", lines[2])
	}
	for _, l := range lines {
		if len(l) != 8 {
			t.Errorf("extra fields leaked into %v", l)
		}
	}
}

func TestWriteMappingNoMetadata(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mapping.csv")
	if err := WriteMapping(nil, path, false); err != nil {
		t.Fatal(err)
	}
	data, _ := os.ReadFile(path)
	if strings.TrimSpace(string(data)) != "old_url,new_url,cloudflare_image_id,status,error" {
		t.Errorf("content = %q", data)
	}
}
