// Package source reads the product catalog CSV and writes the mapping CSV.
package source

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding/charmap"
)

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// ErrUndecodable is returned when no supported encoding can read the file.
var ErrUndecodable = errors.New("could not read CSV file with any supported encoding")

// Row is one catalog row keyed by trimmed column name.
type Row map[string]string

// Table is a parsed CSV file. Header and Records keep the file's original
// text (decoded to UTF-8) so the reconciled output mirrors the input.
type Table struct {
	Encoding string
	Header   []string
	Records  [][]string
}

// Rows returns the records keyed by trimmed header names with trimmed values.
// Missing trailing cells read as empty strings; surplus cells are dropped.
func (t *Table) Rows() []Row {
	keys := make([]string, len(t.Header))
	for i, h := range t.Header {
		keys[i] = strings.TrimSpace(h)
	}
	rows := make([]Row, 0, len(t.Records))
	for _, rec := range t.Records {
		row := make(Row, len(keys))
		for i, k := range keys {
			if i < len(rec) {
				row[k] = strings.TrimSpace(rec[i])
			} else {
				row[k] = ""
			}
		}
		rows = append(rows, row)
	}
	return rows
}

type decoder struct {
	name   string
	decode func([]byte) ([]byte, bool)
}

// decoders are tried in order; the first one that both decodes and parses wins.
var decoders = []decoder{
	{"utf-8-sig", func(b []byte) ([]byte, bool) {
		b = bytes.TrimPrefix(b, utf8BOM)
		return b, utf8.Valid(b)
	}},
	{"utf-8", func(b []byte) ([]byte, bool) {
		return b, utf8.Valid(b)
	}},
	{"latin-1", func(b []byte) ([]byte, bool) {
		out, err := charmap.ISO8859_1.NewDecoder().Bytes(b)
		return out, err == nil
	}},
	{"cp1252", func(b []byte) ([]byte, bool) {
		out, err := charmap.Windows1252.NewDecoder().Bytes(b)
		return out, err == nil
	}},
}

// Read loads a CSV file, trying UTF-8 with BOM, UTF-8, Latin-1 and
// Windows-1252 in that order.
func Read(path string) (*Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("input CSV file not found: %s", path)
		}
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	var errs []error
	for _, d := range decoders {
		text, ok := d.decode(data)
		if !ok {
			continue
		}
		t, err := parse(text)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", d.name, err))
			continue
		}
		t.Encoding = d.name
		return t, nil
	}
	if len(errs) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrUndecodable, path)
	}
	return nil, fmt.Errorf("%w: %s: %w", ErrUndecodable, path, errors.Join(errs...))
}

func parse(text []byte) (*Table, error) {
	r := csv.NewReader(bytes.NewReader(text))
	r.FieldsPerRecord = -1
	r.LazyQuotes = true

	header, err := r.Read()
	if err == io.EOF {
		return &Table{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}

	t := &Table{Header: header}
	for {
		rec, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		t.Records = append(t.Records, rec)
	}
	return t, nil
}
