// Package ingest turns uploaded CSV files into field maps ready for the
// remote org.
//
// The pipeline has three stages, each usable on its own:
//
//   - ParseHeaders reads the header row and nothing else
//   - Preview retains a bounded sample while counting every data row
//   - Materialize resolves a column mapping into per-row records,
//     collecting row-level problems instead of aborting
//
// All stages read through the sanitation chain in streaming.go, so BOMs,
// ill-formed bytes, and Unicode normalization differences never reach the
// parser. Quoting follows RFC 4180 with lenient handling of bare quotes.
package ingest

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"
)

// FormatKind discriminates file-shape failures.
type FormatKind string

const (
	// FormatEmptyFile: the upload contains no records at all.
	FormatEmptyFile FormatKind = "empty_file"
	// FormatNoHeaders: a first record exists but every column is blank.
	FormatNoHeaders FormatKind = "no_headers"
	// FormatMalformed: the file cannot be parsed as CSV.
	FormatMalformed FormatKind = "malformed_csv"
)

// FormatError reports that an upload is not a usable CSV file.
type FormatError struct {
	Kind FormatKind
	Err  error
}

func (e *FormatError) Error() string {
	switch e.Kind {
	case FormatEmptyFile:
		return "csv: file contains no records"
	case FormatNoHeaders:
		return "csv: header row has no columns"
	default:
		if e.Err != nil {
			return fmt.Sprintf("csv: malformed file: %v", e.Err)
		}
		return "csv: malformed file"
	}
}

func (e *FormatError) Unwrap() error { return e.Err }

// newReader applies the lenient RFC 4180 settings used everywhere in this
// package. Ragged rows are tolerated; materialization decides per row.
func newReader(r io.Reader) *csv.Reader {
	cr := csv.NewReader(SanitizedReader(r))
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true
	cr.TrimLeadingSpace = true
	return cr
}

// readHeaders reads the first record from cr and trims each cell.
func readHeaders(cr *csv.Reader) ([]string, error) {
	record, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return nil, &FormatError{Kind: FormatEmptyFile}
	}
	if err != nil {
		return nil, &FormatError{Kind: FormatMalformed, Err: err}
	}

	headers := make([]string, len(record))
	blank := true
	for i, cell := range record {
		headers[i] = strings.TrimSpace(cell)
		if headers[i] != "" {
			blank = false
		}
	}
	if blank {
		return nil, &FormatError{Kind: FormatNoHeaders}
	}
	return headers, nil
}

// ParseHeaders returns the trimmed header row of a CSV upload.
func ParseHeaders(r io.Reader) ([]string, error) {
	return readHeaders(newReader(r))
}

// Preview is a bounded sample of an upload plus its full data-row count.
type Preview struct {
	Headers   []string   `json:"headers"`
	Rows      [][]string `json:"rows"`
	TotalRows int        `json:"totalRows"`
}

// PreviewCSV reads the whole upload once, retaining at most limit data rows
// and counting the rest. Rows are padded or truncated to the header width
// for display. limit <= 0 retains nothing but still counts.
func PreviewCSV(r io.Reader, limit int) (*Preview, error) {
	cr := newReader(r)
	headers, err := readHeaders(cr)
	if err != nil {
		return nil, err
	}

	p := &Preview{Headers: headers, Rows: [][]string{}}
	for {
		record, err := cr.Read()
		if errors.Is(err, io.EOF) {
			return p, nil
		}
		if err != nil {
			var pe *csv.ParseError
			if errors.As(err, &pe) {
				// Count the bad row and move on; materialization reports it.
				p.TotalRows++
				continue
			}
			return nil, &FormatError{Kind: FormatMalformed, Err: err}
		}
		p.TotalRows++
		if len(p.Rows) < limit {
			p.Rows = append(p.Rows, fitRow(record, len(headers)))
		}
	}
}

// fitRow pads or truncates record to width cells.
func fitRow(record []string, width int) []string {
	row := make([]string, width)
	copy(row, record)
	return row
}
