package ingest

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/forcebench/forcebench/internal/salesforce"
)

// IndexedRecord is one materialized row. RowIndex is the record's position
// in the file, where the header row is 0 and the first data row is 1.
type IndexedRecord struct {
	RowIndex int               `json:"rowIndex"`
	Fields   map[string]string `json:"fields"`
}

// RowError reports one row that could not be materialized.
type RowError struct {
	RowIndex int    `json:"rowIndex"`
	Message  string `json:"message"`
}

// MaterializeResult is the outcome of a full materialization pass. Records
// and RowErrors together cover every data row; neither list reorders rows.
type MaterializeResult struct {
	Records   []IndexedRecord `json:"records"`
	RowErrors []RowError      `json:"rowErrors"`
	TotalRows int             `json:"totalRows"`
}

// Materialize streams the upload through mapping, producing one record per
// usable data row. Rows are never fatal: a row that cannot be used is
// recorded as a RowError and the pass continues. The error return is
// reserved for file-level failures (shape, IO).
//
// A row is unusable when a required field's mapped cell is empty, or when
// no mapped cell has a value at all.
func Materialize(r io.Reader, mapping Mapping, fields []salesforce.FieldDescriptor) (*MaterializeResult, error) {
	cr := newReader(r)
	headers, err := readHeaders(cr)
	if err != nil {
		return nil, err
	}
	if err := mapping.Validate(headers, fields); err != nil {
		return nil, err
	}

	type binding struct {
		field    string
		column   int
		required bool
	}
	requiredBy := make(map[string]bool, len(fields))
	for _, f := range fields {
		if f.Required() {
			requiredBy[strings.ToLower(f.Name)] = true
		}
	}
	bindings := make([]binding, 0, len(mapping))
	for _, e := range mapping {
		bindings = append(bindings, binding{
			field:    e.TargetField,
			column:   columnIndex(headers, e.SourceColumn),
			required: requiredBy[strings.ToLower(e.TargetField)],
		})
	}

	result := &MaterializeResult{Records: []IndexedRecord{}, RowErrors: []RowError{}}
	rowIndex := 0
	for {
		record, err := cr.Read()
		if errors.Is(err, io.EOF) {
			result.TotalRows = rowIndex
			return result, nil
		}
		rowIndex++
		if err != nil {
			var pe *csv.ParseError
			if errors.As(err, &pe) {
				result.RowErrors = append(result.RowErrors, RowError{
					RowIndex: rowIndex,
					Message:  fmt.Sprintf("row could not be parsed: %v", pe.Err),
				})
				continue
			}
			return nil, &FormatError{Kind: FormatMalformed, Err: err}
		}

		values := make(map[string]string, len(bindings))
		var missing []string
		empty := true
		for _, b := range bindings {
			var cell string
			if b.column >= 0 && b.column < len(record) {
				cell = strings.TrimSpace(record[b.column])
			}
			if cell != "" {
				empty = false
			} else if b.required {
				missing = append(missing, b.field)
			}
			values[b.field] = cell
		}

		switch {
		case len(missing) > 0:
			result.RowErrors = append(result.RowErrors, RowError{
				RowIndex: rowIndex,
				Message:  fmt.Sprintf("required fields are empty: %s", strings.Join(missing, ", ")),
			})
		case empty:
			result.RowErrors = append(result.RowErrors, RowError{
				RowIndex: rowIndex,
				Message:  "no mapped column has a value",
			})
		default:
			result.Records = append(result.Records, IndexedRecord{RowIndex: rowIndex, Fields: values})
		}
	}
}
