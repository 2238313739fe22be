package ingest

import (
	"bytes"
	"encoding/csv"

	"github.com/forcebench/forcebench/internal/salesforce"
)

// TemplateCSV renders a one-row header template for an object: the names of
// every createable field, in describe order, ready for users to fill in.
func TemplateCSV(fields []salesforce.FieldDescriptor) []byte {
	names := make([]string, 0, len(fields))
	for _, f := range fields {
		if f.Createable {
			names = append(names, f.Name)
		}
	}
	if len(names) == 0 {
		return nil
	}

	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	w.Write(names)
	w.Flush()
	return buf.Bytes()
}
