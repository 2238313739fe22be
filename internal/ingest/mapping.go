package ingest

import (
	"fmt"
	"strings"

	"github.com/hashicorp/go-multierror"

	"github.com/forcebench/forcebench/internal/salesforce"
)

// MapEntry binds one target field to one CSV source column.
type MapEntry struct {
	TargetField  string `json:"targetField"`
	SourceColumn string `json:"sourceColumn"`
}

// Mapping is the full column plan for a materialization. TargetField is
// unique across entries.
type Mapping []MapEntry

// Validate checks a mapping against the upload's headers and the target
// object's describe. All violations are aggregated; the returned error is a
// *salesforce.ValidationError naming every offending field.
func (m Mapping) Validate(headers []string, fields []salesforce.FieldDescriptor) error {
	var merr *multierror.Error
	var offending []string
	flag := func(field, format string, args ...any) {
		merr = multierror.Append(merr, fmt.Errorf(format, args...))
		offending = append(offending, field)
	}

	if len(m) == 0 {
		flag("mapping", "mapping must contain at least one entry")
	}

	byName := make(map[string]salesforce.FieldDescriptor, len(fields))
	for _, f := range fields {
		byName[strings.ToLower(f.Name)] = f
	}

	seen := make(map[string]bool, len(m))
	for _, e := range m {
		switch {
		case e.TargetField == "":
			flag("targetField", "entry for column %q has no target field", e.SourceColumn)
			continue
		case e.SourceColumn == "":
			flag(e.TargetField, "field %q has no source column", e.TargetField)
			continue
		}

		key := strings.ToLower(e.TargetField)
		if seen[key] {
			flag(e.TargetField, "field %q is mapped more than once", e.TargetField)
			continue
		}
		seen[key] = true

		f, ok := byName[key]
		if !ok {
			flag(e.TargetField, "field %q does not exist on the target object", e.TargetField)
		} else if !f.Createable {
			flag(e.TargetField, "field %q is not createable", e.TargetField)
		}

		if columnIndex(headers, e.SourceColumn) < 0 {
			flag(e.TargetField, "column %q for field %q is not in the file", e.SourceColumn, e.TargetField)
		}
	}

	for _, f := range fields {
		if f.Required() && !seen[strings.ToLower(f.Name)] {
			flag(f.Name, "required field %q is not mapped", f.Name)
		}
	}

	if err := merr.ErrorOrNil(); err != nil {
		return &salesforce.ValidationError{Fields: offending, Err: err}
	}
	return nil
}

// columnIndex locates name among headers, ignoring case.
func columnIndex(headers []string, name string) int {
	for i, h := range headers {
		if strings.EqualFold(h, name) {
			return i
		}
	}
	return -1
}
