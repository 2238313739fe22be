package ingest

import (
	"bytes"
	"encoding/csv"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// ============================================================================
// Header Parsing Tests
// ============================================================================

func TestParseHeaders(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want []string
	}{
		{
			name: "plain",
			in:   "Name,Industry,AnnualRevenue\nAcme,Tech,100\n",
			want: []string{"Name", "Industry", "AnnualRevenue"},
		},
		{
			name: "quoted comma",
			in:   "\"Last, First\",Email\n",
			want: []string{"Last, First", "Email"},
		},
		{
			name: "escaped quote",
			in:   "\"a,b\"\"c\",d\n",
			want: []string{`a,b"c`, "d"},
		},
		{
			name: "surrounding whitespace trimmed",
			in:   "  Name , Industry \n",
			want: []string{"Name", "Industry"},
		},
		{
			name: "utf8 bom stripped",
			in:   "\xef\xbb\xbfName,Industry\n",
			want: []string{"Name", "Industry"},
		},
		{
			name: "headers only no data",
			in:   "Name,Industry",
			want: []string{"Name", "Industry"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseHeaders(strings.NewReader(tt.in))
			if err != nil {
				t.Fatalf("ParseHeaders() error = %v", err)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("ParseHeaders() = %v, want %v", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("header[%d] = %q, want %q", i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestParseHeaders_FormatFailures(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want FormatKind
	}{
		{"empty file", "", FormatEmptyFile},
		{"only newlines", "\n\n\n", FormatEmptyFile},
		{"blank header row", " , , \n1,2,3\n", FormatNoHeaders},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseHeaders(strings.NewReader(tt.in))
			var fe *FormatError
			if !errors.As(err, &fe) {
				t.Fatalf("ParseHeaders() error = %v, want *FormatError", err)
			}
			if fe.Kind != tt.want {
				t.Errorf("FormatError.Kind = %q, want %q", fe.Kind, tt.want)
			}
		})
	}
}

// ============================================================================
// Preview Tests
// ============================================================================

func TestPreviewCSV(t *testing.T) {
	in := "Name,Industry\nAcme,Tech\nGlobex,Energy\nInitech,Software\nHooli,Web\n"

	got, err := PreviewCSV(strings.NewReader(in), 2)
	if err != nil {
		t.Fatalf("PreviewCSV() error = %v", err)
	}
	if got.TotalRows != 4 {
		t.Errorf("TotalRows = %d, want 4", got.TotalRows)
	}
	if len(got.Rows) != 2 {
		t.Fatalf("retained %d rows, want 2", len(got.Rows))
	}
	if got.Rows[0][0] != "Acme" || got.Rows[1][0] != "Globex" {
		t.Errorf("Rows = %v, want first two data rows in order", got.Rows)
	}
}

func TestPreviewCSV_ZeroLimitStillCounts(t *testing.T) {
	in := "Name\nA\nB\nC\n"
	got, err := PreviewCSV(strings.NewReader(in), 0)
	if err != nil {
		t.Fatalf("PreviewCSV() error = %v", err)
	}
	if len(got.Rows) != 0 {
		t.Errorf("retained %d rows, want 0", len(got.Rows))
	}
	if got.TotalRows != 3 {
		t.Errorf("TotalRows = %d, want 3", got.TotalRows)
	}
}

func TestPreviewCSV_RaggedRowsFitHeaderWidth(t *testing.T) {
	in := "A,B,C\n1\n1,2,3,4\n"
	got, err := PreviewCSV(strings.NewReader(in), 10)
	if err != nil {
		t.Fatalf("PreviewCSV() error = %v", err)
	}
	for i, row := range got.Rows {
		if len(row) != 3 {
			t.Errorf("row %d has %d cells, want 3", i, len(row))
		}
	}
	if got.Rows[0][1] != "" {
		t.Errorf("short row not padded: %v", got.Rows[0])
	}
	if got.Rows[1][2] != "3" {
		t.Errorf("long row not truncated cleanly: %v", got.Rows[1])
	}
}

func TestPreviewCSV_QuotingProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	// Cells containing the characters that make CSV hard must survive a
	// write/parse round trip unchanged.
	hardCell := gen.OneConstOf(`a"b`, "x,y", "line1\nline2", `""`, "plain", `tr,ick"y`)

	properties.Property("hard cells survive quoting", prop.ForAll(
		func(c1, c2 string) bool {
			var buf bytes.Buffer
			w := csv.NewWriter(&buf)
			w.Write([]string{"H1", "H2"})
			w.Write([]string{c1, c2})
			w.Flush()

			p, err := PreviewCSV(&buf, 1)
			if err != nil || len(p.Rows) != 1 {
				return false
			}
			return p.Rows[0][0] == c1 && p.Rows[0][1] == c2
		},
		hardCell, hardCell,
	))

	properties.TestingRun(t)
}

// ============================================================================
// Sanitation Tests
// ============================================================================

func TestSanitizedReader(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"bom stripped", "\xef\xbb\xbfhello", "hello"},
		{"invalid byte replaced", "a\xffb", "a�b"},
		{"combining sequence composed", "café", "café"},
		{"plain ascii untouched", "Name,Industry", "Name,Industry"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := io.ReadAll(SanitizedReader(strings.NewReader(tt.in)))
			if err != nil {
				t.Fatalf("ReadAll() error = %v", err)
			}
			if string(got) != tt.want {
				t.Errorf("sanitized = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestCountingReader(t *testing.T) {
	src := strings.Repeat("x", 100)
	cr := NewCountingReader(strings.NewReader(src), 100)

	buf := make([]byte, 40)
	cr.Read(buf)
	if cr.Progress() != 40 {
		t.Errorf("Progress() = %d after 40/100 bytes, want 40", cr.Progress())
	}

	io.Copy(io.Discard, cr)
	if cr.BytesRead != 100 {
		t.Errorf("BytesRead = %d, want 100", cr.BytesRead)
	}
	if cr.Progress() != 100 {
		t.Errorf("Progress() = %d, want 100", cr.Progress())
	}
}

func TestCountingReader_UnknownTotal(t *testing.T) {
	cr := NewCountingReader(strings.NewReader("data"), 0)
	io.Copy(io.Discard, cr)
	if cr.Progress() != 0 {
		t.Errorf("Progress() = %d with unknown total, want 0", cr.Progress())
	}
}
