package ingest

// streaming.go prepares uploaded byte streams for CSV parsing without
// buffering whole files: a leading UTF-8 BOM is stripped, ill-formed bytes
// become U+FFFD, and text is NFC-normalized so header/field comparisons see
// one canonical form.

import (
	"io"

	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// SanitizedReader wraps r with the upload sanitation chain. The returned
// reader yields valid, NFC-normalized UTF-8 with no byte order mark.
func SanitizedReader(r io.Reader) io.Reader {
	return transform.NewReader(r, transform.Chain(unicode.UTF8BOM.NewDecoder(), norm.NFC))
}

// CountingReader tracks bytes consumed from an upload for progress
// reporting. Total is zero when the size is unknown.
type CountingReader struct {
	reader    io.Reader
	BytesRead int64
	Total     int64
}

func NewCountingReader(r io.Reader, total int64) *CountingReader {
	return &CountingReader{reader: r, Total: total}
}

func (r *CountingReader) Read(p []byte) (int, error) {
	n, err := r.reader.Read(p)
	r.BytesRead += int64(n)
	return n, err
}

// Progress returns percent consumed, 0 when the total is unknown.
func (r *CountingReader) Progress() int {
	if r.Total <= 0 {
		return 0
	}
	return int(r.BytesRead * 100 / r.Total)
}

// WrapUpload applies the sanitation chain and byte counting in one step.
// Counting sits outside the transforms so progress reflects sanitized
// output, which is what the parser actually consumes.
func WrapUpload(r io.Reader, total int64) *CountingReader {
	return NewCountingReader(SanitizedReader(r), total)
}
