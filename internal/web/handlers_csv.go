package web

import (
	"errors"
	"net/http"

	"github.com/forcebench/forcebench/internal/ingest"
	"github.com/forcebench/forcebench/internal/salesforce"
)

// handleCSVPreview parses an uploaded CSV and returns its headers, a bounded
// row sample and the full data-row count, without staging anything.
func (s *Server) handleCSVPreview(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.Upload.MaxFileBytes)
	if err := r.ParseMultipartForm(s.cfg.Upload.MaxFileBytes); err != nil {
		respondError(w, r, &salesforce.ValidationError{
			Fields: []string{"file"},
			Err:    errors.New("upload too large or malformed"),
		})
		return
	}
	file, _, err := r.FormFile("file")
	if err != nil {
		respondError(w, r, &salesforce.ValidationError{
			Fields: []string{"file"},
			Err:    errors.New("no file provided"),
		})
		return
	}
	defer file.Close()

	limit := intQuery(r, "rows", s.cfg.Upload.PreviewRows)
	preview, err := ingest.PreviewCSV(file, limit)
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, r, http.StatusOK, preview)
}
