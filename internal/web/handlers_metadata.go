package web

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/forcebench/forcebench/internal/ingest"
	"github.com/forcebench/forcebench/internal/salesforce"
	"github.com/forcebench/forcebench/internal/web/middleware"
)

// handleListObjects returns the org's object catalog. ?createable=true
// narrows it to objects records can be inserted into, which is what the
// wizard's target picker wants.
func (s *Server) handleListObjects(w http.ResponseWriter, r *http.Request) {
	subject := middleware.Subject(r.Context())
	objects, err := s.client.DescribeGlobal(r.Context(), subject)
	if err != nil {
		respondError(w, r, err)
		return
	}

	if r.URL.Query().Get("createable") == "true" {
		filtered := objects[:0]
		for _, o := range objects {
			if o.Createable {
				filtered = append(filtered, o)
			}
		}
		objects = filtered
	}
	respondJSON(w, r, http.StatusOK, map[string]any{
		"objects": objects,
		"count":   len(objects),
	})
}

// handleObjectFields returns the field descriptors for one object, served
// from the describe cache when warm.
func (s *Server) handleObjectFields(w http.ResponseWriter, r *http.Request) {
	subject := middleware.Subject(r.Context())
	name := chi.URLParam(r, "name")

	desc, err := s.client.DescribeSObject(r.Context(), subject, name)
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, r, http.StatusOK, desc)
}

// handleObjectTemplate downloads a one-line CSV header template of the
// object's createable fields.
func (s *Server) handleObjectTemplate(w http.ResponseWriter, r *http.Request) {
	subject := middleware.Subject(r.Context())
	name := chi.URLParam(r, "name")

	desc, err := s.client.DescribeSObject(r.Context(), subject, name)
	if err != nil {
		respondError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", `attachment; filename="`+desc.Name+`_template.csv"`)
	w.Write(ingest.TemplateCSV(desc.Fields))
}

// handleListMetadata lists components of one metadata type.
func (s *Server) handleListMetadata(w http.ResponseWriter, r *http.Request) {
	subject := middleware.Subject(r.Context())
	metadataType := chi.URLParam(r, "type")
	if metadataType == "" {
		respondError(w, r, &salesforce.ValidationError{Fields: []string{"type"}})
		return
	}

	components, err := s.client.ListMetadata(r.Context(), subject, metadataType)
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, r, http.StatusOK, map[string]any{
		"type":       metadataType,
		"components": components,
		"count":      len(components),
	})
}
