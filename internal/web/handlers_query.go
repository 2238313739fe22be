package web

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/forcebench/forcebench/internal/logging"
	"github.com/forcebench/forcebench/internal/salesforce"
	"github.com/forcebench/forcebench/internal/storage"
	"github.com/forcebench/forcebench/internal/web/middleware"
)

type queryRequest struct {
	SOQL           string `json:"soql"`
	IncludeDeleted bool   `json:"includeDeleted"`
}

// handleQuery runs a SOQL query and records it in the history, including
// failures, so users can see what they ran and how long it took.
func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	subject := middleware.Subject(r.Context())

	var req queryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, r, &salesforce.ValidationError{
			Fields: []string{"soql"},
			Err:    errors.New("request body is not valid JSON"),
		})
		return
	}
	if strings.TrimSpace(req.SOQL) == "" {
		respondError(w, r, &salesforce.ValidationError{
			Fields: []string{"soql"},
			Err:    errors.New("soql must not be empty"),
		})
		return
	}

	start := time.Now()
	var (
		result *salesforce.QueryResult
		err    error
	)
	if req.IncludeDeleted {
		result, err = s.client.QueryAll(r.Context(), subject, req.SOQL)
	} else {
		result, err = s.client.Query(r.Context(), subject, req.SOQL)
	}
	s.recordQuery(r, subject, req.SOQL, result, err, time.Since(start))

	if err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, r, http.StatusOK, result)
}

// handleQueryMore continues a paged query from its nextRecordsUrl.
func (s *Server) handleQueryMore(w http.ResponseWriter, r *http.Request) {
	subject := middleware.Subject(r.Context())
	next := r.URL.Query().Get("next")
	if next == "" {
		respondError(w, r, &salesforce.ValidationError{
			Fields: []string{"next"},
			Err:    errors.New("next records url is required"),
		})
		return
	}

	result, err := s.client.QueryMore(r.Context(), subject, next)
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, r, http.StatusOK, result)
}

// handleQueryHistory lists the subject's recent queries.
func (s *Server) handleQueryHistory(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		respondJSON(w, r, http.StatusOK, map[string]any{"queries": []any{}})
		return
	}
	subject := middleware.Subject(r.Context())
	limit := intQuery(r, "limit", 25)

	queries, err := s.history.List(r.Context(), subject, limit)
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, r, http.StatusOK, map[string]any{
		"queries": queries,
		"count":   len(queries),
	})
}

type searchRequest struct {
	SOSL string `json:"sosl"`
}

// handleSearch runs a SOSL search.
func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	subject := middleware.Subject(r.Context())

	var req searchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || strings.TrimSpace(req.SOSL) == "" {
		respondError(w, r, &salesforce.ValidationError{
			Fields: []string{"sosl"},
			Err:    errors.New("sosl must not be empty"),
		})
		return
	}

	result, err := s.client.Search(r.Context(), subject, req.SOSL)
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, r, http.StatusOK, result)
}

type apexRequest struct {
	Body string `json:"body"`
}

// handleExecuteApex compiles and runs an anonymous Apex block. Compile and
// runtime problems arrive inside the result document with HTTP 200; only
// call-level failures become error responses.
func (s *Server) handleExecuteApex(w http.ResponseWriter, r *http.Request) {
	subject := middleware.Subject(r.Context())

	var req apexRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, r, &salesforce.ValidationError{
			Fields: []string{"body"},
			Err:    errors.New("request body is not valid JSON"),
		})
		return
	}

	result, err := s.client.ExecuteAnonymous(r.Context(), subject, req.Body)
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, r, http.StatusOK, result)
}

// handleLimits returns the org limits snapshot.
func (s *Server) handleLimits(w http.ResponseWriter, r *http.Request) {
	subject := middleware.Subject(r.Context())
	limits, err := s.client.Limits(r.Context(), subject)
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, r, http.StatusOK, limits)
}

// handleOperations lists the subject's operation audit trail.
func (s *Server) handleOperations(w http.ResponseWriter, r *http.Request) {
	if s.audits == nil {
		respondJSON(w, r, http.StatusOK, map[string]any{"operations": []any{}})
		return
	}
	subject := middleware.Subject(r.Context())
	limit := intQuery(r, "limit", 50)

	operations, err := s.audits.List(r.Context(), subject, limit)
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, r, http.StatusOK, map[string]any{
		"operations": operations,
		"count":      len(operations),
	})
}

// recordQuery writes one history row. History failures are logged, never
// surfaced; the query result matters more than its bookkeeping.
func (s *Server) recordQuery(r *http.Request, subject, soql string, result *salesforce.QueryResult, qerr error, d time.Duration) {
	if s.history == nil {
		return
	}
	h := storage.QueryHistory{
		SubjectID:   subject,
		SOQL:        soql,
		Status:      storage.QueryStatusSuccess,
		ExecutionMS: d.Milliseconds(),
	}
	if qerr != nil {
		h.Status = storage.QueryStatusError
		h.ErrorMessage = qerr.Error()
	} else if result != nil {
		h.RowCount = result.TotalSize
	}
	if _, err := s.history.Record(r.Context(), h); err != nil {
		logging.FromContext(r.Context()).Error("record query history", "error", err)
	}
}

// intQuery reads an integer query parameter with a fallback.
func intQuery(r *http.Request, name string, fallback int) int {
	v := r.URL.Query().Get(name)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}
