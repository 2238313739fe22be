package web

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/forcebench/forcebench/internal/job"
	"github.com/forcebench/forcebench/internal/web/middleware"
)

// handleListJobs returns the caller's jobs, newest first.
func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	subject := middleware.Subject(r.Context())
	limit := intQuery(r, "limit", 50)

	jobs, err := s.jobs.List(r.Context(), subject, limit)
	if err != nil {
		respondError(w, r, err)
		return
	}
	if jobs == nil {
		jobs = []*job.Record{}
	}
	respondJSON(w, r, http.StatusOK, map[string]any{
		"jobs":  jobs,
		"count": len(jobs),
	})
}

// handleJobStatus is the polling endpoint: one job record snapshot.
func (s *Server) handleJobStatus(w http.ResponseWriter, r *http.Request) {
	rec, err := s.ownedJob(r)
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, r, http.StatusOK, rec)
}

// handleJobAbort requests a one-way abort of a running job.
func (s *Server) handleJobAbort(w http.ResponseWriter, r *http.Request) {
	rec, err := s.ownedJob(r)
	if err != nil {
		respondError(w, r, err)
		return
	}
	if err := s.jobs.Abort(r.Context(), rec.JobID); err != nil {
		respondError(w, r, err)
		return
	}
	updated, err := s.jobs.Status(r.Context(), rec.JobID)
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, r, http.StatusOK, updated)
}

// handleJobErrors pages through a job's row errors. The list is append-only,
// so offset paging is stable across polls.
func (s *Server) handleJobErrors(w http.ResponseWriter, r *http.Request) {
	rec, err := s.ownedJob(r)
	if err != nil {
		respondError(w, r, err)
		return
	}

	offset := 0
	if n, err := strconv.Atoi(r.URL.Query().Get("offset")); err == nil && n > 0 {
		offset = n
	}
	limit := intQuery(r, "limit", 100)

	total := len(rec.ErrorDetails)
	if offset > total {
		offset = total
	}
	end := offset + limit
	if end > total {
		end = total
	}

	respondJSON(w, r, http.StatusOK, map[string]any{
		"jobId":  rec.JobID,
		"total":  total,
		"offset": offset,
		"errors": rec.ErrorDetails[offset:end],
	})
}

// ownedJob loads the job in the URL and verifies the caller owns it.
func (s *Server) ownedJob(r *http.Request) (*job.Record, error) {
	rec, err := s.jobs.Status(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		return nil, err
	}
	if rec.SubjectID != middleware.Subject(r.Context()) {
		return nil, job.ErrNotFound
	}
	return rec, nil
}
