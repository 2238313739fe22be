package web

import (
	"net/http"

	"github.com/forcebench/forcebench/internal/logging"
	"github.com/forcebench/forcebench/internal/web/middleware"
)

// handleAdminReset wipes live wizard sessions and, when a resetter is wired,
// truncates the mutable data tables. The route only exists when the admin
// surface is enabled in config; production deployments never mount it.
func (s *Server) handleAdminReset(w http.ResponseWriter, r *http.Request) {
	cleared := s.wizard.Clear()

	if s.reset != nil {
		if err := s.reset(r.Context()); err != nil {
			respondError(w, r, err)
			return
		}
	}

	logging.FromContext(r.Context()).Warn("admin reset executed",
		"subject", middleware.Subject(r.Context()),
		"sessions_cleared", cleared,
	)
	respondJSON(w, r, http.StatusOK, map[string]any{
		"status":          "reset",
		"sessionsCleared": cleared,
	})
}
