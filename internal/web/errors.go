package web

// errors.go maps the service error taxonomy onto HTTP responses. Every
// handler funnels failures through respondError, so clients always see the
// same envelope: a machine-readable code, a human message and, where it
// helps, a suggested action.

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/forcebench/forcebench/internal/ingest"
	"github.com/forcebench/forcebench/internal/job"
	"github.com/forcebench/forcebench/internal/logging"
	"github.com/forcebench/forcebench/internal/salesforce"
	"github.com/forcebench/forcebench/internal/vault"
	"github.com/forcebench/forcebench/internal/wizard"
)

// ErrorResponse is the JSON error envelope.
type ErrorResponse struct {
	Error   string   `json:"error"`
	Code    string   `json:"code"`
	Action  string   `json:"action,omitempty"`
	Fields  []string `json:"fields,omitempty"`
	Message string   `json:"message,omitempty"`
}

// respondError classifies err, writes the envelope and logs the technical
// detail with the request id. Remote platform messages pass through
// verbatim; internal failures are sanitized to a generic message.
func respondError(w http.ResponseWriter, r *http.Request, err error) {
	status, body := classifyError(err)

	logging.FromContext(r.Context()).Error("request failed",
		"method", r.Method,
		"path", r.URL.Path,
		"status", status,
		"code", body.Code,
		"error", err.Error(),
	)

	if status == http.StatusTooManyRequests {
		var rl *salesforce.RateLimitedError
		if errors.As(err, &rl) && rl.RetryAfter > 0 {
			w.Header().Set("Retry-After", strconv.Itoa(int(rl.RetryAfter.Seconds())))
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func classifyError(err error) (int, ErrorResponse) {
	var (
		authErr      *salesforce.AuthError
		transportErr *salesforce.TransportError
		remoteErr    *salesforce.RemoteError
		rateErr      *salesforce.RateLimitedError
		validErr     *salesforce.ValidationError
		formatErr    *ingest.FormatError
		stepErr      *wizard.TransitionError
	)

	switch {
	case errors.As(err, &authErr):
		return http.StatusUnauthorized, ErrorResponse{
			Error:  "your session has expired",
			Code:   "SESSION_EXPIRED",
			Action: "log in again to continue",
		}

	case errors.As(err, &rateErr):
		return http.StatusTooManyRequests, ErrorResponse{
			Error:  "the platform is rate limiting this org",
			Code:   "RATE_LIMITED",
			Action: "wait before retrying",
		}

	case errors.As(err, &validErr):
		return http.StatusBadRequest, ErrorResponse{
			Error:  validErr.Error(),
			Code:   "VALIDATION_FAILED",
			Fields: validErr.Fields,
		}

	case errors.As(err, &formatErr):
		return http.StatusBadRequest, ErrorResponse{
			Error:   formatErr.Error(),
			Code:    "BAD_FILE",
			Message: string(formatErr.Kind),
			Action:  "check the uploaded file and try again",
		}

	case errors.As(err, &stepErr):
		return http.StatusConflict, ErrorResponse{
			Error: stepErr.Error(),
			Code:  "ILLEGAL_TRANSITION",
		}

	case errors.As(err, &remoteErr):
		status := remoteErr.Status
		if status < 400 || status > 599 {
			status = http.StatusBadGateway
		}
		return status, ErrorResponse{
			Error:   remoteErr.Message,
			Code:    remoteErr.Code,
			Message: remoteErr.Error(),
		}

	case errors.As(err, &transportErr):
		if transportErr.Timeout {
			return http.StatusGatewayTimeout, ErrorResponse{
				Error:  "the platform did not answer in time",
				Code:   "REMOTE_TIMEOUT",
				Action: "retry the request",
			}
		}
		return http.StatusBadGateway, ErrorResponse{
			Error:  "could not reach the platform",
			Code:   "REMOTE_UNREACHABLE",
			Action: "retry the request",
		}

	case errors.Is(err, vault.ErrNotFound):
		return http.StatusUnauthorized, ErrorResponse{
			Error:  "no credential stored for this session",
			Code:   "NOT_CONNECTED",
			Action: "log in to connect an org",
		}

	case errors.Is(err, vault.ErrDecryptFailed):
		return http.StatusUnauthorized, ErrorResponse{
			Error:  "stored credential could not be decrypted",
			Code:   "CREDENTIAL_UNREADABLE",
			Action: "log in again to store a fresh credential",
		}

	case errors.Is(err, job.ErrNotFound), errors.Is(err, wizard.ErrSessionNotFound):
		return http.StatusNotFound, ErrorResponse{
			Error: err.Error(),
			Code:  "NOT_FOUND",
		}

	case errors.Is(err, job.ErrTerminal):
		return http.StatusConflict, ErrorResponse{
			Error: err.Error(),
			Code:  "JOB_FINISHED",
		}

	case errors.Is(err, job.ErrTooManyJobs):
		return http.StatusTooManyRequests, ErrorResponse{
			Error:  err.Error(),
			Code:   "TOO_MANY_JOBS",
			Action: "wait for a running job to finish",
		}

	default:
		return http.StatusInternalServerError, ErrorResponse{
			Error: "internal error",
			Code:  "INTERNAL",
		}
	}
}

// respondJSON writes v with the given status.
func respondJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.FromContext(r.Context()).Error("encode response", "error", err)
	}
}
