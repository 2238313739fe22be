package salesforce

// errors.go defines the error taxonomy every remote call resolves to.
//
// Callers dispatch with errors.As; the web layer maps each type to an HTTP
// status and user-facing message. The taxonomy is deliberately small:
//
//   - AuthError:        the session is invalid and could not be recovered
//   - TransportError:   the network failed before a platform verdict arrived
//   - RemoteError:      the platform rejected the call (code kept verbatim)
//   - RateLimitedError: the org is out of API capacity; caller decides when
//   - ValidationError:  local pre-flight failure, nothing left the process

import (
	"fmt"
	"strings"
	"time"
)

// AuthReason says where in the session lifecycle authentication failed.
type AuthReason string

const (
	// ReasonInvalidSession is the wire-level verdict on the first attempt.
	// The client intercepts it and runs one refresh cycle before retrying.
	ReasonInvalidSession AuthReason = "invalid_session"

	// ReasonSessionExpired means the refresh cycle ran and did not help,
	// or no refresh token was available. The subject must log in again.
	ReasonSessionExpired AuthReason = "session_expired"

	// ReasonRefreshRejected means the token endpoint denied the grant.
	ReasonRefreshRejected AuthReason = "refresh_rejected"
)

// AuthError reports an authentication failure.
type AuthError struct {
	Reason AuthReason
}

func (e *AuthError) Error() string {
	return "authentication failed: " + string(e.Reason)
}

// TransportError reports a network failure for operation Op. Timeout is set
// when the deadline expired before the platform answered.
type TransportError struct {
	Op      string
	Timeout bool
	Err     error
}

func (e *TransportError) Error() string {
	if e.Timeout {
		return fmt.Sprintf("%s: request timed out: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s: transport failure: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// RemoteError reports a platform rejection. Code carries the platform
// errorCode verbatim (e.g. MALFORMED_QUERY, ENTITY_IS_DELETED).
type RemoteError struct {
	Status  int
	Code    string
	Message string
}

func (e *RemoteError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("remote error (HTTP %d): %s", e.Status, e.Message)
	}
	return fmt.Sprintf("remote error (HTTP %d) %s: %s", e.Status, e.Code, e.Message)
}

// RateLimitedError reports org API exhaustion. RetryAfter is zero when the
// platform gave no hint. The client never retries these itself.
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("rate limited by the platform, retry after %s", e.RetryAfter)
	}
	return "rate limited by the platform"
}

// ValidationError reports a local pre-flight failure. Fields lists every
// offending field so the caller can surface all problems at once; Err holds
// the aggregated detail.
type ValidationError struct {
	Fields []string
	Err    error
}

func (e *ValidationError) Error() string {
	if e.Err != nil {
		return "validation failed: " + e.Err.Error()
	}
	if len(e.Fields) > 0 {
		return "validation failed for fields: " + strings.Join(e.Fields, ", ")
	}
	return "validation failed"
}

func (e *ValidationError) Unwrap() error { return e.Err }

// sessionInvalidCode reports whether a platform error code means the session
// token is no longer valid. The async endpoint uses a different casing than
// the JSON endpoint, so the check is case-insensitive on normalized forms.
func sessionInvalidCode(code string) bool {
	switch strings.ToUpper(strings.ReplaceAll(code, "_", "")) {
	case "INVALIDSESSIONID":
		return true
	}
	return false
}

// rateLimitCode reports whether a platform error code means API exhaustion.
func rateLimitCode(code string) bool {
	return strings.EqualFold(code, "REQUEST_LIMIT_EXCEEDED")
}
