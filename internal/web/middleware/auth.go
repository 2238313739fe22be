// Package middleware provides the HTTP middleware stack for the API server:
// session authentication, request logging, trusted-proxy IP resolution and
// per-client rate limiting.
package middleware

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/forcebench/forcebench/internal/logging"
)

// SessionCookie is the cookie the login callback sets so browser clients do
// not have to manage the token themselves.
const SessionCookie = "fb_session"

type contextKey string

const subjectKey contextKey = "subject"

// Subject returns the authenticated vault subject for the request, empty
// when the route is unauthenticated.
func Subject(ctx context.Context) string {
	s, _ := ctx.Value(subjectKey).(string)
	return s
}

// WithSubject injects a subject, primarily for handler tests.
func WithSubject(ctx context.Context, subjectID string) context.Context {
	return context.WithValue(ctx, subjectKey, subjectID)
}

// Sessions issues and verifies the signed tokens binding a browser session
// to a vault subject. Tokens are HS256 JWTs whose subject claim carries the
// "orgID:userID" identity; nothing secret is stored in the token.
type Sessions struct {
	secret []byte
	ttl    time.Duration
}

func NewSessions(secret string, ttl time.Duration) *Sessions {
	return &Sessions{secret: []byte(secret), ttl: ttl}
}

// Issue mints a token for a subject.
func (s *Sessions) Issue(subjectID string) (string, error) {
	now := time.Now().UTC()
	claims := jwt.RegisteredClaims{
		Subject:   subjectID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := tok.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("sign session token: %w", err)
	}
	return signed, nil
}

// Parse verifies a token and returns its subject.
func (s *Sessions) Parse(token string) (string, error) {
	parsed, err := jwt.ParseWithClaims(token, &jwt.RegisteredClaims{}, func(t *jwt.Token) (any, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, fmt.Errorf("unexpected signing method %q", t.Method.Alg())
		}
		return s.secret, nil
	})
	if err != nil {
		return "", err
	}
	claims, ok := parsed.Claims.(*jwt.RegisteredClaims)
	if !ok || claims.Subject == "" {
		return "", fmt.Errorf("token has no subject")
	}
	return claims.Subject, nil
}

// TTL is the configured token lifetime.
func (s *Sessions) TTL() time.Duration { return s.ttl }

// Require rejects requests without a valid session token. The token is read
// from the Authorization bearer header, falling back to the session cookie.
func (s *Sessions) Require(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			if c, err := r.Cookie(SessionCookie); err == nil {
				token = c.Value
			}
		}
		if token == "" {
			unauthorized(w, "missing session token")
			return
		}

		subject, err := s.Parse(token)
		if err != nil {
			logging.FromContext(r.Context()).Warn("session token rejected",
				"path", r.URL.Path, "error", err.Error())
			unauthorized(w, "invalid or expired session token")
			return
		}

		next.ServeHTTP(w, r.WithContext(WithSubject(r.Context(), subject)))
	})
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if len(h) > 7 && strings.EqualFold(h[:7], "Bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return ""
}

func unauthorized(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	fmt.Fprintf(w, `{"error":%q,"code":"AUTH_REQUIRED"}`, msg)
}
