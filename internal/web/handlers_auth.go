package web

import (
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/forcebench/forcebench/internal/logging"
	"github.com/forcebench/forcebench/internal/salesforce"
	"github.com/forcebench/forcebench/internal/vault"
	"github.com/forcebench/forcebench/internal/web/middleware"
)

// loginStateTTL bounds how long a started login may sit before the callback
// arrives. Expired states are swept lazily on each new login.
const loginStateTTL = 10 * time.Minute

// loginStates holds the PKCE verifier for each in-flight authorization, keyed
// by the opaque state parameter. One-shot: Take removes the entry.
type loginStates struct {
	ttl time.Duration

	mu      sync.Mutex
	pending map[string]pendingLogin
}

type pendingLogin struct {
	verifier string
	started  time.Time
}

func newLoginStates(ttl time.Duration) *loginStates {
	return &loginStates{ttl: ttl, pending: make(map[string]pendingLogin)}
}

// Add stores a verifier under a fresh state and returns the state.
func (l *loginStates) Add(verifier string) string {
	state := uuid.NewString()
	now := time.Now()
	l.mu.Lock()
	for k, p := range l.pending {
		if now.Sub(p.started) > l.ttl {
			delete(l.pending, k)
		}
	}
	l.pending[state] = pendingLogin{verifier: verifier, started: now}
	l.mu.Unlock()
	return state
}

// Take consumes the verifier for a state. A state can be taken once.
func (l *loginStates) Take(state string) (string, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	p, ok := l.pending[state]
	if !ok {
		return "", false
	}
	delete(l.pending, state)
	if time.Since(p.started) > l.ttl {
		return "", false
	}
	return p.verifier, true
}

// handleLogin starts the authorization-code flow: a fresh PKCE verifier is
// parked under an opaque state and the client is handed the authorize URL.
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	verifier, err := salesforce.GenerateVerifier()
	if err != nil {
		respondError(w, r, err)
		return
	}
	state := s.logins.Add(verifier)
	url := s.client.AuthorizeURL(state, salesforce.ChallengeS256(verifier))
	respondJSON(w, r, http.StatusOK, map[string]string{
		"authorizeUrl": url,
		"state":        state,
	})
}

// handleCallback finishes the flow: code exchange, identity lookup, vault
// write, session token. The verifier is consumed whatever the outcome, so a
// replayed callback cannot reuse it.
func (s *Server) handleCallback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if errCode := q.Get("error"); errCode != "" {
		respondError(w, r, &salesforce.RemoteError{
			Status:  http.StatusBadGateway,
			Code:    errCode,
			Message: q.Get("error_description"),
		})
		return
	}

	code, state := q.Get("code"), q.Get("state")
	if code == "" || state == "" {
		respondJSON(w, r, http.StatusBadRequest, ErrorResponse{
			Error: "missing code or state parameter",
			Code:  "BAD_CALLBACK",
		})
		return
	}
	verifier, ok := s.logins.Take(state)
	if !ok {
		respondJSON(w, r, http.StatusBadRequest, ErrorResponse{
			Error:  "unknown or expired login state",
			Code:   "BAD_CALLBACK",
			Action: "start the login flow again",
		})
		return
	}

	tok, err := s.client.ExchangeCode(r.Context(), code, verifier)
	if err != nil {
		respondError(w, r, err)
		return
	}
	info, err := s.client.Identity(r.Context(), tok)
	if err != nil {
		respondError(w, r, err)
		return
	}

	subject := info.Subject()
	cred := vault.Credential{
		SubjectID:    subject,
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		InstanceURL:  tok.InstanceURL,
		APIVersion:   s.cfg.Salesforce.APIVersion,
		IssuedAt:     tok.IssuedTime(),
	}
	if err := s.vault.Put(r.Context(), cred); err != nil {
		respondError(w, r, err)
		return
	}

	token, err := s.sessions.Issue(subject)
	if err != nil {
		respondError(w, r, err)
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:     middleware.SessionCookie,
		Value:    token,
		Path:     "/",
		MaxAge:   int(s.sessions.TTL().Seconds()),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})

	logging.FromContext(r.Context()).Info("org connected",
		"subject", subject, "username", info.Username)
	respondJSON(w, r, http.StatusOK, map[string]string{
		"token":    token,
		"subject":  subject,
		"username": info.Username,
	})
}

// handleRefresh forces a refresh-token grant, rotating the stored credential.
func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	subject := middleware.Subject(r.Context())
	cred, err := s.client.ForceRefresh(r.Context(), subject)
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, r, http.StatusOK, map[string]any{
		"subject":  subject,
		"issuedAt": cred.IssuedAt,
	})
}

// handleLogout drops the stored credential and the subject's cached
// describes. Token revocation at the platform is best effort.
func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	subject := middleware.Subject(r.Context())

	if cred, err := s.vault.Get(r.Context(), subject); err == nil && cred.AccessToken != "" {
		if err := s.client.Revoke(r.Context(), cred.AccessToken); err != nil {
			logging.FromContext(r.Context()).Warn("token revocation failed",
				"subject", subject, "error", err.Error())
		}
	}
	if err := s.vault.Invalidate(r.Context(), subject); err != nil {
		respondError(w, r, err)
		return
	}
	s.client.Describes().Invalidate(subject)

	http.SetCookie(w, &http.Cookie{
		Name:     middleware.SessionCookie,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	respondJSON(w, r, http.StatusOK, map[string]string{"status": "logged out"})
}
