// Package salesforce is the unified client for the remote platform. One
// logical surface fronts three wire protocols: the JSON data endpoint for
// queries and record CRUD, the async XML+CSV endpoint for bulk loads, and an
// XML envelope endpoint for describe and metadata calls. Callers never pick a
// transport; each operation is routed by what it does.
//
// Every operation takes the vault subject whose credential should be used.
// The credential is resolved per call, so there is no shared mutable session:
// on a wire-level invalid-session verdict the client runs exactly one
// refresh-token grant, persists the rotated credential, and retries the
// original call once. A second failure surfaces an AuthError and the subject
// must log in again.
package salesforce

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/forcebench/forcebench/internal/logging"
	"github.com/forcebench/forcebench/internal/metrics"
	"github.com/forcebench/forcebench/internal/vault"
)

// Config carries the connection settings the client needs.
type Config struct {
	// LoginURL is the OAuth host used for authorize/token/revoke calls.
	LoginURL string

	// APIVersion is used when a credential does not carry its own.
	APIVersion string

	// ClientID and ClientSecret identify the connected app.
	ClientID     string
	ClientSecret string

	// RedirectURL is the registered OAuth callback.
	RedirectURL string

	// CallTimeout bounds every non-query remote call.
	CallTimeout time.Duration

	// QueryTimeout bounds query and search calls, which can run long.
	QueryTimeout time.Duration

	// DescribeTTL bounds how long describe documents are served from cache.
	DescribeTTL time.Duration
}

// Client talks to the remote platform on behalf of vault subjects.
type Client struct {
	vault      *vault.Vault
	httpClient *http.Client
	cfg        Config
	describes  *DescribeCache
	metrics    *metrics.Recorder

	mu           sync.Mutex
	refreshLocks map[string]*sync.Mutex
}

// New returns a Client reading credentials from v. rec may be nil when
// metrics are disabled.
func New(v *vault.Vault, cfg Config, rec *metrics.Recorder) *Client {
	return &Client{
		vault:        v,
		httpClient:   &http.Client{},
		cfg:          cfg,
		describes:    NewDescribeCache(cfg.DescribeTTL),
		metrics:      rec,
		refreshLocks: make(map[string]*sync.Mutex),
	}
}

// Describes exposes the describe cache for logout invalidation.
func (c *Client) Describes() *DescribeCache { return c.describes }

// ForceRefresh runs the refresh-token grant for a subject regardless of
// whether the current access token still works, persisting the rotated
// credential. The same per-subject fencing as the automatic cycle applies.
func (c *Client) ForceRefresh(ctx context.Context, subjectID string) (vault.Credential, error) {
	cred, err := c.vault.Get(ctx, subjectID)
	if err != nil {
		return vault.Credential{}, err
	}
	return c.refreshCredential(ctx, subjectID, cred)
}

// callContext is the per-attempt call state threaded through a transport.
type callContext struct {
	cred          vault.Credential
	correlationID string
	attempt       int
}

// apiVersion returns the version to build endpoints with, preferring the one
// the credential was issued under.
func (c *Client) apiVersion(cred vault.Credential) string {
	if cred.APIVersion != "" {
		return cred.APIVersion
	}
	return c.cfg.APIVersion
}

// withCredential resolves the subject's credential, runs fn, and applies the
// refresh-and-retry rule: a first-attempt invalid-session verdict triggers
// exactly one refresh cycle and one retry. Every other error, and any auth
// failure on the retry, is surfaced unchanged or as a terminal AuthError.
func (c *Client) withCredential(ctx context.Context, subjectID, op string, fn func(ctx context.Context, cc callContext) error) error {
	cred, err := c.vault.Get(ctx, subjectID)
	if err != nil {
		return err
	}

	cc := callContext{cred: cred, correlationID: uuid.NewString(), attempt: 1}
	err = fn(ctx, cc)

	var authErr *AuthError
	if err == nil || !errors.As(err, &authErr) || authErr.Reason != ReasonInvalidSession {
		return err
	}

	log := logging.FromContext(ctx)
	log.Info("session invalid, running refresh cycle",
		"subject", subjectID,
		"op", op,
		"correlation_id", cc.correlationID,
	)

	fresh, rerr := c.refreshCredential(ctx, subjectID, cred)
	if rerr != nil {
		log.Warn("refresh cycle failed",
			"subject", subjectID,
			"op", op,
			"correlation_id", cc.correlationID,
			"error", rerr.Error(),
		)
		return &AuthError{Reason: ReasonSessionExpired}
	}

	cc = callContext{cred: fresh, correlationID: cc.correlationID, attempt: 2}
	err = fn(ctx, cc)
	if err != nil && errors.As(err, &authErr) {
		// The refreshed token was also rejected; nothing more to try.
		return &AuthError{Reason: ReasonSessionExpired}
	}
	return err
}

// refreshCredential runs the refresh-token grant for a subject and persists
// the rotated credential. A per-subject mutex plus an issued-at re-check
// collapse concurrent refresh attempts into one grant.
func (c *Client) refreshCredential(ctx context.Context, subjectID string, stale vault.Credential) (vault.Credential, error) {
	mu := c.subjectMu(subjectID)
	mu.Lock()
	defer mu.Unlock()

	// Another call may have refreshed while we waited for the lock.
	if cur, err := c.vault.Get(ctx, subjectID); err == nil && cur.IssuedAt.After(stale.IssuedAt) {
		return cur, nil
	}

	if stale.RefreshToken == "" {
		return vault.Credential{}, &AuthError{Reason: ReasonSessionExpired}
	}

	tok, err := c.RefreshToken(ctx, stale.RefreshToken)
	if err != nil {
		return vault.Credential{}, err
	}

	next := stale
	next.AccessToken = tok.AccessToken
	if tok.RefreshToken != "" {
		next.RefreshToken = tok.RefreshToken
	}
	if tok.InstanceURL != "" {
		next.InstanceURL = tok.InstanceURL
	}
	issued := tok.IssuedTime()
	if issued.IsZero() {
		issued = time.Now().UTC()
	}
	if !issued.After(stale.IssuedAt) {
		issued = stale.IssuedAt.Add(time.Millisecond)
	}
	next.IssuedAt = issued

	if err := c.vault.Put(ctx, next); err != nil {
		return vault.Credential{}, err
	}
	c.metrics.IncRefresh()
	return next, nil
}

// subjectMu returns the refresh mutex for a subject, creating it on first use.
func (c *Client) subjectMu(subjectID string) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()
	m, ok := c.refreshLocks[subjectID]
	if !ok {
		m = &sync.Mutex{}
		c.refreshLocks[subjectID] = m
	}
	return m
}

// do executes one HTTP exchange and wraps network failures as
// TransportError. Platform verdicts (any status code) are not errors here.
func (c *Client) do(req *http.Request, transport, op string) (*http.Response, error) {
	start := time.Now()
	resp, err := c.httpClient.Do(req)
	c.metrics.ObserveRemoteCall(transport, op, time.Since(start))
	if err != nil {
		var netErr net.Error
		timeout := errors.Is(err, context.DeadlineExceeded) ||
			(errors.As(err, &netErr) && netErr.Timeout())
		return nil, &TransportError{Op: op, Timeout: timeout, Err: err}
	}
	return resp, nil
}

// classify turns a platform rejection into the right taxonomy error.
// retryAfter is the raw Retry-After header, empty when absent.
func classify(status int, code, message, retryAfter string) error {
	switch {
	case status == http.StatusUnauthorized || sessionInvalidCode(code):
		return &AuthError{Reason: ReasonInvalidSession}
	case status == http.StatusTooManyRequests || rateLimitCode(code):
		return &RateLimitedError{RetryAfter: parseRetryAfter(retryAfter)}
	default:
		if message == "" {
			message = http.StatusText(status)
		}
		return &RemoteError{Status: status, Code: code, Message: message}
	}
}

// parseRetryAfter reads a Retry-After header value in seconds. Unparseable
// or absent values become zero, meaning "no hint".
func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	secs, err := strconv.Atoi(v)
	if err != nil || secs < 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}
