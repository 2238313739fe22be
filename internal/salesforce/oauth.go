package salesforce

// oauth.go implements the authorization-code + PKCE login flow and the
// refresh-token grant against the platform's OAuth endpoints.

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// oauthScopes is requested on every authorization. refresh_token is what
// makes the refresh-and-retry rule possible.
const oauthScopes = "full refresh_token"

// Token is the token endpoint's response. IssuedAt arrives as epoch
// milliseconds in a string.
type Token struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	InstanceURL  string `json:"instance_url"`
	IdentityURL  string `json:"id"`
	TokenType    string `json:"token_type"`
	IssuedAt     string `json:"issued_at"`
	Signature    string `json:"signature"`
}

// IssuedTime parses the issued-at millisecond timestamp. Zero time when the
// field is absent or malformed.
func (t *Token) IssuedTime() time.Time {
	if t.IssuedAt == "" {
		return time.Time{}
	}
	ms, err := strconv.ParseInt(t.IssuedAt, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

// GenerateVerifier returns a fresh high-entropy PKCE code verifier.
func GenerateVerifier() (string, error) {
	buf := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, buf); err != nil {
		return "", fmt.Errorf("generate verifier: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// ChallengeS256 derives the S256 code challenge for a verifier.
func ChallengeS256(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// AuthorizeURL builds the browser redirect that starts the login flow.
// state round-trips through the platform to correlate the callback.
func (c *Client) AuthorizeURL(state, codeChallenge string) string {
	q := url.Values{}
	q.Set("response_type", "code")
	q.Set("client_id", c.cfg.ClientID)
	q.Set("redirect_uri", c.cfg.RedirectURL)
	q.Set("scope", oauthScopes)
	q.Set("state", state)
	q.Set("code_challenge", codeChallenge)
	q.Set("code_challenge_method", "S256")
	return strings.TrimSuffix(c.cfg.LoginURL, "/") + "/services/oauth2/authorize?" + q.Encode()
}

// ExchangeCode redeems an authorization code for a token pair.
func (c *Client) ExchangeCode(ctx context.Context, code, verifier string) (*Token, error) {
	form := url.Values{}
	form.Set("grant_type", "authorization_code")
	form.Set("code", code)
	form.Set("client_id", c.cfg.ClientID)
	form.Set("client_secret", c.cfg.ClientSecret)
	form.Set("redirect_uri", c.cfg.RedirectURL)
	form.Set("code_verifier", verifier)
	return c.tokenCall(ctx, "oauth.exchange", form)
}

// RefreshToken runs the refresh-token grant. The platform may rotate the
// refresh token; callers must persist the returned values.
func (c *Client) RefreshToken(ctx context.Context, refreshToken string) (*Token, error) {
	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", refreshToken)
	form.Set("client_id", c.cfg.ClientID)
	form.Set("client_secret", c.cfg.ClientSecret)
	return c.tokenCall(ctx, "oauth.refresh", form)
}

// Revoke tells the platform to drop a token. Best-effort: used on logout so
// a vaulted-then-invalidated credential cannot linger server-side.
func (c *Client) Revoke(ctx context.Context, token string) error {
	if token == "" {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, c.cfg.CallTimeout)
	defer cancel()

	form := url.Values{}
	form.Set("token", token)
	endpoint := strings.TrimSuffix(c.cfg.LoginURL, "/") + "/services/oauth2/revoke"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("oauth.revoke: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.do(req, "oauth", "oauth.revoke")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	return nil
}

// tokenCall posts a grant to the token endpoint and decodes the result.
func (c *Client) tokenCall(ctx context.Context, op string, form url.Values) (*Token, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.CallTimeout)
	defer cancel()

	endpoint := strings.TrimSuffix(c.cfg.LoginURL, "/") + "/services/oauth2/token"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("%s: build request: %w", op, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := c.do(req, "oauth", op)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, &TransportError{Op: op, Err: err}
	}

	if resp.StatusCode >= 400 {
		return nil, classifyOAuth(resp.StatusCode, body)
	}

	var tok Token
	if err := json.Unmarshal(body, &tok); err != nil {
		return nil, fmt.Errorf("%s: decode token response: %w", op, err)
	}
	if tok.AccessToken == "" {
		return nil, &RemoteError{Status: resp.StatusCode, Code: "EMPTY_TOKEN", Message: "token endpoint returned no access token"}
	}
	return &tok, nil
}

// classifyOAuth maps token endpoint rejections. Grant denials are auth
// failures (the stored credential is dead); everything else stays remote.
func classifyOAuth(status int, body []byte) error {
	var oe struct {
		Error       string `json:"error"`
		Description string `json:"error_description"`
	}
	_ = json.Unmarshal(body, &oe)

	switch oe.Error {
	case "invalid_grant", "invalid_token", "invalid_app_access", "inactive_user", "inactive_org":
		return &AuthError{Reason: ReasonRefreshRejected}
	}
	if status == http.StatusTooManyRequests {
		return &RateLimitedError{}
	}
	msg := oe.Description
	if msg == "" {
		msg = strings.TrimSpace(string(body))
	}
	return &RemoteError{Status: status, Code: oe.Error, Message: msg}
}
