package salesforce

// rest.go covers the JSON data endpoint: queries, record CRUD, limits,
// identity, and anonymous Apex through the tooling surface.

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/forcebench/forcebench/internal/vault"
)

// dataURL joins a path under the versioned data endpoint.
func (c *Client) dataURL(cred vault.Credential, path string) string {
	return cred.InstanceURL + "/services/data/v" + c.apiVersion(cred) + path
}

// restOnce performs one JSON exchange. A nil out discards the response body.
// The returned status lets callers distinguish 201 from 204 on upsert.
func (c *Client) restOnce(ctx context.Context, cc callContext, op, method, fullURL string, timeout time.Duration, body, out any) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var rd io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return 0, fmt.Errorf("%s: encode request: %w", op, err)
		}
		rd = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, fullURL, rd)
	if err != nil {
		return 0, fmt.Errorf("%s: build request: %w", op, err)
	}
	req.Header.Set("Authorization", "Bearer "+cc.cred.AccessToken)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.do(req, "rest", op)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return resp.StatusCode, classifyREST(resp)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		io.Copy(io.Discard, resp.Body)
		return resp.StatusCode, nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return resp.StatusCode, fmt.Errorf("%s: decode response: %w", op, err)
	}
	return resp.StatusCode, nil
}

// classifyREST reads a JSON endpoint rejection. Errors arrive as an array of
// {message, errorCode} documents; only the first is surfaced.
func classifyREST(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))

	var code, msg string
	var apiErrs []struct {
		Message   string `json:"message"`
		ErrorCode string `json:"errorCode"`
	}
	if err := json.Unmarshal(body, &apiErrs); err == nil && len(apiErrs) > 0 {
		code, msg = apiErrs[0].ErrorCode, apiErrs[0].Message
	}
	return classify(resp.StatusCode, code, msg, resp.Header.Get("Retry-After"))
}

// Query runs a SOQL query and returns the first page of results.
func (c *Client) Query(ctx context.Context, subjectID, soql string) (*QueryResult, error) {
	return c.runQuery(ctx, subjectID, "query", "/query", soql)
}

// QueryAll is Query including soft-deleted and archived rows.
func (c *Client) QueryAll(ctx context.Context, subjectID, soql string) (*QueryResult, error) {
	return c.runQuery(ctx, subjectID, "queryAll", "/queryAll", soql)
}

func (c *Client) runQuery(ctx context.Context, subjectID, op, path, soql string) (*QueryResult, error) {
	if strings.TrimSpace(soql) == "" {
		return nil, &ValidationError{Fields: []string{"query"}, Err: errors.New("query must not be empty")}
	}
	var out QueryResult
	err := c.withCredential(ctx, subjectID, op, func(ctx context.Context, cc callContext) error {
		u := c.dataURL(cc.cred, path) + "?" + url.Values{"q": {soql}}.Encode()
		_, err := c.restOnce(ctx, cc, op, http.MethodGet, u, c.cfg.QueryTimeout, nil, &out)
		return err
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// QueryMore fetches the next page for a previous query result.
func (c *Client) QueryMore(ctx context.Context, subjectID, nextRecordsURL string) (*QueryResult, error) {
	if !strings.HasPrefix(nextRecordsURL, "/") {
		return nil, &ValidationError{Fields: []string{"nextRecordsUrl"}, Err: errors.New("next records locator must be a platform-relative path")}
	}
	var out QueryResult
	err := c.withCredential(ctx, subjectID, "queryMore", func(ctx context.Context, cc callContext) error {
		u := cc.cred.InstanceURL + nextRecordsURL
		_, err := c.restOnce(ctx, cc, "queryMore", http.MethodGet, u, c.cfg.QueryTimeout, nil, &out)
		return err
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// Search runs a SOSL search across objects.
func (c *Client) Search(ctx context.Context, subjectID, sosl string) (*SearchResult, error) {
	if strings.TrimSpace(sosl) == "" {
		return nil, &ValidationError{Fields: []string{"search"}, Err: errors.New("search must not be empty")}
	}
	var out SearchResult
	err := c.withCredential(ctx, subjectID, "search", func(ctx context.Context, cc callContext) error {
		u := c.dataURL(cc.cred, "/search") + "?" + url.Values{"q": {sosl}}.Encode()
		_, err := c.restOnce(ctx, cc, "search", http.MethodGet, u, c.cfg.QueryTimeout, nil, &out)
		return err
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// Insert creates one record and returns its new ID.
func (c *Client) Insert(ctx context.Context, subjectID, object string, fields map[string]string) (*SaveResult, error) {
	if object == "" {
		return nil, &ValidationError{Fields: []string{"object"}, Err: errors.New("object name must not be empty")}
	}
	var out SaveResult
	err := c.withCredential(ctx, subjectID, "insert", func(ctx context.Context, cc callContext) error {
		u := c.dataURL(cc.cred, "/sobjects/"+url.PathEscape(object))
		_, err := c.restOnce(ctx, cc, "insert", http.MethodPost, u, c.cfg.CallTimeout, fields, &out)
		return err
	})
	if err != nil {
		return nil, err
	}
	out.Created = out.Success
	return &out, nil
}

// Update rewrites fields of one record.
func (c *Client) Update(ctx context.Context, subjectID, object, id string, fields map[string]string) error {
	return c.withCredential(ctx, subjectID, "update", func(ctx context.Context, cc callContext) error {
		u := c.dataURL(cc.cred, "/sobjects/"+url.PathEscape(object)+"/"+url.PathEscape(id))
		_, err := c.restOnce(ctx, cc, "update", http.MethodPatch, u, c.cfg.CallTimeout, fields, nil)
		return err
	})
}

// Delete removes one record (to the recycle bin, platform semantics).
func (c *Client) Delete(ctx context.Context, subjectID, object, id string) error {
	return c.withCredential(ctx, subjectID, "delete", func(ctx context.Context, cc callContext) error {
		u := c.dataURL(cc.cred, "/sobjects/"+url.PathEscape(object)+"/"+url.PathEscape(id))
		_, err := c.restOnce(ctx, cc, "delete", http.MethodDelete, u, c.cfg.CallTimeout, nil, nil)
		return err
	})
}

// Upsert creates or updates a record addressed by an external ID field.
// Created reports which of the two happened.
func (c *Client) Upsert(ctx context.Context, subjectID, object, extField, extID string, fields map[string]string) (*SaveResult, error) {
	if extField == "" || extID == "" {
		return nil, &ValidationError{Fields: []string{"externalIdField"}, Err: errors.New("upsert requires an external id field and value")}
	}
	var out SaveResult
	var status int
	err := c.withCredential(ctx, subjectID, "upsert", func(ctx context.Context, cc callContext) error {
		u := c.dataURL(cc.cred, "/sobjects/"+url.PathEscape(object)+"/"+url.PathEscape(extField)+"/"+url.PathEscape(extID))
		var err error
		status, err = c.restOnce(ctx, cc, "upsert", http.MethodPatch, u, c.cfg.CallTimeout, fields, &out)
		return err
	})
	if err != nil {
		return nil, err
	}
	// Older endpoint versions answer an update with a bare 204.
	if status == http.StatusNoContent {
		out = SaveResult{Success: true, Created: false}
	}
	return &out, nil
}

// Limits fetches the org limits snapshot.
func (c *Client) Limits(ctx context.Context, subjectID string) (map[string]LimitInfo, error) {
	out := make(map[string]LimitInfo)
	err := c.withCredential(ctx, subjectID, "limits", func(ctx context.Context, cc callContext) error {
		u := c.dataURL(cc.cred, "/limits")
		_, err := c.restOnce(ctx, cc, "limits", http.MethodGet, u, c.cfg.CallTimeout, nil, &out)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// UserInfo fetches the identity document for the subject's own credential.
func (c *Client) UserInfo(ctx context.Context, subjectID string) (*UserInfo, error) {
	var out *UserInfo
	err := c.withCredential(ctx, subjectID, "userinfo", func(ctx context.Context, cc callContext) error {
		info, err := c.identityCall(ctx, cc.cred.InstanceURL, cc.cred.AccessToken)
		if err != nil {
			return err
		}
		out = info
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Identity fetches the identity document for a freshly exchanged token,
// before any vault entry exists. The login callback uses it to derive the
// subject the credential will be stored under.
func (c *Client) Identity(ctx context.Context, tok *Token) (*UserInfo, error) {
	return c.identityCall(ctx, tok.InstanceURL, tok.AccessToken)
}

func (c *Client) identityCall(ctx context.Context, instanceURL, accessToken string) (*UserInfo, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.CallTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, instanceURL+"/services/oauth2/userinfo", nil)
	if err != nil {
		return nil, fmt.Errorf("userinfo: build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/json")

	resp, err := c.do(req, "rest", "userinfo")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return nil, classifyREST(resp)
	}
	var info UserInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return nil, fmt.Errorf("userinfo: decode response: %w", err)
	}
	return &info, nil
}

// ExecuteAnonymous compiles and runs an Apex block through the tooling
// surface. Compilation and runtime failures arrive inside the result, not as
// transport errors.
func (c *Client) ExecuteAnonymous(ctx context.Context, subjectID, apex string) (*ExecuteResult, error) {
	if strings.TrimSpace(apex) == "" {
		return nil, &ValidationError{Fields: []string{"body"}, Err: errors.New("apex body must not be empty")}
	}
	var out ExecuteResult
	err := c.withCredential(ctx, subjectID, "executeAnonymous", func(ctx context.Context, cc callContext) error {
		u := c.dataURL(cc.cred, "/tooling/executeAnonymous/") + "?" + url.Values{"anonymousBody": {apex}}.Encode()
		_, err := c.restOnce(ctx, cc, "executeAnonymous", http.MethodGet, u, c.cfg.CallTimeout, nil, &out)
		return err
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}
