package salesforce

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"testing"
)

// ============================================================================
// Query Surface Tests
// ============================================================================

func TestQuery_EncodesStatement(t *testing.T) {
	fp := newFakePlatform(t)
	var gotQ string
	fp.handle("/services/data/v62.0/query", func(w http.ResponseWriter, r *http.Request) {
		gotQ = r.URL.Query().Get("q")
		writeQueryResult(w)
	})

	c, _ := newTestClient(t, fp, "tok", "")
	if _, err := c.Query(context.Background(), testSubject, "SELECT Id, Name FROM Account WHERE Name = 'A & B'"); err != nil {
		t.Fatalf("Query() error = %v", err)
	}
	if gotQ != "SELECT Id, Name FROM Account WHERE Name = 'A & B'" {
		t.Errorf("server saw q = %q", gotQ)
	}
}

func TestQueryAll_UsesQueryAllEndpoint(t *testing.T) {
	fp := newFakePlatform(t)
	var hit bool
	fp.handle("/services/data/v62.0/queryAll", func(w http.ResponseWriter, r *http.Request) {
		hit = true
		writeQueryResult(w)
	})

	c, _ := newTestClient(t, fp, "tok", "")
	if _, err := c.QueryAll(context.Background(), testSubject, "SELECT Id FROM Account WHERE IsDeleted = true"); err != nil {
		t.Fatalf("QueryAll() error = %v", err)
	}
	if !hit {
		t.Error("queryAll endpoint was not called")
	}
}

func TestQueryMore_FollowsLocator(t *testing.T) {
	fp := newFakePlatform(t)
	fp.handle("/services/data/v62.0/query/01gxx0000000001-2000", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"totalSize":4000,"done":true,"records":[{"Id":"001000000002001"}]}`)
	})

	c, _ := newTestClient(t, fp, "tok", "")
	got, err := c.QueryMore(context.Background(), testSubject, "/services/data/v62.0/query/01gxx0000000001-2000")
	if err != nil {
		t.Fatalf("QueryMore() error = %v", err)
	}
	if !got.Done || got.TotalSize != 4000 {
		t.Errorf("QueryMore() = %+v, want final page of 4000", got)
	}
}

func TestQueryMore_RejectsNonPathLocator(t *testing.T) {
	fp := newFakePlatform(t)
	c, _ := newTestClient(t, fp, "tok", "")

	_, err := c.QueryMore(context.Background(), testSubject, "https://evil.example/steal")
	var vErr *ValidationError
	if !errors.As(err, &vErr) {
		t.Fatalf("QueryMore() error = %v, want *ValidationError", err)
	}
}

func TestSearch(t *testing.T) {
	fp := newFakePlatform(t)
	var gotQ string
	fp.handle("/services/data/v62.0/search", func(w http.ResponseWriter, r *http.Request) {
		gotQ = r.URL.Query().Get("q")
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"searchRecords":[{"Id":"001000000000001","attributes":{"type":"Account"}}]}`)
	})

	c, _ := newTestClient(t, fp, "tok", "")
	got, err := c.Search(context.Background(), testSubject, "FIND {Acme} IN ALL FIELDS")
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	if gotQ != "FIND {Acme} IN ALL FIELDS" {
		t.Errorf("server saw q = %q", gotQ)
	}
	if len(got.SearchRecords) != 1 {
		t.Errorf("SearchRecords len = %d, want 1", len(got.SearchRecords))
	}
}

// ============================================================================
// Record Write Tests
// ============================================================================

func TestInsert(t *testing.T) {
	fp := newFakePlatform(t)
	var gotMethod string
	var gotBody map[string]any
	fp.handle("/services/data/v62.0/sobjects/Account", func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		raw, _ := io.ReadAll(r.Body)
		json.Unmarshal(raw, &gotBody)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		fmt.Fprint(w, `{"id":"001000000000001","success":true,"errors":[]}`)
	})

	c, _ := newTestClient(t, fp, "tok", "")
	got, err := c.Insert(context.Background(), testSubject, "Account", map[string]string{"Name": "Acme"})
	if err != nil {
		t.Fatalf("Insert() error = %v", err)
	}
	if gotMethod != http.MethodPost {
		t.Errorf("method = %s, want POST", gotMethod)
	}
	if gotBody["Name"] != "Acme" {
		t.Errorf("server saw body %v", gotBody)
	}
	if got.ID != "001000000000001" || !got.Success || !got.Created {
		t.Errorf("Insert() = %+v, want created save result", got)
	}
}

func TestInsert_FieldLevelFailure(t *testing.T) {
	fp := newFakePlatform(t)
	fp.handle("/services/data/v62.0/sobjects/Account", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `[{"message":"Required fields are missing: [Name]","errorCode":"REQUIRED_FIELD_MISSING"}]`)
	})

	c, _ := newTestClient(t, fp, "tok", "")
	_, err := c.Insert(context.Background(), testSubject, "Account", map[string]string{})
	var remoteErr *RemoteError
	if !errors.As(err, &remoteErr) || remoteErr.Code != "REQUIRED_FIELD_MISSING" {
		t.Fatalf("Insert() error = %v, want REQUIRED_FIELD_MISSING RemoteError", err)
	}
}

func TestUpdate(t *testing.T) {
	fp := newFakePlatform(t)
	var gotMethod, gotPath string
	fp.handle("/services/data/v62.0/sobjects/Account/001000000000001", func(w http.ResponseWriter, r *http.Request) {
		gotMethod, gotPath = r.Method, r.URL.Path
		w.WriteHeader(http.StatusNoContent)
	})

	c, _ := newTestClient(t, fp, "tok", "")
	if err := c.Update(context.Background(), testSubject, "Account", "001000000000001", map[string]string{"Name": "Acme 2"}); err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	if gotMethod != http.MethodPatch {
		t.Errorf("method = %s, want PATCH", gotMethod)
	}
	if gotPath != "/services/data/v62.0/sobjects/Account/001000000000001" {
		t.Errorf("path = %s", gotPath)
	}
}

func TestDelete(t *testing.T) {
	fp := newFakePlatform(t)
	var gotMethod string
	fp.handle("/services/data/v62.0/sobjects/Account/001000000000001", func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		w.WriteHeader(http.StatusNoContent)
	})

	c, _ := newTestClient(t, fp, "tok", "")
	if err := c.Delete(context.Background(), testSubject, "Account", "001000000000001"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if gotMethod != http.MethodDelete {
		t.Errorf("method = %s, want DELETE", gotMethod)
	}
}

func TestUpsert(t *testing.T) {
	tests := []struct {
		name        string
		status      int
		body        string
		wantCreated bool
	}{
		{"created", http.StatusCreated, `{"id":"001000000000009","success":true,"created":true}`, true},
		{"updated", http.StatusNoContent, "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fp := newFakePlatform(t)
			fp.handle("/services/data/v62.0/sobjects/Account/ExternalKey__c/K-100", func(w http.ResponseWriter, r *http.Request) {
				if r.Method != http.MethodPatch {
					t.Errorf("method = %s, want PATCH", r.Method)
				}
				if tt.body != "" {
					w.Header().Set("Content-Type", "application/json")
				}
				w.WriteHeader(tt.status)
				fmt.Fprint(w, tt.body)
			})

			c, _ := newTestClient(t, fp, "tok", "")
			got, err := c.Upsert(context.Background(), testSubject, "Account", "ExternalKey__c", "K-100", map[string]string{"Name": "Acme"})
			if err != nil {
				t.Fatalf("Upsert() error = %v", err)
			}
			if !got.Success {
				t.Error("Upsert() Success = false")
			}
			if got.Created != tt.wantCreated {
				t.Errorf("Upsert() Created = %v, want %v", got.Created, tt.wantCreated)
			}
		})
	}
}

func TestUpsert_RequiresExternalKey(t *testing.T) {
	fp := newFakePlatform(t)
	c, _ := newTestClient(t, fp, "tok", "")

	_, err := c.Upsert(context.Background(), testSubject, "Account", "", "K-100", map[string]string{"Name": "Acme"})
	var vErr *ValidationError
	if !errors.As(err, &vErr) {
		t.Fatalf("Upsert() error = %v, want *ValidationError", err)
	}
}

// ============================================================================
// Org Introspection Tests
// ============================================================================

func TestLimits(t *testing.T) {
	fp := newFakePlatform(t)
	fp.handle("/services/data/v62.0/limits", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"DailyApiRequests":{"Max":15000,"Remaining":14998},"DataStorageMB":{"Max":1024,"Remaining":873}}`)
	})

	c, _ := newTestClient(t, fp, "tok", "")
	got, err := c.Limits(context.Background(), testSubject)
	if err != nil {
		t.Fatalf("Limits() error = %v", err)
	}
	if got["DailyApiRequests"].Remaining != 14998 {
		t.Errorf("DailyApiRequests.Remaining = %d, want 14998", got["DailyApiRequests"].Remaining)
	}
	if got["DataStorageMB"].Max != 1024 {
		t.Errorf("DataStorageMB.Max = %d, want 1024", got["DataStorageMB"].Max)
	}
}

func TestUserInfo(t *testing.T) {
	fp := newFakePlatform(t)
	fp.handle("/services/oauth2/userinfo", func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer tok" {
			t.Errorf("Authorization = %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"user_id":"005xx000001Sv6A","organization_id":"00Dxx0000001gPF","preferred_username":"ops@example.com","email":"ops@example.com","name":"Ops User"}`)
	})

	c, _ := newTestClient(t, fp, "tok", "")
	got, err := c.UserInfo(context.Background(), testSubject)
	if err != nil {
		t.Fatalf("UserInfo() error = %v", err)
	}
	if got.Subject() != testSubject {
		t.Errorf("Subject() = %q, want %q", got.Subject(), testSubject)
	}
}

// ============================================================================
// Anonymous Apex Tests
// ============================================================================

func TestExecuteAnonymous(t *testing.T) {
	fp := newFakePlatform(t)
	var gotBody string
	fp.handle("/services/data/v62.0/tooling/executeAnonymous/", func(w http.ResponseWriter, r *http.Request) {
		gotBody = r.URL.Query().Get("anonymousBody")
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"line":-1,"column":-1,"compiled":true,"success":true,"compileProblem":null,"exceptionStackTrace":null,"exceptionMessage":null}`)
	})

	c, _ := newTestClient(t, fp, "tok", "")
	got, err := c.ExecuteAnonymous(context.Background(), testSubject, "System.debug('hi');")
	if err != nil {
		t.Fatalf("ExecuteAnonymous() error = %v", err)
	}
	if gotBody != "System.debug('hi');" {
		t.Errorf("server saw anonymousBody = %q", gotBody)
	}
	if !got.Compiled || !got.Success {
		t.Errorf("ExecuteAnonymous() = %+v, want compiled success", got)
	}
}

func TestExecuteAnonymous_CompileFailure(t *testing.T) {
	fp := newFakePlatform(t)
	fp.handle("/services/data/v62.0/tooling/executeAnonymous/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"line":1,"column":13,"compiled":false,"success":false,"compileProblem":"Unexpected token ';'","exceptionStackTrace":null,"exceptionMessage":null}`)
	})

	c, _ := newTestClient(t, fp, "tok", "")
	got, err := c.ExecuteAnonymous(context.Background(), testSubject, "System.debug(;")
	if err != nil {
		t.Fatalf("ExecuteAnonymous() error = %v", err)
	}
	if got.Compiled || got.CompileProblem == "" {
		t.Errorf("ExecuteAnonymous() = %+v, want compile failure detail", got)
	}
}

func TestExecuteAnonymous_EmptyBody(t *testing.T) {
	fp := newFakePlatform(t)
	c, _ := newTestClient(t, fp, "tok", "")

	_, err := c.ExecuteAnonymous(context.Background(), testSubject, "")
	var vErr *ValidationError
	if !errors.As(err, &vErr) {
		t.Fatalf("ExecuteAnonymous() error = %v, want *ValidationError", err)
	}
}
