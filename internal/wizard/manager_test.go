package wizard

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/forcebench/forcebench/internal/ingest"
	"github.com/forcebench/forcebench/internal/salesforce"
)

const testSubject = "00Dxx0000001gPF:005xx000001Sv6A"

// ============================================================================
// Fakes
// ============================================================================

type fakeMeta struct {
	mu        sync.Mutex
	calls     int
	describes map[string]*salesforce.ObjectDescribe
	err       error
}

func (f *fakeMeta) DescribeSObject(ctx context.Context, subjectID, name string) (*salesforce.ObjectDescribe, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	if d, ok := f.describes[name]; ok {
		return d, nil
	}
	return &salesforce.ObjectDescribe{Name: name}, nil
}

type fakeSubmitter struct {
	mu sync.Mutex

	insertedRows [][]map[string]string
	insertErr    error

	fileCalls []fileCall
	fileErr   error
}

type fileCall struct {
	object  string
	fileRef string
	mapping ingest.Mapping
}

func (f *fakeSubmitter) InsertRows(ctx context.Context, subjectID, object string, rows []map[string]string) ([]salesforce.SaveResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.insertErr != nil {
		return nil, f.insertErr
	}
	f.insertedRows = append(f.insertedRows, rows)
	results := make([]salesforce.SaveResult, len(rows))
	for i := range rows {
		results[i] = salesforce.SaveResult{ID: fmt.Sprintf("001A%011d", i), Success: true, Created: true}
	}
	return results, nil
}

func (f *fakeSubmitter) SubmitFile(ctx context.Context, subjectID, object, fileRef string, mapping ingest.Mapping) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fileErr != nil {
		return "", f.fileErr
	}
	f.fileCalls = append(f.fileCalls, fileCall{object: object, fileRef: fileRef, mapping: mapping})
	return "job-123", nil
}

func newTestManager() (*Manager, *fakeMeta, *fakeSubmitter) {
	meta := &fakeMeta{describes: map[string]*salesforce.ObjectDescribe{
		"Account": {
			Name: "Account",
			Fields: []salesforce.FieldDescriptor{
				{Name: "Name", Createable: true, Updateable: true},
				{Name: "Industry", Createable: true, Updateable: true, Nillable: true},
			},
		},
	}}
	sub := &fakeSubmitter{}
	return NewManager(meta, sub, time.Minute), meta, sub
}

func apply(t *testing.T, m *Manager, id string, ev Event) *Session {
	t.Helper()
	s, err := m.Apply(context.Background(), id, ev)
	if err != nil {
		t.Fatalf("Apply(%s): %v", ev.Kind(), err)
	}
	return s
}

// ============================================================================
// Single-record flow
// ============================================================================

func TestWizard_SingleModeFullFlow(t *testing.T) {
	m, meta, sub := newTestManager()
	s := m.Create(testSubject)

	if s.Step != StepSelectTarget || s.Mode != ModeSingle {
		t.Fatalf("fresh session = step %s mode %s", s.Step, s.Mode)
	}

	s = apply(t, m, s.ID, SelectObject{Object: "Account"})
	if s.Step != StepConfigure || s.SelectedObject != "Account" {
		t.Fatalf("after select: step %s object %q", s.Step, s.SelectedObject)
	}
	if s.Describe == nil || len(s.Describe.Fields) != 2 {
		t.Fatalf("describe not loaded onto session: %+v", s.Describe)
	}
	if meta.calls != 1 {
		t.Errorf("describe calls = %d, want 1", meta.calls)
	}

	apply(t, m, s.ID, UpdateField{Row: 0, Field: "Name", Value: "Acme"})
	apply(t, m, s.ID, AddRow{})
	apply(t, m, s.ID, UpdateField{Row: 1, Field: "Name", Value: "Globex"})
	s = apply(t, m, s.ID, Confirm{})

	if s.Step != StepConfirm {
		t.Fatalf("after confirm: step %s", s.Step)
	}
	if s.Pending == nil || len(s.Pending.Rows) != 2 || s.Pending.Object != "Account" {
		t.Fatalf("pending payload = %+v", s.Pending)
	}

	// Working-set edits in Confirm never reach the frozen payload.
	s = apply(t, m, s.ID, UpdateField{Row: 0, Field: "Name", Value: "Tampered"})
	if s.Rows[0]["Name"] != "Tampered" {
		t.Fatalf("working row not updated: %+v", s.Rows)
	}
	if s.Pending.Rows[0]["Name"] != "Acme" {
		t.Fatalf("frozen payload changed by working-set edit: %+v", s.Pending.Rows)
	}

	s = apply(t, m, s.ID, Submit{})
	if s.Step != StepResult {
		t.Fatalf("after submit: step %s", s.Step)
	}
	if s.Pending != nil {
		t.Error("pending payload survived submission")
	}
	if s.Outcome == nil || len(s.Outcome.SaveResults) != 2 {
		t.Fatalf("outcome = %+v", s.Outcome)
	}

	// The submitter received the frozen values, not the tampered ones.
	sub.mu.Lock()
	rows := sub.insertedRows
	sub.mu.Unlock()
	if len(rows) != 1 || len(rows[0]) != 2 {
		t.Fatalf("submitted row sets = %+v", rows)
	}
	if rows[0][0]["Name"] != "Acme" {
		t.Errorf("submitted first row = %+v, want the frozen Acme", rows[0][0])
	}
}

func TestWizard_SubmitDropsAllBlankRows(t *testing.T) {
	m, _, sub := newTestManager()
	s := m.Create(testSubject)

	apply(t, m, s.ID, SelectObject{Object: "Account"})
	apply(t, m, s.ID, UpdateField{Row: 0, Field: "Name", Value: "Acme"})
	apply(t, m, s.ID, AddRow{}) // left empty
	apply(t, m, s.ID, Confirm{})
	apply(t, m, s.ID, Submit{})

	sub.mu.Lock()
	rows := sub.insertedRows
	sub.mu.Unlock()
	if len(rows) != 1 || len(rows[0]) != 1 {
		t.Fatalf("submitted %d row sets %v, want the single non-blank row", len(rows), rows)
	}
}

// ============================================================================
// File-upload flow
// ============================================================================

func TestWizard_FileModeFullFlow(t *testing.T) {
	m, _, sub := newTestManager()
	s := m.Create(testSubject)

	apply(t, m, s.ID, SelectObject{Object: "Account"})
	s = apply(t, m, s.ID, SetMode{Mode: ModeFileUpload})
	if s.Mode != ModeFileUpload {
		t.Fatalf("mode = %s", s.Mode)
	}

	apply(t, m, s.ID, AttachFile{Ref: "upload-42.csv"})
	mapping := ingest.Mapping{
		{TargetField: "Name", SourceColumn: "company"},
		{TargetField: "Industry", SourceColumn: "sector"},
	}
	apply(t, m, s.ID, UpdateMapping{Mapping: mapping})
	s = apply(t, m, s.ID, Confirm{})

	if s.Pending == nil || s.Pending.FileRef != "upload-42.csv" || len(s.Pending.Mapping) != 2 {
		t.Fatalf("pending payload = %+v", s.Pending)
	}

	s = apply(t, m, s.ID, Submit{})
	if s.Outcome == nil || s.Outcome.JobID != "job-123" {
		t.Fatalf("outcome = %+v", s.Outcome)
	}

	sub.mu.Lock()
	calls := sub.fileCalls
	sub.mu.Unlock()
	if len(calls) != 1 || calls[0].fileRef != "upload-42.csv" || calls[0].object != "Account" {
		t.Fatalf("file submissions = %+v", calls)
	}
}

func TestWizard_AttachFileRequiresFileMode(t *testing.T) {
	m, _, _ := newTestManager()
	s := m.Create(testSubject)
	apply(t, m, s.ID, SelectObject{Object: "Account"})

	_, err := m.Apply(context.Background(), s.ID, AttachFile{Ref: "upload.csv"})
	var vErr *salesforce.ValidationError
	if !errors.As(err, &vErr) {
		t.Fatalf("AttachFile in single mode = %v, want *salesforce.ValidationError", err)
	}
}

// ============================================================================
// Guards
// ============================================================================

func TestWizard_SubmitRejectedOutsideConfirm(t *testing.T) {
	m, _, sub := newTestManager()
	s := m.Create(testSubject)

	// SelectTarget.
	_, err := m.Apply(context.Background(), s.ID, Submit{})
	var tErr *TransitionError
	if !errors.As(err, &tErr) {
		t.Fatalf("submit at select = %v, want *TransitionError", err)
	}

	// Configure.
	apply(t, m, s.ID, SelectObject{Object: "Account"})
	if _, err := m.Apply(context.Background(), s.ID, Submit{}); !errors.As(err, &tErr) {
		t.Fatalf("submit at configure = %v, want *TransitionError", err)
	}

	// Result: a replayed submit must not fire a duplicate operation.
	apply(t, m, s.ID, UpdateField{Row: 0, Field: "Name", Value: "Acme"})
	apply(t, m, s.ID, Confirm{})
	apply(t, m, s.ID, Submit{})
	if _, err := m.Apply(context.Background(), s.ID, Submit{}); !errors.As(err, &tErr) {
		t.Fatalf("replayed submit = %v, want *TransitionError", err)
	}

	sub.mu.Lock()
	inserts := len(sub.insertedRows)
	sub.mu.Unlock()
	if inserts != 1 {
		t.Errorf("insert calls = %d, want exactly 1", inserts)
	}
}

func TestWizard_ConfirmValidatesWorkingSet(t *testing.T) {
	tests := []struct {
		name  string
		setup func(t *testing.T, m *Manager, id string)
	}{
		{
			name:  "single mode with no values",
			setup: func(t *testing.T, m *Manager, id string) {},
		},
		{
			name: "file mode without file",
			setup: func(t *testing.T, m *Manager, id string) {
				apply(t, m, id, SetMode{Mode: ModeFileUpload})
				apply(t, m, id, UpdateMapping{Mapping: ingest.Mapping{{TargetField: "Name", SourceColumn: "n"}}})
			},
		},
		{
			name: "file mode without mapping",
			setup: func(t *testing.T, m *Manager, id string) {
				apply(t, m, id, SetMode{Mode: ModeFileUpload})
				apply(t, m, id, AttachFile{Ref: "upload.csv"})
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, _, _ := newTestManager()
			s := m.Create(testSubject)
			apply(t, m, s.ID, SelectObject{Object: "Account"})
			tt.setup(t, m, s.ID)

			_, err := m.Apply(context.Background(), s.ID, Confirm{})
			var vErr *salesforce.ValidationError
			if !errors.As(err, &vErr) {
				t.Fatalf("Confirm = %v, want *salesforce.ValidationError", err)
			}

			got, err := m.Get(s.ID)
			if err != nil {
				t.Fatalf("Get: %v", err)
			}
			if got.Step != StepConfigure {
				t.Errorf("step after rejected confirm = %s, want Configure", got.Step)
			}
			if got.Pending != nil {
				t.Error("rejected confirm still froze a payload")
			}
		})
	}
}

func TestWizard_EditDiscardsPending(t *testing.T) {
	m, _, _ := newTestManager()
	s := m.Create(testSubject)

	apply(t, m, s.ID, SelectObject{Object: "Account"})
	apply(t, m, s.ID, UpdateField{Row: 0, Field: "Name", Value: "Acme"})
	apply(t, m, s.ID, Confirm{})
	s = apply(t, m, s.ID, Edit{})

	if s.Step != StepConfigure {
		t.Errorf("step after edit = %s, want Configure", s.Step)
	}
	if s.Pending != nil {
		t.Error("pending payload survived Edit")
	}
	if s.Rows[0]["Name"] != "Acme" {
		t.Error("working set lost by Edit")
	}
}

func TestWizard_BackClearsWorkingSetKeepsMode(t *testing.T) {
	m, _, _ := newTestManager()
	s := m.Create(testSubject)

	apply(t, m, s.ID, SelectObject{Object: "Account"})
	apply(t, m, s.ID, SetMode{Mode: ModeFileUpload})
	apply(t, m, s.ID, AttachFile{Ref: "upload.csv"})
	s = apply(t, m, s.ID, Back{})

	if s.Step != StepSelectTarget {
		t.Errorf("step after back = %s, want SelectTarget", s.Step)
	}
	if s.SelectedObject != "" || s.FileRef != "" || s.Describe != nil {
		t.Errorf("working set not cleared: object=%q file=%q", s.SelectedObject, s.FileRef)
	}
	if s.Mode != ModeFileUpload {
		t.Errorf("mode reset by back = %s, want file mode kept", s.Mode)
	}
}

func TestWizard_ResetClearsEverything(t *testing.T) {
	m, _, _ := newTestManager()
	s := m.Create(testSubject)

	apply(t, m, s.ID, SelectObject{Object: "Account"})
	apply(t, m, s.ID, UpdateField{Row: 0, Field: "Name", Value: "Acme"})
	apply(t, m, s.ID, Confirm{})
	apply(t, m, s.ID, Submit{})
	s = apply(t, m, s.ID, Reset{})

	if s.Step != StepSelectTarget {
		t.Errorf("step after reset = %s", s.Step)
	}
	if s.SelectedObject != "" || s.FileRef != "" || s.Mapping != nil {
		t.Error("reset left target data behind")
	}
	if s.Pending != nil || s.Outcome != nil {
		t.Error("reset left payload or outcome behind")
	}
	if s.Mode != ModeSingle {
		t.Errorf("mode after reset = %s, want single", s.Mode)
	}
	if len(s.Rows) != 1 || len(s.Rows[0]) != 0 {
		t.Errorf("rows after reset = %+v, want one empty row", s.Rows)
	}
}

func TestWizard_SubmitFailureKeepsConfirmState(t *testing.T) {
	m, _, sub := newTestManager()
	sub.insertErr = &salesforce.TransportError{Op: "rest insert", Err: errors.New("connection refused")}
	s := m.Create(testSubject)

	apply(t, m, s.ID, SelectObject{Object: "Account"})
	apply(t, m, s.ID, UpdateField{Row: 0, Field: "Name", Value: "Acme"})
	apply(t, m, s.ID, Confirm{})

	_, err := m.Apply(context.Background(), s.ID, Submit{})
	var transportErr *salesforce.TransportError
	if !errors.As(err, &transportErr) {
		t.Fatalf("Submit = %v, want the submitter's transport error", err)
	}

	got, err := m.Get(s.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Step != StepConfirm || got.Pending == nil {
		t.Fatalf("failed submit lost state: step %s pending %v", got.Step, got.Pending)
	}

	// Retry succeeds once the transport recovers.
	sub.mu.Lock()
	sub.insertErr = nil
	sub.mu.Unlock()
	s = apply(t, m, s.ID, Submit{})
	if s.Step != StepResult || s.Outcome == nil {
		t.Fatalf("retry = step %s outcome %v", s.Step, s.Outcome)
	}
}

func TestWizard_DescribeFailureStaysOnSelect(t *testing.T) {
	m, meta, _ := newTestManager()
	meta.err = &salesforce.RemoteError{Status: 400, Code: "INVALID_TYPE", Message: "sObject type 'Bogus' is not supported"}
	s := m.Create(testSubject)

	_, err := m.Apply(context.Background(), s.ID, SelectObject{Object: "Bogus"})
	var remoteErr *salesforce.RemoteError
	if !errors.As(err, &remoteErr) {
		t.Fatalf("SelectObject = %v, want the describe error", err)
	}

	got, _ := m.Get(s.ID)
	if got.Step != StepSelectTarget || got.SelectedObject != "" {
		t.Errorf("failed select moved the session: %+v", got)
	}
}

// ============================================================================
// Manager lifecycle
// ============================================================================

func TestManager_UnknownSession(t *testing.T) {
	m, _, _ := newTestManager()

	if _, err := m.Get("missing"); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("Get = %v, want ErrSessionNotFound", err)
	}
	if _, err := m.Apply(context.Background(), "missing", Reset{}); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("Apply = %v, want ErrSessionNotFound", err)
	}
}

func TestManager_SweepExpiresIdleSessions(t *testing.T) {
	m, _, _ := newTestManager()
	stale := m.Create(testSubject)
	fresh := m.Create(testSubject)

	m.mu.Lock()
	m.sessions[stale.ID].data.UpdatedAt = time.Now().UTC().Add(-2 * time.Hour)
	m.mu.Unlock()

	if removed := m.Sweep(); removed != 1 {
		t.Fatalf("Sweep = %d, want 1", removed)
	}
	if _, err := m.Get(stale.ID); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("stale session survived sweep: %v", err)
	}
	if _, err := m.Get(fresh.ID); err != nil {
		t.Errorf("fresh session swept: %v", err)
	}
	if m.Len() != 1 {
		t.Errorf("Len = %d, want 1", m.Len())
	}
}

func TestManager_ConcurrentAppliesSerialize(t *testing.T) {
	m, _, _ := newTestManager()
	s := m.Create(testSubject)
	apply(t, m, s.ID, SelectObject{Object: "Account"})

	const adds = 50
	var wg sync.WaitGroup
	for i := 0; i < adds; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := m.Apply(context.Background(), s.ID, AddRow{}); err != nil {
				t.Errorf("AddRow: %v", err)
			}
		}()
	}
	wg.Wait()

	got, err := m.Get(s.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if len(got.Rows) != adds+1 {
		t.Errorf("rows = %d, want %d (no lost updates)", len(got.Rows), adds+1)
	}
}

func TestManager_RowGuards(t *testing.T) {
	m, _, _ := newTestManager()
	s := m.Create(testSubject)
	apply(t, m, s.ID, SelectObject{Object: "Account"})

	var vErr *salesforce.ValidationError
	if _, err := m.Apply(context.Background(), s.ID, UpdateField{Row: 5, Field: "Name", Value: "x"}); !errors.As(err, &vErr) {
		t.Errorf("out-of-range UpdateField = %v, want validation error", err)
	}
	if _, err := m.Apply(context.Background(), s.ID, UpdateField{Row: 0, Field: "  ", Value: "x"}); !errors.As(err, &vErr) {
		t.Errorf("blank field name = %v, want validation error", err)
	}
	if _, err := m.Apply(context.Background(), s.ID, RemoveRow{Row: 9}); !errors.As(err, &vErr) {
		t.Errorf("out-of-range RemoveRow = %v, want validation error", err)
	}
}
