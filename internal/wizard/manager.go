package wizard

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/forcebench/forcebench/internal/ingest"
	"github.com/forcebench/forcebench/internal/salesforce"
)

// ErrSessionNotFound is returned for unknown or expired session IDs.
var ErrSessionNotFound = errors.New("wizard session not found")

// maxWorkingRows bounds single-mode entry; larger loads belong in file mode.
const maxWorkingRows = 200

// defaultSessionTTL expires sessions the janitor sweeps.
const defaultSessionTTL = 30 * time.Minute

// MetadataSource fetches object describes when a target is selected.
// *salesforce.Client satisfies it; its cache keeps repeat selections local.
type MetadataSource interface {
	DescribeSObject(ctx context.Context, subjectID, name string) (*salesforce.ObjectDescribe, error)
}

// Submitter executes a frozen payload. The bootstrap wires single mode to
// synchronous inserts and file mode to the batch orchestrator.
type Submitter interface {
	InsertRows(ctx context.Context, subjectID, object string, rows []map[string]string) ([]salesforce.SaveResult, error)
	SubmitFile(ctx context.Context, subjectID, object, fileRef string, mapping ingest.Mapping) (string, error)
}

// Manager owns all live wizard sessions. Events are applied under a
// per-session mutex so concurrent requests for the same session serialize;
// different sessions never contend.
type Manager struct {
	meta      MetadataSource
	submitter Submitter
	ttl       time.Duration

	mu       sync.RWMutex
	sessions map[string]*managedSession
}

type managedSession struct {
	mu   sync.Mutex
	data *Session
}

// NewManager builds a Manager. ttl <= 0 falls back to the default.
func NewManager(meta MetadataSource, submitter Submitter, ttl time.Duration) *Manager {
	if ttl <= 0 {
		ttl = defaultSessionTTL
	}
	return &Manager{
		meta:      meta,
		submitter: submitter,
		ttl:       ttl,
		sessions:  make(map[string]*managedSession),
	}
}

// Create opens a fresh session for a subject and returns its snapshot.
func (m *Manager) Create(subjectID string) *Session {
	now := time.Now().UTC()
	s := &Session{
		ID:        uuid.NewString(),
		SubjectID: subjectID,
		Step:      StepSelectTarget,
		Mode:      ModeSingle,
		Rows:      []map[string]string{{}},
		CreatedAt: now,
		UpdatedAt: now,
	}
	m.mu.Lock()
	m.sessions[s.ID] = &managedSession{data: s}
	m.mu.Unlock()
	return s.Clone()
}

// Get returns a snapshot of one session.
func (m *Manager) Get(id string) (*Session, error) {
	ms, err := m.lookup(id)
	if err != nil {
		return nil, err
	}
	ms.mu.Lock()
	defer ms.mu.Unlock()
	return ms.data.Clone(), nil
}

// Destroy removes a session. Unknown IDs are a no-op.
func (m *Manager) Destroy(id string) {
	m.mu.Lock()
	delete(m.sessions, id)
	m.mu.Unlock()
}

// Clear drops every live session and reports how many were removed.
func (m *Manager) Clear() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := len(m.sessions)
	m.sessions = make(map[string]*managedSession)
	return n
}

// Len reports how many sessions are live.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Sweep drops sessions idle past the TTL and returns how many were removed.
func (m *Manager) Sweep() int {
	cutoff := time.Now().UTC().Add(-m.ttl)
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for id, ms := range m.sessions {
		ms.mu.Lock()
		idle := ms.data.UpdatedAt.Before(cutoff)
		ms.mu.Unlock()
		if idle {
			delete(m.sessions, id)
			removed++
		}
	}
	return removed
}

func (m *Manager) lookup(id string) (*managedSession, error) {
	m.mu.RLock()
	ms, ok := m.sessions[id]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrSessionNotFound
	}
	return ms, nil
}

// Apply runs one event against a session: the transition table gates the
// step change, then the event-specific mutation runs, and the session moves
// to the table's target step only if the mutation succeeded. The updated
// snapshot is returned.
func (m *Manager) Apply(ctx context.Context, id string, ev Event) (*Session, error) {
	ms, err := m.lookup(id)
	if err != nil {
		return nil, err
	}

	ms.mu.Lock()
	defer ms.mu.Unlock()

	s := ms.data
	next, err := nextStep(s.Step, ev.Kind())
	if err != nil {
		return nil, err
	}
	if err := m.mutate(ctx, s, ev); err != nil {
		return nil, err
	}
	s.Step = next
	s.UpdatedAt = time.Now().UTC()
	return s.Clone(), nil
}

func (m *Manager) mutate(ctx context.Context, s *Session, ev Event) error {
	switch e := ev.(type) {
	case SelectObject:
		return m.selectObject(ctx, s, e)
	case SetMode:
		if !e.Mode.valid() {
			return validationErr("mode", "unknown entry mode %q", string(e.Mode))
		}
		s.Mode = e.Mode
		return nil
	case UpdateField:
		return updateField(s, e)
	case AddRow:
		if len(s.Rows) >= maxWorkingRows {
			return validationErr("rows", "at most %d rows can be entered directly", maxWorkingRows)
		}
		s.Rows = append(s.Rows, map[string]string{})
		return nil
	case RemoveRow:
		if e.Row < 0 || e.Row >= len(s.Rows) {
			return validationErr("row", "row %d does not exist", e.Row)
		}
		s.Rows = append(s.Rows[:e.Row], s.Rows[e.Row+1:]...)
		return nil
	case UpdateMapping:
		s.Mapping = cloneMapping(e.Mapping)
		return nil
	case AttachFile:
		if s.Mode != ModeFileUpload {
			return validationErr("mode", "attaching a file requires file-upload mode")
		}
		if strings.TrimSpace(e.Ref) == "" {
			return validationErr("file", "file reference is empty")
		}
		s.FileRef = e.Ref
		return nil
	case Back:
		s.clearWorkingSet()
		return nil
	case Confirm:
		return confirm(s)
	case Edit:
		s.Pending = nil
		return nil
	case Submit:
		return m.submit(ctx, s)
	case Reset:
		s.clear()
		return nil
	default:
		return &TransitionError{From: s.Step, Event: ev.Kind()}
	}
}

func (m *Manager) selectObject(ctx context.Context, s *Session, e SelectObject) error {
	name := strings.TrimSpace(e.Object)
	if name == "" {
		return validationErr("object", "object name is required")
	}
	if m.meta != nil {
		desc, err := m.meta.DescribeSObject(ctx, s.SubjectID, name)
		if err != nil {
			return err
		}
		s.Describe = desc
	}
	s.SelectedObject = name
	return nil
}

func updateField(s *Session, e UpdateField) error {
	if e.Row < 0 || e.Row >= len(s.Rows) {
		return validationErr("row", "row %d does not exist", e.Row)
	}
	field := strings.TrimSpace(e.Field)
	if field == "" {
		return validationErr("field", "field name is required")
	}
	if s.Rows[e.Row] == nil {
		s.Rows[e.Row] = map[string]string{}
	}
	s.Rows[e.Row][field] = e.Value
	return nil
}

// confirm validates the working set for its mode, then freezes it.
func confirm(s *Session) error {
	switch s.Mode {
	case ModeSingle:
		if !anyRowHasValues(s.Rows) {
			return validationErr("rows", "no row has any field value set")
		}
	case ModeFileUpload:
		if strings.TrimSpace(s.FileRef) == "" {
			return validationErr("file", "no file attached")
		}
		if len(s.Mapping) == 0 {
			return validationErr("mapping", "no columns mapped")
		}
	}
	s.freeze()
	return nil
}

func anyRowHasValues(rows []map[string]string) bool {
	for _, row := range rows {
		for _, v := range row {
			if strings.TrimSpace(v) != "" {
				return true
			}
		}
	}
	return false
}

// submit executes the frozen payload. On failure the session stays in
// Confirm with the payload intact, so the user can retry or edit; Apply only
// advances the step when the mutation succeeds.
func (m *Manager) submit(ctx context.Context, s *Session) error {
	if s.Pending == nil {
		return &TransitionError{From: s.Step, Event: EventSubmit}
	}
	if m.submitter == nil {
		return errors.New("wizard has no submitter wired")
	}

	p := s.Pending
	outcome := &Outcome{SubmittedAt: time.Now().UTC()}
	switch p.Mode {
	case ModeSingle:
		results, err := m.submitter.InsertRows(ctx, s.SubjectID, p.Object, nonEmptyRows(p.Rows))
		if err != nil {
			return err
		}
		outcome.SaveResults = results
	case ModeFileUpload:
		jobID, err := m.submitter.SubmitFile(ctx, s.SubjectID, p.Object, p.FileRef, p.Mapping)
		if err != nil {
			return err
		}
		outcome.JobID = jobID
	default:
		return validationErr("mode", "unknown entry mode %q", string(p.Mode))
	}

	s.Outcome = outcome
	s.Pending = nil
	return nil
}

// nonEmptyRows drops rows where every value is blank; they are padding from
// AddRow, not records.
func nonEmptyRows(rows []map[string]string) []map[string]string {
	out := rows[:0:0]
	for _, row := range rows {
		for _, v := range row {
			if strings.TrimSpace(v) != "" {
				out = append(out, row)
				break
			}
		}
	}
	return out
}

// clearWorkingSet drops data tied to the current target object but keeps
// the mode, so Back does not forget how the user wants to enter records.
func (s *Session) clearWorkingSet() {
	s.SelectedObject = ""
	s.Describe = nil
	s.Rows = []map[string]string{{}}
	s.Mapping = nil
	s.FileRef = ""
	s.Pending = nil
}

func validationErr(field, format string, args ...any) error {
	return &salesforce.ValidationError{
		Fields: []string{field},
		Err:    fmt.Errorf(format, args...),
	}
}
