// Package wizard drives the guided insert flow as an explicit state
// machine. Every mutation arrives as an Event and is checked against the
// transition table before it touches session data, so an out-of-order or
// replayed request is rejected structurally rather than by UI discipline.
// Confirming freezes the working set into an immutable payload; submission
// uses only that frozen copy.
package wizard

import (
	"fmt"
	"time"

	"github.com/forcebench/forcebench/internal/ingest"
	"github.com/forcebench/forcebench/internal/salesforce"
)

// Step is a wizard session's position in the flow.
type Step string

const (
	StepSelectTarget Step = "select_target"
	StepConfigure    Step = "configure"
	StepConfirm      Step = "confirm"
	StepResult       Step = "result"
)

// Mode selects how records are entered.
type Mode string

const (
	// ModeSingle edits rows field by field in the browser.
	ModeSingle Mode = "single"
	// ModeFileUpload maps columns of an uploaded CSV onto object fields.
	ModeFileUpload Mode = "file"
)

func (m Mode) valid() bool { return m == ModeSingle || m == ModeFileUpload }

// EventKind names a wizard event for transition checking.
type EventKind string

const (
	EventSelectObject  EventKind = "select_object"
	EventSetMode       EventKind = "set_mode"
	EventUpdateField   EventKind = "update_field"
	EventAddRow        EventKind = "add_row"
	EventRemoveRow     EventKind = "remove_row"
	EventUpdateMapping EventKind = "update_mapping"
	EventAttachFile    EventKind = "attach_file"
	EventBack          EventKind = "back"
	EventConfirm       EventKind = "confirm"
	EventEdit          EventKind = "edit"
	EventSubmit        EventKind = "submit"
	EventReset         EventKind = "reset"
)

// Event is one requested wizard mutation.
type Event interface {
	Kind() EventKind
}

// SelectObject picks the target object and moves to Configure.
type SelectObject struct{ Object string }

// SetMode switches between single-record entry and file upload.
type SetMode struct{ Mode Mode }

// UpdateField sets one field value on one working row.
type UpdateField struct {
	Row   int
	Field string
	Value string
}

// AddRow appends an empty working row.
type AddRow struct{}

// RemoveRow deletes one working row.
type RemoveRow struct{ Row int }

// UpdateMapping replaces the column mapping for file mode.
type UpdateMapping struct{ Mapping ingest.Mapping }

// AttachFile records the reference of an uploaded CSV.
type AttachFile struct{ Ref string }

// Back returns to target selection, dropping the working set.
type Back struct{}

// Confirm freezes the working set into the pending payload.
type Confirm struct{}

// Edit reopens the working set, discarding the pending payload.
type Edit struct{}

// Submit executes the frozen payload.
type Submit struct{}

// Reset clears the session back to target selection.
type Reset struct{}

func (SelectObject) Kind() EventKind  { return EventSelectObject }
func (SetMode) Kind() EventKind       { return EventSetMode }
func (UpdateField) Kind() EventKind   { return EventUpdateField }
func (AddRow) Kind() EventKind        { return EventAddRow }
func (RemoveRow) Kind() EventKind     { return EventRemoveRow }
func (UpdateMapping) Kind() EventKind { return EventUpdateMapping }
func (AttachFile) Kind() EventKind    { return EventAttachFile }
func (Back) Kind() EventKind          { return EventBack }
func (Confirm) Kind() EventKind       { return EventConfirm }
func (Edit) Kind() EventKind          { return EventEdit }
func (Submit) Kind() EventKind        { return EventSubmit }
func (Reset) Kind() EventKind         { return EventReset }

// transitions is the exhaustive step/event table. An event absent from the
// current step's row is illegal, full stop. Working-set edits are legal in
// Confirm but never touch the frozen payload; Reset is legal everywhere as
// the explicit cancel.
var transitions = map[Step]map[EventKind]Step{
	StepSelectTarget: {
		EventSelectObject: StepConfigure,
		EventReset:        StepSelectTarget,
	},
	StepConfigure: {
		EventSetMode:       StepConfigure,
		EventUpdateField:   StepConfigure,
		EventAddRow:        StepConfigure,
		EventRemoveRow:     StepConfigure,
		EventUpdateMapping: StepConfigure,
		EventAttachFile:    StepConfigure,
		EventBack:          StepSelectTarget,
		EventConfirm:       StepConfirm,
		EventReset:         StepSelectTarget,
	},
	StepConfirm: {
		EventUpdateField:   StepConfirm,
		EventAddRow:        StepConfirm,
		EventRemoveRow:     StepConfirm,
		EventUpdateMapping: StepConfirm,
		EventEdit:          StepConfigure,
		EventSubmit:        StepResult,
		EventReset:         StepSelectTarget,
	},
	StepResult: {
		EventReset: StepSelectTarget,
	},
}

// TransitionError reports an event that is not legal in the session's
// current step.
type TransitionError struct {
	From  Step
	Event EventKind
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("event %s is not valid in step %s", e.Event, e.From)
}

// nextStep resolves the table, or fails with a TransitionError.
func nextStep(from Step, kind EventKind) (Step, error) {
	row, ok := transitions[from]
	if !ok {
		return "", &TransitionError{From: from, Event: kind}
	}
	next, ok := row[kind]
	if !ok {
		return "", &TransitionError{From: from, Event: kind}
	}
	return next, nil
}

// Payload is the frozen snapshot taken when a session is confirmed. It is a
// deep copy: later working-set edits cannot reach it.
type Payload struct {
	Object   string              `json:"object"`
	Mode     Mode                `json:"mode"`
	Rows     []map[string]string `json:"rows,omitempty"`
	Mapping  ingest.Mapping      `json:"mapping,omitempty"`
	FileRef  string              `json:"fileRef,omitempty"`
	FrozenAt time.Time           `json:"frozenAt"`
}

// Outcome is what a submission produced: a background job for file mode,
// per-row save results for single mode.
type Outcome struct {
	JobID       string                  `json:"jobId,omitempty"`
	SaveResults []salesforce.SaveResult `json:"saveResults,omitempty"`
	SubmittedAt time.Time               `json:"submittedAt"`
}

// Session is one user's wizard state. All fields are mutated only through
// Manager.Apply; callers receive deep copies.
type Session struct {
	ID             string                     `json:"id"`
	SubjectID      string                     `json:"subjectId"`
	Step           Step                       `json:"step"`
	Mode           Mode                       `json:"mode"`
	SelectedObject string                     `json:"selectedObject,omitempty"`
	Describe       *salesforce.ObjectDescribe `json:"describe,omitempty"`
	Rows           []map[string]string        `json:"rows"`
	Mapping        ingest.Mapping             `json:"mapping,omitempty"`
	FileRef        string                     `json:"fileRef,omitempty"`
	Pending        *Payload                   `json:"pending,omitempty"`
	Outcome        *Outcome                   `json:"outcome,omitempty"`
	CreatedAt      time.Time                  `json:"createdAt"`
	UpdatedAt      time.Time                  `json:"updatedAt"`
}

func cloneRows(rows []map[string]string) []map[string]string {
	if rows == nil {
		return nil
	}
	out := make([]map[string]string, len(rows))
	for i, row := range rows {
		m := make(map[string]string, len(row))
		for k, v := range row {
			m[k] = v
		}
		out[i] = m
	}
	return out
}

func cloneMapping(m ingest.Mapping) ingest.Mapping {
	if m == nil {
		return nil
	}
	out := make(ingest.Mapping, len(m))
	copy(out, m)
	return out
}

// Clone returns an independent deep copy of the session.
func (s *Session) Clone() *Session {
	out := *s
	out.Rows = cloneRows(s.Rows)
	out.Mapping = cloneMapping(s.Mapping)
	if s.Pending != nil {
		p := *s.Pending
		p.Rows = cloneRows(s.Pending.Rows)
		p.Mapping = cloneMapping(s.Pending.Mapping)
		out.Pending = &p
	}
	if s.Outcome != nil {
		o := *s.Outcome
		o.SaveResults = append([]salesforce.SaveResult(nil), s.Outcome.SaveResults...)
		out.Outcome = &o
	}
	return &out
}

// freeze captures the working set as the pending payload.
func (s *Session) freeze() {
	s.Pending = &Payload{
		Object:   s.SelectedObject,
		Mode:     s.Mode,
		Rows:     cloneRows(s.Rows),
		Mapping:  cloneMapping(s.Mapping),
		FileRef:  s.FileRef,
		FrozenAt: time.Now().UTC(),
	}
}

// clear wipes everything a Reset must guarantee is gone.
func (s *Session) clear() {
	s.SelectedObject = ""
	s.Describe = nil
	s.Mode = ModeSingle
	s.Rows = []map[string]string{{}}
	s.Mapping = nil
	s.FileRef = ""
	s.Pending = nil
	s.Outcome = nil
}
