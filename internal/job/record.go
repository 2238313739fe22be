// Package job orchestrates asynchronous batch loads against the remote org:
// chunking materialized rows into batches, tracking remote progress through
// a poll loop, and merging per-row failures back onto original file
// positions.
//
// Job state only moves forward. Counters never decrease, row-error detail is
// append-only, and a record that reaches a terminal state is immutable from
// then on. Callers observe jobs through snapshot copies; the orchestrator
// owns the only mutable instance.
package job

import (
	"fmt"
	"time"

	"github.com/forcebench/forcebench/internal/salesforce"
)

// OperationKind is the load operation a job performs.
type OperationKind = salesforce.OperationKind

// State is a job's lifecycle position.
type State string

const (
	StateOpen       State = "Open"
	StateQueued     State = "Queued"
	StateInProgress State = "InProgress"
	StateCompleted  State = "Completed"
	StateFailed     State = "Failed"
	StateAborted    State = "Aborted"
)

// stateRank orders states for monotonic advancement. The three terminal
// states share a rank; advance refuses to cross between them.
var stateRank = map[State]int{
	StateOpen:       0,
	StateQueued:     1,
	StateInProgress: 2,
	StateCompleted:  3,
	StateFailed:     3,
	StateAborted:    3,
}

// Terminal reports whether s is an end state.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateAborted
}

// Valid reports whether s is a known state.
func (s State) Valid() bool {
	_, ok := stateRank[s]
	return ok
}

// SyntheticRowIndex marks a RowError describing the job as a whole rather
// than one input row.
const SyntheticRowIndex = -1

// RowError is one failed row, tied back to its position in the uploaded
// file (header = 0, first data row = 1). OriginalRecord carries the values
// that were submitted so users can fix and resubmit.
type RowError struct {
	RowIndex       int               `json:"rowIndex"`
	Message        string            `json:"message"`
	OriginalRecord map[string]string `json:"originalRecord,omitempty"`
}

// Record is the locally tracked state of one batch job.
type Record struct {
	JobID            string        `json:"jobId"`
	RemoteID         string        `json:"remoteId,omitempty"`
	SubjectID        string        `json:"subjectId"`
	ObjectName       string        `json:"objectName"`
	Operation        OperationKind `json:"operation"`
	ExternalIDField  string        `json:"externalIdField,omitempty"`
	State            State         `json:"state"`
	TotalRecords     int           `json:"totalRecords"`
	ProcessedRecords int           `json:"processedRecords"`
	SuccessCount     int           `json:"successCount"`
	ErrorCount       int           `json:"errorCount"`
	CreatedAt        time.Time     `json:"createdAt"`
	LastPolledAt     *time.Time    `json:"lastPolledAt,omitempty"`
	CompletedAt      *time.Time    `json:"completedAt,omitempty"`
	ErrorDetails     []RowError    `json:"errorDetails,omitempty"`
}

// advance moves the record to next, refusing regression and any transition
// out of a terminal state. Moving into a terminal state stamps CompletedAt.
func (r *Record) advance(next State) error {
	if !next.Valid() {
		return fmt.Errorf("job %s: unknown state %q", r.JobID, next)
	}
	if r.State == next {
		return nil
	}
	if r.State.Terminal() {
		return fmt.Errorf("job %s: state is final (%s), cannot move to %s", r.JobID, r.State, next)
	}
	if stateRank[next] < stateRank[r.State] {
		return fmt.Errorf("job %s: cannot move backward from %s to %s", r.JobID, r.State, next)
	}
	r.State = next
	if next.Terminal() {
		now := time.Now().UTC()
		r.CompletedAt = &now
	}
	return nil
}

// applyCounts folds a remote progress report into the counters without ever
// letting them move backward or break the counting invariants:
// processed <= total, success+errors <= processed.
func (r *Record) applyCounts(processed, failed int) {
	if processed > r.ProcessedRecords {
		r.ProcessedRecords = processed
	}
	if r.TotalRecords > 0 && r.ProcessedRecords > r.TotalRecords {
		r.ProcessedRecords = r.TotalRecords
	}
	if failed > r.ErrorCount {
		r.ErrorCount = failed
	}
	if r.ErrorCount > r.ProcessedRecords {
		r.ErrorCount = r.ProcessedRecords
	}
	if s := r.ProcessedRecords - r.ErrorCount; s > r.SuccessCount {
		r.SuccessCount = s
	}
}

// appendRowErrors extends the append-only error detail list.
func (r *Record) appendRowErrors(errs ...RowError) {
	r.ErrorDetails = append(r.ErrorDetails, errs...)
}

// Clone returns an independent deep copy safe to hand to callers.
func (r *Record) Clone() *Record {
	out := *r
	if r.LastPolledAt != nil {
		t := *r.LastPolledAt
		out.LastPolledAt = &t
	}
	if r.CompletedAt != nil {
		t := *r.CompletedAt
		out.CompletedAt = &t
	}
	if len(r.ErrorDetails) > 0 {
		out.ErrorDetails = make([]RowError, len(r.ErrorDetails))
		for i, re := range r.ErrorDetails {
			out.ErrorDetails[i] = re
			if re.OriginalRecord != nil {
				m := make(map[string]string, len(re.OriginalRecord))
				for k, v := range re.OriginalRecord {
					m[k] = v
				}
				out.ErrorDetails[i].OriginalRecord = m
			}
		}
	}
	return &out
}
