package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/forcebench/forcebench/internal/job"
	"github.com/forcebench/forcebench/internal/logging"
)

// DataOperation is one audit row: a mutating operation that ran against the
// remote org, with its final counts.
type DataOperation struct {
	ID           string    `json:"id"`
	SubjectID    string    `json:"subjectId"`
	Operation    string    `json:"operation"`
	ObjectName   string    `json:"objectName"`
	State        string    `json:"state"`
	RecordCount  int       `json:"recordCount"`
	SuccessCount int       `json:"successCount"`
	ErrorCount   int       `json:"errorCount"`
	JobID        *string   `json:"jobId,omitempty"`
	DurationMS   int64     `json:"durationMs"`
	CreatedAt    time.Time `json:"createdAt"`
}

// AuditStore records finished operations. It satisfies job.AuditSink, so
// every terminal bulk job lands here without the orchestrator knowing about
// the database.
type AuditStore struct {
	db DBTX
}

var _ job.AuditSink = (*AuditStore)(nil)

func NewAuditStore(db DBTX) *AuditStore {
	return &AuditStore{db: db}
}

// RecordOperation writes one audit row. Audit failures are logged, never
// propagated: a full audit table must not take down job processing.
func (s *AuditStore) RecordOperation(ctx context.Context, e job.AuditEntry) {
	const q = `
		INSERT INTO data_operations (
			id, subject_id, operation, object_name, state,
			record_count, success_count, error_count, job_id, duration_ms
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`
	var jobID *string
	if e.JobID != "" {
		jobID = &e.JobID
	}
	_, err := s.db.Exec(ctx, q,
		uuid.NewString(),
		e.SubjectID,
		string(e.Operation),
		e.ObjectName,
		string(e.State),
		e.Total,
		e.Succeeded,
		e.Failed,
		jobID,
		e.Duration.Milliseconds(),
	)
	if err != nil {
		logging.FromContext(ctx).Error("record operation audit",
			"job_id", e.JobID, "error", err)
	}
}

// RecordSync audits a synchronous operation that never became a job, such as
// wizard single-mode inserts.
func (s *AuditStore) RecordSync(ctx context.Context, subjectID, operation, objectName string, total, succeeded int, d time.Duration) {
	s.RecordOperation(ctx, job.AuditEntry{
		SubjectID:  subjectID,
		ObjectName: objectName,
		Operation:  job.OperationKind(operation),
		State:      job.StateCompleted,
		Total:      total,
		Succeeded:  succeeded,
		Failed:     total - succeeded,
		Duration:   d,
	})
}

// List returns a subject's audit rows, newest first.
func (s *AuditStore) List(ctx context.Context, subjectID string, limit int) ([]DataOperation, error) {
	if limit <= 0 {
		limit = 50
	}
	const q = `
		SELECT id, subject_id, operation, object_name, state,
		       record_count, success_count, error_count, job_id,
		       duration_ms, created_at
		FROM data_operations
		WHERE subject_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`
	rows, err := s.db.Query(ctx, q, subjectID, limit)
	if err != nil {
		return nil, fmt.Errorf("list operations for %s: %w", subjectID, err)
	}
	defer rows.Close()

	var out []DataOperation
	for rows.Next() {
		var op DataOperation
		err := rows.Scan(
			&op.ID,
			&op.SubjectID,
			&op.Operation,
			&op.ObjectName,
			&op.State,
			&op.RecordCount,
			&op.SuccessCount,
			&op.ErrorCount,
			&op.JobID,
			&op.DurationMS,
			&op.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("list operations for %s: %w", subjectID, err)
		}
		out = append(out, op)
	}
	return out, rows.Err()
}
