package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/forcebench/forcebench/internal/job"
)

// JobStore persists job records. The update path refuses to touch rows that
// already reached a terminal state, so a late or replayed save can never
// rewrite a finished job.
type JobStore struct {
	db DBTX
}

var _ job.Store = (*JobStore)(nil)

func NewJobStore(db DBTX) *JobStore {
	return &JobStore{db: db}
}

// SaveJob upserts the record. Error details travel as one JSONB document;
// the list is append-only upstream, so overwriting it wholesale is safe.
func (s *JobStore) SaveJob(ctx context.Context, rec *job.Record) error {
	details, err := json.Marshal(rec.ErrorDetails)
	if err != nil {
		return fmt.Errorf("encode job error details: %w", err)
	}

	const q = `
		INSERT INTO jobs (
			job_id, remote_id, subject_id, object_name, operation,
			external_id_field, state, total_records, processed_records,
			success_count, error_count, error_details, created_at,
			last_polled_at, completed_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		ON CONFLICT (job_id) DO UPDATE SET
			remote_id         = EXCLUDED.remote_id,
			state             = EXCLUDED.state,
			processed_records = EXCLUDED.processed_records,
			success_count     = EXCLUDED.success_count,
			error_count       = EXCLUDED.error_count,
			error_details     = EXCLUDED.error_details,
			last_polled_at    = EXCLUDED.last_polled_at,
			completed_at      = EXCLUDED.completed_at
		WHERE jobs.state NOT IN ('Completed', 'Failed', 'Aborted')
	`
	_, err = s.db.Exec(ctx, q,
		rec.JobID,
		rec.RemoteID,
		rec.SubjectID,
		rec.ObjectName,
		string(rec.Operation),
		rec.ExternalIDField,
		string(rec.State),
		rec.TotalRecords,
		rec.ProcessedRecords,
		rec.SuccessCount,
		rec.ErrorCount,
		details,
		rec.CreatedAt,
		rec.LastPolledAt,
		rec.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("save job %s: %w", rec.JobID, err)
	}
	return nil
}

// GetJob loads one record by its local ID.
func (s *JobStore) GetJob(ctx context.Context, jobID string) (*job.Record, error) {
	const q = selectJobColumns + ` WHERE job_id = $1`
	rec, err := scanJob(s.db.QueryRow(ctx, q, jobID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, job.ErrNotFound
		}
		return nil, fmt.Errorf("load job %s: %w", jobID, err)
	}
	return rec, nil
}

// ListJobs returns a subject's jobs, newest first.
func (s *JobStore) ListJobs(ctx context.Context, subjectID string, limit int) ([]*job.Record, error) {
	if limit <= 0 {
		limit = 50
	}
	const q = selectJobColumns + `
		WHERE subject_id = $1
		ORDER BY created_at DESC
		LIMIT $2`
	rows, err := s.db.Query(ctx, q, subjectID, limit)
	if err != nil {
		return nil, fmt.Errorf("list jobs for %s: %w", subjectID, err)
	}
	defer rows.Close()

	var out []*job.Record
	for rows.Next() {
		rec, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("list jobs for %s: %w", subjectID, err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

const selectJobColumns = `
	SELECT job_id, remote_id, subject_id, object_name, operation,
	       external_id_field, state, total_records, processed_records,
	       success_count, error_count, error_details, created_at,
	       last_polled_at, completed_at
	FROM jobs`

func scanJob(row pgx.Row) (*job.Record, error) {
	var (
		rec       job.Record
		operation string
		state     string
		details   []byte
	)
	err := row.Scan(
		&rec.JobID,
		&rec.RemoteID,
		&rec.SubjectID,
		&rec.ObjectName,
		&operation,
		&rec.ExternalIDField,
		&state,
		&rec.TotalRecords,
		&rec.ProcessedRecords,
		&rec.SuccessCount,
		&rec.ErrorCount,
		&details,
		&rec.CreatedAt,
		&rec.LastPolledAt,
		&rec.CompletedAt,
	)
	if err != nil {
		return nil, err
	}
	rec.Operation = job.OperationKind(operation)
	rec.State = job.State(state)
	if len(details) > 0 {
		if err := json.Unmarshal(details, &rec.ErrorDetails); err != nil {
			return nil, fmt.Errorf("decode error details: %w", err)
		}
	}
	return &rec, nil
}
