package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// QueryHistory is one executed query with its timing and outcome. The SOQL
// text is stored verbatim so users can re-run past queries.
type QueryHistory struct {
	ID           string    `json:"id"`
	SubjectID    string    `json:"subjectId"`
	SOQL         string    `json:"soql"`
	Status       string    `json:"status"`
	RowCount     int       `json:"rowCount"`
	ExecutionMS  int64     `json:"executionMs"`
	ErrorMessage string    `json:"errorMessage,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
}

// Query history statuses.
const (
	QueryStatusSuccess = "success"
	QueryStatusError   = "error"
)

// HistoryStore persists per-subject query history.
type HistoryStore struct {
	db DBTX
}

func NewHistoryStore(db DBTX) *HistoryStore {
	return &HistoryStore{db: db}
}

// Record inserts one history row and returns its ID.
func (s *HistoryStore) Record(ctx context.Context, h QueryHistory) (string, error) {
	id := h.ID
	if id == "" {
		id = uuid.NewString()
	}
	const q = `
		INSERT INTO query_history (
			id, subject_id, soql, status, row_count, execution_ms, error_message
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	_, err := s.db.Exec(ctx, q,
		id,
		h.SubjectID,
		h.SOQL,
		h.Status,
		h.RowCount,
		h.ExecutionMS,
		h.ErrorMessage,
	)
	if err != nil {
		return "", fmt.Errorf("record query history: %w", err)
	}
	return id, nil
}

// List returns a subject's recent queries, newest first.
func (s *HistoryStore) List(ctx context.Context, subjectID string, limit int) ([]QueryHistory, error) {
	if limit <= 0 {
		limit = 25
	}
	const q = `
		SELECT id, subject_id, soql, status, row_count, execution_ms,
		       error_message, created_at
		FROM query_history
		WHERE subject_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`
	rows, err := s.db.Query(ctx, q, subjectID, limit)
	if err != nil {
		return nil, fmt.Errorf("list query history for %s: %w", subjectID, err)
	}
	defer rows.Close()

	var out []QueryHistory
	for rows.Next() {
		var h QueryHistory
		err := rows.Scan(
			&h.ID,
			&h.SubjectID,
			&h.SOQL,
			&h.Status,
			&h.RowCount,
			&h.ExecutionMS,
			&h.ErrorMessage,
			&h.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("list query history for %s: %w", subjectID, err)
		}
		out = append(out, h)
	}
	return out, rows.Err()
}
