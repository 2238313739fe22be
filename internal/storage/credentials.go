package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/forcebench/forcebench/internal/vault"
)

// CredentialStore persists sealed credential records. Token columns hold
// AEAD blobs; nothing secret is stored in the clear.
type CredentialStore struct {
	db DBTX
}

var _ vault.Store = (*CredentialStore)(nil)

func NewCredentialStore(db DBTX) *CredentialStore {
	return &CredentialStore{db: db}
}

// Put upserts the record for its subject, last writer wins.
func (s *CredentialStore) Put(ctx context.Context, rec vault.Record) error {
	const q = `
		INSERT INTO credentials (
			subject_id, access_blob, refresh_blob, instance_url,
			api_version, issued_at, expires_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, now())
		ON CONFLICT (subject_id) DO UPDATE SET
			access_blob  = EXCLUDED.access_blob,
			refresh_blob = EXCLUDED.refresh_blob,
			instance_url = EXCLUDED.instance_url,
			api_version  = EXCLUDED.api_version,
			issued_at    = EXCLUDED.issued_at,
			expires_at   = EXCLUDED.expires_at,
			updated_at   = now()
	`
	_, err := s.db.Exec(ctx, q,
		rec.SubjectID,
		rec.AccessBlob,
		rec.RefreshBlob,
		rec.InstanceURL,
		rec.APIVersion,
		rec.IssuedAt,
		rec.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("store credential: %w", err)
	}
	return nil
}

// Get loads the sealed record for a subject.
func (s *CredentialStore) Get(ctx context.Context, subjectID string) (vault.Record, error) {
	const q = `
		SELECT subject_id, access_blob, refresh_blob, instance_url,
		       api_version, issued_at, expires_at
		FROM credentials
		WHERE subject_id = $1
	`
	var rec vault.Record
	err := s.db.QueryRow(ctx, q, subjectID).Scan(
		&rec.SubjectID,
		&rec.AccessBlob,
		&rec.RefreshBlob,
		&rec.InstanceURL,
		&rec.APIVersion,
		&rec.IssuedAt,
		&rec.ExpiresAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return vault.Record{}, vault.ErrNotFound
		}
		return vault.Record{}, fmt.Errorf("load credential: %w", err)
	}
	return rec, nil
}

// Delete removes a subject's record. Deleting a missing subject is a no-op.
func (s *CredentialStore) Delete(ctx context.Context, subjectID string) error {
	if _, err := s.db.Exec(ctx, `DELETE FROM credentials WHERE subject_id = $1`, subjectID); err != nil {
		return fmt.Errorf("delete credential: %w", err)
	}
	return nil
}
