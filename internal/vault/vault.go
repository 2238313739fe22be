// Package vault stores remote-platform credentials encrypted at rest.
//
// Tokens are sealed with AES-256-GCM under a key derived from the configured
// passphrase and salt via Argon2id. Each encryption uses a fresh random nonce,
// stored as a prefix of the ciphertext blob, so identical plaintexts never
// produce identical blobs. Plaintext token material exists only in the
// Credential values returned to callers; it is never logged and never written
// to the backing store.
package vault

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"time"

	"golang.org/x/crypto/argon2"
)

var (
	// ErrNotFound is returned when no credential exists for a subject.
	ErrNotFound = errors.New("credential not found")

	// ErrDecryptFailed is returned when a stored blob cannot be opened,
	// typically after a passphrase or salt rotation without re-encryption.
	ErrDecryptFailed = errors.New("credential decrypt failed")
)

// Credential is the plaintext form of a subject's platform credential.
type Credential struct {
	// SubjectID identifies the owning identity ("orgID:userID").
	SubjectID string

	// AccessToken is the short-lived bearer token for API calls.
	AccessToken string

	// RefreshToken renews the access token; may be empty.
	RefreshToken string

	// InstanceURL is the org-specific API host.
	InstanceURL string

	// APIVersion is the platform API version negotiated at login.
	APIVersion string

	// IssuedAt records when the access token was minted. Later writers
	// win; readers use it to detect refreshes done by another goroutine.
	IssuedAt time.Time

	// ExpiresAt is the advisory token expiry, nil when the platform did
	// not report one.
	ExpiresAt *time.Time
}

// Record is the sealed form handed to a Store. Token fields are AEAD blobs
// (nonce || ciphertext); the remaining fields are stored in the clear.
type Record struct {
	SubjectID   string
	AccessBlob  []byte
	RefreshBlob []byte
	InstanceURL string
	APIVersion  string
	IssuedAt    time.Time
	ExpiresAt   *time.Time
}

// Store persists sealed records. Implementations must treat Put as a
// last-writer-wins upsert and Delete as idempotent.
type Store interface {
	Put(ctx context.Context, rec Record) error
	Get(ctx context.Context, subjectID string) (Record, error)
	Delete(ctx context.Context, subjectID string) error
}

// Vault seals and opens credentials against a Store.
type Vault struct {
	aead  cipher.AEAD
	store Store
}

// New derives the master key from passphrase and salt and returns a Vault
// writing through to store. Argon2id parameters follow the project-wide
// profile: time=1, memory=64MB, threads=4, 32-byte key.
func New(passphrase, salt string, store Store) (*Vault, error) {
	if passphrase == "" {
		return nil, errors.New("vault: passphrase must not be empty")
	}
	if len(salt) < 16 {
		return nil, fmt.Errorf("vault: salt must be at least 16 bytes, got %d", len(salt))
	}
	key := argon2.IDKey([]byte(passphrase), []byte(salt), 1, 64*1024, 4, 32)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("vault: init cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("vault: init AEAD: %w", err)
	}

	return &Vault{aead: aead, store: store}, nil
}

// Put seals both tokens and upserts the record. The previous credential for
// the subject, if any, is replaced wholesale.
func (v *Vault) Put(ctx context.Context, cred Credential) error {
	if cred.SubjectID == "" {
		return errors.New("vault: subject id must not be empty")
	}

	accessBlob, err := v.seal(cred.AccessToken)
	if err != nil {
		return fmt.Errorf("vault: seal access token: %w", err)
	}
	refreshBlob, err := v.seal(cred.RefreshToken)
	if err != nil {
		return fmt.Errorf("vault: seal refresh token: %w", err)
	}

	rec := Record{
		SubjectID:   cred.SubjectID,
		AccessBlob:  accessBlob,
		RefreshBlob: refreshBlob,
		InstanceURL: cred.InstanceURL,
		APIVersion:  cred.APIVersion,
		IssuedAt:    cred.IssuedAt,
		ExpiresAt:   cred.ExpiresAt,
	}
	if rec.IssuedAt.IsZero() {
		rec.IssuedAt = time.Now().UTC()
	}

	if err := v.store.Put(ctx, rec); err != nil {
		return fmt.Errorf("vault: store credential: %w", err)
	}
	return nil
}

// Get loads and opens the credential for a subject. Returns ErrNotFound when
// no record exists and ErrDecryptFailed when the blobs cannot be opened with
// the current key.
func (v *Vault) Get(ctx context.Context, subjectID string) (Credential, error) {
	rec, err := v.store.Get(ctx, subjectID)
	if err != nil {
		return Credential{}, err
	}

	access, err := v.open(rec.AccessBlob)
	if err != nil {
		return Credential{}, ErrDecryptFailed
	}
	refresh, err := v.open(rec.RefreshBlob)
	if err != nil {
		return Credential{}, ErrDecryptFailed
	}

	return Credential{
		SubjectID:    rec.SubjectID,
		AccessToken:  access,
		RefreshToken: refresh,
		InstanceURL:  rec.InstanceURL,
		APIVersion:   rec.APIVersion,
		IssuedAt:     rec.IssuedAt,
		ExpiresAt:    rec.ExpiresAt,
	}, nil
}

// Invalidate removes the credential for a subject. Deleting an absent
// subject is not an error.
func (v *Vault) Invalidate(ctx context.Context, subjectID string) error {
	if err := v.store.Delete(ctx, subjectID); err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		return fmt.Errorf("vault: invalidate credential: %w", err)
	}
	return nil
}

// seal encrypts plaintext and prefixes the random nonce. Empty strings are
// sealed like any other value so blob shape reveals nothing about content.
func (v *Vault) seal(plaintext string) ([]byte, error) {
	nonce := make([]byte, v.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	return v.aead.Seal(nonce, nonce, []byte(plaintext), nil), nil
}

// open splits the nonce prefix and decrypts the remainder.
func (v *Vault) open(blob []byte) (string, error) {
	ns := v.aead.NonceSize()
	if len(blob) < ns {
		return "", errors.New("blob shorter than nonce")
	}
	plaintext, err := v.aead.Open(nil, blob[:ns], blob[ns:], nil)
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}
