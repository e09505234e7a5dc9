package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/indexerpro/sitemap-indexer/internal/indexer"
)

// CredentialStore implements indexer.CredentialStore using Postgres.
// Rows hold only ciphertext and key material; plaintext never reaches
// this layer.
type CredentialStore struct {
	pool Querier
}

// NewCredentialStore creates a new CredentialStore.
func NewCredentialStore(pool Querier) *CredentialStore {
	return &CredentialStore{pool: pool}
}

// GetCredential retrieves the credential row for (project, engine).
func (s *CredentialStore) GetCredential(ctx context.Context, projectID uuid.UUID, engine indexer.Engine) (indexer.Credential, error) {
	query := `
		SELECT id, project_id, engine, type, encrypted_data, iv, auth_tag, salt,
		       is_valid, expires_at, last_used_at
		FROM credentials
		WHERE project_id = $1 AND engine = $2;
	`
	var c indexer.Credential
	err := s.pool.QueryRow(ctx, query, projectID, engine).Scan(
		&c.ID,
		&c.ProjectID,
		&c.Engine,
		&c.Type,
		&c.EncryptedData,
		&c.IV,
		&c.AuthTag,
		&c.Salt,
		&c.IsValid,
		&c.ExpiresAt,
		&c.LastUsedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return indexer.Credential{}, indexer.ErrNotFound
		}
		return indexer.Credential{}, fmt.Errorf("failed to get credential: %w", err)
	}
	return c, nil
}

// SaveCredential inserts or replaces the credential for (project, engine).
func (s *CredentialStore) SaveCredential(ctx context.Context, cred indexer.Credential) error {
	query := `
		INSERT INTO credentials (id, project_id, engine, type, encrypted_data,
		                         iv, auth_tag, salt, is_valid, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (project_id, engine) DO UPDATE
		SET type = EXCLUDED.type,
		    encrypted_data = EXCLUDED.encrypted_data,
		    iv = EXCLUDED.iv,
		    auth_tag = EXCLUDED.auth_tag,
		    salt = EXCLUDED.salt,
		    is_valid = EXCLUDED.is_valid,
		    expires_at = EXCLUDED.expires_at;
	`
	if _, err := s.pool.Exec(ctx, query,
		cred.ID,
		cred.ProjectID,
		cred.Engine,
		cred.Type,
		cred.EncryptedData,
		cred.IV,
		cred.AuthTag,
		cred.Salt,
		cred.IsValid,
		cred.ExpiresAt,
	); err != nil {
		return fmt.Errorf("failed to save credential: %w", err)
	}
	return nil
}

// MarkCredentialUsed stamps last_used_at.
func (s *CredentialStore) MarkCredentialUsed(ctx context.Context, id uuid.UUID, at time.Time) error {
	query := `UPDATE credentials SET last_used_at = $1 WHERE id = $2;`
	if _, err := s.pool.Exec(ctx, query, at, id); err != nil {
		return fmt.Errorf("failed to mark credential used: %w", err)
	}
	return nil
}

// InvalidateCredential flags the row so submitters stop using it.
func (s *CredentialStore) InvalidateCredential(ctx context.Context, id uuid.UUID) error {
	query := `UPDATE credentials SET is_valid = FALSE WHERE id = $1;`
	if _, err := s.pool.Exec(ctx, query, id); err != nil {
		return fmt.Errorf("failed to invalidate credential: %w", err)
	}
	return nil
}
