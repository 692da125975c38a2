package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"jaspire/internal/domain/linking"
)

// CredentialRepository stores sealed provider access tokens. Values are
// ciphertext; this layer never sees a plaintext token.
type CredentialRepository struct {
	db *DB
}

func NewCredentialRepository(db *DB) *CredentialRepository {
	return &CredentialRepository{db: db}
}

var _ linking.CredentialRepository = (*CredentialRepository)(nil)

func (r *CredentialRepository) Save(ctx context.Context, key linking.CredentialKey, sealed string, now time.Time) error {
	query := `
		INSERT INTO provider_credentials (user_id, provider, provider_account_id, sealed_token, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $5)
		ON CONFLICT (user_id, provider, provider_account_id)
		DO UPDATE SET sealed_token = EXCLUDED.sealed_token, updated_at = EXCLUDED.updated_at
	`
	if _, err := r.db.ExecContext(ctx, query, key.UserID, string(key.Provider), key.ProviderAccountID, sealed, now); err != nil {
		return fmt.Errorf("failed to save provider credential: %w", err)
	}
	return nil
}

func (r *CredentialRepository) Get(ctx context.Context, key linking.CredentialKey) (string, error) {
	query := `
		SELECT sealed_token FROM provider_credentials
		WHERE user_id = $1 AND provider = $2 AND provider_account_id = $3
	`
	var sealed string
	err := r.db.QueryRowContext(ctx, query, key.UserID, string(key.Provider), key.ProviderAccountID).Scan(&sealed)
	if errors.Is(err, sql.ErrNoRows) {
		return "", linking.ErrInvalidCredential
	}
	if err != nil {
		return "", fmt.Errorf("failed to get provider credential: %w", err)
	}
	return sealed, nil
}

func (r *CredentialRepository) Delete(ctx context.Context, key linking.CredentialKey) error {
	query := `
		DELETE FROM provider_credentials
		WHERE user_id = $1 AND provider = $2 AND provider_account_id = $3
	`
	if _, err := r.db.ExecContext(ctx, query, key.UserID, string(key.Provider), key.ProviderAccountID); err != nil {
		return fmt.Errorf("failed to delete provider credential: %w", err)
	}
	return nil
}
