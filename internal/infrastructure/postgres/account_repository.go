package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"jaspire/internal/domain/linking"
)

const accountColumns = `id, user_id, provider, provider_account_id, account_type, status, status_reason,
	balance, currency, display_name, mask, institution_id, institution_name,
	last_synced_at, created_at, updated_at`

type AccountRepository struct {
	db *DB
}

func NewAccountRepository(db *DB) *AccountRepository {
	return &AccountRepository{db: db}
}

var _ linking.AccountRepository = (*AccountRepository)(nil)

// Upsert inserts a linked account or refreshes the row that already holds
// (user_id, provider, provider_account_id). xmax is zero only for freshly
// inserted tuples, which tells the two cases apart in a single statement.
func (r *AccountRepository) Upsert(ctx context.Context, p linking.UpsertAccountParams) (*linking.LinkedAccount, bool, error) {
	query := `
		INSERT INTO linked_accounts (
			id, user_id, provider, provider_account_id, account_type, status,
			balance, currency, display_name, mask, institution_id, institution_name,
			created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $13)
		ON CONFLICT (user_id, provider, provider_account_id) DO UPDATE SET
			status = EXCLUDED.status,
			status_reason = NULL,
			account_type = COALESCE(NULLIF(EXCLUDED.account_type, ''), linked_accounts.account_type),
			display_name = COALESCE(EXCLUDED.display_name, linked_accounts.display_name),
			mask = COALESCE(EXCLUDED.mask, linked_accounts.mask),
			institution_id = COALESCE(EXCLUDED.institution_id, linked_accounts.institution_id),
			institution_name = COALESCE(EXCLUDED.institution_name, linked_accounts.institution_name),
			balance = COALESCE(EXCLUDED.balance, linked_accounts.balance),
			currency = CASE WHEN EXCLUDED.balance IS NULL THEN linked_accounts.currency ELSE EXCLUDED.currency END,
			updated_at = EXCLUDED.updated_at
		RETURNING ` + accountColumns + `, (xmax = 0) AS created
	`

	var created bool
	acc, err := scanAccount(r.db.QueryRowContext(ctx, query,
		p.ID, p.UserID, string(p.Provider), p.ProviderAccountID, p.AccountType, string(p.Status),
		nullDecimal(p.Balance), nullString(p.Currency), nullString(p.DisplayName), nullString(p.Mask),
		nullString(p.Institution.ID), nullString(p.Institution.Name),
		p.Now,
	), &created)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, false, fmt.Errorf("linked account id %s already taken: %w", p.ID, err)
		}
		return nil, false, fmt.Errorf("failed to upsert linked account: %w", err)
	}
	return acc, created, nil
}

func (r *AccountRepository) GetByID(ctx context.Context, id string) (*linking.LinkedAccount, error) {
	query := `SELECT ` + accountColumns + ` FROM linked_accounts WHERE id = $1`

	acc, err := scanAccount(r.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, linking.ErrAccountNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get linked account: %w", err)
	}
	return acc, nil
}

func (r *AccountRepository) ListByUserID(ctx context.Context, userID string) ([]*linking.LinkedAccount, error) {
	query := `
		SELECT ` + accountColumns + `
		FROM linked_accounts
		WHERE user_id = $1
		ORDER BY created_at DESC, id ASC
	`

	rows, err := r.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list linked accounts: %w", err)
	}
	defer rows.Close()

	var accounts []*linking.LinkedAccount
	for rows.Next() {
		acc, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan linked account: %w", err)
		}
		accounts = append(accounts, acc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate linked accounts: %w", err)
	}
	return accounts, nil
}

func (r *AccountRepository) UpdateSync(ctx context.Context, id string, u linking.SyncUpdate) (*linking.LinkedAccount, error) {
	query := `
		UPDATE linked_accounts
		SET status = $2,
			status_reason = $3,
			balance = $4,
			currency = COALESCE($5, currency),
			last_synced_at = $6,
			updated_at = $6
		WHERE id = $1
		RETURNING ` + accountColumns

	acc, err := scanAccount(r.db.QueryRowContext(ctx, query,
		id, string(u.Status), nullString(u.StatusReason), nullDecimal(u.Balance), nullString(u.Currency), u.SyncedAt,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, linking.ErrAccountNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to update account sync: %w", err)
	}
	return acc, nil
}

func (r *AccountRepository) UpdateStatus(ctx context.Context, id string, status linking.AccountStatus, reason string, now time.Time) error {
	query := `
		UPDATE linked_accounts
		SET status = $2, status_reason = $3, updated_at = $4
		WHERE id = $1
	`
	result, err := r.db.ExecContext(ctx, query, id, string(status), nullString(reason), now)
	if err != nil {
		return fmt.Errorf("failed to update account status: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return linking.ErrAccountNotFound
	}
	return nil
}

func (r *AccountRepository) ListUserIDsWithActiveAccounts(ctx context.Context) ([]string, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT DISTINCT user_id FROM linked_accounts WHERE status = 'ACTIVE' ORDER BY user_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list active users: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan user id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// scanAccount reads accountColumns, followed by any extra destinations.
func scanAccount(row rowScanner, extra ...any) (*linking.LinkedAccount, error) {
	var acc linking.LinkedAccount
	var provider, status string
	var statusReason, currency, displayName, mask, instID, instName sql.NullString
	var balance decimal.NullDecimal
	var lastSynced sql.NullTime

	dest := []any{
		&acc.ID, &acc.UserID, &provider, &acc.ProviderAccountID, &acc.AccountType, &status, &statusReason,
		&balance, &currency, &displayName, &mask, &instID, &instName,
		&lastSynced, &acc.CreatedAt, &acc.UpdatedAt,
	}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return nil, err
	}

	acc.Provider = linking.Provider(provider)
	acc.Status = linking.AccountStatus(status)
	acc.StatusReason = statusReason.String
	if balance.Valid {
		b := balance.Decimal
		acc.Balance = &b
	}
	acc.Currency = currency.String
	acc.DisplayName = displayName.String
	acc.Mask = mask.String
	acc.Institution = linking.Institution{ID: instID.String, Name: instName.String}
	if lastSynced.Valid {
		t := lastSynced.Time.UTC()
		acc.LastSyncedAt = &t
	}
	acc.CreatedAt = acc.CreatedAt.UTC()
	acc.UpdatedAt = acc.UpdatedAt.UTC()
	return &acc, nil
}

func nullDecimal(d *decimal.Decimal) decimal.NullDecimal {
	if d == nil {
		return decimal.NullDecimal{}
	}
	return decimal.NullDecimal{Decimal: *d, Valid: true}
}
