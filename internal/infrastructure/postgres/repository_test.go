package postgres

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"jaspire/internal/domain/linking"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newMockDB(t *testing.T) (*DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return &DB{DB: db}, mock
}

var sessionCols = []string{
	"id", "user_id", "provider", "status", "link_token", "session_url", "provider_ref",
	"failure_reason", "claimed_at", "created_at", "expires_at", "updated_at",
}

var accountCols = []string{
	"id", "user_id", "provider", "provider_account_id", "account_type", "status", "status_reason",
	"balance", "currency", "display_name", "mask", "institution_id", "institution_name",
	"last_synced_at", "created_at", "updated_at",
}

func TestSessionRepository_Create(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewSessionRepository(db)

	s := &linking.LinkSession{
		ID: "sess-1", UserID: "user-1", Provider: linking.ProviderPlaid, Status: linking.SessionPending,
		LinkToken: "link-sandbox-1", CreatedAt: testNow, ExpiresAt: testNow.Add(time.Hour), UpdatedAt: testNow,
	}

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO link_sessions")).
		WithArgs("sess-1", "user-1", "plaid", "PENDING", "link-sandbox-1", nil, nil, nil, nil,
			testNow, testNow.Add(time.Hour), testNow).
		WillReturnResult(sqlmock.NewResult(1, 1))

	require.NoError(t, repo.Create(context.Background(), s))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSessionRepository_CreateDuplicate(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewSessionRepository(db)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO link_sessions")).
		WillReturnError(&pq.Error{Code: "23505"})

	err := repo.Create(context.Background(), &linking.LinkSession{ID: "sess-1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already exists")
}

func TestSessionRepository_GetByID(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewSessionRepository(db)

	claimed := testNow.Add(time.Minute)
	mock.ExpectQuery(regexp.QuoteMeta("FROM link_sessions WHERE id = $1")).
		WithArgs("sess-1").
		WillReturnRows(sqlmock.NewRows(sessionCols).AddRow(
			"sess-1", "user-1", "mastercard", "PENDING", nil, "https://connect.example/abc", "cust-9",
			nil, claimed, testNow, testNow.Add(time.Hour), claimed,
		))

	s, err := repo.GetByID(context.Background(), "sess-1")
	require.NoError(t, err)
	assert.Equal(t, linking.ProviderMastercard, s.Provider)
	assert.Equal(t, linking.SessionPending, s.Status)
	assert.Equal(t, "https://connect.example/abc", s.SessionURL)
	assert.Equal(t, "cust-9", s.ProviderRef)
	assert.Empty(t, s.LinkToken)
	require.NotNil(t, s.ClaimedAt)
	assert.True(t, s.ClaimedAt.Equal(claimed))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSessionRepository_GetByIDNotFound(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewSessionRepository(db)

	mock.ExpectQuery(regexp.QuoteMeta("FROM link_sessions WHERE id = $1")).
		WithArgs("missing").
		WillReturnError(sql.ErrNoRows)

	_, err := repo.GetByID(context.Background(), "missing")
	assert.ErrorIs(t, err, linking.ErrSessionNotFound)
}

func TestSessionRepository_Claim(t *testing.T) {
	tests := []struct {
		name     string
		affected int64
		want     bool
	}{
		{"first caller wins", 1, true},
		{"already claimed", 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db, mock := newMockDB(t)
			repo := NewSessionRepository(db)

			mock.ExpectExec(regexp.QuoteMeta("WHERE id = $1 AND status = 'PENDING' AND claimed_at IS NULL")).
				WithArgs("sess-1", testNow).
				WillReturnResult(sqlmock.NewResult(0, tt.affected))

			got, err := repo.Claim(context.Background(), "sess-1", testNow)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestSessionRepository_Transition(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewSessionRepository(db)

	mock.ExpectExec(regexp.QuoteMeta("WHERE id = $1 AND status = $2")).
		WithArgs("sess-1", "PENDING", "FAILED", "provider rejected the credential", testNow).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("WHERE id = $1 AND status = $2")).
		WithArgs("sess-1", "PENDING", "COMPLETED", nil, testNow).
		WillReturnResult(sqlmock.NewResult(0, 0))

	ok, err := repo.Transition(context.Background(), "sess-1", linking.SessionPending, linking.SessionFailed, "provider rejected the credential", testNow)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = repo.Transition(context.Background(), "sess-1", linking.SessionPending, linking.SessionCompleted, "", testNow)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSessionRepository_ExpirePending(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewSessionRepository(db)

	claimedBefore := testNow.Add(-15 * time.Minute)
	mock.ExpectExec(regexp.QuoteMeta("AND (claimed_at IS NULL OR claimed_at <= $2)")).
		WithArgs(testNow, claimedBefore).
		WillReturnResult(sqlmock.NewResult(0, 3))

	n, err := repo.ExpirePending(context.Background(), testNow, claimedBefore)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
}

func TestAccountRepository_Upsert(t *testing.T) {
	tests := []struct {
		name    string
		created bool
	}{
		{"new account", true},
		{"relink existing", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db, mock := newMockDB(t)
			repo := NewAccountRepository(db)

			cols := append(append([]string{}, accountCols...), "created")
			mock.ExpectQuery(regexp.QuoteMeta("ON CONFLICT (user_id, provider, provider_account_id) DO UPDATE")).
				WithArgs("acc-1", "user-1", "plaid", "item-1", "depository", "ACTIVE",
					nil, nil, "Checking", "0000", "ins_1", "First Platypus Bank", testNow).
				WillReturnRows(sqlmock.NewRows(cols).AddRow(
					"acc-1", "user-1", "plaid", "item-1", "depository", "ACTIVE", nil,
					"125.50", "USD", "Checking", "0000", "ins_1", "First Platypus Bank",
					nil, testNow, testNow, tt.created,
				))

			acc, created, err := repo.Upsert(context.Background(), linking.UpsertAccountParams{
				ID: "acc-1", UserID: "user-1", Provider: linking.ProviderPlaid, ProviderAccountID: "item-1",
				AccountType: "depository", Status: linking.AccountActive, DisplayName: "Checking", Mask: "0000",
				Institution: linking.Institution{ID: "ins_1", Name: "First Platypus Bank"}, Now: testNow,
			})
			require.NoError(t, err)
			assert.Equal(t, tt.created, created)
			require.NotNil(t, acc.Balance)
			assert.True(t, acc.Balance.Equal(decimal.RequireFromString("125.5")))
			assert.Equal(t, "First Platypus Bank", acc.Institution.Name)
			assert.Nil(t, acc.LastSyncedAt)
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestAccountRepository_GetByIDNotFound(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewAccountRepository(db)

	mock.ExpectQuery(regexp.QuoteMeta("FROM linked_accounts WHERE id = $1")).
		WithArgs("nope").
		WillReturnError(sql.ErrNoRows)

	_, err := repo.GetByID(context.Background(), "nope")
	assert.ErrorIs(t, err, linking.ErrAccountNotFound)
}

func TestAccountRepository_ListByUserID(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewAccountRepository(db)

	synced := testNow.Add(-time.Hour)
	mock.ExpectQuery(regexp.QuoteMeta("ORDER BY created_at DESC, id ASC")).
		WithArgs("user-1").
		WillReturnRows(sqlmock.NewRows(accountCols).
			AddRow("acc-2", "user-1", "alpaca", "alp-9", "brokerage", "ACTIVE", nil,
				"1000", "USD", "Alpaca", nil, nil, nil, synced, testNow, testNow).
			AddRow("acc-1", "user-1", "plaid", "item-1", "depository", "ERROR", "relink required",
				nil, nil, nil, nil, nil, nil, nil, testNow.Add(-time.Hour), testNow))

	accounts, err := repo.ListByUserID(context.Background(), "user-1")
	require.NoError(t, err)
	require.Len(t, accounts, 2)
	assert.Equal(t, "acc-2", accounts[0].ID)
	require.NotNil(t, accounts[0].LastSyncedAt)
	assert.Equal(t, linking.AccountError, accounts[1].Status)
	assert.Equal(t, "relink required", accounts[1].StatusReason)
	assert.Nil(t, accounts[1].Balance)
}

func TestAccountRepository_UpdateStatusNotFound(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewAccountRepository(db)

	mock.ExpectExec(regexp.QuoteMeta("UPDATE linked_accounts")).
		WithArgs("nope", "REVOKED", "revoked by user", testNow).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := repo.UpdateStatus(context.Background(), "nope", linking.AccountRevoked, "revoked by user", testNow)
	assert.ErrorIs(t, err, linking.ErrAccountNotFound)
}

func TestAccountRepository_ListUserIDsWithActiveAccounts(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewAccountRepository(db)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT DISTINCT user_id FROM linked_accounts")).
		WillReturnRows(sqlmock.NewRows([]string{"user_id"}).AddRow("user-1").AddRow("user-2"))

	ids, err := repo.ListUserIDsWithActiveAccounts(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"user-1", "user-2"}, ids)
}

func TestCredentialRepository_GetMissing(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewCredentialRepository(db)

	key := linking.CredentialKey{UserID: "user-1", Provider: linking.ProviderPlaid, ProviderAccountID: "item-1"}
	mock.ExpectQuery(regexp.QuoteMeta("SELECT sealed_token FROM provider_credentials")).
		WithArgs("user-1", "plaid", "item-1").
		WillReturnError(sql.ErrNoRows)

	_, err := repo.Get(context.Background(), key)
	assert.ErrorIs(t, err, linking.ErrInvalidCredential)
}

func TestCredentialRepository_SaveAndGet(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewCredentialRepository(db)

	key := linking.CredentialKey{UserID: "user-1", Provider: linking.ProviderAlpaca, ProviderAccountID: "alp-9"}
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO provider_credentials")).
		WithArgs("user-1", "alpaca", "alp-9", "ciphertext", testNow).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT sealed_token FROM provider_credentials")).
		WithArgs("user-1", "alpaca", "alp-9").
		WillReturnRows(sqlmock.NewRows([]string{"sealed_token"}).AddRow("ciphertext"))

	require.NoError(t, repo.Save(context.Background(), key, "ciphertext", testNow))
	got, err := repo.Get(context.Background(), key)
	require.NoError(t, err)
	assert.Equal(t, "ciphertext", got)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCredentialRepository_DeleteError(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewCredentialRepository(db)

	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM provider_credentials")).
		WillReturnError(errors.New("connection reset"))

	err := repo.Delete(context.Background(), linking.CredentialKey{UserID: "u", Provider: linking.ProviderPlaid, ProviderAccountID: "i"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to delete provider credential")
}
