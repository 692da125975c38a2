package http

import (
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"jaspire/internal/domain/linking"
	"jaspire/internal/shared/middleware"
)

// DefaultTransactionWindow applies when a transactions request omits from.
const DefaultTransactionWindow = 30 * 24 * time.Hour

// AccountHandler serves the caller's linked accounts.
type AccountHandler struct {
	accounts *linking.AccountService
	now      func() time.Time
}

// NewAccountHandler creates a new account handler
func NewAccountHandler(accounts *linking.AccountService) *AccountHandler {
	return &AccountHandler{accounts: accounts, now: time.Now}
}

// AccountResponse is the client-facing view of a LinkedAccount.
type AccountResponse struct {
	AccountID         string                `json:"accountId"`
	Provider          linking.Provider      `json:"provider"`
	ProviderAccountID string                `json:"providerAccountId"`
	AccountType       string                `json:"accountType"`
	Status            linking.AccountStatus `json:"status"`
	StatusReason      string                `json:"statusReason,omitempty"`
	Name              string                `json:"name"`
	Mask              string                `json:"mask,omitempty"`
	Institution       linking.Institution   `json:"institution"`
	Balance           *decimal.Decimal      `json:"balance"`
	Currency          string                `json:"currency,omitempty"`
	CreatedAt         string                `json:"createdAt"`
	UpdatedAt         string                `json:"updatedAt"`
	LastSyncedAt      *string               `json:"lastSyncedAt"`
}

// TransactionsResponse wraps an account's transactions with the window used.
type TransactionsResponse struct {
	AccountID    string                `json:"accountId"`
	From         string                `json:"from"`
	To           string                `json:"to"`
	Transactions []linking.Transaction `json:"transactions"`
}

// HandleList returns the caller's linked accounts. An explicit userId must be the caller.
func (h *AccountHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserID(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	if q := r.URL.Query().Get("userId"); q != "" && q != userID {
		writeError(w, r, linking.ErrForbidden, dataEndpoint)
		return
	}

	accounts, err := h.accounts.ListByUser(r.Context(), userID)
	if err != nil {
		writeError(w, r, err, dataEndpoint)
		return
	}

	response := make([]AccountResponse, 0, len(accounts))
	for _, acc := range accounts {
		response = append(response, toAccountResponse(acc))
	}
	writeJSON(w, http.StatusOK, response)
}

// HandleGet returns one account.
func (h *AccountHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserID(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	acc, err := h.accounts.Get(r.Context(), userID, r.PathValue("id"))
	if err != nil {
		writeError(w, r, err, dataEndpoint)
		return
	}
	writeJSON(w, http.StatusOK, toAccountResponse(acc))
}

// HandleRevoke unlinks an account and drops its stored credential.
func (h *AccountHandler) HandleRevoke(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserID(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	if err := h.accounts.Revoke(r.Context(), userID, r.PathValue("id")); err != nil {
		writeError(w, r, err, dataEndpoint)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleRefresh pulls the latest balance from the provider.
func (h *AccountHandler) HandleRefresh(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserID(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	acc, err := h.accounts.Refresh(r.Context(), userID, r.PathValue("id"))
	if err != nil {
		writeError(w, r, err, dataEndpoint)
		return
	}
	writeJSON(w, http.StatusOK, toAccountResponse(acc))
}

// HandleTransactions lists provider transactions for ?from=YYYY-MM-DD&to=YYYY-MM-DD.
func (h *AccountHandler) HandleTransactions(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserID(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	from, to, err := h.parseWindow(r)
	if err != nil {
		writeError(w, r, err, dataEndpoint)
		return
	}

	accountID := r.PathValue("id")
	txns, err := h.accounts.Transactions(r.Context(), userID, accountID, from, to)
	if err != nil {
		writeError(w, r, err, dataEndpoint)
		return
	}
	if txns == nil {
		txns = []linking.Transaction{}
	}
	writeJSON(w, http.StatusOK, TransactionsResponse{
		AccountID:    accountID,
		From:         from.Format(time.DateOnly),
		To:           to.Format(time.DateOnly),
		Transactions: txns,
	})
}

func (h *AccountHandler) parseWindow(r *http.Request) (time.Time, time.Time, error) {
	q := r.URL.Query()
	to := h.now().UTC().Truncate(24 * time.Hour)
	if v := q.Get("to"); v != "" {
		t, err := time.Parse(time.DateOnly, v)
		if err != nil {
			return time.Time{}, time.Time{}, badRequest("to must be a date (YYYY-MM-DD)")
		}
		to = t
	}
	from := to.Add(-DefaultTransactionWindow)
	if v := q.Get("from"); v != "" {
		t, err := time.Parse(time.DateOnly, v)
		if err != nil {
			return time.Time{}, time.Time{}, badRequest("from must be a date (YYYY-MM-DD)")
		}
		from = t
	}
	return from, to, nil
}

func toAccountResponse(acc *linking.LinkedAccount) AccountResponse {
	resp := AccountResponse{
		AccountID:         acc.ID,
		Provider:          acc.Provider,
		ProviderAccountID: acc.ProviderAccountID,
		AccountType:       acc.AccountType,
		Status:            acc.Status,
		StatusReason:      acc.StatusReason,
		Name:              acc.DisplayName,
		Mask:              acc.Mask,
		Institution:       acc.Institution,
		Balance:           acc.Balance,
		Currency:          acc.Currency,
		CreatedAt:         acc.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt:         acc.UpdatedAt.UTC().Format(time.RFC3339),
	}
	if resp.Name == "" {
		resp.Name = acc.Institution.Name
	}
	if acc.LastSyncedAt != nil {
		s := acc.LastSyncedAt.UTC().Format(time.RFC3339)
		resp.LastSyncedAt = &s
	}
	return resp
}
