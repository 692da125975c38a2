package http

import (
	"encoding/json"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"jaspire/internal/domain/linking"
	"jaspire/internal/shared/middleware"
)

// LinkSessionHandler serves the link-session lifecycle endpoints.
type LinkSessionHandler struct {
	sessions *linking.SessionManager
	exchange *linking.ExchangeService
	appURL   string
}

// NewLinkSessionHandler creates a new link session handler. appURL is where
// provider callbacks are redirected once the exchange finished.
func NewLinkSessionHandler(sessions *linking.SessionManager, exchange *linking.ExchangeService, appURL string) *LinkSessionHandler {
	return &LinkSessionHandler{
		sessions: sessions,
		exchange: exchange,
		appURL:   strings.TrimSuffix(appURL, "/"),
	}
}

// StartSessionRequest is the body of POST /link-sessions.
type StartSessionRequest struct {
	Provider string `json:"provider"`
	UserID   string `json:"userId,omitempty"`
}

// ExchangeRequest is the body of POST /link-sessions/{id}/exchange. Each
// provider names its temporary credential differently; the first non-empty wins.
type ExchangeRequest struct {
	TemporaryCredential string `json:"temporaryCredential"`
	PublicToken         string `json:"publicToken"`
	Code                string `json:"code"`
}

func (r ExchangeRequest) credential() string {
	for _, v := range []string{r.TemporaryCredential, r.PublicToken, r.Code} {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

// SessionResponse is what the client needs to open the provider's hosted flow.
type SessionResponse struct {
	SessionID  string                `json:"sessionId"`
	Provider   linking.Provider      `json:"provider"`
	Status     linking.SessionStatus `json:"status"`
	LinkToken  string                `json:"linkToken,omitempty"`
	SessionURL string                `json:"sessionUrl,omitempty"`
	ExpiresAt  string                `json:"expiresAt"`
	Reason     string                `json:"failureReason,omitempty"`
}

func toSessionResponse(s *linking.LinkSession) SessionResponse {
	return SessionResponse{
		SessionID:  s.ID,
		Provider:   s.Provider,
		Status:     s.Status,
		LinkToken:  s.LinkToken,
		SessionURL: s.SessionURL,
		ExpiresAt:  s.ExpiresAt.UTC().Format(time.RFC3339),
		Reason:     s.FailureReason,
	}
}

// HandleStart starts a link session for the authenticated user.
func (h *LinkSessionHandler) HandleStart(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserID(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	var req StartSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, badRequest("invalid request body"), sessionStartEndpoint)
		return
	}
	if req.UserID != "" && req.UserID != userID {
		writeError(w, r, linking.ErrForbidden, sessionStartEndpoint)
		return
	}
	provider, err := linking.ParseProvider(req.Provider)
	if err != nil {
		writeError(w, r, err, sessionStartEndpoint)
		return
	}

	session, err := h.sessions.StartSession(r.Context(), userID, provider)
	if err != nil {
		writeError(w, r, err, sessionStartEndpoint)
		return
	}
	writeJSON(w, http.StatusOK, toSessionResponse(session))
}

// HandleGet reports the state of one of the caller's sessions.
func (h *LinkSessionHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserID(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	session, err := h.sessions.GetSession(r.Context(), userID, r.PathValue("id"))
	if err != nil {
		writeError(w, r, err, dataEndpoint)
		return
	}
	writeJSON(w, http.StatusOK, toSessionResponse(session))
}

// HandleExchange completes a session with the temporary credential the
// provider's hosted flow handed to the client.
func (h *LinkSessionHandler) HandleExchange(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserID(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	var req ExchangeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, badRequest("invalid request body"), dataEndpoint)
		return
	}

	account, err := h.exchange.CompleteOwnedSession(r.Context(), userID, r.PathValue("id"), req.credential())
	if err != nil {
		writeError(w, r, err, dataEndpoint)
		return
	}
	writeJSON(w, http.StatusOK, toAccountResponse(account))
}

// HandleCallback is the provider redirect target. state carries the session id
// and code the temporary credential. The browser always lands on the app.
func (h *LinkSessionHandler) HandleCallback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	sessionID := strings.TrimSpace(q.Get("state"))
	code := q.Get("code")

	if providerErr := q.Get("error"); providerErr != "" {
		log.Printf("Link callback: provider returned error %q for session %s", providerErr, sessionID)
		h.redirect(w, r, sessionID, "", string(linking.KindExchangeFailed))
		return
	}
	if sessionID == "" || code == "" {
		h.redirect(w, r, sessionID, "", string(linking.KindInvalidInput))
		return
	}

	account, err := h.exchange.CompleteSession(r.Context(), sessionID, code)
	if err != nil {
		kind := linking.KindOf(err)
		if kind == "" {
			log.Printf("Link callback: session %s failed: %v", sessionID, err)
			kind = "internal_error"
		}
		h.redirect(w, r, sessionID, "", string(kind))
		return
	}
	h.redirect(w, r, sessionID, account.ID, "")
}

func (h *LinkSessionHandler) redirect(w http.ResponseWriter, r *http.Request, sessionID, accountID, reason string) {
	q := url.Values{}
	if reason == "" {
		q.Set("status", "success")
	} else {
		q.Set("status", "error")
		q.Set("reason", reason)
	}
	if sessionID != "" {
		q.Set("sessionId", sessionID)
	}
	if accountID != "" {
		q.Set("accountId", accountID)
	}
	http.Redirect(w, r, h.appURL+"/link/complete?"+q.Encode(), http.StatusFound)
}
