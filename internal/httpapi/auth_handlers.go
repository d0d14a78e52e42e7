package httpapi

import (
	"net/http"
	"strings"
	"time"

	"github.com/aula-app/aula-engine/internal/audit"
	"github.com/aula-app/aula-engine/internal/auth"
	"github.com/aula-app/aula-engine/internal/engine"
)

type tokenRequest struct {
	UserID string `json:"user_id"`
}

type tokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// handleAuthToken issues development tokens for existing active users. It is
// disabled unless the server runs with dev tokens enabled.
func (a *API) handleAuthToken(w http.ResponseWriter, r *http.Request) {
	if !a.devTokens {
		writeError(w, r, http.StatusNotFound, "token issuance disabled")
		return
	}

	var req tokenRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	userID := strings.TrimSpace(req.UserID)
	if userID == "" {
		writeError(w, r, http.StatusBadRequest, "user_id is required")
		return
	}

	u, err := a.svc.LookupUser(r.Context(), userID)
	if err != nil {
		handleEngineError(w, r, err)
		return
	}
	if !u.Active() {
		handleEngineError(w, r, engine.ErrPermissionDenied)
		return
	}

	token, expiresAt, err := auth.GenerateToken(u.ID, a.tokenTTL)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "token generation failed")
		return
	}

	_ = audit.LogEvent(r.Context(), "auth.token.issued", map[string]any{
		"user":       u.ID,
		"expires_at": expiresAt.Format(time.RFC3339),
	})

	writeData(w, r, http.StatusOK, tokenResponse{
		Token:     token,
		ExpiresAt: expiresAt,
	})
}
