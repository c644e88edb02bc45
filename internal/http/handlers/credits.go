package handlers

import (
	"errors"
	"net/http"

	"genforge/internal/domain"
	"genforge/internal/middleware"
)

func (a *App) GetCredits(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserIDFromContext(r.Context())
	if userID == "" {
		a.error(w, http.StatusUnauthorized, "unauthorized", "missing user context")
		return
	}
	balance, reserved, err := a.Ledger.Balance(r.Context(), userID)
	switch {
	case err == nil:
	case errors.Is(err, domain.ErrNotFound):
		// A user with no account row simply has no credits yet.
		balance, reserved = 0, 0
	default:
		a.Logger.Error().Err(err).Str("user_id", userID).Msg("get credits")
		a.error(w, http.StatusInternalServerError, "internal", "failed to load balance")
		return
	}
	a.json(w, http.StatusOK, map[string]int64{
		"balance":   balance,
		"reserved":  reserved,
		"spendable": balance - reserved,
	})
}
