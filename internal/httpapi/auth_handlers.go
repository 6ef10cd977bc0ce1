package httpapi

import (
	"net/http"
	"strings"
	"time"

	"medvault.org/internal/auth"
	"medvault.org/internal/obs"
)

type authTokenRequest struct {
	ActorID string `json:"actor_id"`
}

type authTokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

const bearerTTL = 15 * time.Minute

// handleAuthToken mints a bearer JWT. Deployments with an external
// identity provider disable this route at the proxy; it stays in the
// service for development and the smoke tool.
func (a *API) handleAuthToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}

	var req authTokenRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	actorID := strings.TrimSpace(req.ActorID)
	if actorID == "" {
		writeError(w, r, http.StatusBadRequest, "actor_id is required")
		return
	}
	signed, err := auth.GenerateToken(actorID, bearerTTL)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "token generation failed")
		return
	}

	expiresAt := time.Now().UTC().Add(bearerTTL)
	obs.LogRequest(map[string]any{
		"type":       "auth",
		"event":      "bearer_issued",
		"actor_id":   actorID,
		"expires_at": expiresAt.Format(time.RFC3339),
	})

	writeJSON(w, http.StatusOK, authTokenResponse{
		Token:     signed,
		ExpiresAt: expiresAt,
	})
}
