package httpapi

import (
	"encoding/base64"
	"errors"
	"net/http"
	"strings"
	"time"

	"medvault.org/internal/audit"
	"medvault.org/internal/auth"
	"medvault.org/internal/obs"
	"medvault.org/internal/permission"
	"medvault.org/internal/token"
)

type issueTokenRequest struct {
	SubjectID       string   `json:"subject_id"`
	DurationSeconds int64    `json:"duration_seconds"`
	Permissions     []string `json:"permissions"`
	UsageMode       string   `json:"usage_mode"`
	IncludeQR       bool     `json:"include_qr"`
}

type issueTokenResponse struct {
	Token token.AccessToken `json:"token"`
	// QR carries the sealed QR payload, base64-encoded, when
	// include_qr was requested.
	QR string `json:"qr,omitempty"`
}

type validateRequest struct {
	Code string `json:"code"`
}

type revokeRequest struct {
	Code string `json:"code"`
}

type qrValidateRequest struct {
	Payload string `json:"payload"`
}

type listTokensResponse struct {
	Items []token.AccessToken `json:"items"`
	AsOf  time.Time           `json:"as_of"`
}

func (a *API) handleTokensCollection(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		a.issueToken(w, r)
	default:
		methodNotAllowed(w, r, http.MethodPost)
	}
}

func (a *API) issueToken(w http.ResponseWriter, r *http.Request) {
	actorID, ok := auth.ActorIDFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "authentication required")
		return
	}

	var req issueTokenRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	subjectID := strings.TrimSpace(req.SubjectID)
	if subjectID == "" {
		writeError(w, r, http.StatusBadRequest, "subject_id is required")
		return
	}
	if len(subjectID) > 64 {
		writeError(w, r, http.StatusBadRequest, "subject_id must be <=64 characters")
		return
	}
	if req.DurationSeconds <= 0 {
		writeError(w, r, http.StatusBadRequest, "duration_seconds must be > 0")
		return
	}

	perms, err := permission.Parse(req.Permissions)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	mode := token.UsageMode(strings.TrimSpace(req.UsageMode))
	if mode == "" {
		mode = token.SingleUse
	}
	if !mode.Valid() {
		writeError(w, r, http.StatusBadRequest, "usage_mode must be single_use or multi_use")
		return
	}

	if req.IncludeQR && a.codec == nil {
		writeError(w, r, http.StatusServiceUnavailable, "qr encoding disabled")
		return
	}

	tok, err := a.tokens.Issue(r.Context(), subjectID, time.Duration(req.DurationSeconds)*time.Second, perms, mode, actorID)
	if err != nil {
		handleTokenError(w, r, err)
		return
	}

	resp := issueTokenResponse{Token: tok}
	if req.IncludeQR {
		sealed, err := a.codec.Encode(&tok)
		if err != nil {
			writeError(w, r, http.StatusInternalServerError, "qr encoding failed")
			return
		}
		resp.QR = base64.StdEncoding.EncodeToString(sealed)
	}

	writeJSON(w, http.StatusCreated, resp)
}

func (a *API) handleValidate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	actorID, ok := auth.ActorIDFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "authentication required")
		return
	}

	var req validateRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	code := strings.TrimSpace(req.Code)
	if code == "" {
		writeError(w, r, http.StatusBadRequest, "code is required")
		return
	}

	grant, err := a.tokens.Validate(r.Context(), code, actorID, audit.MethodAccessCode)
	if err != nil {
		handleTokenError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, grant)
}

// handleQRValidate opens a sealed QR payload and validates the embedded
// code. Undecodable payloads are still recorded in the ledger; the
// subject is unknown at that point.
func (a *API) handleQRValidate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	if a.codec == nil {
		writeError(w, r, http.StatusServiceUnavailable, "qr validation disabled")
		return
	}
	actorID, ok := auth.ActorIDFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "authentication required")
		return
	}

	var req qrValidateRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	sealed, err := base64.StdEncoding.DecodeString(strings.TrimSpace(req.Payload))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "payload must be base64")
		return
	}

	payload, err := a.codec.Decode(sealed)
	if err != nil {
		subject := payload.SubjectHint
		if subject == "" {
			subject = audit.UnknownSubject
		}
		a.recordQRFailure(r, subject, actorID, err)
		handleTokenError(w, r, err)
		return
	}

	grant, err := a.tokens.Validate(r.Context(), payload.Code, actorID, audit.MethodQRCode)
	if err != nil {
		handleTokenError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, grant)
}

// recordQRFailure appends the attempt that never reached the token
// manager. Best effort: a broken ledger must not mask the original
// rejection.
func (a *API) recordQRFailure(r *http.Request, subjectID, actorID string, cause error) {
	reason := audit.ReasonDecryptionFailure
	if errors.Is(cause, token.ErrExpired) {
		reason = audit.ReasonExpired
	}
	if _, err := a.audits.Append(r.Context(), &audit.Entry{
		SubjectID:     subjectID,
		ActorID:       actorID,
		Action:        audit.ActionViewRecords,
		Method:        audit.MethodQRCode,
		Outcome:       audit.OutcomeFailure,
		FailureReason: reason,
	}); err != nil {
		obs.AuditAppendFailed("qr_validate", err)
	}
}

func (a *API) handleRevoke(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	actorID, ok := auth.ActorIDFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "authentication required")
		return
	}

	var req revokeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	code := strings.TrimSpace(req.Code)
	if code == "" {
		writeError(w, r, http.StatusBadRequest, "code is required")
		return
	}

	if err := a.tokens.Revoke(r.Context(), code, actorID); err != nil {
		handleTokenError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "revoked",
	})
}

func (a *API) listActiveTokens(w http.ResponseWriter, r *http.Request, subjectID string) {
	items, err := a.tokens.ListActive(r.Context(), subjectID)
	if err != nil {
		handleTokenError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, listTokensResponse{
		Items: items,
		AsOf:  time.Now().UTC(),
	})
}
