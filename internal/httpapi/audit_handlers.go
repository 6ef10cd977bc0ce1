package httpapi

import (
	"net/http"
	"strings"
	"time"

	"medvault.org/internal/audit"
	"medvault.org/internal/auth"
)

type auditPageResponse struct {
	Items     []audit.Entry `json:"items"`
	NextAfter string        `json:"next_after,omitempty"`
	AsOf      time.Time     `json:"as_of"`
}

// handleSubjectResource routes /v1/subjects/{id}/tokens and
// /v1/subjects/{id}/audit.
func (a *API) handleSubjectResource(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/v1/subjects/")
	if path == "" {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}

	id, rest, found := strings.Cut(path, "/")
	if !found || id == "" {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}

	if _, ok := auth.ActorIDFromContext(r.Context()); !ok {
		writeError(w, r, http.StatusUnauthorized, "authentication required")
		return
	}

	switch rest {
	case "tokens":
		if r.Method != http.MethodGet {
			methodNotAllowed(w, r, http.MethodGet)
			return
		}
		a.listActiveTokens(w, r, id)
	case "audit":
		if r.Method != http.MethodGet {
			methodNotAllowed(w, r, http.MethodGet)
			return
		}
		a.querySubjectAudit(w, r, id)
	default:
		writeError(w, r, http.StatusNotFound, "resource not found")
	}
}

func (a *API) querySubjectAudit(w http.ResponseWriter, r *http.Request, subjectID string) {
	limit, err := parsePositiveInt(r.URL.Query().Get("limit"), 100, 1, 1000)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	q := audit.Query{
		SubjectID: subjectID,
		AfterID:   strings.TrimSpace(r.URL.Query().Get("after")),
		Limit:     limit,
	}
	if q.From, err = parseTimeParam(r.URL.Query().Get("from")); err != nil {
		writeError(w, r, http.StatusBadRequest, "from must be RFC 3339")
		return
	}
	if q.To, err = parseTimeParam(r.URL.Query().Get("to")); err != nil {
		writeError(w, r, http.StatusBadRequest, "to must be RFC 3339")
		return
	}

	items, next, err := a.audits.Query(r.Context(), q)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "internal error")
		return
	}

	writeJSON(w, http.StatusOK, auditPageResponse{
		Items:     items,
		NextAfter: next,
		AsOf:      time.Now().UTC(),
	})
}

// handleActorResource routes /v1/actors/{id}/activity.
func (a *API) handleActorResource(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/v1/actors/")
	id, rest, found := strings.Cut(path, "/")
	if !found || id == "" || rest != "activity" {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	if _, ok := auth.ActorIDFromContext(r.Context()); !ok {
		writeError(w, r, http.StatusUnauthorized, "authentication required")
		return
	}

	hours, err := parsePositiveInt(r.URL.Query().Get("window_hours"), 24, 1, 24*30)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "window_hours must be between 1 and 720")
		return
	}

	summary, err := a.audits.ActorActivity(r.Context(), id, time.Duration(hours)*time.Hour)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func parseTimeParam(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, raw)
}
