package audit

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"medvault.org/internal/obs"
)

type ctxKey string

const requestIDKey ctxKey = "audit_request_id"

// WithRequestID attaches the request identifier to the context so log
// lines can be correlated with the HTTP request that produced them.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey, requestID)
}

// RequestIDFromContext extracts the audit request id if present.
func RequestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(requestIDKey).(string); ok {
		return v
	}
	return ""
}

// LogAppend emits a structured JSON line mirroring a durably appended
// entry. The durable ledger remains the authoritative record; the log
// line exists for operational visibility only.
func LogAppend(ctx context.Context, entry Entry) {
	line := map[string]any{
		"ts":         time.Now().UTC().Format(time.RFC3339Nano),
		"type":       "audit",
		"id":         entry.ID,
		"subject_id": entry.SubjectID,
		"action":     string(entry.Action),
		"method":     string(entry.Method),
		"outcome":    string(entry.Outcome),
	}
	if entry.ActorID != "" {
		line["actor_id"] = entry.ActorID
	}
	if entry.FailureReason != "" {
		line["failure_reason"] = string(entry.FailureReason)
	}
	if rid := RequestIDFromContext(ctx); rid != "" {
		line["request_id"] = rid
	}
	if len(entry.Metadata) > 0 {
		line["metadata"] = entry.Metadata
	}

	data, err := json.Marshal(line)
	if err != nil {
		return
	}
	obs.Logger().Println(string(data))
}
