package audit

import (
	"context"
	"time"
)

// DefaultUnusualThreshold is the distinct-subject count above which an
// actor's activity within the inspected window is flagged. Deployments
// override it per their own access patterns.
const DefaultUnusualThreshold = 10

// Query selects entries for one subject inside a time range. AfterID
// restarts a previous query from its returned cursor; Limit bounds the
// page size (defaulted and capped by implementations).
type Query struct {
	SubjectID string
	From      time.Time
	To        time.Time
	AfterID   string
	Limit     int
}

// ActivitySummary aggregates an actor's accesses over a window.
type ActivitySummary struct {
	ActorID          string         `json:"actor_id"`
	Since            time.Time      `json:"since"`
	Subjects         map[string]int `json:"subjects"`
	DistinctSubjects int            `json:"distinct_subjects"`
	TotalAccesses    int            `json:"total_accesses"`
	Unusual          bool           `json:"unusual"`
}

// Ledger is the append-only access record. There is deliberately no
// update or delete operation.
type Ledger interface {
	// Append persists the entry and returns its assigned ID. A failed
	// append is a reportable fault, never a silently dropped record.
	Append(ctx context.Context, entry *Entry) (string, error)

	// Query returns entries ordered by (timestamp, id) ascending,
	// together with a cursor that restarts the query after the last
	// returned entry. An empty cursor means the range is exhausted.
	Query(ctx context.Context, q Query) ([]Entry, string, error)

	// ActorActivity aggregates per-subject access counts for one actor
	// within the trailing window.
	ActorActivity(ctx context.Context, actorID string, window time.Duration) (ActivitySummary, error)
}

const (
	defaultQueryLimit = 100
	maxQueryLimit     = 1000
)

func clampLimit(limit int) int {
	if limit <= 0 || limit > maxQueryLimit {
		return defaultQueryLimit
	}
	return limit
}
