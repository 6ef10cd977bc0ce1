package audit

import (
	"context"
	"sync"
	"time"

	"medvault.org/internal/ids"
)

// InMemory implements Ledger with in-process concurrency safety.
// Entries are held in append order, which matches (timestamp, id)
// order because IDs are monotonic ULIDs assigned under the lock.
type InMemory struct {
	mu        sync.RWMutex
	entries   []Entry
	threshold int
	now       func() time.Time
}

// MemoryOption configures InMemory.
type MemoryOption func(*InMemory)

// WithUnusualThreshold overrides the distinct-subject flagging
// threshold used by ActorActivity.
func WithUnusualThreshold(n int) MemoryOption {
	return func(l *InMemory) {
		if n > 0 {
			l.threshold = n
		}
	}
}

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) MemoryOption {
	return func(l *InMemory) {
		if fn != nil {
			l.now = fn
		}
	}
}

// NewInMemory creates an empty ledger.
func NewInMemory(opts ...MemoryOption) *InMemory {
	l := &InMemory{
		threshold: DefaultUnusualThreshold,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

var _ Ledger = (*InMemory)(nil)

func (l *InMemory) Append(ctx context.Context, entry *Entry) (string, error) {
	if err := entry.validate(); err != nil {
		return "", err
	}

	stored := *entry
	if len(entry.Metadata) > 0 {
		stored.Metadata = make(map[string]string, len(entry.Metadata))
		for k, v := range entry.Metadata {
			stored.Metadata[k] = v
		}
	}

	l.mu.Lock()
	stored.ID = ids.New()
	if stored.Timestamp.IsZero() {
		stored.Timestamp = l.now().UTC()
	}
	l.entries = append(l.entries, stored)
	l.mu.Unlock()

	LogAppend(ctx, stored)
	return stored.ID, nil
}

func (l *InMemory) Query(ctx context.Context, q Query) ([]Entry, string, error) {
	limit := clampLimit(q.Limit)

	l.mu.RLock()
	defer l.mu.RUnlock()

	var (
		res  []Entry
		next string
	)
	for _, e := range l.entries {
		if e.SubjectID != q.SubjectID {
			continue
		}
		if q.AfterID != "" && e.ID <= q.AfterID {
			continue
		}
		if !q.From.IsZero() && e.Timestamp.Before(q.From) {
			continue
		}
		if !q.To.IsZero() && e.Timestamp.After(q.To) {
			continue
		}
		res = append(res, e)
		if len(res) >= limit {
			next = e.ID
			break
		}
	}
	return res, next, nil
}

func (l *InMemory) ActorActivity(ctx context.Context, actorID string, window time.Duration) (ActivitySummary, error) {
	since := l.now().UTC().Add(-window)
	summary := ActivitySummary{
		ActorID:  actorID,
		Since:    since,
		Subjects: map[string]int{},
	}

	l.mu.RLock()
	for _, e := range l.entries {
		if e.ActorID != actorID || e.Timestamp.Before(since) {
			continue
		}
		summary.Subjects[e.SubjectID]++
		summary.TotalAccesses++
	}
	l.mu.RUnlock()

	summary.DistinctSubjects = len(summary.Subjects)
	summary.Unusual = summary.DistinctSubjects > l.threshold
	return summary, nil
}
