// Package stream fan-outs freshly appended audit entries to live
// subscribers, backing the subject-facing "who is accessing my records
// right now" view. It is a notification surface only: the durable
// ledger remains the authoritative record, and a dropped notification
// never means a dropped audit entry.
package stream

import (
	"context"
	"sync"

	"medvault.org/internal/audit"
)

// Stream fan-outs audit entries to all active subscribers (SSE
// clients).
type Stream struct {
	mu   sync.RWMutex
	subs map[int]chan audit.Entry
	next int
}

// New initialises an empty stream.
func New() *Stream {
	return &Stream{subs: make(map[int]chan audit.Entry)}
}

// Subscribe registers a subscriber and returns a channel which will
// receive entries. The channel is closed when the provided context
// ends.
func (s *Stream) Subscribe(ctx context.Context) <-chan audit.Entry {
	ch := make(chan audit.Entry, 16)

	s.mu.Lock()
	id := s.next
	s.next++
	s.subs[id] = ch
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		delete(s.subs, id)
		close(ch)
		s.mu.Unlock()
	}()

	return ch
}

// Publish fan-outs the entry to all subscribers.
func (s *Stream) Publish(entry audit.Entry) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, ch := range s.subs {
		select {
		case ch <- entry:
		default:
			// Drop when subscriber is slow to avoid blocking.
		}
	}
}

// Ledger decorates an audit.Ledger so every successful append is also
// published to subscribers.
type Ledger struct {
	audit.Ledger
	stream *Stream
}

// NewLedger wraps the inner ledger with live publication.
func NewLedger(inner audit.Ledger, stream *Stream) *Ledger {
	return &Ledger{Ledger: inner, stream: stream}
}

func (l *Ledger) Append(ctx context.Context, entry *audit.Entry) (string, error) {
	id, err := l.Ledger.Append(ctx, entry)
	if err != nil {
		return "", err
	}
	published := *entry
	published.ID = id
	l.stream.Publish(published)
	return id, nil
}
