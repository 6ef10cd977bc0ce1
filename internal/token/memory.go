package token

import (
	"context"
	"sort"
	"sync"
	"time"
)

// InMemory implements Store with in-process concurrency safety.
// Suitable for tests and single-node deployments; multi-node
// deployments use the Postgres store. Retired tokens are retained for
// audit correlation, never deleted, so a code may map to several
// records of which at most one is active.
type InMemory struct {
	mu     sync.RWMutex
	tokens map[string]*AccessToken // keyed by ID
	byCode map[string][]string     // token IDs per code, insertion order
}

// NewInMemory creates an empty token store.
func NewInMemory() *InMemory {
	return &InMemory{
		tokens: make(map[string]*AccessToken),
		byCode: make(map[string][]string),
	}
}

var _ Store = (*InMemory)(nil)

// activeByCode returns the active holder of the code. Callers hold mu.
func (s *InMemory) activeByCode(code string) *AccessToken {
	for _, id := range s.byCode[code] {
		if tok := s.tokens[id]; tok.State == StateActive {
			return tok
		}
	}
	return nil
}

func (s *InMemory) Insert(ctx context.Context, tok *AccessToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.activeByCode(tok.Code) != nil {
		return ErrCodeConflict
	}
	cp := *tok
	s.tokens[cp.ID] = &cp
	s.byCode[cp.Code] = append(s.byCode[cp.Code], cp.ID)
	return nil
}

// FindByCode returns the token currently holding the code: the active
// one if any, otherwise the most recently inserted retired one.
func (s *InMemory) FindByCode(ctx context.Context, code string) (*AccessToken, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := s.byCode[code]
	if len(ids) == 0 {
		return nil, ErrInvalidCode
	}
	tok := s.activeByCode(code)
	if tok == nil {
		tok = s.tokens[ids[len(ids)-1]]
	}
	cp := *tok
	return &cp, nil
}

func (s *InMemory) ConsumeSingleUse(ctx context.Context, code string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.byCode[code]) == 0 {
		return false, ErrInvalidCode
	}
	tok := s.activeByCode(code)
	if tok == nil {
		return false, nil
	}
	tok.State = StateUsed
	return true, nil
}

func (s *InMemory) ReleaseSingleUse(ctx context.Context, code string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := s.byCode[code]
	if len(ids) == 0 {
		return false, ErrInvalidCode
	}
	// Never create a second active holder of the code.
	if s.activeByCode(code) != nil {
		return false, nil
	}
	// The consumption being backed out is the newest used record.
	for i := len(ids) - 1; i >= 0; i-- {
		if tok := s.tokens[ids[i]]; tok.State == StateUsed {
			tok.State = StateActive
			return true, nil
		}
	}
	return false, nil
}

func (s *InMemory) Revoke(ctx context.Context, code, revokedBy string, revokedAt time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.byCode[code]) == 0 {
		return false, ErrInvalidCode
	}
	tok := s.activeByCode(code)
	if tok == nil {
		return false, nil
	}
	tok.State = StateRevoked
	at := revokedAt
	tok.RevokedAt = &at
	tok.RevokedBy = revokedBy
	return true, nil
}

func (s *InMemory) ListActive(ctx context.Context, subjectID string, now time.Time) ([]AccessToken, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var res []AccessToken
	for _, tok := range s.tokens {
		if tok.SubjectID != subjectID || tok.State != StateActive || tok.ExpiredAt(now) {
			continue
		}
		res = append(res, *tok)
	}
	sort.Slice(res, func(i, j int) bool {
		return res[i].IssuedAt.After(res[j].IssuedAt)
	})
	return res, nil
}

func (s *InMemory) MarkExpired(ctx context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, tok := range s.tokens {
		if tok.State == StateActive && tok.ExpiredAt(now) {
			tok.State = StateExpired
			n++
		}
	}
	return n, nil
}
