package token

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"medvault.org/internal/audit"
	"medvault.org/internal/obs"
	"medvault.org/internal/permission"
)

const (
	defaultCodeLength  = 8
	defaultMaxDuration = 24 * time.Hour
	defaultRetryBudget = 5
)

// Grant is what a successful validation hands back to the caller: the
// subject whose records may be read and the capabilities granted.
type Grant struct {
	SubjectID   string         `json:"subject_id"`
	Permissions permission.Set `json:"permissions"`
}

// Manager issues, validates, and revokes tokens against a Store, and
// records every validation and revocation attempt in the audit ledger.
type Manager struct {
	store  Store
	ledger audit.Ledger
	now    func() time.Time

	codeLength  int
	maxDuration time.Duration
	retryBudget int
}

// Option configures Manager behavior.
type Option func(*Manager)

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) Option {
	return func(m *Manager) {
		if fn != nil {
			m.now = fn
		}
	}
}

// WithCodeLength overrides the generated code length. The legacy
// 6-digit convention is deliberately not the default; deployments that
// insist on short codes should pair them with very short durations.
func WithCodeLength(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.codeLength = n
		}
	}
}

// WithMaxDuration caps the lifetime callers may request.
func WithMaxDuration(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.maxDuration = d
		}
	}
}

// WithRetryBudget bounds issuance retries on active-code collisions.
func WithRetryBudget(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.retryBudget = n
		}
	}
}

// NewManager constructs a Manager over the given store and ledger.
func NewManager(store Store, ledger audit.Ledger, opts ...Option) *Manager {
	m := &Manager{
		store:       store,
		ledger:      ledger,
		now:         time.Now,
		codeLength:  defaultCodeLength,
		maxDuration: defaultMaxDuration,
		retryBudget: defaultRetryBudget,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Issue creates a new active token for the subject. The code comes
// from a cryptographically secure source; an active-code collision is
// retried with a fresh code up to the retry budget.
func (m *Manager) Issue(ctx context.Context, subjectID string, duration time.Duration, perms permission.Set, mode UsageMode, createdBy string) (AccessToken, error) {
	if subjectID == "" {
		return AccessToken{}, errors.New("token: subject id is required")
	}
	if createdBy == "" {
		return AccessToken{}, errors.New("token: creator id is required")
	}
	if duration <= 0 || duration > m.maxDuration {
		return AccessToken{}, ErrInvalidDuration
	}
	if !perms.Valid() {
		return AccessToken{}, ErrInvalidPermissions
	}
	if !mode.Valid() {
		return AccessToken{}, fmt.Errorf("token: unknown usage mode %q", mode)
	}

	now := m.now().UTC()
	for attempt := 0; attempt < m.retryBudget; attempt++ {
		code, err := GenerateCode(m.codeLength)
		if err != nil {
			return AccessToken{}, fmt.Errorf("%w: %v", ErrStorageFailure, err)
		}
		tok := AccessToken{
			ID:          uuid.NewString(),
			SubjectID:   subjectID,
			Code:        code,
			IssuedAt:    now,
			ExpiresAt:   now.Add(duration),
			Permissions: perms,
			UsageMode:   mode,
			State:       StateActive,
			CreatedBy:   createdBy,
		}
		err = m.store.Insert(ctx, &tok)
		if errors.Is(err, ErrCodeConflict) {
			continue
		}
		if err != nil {
			m.auditIssue(ctx, subjectID, createdBy, audit.OutcomeFailure, audit.ReasonStorageFailure, nil)
			return AccessToken{}, fmt.Errorf("%w: %v", ErrStorageFailure, err)
		}
		m.auditIssue(ctx, subjectID, createdBy, audit.OutcomeSuccess, "", &tok)
		obs.TokenIssued()
		return tok, nil
	}

	m.auditIssue(ctx, subjectID, createdBy, audit.OutcomeFailure, audit.ReasonStorageFailure, nil)
	return AccessToken{}, ErrCollisionExhausted
}

// Validate checks the presented code and, for single-use tokens,
// consumes it atomically with the success determination. Every call
// appends exactly one audit entry; a success that cannot be audited is
// reported as a failure, because a granted-and-unaudited access is the
// one state this subsystem must never produce.
func (m *Manager) Validate(ctx context.Context, code, actorID string, method audit.Method) (Grant, error) {
	now := m.now().UTC()

	tok, err := m.store.FindByCode(ctx, code)
	switch {
	case errors.Is(err, ErrInvalidCode):
		return m.failValidate(ctx, audit.UnknownSubject, actorID, method, audit.ReasonInvalidCode, ErrInvalidCode)
	case err != nil:
		return m.failValidate(ctx, audit.UnknownSubject, actorID, method, audit.ReasonStorageFailure,
			fmt.Errorf("%w: %v", ErrStorageFailure, err))
	}

	// Expiry is re-checked here on every call; the background sweep is
	// bookkeeping only and never gates this decision.
	if tok.ExpiredAt(now) {
		return m.failValidate(ctx, tok.SubjectID, actorID, method, audit.ReasonExpired, ErrExpired)
	}

	switch tok.State {
	case StateActive:
		// proceed
	case StateUsed:
		return m.failValidate(ctx, tok.SubjectID, actorID, method, audit.ReasonAlreadyUsed, ErrAlreadyUsed)
	case StateRevoked:
		return m.failValidate(ctx, tok.SubjectID, actorID, method, audit.ReasonRevoked, ErrRevoked)
	default:
		return m.failValidate(ctx, tok.SubjectID, actorID, method, audit.ReasonExpired, ErrExpired)
	}

	if tok.UsageMode == SingleUse {
		consumed, err := m.store.ConsumeSingleUse(ctx, code)
		if err != nil {
			return m.failValidate(ctx, tok.SubjectID, actorID, method, audit.ReasonStorageFailure,
				fmt.Errorf("%w: %v", ErrStorageFailure, err))
		}
		if !consumed {
			// Lost the race. Re-read to report the precise reason.
			reason, cause := audit.ReasonAlreadyUsed, ErrAlreadyUsed
			if cur, err := m.store.FindByCode(ctx, code); err == nil && cur.State == StateRevoked {
				reason, cause = audit.ReasonRevoked, ErrRevoked
			}
			return m.failValidate(ctx, tok.SubjectID, actorID, method, reason, cause)
		}
	}

	entry := &audit.Entry{
		SubjectID: tok.SubjectID,
		ActorID:   actorID,
		Action:    audit.ActionViewRecords,
		Method:    method,
		Outcome:   audit.OutcomeSuccess,
		Metadata: map[string]string{
			"token_id":    tok.ID,
			"usage_mode":  string(tok.UsageMode),
			"permissions": tok.Permissions.String(),
		},
	}
	if _, err := m.ledger.Append(ctx, entry); err != nil {
		// Access is only ever granted with its audit entry committed.
		// Back out the consumption so the attempt aborts whole and the
		// token can be presented again once the ledger recovers.
		if tok.UsageMode == SingleUse {
			if released, relErr := m.store.ReleaseSingleUse(ctx, code); relErr != nil || !released {
				fields := map[string]any{
					"type":     "token",
					"event":    "release_failed",
					"token_id": tok.ID,
				}
				if relErr != nil {
					fields["error"] = relErr.Error()
				}
				obs.LogRequest(fields)
			}
		}
		obs.ValidationResult("failure", string(audit.ReasonStorageFailure))
		return Grant{}, fmt.Errorf("%w: audit append: %v", ErrStorageFailure, err)
	}

	obs.ValidationResult("success", "")
	return Grant{SubjectID: tok.SubjectID, Permissions: tok.Permissions}, nil
}

// Revoke transitions an active token to revoked, effective
// immediately. Only the issuing subject or the delegate who created
// the token may revoke it.
func (m *Manager) Revoke(ctx context.Context, code, requestedBy string) error {
	now := m.now().UTC()

	tok, err := m.store.FindByCode(ctx, code)
	switch {
	case errors.Is(err, ErrInvalidCode):
		m.auditRevoke(ctx, audit.UnknownSubject, requestedBy, audit.OutcomeFailure, audit.ReasonInvalidCode, nil)
		return ErrInvalidCode
	case err != nil:
		m.auditRevoke(ctx, audit.UnknownSubject, requestedBy, audit.OutcomeFailure, audit.ReasonStorageFailure, nil)
		return fmt.Errorf("%w: %v", ErrStorageFailure, err)
	}

	if requestedBy != tok.SubjectID && requestedBy != tok.CreatedBy {
		m.auditRevoke(ctx, tok.SubjectID, requestedBy, audit.OutcomeFailure, audit.ReasonPermissionDenied, tok)
		return ErrPermissionDenied
	}

	revoked, err := m.store.Revoke(ctx, code, requestedBy, now)
	if err != nil {
		m.auditRevoke(ctx, tok.SubjectID, requestedBy, audit.OutcomeFailure, audit.ReasonStorageFailure, tok)
		return fmt.Errorf("%w: %v", ErrStorageFailure, err)
	}
	if !revoked {
		reason, cause := audit.ReasonAlreadyUsed, ErrAlreadyUsed
		if cur, err := m.store.FindByCode(ctx, code); err == nil {
			switch cur.State {
			case StateRevoked:
				reason, cause = audit.ReasonRevoked, ErrRevoked
			case StateExpired:
				reason, cause = audit.ReasonExpired, ErrExpired
			}
		}
		m.auditRevoke(ctx, tok.SubjectID, requestedBy, audit.OutcomeFailure, reason, tok)
		return cause
	}

	m.auditRevoke(ctx, tok.SubjectID, requestedBy, audit.OutcomeSuccess, "", tok)
	obs.TokenRevoked()
	return nil
}

// ListActive returns the subject's tokens that are active and not
// logically expired. Read-only; never mutates state.
func (m *Manager) ListActive(ctx context.Context, subjectID string) ([]AccessToken, error) {
	toks, err := m.store.ListActive(ctx, subjectID, m.now().UTC())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageFailure, err)
	}
	return toks, nil
}

// Sweep marks stored-active tokens past their expiry as expired. Pure
// bookkeeping for storage and reporting hygiene; Validate never
// depends on it.
func (m *Manager) Sweep(ctx context.Context) (int, error) {
	n, err := m.store.MarkExpired(ctx, m.now().UTC())
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrStorageFailure, err)
	}
	obs.SweepExpired(n)
	return n, nil
}

// RunSweeper runs Sweep on the interval until the context is
// cancelled. Wire this from the process entrypoint so the schedule
// stays an explicit, independently testable concern.
func (m *Manager) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := m.Sweep(ctx)
			if err != nil {
				obs.LogRequest(map[string]any{"type": "sweep", "error": err.Error()})
				continue
			}
			if n > 0 {
				obs.LogRequest(map[string]any{"type": "sweep", "expired": n})
			}
		}
	}
}

// failValidate records the failed attempt and returns the typed error.
// An append failure here is counted and logged but does not mask the
// original failure: an ungranted-but-unaudited attempt is tolerable
// where a granted one is not.
func (m *Manager) failValidate(ctx context.Context, subjectID, actorID string, method audit.Method, reason audit.FailureReason, cause error) (Grant, error) {
	if _, err := m.ledger.Append(ctx, &audit.Entry{
		SubjectID:     subjectID,
		ActorID:       actorID,
		Action:        audit.ActionViewRecords,
		Method:        method,
		Outcome:       audit.OutcomeFailure,
		FailureReason: reason,
	}); err != nil {
		obs.AuditAppendFailed("validate", err)
	}
	obs.ValidationResult("failure", string(reason))
	return Grant{}, cause
}

func (m *Manager) auditIssue(ctx context.Context, subjectID, createdBy string, outcome audit.Outcome, reason audit.FailureReason, tok *AccessToken) {
	entry := &audit.Entry{
		SubjectID:     subjectID,
		ActorID:       createdBy,
		Action:        audit.ActionIssueToken,
		Method:        audit.MethodDirect,
		Outcome:       outcome,
		FailureReason: reason,
	}
	if tok != nil {
		entry.Metadata = map[string]string{
			"token_id":    tok.ID,
			"usage_mode":  string(tok.UsageMode),
			"permissions": tok.Permissions.String(),
			"expires_at":  tok.ExpiresAt.Format(time.RFC3339),
		}
	}
	if _, err := m.ledger.Append(ctx, entry); err != nil {
		obs.AuditAppendFailed("issue", err)
	}
}

func (m *Manager) auditRevoke(ctx context.Context, subjectID, requestedBy string, outcome audit.Outcome, reason audit.FailureReason, tok *AccessToken) {
	entry := &audit.Entry{
		SubjectID:     subjectID,
		ActorID:       requestedBy,
		Action:        audit.ActionRevokeToken,
		Method:        audit.MethodDirect,
		Outcome:       outcome,
		FailureReason: reason,
	}
	if tok != nil {
		entry.Metadata = map[string]string{"token_id": tok.ID}
	}
	if _, err := m.ledger.Append(ctx, entry); err != nil {
		obs.AuditAppendFailed("revoke", err)
	}
}
