package token

import (
	"context"
	"time"
)

// Store is the single source of truth for token state. Implementations
// must serialize concurrent mutation of the same token (compare-and-set
// or an equivalent serializable transaction) while allowing unrelated
// tokens to proceed independently.
type Store interface {
	// Insert persists a new token in the active state. It fails with
	// ErrCodeConflict when another active token already holds the
	// same code.
	Insert(ctx context.Context, tok *AccessToken) error

	// FindByCode returns the token holding the code in any state, or
	// ErrInvalidCode when none exists.
	FindByCode(ctx context.Context, code string) (*AccessToken, error)

	// ConsumeSingleUse atomically transitions active -> used. It
	// reports false, without error, when the token was no longer
	// active; concurrent callers therefore observe exactly one true.
	ConsumeSingleUse(ctx context.Context, code string) (bool, error)

	// ReleaseSingleUse transitions used -> active, backing out a
	// consumption whose success audit entry could not be written so
	// the validation attempt fully aborts. It reports false when no
	// used token holds the code or when a newer active token has
	// claimed it in the meantime.
	ReleaseSingleUse(ctx context.Context, code string) (bool, error)

	// Revoke atomically transitions active -> revoked, recording who
	// revoked and when. It reports false when the token was no longer
	// active.
	Revoke(ctx context.Context, code, revokedBy string, revokedAt time.Time) (bool, error)

	// ListActive returns tokens stored active and not logically
	// expired at the given instant, newest first.
	ListActive(ctx context.Context, subjectID string, now time.Time) ([]AccessToken, error)

	// MarkExpired is the housekeeping sweep: it transitions stored
	// active tokens past their expiry to expired and returns how many
	// it touched. Validation never depends on this having run.
	MarkExpired(ctx context.Context, now time.Time) (int, error)
}
