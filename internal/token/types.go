package token

import (
	"crypto/rand"
	"errors"
	"fmt"
	"time"

	"medvault.org/internal/permission"
)

// UsageMode controls whether a token survives its first successful
// validation.
type UsageMode string

const (
	SingleUse UsageMode = "single_use"
	MultiUse  UsageMode = "multi_use"
)

// Valid reports whether the mode is one of the defined values.
func (m UsageMode) Valid() bool {
	return m == SingleUse || m == MultiUse
}

// State is the stored lifecycle state of a token. Transitions are
// one-directional: active may become used, revoked, or expired, and
// nothing ever transitions back.
type State string

const (
	StateActive  State = "active"
	StateUsed    State = "used"
	StateRevoked State = "revoked"
	StateExpired State = "expired"
)

// AccessToken is a short-lived credential granting scoped access to
// one subject's records.
type AccessToken struct {
	ID          string         `json:"id"`
	SubjectID   string         `json:"subject_id"`
	Code        string         `json:"code"`
	IssuedAt    time.Time      `json:"issued_at"`
	ExpiresAt   time.Time      `json:"expires_at"`
	Permissions permission.Set `json:"permissions"`
	UsageMode   UsageMode      `json:"usage_mode"`
	State       State          `json:"state"`
	RevokedAt   *time.Time     `json:"revoked_at,omitempty"`
	RevokedBy   string         `json:"revoked_by,omitempty"`
	CreatedBy   string         `json:"created_by"`
}

// ExpiredAt reports whether the token is logically expired at the
// given instant, regardless of the stored state. Validation always
// consults this, never the expiry sweep.
func (t *AccessToken) ExpiredAt(now time.Time) bool {
	return now.After(t.ExpiresAt)
}

var (
	ErrInvalidCode        = errors.New("token: invalid code")
	ErrExpired            = errors.New("token: expired")
	ErrRevoked            = errors.New("token: revoked")
	ErrAlreadyUsed        = errors.New("token: already used")
	ErrPermissionDenied   = errors.New("token: permission denied")
	ErrDecryptionFailure  = errors.New("token: decryption failure")
	ErrStorageFailure     = errors.New("token: storage failure")
	ErrCollisionExhausted = errors.New("token: code collision retries exhausted")

	ErrInvalidDuration    = errors.New("token: duration must be positive and within the configured maximum")
	ErrInvalidPermissions = errors.New("token: permission set is empty or outside the closed vocabulary")

	// ErrCodeConflict is returned by Store.Insert when another active
	// token already holds the code. The manager retries with a fresh
	// code; callers outside this package only ever see
	// ErrCollisionExhausted.
	ErrCodeConflict = errors.New("token: active code already exists")
)

// codeAlphabet is the Crockford base32 set: visually ambiguous
// letters (I, L, O, U) removed so codes survive being read aloud or
// typed from a printout. 32 symbols means each character carries
// exactly 5 bits, so masking a random byte introduces no bias.
const codeAlphabet = "0123456789ABCDEFGHJKMNPQRSTVWXYZ"

// GenerateCode produces a high-entropy printable code of the given
// length from a cryptographically secure source. An 8-character code
// carries 40 bits of entropy, far beyond online guessing within any
// permitted token lifetime.
func GenerateCode(length int) (string, error) {
	if length <= 0 {
		return "", fmt.Errorf("code length must be positive, got %d", length)
	}
	buf := make([]byte, length)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("read random bytes: %w", err)
	}
	out := make([]byte, length)
	for i, b := range buf {
		out[i] = codeAlphabet[int(b)&31]
	}
	return string(out), nil
}
