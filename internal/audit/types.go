package audit

import (
	"errors"
	"time"
)

// Action identifies the operation an actor attempted.
type Action string

const (
	ActionViewRecords Action = "view_records"
	ActionIssueToken  Action = "issue_token"
	ActionRevokeToken Action = "revoke_token"
)

// Method identifies how the access was presented.
type Method string

const (
	MethodDirect     Method = "direct"
	MethodAccessCode Method = "access_code"
	MethodQRCode     Method = "qr_code"
)

// Outcome is the result of the attempted operation.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
)

// FailureReason classifies a failed attempt. Populated iff the
// outcome is OutcomeFailure.
type FailureReason string

const (
	ReasonInvalidCode       FailureReason = "invalid_code"
	ReasonExpired           FailureReason = "expired"
	ReasonRevoked           FailureReason = "revoked"
	ReasonAlreadyUsed       FailureReason = "already_used"
	ReasonPermissionDenied  FailureReason = "permission_denied"
	ReasonDecryptionFailure FailureReason = "decryption_failure"
	ReasonStorageFailure    FailureReason = "storage_failure"
)

// UnknownSubject is recorded when an attempt never resolved to a real
// subject: an unknown code or an undecryptable payload still produces
// an entry.
const UnknownSubject = "unknown"

// Entry is one immutable access record. Once appended it is never
// updated or deleted; the Ledger interface exposes no way to do so.
type Entry struct {
	ID            string            `json:"id"`
	SubjectID     string            `json:"subject_id"`
	ActorID       string            `json:"actor_id,omitempty"`
	Action        Action            `json:"action"`
	Method        Method            `json:"method"`
	Outcome       Outcome           `json:"outcome"`
	FailureReason FailureReason     `json:"failure_reason,omitempty"`
	Timestamp     time.Time         `json:"timestamp"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

var (
	ErrInvalidEntry = errors.New("audit: invalid entry")
	ErrAppendFailed = errors.New("audit: append failed")
)

// validate checks the fields every durable entry must carry. ActorID
// may be empty: failed attempts can come from unauthenticated actors.
func (e *Entry) validate() error {
	if e == nil {
		return ErrInvalidEntry
	}
	if e.SubjectID == "" || e.Action == "" || e.Method == "" {
		return ErrInvalidEntry
	}
	switch e.Outcome {
	case OutcomeSuccess:
		if e.FailureReason != "" {
			return ErrInvalidEntry
		}
	case OutcomeFailure:
		if e.FailureReason == "" {
			return ErrInvalidEntry
		}
	default:
		return ErrInvalidEntry
	}
	return nil
}
