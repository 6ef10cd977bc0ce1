// Package pg provides the PostgreSQL implementations of the token
// store and the audit ledger. The tokens table carries a partial
// unique index on code scoped to state='active'; state transitions are
// conditional updates on the current state, so concurrent consumers of
// the same token serialize on that one row and nothing else.
package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"medvault.org/internal/audit"
	"medvault.org/internal/ids"
	"medvault.org/internal/permission"
	"medvault.org/internal/token"
)

// pgUniqueViolation is the Postgres error code raised by the partial
// unique index on active codes.
const pgUniqueViolation = "23505"

type Store struct {
	db        *sql.DB
	threshold int
}

var (
	_ token.Store  = (*Store)(nil)
	_ audit.Ledger = (*Store)(nil)
)

// Option configures the Store.
type Option func(*Store)

// WithUnusualThreshold overrides the distinct-subject flagging
// threshold used by ActorActivity.
func WithUnusualThreshold(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.threshold = n
		}
	}
}

func Open(dsn string, opts ...Option) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	// Tuned pool defaults; adjust under load tests
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return NewStore(db, opts...), nil
}

// NewStore wraps an existing handle (used by tests with sqlmock).
func NewStore(db *sql.DB, opts ...Option) *Store {
	s := &Store{db: db, threshold: audit.DefaultUnusualThreshold}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

// --- token.Store ---

func (s *Store) Insert(ctx context.Context, tok *token.AccessToken) error {
	_, err := s.db.ExecContext(ctx, `
		insert into tokens(id, subject_id, code, issued_at, expires_at, permissions, usage_mode, state, created_by)
		values ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`, tok.ID, tok.SubjectID, tok.Code, tok.IssuedAt, tok.ExpiresAt,
		int(tok.Permissions), string(tok.UsageMode), string(tok.State), tok.CreatedBy)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return token.ErrCodeConflict
		}
		return err
	}
	return nil
}

const tokenColumns = `id, subject_id, code, issued_at, expires_at, permissions, usage_mode, state, revoked_at, coalesce(revoked_by,''), created_by`

// FindByCode returns the token currently holding the code. Codes may
// recur across retired tokens, so the active row wins, then the most
// recently issued.
func (s *Store) FindByCode(ctx context.Context, code string) (*token.AccessToken, error) {
	row := s.db.QueryRowContext(ctx, `
		select `+tokenColumns+`
		from tokens
		where code=$1
		order by (state='active') desc, issued_at desc
		limit 1
	`, code)
	tok, err := scanToken(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, token.ErrInvalidCode
	}
	if err != nil {
		return nil, err
	}
	return tok, nil
}

func (s *Store) ConsumeSingleUse(ctx context.Context, code string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		update tokens set state='used' where code=$1 and state='active'
	`, code)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 1 {
		return true, nil
	}

	var exists int
	err = s.db.QueryRowContext(ctx, `select 1 from tokens where code=$1 limit 1`, code).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return false, token.ErrInvalidCode
	}
	if err != nil {
		return false, err
	}
	return false, nil
}

// ReleaseSingleUse backs out the newest consumption of the code. The
// guard against an existing active holder is belt and braces: the
// partial unique index would reject the update anyway, which is mapped
// to a plain refusal rather than an error.
func (s *Store) ReleaseSingleUse(ctx context.Context, code string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		update tokens set state='active'
		where id = (
			select id from tokens
			where code=$1 and state='used'
			order by issued_at desc
			limit 1
		)
		and not exists (select 1 from tokens where code=$1 and state='active')
	`, code)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return false, nil
		}
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 1 {
		return true, nil
	}

	var exists int
	err = s.db.QueryRowContext(ctx, `select 1 from tokens where code=$1 limit 1`, code).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return false, token.ErrInvalidCode
	}
	if err != nil {
		return false, err
	}
	return false, nil
}

func (s *Store) Revoke(ctx context.Context, code, revokedBy string, revokedAt time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		update tokens set state='revoked', revoked_at=$2, revoked_by=$3
		where code=$1 and state='active'
	`, code, revokedAt, revokedBy)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 1 {
		return true, nil
	}

	var exists int
	err = s.db.QueryRowContext(ctx, `select 1 from tokens where code=$1 limit 1`, code).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return false, token.ErrInvalidCode
	}
	if err != nil {
		return false, err
	}
	return false, nil
}

func (s *Store) ListActive(ctx context.Context, subjectID string, now time.Time) ([]token.AccessToken, error) {
	rows, err := s.db.QueryContext(ctx, `
		select `+tokenColumns+`
		from tokens
		where subject_id=$1 and state='active' and expires_at >= $2
		order by issued_at desc
	`, subjectID, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []token.AccessToken
	for rows.Next() {
		tok, err := scanToken(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, *tok)
	}
	return res, rows.Err()
}

func (s *Store) MarkExpired(ctx context.Context, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		update tokens set state='expired' where state='active' and expires_at < $1
	`, now)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanToken(row rowScanner) (*token.AccessToken, error) {
	var (
		tok       token.AccessToken
		perms     int
		mode      string
		state     string
		revokedAt sql.NullTime
	)
	if err := row.Scan(&tok.ID, &tok.SubjectID, &tok.Code, &tok.IssuedAt, &tok.ExpiresAt,
		&perms, &mode, &state, &revokedAt, &tok.RevokedBy, &tok.CreatedBy); err != nil {
		return nil, err
	}
	tok.Permissions = permission.Set(perms)
	tok.UsageMode = token.UsageMode(mode)
	tok.State = token.State(state)
	if revokedAt.Valid {
		at := revokedAt.Time
		tok.RevokedAt = &at
	}
	return &tok, nil
}

// --- audit.Ledger ---

func (s *Store) Append(ctx context.Context, entry *audit.Entry) (string, error) {
	stored := *entry
	stored.ID = ids.New()
	if stored.Timestamp.IsZero() {
		stored.Timestamp = time.Now().UTC()
	}
	var meta []byte
	if len(stored.Metadata) > 0 {
		var err error
		meta, err = json.Marshal(stored.Metadata)
		if err != nil {
			return "", err
		}
	}

	_, err := s.db.ExecContext(ctx, `
		insert into audit_entries(id, subject_id, actor_id, action, method, outcome, failure_reason, ts, metadata)
		values ($1,$2,$3,$4,$5,$6,nullif($7,''),$8,$9)
	`, stored.ID, stored.SubjectID, stored.ActorID, string(stored.Action), string(stored.Method),
		string(stored.Outcome), string(stored.FailureReason), stored.Timestamp, meta)
	if err != nil {
		return "", err
	}
	audit.LogAppend(ctx, stored)
	return stored.ID, nil
}

func (s *Store) Query(ctx context.Context, q audit.Query) ([]audit.Entry, string, error) {
	limit := q.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}

	var from, to sql.NullTime
	if !q.From.IsZero() {
		from = sql.NullTime{Time: q.From, Valid: true}
	}
	if !q.To.IsZero() {
		to = sql.NullTime{Time: q.To, Valid: true}
	}

	rows, err := s.db.QueryContext(ctx, `
		select id, subject_id, coalesce(actor_id,''), action, method, outcome, coalesce(failure_reason,''), ts, metadata
		from audit_entries
		where subject_id=$1
		  and ($2::timestamptz is null or ts >= $2)
		  and ($3::timestamptz is null or ts <= $3)
		  and ($4 = '' or id > $4)
		order by ts asc, id asc
		limit $5
	`, q.SubjectID, from, to, q.AfterID, limit)
	if err != nil {
		return nil, "", err
	}
	defer rows.Close()

	var res []audit.Entry
	for rows.Next() {
		var (
			e    audit.Entry
			meta []byte
		)
		if err := rows.Scan(&e.ID, &e.SubjectID, &e.ActorID, &e.Action, &e.Method,
			&e.Outcome, &e.FailureReason, &e.Timestamp, &meta); err != nil {
			return nil, "", err
		}
		if len(meta) > 0 {
			_ = json.Unmarshal(meta, &e.Metadata)
		}
		res = append(res, e)
	}
	if err := rows.Err(); err != nil {
		return nil, "", err
	}

	var next string
	if len(res) == limit {
		next = res[len(res)-1].ID
	}
	return res, next, nil
}

func (s *Store) ActorActivity(ctx context.Context, actorID string, window time.Duration) (audit.ActivitySummary, error) {
	since := time.Now().UTC().Add(-window)
	summary := audit.ActivitySummary{
		ActorID:  actorID,
		Since:    since,
		Subjects: map[string]int{},
	}

	rows, err := s.db.QueryContext(ctx, `
		select subject_id, count(*)
		from audit_entries
		where actor_id=$1 and ts >= $2
		group by subject_id
	`, actorID, since)
	if err != nil {
		return audit.ActivitySummary{}, err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			subject string
			count   int
		)
		if err := rows.Scan(&subject, &count); err != nil {
			return audit.ActivitySummary{}, err
		}
		summary.Subjects[subject] = count
		summary.TotalAccesses += count
	}
	if err := rows.Err(); err != nil {
		return audit.ActivitySummary{}, err
	}

	summary.DistinctSubjects = len(summary.Subjects)
	summary.Unusual = summary.DistinctSubjects > s.threshold
	return summary, nil
}
