package pg

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"medvault.org/internal/audit"
	"medvault.org/internal/token"
)

func newMockStore(t *testing.T, opts ...Option) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewStore(db, opts...), mock
}

func tokenRows() *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "subject_id", "code", "issued_at", "expires_at",
		"permissions", "usage_mode", "state", "revoked_at", "revoked_by", "created_by",
	})
}

func TestConsumeSingleUseWinsRace(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec("update tokens set state='used'").
		WithArgs("CODE1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	ok, err := s.ConsumeSingleUse(context.Background(), "CODE1")
	if err != nil {
		t.Fatalf("consume: %v", err)
	}
	if !ok {
		t.Fatal("expected consume to succeed")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestConsumeSingleUseLosesRace(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec("update tokens set state='used'").
		WithArgs("CODE1").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("select 1 from tokens").
		WithArgs("CODE1").
		WillReturnRows(sqlmock.NewRows([]string{"?column?"}).AddRow(1))

	ok, err := s.ConsumeSingleUse(context.Background(), "CODE1")
	if err != nil {
		t.Fatalf("consume: %v", err)
	}
	if ok {
		t.Fatal("expected consume to report the token as no longer active")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestConsumeSingleUseUnknownCode(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec("update tokens set state='used'").
		WithArgs("MISSING").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("select 1 from tokens").
		WithArgs("MISSING").
		WillReturnRows(sqlmock.NewRows([]string{"?column?"}))

	if _, err := s.ConsumeSingleUse(context.Background(), "MISSING"); !errors.Is(err, token.ErrInvalidCode) {
		t.Fatalf("expected ErrInvalidCode, got %v", err)
	}
}

func TestReleaseSingleUse(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec("update tokens set state='active'").
		WithArgs("CODE1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	ok, err := s.ReleaseSingleUse(context.Background(), "CODE1")
	if err != nil || !ok {
		t.Fatalf("release: ok=%v err=%v", ok, err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestReleaseSingleUseRefusedWhenCodeReassigned(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec("update tokens set state='active'").
		WithArgs("CODE1").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("select 1 from tokens").
		WithArgs("CODE1").
		WillReturnRows(sqlmock.NewRows([]string{"?column?"}).AddRow(1))

	ok, err := s.ReleaseSingleUse(context.Background(), "CODE1")
	if err != nil {
		t.Fatalf("release: %v", err)
	}
	if ok {
		t.Fatal("expected release to refuse when no used row can be restored")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestReleaseSingleUseUnknownCode(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec("update tokens set state='active'").
		WithArgs("MISSING").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("select 1 from tokens").
		WithArgs("MISSING").
		WillReturnRows(sqlmock.NewRows([]string{"?column?"}))

	if _, err := s.ReleaseSingleUse(context.Background(), "MISSING"); !errors.Is(err, token.ErrInvalidCode) {
		t.Fatalf("expected ErrInvalidCode, got %v", err)
	}
}

func TestRevokeConditionalUpdate(t *testing.T) {
	s, mock := newMockStore(t)
	now := time.Now().UTC()

	mock.ExpectExec("update tokens set state='revoked'").
		WithArgs("CODE1", now, "P1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	ok, err := s.Revoke(context.Background(), "CODE1", "P1", now)
	if err != nil || !ok {
		t.Fatalf("revoke: ok=%v err=%v", ok, err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestFindByCode(t *testing.T) {
	s, mock := newMockStore(t)
	issued := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	expires := issued.Add(time.Hour)

	mock.ExpectQuery("select .+ from tokens").
		WithArgs("CODE1").
		WillReturnRows(tokenRows().AddRow(
			"tok-1", "P1", "CODE1", issued, expires,
			1, "single_use", "active", nil, "", "P1",
		))

	tok, err := s.FindByCode(context.Background(), "CODE1")
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if tok.ID != "tok-1" || tok.State != token.StateActive || tok.UsageMode != token.SingleUse {
		t.Fatalf("unexpected token: %+v", tok)
	}

	mock.ExpectQuery("select .+ from tokens").
		WithArgs("MISSING").
		WillReturnRows(tokenRows())
	if _, err := s.FindByCode(context.Background(), "MISSING"); !errors.Is(err, token.ErrInvalidCode) {
		t.Fatalf("expected ErrInvalidCode, got %v", err)
	}
}

func TestMarkExpired(t *testing.T) {
	s, mock := newMockStore(t)
	now := time.Now().UTC()

	mock.ExpectExec("update tokens set state='expired'").
		WithArgs(now).
		WillReturnResult(sqlmock.NewResult(0, 3))

	n, err := s.MarkExpired(context.Background(), now)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if n != 3 {
		t.Fatalf("expected 3 swept rows, got %d", n)
	}
}

func TestAppendInsertsAndAssignsID(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec("insert into audit_entries").
		WithArgs(sqlmock.AnyArg(), "P1", "D1", "view_records", "access_code",
			"success", "", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	id, err := s.Append(context.Background(), &audit.Entry{
		SubjectID: "P1",
		ActorID:   "D1",
		Action:    audit.ActionViewRecords,
		Method:    audit.MethodAccessCode,
		Outcome:   audit.OutcomeSuccess,
		Metadata:  map[string]string{"token_id": "tok-1"},
	})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if id == "" {
		t.Fatal("expected assigned id")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestAppendSurfacesStorageFault(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec("insert into audit_entries").
		WillReturnError(errors.New("connection refused"))

	if _, err := s.Append(context.Background(), &audit.Entry{
		SubjectID: "P1",
		Action:    audit.ActionViewRecords,
		Method:    audit.MethodAccessCode,
		Outcome:   audit.OutcomeSuccess,
	}); err == nil {
		t.Fatal("append failure must be reported, never dropped")
	}
}

func TestQueryPagination(t *testing.T) {
	s, mock := newMockStore(t)
	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	rows := sqlmock.NewRows([]string{
		"id", "subject_id", "actor_id", "action", "method", "outcome", "failure_reason", "ts", "metadata",
	})
	for _, id := range []string{"01A", "01B"} {
		rows.AddRow(id, "P1", "D1", "view_records", "access_code", "success", "", ts, nil)
	}
	mock.ExpectQuery("select .+ from audit_entries").
		WithArgs("P1", sqlmock.AnyArg(), sqlmock.AnyArg(), "", 2).
		WillReturnRows(rows)

	entries, next, err := s.Query(context.Background(), audit.Query{SubjectID: "P1", Limit: 2})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if next != "01B" {
		t.Fatalf("expected cursor at last entry, got %q", next)
	}
}

func TestActorActivityAggregates(t *testing.T) {
	s, mock := newMockStore(t, WithUnusualThreshold(2))

	mock.ExpectQuery("select subject_id, count").
		WithArgs("D1", sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"subject_id", "count"}).
			AddRow("P1", 4).
			AddRow("P2", 1).
			AddRow("P3", 2))

	summary, err := s.ActorActivity(context.Background(), "D1", time.Hour)
	if err != nil {
		t.Fatalf("actor activity: %v", err)
	}
	if summary.DistinctSubjects != 3 || summary.TotalAccesses != 7 {
		t.Fatalf("unexpected summary: %+v", summary)
	}
	if !summary.Unusual {
		t.Fatal("expected activity above threshold to be flagged")
	}
}
