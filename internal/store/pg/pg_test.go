package pg

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"

	"carevault.org/internal/audit"
	"carevault.org/internal/auth"
	"carevault.org/internal/records"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewWithDB(db), mock
}

var userRowColumns = []string{
	"id", "email", "full_name", "phone", "password_hash", "role_id",
	"location_id", "team_id", "status", "failed_logins", "locked_until",
	"created_at", "updated_at",
}

func TestUserFind(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now().UTC()

	mock.ExpectQuery("select (.+) from users where id =").
		WithArgs("u1").
		WillReturnRows(sqlmock.NewRows(userRowColumns).
			AddRow("u1", "a@x.org", "Ada", "", "hash", "r1", "", "", "active", 0, nil, now, now))

	u, err := store.Users(context.Background()).Find(context.Background(), "u1")
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	if u.Email != "a@x.org" || u.LockedUntil != nil {
		t.Fatalf("unexpected user: %+v", u)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestUserFindNotFound(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectQuery("select (.+) from users where id =").
		WithArgs("ghost").
		WillReturnRows(sqlmock.NewRows(userRowColumns))

	_, err := store.Users(context.Background()).Find(context.Background(), "ghost")
	if !errors.Is(err, auth.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestUserCreateDuplicateEmail(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectExec("insert into users").
		WillReturnError(&pgconn.PgError{Code: pgErrUniqueViolation})

	err := store.Users(context.Background()).Create(context.Background(), &auth.User{
		ID: "u1", Email: "a@x.org", RoleID: "r1", Status: auth.UserStatusActive,
	})
	if !errors.Is(err, auth.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestRegisterFailureSetsLock(t *testing.T) {
	store, mock := newMockStore(t)
	until := time.Now().Add(15 * time.Minute).UTC()

	mock.ExpectQuery("update users").
		WithArgs("u1", 5, until).
		WillReturnRows(sqlmock.NewRows([]string{"failed_logins", "locked_until"}).AddRow(5, until))

	attempts, locked, err := store.Users(context.Background()).RegisterFailure(context.Background(), "u1", 5, until)
	if err != nil {
		t.Fatalf("RegisterFailure: %v", err)
	}
	if attempts != 5 || locked == nil || !locked.Equal(until) {
		t.Fatalf("expected lock at threshold, got attempts=%d locked=%v", attempts, locked)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestRegisterFailureReplacesExpiredLock(t *testing.T) {
	store, mock := newMockStore(t)
	until := time.Now().Add(15 * time.Minute).UTC()

	// The statement must treat a lapsed locked_until as no lock at all, so an
	// account that accumulated fresh failures locks again.
	mock.ExpectQuery(`locked_until is null or locked_until <= now\(\)`).
		WithArgs("u1", 3, until).
		WillReturnRows(sqlmock.NewRows([]string{"failed_logins", "locked_until"}).AddRow(4, until))

	attempts, locked, err := store.Users(context.Background()).RegisterFailure(context.Background(), "u1", 3, until)
	if err != nil {
		t.Fatalf("RegisterFailure: %v", err)
	}
	if attempts != 4 || locked == nil || !locked.Equal(until) {
		t.Fatalf("expected fresh lock past threshold, got attempts=%d locked=%v", attempts, locked)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestRoleDeleteWhileReferenced(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectExec("delete from roles").
		WithArgs("r1").
		WillReturnError(&pgconn.PgError{Code: pgErrForeignKeyViolation})

	err := store.Roles(context.Background()).Delete(context.Background(), "r1")
	if !errors.Is(err, auth.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
}

func TestSetForRoleTransactional(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectExec("delete from role_permissions").WithArgs("r1").
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectExec("insert into role_permissions").WithArgs("r1", "p1").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("insert into role_permissions").WithArgs("r1", "p2").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	err := store.Permissions(context.Background()).SetForRole(context.Background(), "r1", []string{"p1", "p2"})
	if err != nil {
		t.Fatalf("SetForRole: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestOtpConsume(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now().UTC()

	mock.ExpectExec("update otp_challenges").
		WithArgs("a@x.org", "hash", now).
		WillReturnResult(sqlmock.NewResult(0, 1))
	if err := store.OtpChallenges(context.Background()).Consume(context.Background(), "a@x.org", "hash", now); err != nil {
		t.Fatalf("Consume: %v", err)
	}

	mock.ExpectExec("update otp_challenges").
		WithArgs("a@x.org", "hash", now).
		WillReturnResult(sqlmock.NewResult(0, 0))
	err := store.OtpChallenges(context.Background()).Consume(context.Background(), "a@x.org", "hash", now)
	if !errors.Is(err, auth.ErrInvalidOtp) {
		t.Fatalf("expected ErrInvalidOtp, got %v", err)
	}
}

func TestSearchScopedQuery(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now().UTC()
	dob := time.Date(1990, 5, 4, 0, 0, 0, 0, time.UTC)

	mock.ExpectQuery("select count").
		WithArgs("owner-a", "%ada%").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))
	mock.ExpectQuery("select id, record_key").
		WithArgs("owner-a", "%ada%", 50, 0).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "record_key", "first_name", "last_name", "date_of_birth",
			"gender", "owner_id", "created_at", "updated_at",
		}).AddRow("r1", "P-001", "Ada", "Mensah", dob, "female", "owner-a", now, now))

	recs, total, err := store.Search(context.Background(),
		records.Scope{OwnerID: "owner-a"},
		records.Query{Search: "ada", SortKey: records.SortLastName, Limit: 50})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if total != 1 || len(recs) != 1 || recs[0].RecordKey != "P-001" {
		t.Fatalf("unexpected result: total=%d recs=%v", total, recs)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestInsertDuplicateKey(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectExec("insert into patients").
		WillReturnError(&pgconn.PgError{Code: pgErrUniqueViolation})

	err := store.Insert(context.Background(), &records.Record{ID: "r1", RecordKey: "P-001"})
	if !errors.Is(err, records.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
}

func TestInsertBatchCommitsWithAudit(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now().UTC()
	recs := []*records.Record{
		{ID: "r1", RecordKey: "P-001", CreatedAt: now, UpdatedAt: now},
		{ID: "r2", RecordKey: "P-002", CreatedAt: now, UpdatedAt: now},
	}
	entry := &audit.Entry{ID: "a1", OccurredAt: now, ActorID: "u1", Action: "UPLOAD_PATIENTS", Outcome: "success"}

	mock.ExpectBegin()
	mock.ExpectExec("insert into patients").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("insert into patients").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("insert into audit_log").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	if err := store.InsertBatch(context.Background(), recs, entry); err != nil {
		t.Fatalf("InsertBatch: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestInsertBatchRollsBackOnDuplicate(t *testing.T) {
	store, mock := newMockStore(t)
	recs := []*records.Record{{ID: "r1", RecordKey: "P-001"}}
	entry := &audit.Entry{ID: "a1", Action: "UPLOAD_PATIENTS"}

	mock.ExpectBegin()
	mock.ExpectExec("insert into patients").
		WillReturnError(&pgconn.PgError{Code: pgErrUniqueViolation})
	mock.ExpectRollback()

	err := store.InsertBatch(context.Background(), recs, entry)
	if !errors.Is(err, records.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestDeleteNotFound(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectExec("delete from patients").
		WithArgs("ghost").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := store.Delete(context.Background(), "ghost")
	if !errors.Is(err, records.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestAuditTail(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now().UTC()

	mock.ExpectQuery("select id, occurred_at").
		WithArgs("%LOGIN%", 200).
		WillReturnRows(sqlmock.NewRows([]string{"id", "occurred_at", "actor_id", "action", "details", "outcome"}).
			AddRow("a2", now, "u1", "LOGIN_FAILED", "attempt 1", "denied").
			AddRow("a1", now.Add(-time.Second), "u1", "LOGIN_SUCCESS", "", "success"))

	entries, err := store.Tail(context.Background(), "LOGIN", 200)
	if err != nil {
		t.Fatalf("Tail: %v", err)
	}
	if len(entries) != 2 || entries[0].Action != "LOGIN_FAILED" {
		t.Fatalf("unexpected entries: %v", entries)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}
