package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"carevault.org/internal/audit"
	"carevault.org/internal/auth"
	"carevault.org/internal/records"
)

var (
	_ auth.Store    = (*Store)(nil)
	_ records.Store = (*Store)(nil)
	_ audit.Store   = (*Store)(nil)
)

func TestUserLifecycle(t *testing.T) {
	ctx := context.Background()
	s := New()
	users := s.Users(ctx)

	u := &auth.User{ID: "u1", Email: "a@x.org", RoleID: "r1", Status: auth.UserStatusActive}
	if err := users.Create(ctx, u); err != nil {
		t.Fatal(err)
	}
	if err := users.Create(ctx, &auth.User{ID: "u2", Email: "a@x.org"}); !errors.Is(err, auth.ErrConflict) {
		t.Fatalf("expected ErrConflict on duplicate email, got %v", err)
	}

	got, err := users.FindByEmail(ctx, "a@x.org")
	if err != nil || got.ID != "u1" {
		t.Fatalf("expected u1, got %v (%v)", got, err)
	}

	// Returned values are copies; mutating them must not leak into the store.
	got.Email = "tampered@x.org"
	again, err := users.Find(ctx, "u1")
	if err != nil || again.Email != "a@x.org" {
		t.Fatalf("expected stored email untouched, got %v (%v)", again, err)
	}
}

func TestRegisterFailureLocksAtThreshold(t *testing.T) {
	ctx := context.Background()
	s := New()
	users := s.Users(ctx)
	if err := users.Create(ctx, &auth.User{ID: "u1", Email: "a@x.org"}); err != nil {
		t.Fatal(err)
	}
	until := time.Now().Add(15 * time.Minute)

	for i := 1; i <= 2; i++ {
		attempts, locked, err := users.RegisterFailure(ctx, "u1", 3, until)
		if err != nil {
			t.Fatal(err)
		}
		if attempts != i || locked != nil {
			t.Fatalf("attempt %d: expected no lock, got attempts=%d locked=%v", i, attempts, locked)
		}
	}
	attempts, locked, err := users.RegisterFailure(ctx, "u1", 3, until)
	if err != nil {
		t.Fatal(err)
	}
	if attempts != 3 || locked == nil || !locked.Equal(until) {
		t.Fatalf("expected lock at threshold, got attempts=%d locked=%v", attempts, locked)
	}

	if err := users.ResetFailures(ctx, "u1"); err != nil {
		t.Fatal(err)
	}
	u, _ := users.Find(ctx, "u1")
	if u.FailedLogins != 0 || u.LockedUntil != nil {
		t.Fatal("expected reset to clear lock state")
	}
}

func TestRegisterFailureReplacesExpiredLock(t *testing.T) {
	ctx := context.Background()
	s := New()
	users := s.Users(ctx)
	if err := users.Create(ctx, &auth.User{ID: "u1", Email: "a@x.org"}); err != nil {
		t.Fatal(err)
	}

	stale := time.Now().Add(-time.Minute).UTC()
	for i := 0; i < 3; i++ {
		if _, _, err := users.RegisterFailure(ctx, "u1", 3, stale); err != nil {
			t.Fatal(err)
		}
	}

	fresh := time.Now().Add(15 * time.Minute).UTC()
	attempts, locked, err := users.RegisterFailure(ctx, "u1", 3, fresh)
	if err != nil {
		t.Fatal(err)
	}
	if attempts != 4 || locked == nil || !locked.Equal(fresh) {
		t.Fatalf("expected expired lock replaced, got attempts=%d locked=%v", attempts, locked)
	}

	// An active lock stays put.
	later := time.Now().Add(30 * time.Minute).UTC()
	_, locked, err = users.RegisterFailure(ctx, "u1", 3, later)
	if err != nil {
		t.Fatal(err)
	}
	if locked == nil || !locked.Equal(fresh) {
		t.Fatalf("expected active lock untouched, got %v", locked)
	}
}

func TestRoleDeleteBlockedWhileReferenced(t *testing.T) {
	ctx := context.Background()
	s := New()
	if err := s.Roles(ctx).Create(ctx, &auth.Role{ID: "r1", Name: "clinician"}); err != nil {
		t.Fatal(err)
	}
	if err := s.Users(ctx).Create(ctx, &auth.User{ID: "u1", Email: "a@x.org", RoleID: "r1"}); err != nil {
		t.Fatal(err)
	}
	if err := s.Roles(ctx).Delete(ctx, "r1"); !errors.Is(err, auth.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
}

func TestSetForRoleReplacesAtomically(t *testing.T) {
	ctx := context.Background()
	s := New()
	perms := s.Permissions(ctx)
	if err := perms.Ensure(ctx, []auth.Permission{
		{ID: "p1", Key: "patient.read"},
		{ID: "p2", Key: "patient.update"},
	}); err != nil {
		t.Fatal(err)
	}
	if err := perms.SetForRole(ctx, "r1", []string{"p1", "p2"}); err != nil {
		t.Fatal(err)
	}
	if err := perms.SetForRole(ctx, "r1", []string{"p2"}); err != nil {
		t.Fatal(err)
	}
	got, err := perms.ForRole(ctx, "r1")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].ID != "p2" {
		t.Fatalf("expected replacement, got %v", got)
	}
}

func TestOtpConsumeSingleUse(t *testing.T) {
	ctx := context.Background()
	s := New()
	otps := s.OtpChallenges(ctx)
	now := time.Now().UTC()
	ch := &auth.OtpChallenge{ID: "c1", Email: "a@x.org", CodeHash: "h1", ExpiresAt: now.Add(time.Minute)}
	if err := otps.Replace(ctx, ch); err != nil {
		t.Fatal(err)
	}
	if err := otps.Consume(ctx, "a@x.org", "wrong", now); !errors.Is(err, auth.ErrInvalidOtp) {
		t.Fatalf("expected ErrInvalidOtp for wrong hash, got %v", err)
	}
	if err := otps.Consume(ctx, "a@x.org", "h1", now); err != nil {
		t.Fatal(err)
	}
	if err := otps.Consume(ctx, "a@x.org", "h1", now); !errors.Is(err, auth.ErrInvalidOtp) {
		t.Fatalf("expected ErrInvalidOtp on reuse, got %v", err)
	}
}

func seedRecord(t *testing.T, s *Store, id, key, owner, first string) {
	t.Helper()
	err := s.Insert(context.Background(), &records.Record{
		ID:          id,
		RecordKey:   key,
		FirstName:   first,
		LastName:    "Mensah",
		DateOfBirth: time.Date(1990, 1, 1, 0, 0, 0, 0, time.UTC),
		Gender:      "female",
		OwnerID:     owner,
		CreatedAt:   time.Now().UTC(),
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestSearchScopeFilterAndSort(t *testing.T) {
	ctx := context.Background()
	s := New()
	seedRecord(t, s, "r1", "P-002", "owner-a", "Ada")
	seedRecord(t, s, "r2", "P-001", "owner-a", "Kofi")
	seedRecord(t, s, "r3", "P-003", "owner-b", "Ada")

	recs, total, err := s.Search(ctx, records.Scope{OwnerID: "owner-a"},
		records.Query{SortKey: records.SortRecordKey, Limit: 10})
	if err != nil {
		t.Fatal(err)
	}
	if total != 2 || len(recs) != 2 || recs[0].RecordKey != "P-001" {
		t.Fatalf("expected scoped sorted results, got total=%d %v", total, recs)
	}

	recs, total, err = s.Search(ctx, records.Scope{All: true},
		records.Query{Search: "ada", SortKey: records.SortRecordKey, Limit: 10})
	if err != nil {
		t.Fatal(err)
	}
	if total != 2 || recs[0].RecordKey != "P-002" || recs[1].RecordKey != "P-003" {
		t.Fatalf("expected case-insensitive name match, got %v", recs)
	}

	recs, _, err = s.Search(ctx, records.Scope{All: true},
		records.Query{SortKey: records.SortRecordKey, SortDesc: true, Limit: 1})
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 1 || recs[0].RecordKey != "P-003" {
		t.Fatalf("expected descending sort, got %v", recs)
	}
}

func TestInsertBatchAtomic(t *testing.T) {
	ctx := context.Background()
	s := New()
	seedRecord(t, s, "r1", "P-001", "owner-a", "Ada")

	entry := &audit.Entry{ID: "a1", Action: "UPLOAD_PATIENTS", OccurredAt: time.Now().UTC()}
	batch := []*records.Record{
		{ID: "r2", RecordKey: "P-002"},
		{ID: "r3", RecordKey: "P-001"}, // collides with the seeded record
	}
	if err := s.InsertBatch(ctx, batch, entry); !errors.Is(err, records.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	if _, err := s.Get(ctx, "r2"); !errors.Is(err, records.ErrNotFound) {
		t.Fatal("expected failed batch to write nothing")
	}
	tail, err := s.Tail(ctx, "", 10)
	if err != nil || len(tail) != 0 {
		t.Fatalf("expected no audit entry from failed batch, got %v (%v)", tail, err)
	}

	good := []*records.Record{{ID: "r4", RecordKey: "P-004"}, {ID: "r5", RecordKey: "P-005"}}
	if err := s.InsertBatch(ctx, good, entry); err != nil {
		t.Fatal(err)
	}
	tail, err = s.Tail(ctx, "UPLOAD", 10)
	if err != nil || len(tail) != 1 {
		t.Fatalf("expected batch audit entry, got %v (%v)", tail, err)
	}
}

func TestTailNewestFirst(t *testing.T) {
	ctx := context.Background()
	s := New()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		err := s.Append(ctx, &audit.Entry{
			ID:         string(rune('a' + i)),
			Action:     "LOGIN_SUCCESS",
			OccurredAt: base.Add(time.Duration(i) * time.Second),
		})
		if err != nil {
			t.Fatal(err)
		}
	}
	tail, err := s.Tail(ctx, "", 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(tail) != 2 || !tail[0].OccurredAt.After(tail[1].OccurredAt) {
		t.Fatalf("expected newest-first page of 2, got %v", tail)
	}
}
