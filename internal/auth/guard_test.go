package auth

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestAuthorize(t *testing.T) {
	user := &User{ID: "u1", Status: UserStatusActive}
	role := &Role{ID: "r1", Name: "clinician"}
	perms := []Permission{{ID: "p1", Key: PermReadPatients}}

	p := NewPrincipal(user, role, perms)
	if !Authorize(p, PermReadPatients) {
		t.Fatal("expected active user with permission to be authorized")
	}
	if Authorize(p, PermDeletePatients) {
		t.Fatal("expected missing permission to be denied")
	}

	disabled := *user
	disabled.Status = UserStatusDisabled
	if Authorize(NewPrincipal(&disabled, role, perms), PermReadPatients) {
		t.Fatal("expected disabled user to be denied")
	}
	if Authorize(Principal{}, PermReadPatients) {
		t.Fatal("expected empty principal to be denied")
	}
}

func TestAuthorizeNoTransitiveGrants(t *testing.T) {
	user := &User{ID: "u1", Status: UserStatusActive}
	role := &Role{ID: "r1", Name: "auditor"}
	p := NewPrincipal(user, role, []Permission{{ID: "p1", Key: PermReadAllPatients}})

	// Holding the broad read grant must not imply the narrow one.
	if Authorize(p, PermReadPatients) {
		t.Fatal("expected patient.read.all not to imply patient.read")
	}
}

func TestRequire(t *testing.T) {
	p := NewPrincipal(&User{ID: "u1", Status: UserStatusActive}, &Role{ID: "r1"}, nil)
	err := Require(p, PermManageUsers)
	if !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
}

func TestServicePrincipalResolvesFreshPermissions(t *testing.T) {
	ctx := context.Background()
	store := newStubStore()
	store.roles["r1"] = &Role{ID: "r1", Name: "clinician"}
	store.perms["p1"] = Permission{ID: "p1", Key: PermReadPatients}
	store.users["u1"] = &User{ID: "u1", Email: "a@x.org", RoleID: "r1", Status: UserStatusActive}

	svc, err := NewService(store)
	if err != nil {
		t.Fatal(err)
	}

	p, err := svc.Principal(ctx, "u1")
	if err != nil {
		t.Fatal(err)
	}
	if p.HasPermission(PermReadPatients) {
		t.Fatal("expected no permission before assignment")
	}

	if err := store.Permissions(ctx).SetForRole(ctx, "r1", []string{"p1"}); err != nil {
		t.Fatal(err)
	}
	p, err = svc.Principal(ctx, "u1")
	if err != nil {
		t.Fatal(err)
	}
	if !p.HasPermission(PermReadPatients) {
		t.Fatal("expected assignment to be visible on next resolution")
	}
}

func TestUserLocked(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	u := &User{}
	if u.Locked(now) {
		t.Fatal("expected user without lock to be unlocked")
	}
	until := now.Add(time.Minute)
	u.LockedUntil = &until
	if !u.Locked(now) {
		t.Fatal("expected future locked_until to lock the user")
	}
	if u.Locked(now.Add(2 * time.Minute)) {
		t.Fatal("expected expired lock to be treated as unlocked")
	}
}
