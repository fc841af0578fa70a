package auth

import (
	"context"
	"time"
)

// Store describes persistence operations required by the auth subsystem.
// Implementations must provide per-entity atomicity; no global lock is
// assumed across sub-stores.
type Store interface {
	Users(ctx context.Context) UserStore
	Roles(ctx context.Context) RoleStore
	Permissions(ctx context.Context) PermissionStore
	Directory(ctx context.Context) DirectoryStore
	OtpChallenges(ctx context.Context) OtpStore
}

// UserUpdate carries optional field changes; nil fields are left untouched.
type UserUpdate struct {
	Email      *string
	FullName   *string
	Phone      *string
	RoleID     *string
	LocationID *string
	TeamID     *string
	Status     *string
}

// UserStore manages accounts and their lockout bookkeeping.
type UserStore interface {
	Create(ctx context.Context, u *User) error
	Find(ctx context.Context, id string) (*User, error)
	FindByEmail(ctx context.Context, email string) (*User, error)
	List(ctx context.Context) ([]*User, error)
	Update(ctx context.Context, id string, upd UserUpdate) (*User, error)
	UpdatePassword(ctx context.Context, id, passwordHash string) error

	// RegisterFailure increments the failure counter and, when the new value
	// reaches threshold, sets locked_until in the same atomic step. Two
	// concurrent failed attempts must never both observe a sub-threshold
	// counter without one of them triggering the lock. A locked_until in the
	// past counts as no lock and is replaced; an active lock is never
	// extended.
	RegisterFailure(ctx context.Context, id string, threshold int, until time.Time) (attempts int, lockedUntil *time.Time, err error)

	// ResetFailures zeroes the counter and clears any lock.
	ResetFailures(ctx context.Context, id string) error
}

// RoleStore manages roles.
type RoleStore interface {
	Create(ctx context.Context, role *Role) error
	Find(ctx context.Context, id string) (*Role, error)
	List(ctx context.Context) ([]*Role, error)

	// Delete fails with ErrConflict while any user references the role.
	Delete(ctx context.Context, id string) error
}

// PermissionStore manages the permission catalog and role assignments.
type PermissionStore interface {
	Ensure(ctx context.Context, perms []Permission) error
	List(ctx context.Context) ([]Permission, error)
	FindByIDs(ctx context.Context, ids []string) ([]Permission, error)

	// SetForRole atomically replaces the role's permission set; concurrent
	// readers observe either the old or the new complete set.
	SetForRole(ctx context.Context, roleID string, permissionIDs []string) error
	ForRole(ctx context.Context, roleID string) ([]Permission, error)
}

// DirectoryStore manages the location/team reference data users are scoped to.
type DirectoryStore interface {
	CreateLocation(ctx context.Context, loc *Location) error
	ListLocations(ctx context.Context) ([]*Location, error)
	CreateTeam(ctx context.Context, team *Team) error
	ListTeams(ctx context.Context) ([]*Team, error)
}

// OtpStore manages one-time reset challenges.
type OtpStore interface {
	// Replace invalidates any unconsumed challenge for the email and stores
	// the new one as a single atomic step.
	Replace(ctx context.Context, ch *OtpChallenge) error

	// Consume marks the matching unconsumed, unexpired challenge as used.
	// Wrong code, expired code and unknown email are indistinguishable: all
	// return ErrInvalidOtp.
	Consume(ctx context.Context, email, codeHash string, now time.Time) error
}
