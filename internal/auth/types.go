package auth

import "time"

const (
	UserStatusActive   = "active"
	UserStatusDisabled = "disabled"
)

// User is a dashboard account subject to authorization checks. Accounts are
// never hard-deleted; they are disabled so audit entries stay attributable.
type User struct {
	ID           string     `json:"id"`
	Email        string     `json:"email"`
	FullName     string     `json:"full_name,omitempty"`
	Phone        string     `json:"phone,omitempty"`
	PasswordHash string     `json:"-"`
	RoleID       string     `json:"role_id"`
	LocationID   string     `json:"location_id,omitempty"`
	TeamID       string     `json:"team_id,omitempty"`
	Status       string     `json:"status"`
	FailedLogins int        `json:"failed_logins"`
	LockedUntil  *time.Time `json:"locked_until,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// Locked reports whether the account is locked at the given instant. A
// locked_until in the past is inert; no explicit transition clears it.
func (u *User) Locked(now time.Time) bool {
	return u.LockedUntil != nil && now.Before(*u.LockedUntil)
}

// Role groups permissions. Every user references exactly one role.
type Role struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// Permission is an immutable catalog entry naming a fine-grained capability.
type Permission struct {
	ID          string    `json:"id"`
	Key         string    `json:"key"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// Location is an organizational partition users may be scoped to.
type Location struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// Team is an organizational partition users may be scoped to.
type Team struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// OtpChallenge is a single-use password reset code. The plaintext code is
// never stored, only its digest.
type OtpChallenge struct {
	ID         string
	Email      string
	CodeHash   string
	ExpiresAt  time.Time
	CreatedAt  time.Time
	ConsumedAt *time.Time
}

// Principal is a user with their role's permission set resolved.
type Principal struct {
	User        *User
	Role        *Role
	Permissions map[string]struct{}
}

// NewPrincipal constructs a principal with a preloaded permission set.
func NewPrincipal(user *User, role *Role, perms []Permission) Principal {
	set := make(map[string]struct{}, len(perms))
	for _, p := range perms {
		set[p.Key] = struct{}{}
	}
	return Principal{User: user, Role: role, Permissions: set}
}

// HasPermission reports whether the principal's role grants the key.
func (p Principal) HasPermission(key string) bool {
	_, ok := p.Permissions[key]
	return ok
}
