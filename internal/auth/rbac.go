package auth

import (
	"context"
	"fmt"
	"strings"
	"time"

	"carevault.org/internal/audit"
	"carevault.org/internal/ids"
)

// Admin action tags recorded for every RBAC mutation.
const (
	ActionCreateUser        = "ADMIN_CREATE_USER"
	ActionUpdateUser        = "ADMIN_UPDATE_USER"
	ActionDisableUser       = "ADMIN_DISABLE_USER"
	ActionResetUserPassword = "ADMIN_RESET_PASSWORD"
	ActionCreateRole        = "ADMIN_CREATE_ROLE"
	ActionDeleteRole        = "ADMIN_DELETE_ROLE"
	ActionAssignPermissions = "ADMIN_ASSIGN_PERMISSIONS"
	ActionCreateLocation    = "ADMIN_CREATE_LOCATION"
	ActionCreateTeam        = "ADMIN_CREATE_TEAM"
)

// RBACService manages accounts, roles and the permission catalog. Callers
// are expected to have passed an authorization check already; the service
// records every mutation in the audit log and fails the mutation when the
// audit sink is down.
type RBACService struct {
	store   Store
	auditor *audit.Recorder
	now     func() time.Time
}

// RBACOption configures RBACService behavior.
type RBACOption func(*RBACService)

// WithRBACClock overrides the time source (useful for tests).
func WithRBACClock(fn func() time.Time) RBACOption {
	return func(s *RBACService) {
		if fn != nil {
			s.now = fn
		}
	}
}

// NewRBACService constructs the admin service.
func NewRBACService(store Store, auditor *audit.Recorder, opts ...RBACOption) (*RBACService, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store is required", ErrInvalidInput)
	}
	if auditor == nil {
		return nil, fmt.Errorf("%w: auditor is required", ErrInvalidInput)
	}
	s := &RBACService{store: store, auditor: auditor, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// CreateUserInput carries the fields required to provision an account.
type CreateUserInput struct {
	Email      string
	FullName   string
	Phone      string
	Password   string
	RoleID     string
	LocationID string
	TeamID     string
}

// CreateUser provisions an account with a bcrypt password hash. The email
// must be unique and the role must exist.
func (s *RBACService) CreateUser(ctx context.Context, actor Principal, in CreateUserInput) (*User, error) {
	in.Email = strings.ToLower(strings.TrimSpace(in.Email))
	if in.Email == "" || !strings.Contains(in.Email, "@") {
		return nil, fmt.Errorf("%w: valid email is required", ErrInvalidInput)
	}
	if strings.TrimSpace(in.FullName) == "" {
		return nil, fmt.Errorf("%w: full name is required", ErrInvalidInput)
	}
	if len(in.Password) < 8 {
		return nil, fmt.Errorf("%w: password must be at least 8 characters", ErrInvalidInput)
	}
	if _, err := s.store.Roles(ctx).Find(ctx, in.RoleID); err != nil {
		return nil, fmt.Errorf("%w: unknown role", ErrInvalidInput)
	}

	hash, err := HashPassword(in.Password)
	if err != nil {
		return nil, err
	}
	now := s.now().UTC()
	user := &User{
		ID:           ids.New(),
		Email:        in.Email,
		FullName:     strings.TrimSpace(in.FullName),
		Phone:        strings.TrimSpace(in.Phone),
		PasswordHash: hash,
		RoleID:       in.RoleID,
		LocationID:   in.LocationID,
		TeamID:       in.TeamID,
		Status:       UserStatusActive,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.store.Users(ctx).Create(ctx, user); err != nil {
		return nil, err
	}
	if _, err := s.auditor.Record(ctx, actorID(actor), ActionCreateUser, "user "+user.Email, audit.OutcomeSuccess); err != nil {
		return nil, err
	}
	return user, nil
}

// ListUsers returns all accounts.
func (s *RBACService) ListUsers(ctx context.Context) ([]*User, error) {
	return s.store.Users(ctx).List(ctx)
}

// GetUser returns one account.
func (s *RBACService) GetUser(ctx context.Context, id string) (*User, error) {
	return s.store.Users(ctx).Find(ctx, id)
}

// UpdateUser applies a partial update; nil fields are left untouched.
func (s *RBACService) UpdateUser(ctx context.Context, actor Principal, id string, upd UserUpdate) (*User, error) {
	if upd.Email != nil {
		email := strings.ToLower(strings.TrimSpace(*upd.Email))
		if email == "" || !strings.Contains(email, "@") {
			return nil, fmt.Errorf("%w: valid email is required", ErrInvalidInput)
		}
		upd.Email = &email
	}
	if upd.RoleID != nil {
		if _, err := s.store.Roles(ctx).Find(ctx, *upd.RoleID); err != nil {
			return nil, fmt.Errorf("%w: unknown role", ErrInvalidInput)
		}
	}
	if upd.Status != nil && *upd.Status != UserStatusActive && *upd.Status != UserStatusDisabled {
		return nil, fmt.Errorf("%w: unknown status %q", ErrInvalidInput, *upd.Status)
	}
	user, err := s.store.Users(ctx).Update(ctx, id, upd)
	if err != nil {
		return nil, err
	}
	if _, err := s.auditor.Record(ctx, actorID(actor), ActionUpdateUser, "user "+user.Email, audit.OutcomeSuccess); err != nil {
		return nil, err
	}
	return user, nil
}

// DisableUser marks the account disabled. Disabled accounts fail every
// authorization check immediately, including for tokens already issued.
func (s *RBACService) DisableUser(ctx context.Context, actor Principal, id string) (*User, error) {
	status := UserStatusDisabled
	user, err := s.store.Users(ctx).Update(ctx, id, UserUpdate{Status: &status})
	if err != nil {
		return nil, err
	}
	if _, err := s.auditor.Record(ctx, actorID(actor), ActionDisableUser, "user "+user.Email, audit.OutcomeSuccess); err != nil {
		return nil, err
	}
	return user, nil
}

// AdminResetPassword sets a new password and clears lockout state, so the
// holder can sign in right away.
func (s *RBACService) AdminResetPassword(ctx context.Context, actor Principal, id, password string) error {
	if len(password) < 8 {
		return fmt.Errorf("%w: password must be at least 8 characters", ErrInvalidInput)
	}
	user, err := s.store.Users(ctx).Find(ctx, id)
	if err != nil {
		return err
	}
	hash, err := HashPassword(password)
	if err != nil {
		return err
	}
	if err := s.store.Users(ctx).UpdatePassword(ctx, id, hash); err != nil {
		return err
	}
	if err := s.store.Users(ctx).ResetFailures(ctx, id); err != nil {
		return err
	}
	_, err = s.auditor.Record(ctx, actorID(actor), ActionResetUserPassword, "user "+user.Email, audit.OutcomeSuccess)
	return err
}

// CreateRole creates an empty role. Permissions are assigned separately.
func (s *RBACService) CreateRole(ctx context.Context, actor Principal, name string) (*Role, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("%w: role name is required", ErrInvalidInput)
	}
	role := &Role{ID: ids.Tagged("role"), Name: name, CreatedAt: s.now().UTC()}
	if err := s.store.Roles(ctx).Create(ctx, role); err != nil {
		return nil, err
	}
	if _, err := s.auditor.Record(ctx, actorID(actor), ActionCreateRole, "role "+role.Name, audit.OutcomeSuccess); err != nil {
		return nil, err
	}
	return role, nil
}

// ListRoles returns all roles.
func (s *RBACService) ListRoles(ctx context.Context) ([]*Role, error) {
	return s.store.Roles(ctx).List(ctx)
}

// DeleteRole removes a role. It fails with ErrConflict while any user still
// references the role.
func (s *RBACService) DeleteRole(ctx context.Context, actor Principal, id string) error {
	role, err := s.store.Roles(ctx).Find(ctx, id)
	if err != nil {
		return err
	}
	if err := s.store.Roles(ctx).Delete(ctx, id); err != nil {
		return err
	}
	_, err = s.auditor.Record(ctx, actorID(actor), ActionDeleteRole, "role "+role.Name, audit.OutcomeSuccess)
	return err
}

// ListPermissions returns the full catalog.
func (s *RBACService) ListPermissions(ctx context.Context) ([]Permission, error) {
	return s.store.Permissions(ctx).List(ctx)
}

// AssignPermissions atomically replaces a role's permission set. Every
// referenced permission must exist in the catalog.
func (s *RBACService) AssignPermissions(ctx context.Context, actor Principal, roleID string, permissionIDs []string) error {
	role, err := s.store.Roles(ctx).Find(ctx, roleID)
	if err != nil {
		return err
	}
	if len(permissionIDs) > 0 {
		found, err := s.store.Permissions(ctx).FindByIDs(ctx, permissionIDs)
		if err != nil {
			return err
		}
		if len(found) != len(dedupe(permissionIDs)) {
			return fmt.Errorf("%w: unknown permission id", ErrNotFound)
		}
	}
	if err := s.store.Permissions(ctx).SetForRole(ctx, roleID, permissionIDs); err != nil {
		return err
	}
	details := fmt.Sprintf("role %s: %d permissions", role.Name, len(dedupe(permissionIDs)))
	_, err = s.auditor.Record(ctx, actorID(actor), ActionAssignPermissions, details, audit.OutcomeSuccess)
	return err
}

// CreateLocation adds a location to the directory.
func (s *RBACService) CreateLocation(ctx context.Context, actor Principal, name string) (*Location, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("%w: location name is required", ErrInvalidInput)
	}
	loc := &Location{ID: ids.Tagged("loc"), Name: name, CreatedAt: s.now().UTC()}
	if err := s.store.Directory(ctx).CreateLocation(ctx, loc); err != nil {
		return nil, err
	}
	if _, err := s.auditor.Record(ctx, actorID(actor), ActionCreateLocation, "location "+loc.Name, audit.OutcomeSuccess); err != nil {
		return nil, err
	}
	return loc, nil
}

// ListLocations returns all locations.
func (s *RBACService) ListLocations(ctx context.Context) ([]*Location, error) {
	return s.store.Directory(ctx).ListLocations(ctx)
}

// CreateTeam adds a team to the directory.
func (s *RBACService) CreateTeam(ctx context.Context, actor Principal, name string) (*Team, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("%w: team name is required", ErrInvalidInput)
	}
	team := &Team{ID: ids.Tagged("team"), Name: name, CreatedAt: s.now().UTC()}
	if err := s.store.Directory(ctx).CreateTeam(ctx, team); err != nil {
		return nil, err
	}
	if _, err := s.auditor.Record(ctx, actorID(actor), ActionCreateTeam, "team "+team.Name, audit.OutcomeSuccess); err != nil {
		return nil, err
	}
	return team, nil
}

// ListTeams returns all teams.
func (s *RBACService) ListTeams(ctx context.Context) ([]*Team, error) {
	return s.store.Directory(ctx).ListTeams(ctx)
}

func actorID(p Principal) string {
	if p.User == nil {
		return ""
	}
	return p.User.ID
}

func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := ids[:0:0]
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
