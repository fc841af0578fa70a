package auth

import (
	"context"
	"fmt"
)

// Authorize is the single authorization predicate: allow iff the principal is
// active and its role's permission set contains the key. There are no
// transitive grants; every required permission must be explicitly assigned.
// The predicate has no side effects so every component can call it on every
// request without its own locking.
func Authorize(p Principal, perm string) bool {
	if p.User == nil || p.User.Status != UserStatusActive {
		return false
	}
	return p.HasPermission(perm)
}

// Require converts a deny into ErrForbidden.
func Require(p Principal, perm string) error {
	if !Authorize(p, perm) {
		return fmt.Errorf("%w: missing %s", ErrForbidden, perm)
	}
	return nil
}

// Service resolves principals against current role state.
type Service struct {
	store Store
}

// NewService constructs the principal resolver.
func NewService(store Store) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store is required", ErrInvalidInput)
	}
	return &Service{store: store}, nil
}

// Principal loads a user with its role's permissions resolved. Permissions
// are read fresh so role changes take effect on the next request.
func (s *Service) Principal(ctx context.Context, userID string) (Principal, error) {
	user, err := s.store.Users(ctx).Find(ctx, userID)
	if err != nil {
		return Principal{}, err
	}
	role, err := s.store.Roles(ctx).Find(ctx, user.RoleID)
	if err != nil {
		return Principal{}, err
	}
	perms, err := s.store.Permissions(ctx).ForRole(ctx, role.ID)
	if err != nil {
		return Principal{}, err
	}
	return NewPrincipal(user, role, perms), nil
}

// EnsureBuiltins seeds the static permission catalog.
func (s *Service) EnsureBuiltins(ctx context.Context) error {
	return s.store.Permissions(ctx).Ensure(ctx, BuiltinPermissions)
}
