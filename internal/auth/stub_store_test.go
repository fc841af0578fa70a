package auth

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"carevault.org/internal/audit"
)

// stubStore is an in-memory Store for service tests.
type stubStore struct {
	mu          sync.Mutex
	users       map[string]*User
	roles       map[string]*Role
	perms       map[string]Permission
	rolePerms   map[string][]string
	locations   map[string]*Location
	teams       map[string]*Team
	challenges  map[string]*OtpChallenge // keyed by email
	failCreates bool
}

func newStubStore() *stubStore {
	return &stubStore{
		users:      make(map[string]*User),
		roles:      make(map[string]*Role),
		perms:      make(map[string]Permission),
		rolePerms:  make(map[string][]string),
		locations:  make(map[string]*Location),
		teams:      make(map[string]*Team),
		challenges: make(map[string]*OtpChallenge),
	}
}

func (s *stubStore) Users(context.Context) UserStore             { return (*stubUsers)(s) }
func (s *stubStore) Roles(context.Context) RoleStore             { return (*stubRoles)(s) }
func (s *stubStore) Permissions(context.Context) PermissionStore { return (*stubPerms)(s) }
func (s *stubStore) Directory(context.Context) DirectoryStore    { return (*stubDirectory)(s) }
func (s *stubStore) OtpChallenges(context.Context) OtpStore      { return (*stubOtps)(s) }

type stubUsers stubStore

func (s *stubUsers) Create(_ context.Context, u *User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failCreates {
		return errors.New("boom")
	}
	for _, existing := range s.users {
		if existing.Email == u.Email {
			return ErrConflict
		}
	}
	cp := *u
	s.users[u.ID] = &cp
	return nil
}

func (s *stubUsers) Find(_ context.Context, id string) (*User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (s *stubUsers) FindByEmail(_ context.Context, email string) (*User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range s.users {
		if u.Email == email {
			cp := *u
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (s *stubUsers) List(_ context.Context) ([]*User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*User, 0, len(s.users))
	for _, u := range s.users {
		cp := *u
		out = append(out, &cp)
	}
	return out, nil
}

func (s *stubUsers) Update(_ context.Context, id string, upd UserUpdate) (*User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	if upd.Email != nil {
		u.Email = *upd.Email
	}
	if upd.FullName != nil {
		u.FullName = *upd.FullName
	}
	if upd.Phone != nil {
		u.Phone = *upd.Phone
	}
	if upd.RoleID != nil {
		u.RoleID = *upd.RoleID
	}
	if upd.LocationID != nil {
		u.LocationID = *upd.LocationID
	}
	if upd.TeamID != nil {
		u.TeamID = *upd.TeamID
	}
	if upd.Status != nil {
		u.Status = *upd.Status
	}
	cp := *u
	return &cp, nil
}

func (s *stubUsers) UpdatePassword(_ context.Context, id, hash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return ErrNotFound
	}
	u.PasswordHash = hash
	return nil
}

func (s *stubUsers) RegisterFailure(_ context.Context, id string, threshold int, until time.Time) (int, *time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return 0, nil, ErrNotFound
	}
	u.FailedLogins++
	if u.FailedLogins >= threshold && (u.LockedUntil == nil || !u.LockedUntil.After(time.Now().UTC())) {
		t := until
		u.LockedUntil = &t
	}
	return u.FailedLogins, u.LockedUntil, nil
}

func (s *stubUsers) ResetFailures(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return ErrNotFound
	}
	u.FailedLogins = 0
	u.LockedUntil = nil
	return nil
}

type stubRoles stubStore

func (s *stubRoles) Create(_ context.Context, role *Role) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.roles {
		if existing.Name == role.Name {
			return ErrConflict
		}
	}
	cp := *role
	s.roles[role.ID] = &cp
	return nil
}

func (s *stubRoles) Find(_ context.Context, id string) (*Role, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.roles[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (s *stubRoles) List(_ context.Context) ([]*Role, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Role, 0, len(s.roles))
	for _, r := range s.roles {
		cp := *r
		out = append(out, &cp)
	}
	return out, nil
}

func (s *stubRoles) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.roles[id]; !ok {
		return ErrNotFound
	}
	for _, u := range s.users {
		if u.RoleID == id {
			return ErrConflict
		}
	}
	delete(s.roles, id)
	delete(s.rolePerms, id)
	return nil
}

type stubPerms stubStore

func (s *stubPerms) Ensure(_ context.Context, perms []Permission) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range perms {
		found := false
		for _, existing := range s.perms {
			if existing.Key == p.Key {
				found = true
				break
			}
		}
		if !found {
			s.perms[p.ID] = p
		}
	}
	return nil
}

func (s *stubPerms) List(_ context.Context) ([]Permission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Permission, 0, len(s.perms))
	for _, p := range s.perms {
		out = append(out, p)
	}
	return out, nil
}

func (s *stubPerms) FindByIDs(_ context.Context, ids []string) ([]Permission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	seen := make(map[string]struct{})
	var out []Permission
	for _, id := range ids {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		if p, ok := s.perms[id]; ok {
			out = append(out, p)
		}
	}
	return out, nil
}

func (s *stubPerms) SetForRole(_ context.Context, roleID string, permissionIDs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rolePerms[roleID] = append([]string(nil), permissionIDs...)
	return nil
}

func (s *stubPerms) ForRole(_ context.Context, roleID string) ([]Permission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Permission
	for _, id := range s.rolePerms[roleID] {
		if p, ok := s.perms[id]; ok {
			out = append(out, p)
		}
	}
	return out, nil
}

type stubDirectory stubStore

func (s *stubDirectory) CreateLocation(_ context.Context, loc *Location) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *loc
	s.locations[loc.ID] = &cp
	return nil
}

func (s *stubDirectory) ListLocations(_ context.Context) ([]*Location, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Location, 0, len(s.locations))
	for _, l := range s.locations {
		cp := *l
		out = append(out, &cp)
	}
	return out, nil
}

func (s *stubDirectory) CreateTeam(_ context.Context, team *Team) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *team
	s.teams[team.ID] = &cp
	return nil
}

func (s *stubDirectory) ListTeams(_ context.Context) ([]*Team, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Team, 0, len(s.teams))
	for _, t := range s.teams {
		cp := *t
		out = append(out, &cp)
	}
	return out, nil
}

type stubOtps stubStore

func (s *stubOtps) Replace(_ context.Context, ch *OtpChallenge) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *ch
	s.challenges[ch.Email] = &cp
	return nil
}

func (s *stubOtps) Consume(_ context.Context, email, codeHash string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.challenges[email]
	if !ok || ch.ConsumedAt != nil || ch.CodeHash != codeHash || now.After(ch.ExpiresAt) {
		return ErrInvalidOtp
	}
	t := now
	ch.ConsumedAt = &t
	return nil
}

// stubAuditStore collects entries in memory.
type stubAuditStore struct {
	mu      sync.Mutex
	entries []audit.Entry
	fail    bool
}

func (s *stubAuditStore) Append(_ context.Context, entry *audit.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return errors.New("sink down")
	}
	s.entries = append(s.entries, *entry)
	return nil
}

func (s *stubAuditStore) Tail(_ context.Context, filter string, limit int) ([]audit.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []audit.Entry
	for i := len(s.entries) - 1; i >= 0 && len(out) < limit; i-- {
		e := s.entries[i]
		if filter != "" && !strings.Contains(e.Action, filter) && !strings.Contains(e.Details, filter) {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

func (s *stubAuditStore) actions() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e.Action)
	}
	return out
}

// stubNotifier records deliveries.
type stubNotifier struct {
	mu       sync.Mutex
	messages []string
}

func (n *stubNotifier) Send(_ context.Context, email, message string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.messages = append(n.messages, email+": "+message)
	return nil
}

func newTestRecorder(store audit.Store) *audit.Recorder {
	rec, err := audit.NewRecorder(store)
	if err != nil {
		panic(err)
	}
	return rec
}
