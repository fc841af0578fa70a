// Package memory is an in-process store used by tests and by development
// runs without a database. It implements the auth, records and audit store
// interfaces on one type with per-entity locking.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"carevault.org/internal/audit"
	"carevault.org/internal/auth"
	"carevault.org/internal/records"
)

// Store holds everything in maps guarded by per-entity mutexes.
type Store struct {
	usersMu sync.Mutex
	users   map[string]*auth.User

	rolesMu   sync.Mutex
	roles     map[string]*auth.Role
	perms     map[string]auth.Permission
	rolePerms map[string]map[string]struct{}

	dirMu     sync.Mutex
	locations map[string]*auth.Location
	teams     map[string]*auth.Team

	otpMu sync.Mutex
	otps  map[string]*auth.OtpChallenge

	recordsMu sync.Mutex
	records   map[string]*records.Record

	auditMu sync.Mutex
	entries []audit.Entry
}

// New constructs an empty store.
func New() *Store {
	return &Store{
		users:     make(map[string]*auth.User),
		roles:     make(map[string]*auth.Role),
		perms:     make(map[string]auth.Permission),
		rolePerms: make(map[string]map[string]struct{}),
		locations: make(map[string]*auth.Location),
		teams:     make(map[string]*auth.Team),
		otps:      make(map[string]*auth.OtpChallenge),
		records:   make(map[string]*records.Record),
	}
}

// auth.Store views.

func (s *Store) Users(context.Context) auth.UserStore             { return (*userView)(s) }
func (s *Store) Roles(context.Context) auth.RoleStore             { return (*roleView)(s) }
func (s *Store) Permissions(context.Context) auth.PermissionStore { return (*permView)(s) }
func (s *Store) Directory(context.Context) auth.DirectoryStore    { return (*dirView)(s) }
func (s *Store) OtpChallenges(context.Context) auth.OtpStore      { return (*otpView)(s) }

type userView Store

func (v *userView) Create(_ context.Context, u *auth.User) error {
	v.usersMu.Lock()
	defer v.usersMu.Unlock()
	for _, existing := range v.users {
		if existing.Email == u.Email {
			return auth.ErrConflict
		}
	}
	cp := *u
	v.users[u.ID] = &cp
	return nil
}

func (v *userView) Find(_ context.Context, id string) (*auth.User, error) {
	v.usersMu.Lock()
	defer v.usersMu.Unlock()
	u, ok := v.users[id]
	if !ok {
		return nil, auth.ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (v *userView) FindByEmail(_ context.Context, email string) (*auth.User, error) {
	v.usersMu.Lock()
	defer v.usersMu.Unlock()
	for _, u := range v.users {
		if u.Email == email {
			cp := *u
			return &cp, nil
		}
	}
	return nil, auth.ErrNotFound
}

func (v *userView) List(_ context.Context) ([]*auth.User, error) {
	v.usersMu.Lock()
	defer v.usersMu.Unlock()
	out := make([]*auth.User, 0, len(v.users))
	for _, u := range v.users {
		cp := *u
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Email < out[j].Email })
	return out, nil
}

func (v *userView) Update(_ context.Context, id string, upd auth.UserUpdate) (*auth.User, error) {
	v.usersMu.Lock()
	defer v.usersMu.Unlock()
	u, ok := v.users[id]
	if !ok {
		return nil, auth.ErrNotFound
	}
	if upd.Email != nil {
		for otherID, other := range v.users {
			if otherID != id && other.Email == *upd.Email {
				return nil, auth.ErrConflict
			}
		}
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
	u.UpdatedAt = time.Now().UTC()
	cp := *u
	return &cp, nil
}

func (v *userView) UpdatePassword(_ context.Context, id, hash string) error {
	v.usersMu.Lock()
	defer v.usersMu.Unlock()
	u, ok := v.users[id]
	if !ok {
		return auth.ErrNotFound
	}
	u.PasswordHash = hash
	u.UpdatedAt = time.Now().UTC()
	return nil
}

func (v *userView) RegisterFailure(_ context.Context, id string, threshold int, until time.Time) (int, *time.Time, error) {
	v.usersMu.Lock()
	defer v.usersMu.Unlock()
	u, ok := v.users[id]
	if !ok {
		return 0, nil, auth.ErrNotFound
	}
	u.FailedLogins++
	if u.FailedLogins >= threshold && (u.LockedUntil == nil || !u.LockedUntil.After(time.Now().UTC())) {
		t := until
		u.LockedUntil = &t
	}
	return u.FailedLogins, u.LockedUntil, nil
}

func (v *userView) ResetFailures(_ context.Context, id string) error {
	v.usersMu.Lock()
	defer v.usersMu.Unlock()
	u, ok := v.users[id]
	if !ok {
		return auth.ErrNotFound
	}
	u.FailedLogins = 0
	u.LockedUntil = nil
	return nil
}

type roleView Store

func (v *roleView) Create(_ context.Context, role *auth.Role) error {
	v.rolesMu.Lock()
	defer v.rolesMu.Unlock()
	for _, existing := range v.roles {
		if existing.Name == role.Name {
			return auth.ErrConflict
		}
	}
	cp := *role
	v.roles[role.ID] = &cp
	return nil
}

func (v *roleView) Find(_ context.Context, id string) (*auth.Role, error) {
	v.rolesMu.Lock()
	defer v.rolesMu.Unlock()
	r, ok := v.roles[id]
	if !ok {
		return nil, auth.ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (v *roleView) List(_ context.Context) ([]*auth.Role, error) {
	v.rolesMu.Lock()
	defer v.rolesMu.Unlock()
	out := make([]*auth.Role, 0, len(v.roles))
	for _, r := range v.roles {
		cp := *r
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (v *roleView) Delete(_ context.Context, id string) error {
	v.rolesMu.Lock()
	defer v.rolesMu.Unlock()
	if _, ok := v.roles[id]; !ok {
		return auth.ErrNotFound
	}
	v.usersMu.Lock()
	for _, u := range v.users {
		if u.RoleID == id {
			v.usersMu.Unlock()
			return auth.ErrConflict
		}
	}
	v.usersMu.Unlock()
	delete(v.roles, id)
	delete(v.rolePerms, id)
	return nil
}

type permView Store

func (v *permView) Ensure(_ context.Context, perms []auth.Permission) error {
	v.rolesMu.Lock()
	defer v.rolesMu.Unlock()
	for _, p := range perms {
		exists := false
		for _, existing := range v.perms {
			if existing.Key == p.Key {
				exists = true
				break
			}
		}
		if !exists {
			v.perms[p.ID] = p
		}
	}
	return nil
}

func (v *permView) List(_ context.Context) ([]auth.Permission, error) {
	v.rolesMu.Lock()
	defer v.rolesMu.Unlock()
	out := make([]auth.Permission, 0, len(v.perms))
	for _, p := range v.perms {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (v *permView) FindByIDs(_ context.Context, ids []string) ([]auth.Permission, error) {
	v.rolesMu.Lock()
	defer v.rolesMu.Unlock()
	seen := make(map[string]struct{}, len(ids))
	var out []auth.Permission
	for _, id := range ids {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		if p, ok := v.perms[id]; ok {
			out = append(out, p)
		}
	}
	return out, nil
}

func (v *permView) SetForRole(_ context.Context, roleID string, permissionIDs []string) error {
	v.rolesMu.Lock()
	defer v.rolesMu.Unlock()
	set := make(map[string]struct{}, len(permissionIDs))
	for _, id := range permissionIDs {
		set[id] = struct{}{}
	}
	v.rolePerms[roleID] = set
	return nil
}

func (v *permView) ForRole(_ context.Context, roleID string) ([]auth.Permission, error) {
	v.rolesMu.Lock()
	defer v.rolesMu.Unlock()
	var out []auth.Permission
	for id := range v.rolePerms[roleID] {
		if p, ok := v.perms[id]; ok {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

type dirView Store

func (v *dirView) CreateLocation(_ context.Context, loc *auth.Location) error {
	v.dirMu.Lock()
	defer v.dirMu.Unlock()
	for _, existing := range v.locations {
		if existing.Name == loc.Name {
			return auth.ErrConflict
		}
	}
	cp := *loc
	v.locations[loc.ID] = &cp
	return nil
}

func (v *dirView) ListLocations(_ context.Context) ([]*auth.Location, error) {
	v.dirMu.Lock()
	defer v.dirMu.Unlock()
	out := make([]*auth.Location, 0, len(v.locations))
	for _, l := range v.locations {
		cp := *l
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (v *dirView) CreateTeam(_ context.Context, team *auth.Team) error {
	v.dirMu.Lock()
	defer v.dirMu.Unlock()
	for _, existing := range v.teams {
		if existing.Name == team.Name {
			return auth.ErrConflict
		}
	}
	cp := *team
	v.teams[team.ID] = &cp
	return nil
}

func (v *dirView) ListTeams(_ context.Context) ([]*auth.Team, error) {
	v.dirMu.Lock()
	defer v.dirMu.Unlock()
	out := make([]*auth.Team, 0, len(v.teams))
	for _, t := range v.teams {
		cp := *t
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

type otpView Store

func (v *otpView) Replace(_ context.Context, ch *auth.OtpChallenge) error {
	v.otpMu.Lock()
	defer v.otpMu.Unlock()
	cp := *ch
	v.otps[ch.Email] = &cp
	return nil
}

func (v *otpView) Consume(_ context.Context, email, codeHash string, now time.Time) error {
	v.otpMu.Lock()
	defer v.otpMu.Unlock()
	ch, ok := v.otps[email]
	if !ok || ch.ConsumedAt != nil || ch.CodeHash != codeHash || now.After(ch.ExpiresAt) {
		return auth.ErrInvalidOtp
	}
	t := now
	ch.ConsumedAt = &t
	return nil
}

// records.Store.

func recordMatches(scope records.Scope, search string, rec *records.Record) bool {
	if !scope.All && rec.OwnerID != scope.OwnerID {
		return false
	}
	if search == "" {
		return true
	}
	needle := strings.ToLower(search)
	return strings.Contains(strings.ToLower(rec.RecordKey), needle) ||
		strings.Contains(strings.ToLower(rec.FirstName), needle) ||
		strings.Contains(strings.ToLower(rec.LastName), needle)
}

func recordLess(a, b *records.Record, key string) bool {
	switch key {
	case records.SortFirstName:
		return a.FirstName < b.FirstName
	case records.SortLastName:
		return a.LastName < b.LastName
	case records.SortDateOfBirth:
		return a.DateOfBirth.Before(b.DateOfBirth)
	case records.SortGender:
		return a.Gender < b.Gender
	case records.SortCreatedAt:
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.RecordKey < b.RecordKey
	default:
		return a.RecordKey < b.RecordKey
	}
}

func (s *Store) Search(_ context.Context, scope records.Scope, q records.Query) ([]*records.Record, int, error) {
	s.recordsMu.Lock()
	defer s.recordsMu.Unlock()
	var all []*records.Record
	for _, rec := range s.records {
		if recordMatches(scope, q.Search, rec) {
			cp := *rec
			all = append(all, &cp)
		}
	}
	sort.Slice(all, func(i, j int) bool {
		if q.SortDesc {
			return recordLess(all[j], all[i], q.SortKey)
		}
		return recordLess(all[i], all[j], q.SortKey)
	})
	total := len(all)
	if q.Offset >= total {
		return nil, total, nil
	}
	end := q.Offset + q.Limit
	if end > total {
		end = total
	}
	return all[q.Offset:end], total, nil
}

func (s *Store) Get(_ context.Context, id string) (*records.Record, error) {
	s.recordsMu.Lock()
	defer s.recordsMu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return nil, records.ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

func (s *Store) Insert(_ context.Context, rec *records.Record) error {
	s.recordsMu.Lock()
	defer s.recordsMu.Unlock()
	if s.keyTakenLocked(rec.RecordKey) {
		return records.ErrConflict
	}
	cp := *rec
	s.records[rec.ID] = &cp
	return nil
}

func (s *Store) InsertBatch(_ context.Context, recs []*records.Record, entry *audit.Entry) error {
	s.recordsMu.Lock()
	defer s.recordsMu.Unlock()
	seen := make(map[string]struct{}, len(recs))
	for _, rec := range recs {
		if s.keyTakenLocked(rec.RecordKey) {
			return records.ErrConflict
		}
		if _, dup := seen[rec.RecordKey]; dup {
			return records.ErrConflict
		}
		seen[rec.RecordKey] = struct{}{}
	}
	for _, rec := range recs {
		cp := *rec
		s.records[rec.ID] = &cp
	}
	s.auditMu.Lock()
	s.entries = append(s.entries, *entry)
	s.auditMu.Unlock()
	return nil
}

func (s *Store) keyTakenLocked(key string) bool {
	for _, rec := range s.records {
		if rec.RecordKey == key {
			return true
		}
	}
	return false
}

func (s *Store) Update(_ context.Context, id string, upd records.Update) (*records.Record, error) {
	s.recordsMu.Lock()
	defer s.recordsMu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return nil, records.ErrNotFound
	}
	if upd.FirstName != nil {
		rec.FirstName = *upd.FirstName
	}
	if upd.LastName != nil {
		rec.LastName = *upd.LastName
	}
	if upd.DateOfBirth != nil {
		rec.DateOfBirth = *upd.DateOfBirth
	}
	if upd.Gender != nil {
		rec.Gender = *upd.Gender
	}
	rec.UpdatedAt = time.Now().UTC()
	cp := *rec
	return &cp, nil
}

func (s *Store) Delete(_ context.Context, id string) error {
	s.recordsMu.Lock()
	defer s.recordsMu.Unlock()
	if _, ok := s.records[id]; !ok {
		return records.ErrNotFound
	}
	delete(s.records, id)
	return nil
}

func (s *Store) ExistingKeys(_ context.Context, keys []string) (map[string]struct{}, error) {
	s.recordsMu.Lock()
	defer s.recordsMu.Unlock()
	out := make(map[string]struct{})
	for _, key := range keys {
		if s.keyTakenLocked(key) {
			out[key] = struct{}{}
		}
	}
	return out, nil
}

func (s *Store) Count(_ context.Context, scope records.Scope) (int, error) {
	s.recordsMu.Lock()
	defer s.recordsMu.Unlock()
	n := 0
	for _, rec := range s.records {
		if scope.All || rec.OwnerID == scope.OwnerID {
			n++
		}
	}
	return n, nil
}

// audit.Store.

func (s *Store) Append(_ context.Context, entry *audit.Entry) error {
	s.auditMu.Lock()
	defer s.auditMu.Unlock()
	s.entries = append(s.entries, *entry)
	return nil
}

func (s *Store) Tail(_ context.Context, filter string, limit int) ([]audit.Entry, error) {
	s.auditMu.Lock()
	defer s.auditMu.Unlock()
	needle := strings.ToLower(filter)
	var out []audit.Entry
	for i := len(s.entries) - 1; i >= 0 && len(out) < limit; i-- {
		e := s.entries[i]
		if needle != "" &&
			!strings.Contains(strings.ToLower(e.Action), needle) &&
			!strings.Contains(strings.ToLower(e.Details), needle) {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}
