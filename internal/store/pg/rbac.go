package pg

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"carevault.org/internal/auth"
)

type roleStore Store

func (s *roleStore) Create(ctx context.Context, role *auth.Role) error {
	_, err := s.db.ExecContext(ctx, `
		insert into roles (id, name, created_at) values ($1, $2, $3)
	`, role.ID, role.Name, role.CreatedAt)
	if err != nil {
		if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrUniqueViolation {
			return auth.ErrConflict
		}
		return err
	}
	return nil
}

func (s *roleStore) Find(ctx context.Context, id string) (*auth.Role, error) {
	var role auth.Role
	err := s.db.QueryRowContext(ctx, `
		select id, name, created_at from roles where id = $1
	`, id).Scan(&role.ID, &role.Name, &role.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, auth.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &role, nil
}

func (s *roleStore) List(ctx context.Context) ([]*auth.Role, error) {
	rows, err := s.db.QueryContext(ctx, `select id, name, created_at from roles order by name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var roles []*auth.Role
	for rows.Next() {
		var role auth.Role
		if err := rows.Scan(&role.ID, &role.Name, &role.CreatedAt); err != nil {
			return nil, err
		}
		roles = append(roles, &role)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return roles, nil
}

func (s *roleStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `delete from roles where id = $1`, id)
	if err != nil {
		// users.role_id references roles; the constraint holds the line.
		if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrForeignKeyViolation {
			return auth.ErrConflict
		}
		return err
	}
	aff, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if aff == 0 {
		return auth.ErrNotFound
	}
	return nil
}

type permStore Store

func (s *permStore) Ensure(ctx context.Context, perms []auth.Permission) error {
	for _, p := range perms {
		if _, err := s.db.ExecContext(ctx, `
			insert into permissions (id, key, description, created_at)
			values ($1, $2, $3, $4)
			on conflict (key) do nothing
		`, p.ID, p.Key, p.Description, time.Now().UTC()); err != nil {
			return err
		}
	}
	return nil
}

func (s *permStore) List(ctx context.Context) ([]auth.Permission, error) {
	rows, err := s.db.QueryContext(ctx, `
		select id, key, description, created_at from permissions order by key
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectPermissions(rows)
}

func (s *permStore) FindByIDs(ctx context.Context, ids []string) ([]auth.Permission, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		select id, key, description, created_at from permissions where id = any($1) order by key
	`, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectPermissions(rows)
}

// SetForRole swaps the assignment set inside one transaction; readers see
// the old set or the new one, never a partial mix.
func (s *permStore) SetForRole(ctx context.Context, roleID string, permissionIDs []string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `delete from role_permissions where role_id = $1`, roleID); err != nil {
		return err
	}
	for _, permID := range permissionIDs {
		if _, err := tx.ExecContext(ctx, `
			insert into role_permissions (role_id, permission_id)
			values ($1, $2)
			on conflict do nothing
		`, roleID, permID); err != nil {
			if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrForeignKeyViolation {
				return auth.ErrNotFound
			}
			return err
		}
	}
	return tx.Commit()
}

func (s *permStore) ForRole(ctx context.Context, roleID string) ([]auth.Permission, error) {
	rows, err := s.db.QueryContext(ctx, `
		select p.id, p.key, p.description, p.created_at
		from permissions p
		join role_permissions rp on rp.permission_id = p.id
		where rp.role_id = $1
		order by p.key
	`, roleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectPermissions(rows)
}

func collectPermissions(rows *sql.Rows) ([]auth.Permission, error) {
	var perms []auth.Permission
	for rows.Next() {
		var p auth.Permission
		if err := rows.Scan(&p.ID, &p.Key, &p.Description, &p.CreatedAt); err != nil {
			return nil, err
		}
		perms = append(perms, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return perms, nil
}

type dirStore Store

func (s *dirStore) CreateLocation(ctx context.Context, loc *auth.Location) error {
	_, err := s.db.ExecContext(ctx, `
		insert into locations (id, name, created_at) values ($1, $2, $3)
	`, loc.ID, loc.Name, loc.CreatedAt)
	if err != nil {
		if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrUniqueViolation {
			return auth.ErrConflict
		}
		return err
	}
	return nil
}

func (s *dirStore) ListLocations(ctx context.Context) ([]*auth.Location, error) {
	rows, err := s.db.QueryContext(ctx, `select id, name, created_at from locations order by name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var locs []*auth.Location
	for rows.Next() {
		var loc auth.Location
		if err := rows.Scan(&loc.ID, &loc.Name, &loc.CreatedAt); err != nil {
			return nil, err
		}
		locs = append(locs, &loc)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return locs, nil
}

func (s *dirStore) CreateTeam(ctx context.Context, team *auth.Team) error {
	_, err := s.db.ExecContext(ctx, `
		insert into teams (id, name, created_at) values ($1, $2, $3)
	`, team.ID, team.Name, team.CreatedAt)
	if err != nil {
		if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrUniqueViolation {
			return auth.ErrConflict
		}
		return err
	}
	return nil
}

func (s *dirStore) ListTeams(ctx context.Context) ([]*auth.Team, error) {
	rows, err := s.db.QueryContext(ctx, `select id, name, created_at from teams order by name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var teams []*auth.Team
	for rows.Next() {
		var team auth.Team
		if err := rows.Scan(&team.ID, &team.Name, &team.CreatedAt); err != nil {
			return nil, err
		}
		teams = append(teams, &team)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return teams, nil
}

type otpStore Store

// Replace invalidates the previous challenge and inserts the new one in one
// transaction, so at most one live code exists per email.
func (s *otpStore) Replace(ctx context.Context, ch *auth.OtpChallenge) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		update otp_challenges set consumed_at = now()
		where email = $1 and consumed_at is null
	`, ch.Email); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
		insert into otp_challenges (id, email, code_hash, expires_at, created_at)
		values ($1, $2, $3, $4, $5)
	`, ch.ID, ch.Email, ch.CodeHash, ch.ExpiresAt, ch.CreatedAt); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *otpStore) Consume(ctx context.Context, email, codeHash string, now time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		update otp_challenges
		set consumed_at = $3
		where email = $1 and code_hash = $2 and consumed_at is null and expires_at > $3
	`, email, codeHash, now)
	if err != nil {
		return err
	}
	aff, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if aff == 0 {
		return auth.ErrInvalidOtp
	}
	return nil
}
