package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"carevault.org/internal/auth"
)

type userStore Store

const userColumns = `id, email, full_name, coalesce(phone,''), password_hash, role_id,
	coalesce(location_id,''), coalesce(team_id,''), status, failed_logins, locked_until,
	created_at, updated_at`

func scanUser(row interface{ Scan(...any) error }) (*auth.User, error) {
	var u auth.User
	var lockedUntil sql.NullTime
	err := row.Scan(&u.ID, &u.Email, &u.FullName, &u.Phone, &u.PasswordHash, &u.RoleID,
		&u.LocationID, &u.TeamID, &u.Status, &u.FailedLogins, &lockedUntil,
		&u.CreatedAt, &u.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, auth.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if lockedUntil.Valid {
		t := lockedUntil.Time
		u.LockedUntil = &t
	}
	return &u, nil
}

func (s *userStore) Create(ctx context.Context, u *auth.User) error {
	_, err := s.db.ExecContext(ctx, `
		insert into users (id, email, full_name, phone, password_hash, role_id, location_id, team_id, status, created_at, updated_at)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, u.ID, u.Email, u.FullName, nullIfEmpty(u.Phone), u.PasswordHash, u.RoleID,
		nullIfEmpty(u.LocationID), nullIfEmpty(u.TeamID), u.Status, u.CreatedAt, u.UpdatedAt)
	if err != nil {
		if pgErr, ok := maybePgError(err); ok {
			switch pgErr.Code {
			case pgErrUniqueViolation:
				return auth.ErrConflict
			case pgErrForeignKeyViolation:
				return fmt.Errorf("%w: unknown reference", auth.ErrInvalidInput)
			}
		}
		return err
	}
	return nil
}

func (s *userStore) Find(ctx context.Context, id string) (*auth.User, error) {
	row := s.db.QueryRowContext(ctx, `select `+userColumns+` from users where id = $1`, id)
	return scanUser(row)
}

func (s *userStore) FindByEmail(ctx context.Context, email string) (*auth.User, error) {
	row := s.db.QueryRowContext(ctx, `select `+userColumns+` from users where email = $1`, email)
	return scanUser(row)
}

func (s *userStore) List(ctx context.Context) ([]*auth.User, error) {
	rows, err := s.db.QueryContext(ctx, `select `+userColumns+` from users order by email`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []*auth.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return users, nil
}

func (s *userStore) Update(ctx context.Context, id string, upd auth.UserUpdate) (*auth.User, error) {
	var (
		setClauses []string
		args       []any
		idx        = 1
	)
	add := func(column string, value any) {
		setClauses = append(setClauses, fmt.Sprintf("%s = $%d", column, idx))
		args = append(args, value)
		idx++
	}
	if upd.Email != nil {
		add("email", *upd.Email)
	}
	if upd.FullName != nil {
		add("full_name", *upd.FullName)
	}
	if upd.Phone != nil {
		add("phone", nullIfEmpty(*upd.Phone))
	}
	if upd.RoleID != nil {
		add("role_id", *upd.RoleID)
	}
	if upd.LocationID != nil {
		add("location_id", nullIfEmpty(*upd.LocationID))
	}
	if upd.TeamID != nil {
		add("team_id", nullIfEmpty(*upd.TeamID))
	}
	if upd.Status != nil {
		add("status", *upd.Status)
	}
	if len(setClauses) > 0 {
		setClauses = append(setClauses, "updated_at = now()")
		query := fmt.Sprintf(`update users set %s where id = $%d`, strings.Join(setClauses, ", "), idx)
		args = append(args, id)
		res, err := s.db.ExecContext(ctx, query, args...)
		if err != nil {
			if pgErr, ok := maybePgError(err); ok {
				switch pgErr.Code {
				case pgErrUniqueViolation:
					return nil, auth.ErrConflict
				case pgErrForeignKeyViolation:
					return nil, fmt.Errorf("%w: unknown reference", auth.ErrInvalidInput)
				}
			}
			return nil, err
		}
		aff, err := res.RowsAffected()
		if err != nil {
			return nil, err
		}
		if aff == 0 {
			return nil, auth.ErrNotFound
		}
	}
	return s.Find(ctx, id)
}

func (s *userStore) UpdatePassword(ctx context.Context, id, passwordHash string) error {
	res, err := s.db.ExecContext(ctx, `
		update users set password_hash = $2, updated_at = now() where id = $1
	`, id, passwordHash)
	if err != nil {
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

// RegisterFailure bumps the counter and sets the lock in one statement, so
// concurrent failed attempts cannot both slip past the threshold. A lock whose
// deadline has passed counts as no lock and is replaced; an active lock is
// never extended.
func (s *userStore) RegisterFailure(ctx context.Context, id string, threshold int, until time.Time) (int, *time.Time, error) {
	var attempts int
	var lockedUntil sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		update users
		set failed_logins = failed_logins + 1,
		    locked_until = case
		        when failed_logins + 1 >= $2 and (locked_until is null or locked_until <= now()) then $3
		        else locked_until
		    end,
		    updated_at = now()
		where id = $1
		returning failed_logins, locked_until
	`, id, threshold, until).Scan(&attempts, &lockedUntil)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil, auth.ErrNotFound
	}
	if err != nil {
		return 0, nil, err
	}
	if lockedUntil.Valid {
		t := lockedUntil.Time
		return attempts, &t, nil
	}
	return attempts, nil, nil
}

func (s *userStore) ResetFailures(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `
		update users set failed_logins = 0, locked_until = null, updated_at = now() where id = $1
	`, id)
	if err != nil {
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
