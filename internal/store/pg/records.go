package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"carevault.org/internal/audit"
	"carevault.org/internal/records"
)

const recordColumns = `id, record_key, first_name, last_name, date_of_birth, gender, owner_id, created_at, updated_at`

// sortColumns whitelists ORDER BY targets; the sort key is interpolated
// into the statement so it must never come from user input unchecked.
var sortColumns = map[string]string{
	records.SortRecordKey:   "record_key",
	records.SortFirstName:   "first_name",
	records.SortLastName:    "last_name",
	records.SortDateOfBirth: "date_of_birth",
	records.SortGender:      "gender",
	records.SortCreatedAt:   "created_at",
}

func scanRecord(row interface{ Scan(...any) error }) (*records.Record, error) {
	var rec records.Record
	err := row.Scan(&rec.ID, &rec.RecordKey, &rec.FirstName, &rec.LastName,
		&rec.DateOfBirth, &rec.Gender, &rec.OwnerID, &rec.CreatedAt, &rec.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, records.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *Store) Search(ctx context.Context, scope records.Scope, q records.Query) ([]*records.Record, int, error) {
	var (
		where []string
		args  []any
		idx   = 1
	)
	if !scope.All {
		where = append(where, fmt.Sprintf("owner_id = $%d", idx))
		args = append(args, scope.OwnerID)
		idx++
	}
	if q.Search != "" {
		where = append(where, fmt.Sprintf(
			"(record_key ilike $%d or first_name ilike $%d or last_name ilike $%d)", idx, idx, idx))
		args = append(args, "%"+q.Search+"%")
		idx++
	}
	clause := ""
	if len(where) > 0 {
		clause = "where " + strings.Join(where, " and ")
	}

	var total int
	if err := s.db.QueryRowContext(ctx,
		fmt.Sprintf(`select count(*) from patients %s`, clause), args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	column, ok := sortColumns[q.SortKey]
	if !ok {
		column = "created_at"
	}
	direction := "asc"
	if q.SortDesc {
		direction = "desc"
	}
	query := fmt.Sprintf(`
		select %s from patients %s
		order by %s %s, id asc
		limit $%d offset $%d
	`, recordColumns, clause, column, direction, idx, idx+1)
	args = append(args, q.Limit, q.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var recs []*records.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, 0, err
		}
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}
	return recs, total, nil
}

func (s *Store) Get(ctx context.Context, id string) (*records.Record, error) {
	row := s.db.QueryRowContext(ctx, `select `+recordColumns+` from patients where id = $1`, id)
	return scanRecord(row)
}

func (s *Store) Insert(ctx context.Context, rec *records.Record) error {
	_, err := s.db.ExecContext(ctx, `
		insert into patients (id, record_key, first_name, last_name, date_of_birth, gender, owner_id, created_at, updated_at)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, rec.ID, rec.RecordKey, rec.FirstName, rec.LastName, rec.DateOfBirth, rec.Gender,
		rec.OwnerID, rec.CreatedAt, rec.UpdatedAt)
	if err != nil {
		if pgErr, ok := maybePgError(err); ok {
			switch pgErr.Code {
			case pgErrUniqueViolation:
				return records.ErrConflict
			case pgErrForeignKeyViolation:
				return fmt.Errorf("%w: unknown owner", records.ErrInvalidInput)
			}
		}
		return err
	}
	return nil
}

// InsertBatch writes all records and the import audit entry in one
// transaction; a duplicate anywhere rolls back the whole upload.
func (s *Store) InsertBatch(ctx context.Context, recs []*records.Record, entry *audit.Entry) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	for _, rec := range recs {
		if _, err := tx.ExecContext(ctx, `
			insert into patients (id, record_key, first_name, last_name, date_of_birth, gender, owner_id, created_at, updated_at)
			values ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		`, rec.ID, rec.RecordKey, rec.FirstName, rec.LastName, rec.DateOfBirth, rec.Gender,
			rec.OwnerID, rec.CreatedAt, rec.UpdatedAt); err != nil {
			if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrUniqueViolation {
				return records.ErrConflict
			}
			return err
		}
	}
	if _, err := tx.ExecContext(ctx, `
		insert into audit_log (id, occurred_at, actor_id, action, details, outcome)
		values ($1, $2, $3, $4, $5, $6)
	`, entry.ID, entry.OccurredAt, nullIfEmpty(entry.ActorID), entry.Action, entry.Details, entry.Outcome); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) Update(ctx context.Context, id string, upd records.Update) (*records.Record, error) {
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
	if upd.FirstName != nil {
		add("first_name", *upd.FirstName)
	}
	if upd.LastName != nil {
		add("last_name", *upd.LastName)
	}
	if upd.DateOfBirth != nil {
		add("date_of_birth", *upd.DateOfBirth)
	}
	if upd.Gender != nil {
		add("gender", *upd.Gender)
	}
	if len(setClauses) > 0 {
		setClauses = append(setClauses, "updated_at = now()")
		query := fmt.Sprintf(`update patients set %s where id = $%d`, strings.Join(setClauses, ", "), idx)
		args = append(args, id)
		res, err := s.db.ExecContext(ctx, query, args...)
		if err != nil {
			return nil, err
		}
		aff, err := res.RowsAffected()
		if err != nil {
			return nil, err
		}
		if aff == 0 {
			return nil, records.ErrNotFound
		}
	}
	return s.Get(ctx, id)
}

func (s *Store) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `delete from patients where id = $1`, id)
	if err != nil {
		return err
	}
	aff, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if aff == 0 {
		return records.ErrNotFound
	}
	return nil
}

func (s *Store) ExistingKeys(ctx context.Context, keys []string) (map[string]struct{}, error) {
	out := make(map[string]struct{})
	if len(keys) == 0 {
		return out, nil
	}
	rows, err := s.db.QueryContext(ctx, `select record_key from patients where record_key = any($1)`, keys)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, err
		}
		out[key] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) Count(ctx context.Context, scope records.Scope) (int, error) {
	var n int
	var err error
	if scope.All {
		err = s.db.QueryRowContext(ctx, `select count(*) from patients`).Scan(&n)
	} else {
		err = s.db.QueryRowContext(ctx, `select count(*) from patients where owner_id = $1`, scope.OwnerID).Scan(&n)
	}
	return n, err
}
