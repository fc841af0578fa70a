package pg

import (
	"context"
	"database/sql"

	"carevault.org/internal/audit"
)

func (s *Store) Append(ctx context.Context, entry *audit.Entry) error {
	_, err := s.db.ExecContext(ctx, `
		insert into audit_log (id, occurred_at, actor_id, action, details, outcome)
		values ($1, $2, $3, $4, $5, $6)
	`, entry.ID, entry.OccurredAt, nullIfEmpty(entry.ActorID), entry.Action, entry.Details, entry.Outcome)
	return err
}

func (s *Store) Tail(ctx context.Context, filter string, limit int) ([]audit.Entry, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if filter != "" {
		rows, err = s.db.QueryContext(ctx, `
			select id, occurred_at, coalesce(actor_id,''), action, coalesce(details,''), outcome
			from audit_log
			where action ilike $1 or details ilike $1
			order by occurred_at desc, id desc
			limit $2
		`, "%"+filter+"%", limit)
	} else {
		rows, err = s.db.QueryContext(ctx, `
			select id, occurred_at, coalesce(actor_id,''), action, coalesce(details,''), outcome
			from audit_log
			order by occurred_at desc, id desc
			limit $1
		`, limit)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []audit.Entry
	for rows.Next() {
		var e audit.Entry
		if err := rows.Scan(&e.ID, &e.OccurredAt, &e.ActorID, &e.Action, &e.Details, &e.Outcome); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return entries, nil
}
