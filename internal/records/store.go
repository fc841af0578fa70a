package records

import (
	"context"

	"carevault.org/internal/audit"
)

// Store describes persistence operations for the record catalog.
type Store interface {
	// Search returns one page plus the total match count under the scope.
	Search(ctx context.Context, scope Scope, q Query) ([]*Record, int, error)

	Get(ctx context.Context, id string) (*Record, error)
	Insert(ctx context.Context, rec *Record) error

	// InsertBatch persists all records and the audit entry in one atomic
	// step; a duplicate key anywhere fails the whole batch.
	InsertBatch(ctx context.Context, recs []*Record, entry *audit.Entry) error

	Update(ctx context.Context, id string, upd Update) (*Record, error)
	Delete(ctx context.Context, id string) error

	// ExistingKeys reports which of the given record keys are already taken.
	ExistingKeys(ctx context.Context, keys []string) (map[string]struct{}, error)

	Count(ctx context.Context, scope Scope) (int, error)
}
