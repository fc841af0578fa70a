package records

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"carevault.org/internal/audit"
	"carevault.org/internal/auth"
	"carevault.org/internal/ids"
	"carevault.org/internal/obs"
)

// Record mutation action tags.
const (
	ActionCreate     = "CREATE_PATIENT"
	ActionUpdate     = "UPDATE_PATIENT"
	ActionDelete     = "DELETE_PATIENT"
	ActionBulkDelete = "BULK_DELETE"
	ActionImport     = "UPLOAD_PATIENTS"
)

const (
	defaultPageLimit = 50
	dateLayout       = "2006-01-02"
)

var allowedSortKeys = map[string]struct{}{
	SortRecordKey:   {},
	SortFirstName:   {},
	SortLastName:    {},
	SortDateOfBirth: {},
	SortGender:      {},
	SortCreatedAt:   {},
}

var allowedGenders = map[string]struct{}{
	"male":   {},
	"female": {},
	"other":  {},
}

// Service is the guarded front door to the record catalog. Every operation
// checks the caller's permissions before touching storage, and every
// mutation lands in the audit log or fails.
type Service struct {
	store    Store
	auditor  *audit.Recorder
	parser   TabularParser
	maxLimit int
	now      func() time.Time
}

// Option configures Service behavior.
type Option func(*Service)

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) Option {
	return func(s *Service) {
		if fn != nil {
			s.now = fn
		}
	}
}

// WithMaxPageLimit caps how many records one search page may return.
func WithMaxPageLimit(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.maxLimit = n
		}
	}
}

// NewService constructs the record service.
func NewService(store Store, auditor *audit.Recorder, parser TabularParser, opts ...Option) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store is required", ErrInvalidInput)
	}
	if auditor == nil {
		return nil, fmt.Errorf("%w: auditor is required", ErrInvalidInput)
	}
	if parser == nil {
		return nil, fmt.Errorf("%w: parser is required", ErrInvalidInput)
	}
	s := &Service{
		store:    store,
		auditor:  auditor,
		parser:   parser,
		maxLimit: 500,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// scopeFor derives the visibility scope from the caller's grants. The
// catalog-wide grant widens the scope; otherwise results are pinned to
// records the caller owns.
func scopeFor(actor auth.Principal) Scope {
	if auth.Authorize(actor, auth.PermReadAllPatients) {
		return Scope{All: true}
	}
	return Scope{OwnerID: actor.User.ID}
}

func canRead(actor auth.Principal) bool {
	return auth.Authorize(actor, auth.PermReadPatients) || auth.Authorize(actor, auth.PermReadAllPatients)
}

// Search returns one page of records visible to the caller.
func (s *Service) Search(ctx context.Context, actor auth.Principal, q Query) (Page, error) {
	if !canRead(actor) {
		return Page{}, fmt.Errorf("%w: missing %s", auth.ErrForbidden, auth.PermReadPatients)
	}
	if q.Limit <= 0 {
		q.Limit = defaultPageLimit
	}
	if q.Limit > s.maxLimit {
		q.Limit = s.maxLimit
	}
	if q.Offset < 0 {
		return Page{}, fmt.Errorf("%w: negative offset", ErrInvalidInput)
	}
	if q.SortKey == "" {
		q.SortKey = SortRecordKey
	}
	if _, ok := allowedSortKeys[q.SortKey]; !ok {
		return Page{}, fmt.Errorf("%w: unknown sort key %q", ErrInvalidInput, q.SortKey)
	}
	q.Search = strings.TrimSpace(q.Search)

	recs, total, err := s.store.Search(ctx, scopeFor(actor), q)
	if err != nil {
		return Page{}, err
	}
	return Page{
		Records: recs,
		Total:   total,
		HasMore: q.Offset+len(recs) < total,
	}, nil
}

// Get returns one record. A record outside the caller's scope is
// indistinguishable from a missing one.
func (s *Service) Get(ctx context.Context, actor auth.Principal, id string) (*Record, error) {
	if !canRead(actor) {
		return nil, fmt.Errorf("%w: missing %s", auth.ErrForbidden, auth.PermReadPatients)
	}
	rec, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !s.inScope(actor, rec) {
		return nil, ErrNotFound
	}
	return rec, nil
}

func (s *Service) inScope(actor auth.Principal, rec *Record) bool {
	scope := scopeFor(actor)
	return scope.All || rec.OwnerID == scope.OwnerID
}

// CreateInput carries the fields for a new record.
type CreateInput struct {
	RecordKey   string
	FirstName   string
	LastName    string
	DateOfBirth time.Time
	Gender      string
}

// Create inserts one record owned by the caller.
func (s *Service) Create(ctx context.Context, actor auth.Principal, in CreateInput) (*Record, error) {
	if err := auth.Require(actor, auth.PermCreatePatients); err != nil {
		return nil, err
	}
	in.RecordKey = strings.TrimSpace(in.RecordKey)
	in.FirstName = strings.TrimSpace(in.FirstName)
	in.LastName = strings.TrimSpace(in.LastName)
	in.Gender = strings.ToLower(strings.TrimSpace(in.Gender))
	if err := validateFields(in.RecordKey, in.FirstName, in.LastName, in.Gender, in.DateOfBirth, s.now().UTC()); err != nil {
		return nil, err
	}

	now := s.now().UTC()
	rec := &Record{
		ID:          ids.New(),
		RecordKey:   in.RecordKey,
		FirstName:   in.FirstName,
		LastName:    in.LastName,
		DateOfBirth: in.DateOfBirth,
		Gender:      in.Gender,
		OwnerID:     actor.User.ID,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.store.Insert(ctx, rec); err != nil {
		return nil, err
	}
	if _, err := s.auditor.Record(ctx, actor.User.ID, ActionCreate, "record "+rec.RecordKey, audit.OutcomeSuccess); err != nil {
		return nil, err
	}
	return rec, nil
}

// Update applies a partial update to a record in the caller's scope.
func (s *Service) Update(ctx context.Context, actor auth.Principal, id string, upd Update) (*Record, error) {
	if err := auth.Require(actor, auth.PermUpdatePatients); err != nil {
		return nil, err
	}
	current, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !s.inScope(actor, current) {
		return nil, ErrNotFound
	}
	if upd.FirstName != nil && strings.TrimSpace(*upd.FirstName) == "" {
		return nil, fmt.Errorf("%w: first name is required", ErrInvalidInput)
	}
	if upd.LastName != nil && strings.TrimSpace(*upd.LastName) == "" {
		return nil, fmt.Errorf("%w: last name is required", ErrInvalidInput)
	}
	if upd.Gender != nil {
		g := strings.ToLower(strings.TrimSpace(*upd.Gender))
		if _, ok := allowedGenders[g]; !ok {
			return nil, fmt.Errorf("%w: unknown gender %q", ErrInvalidInput, *upd.Gender)
		}
		upd.Gender = &g
	}
	if upd.DateOfBirth != nil && upd.DateOfBirth.After(s.now().UTC()) {
		return nil, fmt.Errorf("%w: date of birth is in the future", ErrInvalidInput)
	}

	rec, err := s.store.Update(ctx, id, upd)
	if err != nil {
		return nil, err
	}
	if _, err := s.auditor.Record(ctx, actor.User.ID, ActionUpdate, "record "+rec.RecordKey, audit.OutcomeSuccess); err != nil {
		return nil, err
	}
	return rec, nil
}

// Delete removes one record in the caller's scope.
func (s *Service) Delete(ctx context.Context, actor auth.Principal, id string) error {
	if err := auth.Require(actor, auth.PermDeletePatients); err != nil {
		return err
	}
	rec, err := s.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if !s.inScope(actor, rec) {
		return ErrNotFound
	}
	if err := s.store.Delete(ctx, id); err != nil {
		return err
	}
	_, err = s.auditor.Record(ctx, actor.User.ID, ActionDelete, "record "+rec.RecordKey, audit.OutcomeSuccess)
	return err
}

// BulkDelete removes many records, continuing past per-id failures. One
// summary audit entry covers the whole batch.
func (s *Service) BulkDelete(ctx context.Context, actor auth.Principal, recordIDs []string) (BulkDeleteResult, error) {
	if err := auth.Require(actor, auth.PermDeletePatients); err != nil {
		return BulkDeleteResult{}, err
	}
	if len(recordIDs) == 0 {
		return BulkDeleteResult{}, fmt.Errorf("%w: no record ids given", ErrInvalidInput)
	}

	var result BulkDeleteResult
	seen := make(map[string]struct{}, len(recordIDs))
	for _, id := range recordIDs {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}

		rec, err := s.store.Get(ctx, id)
		switch {
		case errors.Is(err, ErrNotFound):
			result.Failures = append(result.Failures, BulkDeleteFailure{ID: id, Reason: "not found"})
			continue
		case err != nil:
			return result, err
		}
		if !s.inScope(actor, rec) {
			result.Failures = append(result.Failures, BulkDeleteFailure{ID: id, Reason: "not found"})
			continue
		}
		if err := s.store.Delete(ctx, id); err != nil {
			if errors.Is(err, ErrNotFound) {
				result.Failures = append(result.Failures, BulkDeleteFailure{ID: id, Reason: "not found"})
				continue
			}
			return result, err
		}
		result.Deleted++
	}

	details := fmt.Sprintf("%d deleted, %d failed", result.Deleted, len(result.Failures))
	if _, err := s.auditor.Record(ctx, actor.User.ID, ActionBulkDelete, details, audit.OutcomeSuccess); err != nil {
		return result, err
	}
	return result, nil
}

// Stats is the dashboard summary over the caller's scope.
type Stats struct {
	TotalRecords int `json:"total_records"`
}

// Stats counts the records visible to the caller.
func (s *Service) Stats(ctx context.Context, actor auth.Principal) (Stats, error) {
	if err := auth.Require(actor, auth.PermViewReports); err != nil {
		return Stats{}, err
	}
	n, err := s.store.Count(ctx, scopeFor(actor))
	if err != nil {
		return Stats{}, err
	}
	return Stats{TotalRecords: n}, nil
}

// PreviewImport runs the validation phase of the two-phase import: parse the
// file, validate every row and check keys against the catalog, without
// writing anything.
func (s *Service) PreviewImport(ctx context.Context, actor auth.Principal, data []byte) (ImportReport, error) {
	if err := auth.Require(actor, auth.PermCreatePatients); err != nil {
		return ImportReport{}, err
	}
	rows, rowErrs, err := s.validateUpload(ctx, data)
	if err != nil {
		return ImportReport{}, err
	}
	return ImportReport{
		TotalRows: len(rows) + len(rowErrs),
		ValidRows: len(rows),
		Errors:    rowErrs,
	}, nil
}

// CommitImport runs the commit phase: the file is re-validated from scratch
// and, only when every row is clean, all records plus the summary audit
// entry are persisted in one atomic step. Any invalid row rejects the whole
// file; partial imports never happen.
func (s *Service) CommitImport(ctx context.Context, actor auth.Principal, data []byte) (ImportResult, error) {
	if err := auth.Require(actor, auth.PermCreatePatients); err != nil {
		return ImportResult{}, err
	}
	rows, rowErrs, err := s.validateUpload(ctx, data)
	if err != nil {
		return ImportResult{}, err
	}
	if len(rowErrs) > 0 {
		obs.ObserveImport("rejected")
		return ImportResult{}, &ImportValidationError{Errors: rowErrs}
	}
	if len(rows) == 0 {
		obs.ObserveImport("rejected")
		return ImportResult{}, fmt.Errorf("%w: file contains no rows", ErrInvalidInput)
	}

	now := s.now().UTC()
	recs := make([]*Record, 0, len(rows))
	for _, row := range rows {
		dob, perr := time.ParseInLocation(dateLayout, row.DateOfBirth, time.UTC)
		if perr != nil {
			return ImportResult{}, fmt.Errorf("%w: bad date on line %d", ErrInvalidInput, row.Line)
		}
		recs = append(recs, &Record{
			ID:          ids.New(),
			RecordKey:   row.RecordKey,
			FirstName:   row.FirstName,
			LastName:    row.LastName,
			DateOfBirth: dob,
			Gender:      row.Gender,
			OwnerID:     actor.User.ID,
			CreatedAt:   now,
			UpdatedAt:   now,
		})
	}

	entry := s.auditor.NewEntry(actor.User.ID, ActionImport, fmt.Sprintf("%d records", len(recs)))
	if err := s.store.InsertBatch(ctx, recs, entry); err != nil {
		obs.ObserveImport("failed")
		return ImportResult{}, err
	}
	obs.ObserveImport("committed")
	return ImportResult{Imported: len(recs)}, nil
}

// validateUpload parses the file and layers catalog checks on top of the
// parser's structural ones: keys must not collide with existing records or
// with other rows in the same file.
func (s *Service) validateUpload(ctx context.Context, data []byte) ([]ParsedRow, []RowError, error) {
	rows, rowErrs, err := s.parser.Parse(data)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}

	keys := make([]string, 0, len(rows))
	for _, row := range rows {
		keys = append(keys, row.RecordKey)
	}
	existing, err := s.store.ExistingKeys(ctx, keys)
	if err != nil {
		return nil, nil, err
	}

	now := s.now().UTC()
	seen := make(map[string]int, len(rows))
	valid := rows[:0:0]
	for _, row := range rows {
		if firstLine, dup := seen[row.RecordKey]; dup {
			rowErrs = append(rowErrs, RowError{
				Line:    row.Line,
				Message: fmt.Sprintf("duplicate of line %d", firstLine),
			})
			continue
		}
		seen[row.RecordKey] = row.Line
		if _, taken := existing[row.RecordKey]; taken {
			rowErrs = append(rowErrs, RowError{Line: row.Line, Message: "record key already exists"})
			continue
		}
		if dob, perr := time.ParseInLocation(dateLayout, row.DateOfBirth, time.UTC); perr != nil || dob.After(now) {
			rowErrs = append(rowErrs, RowError{Line: row.Line, Message: "invalid date of birth"})
			continue
		}
		valid = append(valid, row)
	}
	sort.Slice(rowErrs, func(i, j int) bool { return rowErrs[i].Line < rowErrs[j].Line })
	return valid, rowErrs, nil
}

func validateFields(key, first, last, gender string, dob, now time.Time) error {
	if key == "" {
		return fmt.Errorf("%w: record key is required", ErrInvalidInput)
	}
	if first == "" {
		return fmt.Errorf("%w: first name is required", ErrInvalidInput)
	}
	if last == "" {
		return fmt.Errorf("%w: last name is required", ErrInvalidInput)
	}
	if _, ok := allowedGenders[gender]; !ok {
		return fmt.Errorf("%w: unknown gender %q", ErrInvalidInput, gender)
	}
	if dob.IsZero() {
		return fmt.Errorf("%w: date of birth is required", ErrInvalidInput)
	}
	if dob.After(now) {
		return fmt.Errorf("%w: date of birth is in the future", ErrInvalidInput)
	}
	return nil
}
