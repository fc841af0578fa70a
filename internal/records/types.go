// Package records implements the patient record catalog: scoped queries,
// guarded mutations and the two-phase spreadsheet import.
package records

import "time"

// Record is one patient row. RecordKey is the business identifier printed
// on wristbands and spreadsheets; it is unique across the whole catalog and
// immutable after creation.
type Record struct {
	ID          string    `json:"id"`
	RecordKey   string    `json:"record_key"`
	FirstName   string    `json:"first_name"`
	LastName    string    `json:"last_name"`
	DateOfBirth time.Time `json:"date_of_birth"`
	Gender      string    `json:"gender"`
	OwnerID     string    `json:"owner_id"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Update carries optional field changes; nil fields are left untouched. The
// record key cannot be changed once assigned.
type Update struct {
	FirstName   *string
	LastName    *string
	DateOfBirth *time.Time
	Gender      *string
}

// Scope bounds which records a query may touch. All is set only for
// principals holding the catalog-wide read grant; otherwise OwnerID pins
// results to the caller's own records.
type Scope struct {
	OwnerID string
	All     bool
}

// Sort keys accepted by Search.
const (
	SortRecordKey   = "record_key"
	SortFirstName   = "first_name"
	SortLastName    = "last_name"
	SortDateOfBirth = "date_of_birth"
	SortGender      = "gender"
	SortCreatedAt   = "created_at"
)

// Query describes one search request.
type Query struct {
	Search   string
	SortKey  string
	SortDesc bool
	Offset   int
	Limit    int
}

// Page is one slice of search results.
type Page struct {
	Records []*Record `json:"records"`
	Total   int       `json:"total"`
	HasMore bool      `json:"has_more"`
}

// BulkDeleteFailure explains why one id in a bulk delete was skipped.
type BulkDeleteFailure struct {
	ID     string `json:"id"`
	Reason string `json:"reason"`
}

// BulkDeleteResult summarizes a bulk delete. The operation is best-effort
// per id: failures never roll back earlier deletions in the same batch.
type BulkDeleteResult struct {
	Deleted  int                 `json:"deleted"`
	Failures []BulkDeleteFailure `json:"failures,omitempty"`
}

// ParsedRow is one spreadsheet row after header mapping. DateOfBirth is
// normalized to YYYY-MM-DD by the parser.
type ParsedRow struct {
	Line        int
	RecordKey   string
	FirstName   string
	LastName    string
	DateOfBirth string
	Gender      string
}

// RowError points at one rejected spreadsheet row.
type RowError struct {
	Line    int    `json:"line"`
	Message string `json:"message"`
}

// TabularParser turns an uploaded file into rows. Parse reports per-row
// problems separately from file-level failures (corrupt file, missing
// header) so callers can render both.
type TabularParser interface {
	Parse(data []byte) ([]ParsedRow, []RowError, error)
}

// ImportReport is the outcome of the validation phase. The upload may only
// be committed when Errors is empty.
type ImportReport struct {
	TotalRows int        `json:"total_rows"`
	ValidRows int        `json:"valid_rows"`
	Errors    []RowError `json:"errors,omitempty"`
}

// ImportResult is the outcome of a committed import.
type ImportResult struct {
	Imported int `json:"imported"`
}
