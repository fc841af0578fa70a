package records

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound     = errors.New("records: not found")
	ErrConflict     = errors.New("records: conflict")
	ErrInvalidInput = errors.New("records: invalid input")
)

// ImportValidationError rejects a commit whose file still contains invalid
// rows. The preview phase returns the same row list without the error.
type ImportValidationError struct {
	Errors []RowError
}

func (e *ImportValidationError) Error() string {
	return fmt.Sprintf("records: import rejected, %d invalid rows", len(e.Errors))
}
