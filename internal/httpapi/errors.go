package httpapi

import (
	"errors"
	"net/http"

	"carevault.org/internal/audit"
	"carevault.org/internal/auth"
	"carevault.org/internal/records"
)

type errorResponse struct {
	Error  string             `json:"error"`
	Errors []records.RowError `json:"errors,omitempty"`
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, errorResponse{Error: msg})
}

// writeDomainError maps service errors onto HTTP statuses. An import
// validation failure carries its row errors so the dashboard can point at
// the offending lines.
func writeDomainError(w http.ResponseWriter, err error) {
	var verr *records.ImportValidationError
	switch {
	case errors.As(err, &verr):
		writeJSON(w, http.StatusUnprocessableEntity, errorResponse{
			Error:  verr.Error(),
			Errors: verr.Errors,
		})
	case errors.Is(err, auth.ErrUnauthenticated), errors.Is(err, auth.ErrInvalidToken):
		writeError(w, http.StatusUnauthorized, "invalid credentials")
	case errors.Is(err, auth.ErrAccountLocked):
		writeError(w, http.StatusLocked, "account is temporarily locked")
	case errors.Is(err, auth.ErrForbidden):
		writeError(w, http.StatusForbidden, "permission denied")
	case errors.Is(err, auth.ErrNotFound), errors.Is(err, records.ErrNotFound):
		writeError(w, http.StatusNotFound, "resource not found")
	case errors.Is(err, auth.ErrConflict), errors.Is(err, records.ErrConflict):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, auth.ErrInvalidOtp):
		writeError(w, http.StatusBadRequest, "invalid or expired code")
	case errors.Is(err, auth.ErrInvalidInput), errors.Is(err, records.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, audit.ErrUnavailable), errors.Is(err, auth.ErrUnavailable):
		writeError(w, http.StatusServiceUnavailable, "service temporarily unavailable")
	default:
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}
