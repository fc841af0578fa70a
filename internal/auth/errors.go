package auth

import "errors"

var (
	ErrNotFound        = errors.New("auth: not found")
	ErrConflict        = errors.New("auth: already exists")
	ErrInvalidInput    = errors.New("auth: invalid input")
	ErrUnauthenticated = errors.New("auth: unauthenticated")
	ErrForbidden       = errors.New("auth: forbidden")
	ErrAccountLocked   = errors.New("auth: account locked")
	ErrInvalidOtp      = errors.New("auth: invalid otp")
	ErrUnavailable     = errors.New("auth: backend unavailable")
)
