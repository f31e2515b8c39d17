package auth

import "errors"

var (
	// ErrUnauthenticated covers missing, malformed and expired credentials.
	ErrUnauthenticated = errors.New("auth: unauthenticated")
	// ErrForbidden covers authenticated callers without sufficient privilege,
	// inactive accounts, wrong second-factor codes and temporary-token misuse.
	ErrForbidden = errors.New("auth: forbidden")
	ErrNotFound  = errors.New("auth: not found")
	ErrConflict  = errors.New("auth: already exists")
	// ErrValidation carries a human-readable reason in the wrapping error.
	ErrValidation = errors.New("auth: invalid input")
)
