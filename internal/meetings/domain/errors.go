package domain

import "errors"

// Error kinds returned by the meetings core. Call sites wrap them with
// fmt.Errorf("...: %w", ErrX); callers classify with errors.Is.
var (
	ErrNotFound       = errors.New("not found")
	ErrInvalidState   = errors.New("invalid state")
	ErrInvalidInput   = errors.New("invalid input")
	ErrLimitExceeded  = errors.New("limit exceeded")
	ErrUnauthorized   = errors.New("unauthorized")
	ErrAdapterFailure = errors.New("adapter failure")
	// ErrConflict means another writer changed the record first; reload and retry.
	ErrConflict = errors.New("conflict")
)
