package domain

import "errors"

var (
	ErrNotFound          = errors.New("not found")
	ErrAlreadyExists     = errors.New("already exists")
	ErrInvalidOrder      = errors.New("invalid order parameters")
	ErrAlreadyFilled     = errors.New("order already filled")
	ErrInvalidTransition = errors.New("invalid settlement transition")
	ErrConsistency       = errors.New("book and store diverged")
	ErrCustodyRejected   = errors.New("custodian rejected request")
	ErrRateLimited       = errors.New("rate limited")
	ErrUnauthorized      = errors.New("unauthorized")
	ErrSigningFailed     = errors.New("signing failed")
	ErrLockHeld          = errors.New("lock already held")

	// ErrCommitUnknown is returned by a MatchRecorder when the outcome of a
	// commit cannot be determined (connection lost after COMMIT was sent).
	ErrCommitUnknown = errors.New("commit outcome unknown")

	// ErrNotCounterparty marks a settlement action attempted by a user who
	// is not entitled to it. It always travels wrapped with
	// ErrInvalidTransition.
	ErrNotCounterparty = errors.New("not a counterparty of this trade")
)

// ErrorCode is the stable, externally visible error code set.
type ErrorCode string

const (
	CodeInvalidOrder      ErrorCode = "INVALID_ORDER"
	CodeNotFound          ErrorCode = "NOT_FOUND"
	CodeAlreadyFilled     ErrorCode = "ALREADY_FILLED"
	CodeInvalidTransition ErrorCode = "INVALID_TRANSITION"
	CodeConsistencyError  ErrorCode = "CONSISTENCY_ERROR"
	CodeCustodyRejected   ErrorCode = "CUSTODY_REJECTED"

	// Transport-level codes, not domain outcomes.
	CodeUnauthorized ErrorCode = "UNAUTHORIZED"
	CodeRateLimited  ErrorCode = "RATE_LIMITED"
	CodeInternal     ErrorCode = "INTERNAL"
)

// CodeOf normalizes err to a stable code regardless of how deeply it was
// wrapped. Unknown errors map to CodeInternal.
func CodeOf(err error) ErrorCode {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInvalidOrder):
		return CodeInvalidOrder
	case errors.Is(err, ErrNotFound):
		return CodeNotFound
	case errors.Is(err, ErrAlreadyFilled):
		return CodeAlreadyFilled
	case errors.Is(err, ErrInvalidTransition), errors.Is(err, ErrNotCounterparty):
		return CodeInvalidTransition
	case errors.Is(err, ErrConsistency), errors.Is(err, ErrCommitUnknown):
		return CodeConsistencyError
	case errors.Is(err, ErrCustodyRejected):
		return CodeCustodyRejected
	case errors.Is(err, ErrUnauthorized), errors.Is(err, ErrSigningFailed):
		return CodeUnauthorized
	case errors.Is(err, ErrRateLimited):
		return CodeRateLimited
	default:
		return CodeInternal
	}
}
