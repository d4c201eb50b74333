package apperr

import "errors"

// Domain error taxonomy. Handlers map these to HTTP codes in one place;
// services and the ledger engine wrap them with context via fmt.Errorf("%w").
var (
	ErrInvalidArgument        = errors.New("invalid argument")
	ErrInsufficientBalance    = errors.New("insufficient balance")
	ErrDailyLimitExceeded     = errors.New("daily limit exceeded")
	ErrInvalidStateTransition = errors.New("invalid state transition")
	ErrForbidden              = errors.New("forbidden")
	ErrUnderfunded            = errors.New("underfunded external transaction")
	ErrRailUnavailable        = errors.New("external rail unavailable")
	ErrDuplicateDelivery      = errors.New("duplicate delivery")
	ErrNotFound               = errors.New("not found")
)

// Retryable reports whether an error coming out of a background job should be
// retried. Validation and state-machine errors never are; rail outages are.
func Retryable(err error) bool {
	switch {
	case errors.Is(err, ErrInvalidArgument),
		errors.Is(err, ErrInsufficientBalance),
		errors.Is(err, ErrDailyLimitExceeded),
		errors.Is(err, ErrInvalidStateTransition),
		errors.Is(err, ErrForbidden),
		errors.Is(err, ErrUnderfunded),
		errors.Is(err, ErrNotFound):
		return false
	}
	return true
}
