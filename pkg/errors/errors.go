package apperrors

import "errors"

// Standardized Gateway Errors
var (
	ErrInsufficientMargin   = errors.New("insufficient margin")
	ErrOrderRejected        = errors.New("order rejected")
	ErrRateLimitExceeded    = errors.New("rate limit exceeded")
	ErrNetwork              = errors.New("network error")
	ErrOrderNotFound        = errors.New("order not found")
	ErrDuplicateOrder       = errors.New("duplicate order")
	ErrGatewayUnavailable   = errors.New("gateway unavailable")
	ErrInvalidOrderParam    = errors.New("invalid order parameter")
	ErrAlreadyFilled        = errors.New("order already filled")
	ErrAuthenticationFailed = errors.New("authentication failed")
)

// IsTransient reports whether a gateway error is worth a single retry.
// Anything else is left for the auditor to reconcile.
func IsTransient(err error) bool {
	return errors.Is(err, ErrNetwork) ||
		errors.Is(err, ErrRateLimitExceeded) ||
		errors.Is(err, ErrGatewayUnavailable)
}
