package schemas

import (
	"context"
	"errors"
)

// ErrRateLimited marks rate-limit rejections. It bubbles to the top of the
// build loop and is broadcast as RATE_LIMIT_ERROR rather than a generic ERROR.
var ErrRateLimited = errors.New("rate limit exceeded")

// ErrSecurityViolation marks CSRF/origin failures at the HTTP boundary.
var ErrSecurityViolation = errors.New("security violation")

// IsRateLimited reports whether err is (or wraps) a rate-limit rejection.
func IsRateLimited(err error) bool { return errors.Is(err, ErrRateLimited) }

// IsAbort reports whether err stems from cooperative cancellation.
func IsAbort(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
