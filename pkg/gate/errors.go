package gate

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel auth errors.
var (
	// ErrUnauthorized is returned when no identity could be established.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrInvalidToken is returned when a presented token does not verify.
	ErrInvalidToken = errors.New("invalid token")

	// ErrInternal wraps recovered panics from command handlers.
	ErrInternal = errors.New("internal error")
)

// ForbiddenError reports a caller lacking the permission a command needs.
type ForbiddenError struct {
	Agent  string
	Action string
}

func (e *ForbiddenError) Error() string {
	return fmt.Sprintf("agent %s is not allowed to %s", e.Agent, e.Action)
}

// TokenExpiredError reports a token past its TTL.
type TokenExpiredError struct{ Agent string }

func (e *TokenExpiredError) Error() string {
	return fmt.Sprintf("token expired for agent %s", e.Agent)
}

// RateLimitedError reports a denied call and when to retry.
type RateLimitedError struct{ RetryAfter time.Duration }

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited, retry after %s", e.RetryAfter)
}

// Kind returns the machine-readable kind for gate-level errors, or "" when
// the error belongs to another layer.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, ErrInvalidToken):
		return "invalid_token"
	case errors.Is(err, ErrInternal):
		return "internal_error"
	}
	var (
		forbidden *ForbiddenError
		expired   *TokenExpiredError
		limited   *RateLimitedError
	)
	switch {
	case errors.As(err, &forbidden):
		return "forbidden"
	case errors.As(err, &expired):
		return "token_expired"
	case errors.As(err, &limited):
		return "rate_limited"
	}
	return ""
}
