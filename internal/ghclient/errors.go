package ghclient

import (
	"fmt"
	"time"
)

// AuthenticationError maps a 401 response.
type AuthenticationError struct{ Status int }

func (e *AuthenticationError) Error() string { return fmt.Sprintf("github: authentication failed (%d)", e.Status) }

// NotFoundError maps a 404 response.
type NotFoundError struct{ Status int }

func (e *NotFoundError) Error() string { return fmt.Sprintf("github: not found (%d)", e.Status) }

// RateLimitError maps a 403-with-rate-limit-signal or 429 response.
type RateLimitError struct {
	Status  int
	ResetAt time.Time
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("github: rate limited (%d), resets at %s", e.Status, e.ResetAt.Format(time.RFC3339))
}

// ApiError maps any other non-2xx response.
type ApiError struct{ Status int }

func (e *ApiError) Error() string { return fmt.Sprintf("github: api error (%d)", e.Status) }

// classifyStatus applies spec.md C4's error taxonomy to a response status.
func classifyStatus(status int, rateLimited bool, resetAt time.Time) error {
	switch {
	case status == 401:
		return &AuthenticationError{Status: status}
	case status == 404:
		return &NotFoundError{Status: status}
	case status == 429 || (status == 403 && rateLimited):
		return &RateLimitError{Status: status, ResetAt: resetAt}
	case status >= 300:
		return &ApiError{Status: status}
	default:
		return nil
	}
}
