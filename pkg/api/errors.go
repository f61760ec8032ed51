package api

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/masc-io/masc/pkg/gate"
	"github.com/masc-io/masc/pkg/room"
	"github.com/masc-io/masc/pkg/stream"
	"github.com/masc-io/masc/pkg/walph"
)

// errorBody is the JSON error payload: a machine-readable kind plus a
// human message.
type errorBody struct {
	Kind       string `json:"kind"`
	Message    string `json:"message"`
	RetryAfter string `json:"retry_after,omitempty"`
}

// writeError maps domain and gate errors to HTTP responses.
func writeError(c *echo.Context, err error) error {
	status := http.StatusInternalServerError
	body := errorBody{Kind: "internal_error", Message: err.Error()}

	if kind := gate.Kind(err); kind != "" {
		body.Kind = kind
		switch kind {
		case "unauthorized", "invalid_token", "token_expired":
			status = http.StatusUnauthorized
		case "forbidden":
			status = http.StatusForbidden
		case "rate_limited":
			status = http.StatusTooManyRequests
			var limited *gate.RateLimitedError
			if errors.As(err, &limited) {
				body.RetryAfter = limited.RetryAfter.Round(time.Millisecond).String()
			}
		}
		return c.JSON(status, body)
	}

	if errors.Is(err, stream.ErrSubscriptionNotFound) {
		return c.JSON(http.StatusNotFound, errorBody{Kind: "subscription_not_found", Message: err.Error()})
	}

	switch {
	case errors.Is(err, walph.ErrAlreadyRunning), errors.Is(err, walph.ErrStateRunning):
		return c.JSON(http.StatusConflict, errorBody{Kind: "walph_running", Message: err.Error()})
	case errors.Is(err, walph.ErrNotRunning), errors.Is(err, walph.ErrNoState):
		return c.JSON(http.StatusNotFound, errorBody{Kind: "walph_not_running", Message: err.Error()})
	case errors.Is(err, walph.ErrEmptyAgent):
		return c.JSON(http.StatusBadRequest, errorBody{Kind: "schema_error", Message: err.Error()})
	}

	if kind := room.Kind(err); kind != "internal_error" {
		body.Kind = kind
		switch kind {
		case "not_initialized", "agent_not_found", "task_not_found", "vote_not_found", "file_not_locked":
			status = http.StatusNotFound
		case "agent_already_exists", "task_claimed", "task_not_assigned_to_you",
			"file_locked", "invalid_transition", "vote_closed", "portal_error", "room_paused":
			status = http.StatusConflict
		case "schema_error", "invalid_path":
			status = http.StatusBadRequest
		case "no_available_tasks":
			status = http.StatusNotFound
		case "timeout":
			status = http.StatusRequestTimeout
		case "io_error":
			status = http.StatusServiceUnavailable
		}
		return c.JSON(status, body)
	}

	slog.Error("Unexpected handler error", "error", err)
	return c.JSON(status, body)
}
