package api

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v5"

	"github.com/theatreos/theatreos/pkg/auth"
	"github.com/theatreos/theatreos/pkg/storage"
)

// errorBody is the uniform error response shape.
type errorBody struct {
	Error string `json:"error"`
	Field string `json:"field,omitempty"`
}

// respondErr maps domain errors onto HTTP statuses. Unrecognized errors
// surface as 500 without leaking internals.
func respondErr(c *echo.Context, err error) error {
	var ve *storage.ValidationError
	if errors.As(err, &ve) {
		return c.JSON(http.StatusBadRequest, errorBody{Error: ve.Message, Field: ve.Field})
	}

	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, storage.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, storage.ErrForbidden):
		status = http.StatusForbidden
	case errors.Is(err, storage.ErrConflict), errors.Is(err, storage.ErrGateNotOpen):
		status = http.StatusConflict
	case errors.Is(err, storage.ErrOptionInvalid):
		status = http.StatusBadRequest
	case errors.Is(err, storage.ErrInsufficientFunds):
		status = http.StatusPaymentRequired
	case errors.Is(err, storage.ErrRateLimited):
		status = http.StatusTooManyRequests
	case errors.Is(err, storage.ErrTimeout):
		status = http.StatusGatewayTimeout
	case errors.Is(err, auth.ErrTokenInvalid):
		status = http.StatusUnauthorized
	}

	msg := err.Error()
	if status == http.StatusInternalServerError {
		msg = "internal error"
	}
	return c.JSON(status, errorBody{Error: msg})
}

func badRequest(c *echo.Context, msg string) error {
	return c.JSON(http.StatusBadRequest, errorBody{Error: msg})
}
