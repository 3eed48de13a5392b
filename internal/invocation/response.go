package invocation

import (
	"errors"
	"net/http"

	apperrors "github.com/alexjbarnes/toolpay/internal/errors"
	"github.com/alexjbarnes/toolpay/internal/executor"
	"github.com/alexjbarnes/toolpay/internal/payment"
)

// ErrorResponse maps an Invoke error to an HTTP status and JSON body.
// The same body is used for REST responses and MCP error results.
func ErrorResponse(err error) (int, map[string]any) {
	var perr *payment.Error
	if errors.As(err, &perr) {
		return perr.Status, perr.Body()
	}

	switch {
	case errors.Is(err, apperrors.ErrNotFound):
		return http.StatusNotFound, map[string]any{"error": "not_found", "message": err.Error()}
	case errors.Is(err, apperrors.ErrMissingParameter):
		return http.StatusBadRequest, map[string]any{"error": "missing_parameter", "message": err.Error()}
	case errors.Is(err, apperrors.ErrInvalidRequest):
		return http.StatusBadRequest, map[string]any{"error": "invalid_request", "message": err.Error()}
	default:
		return http.StatusInternalServerError, map[string]any{"error": "server_error", "message": "internal error"}
	}
}

// EnvelopeStatus returns the HTTP status that reports env to the caller.
func EnvelopeStatus(env *executor.Envelope) int {
	switch {
	case env == nil || env.Success:
		return http.StatusOK
	case env.Reason == executor.ReasonTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusBadGateway
	}
}
