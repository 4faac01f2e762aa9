package api

import (
	"errors"
	"log/slog"
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/helix-runtime/helixd/pkg/faults"
)

// Envelope is the uniform response shape of every endpoint.
type Envelope struct {
	OK    bool      `json:"ok"`
	Data  any       `json:"data,omitempty"`
	Error *APIError `json:"error,omitempty"`
}

// APIError is the serialized error half of the envelope.
type APIError struct {
	Kind         string `json:"kind"`
	Message      string `json:"message"`
	RetryAfterMS int64  `json:"retry_after_ms,omitempty"`
}

func respond(c echo.Context, status int, data any) error {
	return c.JSON(status, Envelope{OK: true, Data: data})
}

// respondError maps a faults kind onto an HTTP status and serializes the
// envelope. Non-fault errors surface as kind fatal without leaking internals.
func respondError(c echo.Context, err error) error {
	return c.JSON(statusFor(faults.KindOf(err)), *errorEnvelope(err))
}

func errorEnvelope(err error) *Envelope {
	kind := faults.KindOf(err)
	apiErr := &APIError{Kind: string(kind), Message: err.Error()}

	var fe *faults.Error
	if errors.As(err, &fe) {
		apiErr.Message = fe.Message
		if fe.RetryAfter > 0 {
			apiErr.RetryAfterMS = fe.RetryAfter.Milliseconds()
		}
	} else {
		slog.Error("Unclassified API error", "error", err)
		apiErr.Message = "internal error"
	}
	return &Envelope{Error: apiErr}
}

func statusFor(kind faults.Kind) int {
	switch kind {
	case faults.KindRateLimited:
		return http.StatusTooManyRequests
	case faults.KindBudgetExceeded:
		return http.StatusPaymentRequired
	case faults.KindApprovalDenied, faults.KindEscalationBlocked, faults.KindConfigRefused:
		return http.StatusForbidden
	case faults.KindApprovalTimeout:
		return http.StatusRequestTimeout
	case faults.KindAdapterTimeout:
		return http.StatusGatewayTimeout
	case faults.KindModelUnavailable, faults.KindPreconditionUnavailable, faults.KindOffline:
		return http.StatusServiceUnavailable
	case faults.KindIntegrityFailed:
		return http.StatusUnprocessableEntity
	case faults.KindConflictUnresolved:
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

// badRequest is the envelope variant of a 400.
func badRequest(c echo.Context, message string) error {
	return c.JSON(http.StatusBadRequest, Envelope{
		Error: &APIError{Kind: "bad_request", Message: message},
	})
}
