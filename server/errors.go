package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/epcalc/epcalc/breaker"
	"github.com/epcalc/epcalc/expand"
)

// StatusClientClosedRequest is the nginx-convention status for a
// client that cancelled or disconnected mid-request.
const StatusClientClosedRequest = 499

// Error kinds surfaced in the "error" field of failure bodies.
const (
	kindInvalidParameter = "InvalidParameter"
	kindUnauthorised     = "Unauthorised"
	kindOverCapacity     = "OverCapacity"
	kindCancelled        = "Cancelled"
	kindInternal         = "Internal"
)

// apiError carries everything needed to render a failure response.
type apiError struct {
	Kind         string
	Message      string
	Status       int
	RetryAfter   time.Duration
	CircuitState breaker.State
	hasCircuit   bool
}

func (e *apiError) Error() string { return e.Message }

func invalidParameter(msg string) *apiError {
	return &apiError{Kind: kindInvalidParameter, Message: msg, Status: http.StatusBadRequest}
}

func unauthorised() *apiError {
	return &apiError{Kind: kindUnauthorised, Message: "authentication required", Status: http.StatusUnauthorized}
}

func overCapacity(d breaker.Decision) *apiError {
	return &apiError{
		Kind:         kindOverCapacity,
		Message:      d.Reason,
		Status:       http.StatusServiceUnavailable,
		RetryAfter:   d.RetryAfter,
		CircuitState: d.State,
		hasCircuit:   true,
	}
}

func cancelled() *apiError {
	return &apiError{Kind: kindCancelled, Message: "request cancelled", Status: StatusClientClosedRequest}
}

// errorBody is the wire shape of every failure response.
type errorBody struct {
	Error        string `json:"error"`
	Message      string `json:"message"`
	StatusCode   int    `json:"statusCode"`
	RetryAfter   int    `json:"retryAfter,omitempty"`   // seconds
	CircuitState string `json:"circuitState,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if body != nil {
		_ = json.NewEncoder(w).Encode(body)
	}
}

// writeError maps any error to its failure response. Unrecognised
// errors become opaque 500s carrying a correlation id that also tags
// the server-side log line.
func writeError(w http.ResponseWriter, log *logrus.Entry, err error) {
	var ae *apiError
	var inv *expand.InvalidError
	switch {
	case errors.As(err, &ae):
	case errors.As(err, &inv):
		ae = invalidParameter(inv.Reason)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		ae = cancelled()
	default:
		id := uuid.NewString()
		log.WithError(err).WithField("correlation_id", id).Error("request failed")
		ae = &apiError{
			Kind:    kindInternal,
			Message: "internal error (ref " + id + ")",
			Status:  http.StatusInternalServerError,
		}
	}

	body := errorBody{Error: ae.Kind, Message: ae.Message, StatusCode: ae.Status}
	if ae.RetryAfter > 0 {
		secs := int(ae.RetryAfter.Round(time.Second) / time.Second)
		if secs < 1 {
			secs = 1
		}
		body.RetryAfter = secs
		w.Header().Set("Retry-After", strconv.Itoa(secs))
	}
	if ae.hasCircuit {
		body.CircuitState = ae.CircuitState.String()
	}
	if ae.Kind == kindCancelled {
		log.Debug("request cancelled by client")
	}
	writeJSON(w, ae.Status, body)
}
