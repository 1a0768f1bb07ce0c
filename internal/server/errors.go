package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"math"
	"net/http"
	"strconv"

	gateway "github.com/durinhq/durin/internal"
	"github.com/durinhq/durin/internal/ratelimit"
)

// StatusClientClosedRequest is the nginx convention for a client that
// disconnected before the response completed.
const StatusClientClosedRequest = 499

// apiError is the error envelope every endpoint returns.
type apiError struct {
	Error   bool   `json:"error"`
	Status  int    `json:"status"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

func errorEnvelope(status int, msg string, details any) apiError {
	return apiError{Error: true, Status: status, Message: msg, Details: details}
}

// errorStatus is the single translation point from error kinds to HTTP
// statuses. ErrNoCredentials collapses to bad_request: an api-keys project
// calling a model it holds no key for made a client mistake, not a payment
// one.
func errorStatus(err error) int {
	switch {
	case errors.Is(err, gateway.ErrBadRequest), errors.Is(err, gateway.ErrNoCredentials):
		return http.StatusBadRequest
	case errors.Is(err, gateway.ErrUnauthorized), errors.Is(err, gateway.ErrKeyInactive):
		return http.StatusUnauthorized
	case errors.Is(err, gateway.ErrPaymentRequired), errors.Is(err, gateway.ErrUsageLimit):
		return http.StatusPaymentRequired
	case errors.Is(err, gateway.ErrForbidden), errors.Is(err, gateway.ErrModelNotAllowed):
		return http.StatusForbidden
	case errors.Is(err, gateway.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, gateway.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, gateway.ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, gateway.ErrCanceled), errors.Is(err, context.Canceled):
		return StatusClientClosedRequest
	case errors.Is(err, gateway.ErrUpstream):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// writeError translates err and writes the envelope. Client-fault statuses
// echo the domain error text; server and upstream faults are logged in full
// and sanitized so internal detail never reaches the wire.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := errorStatus(err)
	msg := err.Error()
	switch status {
	case http.StatusInternalServerError:
		slog.LogAttrs(r.Context(), slog.LevelError, "request failed",
			slog.String("error", err.Error()),
			slog.String("request_id", gateway.RequestIDFromContext(r.Context())))
		msg = "internal error"
	case http.StatusBadGateway:
		slog.LogAttrs(r.Context(), slog.LevelWarn, "upstream failure",
			slog.String("error", err.Error()),
			slog.String("request_id", gateway.RequestIDFromContext(r.Context())))
		msg = "upstream provider error"
	}
	writeJSON(w, status, errorEnvelope(status, msg, nil))
}

// writeRateLimited writes a 429 with a Retry-After header rounded up to
// whole seconds so clients that honor it land past the window edge.
func writeRateLimited(w http.ResponseWriter, res ratelimit.Result) {
	retry := int64(math.Ceil(res.RetryAfterSeconds))
	if retry < 1 {
		retry = 1
	}
	w.Header().Set("Retry-After", strconv.FormatInt(retry, 10))
	writeJSON(w, http.StatusTooManyRequests, errorEnvelope(
		http.StatusTooManyRequests,
		"rate limit exceeded",
		map[string]int64{"limit": res.Limit, "retry_after": retry},
	))
}

// jsonCT is a pre-allocated header value slice. Direct map assignment
// (w.Header()["Content-Type"] = jsonCT) avoids the []string{v} alloc
// that Header.Set creates on every call. Saves 1 alloc/req.
var jsonCT = []string{"application/json"}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header()["Content-Type"] = jsonCT
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}
