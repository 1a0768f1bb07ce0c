package provider

import (
	"fmt"
	"io"
	"net/http"

	gateway "github.com/durinhq/durin/internal"
)

// APIError is an error response from an upstream provider. StatusCode is the
// upstream HTTP status; the circuit breaker classifies failures on it.
type APIError struct {
	Provider   string
	StatusCode int
	Body       string
}

// Error returns a formatted error string including provider, status, and body.
func (e *APIError) Error() string {
	return fmt.Sprintf("%s: HTTP %d: %s", e.Provider, e.StatusCode, e.Body)
}

// HTTPStatus returns the upstream status code.
func (e *APIError) HTTPStatus() int { return e.StatusCode }

// Unwrap maps every upstream failure onto ErrUpstream, so handlers answer
// 502 no matter what status the provider returned.
func (e *APIError) Unwrap() error { return gateway.ErrUpstream }

// ParseAPIError reads up to 4KB from the response body and returns an APIError.
func ParseAPIError(provider string, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return &APIError{Provider: provider, StatusCode: resp.StatusCode, Body: string(body)}
}
