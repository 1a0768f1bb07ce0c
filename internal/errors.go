package gateway

import "errors"

// Sentinel errors for the gateway domain. Exactly one place (the server
// package) maps these onto HTTP statuses.
var (
	ErrBadRequest      = errors.New("bad request")
	ErrUnauthorized    = errors.New("unauthorized")
	ErrPaymentRequired = errors.New("payment required")
	ErrForbidden       = errors.New("forbidden")
	ErrNotFound        = errors.New("not found")
	ErrConflict        = errors.New("conflict")
	ErrRateLimited     = errors.New("rate limited")
	ErrUpstream        = errors.New("upstream error")
	ErrGateway         = errors.New("gateway error")
	ErrCanceled        = errors.New("request canceled")
	ErrKeyInactive     = errors.New("api key inactive")
	ErrUsageLimit      = errors.New("api key usage limit exceeded")
	ErrModelNotAllowed = errors.New("model not allowed")
	ErrNoCredentials   = errors.New("no provider credentials")
)
