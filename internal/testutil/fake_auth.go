package testutil

import (
	"context"
	"net/http"

	"github.com/shopspring/decimal"

	gateway "github.com/durinhq/durin/internal"
)

// FakeAuth authenticates every request as a fixed identity. The zero value
// yields a funded credits-mode caller.
type FakeAuth struct {
	Identity *gateway.Identity
}

// Authenticate returns the configured identity.
func (f FakeAuth) Authenticate(context.Context, *http.Request) (*gateway.Identity, error) {
	if f.Identity != nil {
		cp := *f.Identity
		return &cp, nil
	}
	return &gateway.Identity{
		KeyID:          "key-test",
		ProjectID:      "proj-test",
		OrgID:          "org-test",
		Plan:           gateway.PlanPro,
		Mode:           gateway.ModeCredits,
		RetentionLevel: gateway.RetentionRetain,
		Credits:        decimal.NewFromInt(100),
	}, nil
}

// RejectAuth always rejects authentication.
type RejectAuth struct{}

// Authenticate always returns ErrUnauthorized.
func (RejectAuth) Authenticate(context.Context, *http.Request) (*gateway.Identity, error) {
	return nil, gateway.ErrUnauthorized
}
