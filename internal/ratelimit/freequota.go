package ratelimit

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
)

// Free-model tiers. Organizations holding credits get a working rate;
// everyone else gets a trial trickle with a long window.
const (
	freeTierLimit  = 20
	freeTierWindow = 60 * time.Second

	trialTierLimit  = 5
	trialTierWindow = 600 * time.Second
)

// FreeModelQuota limits requests to zero-price models per organization
// and model. The allowance depends on whether the organization has a
// positive credit balance, so topping up immediately unlocks the
// higher tier.
type FreeModelQuota struct {
	window *SlidingWindow
}

func NewFreeModelQuota(rdb *redis.Client) *FreeModelQuota {
	return &FreeModelQuota{window: NewSlidingWindow(rdb)}
}

// Allow checks and records one free-model request.
func (q *FreeModelQuota) Allow(ctx context.Context, orgID, model string, credits decimal.Decimal) (Result, error) {
	limit, window := int64(trialTierLimit), trialTierWindow
	if credits.IsPositive() {
		limit, window = freeTierLimit, freeTierWindow
	}
	return q.window.Allow(ctx, freeModelKey(orgID, model), limit, window)
}

func freeModelKey(orgID, model string) string {
	return "rate_limit:free_model:" + orgID + ":" + model
}
