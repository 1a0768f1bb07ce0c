package app

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	gateway "github.com/durinhq/durin/internal"
	"github.com/durinhq/durin/internal/storage"
)

// KeyManager owns the API key lifecycle and the IAM rules scoped to a key.
type KeyManager struct {
	store storage.APIKeyStore
}

// NewKeyManager returns a KeyManager backed by store.
func NewKeyManager(store storage.APIKeyStore) *KeyManager {
	return &KeyManager{store: store}
}

// CreateKey mints a new API key for a project. The plaintext is returned
// exactly once; only its hash and a display mask are stored.
func (km *KeyManager) CreateKey(ctx context.Context, projectID, description string, usageLimit *decimal.Decimal) (string, *gateway.APIKey, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", nil, err
	}
	plaintext := gateway.APIKeyPrefix + base64.RawURLEncoding.EncodeToString(raw)

	now := time.Now().UTC()
	key := &gateway.APIKey{
		ID:          uuid.Must(uuid.NewV7()).String(),
		ProjectID:   projectID,
		KeyHash:     gateway.HashKey(plaintext),
		MaskedKey:   maskKey(plaintext),
		Description: description,
		Status:      gateway.StatusActive,
		UsageLimit:  usageLimit,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := km.store.CreateKey(ctx, key); err != nil {
		return "", nil, err
	}
	return plaintext, key, nil
}

// maskKey keeps enough of the token to recognize it in a list.
func maskKey(plaintext string) string {
	if len(plaintext) <= 12 {
		return plaintext
	}
	return plaintext[:8] + "..." + plaintext[len(plaintext)-4:]
}

// Keys lists a project's API keys.
func (km *KeyManager) Keys(ctx context.Context, projectID string) ([]*gateway.APIKey, error) {
	return km.store.ListKeys(ctx, projectID)
}

// DeleteKey marks the key deleted. Log rows keep referencing it.
func (km *KeyManager) DeleteKey(ctx context.Context, id string) error {
	return km.store.DeleteKey(ctx, id)
}

// UpdateKey replaces the key's description and status. Deleted keys stay
// deleted; reviving one would resurrect its hash.
func (km *KeyManager) UpdateKey(ctx context.Context, id, description, status string) (*gateway.APIKey, error) {
	if status != gateway.StatusActive && status != gateway.StatusInactive {
		return nil, fmt.Errorf("invalid key status %q: %w", status, gateway.ErrBadRequest)
	}
	key, err := km.store.GetKey(ctx, id)
	if err != nil {
		return nil, err
	}
	if key.Status == gateway.StatusDeleted {
		return nil, gateway.ErrNotFound
	}
	key.Description = description
	key.Status = status
	key.UpdatedAt = time.Now().UTC()
	if err := km.store.UpdateKey(ctx, key); err != nil {
		return nil, err
	}
	return key, nil
}

// SetUsageLimit replaces the key's spend ceiling; nil removes it.
func (km *KeyManager) SetUsageLimit(ctx context.Context, id string, limit *decimal.Decimal) error {
	return km.store.UpdateKeyLimit(ctx, id, limit)
}

// CreateIamRule validates and persists a rule for a key. New rules start
// active and take effect as the router's rule cache expires.
func (km *KeyManager) CreateIamRule(ctx context.Context, apiKeyID, ruleType string, value gateway.IamRuleValue) (*gateway.IamRule, error) {
	if err := validateRule(ruleType, value); err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	rule := &gateway.IamRule{
		ID:        uuid.Must(uuid.NewV7()).String(),
		APIKeyID:  apiKeyID,
		RuleType:  ruleType,
		RuleValue: value,
		Status:    gateway.StatusActive,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := km.store.CreateIamRule(ctx, rule); err != nil {
		return nil, err
	}
	return rule, nil
}

// Rules lists a key's IAM rules in creation order.
func (km *KeyManager) Rules(ctx context.Context, apiKeyID string) ([]gateway.IamRule, error) {
	return km.store.ListIamRules(ctx, apiKeyID)
}

// UpdateIamRule replaces the type, payload and status of an existing rule.
func (km *KeyManager) UpdateIamRule(ctx context.Context, apiKeyID, ruleID, ruleType string, value gateway.IamRuleValue, status string) (*gateway.IamRule, error) {
	rule, err := km.store.GetIamRule(ctx, apiKeyID, ruleID)
	if err != nil {
		return nil, err
	}
	if err := validateRule(ruleType, value); err != nil {
		return nil, err
	}
	if status != gateway.StatusActive && status != gateway.StatusInactive {
		return nil, fmt.Errorf("invalid rule status %q: %w", status, gateway.ErrBadRequest)
	}
	rule.RuleType = ruleType
	rule.RuleValue = value
	rule.Status = status
	rule.UpdatedAt = time.Now().UTC()
	if err := km.store.UpdateIamRule(ctx, rule); err != nil {
		return nil, err
	}
	return rule, nil
}

// DeleteIamRule removes a rule from a key.
func (km *KeyManager) DeleteIamRule(ctx context.Context, apiKeyID, ruleID string) error {
	return km.store.DeleteIamRule(ctx, apiKeyID, ruleID)
}

// validateRule rejects rule payloads the router could not evaluate.
func validateRule(ruleType string, v gateway.IamRuleValue) error {
	if !gateway.ValidRuleType(ruleType) {
		return fmt.Errorf("unknown rule type %q: %w", ruleType, gateway.ErrBadRequest)
	}
	switch ruleType {
	case gateway.RuleAllowModels, gateway.RuleDenyModels:
		if len(v.Models) == 0 {
			return fmt.Errorf("rule %s needs at least one model: %w", ruleType, gateway.ErrBadRequest)
		}
	case gateway.RuleAllowProviders, gateway.RuleDenyProviders:
		if len(v.Providers) == 0 {
			return fmt.Errorf("rule %s needs at least one provider: %w", ruleType, gateway.ErrBadRequest)
		}
	case gateway.RuleAllowPricing, gateway.RuleDenyPricing:
		if v.PricingType == "" && v.MaxInputPrice == nil && v.MaxOutputPrice == nil {
			return fmt.Errorf("rule %s needs a pricing type or a price cap: %w", ruleType, gateway.ErrBadRequest)
		}
		if v.PricingType != "" && v.PricingType != gateway.PricingFree && v.PricingType != gateway.PricingPaid {
			return fmt.Errorf("unknown pricing type %q: %w", v.PricingType, gateway.ErrBadRequest)
		}
	}
	return nil
}
