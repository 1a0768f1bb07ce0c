package app

import (
	"slices"

	gateway "github.com/durinhq/durin/internal"
	"github.com/durinhq/durin/internal/catalog"
)

// filterIam applies the key's rules to every candidate mapping. It returns
// the survivors plus the ids of the denying rules in encounter order, so an
// all-denied request can name what blocked it.
func filterIam(rules []gateway.IamRule, model catalog.Model, mappings []catalog.Mapping) ([]catalog.Mapping, []string) {
	if len(rules) == 0 {
		return mappings, nil
	}
	var passed []catalog.Mapping
	var deniedBy []string
	for _, mp := range mappings {
		if id := firstDenial(rules, model, mp); id != "" {
			if !slices.Contains(deniedBy, id) {
				deniedBy = append(deniedBy, id)
			}
			continue
		}
		passed = append(passed, mp)
	}
	return passed, deniedBy
}

// firstDenial evaluates active rules in creation order against one candidate
// and returns the id of the first rule denying it, or "". No active rules
// means allow.
func firstDenial(rules []gateway.IamRule, model catalog.Model, mp catalog.Mapping) string {
	for _, rule := range rules {
		if rule.Status != gateway.StatusActive {
			continue
		}
		if denies(rule, model, mp) {
			return rule.ID
		}
	}
	return ""
}

func denies(rule gateway.IamRule, model catalog.Model, mp catalog.Mapping) bool {
	v := rule.RuleValue
	switch rule.RuleType {
	case gateway.RuleAllowModels:
		return !slices.Contains(v.Models, model.ID)
	case gateway.RuleDenyModels:
		return slices.Contains(v.Models, model.ID)
	case gateway.RuleAllowProviders:
		return !slices.Contains(v.Providers, mp.ProviderID)
	case gateway.RuleDenyProviders:
		return slices.Contains(v.Providers, mp.ProviderID)
	case gateway.RuleAllowPricing:
		if v.PricingType != "" && v.PricingType != pricingType(model) {
			return true
		}
		return overCap(v, mp)
	case gateway.RuleDenyPricing:
		if v.PricingType != "" && v.PricingType == pricingType(model) {
			return true
		}
		return overCap(v, mp)
	}
	return false
}

// overCap reports whether the mapping's prices exceed the rule's caps.
// Caps constrain known prices only; an unpriced mapping passes.
func overCap(v gateway.IamRuleValue, mp catalog.Mapping) bool {
	if v.MaxInputPrice != nil && mp.InputPrice != nil && mp.InputPrice.GreaterThan(*v.MaxInputPrice) {
		return true
	}
	if v.MaxOutputPrice != nil && mp.OutputPrice != nil && mp.OutputPrice.GreaterThan(*v.MaxOutputPrice) {
		return true
	}
	return false
}

// pricingType buckets a model for pricing rules.
func pricingType(model catalog.Model) string {
	if model.Free {
		return gateway.PricingFree
	}
	return gateway.PricingPaid
}
