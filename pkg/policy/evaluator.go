package policy

import (
	"context"
	"fmt"
	"sort"

	"github.com/goliatone/go-dataspace/pkg/domain"
	"github.com/goliatone/go-dataspace/pkg/interfaces/store"
)

// Outcome is the result of evaluating a principal against a resource's
// access rules.
type Outcome struct {
	Effect string
	Reason string
	// RequiredSteps carries the minimal negotiation step sequence when the
	// effect is negotiate.
	RequiredSteps []string
	// Rule is the winning rule, nil when no rule applied.
	Rule *domain.PolicyRule
}

// Permitted reports a straight permit.
func (o Outcome) Permitted() bool { return o.Effect == domain.EffectPermit }

// NegotiationRequired reports whether access hinges on a completed
// negotiation.
func (o Outcome) NegotiationRequired() bool { return o.Effect == domain.EffectNegotiate }

// Evaluate decides permit/deny/negotiate for the principal over the given
// rules. A rule applies when all its attribute-equals predicates hold; the
// most specific applicable rule wins (predicate count), and on an exact tie
// the more restrictive effect wins: deny over negotiate over permit.
// Role requirements of the winning rule are then enforced; the first
// missing role denies with "missing-role:<role>". No applicable rule denies
// with "no-applicable-policy".
func Evaluate(principal *domain.Principal, rules []domain.PolicyRule) Outcome {
	winner := selectRule(principal, rules)
	if winner == nil {
		return Outcome{Effect: domain.EffectDeny, Reason: "no-applicable-policy"}
	}

	for _, role := range winner.RequiredRoles {
		if !principal.HasRole(role) {
			return Outcome{
				Effect: domain.EffectDeny,
				Reason: fmt.Sprintf("missing-role:%s", role),
				Rule:   winner,
			}
		}
	}

	switch winner.Effect {
	case domain.EffectPermit:
		return Outcome{Effect: domain.EffectPermit, Rule: winner}
	case domain.EffectNegotiate:
		return Outcome{
			Effect:        domain.EffectNegotiate,
			RequiredSteps: winner.RequiredSteps,
			Rule:          winner,
		}
	default:
		reason := winner.Description
		if reason == "" {
			reason = "policy-deny"
		}
		return Outcome{Effect: domain.EffectDeny, Reason: reason, Rule: winner}
	}
}

// selectRule picks the winning rule: attribute predicates must match, then
// highest specificity, then restrictiveness on ties.
func selectRule(principal *domain.Principal, rules []domain.PolicyRule) *domain.PolicyRule {
	var applicable []*domain.PolicyRule
	for i := range rules {
		if attributesMatch(principal, rules[i].Attributes) {
			applicable = append(applicable, &rules[i])
		}
	}
	if len(applicable) == 0 {
		return nil
	}

	sort.SliceStable(applicable, func(i, j int) bool {
		si, sj := applicable[i].Specificity(), applicable[j].Specificity()
		if si != sj {
			return si > sj
		}
		return restrictiveness(applicable[i].Effect) > restrictiveness(applicable[j].Effect)
	})
	return applicable[0]
}

func attributesMatch(principal *domain.Principal, predicates domain.JSONMap) bool {
	for name, want := range predicates {
		got, ok := principal.Attribute(name)
		if !ok || got != fmt.Sprintf("%v", want) {
			return false
		}
	}
	return true
}

// restrictiveness orders effects fail-closed: deny beats negotiate beats
// permit on equal specificity.
func restrictiveness(effect string) int {
	switch effect {
	case domain.EffectDeny:
		return 2
	case domain.EffectNegotiate:
		return 1
	default:
		return 0
	}
}

// Evaluator resolves rules from the policy repository and evaluates them.
type Evaluator struct {
	policies store.PolicyRepository
}

// NewEvaluator builds an evaluator over the given repository.
func NewEvaluator(policies store.PolicyRepository) (*Evaluator, error) {
	if policies == nil {
		return nil, fmt.Errorf("policy: repository is required")
	}
	return &Evaluator{policies: policies}, nil
}

// EvaluateResource loads the rules attached to the resource and evaluates
// the principal against them.
func (e *Evaluator) EvaluateResource(ctx context.Context, principal *domain.Principal, resourceID string) (Outcome, error) {
	rules, err := e.policies.GetByResource(ctx, resourceID)
	if err != nil {
		return Outcome{}, fmt.Errorf("policy: load rules for %q: %w", resourceID, err)
	}
	return Evaluate(principal, rules), nil
}
