package memory

import (
	"context"

	"github.com/goliatone/go-dataspace/pkg/domain"
	"github.com/goliatone/go-dataspace/pkg/interfaces/store"
	"github.com/google/uuid"
)

type PolicyRepository struct {
	base baseMemoryRepo[domain.PolicyRule]
}

func NewPolicyRepository() *PolicyRepository {
	return &PolicyRepository{
		base: newBaseMemoryRepo("policy", func(p *domain.PolicyRule) *domain.RecordMeta { return &p.RecordMeta }),
	}
}

func (r *PolicyRepository) Create(ctx context.Context, rule *domain.PolicyRule) error {
	if rule.Effect == "" {
		rule.Effect = domain.EffectDeny
	}
	return r.base.create(ctx, rule)
}

func (r *PolicyRepository) Update(ctx context.Context, rule *domain.PolicyRule) error {
	return r.base.update(ctx, rule)
}

func (r *PolicyRepository) GetByID(ctx context.Context, id uuid.UUID) (*domain.PolicyRule, error) {
	return r.base.getByID(ctx, id, false)
}

func (r *PolicyRepository) List(ctx context.Context, opts store.ListOptions) (store.ListResult[domain.PolicyRule], error) {
	return r.base.list(ctx, opts)
}

func (r *PolicyRepository) SoftDelete(ctx context.Context, id uuid.UUID) error {
	return r.base.softDelete(ctx, id)
}

func (r *PolicyRepository) GetByResource(ctx context.Context, resourceID string) ([]domain.PolicyRule, error) {
	result, err := r.base.list(ctx, store.ListOptions{})
	if err != nil {
		return nil, err
	}
	var rules []domain.PolicyRule
	for _, rule := range result.Items {
		if rule.ResourceID == resourceID {
			rules = append(rules, rule)
		}
	}
	return rules, nil
}
