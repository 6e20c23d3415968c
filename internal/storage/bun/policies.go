package bunrepo

import (
	"context"

	"github.com/goliatone/go-dataspace/pkg/domain"
	"github.com/goliatone/go-dataspace/pkg/interfaces/store"
	repository "github.com/goliatone/go-repository-bun"
	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

type PolicyRepository struct {
	base baseRepository[domain.PolicyRule]
}

func NewPolicyRepository(db *bun.DB) *PolicyRepository {
	handlers := repository.ModelHandlers[*domain.PolicyRule]{
		NewRecord:          func() *domain.PolicyRule { return &domain.PolicyRule{} },
		GetID:              func(p *domain.PolicyRule) uuid.UUID { return p.ID },
		SetID:              func(p *domain.PolicyRule, id uuid.UUID) { p.ID = id },
		GetIdentifier:      func() string { return "id" },
		GetIdentifierValue: func(p *domain.PolicyRule) string { return p.ID.String() },
	}
	return &PolicyRepository{
		base: newBaseRepository[domain.PolicyRule](db, handlers, func(p *domain.PolicyRule) *domain.RecordMeta { return &p.RecordMeta }),
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
	records, _, err := r.base.repo.List(ctx, withResource(resourceID), withoutDeleted())
	if err != nil {
		return nil, mapError(err)
	}
	rules := make([]domain.PolicyRule, len(records))
	for i, rec := range records {
		rules[i] = *rec
	}
	return rules, nil
}
