package storage

import (
	"context"
	"database/sql"

	bunrepo "github.com/goliatone/go-dataspace/internal/storage/bun"
	"github.com/goliatone/go-dataspace/internal/storage/memory"
	"github.com/goliatone/go-dataspace/pkg/domain"
	"github.com/goliatone/go-dataspace/pkg/interfaces/store"
	persistence "github.com/goliatone/go-persistence-bun"
	"github.com/uptrace/bun"
)

// MetricsCollector enables downstream observers to record repo timings.
type MetricsCollector interface {
	Record(operation string, labels map[string]string)
}

// Providers exposes the repositories the negotiation core needs.
type Providers struct {
	Sessions    store.SessionRepository
	Policies    store.PolicyRepository
	Transaction store.TransactionManager
	Metrics     MetricsCollector
}

type Option func(*Providers)

// WithMetricsCollector registers a metrics collector returned alongside repos.
func WithMetricsCollector(collector MetricsCollector) Option {
	return func(p *Providers) {
		p.Metrics = collector
	}
}

// NewMemoryProviders returns repositories backed by in-memory maps.
func NewMemoryProviders(opts ...Option) Providers {
	providers := Providers{
		Sessions:    memory.NewSessionRepository(),
		Policies:    memory.NewPolicyRepository(),
		Transaction: &store.NopTransactionManager{},
	}
	for _, opt := range opts {
		opt(&providers)
	}
	return providers
}

// NewBunProviders wires Bun-backed repositories using go-repository-bun.
// The caller is responsible for creating the *bun.DB instance (potentially
// via go-persistence-bun) and managing its lifecycle.
func NewBunProviders(db *bun.DB, opts ...Option) Providers {
	if db == nil {
		panic("storage: bun DB is required")
	}

	// Register models so go-persistence-bun migrations can pick them up.
	persistence.RegisterModel(
		(*domain.NegotiationSession)(nil),
		(*domain.PolicyRule)(nil),
	)

	providers := Providers{
		Sessions:    bunrepo.NewSessionRepository(db),
		Policies:    bunrepo.NewPolicyRepository(db),
		Transaction: &bunTxManager{db: db},
	}
	for _, opt := range opts {
		opt(&providers)
	}
	return providers
}

// EnsureIndexes creates the backend indexes the repositories rely on.
// Memory providers need none; bun providers add the partial unique index
// that guards the single active session per (requester, resource) pair.
// Call it once after migrations run.
func (p Providers) EnsureIndexes(ctx context.Context) error {
	if sessions, ok := p.Sessions.(*bunrepo.SessionRepository); ok {
		return sessions.EnsureIndexes(ctx)
	}
	return nil
}

type bunTxManager struct {
	db *bun.DB
}

func (m *bunTxManager) WithinTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	return m.db.RunInTx(ctx, &sql.TxOptions{}, func(ctx context.Context, tx bun.Tx) error {
		return fn(ctx)
	})
}
