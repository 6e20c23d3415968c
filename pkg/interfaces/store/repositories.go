package store

import (
	"context"
	"errors"
	"time"

	"github.com/goliatone/go-dataspace/pkg/domain"
	"github.com/google/uuid"
)

// ErrNotFound is returned when a record cannot be located.
var ErrNotFound = errors.New("store: not found")

// ErrVersionConflict is returned when a compare-and-swap save observes a
// version other than the expected one. The caller must reload and retry
// against the current state.
var ErrVersionConflict = errors.New("store: version conflict")

// ErrDuplicateActiveSession is returned when creating a session while a
// non-terminal session already exists for the same (requester, resource)
// pair.
var ErrDuplicateActiveSession = errors.New("store: active session already exists")

// ErrUnavailable is returned when the backing store cannot be reached
// within the operation deadline. Callers may retry; it never indicates a
// permanent denial.
var ErrUnavailable = errors.New("store: unavailable")

// ListOptions capture pagination and filtering knobs common to repositories.
type ListOptions struct {
	Limit              int
	Offset             int
	Since              time.Time
	Until              time.Time
	IncludeSoftDeleted bool
}

// ListResult bundles records and totals.
type ListResult[T any] struct {
	Items []T
	Total int
}

// Repository defines base CRUD helpers reused by entity-specific interfaces.
type Repository[T any] interface {
	Create(ctx context.Context, record *T) error
	Update(ctx context.Context, record *T) error
	GetByID(ctx context.Context, id uuid.UUID) (*T, error)
	List(ctx context.Context, opts ListOptions) (ListResult[T], error)
	SoftDelete(ctx context.Context, id uuid.UUID) error
}

// SessionRepository persists negotiation sessions. Implementations behave
// as a linearizable compare-and-swap store: Save succeeds only when the
// stored version equals expectedVersion, so concurrent transition attempts
// on one session race and exactly one wins.
type SessionRepository interface {
	// Create inserts a new session, enforcing the single-active-session
	// invariant per (requester tenant, resource).
	Create(ctx context.Context, session *domain.NegotiationSession) error
	Get(ctx context.Context, id uuid.UUID) (*domain.NegotiationSession, error)
	// FindActive returns the non-terminal session for the pair, or
	// ErrNotFound.
	FindActive(ctx context.Context, requesterTenant, resourceID string) (*domain.NegotiationSession, error)
	// Save persists the session when its stored version still equals
	// expectedVersion, bumping Version by one. Returns ErrVersionConflict
	// otherwise.
	Save(ctx context.Context, session *domain.NegotiationSession, expectedVersion int64) error
	List(ctx context.Context, opts ListOptions) (ListResult[domain.NegotiationSession], error)
	// SweepExpired moves every non-terminal session idle past idleTimeout
	// into the expired state and reports how many were swept.
	SweepExpired(ctx context.Context, now time.Time, idleTimeout time.Duration) (int, error)
	// ArchiveTerminal soft-deletes terminal sessions whose last update is
	// older than the retention cutoff.
	ArchiveTerminal(ctx context.Context, olderThan time.Time) (int, error)
}

// PolicyRepository reads and maintains the access rules attached to
// resources.
type PolicyRepository interface {
	Repository[domain.PolicyRule]
	GetByResource(ctx context.Context, resourceID string) ([]domain.PolicyRule, error)
}
