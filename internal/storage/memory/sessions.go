package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/goliatone/go-dataspace/pkg/domain"
	"github.com/goliatone/go-dataspace/pkg/interfaces/store"
	"github.com/google/uuid"
)

// SessionRepository keeps sessions in a map guarded by a single mutex so
// the compare-and-swap save and the single-active-session check are atomic,
// matching the contract a SQL backend provides with conditional updates.
type SessionRepository struct {
	mu      sync.Mutex
	records map[uuid.UUID]domain.NegotiationSession
}

func NewSessionRepository() *SessionRepository {
	return &SessionRepository{
		records: make(map[uuid.UUID]domain.NegotiationSession),
	}
}

func (r *SessionRepository) Create(ctx context.Context, session *domain.NegotiationSession) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, existing := range r.records {
		if existing.DeletedAt.IsZero() &&
			existing.RequesterTenant == session.RequesterTenant &&
			existing.ResourceID == session.ResourceID &&
			!existing.Terminal() {
			return store.ErrDuplicateActiveSession
		}
	}

	session.EnsureID()
	now := time.Now().UTC()
	if session.CreatedAt.IsZero() {
		session.CreatedAt = now
	}
	session.UpdatedAt = now
	if session.Version == 0 {
		session.Version = 1
	}
	if session.LastActivityAt.IsZero() {
		session.LastActivityAt = now
	}
	r.records[session.ID] = *session
	return nil
}

func (r *SessionRepository) Get(ctx context.Context, id uuid.UUID) (*domain.NegotiationSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	record, ok := r.records[id]
	if !ok || !record.DeletedAt.IsZero() {
		return nil, store.ErrNotFound
	}
	copy := record
	return &copy, nil
}

func (r *SessionRepository) FindActive(ctx context.Context, requesterTenant, resourceID string) (*domain.NegotiationSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, record := range r.records {
		if record.DeletedAt.IsZero() &&
			record.RequesterTenant == requesterTenant &&
			record.ResourceID == resourceID &&
			!record.Terminal() {
			copy := record
			return &copy, nil
		}
	}
	return nil, store.ErrNotFound
}

func (r *SessionRepository) Save(ctx context.Context, session *domain.NegotiationSession, expectedVersion int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	current, ok := r.records[session.ID]
	if !ok || !current.DeletedAt.IsZero() {
		return store.ErrNotFound
	}
	if current.Version != expectedVersion {
		return store.ErrVersionConflict
	}
	session.Version = expectedVersion + 1
	session.UpdatedAt = time.Now().UTC()
	r.records[session.ID] = *session
	return nil
}

func (r *SessionRepository) List(ctx context.Context, opts store.ListOptions) (store.ListResult[domain.NegotiationSession], error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var filtered []domain.NegotiationSession
	for _, record := range r.records {
		if !opts.IncludeSoftDeleted && !record.DeletedAt.IsZero() {
			continue
		}
		if !opts.Since.IsZero() && record.CreatedAt.Before(opts.Since) {
			continue
		}
		if !opts.Until.IsZero() && record.CreatedAt.After(opts.Until) {
			continue
		}
		filtered = append(filtered, record)
	}
	sort.Slice(filtered, func(i, j int) bool {
		return filtered[i].CreatedAt.Before(filtered[j].CreatedAt)
	})

	total := len(filtered)
	if opts.Offset > 0 {
		if opts.Offset >= len(filtered) {
			filtered = nil
		} else {
			filtered = filtered[opts.Offset:]
		}
	}
	if opts.Limit > 0 && len(filtered) > opts.Limit {
		filtered = filtered[:opts.Limit]
	}
	return store.ListResult[domain.NegotiationSession]{Items: filtered, Total: total}, nil
}

func (r *SessionRepository) SweepExpired(ctx context.Context, now time.Time, idleTimeout time.Duration) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	deadline := now.Add(-idleTimeout)
	swept := 0
	for id, record := range r.records {
		if !record.DeletedAt.IsZero() || record.Terminal() {
			continue
		}
		if record.IdleSince(deadline) {
			record.State = domain.SessionExpired
			record.Version++
			record.UpdatedAt = now
			r.records[id] = record
			swept++
		}
	}
	return swept, nil
}

func (r *SessionRepository) ArchiveTerminal(ctx context.Context, olderThan time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	archived := 0
	now := time.Now().UTC()
	for id, record := range r.records {
		if !record.DeletedAt.IsZero() || !record.Terminal() {
			continue
		}
		if record.UpdatedAt.Before(olderThan) {
			record.DeletedAt = now
			record.UpdatedAt = now
			r.records[id] = record
			archived++
		}
	}
	return archived, nil
}
