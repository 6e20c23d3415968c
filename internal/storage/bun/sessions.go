package bunrepo

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/goliatone/go-dataspace/pkg/domain"
	"github.com/goliatone/go-dataspace/pkg/interfaces/store"
	repository "github.com/goliatone/go-repository-bun"
	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

var terminalStates = []string{
	domain.SessionFinalized,
	domain.SessionRejected,
	domain.SessionExpired,
	domain.SessionCancelled,
}

type SessionRepository struct {
	base baseRepository[domain.NegotiationSession]
	db   *bun.DB
}

func NewSessionRepository(db *bun.DB) *SessionRepository {
	handlers := repository.ModelHandlers[*domain.NegotiationSession]{
		NewRecord:          func() *domain.NegotiationSession { return &domain.NegotiationSession{} },
		GetID:              func(s *domain.NegotiationSession) uuid.UUID { return s.ID },
		SetID:              func(s *domain.NegotiationSession, id uuid.UUID) { s.ID = id },
		GetIdentifier:      func() string { return "id" },
		GetIdentifierValue: func(s *domain.NegotiationSession) string { return s.ID.String() },
	}
	return &SessionRepository{
		base: newBaseRepository[domain.NegotiationSession](db, handlers, func(s *domain.NegotiationSession) *domain.RecordMeta { return &s.RecordMeta }),
		db:   db,
	}
}

// EnsureIndexes creates the partial unique index backing the single
// active session guarantee. Run it once after the tables exist: under
// read committed isolation two concurrent creates can both pass the
// in-transaction existence check, so the index is what actually holds
// the line.
func (r *SessionRepository) EnsureIndexes(ctx context.Context) error {
	_, err := r.db.NewRaw(
		"CREATE UNIQUE INDEX IF NOT EXISTS negotiation_sessions_active_uq "+
			"ON negotiation_sessions (requester_tenant, resource_id) "+
			"WHERE state NOT IN (?) AND deleted_at IS NULL",
		bun.In(terminalStates),
	).Exec(ctx)
	return err
}

// Create inserts the session inside a transaction. The existence check
// gives a friendly error on the common path; the partial unique index
// catches the concurrent-create race it cannot see.
func (r *SessionRepository) Create(ctx context.Context, session *domain.NegotiationSession) error {
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

	err := r.db.RunInTx(ctx, &sql.TxOptions{}, func(ctx context.Context, tx bun.Tx) error {
		exists, err := tx.NewSelect().
			Model((*domain.NegotiationSession)(nil)).
			Where("requester_tenant = ?", session.RequesterTenant).
			Where("resource_id = ?", session.ResourceID).
			Where("state NOT IN (?)", bun.In(terminalStates)).
			Where("deleted_at IS NULL").
			Exists(ctx)
		if err != nil {
			return err
		}
		if exists {
			return store.ErrDuplicateActiveSession
		}
		if _, err := tx.NewInsert().Model(session).Exec(ctx); err != nil {
			if isUniqueViolation(err) {
				return store.ErrDuplicateActiveSession
			}
			return err
		}
		return nil
	})
	if err != nil && !errors.Is(err, store.ErrDuplicateActiveSession) {
		return mapError(err)
	}
	return err
}

// isUniqueViolation matches constraint errors across the supported
// drivers; neither sqlite nor pgdriver exposes a shared sentinel.
func isUniqueViolation(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique") || strings.Contains(msg, "duplicate key")
}

func (r *SessionRepository) Get(ctx context.Context, id uuid.UUID) (*domain.NegotiationSession, error) {
	return r.base.getByID(ctx, id, false)
}

func (r *SessionRepository) FindActive(ctx context.Context, requesterTenant, resourceID string) (*domain.NegotiationSession, error) {
	session := new(domain.NegotiationSession)
	err := r.db.NewSelect().
		Model(session).
		Where("requester_tenant = ?", requesterTenant).
		Where("resource_id = ?", resourceID).
		Where("state NOT IN (?)", bun.In(terminalStates)).
		Where("deleted_at IS NULL").
		Limit(1).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, mapError(err)
	}
	return session, nil
}

// Save performs the compare-and-swap write: the row is updated only when
// its stored version still matches expectedVersion. Zero affected rows
// means another writer won the race (or the session vanished).
func (r *SessionRepository) Save(ctx context.Context, session *domain.NegotiationSession, expectedVersion int64) error {
	session.Version = expectedVersion + 1
	session.UpdatedAt = time.Now().UTC()

	res, err := r.db.NewUpdate().
		Model(session).
		WherePK().
		Where("version = ?", expectedVersion).
		Where("deleted_at IS NULL").
		Exec(ctx)
	if err != nil {
		session.Version = expectedVersion
		return mapError(err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		session.Version = expectedVersion
		return mapError(err)
	}
	if affected == 0 {
		session.Version = expectedVersion
		exists, err := r.db.NewSelect().
			Model((*domain.NegotiationSession)(nil)).
			Where("id = ?", session.ID).
			Where("deleted_at IS NULL").
			Exists(ctx)
		if err != nil {
			return mapError(err)
		}
		if !exists {
			return store.ErrNotFound
		}
		return store.ErrVersionConflict
	}
	return nil
}

func (r *SessionRepository) List(ctx context.Context, opts store.ListOptions) (store.ListResult[domain.NegotiationSession], error) {
	return r.base.list(ctx, opts)
}

func (r *SessionRepository) SweepExpired(ctx context.Context, now time.Time, idleTimeout time.Duration) (int, error) {
	deadline := now.Add(-idleTimeout)
	res, err := r.db.NewUpdate().
		Model((*domain.NegotiationSession)(nil)).
		Set("state = ?", domain.SessionExpired).
		Set("version = version + 1").
		Set("updated_at = ?", now).
		Where("state NOT IN (?)", bun.In(terminalStates)).
		Where("last_activity_at < ?", deadline).
		Where("deleted_at IS NULL").
		Exec(ctx)
	if err != nil {
		return 0, mapError(err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(affected), nil
}

func (r *SessionRepository) ArchiveTerminal(ctx context.Context, olderThan time.Time) (int, error) {
	now := time.Now().UTC()
	res, err := r.db.NewUpdate().
		Model((*domain.NegotiationSession)(nil)).
		Set("deleted_at = ?", now).
		Set("updated_at = ?", now).
		Where("state IN (?)", bun.In(terminalStates)).
		Where("updated_at < ?", olderThan).
		Where("deleted_at IS NULL").
		Exec(ctx)
	if err != nil {
		return 0, mapError(err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(affected), nil
}
