package negotiation

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/goliatone/go-dataspace/internal/storage/memory"
	"github.com/goliatone/go-dataspace/pkg/domain"
	"github.com/goliatone/go-dataspace/pkg/interfaces/store"
	"github.com/goliatone/go-dataspace/pkg/secrets"
)

const (
	requester = "beta-consumer"
	provider  = "acme-provider"
	resource  = "dataset-1"
)

type fixture struct {
	svc      *Service
	sessions store.SessionRepository
	now      time.Time
}

func newFixture(t *testing.T, opts ...func(*Dependencies)) *fixture {
	t.Helper()
	f := &fixture{
		sessions: memory.NewSessionRepository(),
		now:      time.Now().UTC(),
	}
	signer, err := NewGrantSigner(&secrets.StaticKeeper{Key: []byte("test-signing-key")}, "test-issuer", 5*time.Minute)
	if err != nil {
		t.Fatalf("signer: %v", err)
	}
	deps := Dependencies{
		Sessions:       f.sessions,
		Signer:         signer,
		Clock:          func() time.Time { return f.now },
		RoundTripLimit: 8,
		IdleTimeout:    30 * time.Minute,
	}
	for _, opt := range opts {
		opt(&deps)
	}
	f.svc, err = NewService(deps)
	if err != nil {
		t.Fatalf("service: %v", err)
	}
	return f
}

func (f *fixture) open(t *testing.T, initial domain.JSONMap) *domain.NegotiationSession {
	t.Helper()
	session, err := f.svc.Open(context.Background(), OpenInput{
		RequesterTenant: requester,
		ProviderTenant:  provider,
		ResourceID:      resource,
		InitialTerms:    initial,
	})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	return session
}

func TestOpenCreatesInitiatedSession(t *testing.T) {
	f := newFixture(t)
	session := f.open(t, nil)

	if session.State != domain.SessionInitiated {
		t.Fatalf("expected initiated, got %s", session.State)
	}
	if session.Version != 1 {
		t.Fatalf("expected version 1, got %d", session.Version)
	}
}

func TestOpenRecordsRequesterProposal(t *testing.T) {
	f := newFixture(t)
	session := f.open(t, domain.JSONMap{"purpose": "research"})

	if session.State != domain.SessionInitiated {
		t.Fatalf("opening terms must not advance the session, got %s", session.State)
	}
	if len(session.Offers) != 1 {
		t.Fatalf("expected the proposal in the log, got %d entries", len(session.Offers))
	}
	if session.Offers[0].ActorTenant != requester {
		t.Fatalf("proposal must be attributed to the requester, got %q", session.Offers[0].ActorTenant)
	}
	if session.RoundTrips != 0 {
		t.Fatalf("proposal must not consume a round trip, got %d", session.RoundTrips)
	}
}

func TestRequesterCannotNegotiateAlone(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	session := f.open(t, domain.JSONMap{"scope": "write"})

	if _, err := f.svc.SubmitOffer(ctx, session.ID, requester, domain.JSONMap{"scope": "write"}); !errors.Is(err, ErrWrongActor) {
		t.Fatalf("requester offer: expected ErrWrongActor, got %v", err)
	}
	if _, err := f.svc.Accept(ctx, session.ID, requester); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("accept before any provider offer: expected ErrInvalidTransition, got %v", err)
	}
	if _, _, err := f.svc.Finalize(ctx, session.ID, requester); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("finalize before agreement: expected ErrInvalidTransition, got %v", err)
	}

	stored, err := f.sessions.Get(ctx, session.ID)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if stored.State != domain.SessionInitiated {
		t.Fatalf("session advanced without the provider, got %s", stored.State)
	}
}

func TestCounterReservedForRequester(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	session := f.open(t, nil)

	if _, err := f.svc.SubmitOffer(ctx, session.ID, provider, domain.JSONMap{"scope": "read"}); err != nil {
		t.Fatalf("offer: %v", err)
	}
	if _, err := f.svc.Counter(ctx, session.ID, provider, domain.JSONMap{"scope": "read"}); !errors.Is(err, ErrWrongActor) {
		t.Fatalf("provider counter: expected ErrWrongActor, got %v", err)
	}
}

func TestCannotAcceptOwnOffer(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	session := f.open(t, nil)

	if _, err := f.svc.SubmitOffer(ctx, session.ID, provider, domain.JSONMap{"scope": "read"}); err != nil {
		t.Fatalf("offer: %v", err)
	}
	if _, err := f.svc.Accept(ctx, session.ID, provider); !errors.Is(err, ErrWrongActor) {
		t.Fatalf("expected ErrWrongActor, got %v", err)
	}
}

func TestOpenReturnsExistingActiveSession(t *testing.T) {
	f := newFixture(t)
	first := f.open(t, nil)
	second := f.open(t, nil)

	if first.ID != second.ID {
		t.Fatalf("expected the active session back, got %s and %s", first.ID, second.ID)
	}
}

func TestOfferThenAcceptReachesAgreed(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	session := f.open(t, nil)

	session, err := f.svc.SubmitOffer(ctx, session.ID, provider, domain.JSONMap{"scope": "read", "price": 10})
	if err != nil {
		t.Fatalf("offer: %v", err)
	}
	if session.State != domain.SessionOfferSent {
		t.Fatalf("expected offer_sent, got %s", session.State)
	}

	session, err = f.svc.Counter(ctx, session.ID, requester, domain.JSONMap{"scope": "read", "price": 8})
	if err != nil {
		t.Fatalf("counter: %v", err)
	}
	if session.State != domain.SessionCounterOffered {
		t.Fatalf("expected counter_offered, got %s", session.State)
	}

	session, err = f.svc.Accept(ctx, session.ID, provider)
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	if session.State != domain.SessionAgreed {
		t.Fatalf("expected agreed, got %s", session.State)
	}
	want := domain.TermsHash(domain.JSONMap{"scope": "read", "price": 8})
	if session.AgreedTermsHash != want {
		t.Fatalf("agreed terms hash not pinned to the accepted offer")
	}
}

// agree drives a session through a provider offer and a requester accept.
func (f *fixture) agree(t *testing.T, terms domain.JSONMap) *domain.NegotiationSession {
	t.Helper()
	ctx := context.Background()
	session := f.open(t, nil)
	if _, err := f.svc.SubmitOffer(ctx, session.ID, provider, terms); err != nil {
		t.Fatalf("offer: %v", err)
	}
	session, err := f.svc.Accept(ctx, session.ID, requester)
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	return session
}

func TestFinalizeMintsGrantOnce(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	session := f.agree(t, domain.JSONMap{"scope": "read:items"})

	_, grant, err := f.svc.Finalize(ctx, session.ID, requester)
	if err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if grant.Scope != "read:items" {
		t.Fatalf("grant scope should come from agreed terms, got %q", grant.Scope)
	}
	if grant.Subject != requester {
		t.Fatalf("unexpected grant subject %q", grant.Subject)
	}
	if grant.Token == "" {
		t.Fatal("grant token must be signed")
	}

	// Replaying finalize yields the identical grant, not a new one.
	_, again, err := f.svc.Finalize(ctx, session.ID, requester)
	if err != nil {
		t.Fatalf("replayed finalize: %v", err)
	}
	if again.Token != grant.Token || again.ID != grant.ID || !again.ExpiresAt.Equal(grant.ExpiresAt) {
		t.Fatalf("replayed finalize minted a different grant")
	}
}

func TestFinalizeRejectsDriftedTerms(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	session := f.agree(t, domain.JSONMap{"scope": "read"})

	// A rogue write mutates the offer log behind the pinned hash.
	stored, err := f.sessions.Get(ctx, session.ID)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	stored.Offers[len(stored.Offers)-1].Terms = domain.JSONMap{"scope": "admin"}
	if err := f.sessions.Save(ctx, stored, stored.Version); err != nil {
		t.Fatalf("tamper: %v", err)
	}

	if _, _, err := f.svc.Finalize(ctx, session.ID, requester); !errors.Is(err, ErrTermsDrift) {
		t.Fatalf("expected ErrTermsDrift, got %v", err)
	}
}

func TestParallelFinalizeYieldsOneGrant(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	session := f.agree(t, domain.JSONMap{"scope": "read"})

	const callers = 8
	var wg sync.WaitGroup
	grants := make([]*domain.AccessGrant, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, grants[i], errs[i] = f.svc.Finalize(ctx, session.ID, requester)
		}(i)
	}
	wg.Wait()

	for i := 0; i < callers; i++ {
		if errs[i] != nil {
			t.Fatalf("caller %d: %v", i, errs[i])
		}
		if grants[i].Token != grants[0].Token {
			t.Fatalf("caller %d received a different grant", i)
		}
	}

	stored, err := f.sessions.Get(ctx, session.ID)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if stored.State != domain.SessionFinalized {
		t.Fatalf("expected finalized, got %s", stored.State)
	}
}

func TestRoundTripLimitForcesRejection(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, func(deps *Dependencies) { deps.RoundTripLimit = 3 })
	session := f.open(t, nil)

	if _, err := f.svc.SubmitOffer(ctx, session.ID, provider, domain.JSONMap{"round": 1}); err != nil {
		t.Fatalf("offer: %v", err)
	}
	if _, err := f.svc.Counter(ctx, session.ID, requester, domain.JSONMap{"round": 2}); err != nil {
		t.Fatalf("counter: %v", err)
	}
	if _, err := f.svc.SubmitOffer(ctx, session.ID, provider, domain.JSONMap{"round": 3}); err != nil {
		t.Fatalf("second offer: %v", err)
	}

	_, err := f.svc.Counter(ctx, session.ID, requester, domain.JSONMap{"round": 4})
	if !errors.Is(err, ErrRoundTripLimit) {
		t.Fatalf("expected ErrRoundTripLimit, got %v", err)
	}

	stored, err := f.sessions.Get(ctx, session.ID)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if stored.State != domain.SessionRejected {
		t.Fatalf("exhausted session must be rejected, got %s", stored.State)
	}
}

func TestIdleSessionExpiresLazily(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	session := f.open(t, domain.JSONMap{"scope": "read"})

	f.now = f.now.Add(31 * time.Minute)

	_, err := f.svc.Get(ctx, session.ID)
	if !errors.Is(err, ErrSessionExpired) {
		t.Fatalf("expected ErrSessionExpired, got %v", err)
	}

	stored, err := f.sessions.Get(ctx, session.ID)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if stored.State != domain.SessionExpired {
		t.Fatalf("lazy expiry must persist, got %s", stored.State)
	}
}

func TestExpiredSessionAcceptsNoTransitions(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	session := f.open(t, domain.JSONMap{"scope": "read"})

	f.now = f.now.Add(31 * time.Minute)
	if _, err := f.svc.Get(ctx, session.ID); !errors.Is(err, ErrSessionExpired) {
		t.Fatalf("expected lazy expiry, got %v", err)
	}

	if _, err := f.svc.Accept(ctx, session.ID, requester); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("accept on expired session: expected ErrSessionClosed, got %v", err)
	}
	if _, err := f.svc.SubmitOffer(ctx, session.ID, provider, domain.JSONMap{"x": 1}); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("offer on expired session: expected ErrSessionClosed, got %v", err)
	}
	if _, _, err := f.svc.Finalize(ctx, session.ID, requester); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("finalize on expired session: expected ErrSessionClosed, got %v", err)
	}
}

func TestCancelClosesSession(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	session := f.open(t, domain.JSONMap{"scope": "read"})

	session, err := f.svc.Cancel(ctx, session.ID, requester)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if session.State != domain.SessionCancelled {
		t.Fatalf("expected cancelled, got %s", session.State)
	}

	if _, err := f.svc.Accept(ctx, session.ID, requester); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("expected ErrSessionClosed after cancel, got %v", err)
	}
}

func TestOutsiderCannotDriveSession(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	session := f.open(t, domain.JSONMap{"scope": "read"})

	if _, err := f.svc.Accept(ctx, session.ID, "mallory"); !errors.Is(err, ErrNotParticipant) {
		t.Fatalf("expected ErrNotParticipant, got %v", err)
	}
}

func TestInvalidTransitionRejected(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	session := f.open(t, nil)

	// finalize straight from initiated
	if _, _, err := f.svc.Finalize(ctx, session.ID, requester); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
	// accept before any offer exists
	if _, err := f.svc.Accept(ctx, session.ID, requester); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
}

func TestEmptyTermsRejected(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	session := f.open(t, nil)

	if _, err := f.svc.SubmitOffer(ctx, session.ID, provider, nil); !errors.Is(err, ErrEmptyTerms) {
		t.Fatalf("expected ErrEmptyTerms, got %v", err)
	}
}

// conflictOnFirstSave wraps a repository and fails the first Save with a
// version conflict, as a concurrent writer would cause.
type conflictOnFirstSave struct {
	store.SessionRepository
	mu    sync.Mutex
	fired bool
}

func (c *conflictOnFirstSave) Save(ctx context.Context, session *domain.NegotiationSession, expectedVersion int64) error {
	c.mu.Lock()
	fired := c.fired
	c.fired = true
	c.mu.Unlock()
	if !fired {
		return store.ErrVersionConflict
	}
	return c.SessionRepository.Save(ctx, session, expectedVersion)
}

func TestVersionConflictSurfacesAsStateConflict(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	session := f.open(t, nil)
	if _, err := f.svc.SubmitOffer(ctx, session.ID, provider, domain.JSONMap{"scope": "read"}); err != nil {
		t.Fatalf("offer: %v", err)
	}

	wrapped := &conflictOnFirstSave{SessionRepository: f.sessions, fired: false}
	svc, err := NewService(Dependencies{
		Sessions:    wrapped,
		Signer:      f.svc.signer,
		Clock:       func() time.Time { return f.now },
		IdleTimeout: 30 * time.Minute,
	})
	if err != nil {
		t.Fatalf("service: %v", err)
	}

	if _, err := svc.Accept(ctx, session.ID, requester); !errors.Is(err, ErrStateConflict) {
		t.Fatalf("expected ErrStateConflict, got %v", err)
	}

	// The state did not advance; a retry against the reloaded session wins.
	if _, err := svc.Accept(ctx, session.ID, requester); err != nil {
		t.Fatalf("retry after conflict: %v", err)
	}
}

func TestSweepExpiresIdleAndArchivesTerminal(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	idle := f.open(t, domain.JSONMap{"scope": "read"})
	cancelled, err := f.svc.Open(ctx, OpenInput{
		RequesterTenant: "gamma-consumer",
		ProviderTenant:  provider,
		ResourceID:      resource,
	})
	if err != nil {
		t.Fatalf("open second: %v", err)
	}
	if _, err := f.svc.Cancel(ctx, cancelled.ID, "gamma-consumer"); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	f.now = f.now.Add(48 * time.Hour)
	expired, archived, err := f.svc.Sweep(ctx, 24*time.Hour)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if expired != 1 {
		t.Fatalf("expected one expired session, got %d", expired)
	}
	if archived != 1 {
		t.Fatalf("expected one archived session, got %d", archived)
	}

	if _, err := f.sessions.Get(ctx, cancelled.ID); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("archived session should be soft-deleted, got %v", err)
	}
	stored, err := f.sessions.Get(ctx, idle.ID)
	if err != nil {
		t.Fatalf("reload idle: %v", err)
	}
	if stored.State != domain.SessionExpired {
		t.Fatalf("expected expired, got %s", stored.State)
	}
}
