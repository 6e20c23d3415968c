package negotiation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goliatone/go-dataspace/pkg/domain"
	"github.com/goliatone/go-dataspace/pkg/interfaces/logger"
	"github.com/goliatone/go-dataspace/pkg/interfaces/store"
	"github.com/google/uuid"
)

// Service errors surfaced to transports. ErrStateConflict is the retryable
// one: the caller observed a session version that another writer advanced
// first.
var (
	ErrInvalidTransition = errors.New("negotiation: invalid transition")
	ErrStateConflict     = errors.New("negotiation: state conflict, reload and retry")
	ErrSessionClosed     = errors.New("negotiation: session is closed")
	ErrSessionExpired    = errors.New("negotiation: session expired")
	ErrRoundTripLimit    = errors.New("negotiation: round trip limit reached")
	ErrNotParticipant    = errors.New("negotiation: tenant is not a session participant")
	ErrEmptyTerms        = errors.New("negotiation: offer terms are required")
	ErrWrongActor        = errors.New("negotiation: action reserved for the other participant")
	ErrTermsDrift        = errors.New("negotiation: offer log diverged from the accepted terms")
)

// Dependencies wires storage, grant minting and logging into the service.
type Dependencies struct {
	Sessions       store.SessionRepository
	Signer         *GrantSigner
	Logger         logger.Logger
	Clock          func() time.Time
	RoundTripLimit int
	IdleTimeout    time.Duration
}

// Service owns negotiation session lifecycles. Every mutation loads the
// session, applies the transition in memory and persists through the
// repository's compare-and-swap Save, so concurrent writers serialize on
// the session version.
type Service struct {
	sessions       store.SessionRepository
	signer         *GrantSigner
	log            logger.Logger
	clock          func() time.Time
	roundTripLimit int
	idleTimeout    time.Duration
}

var (
	errSessionsRequired = errors.New("negotiation: session repository is required")
	errSignerRequired   = errors.New("negotiation: grant signer is required")
)

// NewService constructs the negotiation service.
func NewService(deps Dependencies) (*Service, error) {
	if deps.Sessions == nil {
		return nil, errSessionsRequired
	}
	if deps.Signer == nil {
		return nil, errSignerRequired
	}
	if deps.Logger == nil {
		deps.Logger = logger.Default()
	}
	if deps.Clock == nil {
		deps.Clock = time.Now
	}
	if deps.RoundTripLimit <= 0 {
		deps.RoundTripLimit = 8
	}
	if deps.IdleTimeout <= 0 {
		deps.IdleTimeout = 30 * time.Minute
	}
	return &Service{
		sessions:       deps.Sessions,
		signer:         deps.Signer,
		log:            deps.Logger,
		clock:          deps.Clock,
		roundTripLimit: deps.RoundTripLimit,
		idleTimeout:    deps.IdleTimeout,
	}, nil
}

// OpenInput captures the fields needed to start a negotiation.
type OpenInput struct {
	RequesterTenant string
	ProviderTenant  string
	ResourceID      string
	RequiredSteps   []string
	// InitialTerms, when present, records the requester's opening proposal
	// in the offer log. The session still starts in initiated: only a
	// provider offer moves it forward, so agreement always involves both
	// sides.
	InitialTerms domain.JSONMap
}

// Open starts a session for a (requester, resource) pair. When an active
// session already exists it is returned instead of a duplicate.
func (s *Service) Open(ctx context.Context, input OpenInput) (*domain.NegotiationSession, error) {
	if input.RequesterTenant == "" || input.ResourceID == "" {
		return nil, fmt.Errorf("negotiation: requester tenant and resource are required")
	}

	now := s.clock()
	session := &domain.NegotiationSession{
		RequesterTenant: input.RequesterTenant,
		ProviderTenant:  input.ProviderTenant,
		ResourceID:      input.ResourceID,
		State:           domain.SessionInitiated,
		RequiredSteps:   domain.StringList(input.RequiredSteps),
		LastActivityAt:  now,
	}
	session.EnsureID()

	if len(input.InitialTerms) > 0 {
		session.Offers = domain.OfferLog{{
			ID:          uuid.New(),
			ActorTenant: input.RequesterTenant,
			Terms:       input.InitialTerms,
			SubmittedAt: now,
		}}
	}

	if err := s.sessions.Create(ctx, session); err != nil {
		if errors.Is(err, store.ErrDuplicateActiveSession) {
			existing, findErr := s.sessions.FindActive(ctx, input.RequesterTenant, input.ResourceID)
			if findErr != nil {
				return nil, err
			}
			live, expireErr := s.lazyExpire(ctx, existing)
			if expireErr == nil {
				return live, nil
			}
			if !errors.Is(expireErr, ErrSessionExpired) {
				return nil, expireErr
			}
			// The blocker just expired; a single retry claims the slot.
			if err := s.sessions.Create(ctx, session); err != nil {
				return nil, err
			}
			return session, nil
		}
		return nil, err
	}

	s.log.Info("negotiation session opened",
		logger.Field{Key: "session_id", Value: session.ID},
		logger.Field{Key: "requester", Value: session.RequesterTenant},
		logger.Field{Key: "resource", Value: session.ResourceID},
	)
	return session, nil
}

// SubmitOffer records an offer from the provider side, moving the session
// to offer_sent.
func (s *Service) SubmitOffer(ctx context.Context, sessionID uuid.UUID, actorTenant string, terms domain.JSONMap) (*domain.NegotiationSession, error) {
	return s.appendOffer(ctx, sessionID, actorTenant, terms, EventOffer)
}

// Counter records a counter-offer from the requester side, moving the
// session to counter_offered.
func (s *Service) Counter(ctx context.Context, sessionID uuid.UUID, actorTenant string, terms domain.JSONMap) (*domain.NegotiationSession, error) {
	return s.appendOffer(ctx, sessionID, actorTenant, terms, EventCounter)
}

func (s *Service) appendOffer(ctx context.Context, sessionID uuid.UUID, actorTenant string, terms domain.JSONMap, event string) (*domain.NegotiationSession, error) {
	if len(terms) == 0 {
		return nil, ErrEmptyTerms
	}

	session, err := s.load(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if err := s.checkParticipant(session, actorTenant); err != nil {
		return nil, err
	}
	if event == EventOffer && actorTenant != session.ProviderTenant {
		return nil, fmt.Errorf("%w: only the provider may offer", ErrWrongActor)
	}
	if event == EventCounter && actorTenant != session.RequesterTenant {
		return nil, fmt.Errorf("%w: only the requester may counter", ErrWrongActor)
	}

	expected := session.Version
	now := s.clock()

	if session.RoundTrips >= s.roundTripLimit {
		return nil, s.forceReject(ctx, session, expected, "round trip limit reached")
	}

	next, err := transition(session.State, event)
	if err != nil {
		if session.Terminal() {
			return nil, fmt.Errorf("%w: %s", ErrSessionClosed, session.State)
		}
		return nil, err
	}

	session.State = next
	session.Offers = append(session.Offers, domain.Offer{
		ID:          uuid.New(),
		ActorTenant: actorTenant,
		Terms:       terms,
		SubmittedAt: now,
	})
	session.RoundTrips++
	session.Touch(now)

	if err := s.save(ctx, session, expected); err != nil {
		return nil, err
	}
	return session, nil
}

// Accept marks the latest offer as agreed, pinning its terms hash so
// Finalize can detect drift.
func (s *Service) Accept(ctx context.Context, sessionID uuid.UUID, actorTenant string) (*domain.NegotiationSession, error) {
	session, err := s.load(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if err := s.checkParticipant(session, actorTenant); err != nil {
		return nil, err
	}

	expected := session.Version
	next, err := transition(session.State, EventAccept)
	if err != nil {
		if session.Terminal() {
			return nil, fmt.Errorf("%w: %s", ErrSessionClosed, session.State)
		}
		return nil, err
	}
	// Acceptance must come from the other side of the table.
	if latest := session.Offers.Latest(); latest != nil && latest.ActorTenant == actorTenant {
		return nil, fmt.Errorf("%w: cannot accept your own offer", ErrWrongActor)
	}

	session.State = next
	session.AgreedTermsHash = domain.TermsHash(session.CurrentTerms())
	session.Touch(s.clock())

	if err := s.save(ctx, session, expected); err != nil {
		return nil, err
	}
	return session, nil
}

// Finalize moves an agreed session to finalized and returns the minted
// grant. Replays on an already finalized session return the identical
// grant instead of an error: the grant id and finalization time persisted
// by the first winner pin every later derivation.
func (s *Service) Finalize(ctx context.Context, sessionID uuid.UUID, actorTenant string) (*domain.NegotiationSession, *domain.AccessGrant, error) {
	session, err := s.load(ctx, sessionID)
	if err != nil {
		return nil, nil, err
	}
	if err := s.checkParticipant(session, actorTenant); err != nil {
		return nil, nil, err
	}

	if session.State == domain.SessionFinalized {
		grant, err := s.signer.FromSession(ctx, session)
		if err != nil {
			return nil, nil, err
		}
		return session, grant, nil
	}

	expected := session.Version
	next, err := transition(session.State, EventFinalize)
	if err != nil {
		if session.Terminal() {
			return nil, nil, fmt.Errorf("%w: %s", ErrSessionClosed, session.State)
		}
		return nil, nil, err
	}
	if session.AgreedTermsHash != "" && domain.TermsHash(session.CurrentTerms()) != session.AgreedTermsHash {
		return nil, nil, fmt.Errorf("%w: session %s", ErrTermsDrift, session.ID)
	}

	now := s.clock()
	session.State = next
	session.FinalizedAt = now
	session.GrantID = uuid.New()
	session.Touch(now)

	if err := s.save(ctx, session, expected); err != nil {
		if errors.Is(err, ErrStateConflict) {
			// Another finalize may have won the race; replaying against the
			// stored record either returns its grant or the real conflict.
			current, loadErr := s.sessions.Get(ctx, sessionID)
			if loadErr == nil && current.State == domain.SessionFinalized {
				grant, mintErr := s.signer.FromSession(ctx, current)
				if mintErr != nil {
					return nil, nil, mintErr
				}
				return current, grant, nil
			}
		}
		return nil, nil, err
	}

	grant, err := s.signer.FromSession(ctx, session)
	if err != nil {
		return nil, nil, err
	}

	s.log.Info("negotiation finalized",
		logger.Field{Key: "session_id", Value: session.ID},
		logger.Field{Key: "grant_id", Value: session.GrantID},
		logger.Field{Key: "resource", Value: session.ResourceID},
	)
	return session, grant, nil
}

// Cancel closes the session from either participant.
func (s *Service) Cancel(ctx context.Context, sessionID uuid.UUID, actorTenant string) (*domain.NegotiationSession, error) {
	session, err := s.load(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if err := s.checkParticipant(session, actorTenant); err != nil {
		return nil, err
	}

	expected := session.Version
	next, err := transition(session.State, EventCancel)
	if err != nil {
		if session.Terminal() {
			return nil, fmt.Errorf("%w: %s", ErrSessionClosed, session.State)
		}
		return nil, err
	}

	session.State = next
	session.Touch(s.clock())

	if err := s.save(ctx, session, expected); err != nil {
		return nil, err
	}
	return session, nil
}

// Get loads a session, applying lazy expiry before returning it.
func (s *Service) Get(ctx context.Context, sessionID uuid.UUID) (*domain.NegotiationSession, error) {
	session, err := s.sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return s.lazyExpire(ctx, session)
}

// FindActive locates the live session for a pair, if any.
func (s *Service) FindActive(ctx context.Context, requesterTenant, resourceID string) (*domain.NegotiationSession, error) {
	session, err := s.sessions.FindActive(ctx, requesterTenant, resourceID)
	if err != nil {
		return nil, err
	}
	return s.lazyExpire(ctx, session)
}

// Sweep expires idle sessions and archives terminal ones past retention.
func (s *Service) Sweep(ctx context.Context, retention time.Duration) (expired, archived int, err error) {
	now := s.clock()
	expired, err = s.sessions.SweepExpired(ctx, now, s.idleTimeout)
	if err != nil {
		return 0, 0, err
	}
	if retention > 0 {
		archived, err = s.sessions.ArchiveTerminal(ctx, now.Add(-retention))
		if err != nil {
			return expired, 0, err
		}
	}
	if expired > 0 || archived > 0 {
		s.log.Info("session sweep complete",
			logger.Field{Key: "expired", Value: expired},
			logger.Field{Key: "archived", Value: archived},
		)
	}
	return expired, archived, nil
}

// load fetches a session and applies lazy expiry; callers always observe
// expiry before attempting a transition.
func (s *Service) load(ctx context.Context, sessionID uuid.UUID) (*domain.NegotiationSession, error) {
	session, err := s.sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	session, err = s.lazyExpire(ctx, session)
	if err != nil {
		return nil, err
	}
	return session, nil
}

// lazyExpire transitions an idle session to expired on first observation.
// The expiry write goes through the same versioned save as any transition;
// losing that race just means someone else already recorded the expiry.
func (s *Service) lazyExpire(ctx context.Context, session *domain.NegotiationSession) (*domain.NegotiationSession, error) {
	if session.Terminal() {
		return session, nil
	}
	now := s.clock()
	if !session.IdleSince(now.Add(-s.idleTimeout)) {
		return session, nil
	}

	expected := session.Version
	session.State = domain.SessionExpired
	if err := s.save(ctx, session, expected); err != nil && !errors.Is(err, ErrStateConflict) {
		return nil, err
	}
	return session, ErrSessionExpired
}

// forceReject closes a session that exhausted its round trip allowance.
func (s *Service) forceReject(ctx context.Context, session *domain.NegotiationSession, expected int64, reason string) error {
	session.State = domain.SessionRejected
	session.Touch(s.clock())
	if err := s.save(ctx, session, expected); err != nil {
		return err
	}
	s.log.Warn("negotiation force-rejected",
		logger.Field{Key: "session_id", Value: session.ID},
		logger.Field{Key: "reason", Value: reason},
	)
	return fmt.Errorf("%w after %d round trips", ErrRoundTripLimit, session.RoundTrips)
}

func (s *Service) save(ctx context.Context, session *domain.NegotiationSession, expected int64) error {
	if err := s.sessions.Save(ctx, session, expected); err != nil {
		if errors.Is(err, store.ErrVersionConflict) {
			return fmt.Errorf("%w: session %s", ErrStateConflict, session.ID)
		}
		return err
	}
	return nil
}

func (s *Service) checkParticipant(session *domain.NegotiationSession, actorTenant string) error {
	if actorTenant == "" {
		return ErrNotParticipant
	}
	if actorTenant != session.RequesterTenant && actorTenant != session.ProviderTenant {
		return fmt.Errorf("%w: %s", ErrNotParticipant, actorTenant)
	}
	return nil
}
