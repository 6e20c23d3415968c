package gateway

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goliatone/go-dataspace/internal/negotiation"
	"github.com/goliatone/go-dataspace/pkg/domain"
	"github.com/goliatone/go-dataspace/pkg/interfaces/logger"
	"github.com/goliatone/go-dataspace/pkg/interfaces/store"
	"github.com/goliatone/go-dataspace/pkg/policy"
	"github.com/goliatone/go-dataspace/pkg/redact"
	"github.com/google/uuid"
)

// Negotiation actions accepted inside an access request.
const (
	ActionOffer    = "offer"
	ActionCounter  = "counter"
	ActionAccept   = "accept"
	ActionFinalize = "finalize"
	ActionCancel   = "cancel"
)

// ErrUnknownAction is returned for a negotiation payload whose action is
// not part of the protocol.
var ErrUnknownAction = errors.New("gateway: unknown negotiation action")

// NegotiationPayload advances an existing session as part of an access
// request.
type NegotiationPayload struct {
	Action    string         `json:"action"`
	SessionID uuid.UUID      `json:"session_id,omitempty"`
	Terms     domain.JSONMap `json:"terms,omitempty"`
}

// AccessRequest is the single inbound unit the core consumes. Transports
// marshal their wire format into this and a Decision back out.
type AccessRequest struct {
	RawToken    string
	ResourceID  string
	Negotiation *NegotiationPayload
}

// TokenValidator resolves a bearer token into a principal.
type TokenValidator interface {
	Validate(ctx context.Context, rawToken, expectedAudience string) (*domain.Principal, error)
}

// Dependencies wires the collaborating services into the gateway.
type Dependencies struct {
	Validator   TokenValidator
	Evaluator   *policy.Evaluator
	Negotiator  *negotiation.Service
	Signer      *negotiation.GrantSigner
	Logger      logger.Logger
	Clock       func() time.Time
	Audience    string
	// ProviderTenant identifies the data-providing side this deployment
	// speaks for; it becomes the provider participant of opened sessions.
	ProviderTenant string
}

// Service is the transport-facing core: it turns an access request into a
// permit, deny or pending decision, driving validation, policy evaluation
// and negotiation along the way.
type Service struct {
	validator      TokenValidator
	evaluator      *policy.Evaluator
	negotiator     *negotiation.Service
	signer         *negotiation.GrantSigner
	log            logger.Logger
	clock          func() time.Time
	audience       string
	providerTenant string
}

var (
	errValidatorRequired  = errors.New("gateway: token validator is required")
	errEvaluatorRequired  = errors.New("gateway: policy evaluator is required")
	errNegotiatorRequired = errors.New("gateway: negotiation service is required")
	errSignerRequired     = errors.New("gateway: grant signer is required")
	errAudienceRequired   = errors.New("gateway: audience is required")
)

// NewService constructs the gateway.
func NewService(deps Dependencies) (*Service, error) {
	if deps.Validator == nil {
		return nil, errValidatorRequired
	}
	if deps.Evaluator == nil {
		return nil, errEvaluatorRequired
	}
	if deps.Negotiator == nil {
		return nil, errNegotiatorRequired
	}
	if deps.Signer == nil {
		return nil, errSignerRequired
	}
	if deps.Audience == "" {
		return nil, errAudienceRequired
	}
	if deps.Logger == nil {
		deps.Logger = logger.Default()
	}
	if deps.Clock == nil {
		deps.Clock = time.Now
	}
	if deps.ProviderTenant == "" {
		deps.ProviderTenant = "provider"
	}
	return &Service{
		validator:      deps.Validator,
		evaluator:      deps.Evaluator,
		negotiator:     deps.Negotiator,
		signer:         deps.Signer,
		log:            deps.Logger,
		clock:          deps.Clock,
		audience:       deps.Audience,
		providerTenant: deps.ProviderTenant,
	}, nil
}

// HandleAccessRequest is the single entry point for inbound requests.
// Authentication and availability failures return typed errors for the
// transport to map; policy and negotiation outcomes land in the Decision.
func (s *Service) HandleAccessRequest(ctx context.Context, req AccessRequest) (*domain.Decision, error) {
	if req.ResourceID == "" {
		return nil, fmt.Errorf("gateway: resource id is required")
	}

	principal, err := s.validator.Validate(ctx, req.RawToken, s.audience)
	if err != nil {
		s.log.Debug("token rejected",
			logger.Field{Key: "token", Value: redact.Token(req.RawToken)},
			logger.Field{Key: "error", Value: err.Error()},
		)
		return nil, err
	}

	outcome, err := s.evaluator.EvaluateResource(ctx, principal, req.ResourceID)
	if err != nil {
		return nil, err
	}

	switch {
	case outcome.Permitted():
		grant, err := s.signer.Direct(ctx, principal.Subject, req.ResourceID, "", s.clock())
		if err != nil {
			return nil, err
		}
		return &domain.Decision{Kind: domain.DecisionPermit, Grant: grant}, nil

	case outcome.NegotiationRequired():
		return s.negotiate(ctx, principal, req, outcome)

	default:
		s.log.Info("access denied",
			logger.Field{Key: "subject", Value: principal.Subject},
			logger.Field{Key: "resource", Value: req.ResourceID},
			logger.Field{Key: "reason", Value: outcome.Reason},
		)
		return &domain.Decision{Kind: domain.DecisionDeny, Reason: outcome.Reason}, nil
	}
}

func (s *Service) negotiate(ctx context.Context, principal *domain.Principal, req AccessRequest, outcome policy.Outcome) (*domain.Decision, error) {
	if req.Negotiation != nil && req.Negotiation.Action != "" {
		return s.advance(ctx, principal, req.Negotiation)
	}

	session, err := s.negotiator.FindActive(ctx, principal.Tenant, req.ResourceID)
	switch {
	case err == nil:
		return pendingDecision(session), nil
	case errors.Is(err, negotiation.ErrSessionExpired):
		return &domain.Decision{Kind: domain.DecisionDeny, Reason: "session-expired"}, nil
	case errors.Is(err, store.ErrNotFound):
		// fall through to open a fresh session
	default:
		return nil, err
	}

	var initial domain.JSONMap
	if req.Negotiation != nil {
		initial = req.Negotiation.Terms
	}
	session, err = s.negotiator.Open(ctx, negotiation.OpenInput{
		RequesterTenant: principal.Tenant,
		ProviderTenant:  s.providerTenant,
		ResourceID:      req.ResourceID,
		RequiredSteps:   outcome.RequiredSteps,
		InitialTerms:    initial,
	})
	if err != nil {
		return nil, err
	}
	return pendingDecision(session), nil
}

// advance applies the requested negotiation action on behalf of the
// authenticated tenant.
func (s *Service) advance(ctx context.Context, principal *domain.Principal, payload *NegotiationPayload) (*domain.Decision, error) {
	var (
		session *domain.NegotiationSession
		err     error
	)

	switch payload.Action {
	case ActionOffer:
		session, err = s.negotiator.SubmitOffer(ctx, payload.SessionID, principal.Tenant, payload.Terms)
	case ActionCounter:
		session, err = s.negotiator.Counter(ctx, payload.SessionID, principal.Tenant, payload.Terms)
	case ActionAccept:
		session, err = s.negotiator.Accept(ctx, payload.SessionID, principal.Tenant)
	case ActionFinalize:
		var grant *domain.AccessGrant
		session, grant, err = s.negotiator.Finalize(ctx, payload.SessionID, principal.Tenant)
		if err != nil {
			return s.mapNegotiationError(err)
		}
		return &domain.Decision{
			Kind:      domain.DecisionPermit,
			Grant:     grant,
			SessionID: session.ID,
		}, nil
	case ActionCancel:
		session, err = s.negotiator.Cancel(ctx, payload.SessionID, principal.Tenant)
		if err != nil {
			return s.mapNegotiationError(err)
		}
		return &domain.Decision{
			Kind:      domain.DecisionDeny,
			Reason:    "cancelled",
			SessionID: session.ID,
		}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownAction, payload.Action)
	}

	if err != nil {
		return s.mapNegotiationError(err)
	}
	return pendingDecision(session), nil
}

// mapNegotiationError converts terminal protocol outcomes into decisions
// and leaves the retryable/typed errors for the transport.
func (s *Service) mapNegotiationError(err error) (*domain.Decision, error) {
	switch {
	case errors.Is(err, negotiation.ErrRoundTripLimit):
		return &domain.Decision{Kind: domain.DecisionDeny, Reason: "round-trip-limit-exceeded"}, nil
	case errors.Is(err, negotiation.ErrSessionExpired):
		return &domain.Decision{Kind: domain.DecisionDeny, Reason: "session-expired"}, nil
	default:
		return nil, err
	}
}

// pendingDecision maps a live session onto the pending decision wire
// shape, telling the caller which move is expected next.
func pendingDecision(session *domain.NegotiationSession) *domain.Decision {
	return &domain.Decision{
		Kind:      domain.DecisionPending,
		SessionID: session.ID,
		NextStep:  nextStep(session.State),
	}
}

func nextStep(state string) string {
	switch state {
	case domain.SessionInitiated:
		return "await-offer"
	case domain.SessionOfferSent:
		return "counter-or-accept"
	case domain.SessionCounterOffered:
		return "offer-or-accept"
	case domain.SessionAgreed:
		return "finalize"
	default:
		return ""
	}
}
