package commands

import (
	"context"
	"errors"
	"strings"
	"time"

	command "github.com/goliatone/go-command"
	"github.com/goliatone/go-dataspace/internal/negotiation"
	"github.com/goliatone/go-dataspace/pkg/domain"
	"github.com/goliatone/go-dataspace/pkg/interfaces/logger"
	"github.com/goliatone/go-dataspace/pkg/interfaces/store"
	"github.com/google/uuid"
)

// Catalog exposes go-command compatible handlers for host transports and
// operational tooling.
type Catalog struct {
	OpenNegotiation command.Commander[OpenNegotiation]
	SubmitOffer     command.Commander[OfferMessage]
	CounterOffer    command.Commander[OfferMessage]
	AcceptOffer     command.Commander[SessionAction]
	FinalizeSession command.Commander[SessionAction]
	CancelSession   command.Commander[SessionAction]
	SweepSessions   command.Commander[SweepSessions]
	UpsertPolicy    command.Commander[UpsertPolicy]
}

type negotiationService interface {
	Open(ctx context.Context, input negotiation.OpenInput) (*domain.NegotiationSession, error)
	SubmitOffer(ctx context.Context, sessionID uuid.UUID, actorTenant string, terms domain.JSONMap) (*domain.NegotiationSession, error)
	Counter(ctx context.Context, sessionID uuid.UUID, actorTenant string, terms domain.JSONMap) (*domain.NegotiationSession, error)
	Accept(ctx context.Context, sessionID uuid.UUID, actorTenant string) (*domain.NegotiationSession, error)
	Finalize(ctx context.Context, sessionID uuid.UUID, actorTenant string) (*domain.NegotiationSession, *domain.AccessGrant, error)
	Cancel(ctx context.Context, sessionID uuid.UUID, actorTenant string) (*domain.NegotiationSession, error)
	Sweep(ctx context.Context, retention time.Duration) (int, int, error)
}

// Dependencies wires services and repositories into the command catalog.
type Dependencies struct {
	Negotiator negotiationService
	Policies   store.PolicyRepository
	Logger     logger.Logger
}

// NewCatalog builds the command catalog using the supplied dependencies.
func NewCatalog(deps Dependencies) (*Catalog, error) {
	if deps.Negotiator == nil {
		return nil, errors.New("commands: negotiation service is required")
	}
	if deps.Policies == nil {
		return nil, errors.New("commands: policy repository is required")
	}
	if deps.Logger == nil {
		deps.Logger = &logger.Nop{}
	}

	return &Catalog{
		OpenNegotiation: openNegotiationCommand{svc: deps.Negotiator},
		SubmitOffer:     offerCommand{svc: deps.Negotiator},
		CounterOffer:    counterCommand{svc: deps.Negotiator},
		AcceptOffer:     acceptCommand{svc: deps.Negotiator},
		FinalizeSession: finalizeCommand{svc: deps.Negotiator},
		CancelSession:   cancelCommand{svc: deps.Negotiator},
		SweepSessions:   sweepCommand{svc: deps.Negotiator},
		UpsertPolicy:    policyUpsertCommand{repo: deps.Policies},
	}, nil
}

// OpenNegotiation starts a session for a (requester, resource) pair.
type OpenNegotiation struct {
	RequesterTenant string         `json:"requester_tenant"`
	ProviderTenant  string         `json:"provider_tenant"`
	ResourceID      string         `json:"resource_id"`
	RequiredSteps   []string       `json:"required_steps,omitempty"`
	InitialTerms    map[string]any `json:"initial_terms,omitempty"`
}

type openNegotiationCommand struct {
	svc negotiationService
}

func (c openNegotiationCommand) Execute(ctx context.Context, msg OpenNegotiation) error {
	if strings.TrimSpace(msg.RequesterTenant) == "" {
		return errors.New("commands: requester tenant is required")
	}
	if strings.TrimSpace(msg.ResourceID) == "" {
		return errors.New("commands: resource id is required")
	}
	_, err := c.svc.Open(ctx, negotiation.OpenInput{
		RequesterTenant: msg.RequesterTenant,
		ProviderTenant:  msg.ProviderTenant,
		ResourceID:      msg.ResourceID,
		RequiredSteps:   msg.RequiredSteps,
		InitialTerms:    domain.JSONMap(msg.InitialTerms),
	})
	return err
}

// OfferMessage carries an offer or counter-offer onto a session.
type OfferMessage struct {
	SessionID   uuid.UUID      `json:"session_id"`
	ActorTenant string         `json:"actor_tenant"`
	Terms       map[string]any `json:"terms"`
}

type offerCommand struct {
	svc negotiationService
}

func (c offerCommand) Execute(ctx context.Context, msg OfferMessage) error {
	_, err := c.svc.SubmitOffer(ctx, msg.SessionID, msg.ActorTenant, domain.JSONMap(msg.Terms))
	return err
}

type counterCommand struct {
	svc negotiationService
}

func (c counterCommand) Execute(ctx context.Context, msg OfferMessage) error {
	_, err := c.svc.Counter(ctx, msg.SessionID, msg.ActorTenant, domain.JSONMap(msg.Terms))
	return err
}

// SessionAction identifies a session plus the acting tenant.
type SessionAction struct {
	SessionID   uuid.UUID `json:"session_id"`
	ActorTenant string    `json:"actor_tenant"`
}

type acceptCommand struct {
	svc negotiationService
}

func (c acceptCommand) Execute(ctx context.Context, msg SessionAction) error {
	_, err := c.svc.Accept(ctx, msg.SessionID, msg.ActorTenant)
	return err
}

type finalizeCommand struct {
	svc negotiationService
}

func (c finalizeCommand) Execute(ctx context.Context, msg SessionAction) error {
	_, _, err := c.svc.Finalize(ctx, msg.SessionID, msg.ActorTenant)
	return err
}

type cancelCommand struct {
	svc negotiationService
}

func (c cancelCommand) Execute(ctx context.Context, msg SessionAction) error {
	_, err := c.svc.Cancel(ctx, msg.SessionID, msg.ActorTenant)
	return err
}

// SweepSessions triggers one expiry/archival cycle.
type SweepSessions struct {
	Retention time.Duration `json:"retention"`
}

type sweepCommand struct {
	svc negotiationService
}

func (c sweepCommand) Execute(ctx context.Context, msg SweepSessions) error {
	_, _, err := c.svc.Sweep(ctx, msg.Retention)
	return err
}

// UpsertPolicy creates or updates an access rule for a resource.
type UpsertPolicy struct {
	ID            uuid.UUID      `json:"id,omitempty"`
	ResourceID    string         `json:"resource_id"`
	Effect        string         `json:"effect"`
	Description   string         `json:"description,omitempty"`
	RequiredRoles []string       `json:"required_roles,omitempty"`
	Attributes    map[string]any `json:"attributes,omitempty"`
	RequiredSteps []string       `json:"required_steps,omitempty"`
	AllowUpdate   bool           `json:"allow_update"`
}

type policyUpsertCommand struct {
	repo store.PolicyRepository
}

func (c policyUpsertCommand) Execute(ctx context.Context, msg UpsertPolicy) error {
	msg.ResourceID = strings.TrimSpace(msg.ResourceID)
	if msg.ResourceID == "" {
		return errors.New("commands: resource id is required")
	}
	switch msg.Effect {
	case domain.EffectPermit, domain.EffectDeny, domain.EffectNegotiate:
	default:
		return errors.New("commands: effect must be permit, deny or negotiate")
	}

	rule := &domain.PolicyRule{
		ResourceID:    msg.ResourceID,
		Effect:        msg.Effect,
		Description:   msg.Description,
		RequiredRoles: domain.StringList(msg.RequiredRoles),
		Attributes:    domain.JSONMap(msg.Attributes),
		RequiredSteps: domain.StringList(msg.RequiredSteps),
	}

	if msg.ID != uuid.Nil {
		existing, err := c.repo.GetByID(ctx, msg.ID)
		if err == nil {
			if !msg.AllowUpdate {
				return errors.New("commands: policy already exists")
			}
			existing.ResourceID = rule.ResourceID
			existing.Effect = rule.Effect
			existing.Description = rule.Description
			existing.RequiredRoles = rule.RequiredRoles
			existing.Attributes = rule.Attributes
			existing.RequiredSteps = rule.RequiredSteps
			return c.repo.Update(ctx, existing)
		} else if !errors.Is(err, store.ErrNotFound) {
			return err
		}
		rule.ID = msg.ID
	}
	return c.repo.Create(ctx, rule)
}
