package negotiation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goliatone/go-dataspace/pkg/domain"
	"github.com/goliatone/go-dataspace/pkg/secrets"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// DefaultScope is granted when the agreed terms carry no scope entry.
const DefaultScope = "read"

// GrantSigner mints short-lived access grants. Grants are never stored; a
// finalized session carries enough material (grant id plus finalization
// time) to re-derive the exact same grant on replayed finalize calls.
type GrantSigner struct {
	keeper secrets.Keeper
	issuer string
	ttl    time.Duration
}

var errKeeperRequired = errors.New("negotiation: secrets keeper is required")

// NewGrantSigner builds a signer over the configured signing key.
func NewGrantSigner(keeper secrets.Keeper, issuer string, ttl time.Duration) (*GrantSigner, error) {
	if keeper == nil {
		return nil, errKeeperRequired
	}
	if issuer == "" {
		issuer = "go-dataspace"
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &GrantSigner{keeper: keeper, issuer: issuer, ttl: ttl}, nil
}

// FromSession derives the grant for a finalized session. Calling it twice
// with the same session yields byte-identical tokens.
func (g *GrantSigner) FromSession(ctx context.Context, session *domain.NegotiationSession) (*domain.AccessGrant, error) {
	if session.GrantID == uuid.Nil || session.FinalizedAt.IsZero() {
		return nil, fmt.Errorf("negotiation: session %s has no finalization record", session.ID)
	}
	scope := scopeFromTerms(session.CurrentTerms())
	return g.mint(ctx, session.GrantID, session.RequesterTenant, session.ResourceID, scope, session.FinalizedAt)
}

// Direct mints a grant outside any negotiation, for requests a policy
// permits outright. Each call produces a fresh grant id.
func (g *GrantSigner) Direct(ctx context.Context, subject, resourceID, scope string, now time.Time) (*domain.AccessGrant, error) {
	if scope == "" {
		scope = DefaultScope
	}
	return g.mint(ctx, uuid.New(), subject, resourceID, scope, now)
}

func (g *GrantSigner) mint(ctx context.Context, id uuid.UUID, subject, resourceID, scope string, issuedAt time.Time) (*domain.AccessGrant, error) {
	key, err := g.keeper.SigningKey(ctx)
	if err != nil {
		return nil, fmt.Errorf("negotiation: load signing key: %w", err)
	}

	issuedAt = issuedAt.UTC().Truncate(time.Second)
	expiresAt := issuedAt.Add(g.ttl)

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"jti":   id.String(),
		"iss":   g.issuer,
		"sub":   subject,
		"aud":   resourceID,
		"scope": scope,
		"iat":   issuedAt.Unix(),
		"exp":   expiresAt.Unix(),
	})
	signed, err := token.SignedString(key)
	if err != nil {
		return nil, fmt.Errorf("negotiation: sign grant: %w", err)
	}

	return &domain.AccessGrant{
		ID:         id,
		Subject:    subject,
		ResourceID: resourceID,
		Scope:      scope,
		IssuedAt:   issuedAt,
		ExpiresAt:  expiresAt,
		Token:      signed,
	}, nil
}

func scopeFromTerms(terms domain.JSONMap) string {
	if terms == nil {
		return DefaultScope
	}
	if raw, ok := terms["scope"]; ok {
		if scope, ok := raw.(string); ok && scope != "" {
			return scope
		}
	}
	return DefaultScope
}
