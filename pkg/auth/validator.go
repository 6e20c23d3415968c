package auth

import (
	"context"
	"crypto"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/goliatone/go-dataspace/pkg/domain"
	"github.com/goliatone/go-dataspace/pkg/trust"
)

// maxTokenSize caps accepted token strings (8 KB) to prevent resource
// exhaustion from hostile callers.
const maxTokenSize = 8192

// registered claims that never become principal attributes.
var registeredClaims = map[string]struct{}{
	"iss": {}, "sub": {}, "aud": {}, "exp": {}, "nbf": {}, "iat": {},
	"jti": {}, "roles": {}, "tenant": {}, "org": {},
}

// KeySource resolves a public key by key id. *trust.Cache satisfies it.
type KeySource interface {
	Key(ctx context.Context, kid string) (crypto.PublicKey, error)
}

// ValidatorOptions configure the token validator.
type ValidatorOptions struct {
	Keys KeySource
	// Issuers is the allow-list of trusted token issuers.
	Issuers []string
	// ClockSkew tolerates clock drift between this service and the
	// identity provider.
	ClockSkew time.Duration

	now func() time.Time
}

// Validator verifies bearer tokens against the trust cache and maps their
// claims to a Principal. Validation is deterministic given a fixed key set
// and clock, and safe for concurrent use.
type Validator struct {
	keys      KeySource
	issuers   map[string]struct{}
	clockSkew time.Duration
	now       func() time.Time
}

// NewValidator builds a validator.
func NewValidator(opts ValidatorOptions) (*Validator, error) {
	if opts.Keys == nil {
		return nil, errors.New("auth: key source is required")
	}
	if len(opts.Issuers) == 0 {
		return nil, errors.New("auth: at least one trusted issuer is required")
	}
	if opts.now == nil {
		opts.now = time.Now
	}
	issuers := make(map[string]struct{}, len(opts.Issuers))
	for _, iss := range opts.Issuers {
		issuers[iss] = struct{}{}
	}
	return &Validator{
		keys:      opts.Keys,
		issuers:   issuers,
		clockSkew: opts.ClockSkew,
		now:       opts.now,
	}, nil
}

// Validate verifies the raw token's structure, issuer, signature, validity
// window, and audience, and resolves the caller's Principal. Failures carry
// a Kind so transports can distinguish client errors, authentication
// failures, and transient trust outages.
func (v *Validator) Validate(ctx context.Context, rawToken, expectedAudience string) (*domain.Principal, error) {
	if rawToken == "" {
		return nil, newError(KindMalformed, "token must not be empty")
	}
	if len(rawToken) > maxTokenSize {
		return nil, newError(KindMalformed, "token exceeds maximum size")
	}

	// Inspect header and issuer before any key lookup so unknown issuers
	// never trigger a trust fetch.
	unverified, _, err := jwt.NewParser().ParseUnverified(rawToken, jwt.MapClaims{})
	if err != nil {
		return nil, wrapError(KindMalformed, "token is malformed", err)
	}
	if alg, _ := unverified.Header["alg"].(string); strings.EqualFold(alg, "none") {
		return nil, newError(KindSignatureInvalid, "algorithm 'none' is not permitted")
	}
	claims, ok := unverified.Claims.(jwt.MapClaims)
	if !ok {
		return nil, newError(KindMalformed, "unable to extract claims")
	}
	issuer, _ := claims["iss"].(string)
	if _, trusted := v.issuers[issuer]; !trusted {
		return nil, newError(KindUnknownIssuer, "issuer "+strconv.Quote(issuer)+" is not trusted")
	}

	parserOpts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{"RS256", "RS384", "RS512", "ES256", "ES384", "ES512"}),
		jwt.WithIssuer(issuer),
		jwt.WithAudience(expectedAudience),
		jwt.WithLeeway(v.clockSkew),
		jwt.WithTimeFunc(v.now),
	}

	token, err := jwt.Parse(rawToken, func(token *jwt.Token) (any, error) {
		kid, _ := token.Header["kid"].(string)
		if kid == "" {
			return nil, newError(KindMalformed, "token header missing kid")
		}
		key, err := v.keys.Key(ctx, kid)
		if err != nil {
			switch {
			case errors.Is(err, trust.ErrKeyNotFound):
				// A kid the provider never published is indistinguishable
				// from a forged token.
				return nil, wrapError(KindSignatureInvalid, "signing key is not trusted", err)
			case errors.Is(err, trust.ErrUnavailable):
				return nil, wrapError(KindTrustUnavailable, "trust material unavailable", err)
			default:
				return nil, wrapError(KindTrustUnavailable, "key lookup failed", err)
			}
		}
		return key, nil
	}, parserOpts...)
	if err != nil {
		return nil, classify(err)
	}

	verified, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return nil, newError(KindMalformed, "unable to extract verified claims")
	}
	return principalFromClaims(verified)
}

// classify maps golang-jwt errors onto validation kinds. Expiry is checked
// first: an expired token reports Expired even when other checks would also
// fail.
func classify(err error) error {
	var verr *Error
	if errors.As(err, &verr) {
		return verr
	}
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return wrapError(KindExpired, "token has expired", err)
	case errors.Is(err, jwt.ErrTokenNotValidYet):
		return wrapError(KindNotYetValid, "token is not yet valid", err)
	case errors.Is(err, jwt.ErrTokenInvalidAudience):
		return wrapError(KindAudienceMismatch, "token audience mismatch", err)
	case errors.Is(err, jwt.ErrTokenInvalidIssuer):
		return wrapError(KindUnknownIssuer, "token issuer is invalid", err)
	case errors.Is(err, jwt.ErrTokenSignatureInvalid), errors.Is(err, jwt.ErrTokenUnverifiable):
		return wrapError(KindSignatureInvalid, "token signature is invalid", err)
	case errors.Is(err, jwt.ErrTokenMalformed):
		return wrapError(KindMalformed, "token is malformed", err)
	default:
		return wrapError(KindSignatureInvalid, "token validation failed", err)
	}
}

func principalFromClaims(claims jwt.MapClaims) (*domain.Principal, error) {
	sub, _ := claims["sub"].(string)
	if sub == "" {
		return nil, newError(KindMalformed, "token missing sub claim")
	}
	tenant, _ := claims["tenant"].(string)
	if tenant == "" {
		tenant, _ = claims["org"].(string)
	}
	if tenant == "" {
		return nil, newError(KindMalformed, "token missing tenant claim")
	}

	principal := &domain.Principal{
		Subject: sub,
		Tenant:  tenant,
		Roles:   stringList(claims["roles"]),
	}
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		principal.ExpiresAt = exp.Time
	}
	for name, value := range claims {
		if _, registered := registeredClaims[name]; registered {
			continue
		}
		if str, ok := value.(string); ok {
			if principal.Attributes == nil {
				principal.Attributes = make(map[string]string)
			}
			principal.Attributes[name] = str
		}
	}
	return principal, nil
}

func stringList(value any) domain.StringList {
	switch v := value.(type) {
	case []string:
		return domain.StringList(v)
	case []any:
		out := make(domain.StringList, 0, len(v))
		for _, item := range v {
			if str, ok := item.(string); ok {
				out = append(out, str)
			}
		}
		return out
	case string:
		if v == "" {
			return nil
		}
		return domain.StringList{v}
	default:
		return nil
	}
}
