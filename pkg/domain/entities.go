package domain

import (
	"crypto/sha256"
	"database/sql/driver"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

// RecordMeta captures identifiers and audit fields shared across entities.
type RecordMeta struct {
	ID        uuid.UUID `bun:",pk,type:uuid" json:"id"`
	CreatedAt time.Time `bun:",nullzero,notnull,default:current_timestamp" json:"created_at"`
	UpdatedAt time.Time `bun:",nullzero,notnull,default:current_timestamp" json:"updated_at"`
	DeletedAt time.Time `bun:",soft_delete,nullzero" json:"deleted_at,omitempty"`
}

// EnsureID assigns a UUID when the struct is about to be persisted.
func (m *RecordMeta) EnsureID() {
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
}

// JSONMap persists arbitrary key/value fields as JSON.
type JSONMap map[string]any

// Value implements driver.Valuer.
func (m JSONMap) Value() (driver.Value, error) {
	if m == nil {
		return []byte("null"), nil
	}
	return json.Marshal(m)
}

// Scan implements sql.Scanner.
func (m *JSONMap) Scan(value any) error {
	if m == nil {
		return errors.New("JSONMap: Scan on nil pointer")
	}
	switch v := value.(type) {
	case nil:
		*m = nil
		return nil
	case []byte:
		return json.Unmarshal(v, m)
	case string:
		return json.Unmarshal([]byte(v), m)
	default:
		return fmt.Errorf("JSONMap: unsupported type %T", value)
	}
}

// StringList stores []string as JSON.
type StringList []string

func (s StringList) Value() (driver.Value, error) {
	return json.Marshal([]string(s))
}

func (s *StringList) Scan(value any) error {
	if s == nil {
		return errors.New("StringList: Scan on nil pointer")
	}
	switch v := value.(type) {
	case nil:
		*s = nil
		return nil
	case []byte:
		return json.Unmarshal(v, (*[]string)(s))
	case string:
		return json.Unmarshal([]byte(v), (*[]string)(s))
	default:
		return fmt.Errorf("StringList: unsupported type %T", value)
	}
}

// Contains reports whether the list holds the given value.
func (s StringList) Contains(value string) bool {
	for _, item := range s {
		if item == value {
			return true
		}
	}
	return false
}

// Principal is the resolved identity of a caller derived from a validated
// token. Principals live for the duration of a request and are never
// persisted.
type Principal struct {
	Subject    string            `json:"subject"`
	Tenant     string            `json:"tenant"`
	Roles      StringList        `json:"roles"`
	Attributes map[string]string `json:"attributes,omitempty"`
	ExpiresAt  time.Time         `json:"expires_at"`
}

// HasRole reports whether the principal carries the given role.
func (p *Principal) HasRole(role string) bool {
	if p == nil {
		return false
	}
	return p.Roles.Contains(role)
}

// Attribute returns the named attribute value, if present.
func (p *Principal) Attribute(name string) (string, bool) {
	if p == nil || p.Attributes == nil {
		return "", false
	}
	value, ok := p.Attributes[name]
	return value, ok
}

// Policy effects.
const (
	EffectPermit    = "permit"
	EffectDeny      = "deny"
	EffectNegotiate = "negotiate"
)

// PolicyRule is a declarative access rule attached to a resource. Rules are
// owned by the resource catalog; this module only reads them.
type PolicyRule struct {
	bun.BaseModel `bun:"table:access_policies"`
	RecordMeta

	ResourceID    string     `bun:",nullzero,notnull" json:"resource_id"`
	Effect        string     `bun:",nullzero,notnull" json:"effect"`
	Description   string     `bun:",nullzero" json:"description,omitempty"`
	RequiredRoles StringList `bun:"type:jsonb,nullzero" json:"required_roles,omitempty"`
	// Attributes holds attribute-equals predicates keyed by attribute name.
	Attributes JSONMap `bun:"type:jsonb,nullzero" json:"attributes,omitempty"`
	// RequiredSteps is the minimal negotiation step sequence when the
	// effect is negotiate.
	RequiredSteps StringList `bun:"type:jsonb,nullzero" json:"required_steps,omitempty"`
}

// Specificity is the number of predicates the rule declares. More specific
// rules win during evaluation.
func (r *PolicyRule) Specificity() int {
	return len(r.RequiredRoles) + len(r.Attributes)
}

// Negotiation session states.
const (
	SessionInitiated      = "initiated"
	SessionOfferSent      = "offer_sent"
	SessionCounterOffered = "counter_offered"
	SessionAgreed         = "agreed"
	SessionFinalized      = "finalized"
	SessionRejected       = "rejected"
	SessionExpired        = "expired"
	SessionCancelled      = "cancelled"
)

// TerminalState reports whether a session state accepts no further
// transitions.
func TerminalState(state string) bool {
	switch state {
	case SessionFinalized, SessionRejected, SessionExpired, SessionCancelled:
		return true
	}
	return false
}

// Offer is one entry in a session's negotiation log.
type Offer struct {
	ID          uuid.UUID `json:"id"`
	ActorTenant string    `json:"actor_tenant"`
	Terms       JSONMap   `json:"terms"`
	SubmittedAt time.Time `json:"submitted_at"`
}

// OfferLog stores the ordered offer history as JSON.
type OfferLog []Offer

func (l OfferLog) Value() (driver.Value, error) {
	return json.Marshal([]Offer(l))
}

func (l *OfferLog) Scan(value any) error {
	if l == nil {
		return errors.New("OfferLog: Scan on nil pointer")
	}
	switch v := value.(type) {
	case nil:
		*l = nil
		return nil
	case []byte:
		return json.Unmarshal(v, (*[]Offer)(l))
	case string:
		return json.Unmarshal([]byte(v), (*[]Offer)(l))
	default:
		return fmt.Errorf("OfferLog: unsupported type %T", value)
	}
}

// Latest returns the most recent offer, or nil when the log is empty.
func (l OfferLog) Latest() *Offer {
	if len(l) == 0 {
		return nil
	}
	offer := l[len(l)-1]
	return &offer
}

// NegotiationSession is the stateful unit of the offer/counter-offer
// protocol for one (requester, resource) pair. Mutations go through the
// negotiation service and are serialized by the optimistic Version check on
// save.
type NegotiationSession struct {
	bun.BaseModel `bun:"table:negotiation_sessions"`
	RecordMeta

	RequesterTenant string     `bun:",nullzero,notnull" json:"requester_tenant"`
	ProviderTenant  string     `bun:",nullzero,notnull" json:"provider_tenant"`
	ResourceID      string     `bun:",nullzero,notnull" json:"resource_id"`
	State           string     `bun:",nullzero,notnull" json:"state"`
	Version         int64      `bun:",notnull" json:"version"`
	Offers          OfferLog   `bun:"type:jsonb,nullzero" json:"offers,omitempty"`
	RoundTrips      int        `bun:",notnull" json:"round_trips"`
	RequiredSteps   StringList `bun:"type:jsonb,nullzero" json:"required_steps,omitempty"`
	LastActivityAt  time.Time  `bun:",nullzero,notnull" json:"last_activity_at"`
	AgreedTermsHash string     `bun:",nullzero" json:"agreed_terms_hash,omitempty"`
	FinalizedAt     time.Time  `bun:",nullzero" json:"finalized_at,omitempty"`
	GrantID         uuid.UUID  `bun:",nullzero,type:uuid" json:"grant_id,omitempty"`
}

// Terminal reports whether the session reached a terminal state.
func (s *NegotiationSession) Terminal() bool {
	return TerminalState(s.State)
}

// IdleSince reports whether the session saw no activity after the deadline.
func (s *NegotiationSession) IdleSince(deadline time.Time) bool {
	return s.LastActivityAt.Before(deadline)
}

// Touch records activity on the session.
func (s *NegotiationSession) Touch(now time.Time) {
	s.LastActivityAt = now
}

// CurrentTerms returns the terms of the latest offer, or nil.
func (s *NegotiationSession) CurrentTerms() JSONMap {
	if offer := s.Offers.Latest(); offer != nil {
		return offer.Terms
	}
	return nil
}

// AccessGrant is the short-lived credential minted on a permit decision.
// Grants are derived, never persisted; re-deriving from the same finalized
// session yields an identical grant.
type AccessGrant struct {
	ID         uuid.UUID `json:"id"`
	Subject    string    `json:"subject"`
	ResourceID string    `json:"resource_id"`
	Scope      string    `json:"scope"`
	IssuedAt   time.Time `json:"issued_at"`
	ExpiresAt  time.Time `json:"expires_at"`
	Token      string    `json:"token"`
}

// Decision kinds returned to the transport.
const (
	DecisionPermit  = "permit"
	DecisionDeny    = "deny"
	DecisionPending = "pending"
)

// Decision is the outcome of an access request.
type Decision struct {
	Kind      string       `json:"kind"`
	Reason    string       `json:"reason,omitempty"`
	Grant     *AccessGrant `json:"grant,omitempty"`
	SessionID uuid.UUID    `json:"session_id,omitempty"`
	NextStep  string       `json:"next_step,omitempty"`
}

// TermsHash produces a stable digest of negotiation terms. Keys are sorted
// so logically equal terms hash identically regardless of map order.
func TermsHash(terms JSONMap) string {
	if len(terms) == 0 {
		return ""
	}
	keys := make([]string, 0, len(terms))
	for k := range terms {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	h := sha256.New()
	for _, k := range keys {
		raw, err := json.Marshal(terms[k])
		if err != nil {
			raw = []byte(fmt.Sprintf("%v", terms[k]))
		}
		fmt.Fprintf(h, "%s=%s;", k, raw)
	}
	return hex.EncodeToString(h.Sum(nil))
}
