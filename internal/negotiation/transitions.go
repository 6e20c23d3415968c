package negotiation

import (
	"fmt"

	"github.com/goliatone/go-dataspace/pkg/domain"
)

// Events that drive a session through its lifecycle.
const (
	EventOffer    = "offer"
	EventCounter  = "counter"
	EventAccept   = "accept"
	EventFinalize = "finalize"
	EventCancel   = "cancel"
	EventReject   = "reject"
	EventExpire   = "expire"
)

// transitions maps (state, event) to the next state. Pairs absent from the
// table are invalid; terminal states accept no events at all.
var transitions = map[string]map[string]string{
	domain.SessionInitiated: {
		EventOffer:  domain.SessionOfferSent,
		EventCancel: domain.SessionCancelled,
		EventReject: domain.SessionRejected,
		EventExpire: domain.SessionExpired,
	},
	domain.SessionOfferSent: {
		EventCounter: domain.SessionCounterOffered,
		EventAccept:  domain.SessionAgreed,
		EventCancel:  domain.SessionCancelled,
		EventReject:  domain.SessionRejected,
		EventExpire:  domain.SessionExpired,
	},
	domain.SessionCounterOffered: {
		EventOffer:  domain.SessionOfferSent,
		EventAccept: domain.SessionAgreed,
		EventCancel: domain.SessionCancelled,
		EventReject: domain.SessionRejected,
		EventExpire: domain.SessionExpired,
	},
	domain.SessionAgreed: {
		EventFinalize: domain.SessionFinalized,
		EventCancel:   domain.SessionCancelled,
		EventExpire:   domain.SessionExpired,
	},
}

// transition resolves the next state for an event, or an error when the
// event is not legal from the current state.
func transition(state, event string) (string, error) {
	next, ok := transitions[state][event]
	if !ok {
		return "", fmt.Errorf("%w: %s from %s", ErrInvalidTransition, event, state)
	}
	return next, nil
}
