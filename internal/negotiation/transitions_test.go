package negotiation

import (
	"errors"
	"testing"

	"github.com/goliatone/go-dataspace/pkg/domain"
)

func TestTransitionTable(t *testing.T) {
	valid := []struct {
		state, event, next string
	}{
		{domain.SessionInitiated, EventOffer, domain.SessionOfferSent},
		{domain.SessionOfferSent, EventCounter, domain.SessionCounterOffered},
		{domain.SessionCounterOffered, EventOffer, domain.SessionOfferSent},
		{domain.SessionOfferSent, EventAccept, domain.SessionAgreed},
		{domain.SessionCounterOffered, EventAccept, domain.SessionAgreed},
		{domain.SessionAgreed, EventFinalize, domain.SessionFinalized},
		{domain.SessionInitiated, EventCancel, domain.SessionCancelled},
		{domain.SessionAgreed, EventExpire, domain.SessionExpired},
		{domain.SessionOfferSent, EventReject, domain.SessionRejected},
	}
	for _, tc := range valid {
		next, err := transition(tc.state, tc.event)
		if err != nil {
			t.Fatalf("%s + %s: %v", tc.state, tc.event, err)
		}
		if next != tc.next {
			t.Fatalf("%s + %s: expected %s, got %s", tc.state, tc.event, tc.next, next)
		}
	}
}

func TestTerminalStatesAcceptNoEvents(t *testing.T) {
	events := []string{EventOffer, EventCounter, EventAccept, EventFinalize, EventCancel, EventReject, EventExpire}
	for _, state := range []string{domain.SessionFinalized, domain.SessionRejected, domain.SessionExpired, domain.SessionCancelled} {
		for _, event := range events {
			if _, err := transition(state, event); !errors.Is(err, ErrInvalidTransition) {
				t.Fatalf("%s + %s: expected ErrInvalidTransition, got %v", state, event, err)
			}
		}
	}
}

func TestInvalidMidProtocolTransitions(t *testing.T) {
	invalid := []struct{ state, event string }{
		{domain.SessionInitiated, EventAccept},
		{domain.SessionInitiated, EventFinalize},
		{domain.SessionOfferSent, EventOffer},
		{domain.SessionAgreed, EventOffer},
		{domain.SessionAgreed, EventCounter},
		{domain.SessionAgreed, EventReject},
	}
	for _, tc := range invalid {
		if _, err := transition(tc.state, tc.event); !errors.Is(err, ErrInvalidTransition) {
			t.Fatalf("%s + %s: expected ErrInvalidTransition, got %v", tc.state, tc.event, err)
		}
	}
}
