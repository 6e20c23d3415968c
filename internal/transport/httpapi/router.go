package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/goliatone/go-dataspace/internal/gateway"
	"github.com/goliatone/go-dataspace/internal/negotiation"
	"github.com/goliatone/go-dataspace/pkg/auth"
	"github.com/goliatone/go-dataspace/pkg/domain"
	"github.com/goliatone/go-dataspace/pkg/interfaces/logger"
	"github.com/goliatone/go-dataspace/pkg/interfaces/store"
)

// Handler adapts the gateway onto an HTTP surface. It owns request
// framing only; every decision comes from the core.
type Handler struct {
	gateway *gateway.Service
	log     logger.Logger
}

// NewHandler builds the HTTP adapter.
func NewHandler(gw *gateway.Service, log logger.Logger) (*Handler, error) {
	if gw == nil {
		return nil, errors.New("httpapi: gateway service is required")
	}
	if log == nil {
		log = &logger.Nop{}
	}
	return &Handler{gateway: gw, log: log}, nil
}

// Router assembles the chi routes.
func (h *Handler) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Post("/access", h.handleAccess)
	return r
}

type accessRequestBody struct {
	ResourceID  string                      `json:"resource_id"`
	Negotiation *gateway.NegotiationPayload `json:"negotiation,omitempty"`
}

type errorResponse struct {
	Error  string `json:"error"`
	Reason string `json:"reason,omitempty"`
}

func (h *Handler) handleAccess(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r)
	if token == "" {
		writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "missing bearer token"})
		return
	}

	var body accessRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return
	}

	decision, err := h.gateway.HandleAccessRequest(r.Context(), gateway.AccessRequest{
		RawToken:    token,
		ResourceID:  body.ResourceID,
		Negotiation: body.Negotiation,
	})
	if err != nil {
		h.writeError(w, err)
		return
	}

	writeJSON(w, decisionStatus(decision), decision)
}

// decisionStatus maps decision kinds onto HTTP status codes.
func decisionStatus(d *domain.Decision) int {
	switch d.Kind {
	case domain.DecisionPermit:
		return http.StatusOK
	case domain.DecisionPending:
		return http.StatusAccepted
	default:
		return http.StatusForbidden
	}
}

// writeError maps typed core errors onto HTTP status codes. Availability
// errors come back as 503 so clients know a retry is safe.
func (h *Handler) writeError(w http.ResponseWriter, err error) {
	var authErr *auth.Error
	if errors.As(err, &authErr) {
		status := http.StatusUnauthorized
		if auth.Retryable(err) {
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, errorResponse{Error: "authentication failed", Reason: string(auth.KindOf(err))})
		return
	}

	switch {
	case errors.Is(err, store.ErrUnavailable):
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "store unavailable"})
	case errors.Is(err, store.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "not found"})
	case errors.Is(err, negotiation.ErrStateConflict):
		writeJSON(w, http.StatusConflict, errorResponse{Error: "state conflict", Reason: "reload and retry"})
	case errors.Is(err, negotiation.ErrInvalidTransition):
		writeJSON(w, http.StatusTooEarly, errorResponse{Error: "invalid transition"})
	case errors.Is(err, negotiation.ErrSessionClosed):
		writeJSON(w, http.StatusConflict, errorResponse{Error: "session closed"})
	case errors.Is(err, negotiation.ErrNotParticipant):
		writeJSON(w, http.StatusForbidden, errorResponse{Error: "not a session participant"})
	case errors.Is(err, negotiation.ErrWrongActor):
		writeJSON(w, http.StatusForbidden, errorResponse{Error: "action reserved for the other participant"})
	case errors.Is(err, negotiation.ErrTermsDrift):
		writeJSON(w, http.StatusConflict, errorResponse{Error: "agreed terms mismatch"})
	case errors.Is(err, negotiation.ErrEmptyTerms),
		errors.Is(err, gateway.ErrUnknownAction):
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
	default:
		h.log.Error("access request failed", logger.Field{Key: "error", Value: err.Error()})
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal error"})
	}
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
