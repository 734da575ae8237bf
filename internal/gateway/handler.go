// internal/gateway/handler.go
package gateway

import (
	"net/http"

	"libradispatch/internal/health"
	"libradispatch/internal/loan"
	"libradispatch/internal/publisher"
	"libradispatch/internal/wire"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

type Handler struct {
	gateway  *Gateway
	hub      *publisher.Hub
	registry *health.Registry
}

func NewHandler(gateway *Gateway, hub *publisher.Hub, registry *health.Registry) *Handler {
	return &Handler{gateway: gateway, hub: hub, registry: registry}
}

// Routes mounts POST /requests, GET /events, GET /consumers and POST /health.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Post("/requests", h.HandleRequest)
	r.Method(http.MethodGet, "/events", h.hub)
	r.Get("/consumers", h.HandleConsumers)
	r.Method(http.MethodPost, "/health", health.NewResponder("gateway"))
	return r
}

func (h *Handler) HandleRequest(w http.ResponseWriter, r *http.Request) {
	body, err := wire.ReadBody(r.Body)
	if err != nil {
		wire.WriteJSON(w, http.StatusOK, loan.Fail("read body: %v", err))
		return
	}
	wire.WriteJSON(w, http.StatusOK, h.gateway.Handle(r.Context(), body))
}

func (h *Handler) HandleConsumers(w http.ResponseWriter, r *http.Request) {
	wire.WriteJSON(w, http.StatusOK, map[string]any{
		"consumers": h.registry.Snapshot(),
		"stream":    h.hub.Stats(),
	})
}
