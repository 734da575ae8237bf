// internal/consumer/handler.go
package consumer

import (
	"net/http"

	"libradispatch/internal/health"
	"libradispatch/internal/wire"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

type Handler struct {
	consumer *Consumer
	name     string
}

func NewHandler(consumer *Consumer, name string) *Handler {
	return &Handler{consumer: consumer, name: name}
}

// Routes mounts POST /health and GET /stats. Health fails while the event
// stream is down.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Method(http.MethodPost, "/health", health.NewResponder(h.name, health.WithReadiness(h.consumer.Ready)))
	r.Get("/stats", func(w http.ResponseWriter, r *http.Request) {
		wire.WriteJSON(w, http.StatusOK, h.consumer.Stats())
	})
	return r
}
