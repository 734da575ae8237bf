// internal/lender/handler.go
package lender

import (
	"net/http"

	"libradispatch/internal/health"
	"libradispatch/internal/loan"
	"libradispatch/internal/wire"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

type Handler struct {
	lender *Lender
	name   string
}

func NewHandler(lender *Lender, name string) *Handler {
	return &Handler{lender: lender, name: name}
}

func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Post("/borrow", h.HandleBorrow)
	r.Method(http.MethodPost, "/health", health.NewResponder(h.name))
	return r
}

func (h *Handler) HandleBorrow(w http.ResponseWriter, r *http.Request) {
	body, err := wire.ReadBody(r.Body)
	if err != nil {
		wire.WriteJSON(w, http.StatusOK, loan.Fail("read body: %v", err))
		return
	}
	wire.WriteJSON(w, http.StatusOK, h.lender.Handle(r.Context(), body))
}
