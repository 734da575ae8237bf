// internal/storage/handler.go
package storage

import (
	"errors"
	"net/http"

	"libradispatch/internal/health"
	"libradispatch/internal/loan"
	"libradispatch/internal/logging"
	"libradispatch/internal/wire"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

type Handler struct {
	engine *Engine
	name   string
	logger logging.Logger
}

func NewHandler(engine *Engine, name string, logger logging.Logger) *Handler {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Handler{engine: engine, name: name, logger: logger}
}

// Routes mounts POST /apply, POST /health and GET /items/{branch}/{item}.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Post("/apply", h.HandleApply)
	r.Method(http.MethodPost, "/health", health.NewResponder(h.name))
	r.Get("/items/{branch}/{item}", h.HandleItem)
	return r
}

func (h *Handler) HandleApply(w http.ResponseWriter, r *http.Request) {
	body, err := wire.ReadBody(r.Body)
	if err != nil {
		wire.WriteJSON(w, http.StatusOK, loan.Fail("read body: %v", err))
		return
	}

	var op loan.Operation
	if err := wire.Unmarshal(body, &op); err != nil {
		wire.WriteJSON(w, http.StatusOK, loan.Fail("%v", err))
		return
	}

	res := h.engine.Apply(r.Context(), op)
	h.logger.Info("operation applied", "op", op.Op, "request_id", op.RequestID,
		"ok", res.OK, "msg", res.Msg)
	wire.WriteJSON(w, http.StatusOK, res)
}

func (h *Handler) HandleItem(w http.ResponseWriter, r *http.Request) {
	it, err := h.engine.Store().Item(r.Context(), chi.URLParam(r, "item"), chi.URLParam(r, "branch"))
	if errors.Is(err, ErrItemNotFound) {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	wire.WriteJSON(w, http.StatusOK, it)
}
