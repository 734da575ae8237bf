// internal/health/responder.go
package health

import (
	"net/http"

	"libradispatch/internal/wire"
)

const (
	TypeProbe = "health"
	TypeOK    = "health_ok"
	TypeError = "error"
)

// Probe is the body of a liveness probe.
type Probe struct {
	Type string `json:"type"`
}

// Reply is the body of a liveness answer.
type Reply struct {
	Type  string `json:"type"`
	Actor string `json:"actor,omitempty"`
	Error string `json:"error,omitempty"`
}

// Responder answers liveness probes on behalf of actor.
type Responder struct {
	actor string
	ready func() error
}

// ResponderOption configures a Responder.
type ResponderOption func(*Responder)

// WithReadiness makes probes fail with the check's error while it returns one.
func WithReadiness(check func() error) ResponderOption {
	return func(h *Responder) {
		h.ready = check
	}
}

func NewResponder(actor string, options ...ResponderOption) *Responder {
	h := &Responder{actor: actor}
	for _, option := range options {
		option(h)
	}
	return h
}

func (h *Responder) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, err := wire.ReadBody(r.Body)
	if err != nil {
		wire.WriteJSON(w, http.StatusOK, Reply{Type: TypeError, Error: "unknown"})
		return
	}
	var p Probe
	if err := wire.Unmarshal(body, &p); err != nil || p.Type != TypeProbe {
		wire.WriteJSON(w, http.StatusOK, Reply{Type: TypeError, Error: "unknown"})
		return
	}
	if h.ready != nil {
		if err := h.ready(); err != nil {
			wire.WriteJSON(w, http.StatusOK, Reply{Type: TypeError, Actor: h.actor, Error: err.Error()})
			return
		}
	}
	wire.WriteJSON(w, http.StatusOK, Reply{Type: TypeOK, Actor: h.actor})
}
