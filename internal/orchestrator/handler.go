package orchestrator

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"birdsong-orchestrator/internal/bus"
	"birdsong-orchestrator/internal/protocol"
)

// Handler exposes the orchestrator command surface over HTTP using
// go-chi. It is a thin translation layer: every route becomes one bus
// request against the orchestrator endpoint. Request and error counts
// are recorded by the shared HTTP middleware.
type Handler struct {
	bus *bus.Bus
	log *slog.Logger
}

// NewHandler returns a Handler speaking to the orchestrator over b.
func NewHandler(b *bus.Bus, log *slog.Logger) *Handler {
	return &Handler{bus: b, log: log}
}

// Routes mounts the playback routes on r.
func (h *Handler) Routes(r chi.Router) {
	r.Route("/playback", func(r chi.Router) {
		r.Post("/start", h.Start)
		r.Post("/stop", h.command(protocol.CmdStop))
		r.Post("/pause", h.command(protocol.CmdPause))
		r.Post("/resume", h.command(protocol.CmdResume))
		r.Post("/next", h.command(protocol.CmdNext))
		r.Get("/state", h.State)
	})
}

// Start handles POST /playback/start. Body: { "region": "finland" };
// an empty or absent body starts an unfiltered session.
func (h *Handler) Start(w http.ResponseWriter, r *http.Request) {
	var req protocol.StartRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			h.log.Debug("invalid start body", slog.String("error", err.Error()))
			w.WriteHeader(http.StatusBadRequest)
			return
		}
	}

	reply, err := h.bus.Request(r.Context(), protocol.EndpointOrchestrator,
		bus.Envelope{Type: protocol.CmdStart, Payload: req})
	if err != nil {
		h.writeBusError(w, protocol.CmdStart, err)
		return
	}

	h.writeResult(w, reply)
}

// command returns a handler for the body-less playback commands.
func (h *Handler) command(msgType string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		reply, err := h.bus.Request(r.Context(), protocol.EndpointOrchestrator,
			bus.Envelope{Type: msgType})
		if err != nil {
			h.writeBusError(w, msgType, err)
			return
		}
		h.writeResult(w, reply)
	}
}

// State handles GET /playback/state: the composite session + live audio
// snapshot.
func (h *Handler) State(w http.ResponseWriter, r *http.Request) {
	reply, err := h.bus.Request(r.Context(), protocol.EndpointOrchestrator,
		bus.Envelope{Type: protocol.CmdGetFullState})
	if err != nil {
		h.writeBusError(w, protocol.CmdGetFullState, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(reply.Payload)
}

// writeResult maps a CommandResult to HTTP. A failed command is still a
// well-formed outcome ("no results, try another region"), so it stays
// 200 with success=false rather than becoming an error status.
func (h *Handler) writeResult(w http.ResponseWriter, reply bus.Envelope) {
	res, ok := reply.Payload.(protocol.CommandResult)
	if !ok {
		h.log.Error("unexpected reply payload", slog.String("type", reply.Type))
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(res)
}

func (h *Handler) writeBusError(w http.ResponseWriter, msgType string, err error) {
	h.log.Error("command failed",
		slog.String("type", msgType),
		slog.String("error", err.Error()))
	if errors.Is(err, bus.ErrNoEndpoint) {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusInternalServerError)
}
