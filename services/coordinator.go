package services

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/flashbots/secagg/protocol"
)

// MaxSubmissionBytes bounds the body of an upload.
const MaxSubmissionBytes = 32 << 20

// HTTPCoordinator exposes a protocol.Coordinator over HTTP. Rate limiting
// happens inside the coordinator, after the submitter is authenticated.
type HTTPCoordinator struct {
	coordinator *protocol.Coordinator
	apiKey      string
	log         *slog.Logger
}

// NewHTTPCoordinator wraps c.
func NewHTTPCoordinator(c *protocol.Coordinator, apiKey string, log *slog.Logger) *HTTPCoordinator {
	if log == nil {
		log = slog.Default()
	}
	return &HTTPCoordinator{
		coordinator: c,
		apiKey:      apiKey,
		log:         log,
	}
}

// RegisterRoutes registers HTTP routes for the coordinator.
func (h *HTTPCoordinator) RegisterRoutes(r chi.Router) {
	r.Post("/upload", h.handleUpload)
	r.Get("/rounds/{round}/state/{participant}", h.handleState)
	r.With(RequireAPIKey(h.apiKey)).Post("/rounds/{round}/abandon", h.handleAbandon)
}

func (h *HTTPCoordinator) handleUpload(w http.ResponseWriter, r *http.Request) {
	sub, err := protocol.DecodeMessage[protocol.Submission](http.MaxBytesReader(w, r.Body, MaxSubmissionBytes))
	if err != nil {
		code, msg := http.StatusBadRequest, "malformed submission"
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			code, msg = http.StatusRequestEntityTooLarge, "submission too large"
		}
		writeJSON(w, code, &protocol.SubmitResponse{Status: protocol.StatusError, Message: msg})
		return
	}

	receipt, err := h.coordinator.Submit(r.Context(), sub)
	if err != nil {
		code, msg := statusFor(err)
		writeJSON(w, code, &protocol.SubmitResponse{Status: protocol.StatusError, Message: msg})
		return
	}

	writeJSON(w, http.StatusOK, &protocol.SubmitResponse{
		Status:         protocol.StatusSuccess,
		ContentPointer: receipt.Pointer,
		LedgerTx:       receipt.TxID,
	})
}

func (h *HTTPCoordinator) handleState(w http.ResponseWriter, r *http.Request) {
	round, err := roundParam(r)
	if err != nil {
		writeError(w, err)
		return
	}
	participant := chi.URLParam(r, "participant")
	writeJSON(w, http.StatusOK, &StateResponse{
		ParticipantID: participant,
		Round:         round,
		State:         h.coordinator.State(participant, round).String(),
		LastRecorded:  h.coordinator.LastRecorded(participant),
		Abandoned:     h.coordinator.IsAbandoned(round),
	})
}

func (h *HTTPCoordinator) handleAbandon(w http.ResponseWriter, r *http.Request) {
	round, err := roundParam(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := h.coordinator.Abandon(r.Context(), round); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, &StateResponse{Round: round, State: RoundAbandoned, Abandoned: true})
}
