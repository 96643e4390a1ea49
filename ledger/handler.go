package ledger

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/flashbots/secagg/protocol"
	"github.com/go-chi/chi/v5"
)

// RegisterRequest is the body of POST /participants.
type RegisterRequest struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// PermissionRequest is the body of PUT /participants/{id}/permission.
type PermissionRequest struct {
	Permitted bool `json:"permitted"`
}

// RecordRequest is the body of POST /contributions and POST /results.
type RecordRequest struct {
	ParticipantID string           `json:"participant_id"`
	Round         uint64           `json:"round_num"`
	Pointer       protocol.Pointer `json:"pointer"`
}

// RecordResponse carries the ledger transaction id of a recorded entry.
type RecordResponse struct {
	TxID string `json:"tx_id"`
}

// CountResponse is returned by GET /rounds/{round}/count.
type CountResponse struct {
	Round uint64 `json:"round_num"`
	Count int    `json:"count"`
}

// Handler serves any protocol.Ledger over HTTP.
type Handler struct {
	ledger      protocol.Ledger
	log         *slog.Logger
	writeGuards []func(http.Handler) http.Handler
}

// NewHandler creates a handler backed by l.
func NewHandler(l protocol.Ledger, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{ledger: l, log: log}
}

// GuardWrites wraps every mutating route with mw. Reads stay open so
// participants can look up the ring and their own records.
func (h *Handler) GuardWrites(mw func(http.Handler) http.Handler) *Handler {
	h.writeGuards = append(h.writeGuards, mw)
	return h
}

// RegisterRoutes mounts the ledger API on router.
func (h *Handler) RegisterRoutes(router chi.Router) {
	router.Get("/participants", h.handleList)
	router.Get("/participants/{id}", h.handleGetParticipant)
	router.Get("/contributions/{round}/{id}", h.handleGetContribution)
	router.Get("/rounds/{round}/count", h.handleCount)

	writes := router.With(h.writeGuards...)
	writes.Post("/participants", h.handleRegister)
	writes.Put("/participants/{id}/permission", h.handleSetPermission)
	writes.Post("/contributions", h.handleRecordContribution)
	writes.Post("/results", h.handleRecordResult)
}

func (h *Handler) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := h.ledger.RegisterParticipant(r.Context(), req.ID, req.Name); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusCreated)
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	participants, err := h.ledger.ListParticipants(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, participants)
}

func (h *Handler) handleGetParticipant(w http.ResponseWriter, r *http.Request) {
	p, err := h.ledger.GetParticipant(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, p)
}

func (h *Handler) handleSetPermission(w http.ResponseWriter, r *http.Request) {
	var req PermissionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := h.ledger.SetPermission(r.Context(), chi.URLParam(r, "id"), req.Permitted); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleRecordContribution(w http.ResponseWriter, r *http.Request) {
	var req RecordRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	tx, err := h.ledger.RecordContribution(r.Context(), req.ParticipantID, req.Round, req.Pointer)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, &RecordResponse{TxID: tx})
}

func (h *Handler) handleGetContribution(w http.ResponseWriter, r *http.Request) {
	round, err := strconv.ParseUint(chi.URLParam(r, "round"), 10, 64)
	if err != nil {
		http.Error(w, "invalid round", http.StatusBadRequest)
		return
	}
	c, err := h.ledger.GetContribution(r.Context(), chi.URLParam(r, "id"), round)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, c)
}

func (h *Handler) handleCount(w http.ResponseWriter, r *http.Request) {
	round, err := strconv.ParseUint(chi.URLParam(r, "round"), 10, 64)
	if err != nil {
		http.Error(w, "invalid round", http.StatusBadRequest)
		return
	}
	count, err := h.ledger.GetRoundSubmissionCount(r.Context(), round)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, &CountResponse{Round: round, Count: count})
}

func (h *Handler) handleRecordResult(w http.ResponseWriter, r *http.Request) {
	var req RecordRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	tx, err := h.ledger.RecordGlobalResult(r.Context(), req.ParticipantID, req.Round, req.Pointer)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, &RecordResponse{TxID: tx})
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, protocol.ErrParticipantNotFound), errors.Is(err, protocol.ErrContributionNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, protocol.ErrAlreadyRecorded):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, ErrEmptyID):
		http.Error(w, err.Error(), http.StatusBadRequest)
	default:
		h.log.Error("ledger request failed", "err", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}
