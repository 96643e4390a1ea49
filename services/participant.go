package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/flashbots/secagg/protocol"
)

// ErrResultUnavailable is returned when no global result was published to
// the participant for the requested round.
var ErrResultUnavailable = errors.New("global result not available")

// HTTPParticipant exposes a protocol.Participant over HTTP. The mask
// endpoint is public since masks are encrypted to the requesting peer; the
// operator endpoints require the API key.
type HTTPParticipant struct {
	participant *protocol.Participant
	keys        protocol.KeyProvider
	ledger      protocol.Ledger
	blobs       protocol.BlobStore
	apiKey      string
	log         *slog.Logger
}

// NewHTTPParticipant wraps p. ledger supplies the ring and the participant's
// global result pointer; blobs holds the encrypted results.
func NewHTTPParticipant(p *protocol.Participant, keys protocol.KeyProvider, ledger protocol.Ledger, blobs protocol.BlobStore, apiKey string, log *slog.Logger) *HTTPParticipant {
	if log == nil {
		log = slog.Default()
	}
	return &HTTPParticipant{
		participant: p,
		keys:        keys,
		ledger:      ledger,
		blobs:       blobs,
		apiKey:      apiKey,
		log:         log.With("participant", p.ID()),
	}
}

// RegisterRoutes registers HTTP routes for the participant.
func (h *HTTPParticipant) RegisterRoutes(r chi.Router) {
	r.Get("/mask/{round}", h.handleMask)

	r.Group(func(r chi.Router) {
		r.Use(RequireAPIKey(h.apiKey))
		r.Post("/rounds/{round}/mask", h.handlePrepareMask)
		r.Post("/contribute", h.handleContribute)
		r.Get("/global/{round}", h.handleGlobal)
	})
}

// Start restores the last accepted round from the ledger.
func (h *HTTPParticipant) Start(ctx context.Context) error {
	rec, err := h.ledger.GetParticipant(ctx, h.participant.ID())
	if err != nil {
		return fmt.Errorf("load participant record: %w", err)
	}
	h.participant.SetLastAccepted(rec.LastRound)
	h.log.Info("participant ready", "lastRound", rec.LastRound, "permitted", rec.PermittedToGlobalModel)
	return nil
}

// ring returns the ids of every registered participant.
func (h *HTTPParticipant) ring(ctx context.Context) ([]string, error) {
	records, err := h.ledger.ListParticipants(ctx)
	if err != nil {
		return nil, fmt.Errorf("list participants: %w", err)
	}
	ids := make([]string, 0, len(records))
	for _, rec := range records {
		ids = append(ids, rec.ID)
	}
	return ids, nil
}

func (h *HTTPParticipant) handleMask(w http.ResponseWriter, r *http.Request) {
	round, err := roundParam(r)
	if err != nil {
		writeError(w, err)
		return
	}
	requester := r.URL.Query().Get("peer")

	ring, err := h.ring(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	pkg, err := h.participant.ServeMask(round, requester, ring)
	if err != nil {
		if errors.Is(err, protocol.ErrUnauthorized) {
			h.log.Warn("mask request refused", "round", round, "requester", requester)
		}
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, &protocol.MaskResponse{Round: round, Mask: pkg})
}

func (h *HTTPParticipant) handlePrepareMask(w http.ResponseWriter, r *http.Request) {
	round, err := roundParam(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var req PrepareMaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, fmt.Errorf("%w: %v", protocol.ErrMalformedSubmission, err))
		return
	}
	if _, err := h.participant.PrepareMask(round, req.Layout); err != nil {
		writeError(w, err)
		return
	}
	h.log.Info("mask prepared", "round", round, "layout", req.Layout)
	w.WriteHeader(http.StatusNoContent)
}

func (h *HTTPParticipant) handleContribute(w http.ResponseWriter, r *http.Request) {
	req, err := protocol.DecodeMessage[protocol.ContributeRequest](r.Body)
	if err != nil {
		writeError(w, fmt.Errorf("%w: %v", protocol.ErrMalformedSubmission, err))
		return
	}
	if req.Round == 0 || req.Payload == nil {
		writeError(w, fmt.Errorf("%w: round_num and payload are required", protocol.ErrMalformedSubmission))
		return
	}

	ring, err := h.ring(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	receipt, err := h.participant.Contribute(r.Context(), req.Round, req.Payload, ring, req.AccuracyImprovement)
	if err != nil {
		h.log.Warn("contribution failed", "round", req.Round, "err", err)
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, &protocol.SubmitResponse{
		Status:         protocol.StatusSuccess,
		ContentPointer: receipt.Pointer,
		LedgerTx:       receipt.TxID,
	})
}

func (h *HTTPParticipant) handleGlobal(w http.ResponseWriter, r *http.Request) {
	round, err := roundParam(r)
	if err != nil {
		writeError(w, err)
		return
	}
	result, err := h.GlobalResult(r.Context(), round)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// GlobalResult fetches and decrypts the participant's copy of the global
// result for round.
func (h *HTTPParticipant) GlobalResult(ctx context.Context, round uint64) (*protocol.GlobalResult, error) {
	rec, err := h.ledger.GetParticipant(ctx, h.participant.ID())
	if err != nil {
		return nil, err
	}
	if !rec.PermittedToGlobalModel {
		return nil, fmt.Errorf("%w: %s", protocol.ErrNotPermitted, rec.ID)
	}
	if rec.GlobalModelPointer == "" || rec.GlobalModelRound != round {
		return nil, fmt.Errorf("%w: round %d", ErrResultUnavailable, round)
	}

	data, err := h.blobs.Get(ctx, rec.GlobalModelPointer)
	if err != nil {
		return nil, err
	}
	result, err := protocol.OpenGlobalResult(h.keys, data)
	if err != nil {
		return nil, err
	}
	if result.Round != round {
		return nil, fmt.Errorf("%w: pointer holds round %d", ErrResultUnavailable, result.Round)
	}
	return result, nil
}
