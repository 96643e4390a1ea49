package services

import (
	"context"
	"log/slog"
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"

	"github.com/flashbots/secagg/protocol"
)

// HTTPAggregator exposes a protocol.Aggregator over HTTP. Rounds run in the
// background; callers poll the status endpoint.
type HTTPAggregator struct {
	aggregator *protocol.Aggregator
	apiKey     string
	log        *slog.Logger

	mu      sync.Mutex
	ctx     context.Context
	running map[uint64]struct{}
	wg      sync.WaitGroup
}

// NewHTTPAggregator wraps a.
func NewHTTPAggregator(a *protocol.Aggregator, apiKey string, log *slog.Logger) *HTTPAggregator {
	if log == nil {
		log = slog.Default()
	}
	return &HTTPAggregator{
		aggregator: a,
		apiKey:     apiKey,
		log:        log,
		ctx:        context.Background(),
		running:    make(map[uint64]struct{}),
	}
}

// RegisterRoutes registers HTTP routes for the aggregator.
func (h *HTTPAggregator) RegisterRoutes(r chi.Router) {
	r.With(RequireAPIKey(h.apiKey)).Post("/rounds/{round}/aggregate", h.handleAggregate)
	r.Get("/rounds/{round}/status", h.handleStatus)
}

// Start sets the context rounds run under. Cancelling it stops waiting
// rounds.
func (h *HTTPAggregator) Start(ctx context.Context) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.ctx = ctx
}

// Wait blocks until every started round has finished.
func (h *HTTPAggregator) Wait() {
	h.wg.Wait()
}

// Trigger starts round in the background unless it is already running or
// finished. It returns the round's status after the call.
func (h *HTTPAggregator) Trigger(round uint64) *RoundStatusResponse {
	if status := h.Status(round); status.Status != RoundPending {
		return status
	}

	h.mu.Lock()
	if _, ok := h.running[round]; ok {
		h.mu.Unlock()
		return &RoundStatusResponse{Round: round, Status: RoundRunning}
	}
	h.running[round] = struct{}{}
	ctx := h.ctx
	h.wg.Add(1)
	h.mu.Unlock()

	go func() {
		defer h.wg.Done()
		defer func() {
			h.mu.Lock()
			delete(h.running, round)
			h.mu.Unlock()
		}()

		log := h.log.With("round", round)
		log.Info("round aggregation started")
		if _, err := h.aggregator.RunRound(ctx, round); err != nil {
			log.Warn("round aggregation failed", "err", err)
		}
	}()
	return &RoundStatusResponse{Round: round, Status: RoundRunning}
}

// Status reports whether round is pending, running, published or abandoned.
func (h *HTTPAggregator) Status(round uint64) *RoundStatusResponse {
	outcome, err := h.aggregator.Status(round)
	switch {
	case outcome != nil:
		return &RoundStatusResponse{Round: round, Status: RoundDone, Outcome: outcome}
	case err != nil:
		_, msg := statusFor(err)
		return &RoundStatusResponse{Round: round, Status: RoundAbandoned, Error: msg}
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.running[round]; ok {
		return &RoundStatusResponse{Round: round, Status: RoundRunning}
	}
	return &RoundStatusResponse{Round: round, Status: RoundPending}
}

func (h *HTTPAggregator) handleAggregate(w http.ResponseWriter, r *http.Request) {
	round, err := roundParam(r)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, h.Trigger(round))
}

func (h *HTTPAggregator) handleStatus(w http.ResponseWriter, r *http.Request) {
	round, err := roundParam(r)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h.Status(round))
}
