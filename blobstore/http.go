package blobstore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/go-chi/chi/v5"

	"github.com/flashbots/secagg/protocol"
)

// MaxBlobSize bounds uploads to the HTTP handler.
const MaxBlobSize = 64 << 20

// PutResponse is returned by POST /blobs.
type PutResponse struct {
	Pointer protocol.Pointer `json:"pointer"`
}

// Handler serves any protocol.BlobStore over HTTP.
type Handler struct {
	store       protocol.BlobStore
	log         *slog.Logger
	writeGuards []func(http.Handler) http.Handler
}

// NewHandler creates a handler backed by store.
func NewHandler(store protocol.BlobStore, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{store: store, log: log}
}

// GuardWrites wraps the upload route with mw.
func (h *Handler) GuardWrites(mw func(http.Handler) http.Handler) *Handler {
	h.writeGuards = append(h.writeGuards, mw)
	return h
}

// RegisterRoutes mounts the blob API on router.
func (h *Handler) RegisterRoutes(router chi.Router) {
	router.With(h.writeGuards...).Post("/blobs", h.handlePut)
	router.Get("/blobs/{pointer}", h.handleGet)
}

func (h *Handler) handlePut(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, MaxBlobSize))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	p, err := h.store.Put(r.Context(), data)
	if err != nil {
		h.log.Error("blob put failed", "err", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(&PutResponse{Pointer: p})
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	raw, err := url.PathUnescape(chi.URLParam(r, "pointer"))
	if err != nil {
		http.Error(w, "invalid pointer", http.StatusBadRequest)
		return
	}
	data, err := h.store.Get(r.Context(), protocol.Pointer(raw))
	switch {
	case errors.Is(err, protocol.ErrBlobNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	case errors.Is(err, ErrCorrupted):
		h.log.Error("stored blob is corrupted", "pointer", raw)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	case err != nil:
		h.log.Error("blob get failed", "err", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Write(data)
}

// HTTPStore is a protocol.BlobStore client for the API served by Handler.
// Pointers are opaque to it; integrity is checked by whoever opens the blob.
type HTTPStore struct {
	baseURL  string
	apiKey   string
	client   *http.Client
	maxTries uint
}

// NewHTTPStore creates a client for the blob service at baseURL.
func NewHTTPStore(baseURL, apiKey string) *HTTPStore {
	return &HTTPStore{
		baseURL:  strings.TrimRight(baseURL, "/"),
		apiKey:   apiKey,
		client:   &http.Client{Timeout: 30 * time.Second},
		maxTries: 3,
	}
}

func (s *HTTPStore) Put(ctx context.Context, data []byte) (protocol.Pointer, error) {
	body, err := s.send(ctx, http.MethodPost, "/blobs", data)
	if err != nil {
		return "", err
	}
	var resp PutResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("decode put response: %w", err)
	}
	return resp.Pointer, nil
}

func (s *HTTPStore) Get(ctx context.Context, p protocol.Pointer) ([]byte, error) {
	return s.send(ctx, http.MethodGet, "/blobs/"+url.PathEscape(string(p)), nil)
}

func (s *HTTPStore) send(ctx context.Context, method, path string, payload []byte) ([]byte, error) {
	return backoff.Retry(ctx, func() ([]byte, error) {
		var body io.Reader
		if payload != nil {
			body = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, s.baseURL+path, body)
		if err != nil {
			return nil, backoff.Permanent(err)
		}
		if s.apiKey != "" {
			req.Header.Set("API-Key", s.apiKey)
		}

		resp, err := s.client.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, err
		}
		switch {
		case resp.StatusCode == http.StatusOK:
			return data, nil
		case resp.StatusCode == http.StatusNotFound:
			return nil, backoff.Permanent(fmt.Errorf("%w: %s", protocol.ErrBlobNotFound, path))
		case resp.StatusCode >= 500:
			return nil, fmt.Errorf("blob service returned %d", resp.StatusCode)
		}
		return nil, backoff.Permanent(fmt.Errorf("blob service returned %d: %s", resp.StatusCode, strings.TrimSpace(string(data))))
	}, backoff.WithBackOff(backoff.NewExponentialBackOff()), backoff.WithMaxTries(s.maxTries))
}
