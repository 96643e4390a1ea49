package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/flashbots/secagg/protocol"
)

// Directory maps party ids to their public keys and endpoints. Entries are
// self-signed; registration additionally requires the operator API key.
type Directory struct {
	apiKey string
	log    *slog.Logger

	mu       sync.RWMutex
	services map[string]*RegisteredService
}

// NewDirectory creates an empty directory.
func NewDirectory(apiKey string, log *slog.Logger) *Directory {
	if log == nil {
		log = slog.Default()
	}
	return &Directory{
		apiKey:   apiKey,
		log:      log,
		services: make(map[string]*RegisteredService),
	}
}

// RegisterRoutes mounts the directory under /directory.
func (d *Directory) RegisterRoutes(r chi.Router) {
	r.Route("/directory", func(r chi.Router) {
		r.With(RequireAPIKey(d.apiKey)).Post("/register", d.handleRegister)
		r.Get("/services", d.handleGetServices)
		r.Get("/services/{id}", d.handleGetService)
	})
}

// Add verifies and stores a registration. Re-registering an id replaces it.
func (d *Directory) Add(reg *Registration) error {
	if err := reg.Verify(); err != nil {
		return err
	}
	svc := reg.Service
	d.mu.Lock()
	d.services[svc.ID] = &svc
	d.mu.Unlock()
	d.log.Info("service registered", "id", svc.ID, "role", svc.Role, "endpoint", svc.HTTPEndpoint)
	return nil
}

// List returns all entries grouped by role, sorted by id.
func (d *Directory) List() *ServiceListResponse {
	d.mu.RLock()
	defer d.mu.RUnlock()

	resp := &ServiceListResponse{
		Participants: []*RegisteredService{},
		Coordinators: []*RegisteredService{},
		Aggregators:  []*RegisteredService{},
	}
	for _, svc := range d.services {
		entry := *svc
		switch svc.Role {
		case ParticipantRole:
			resp.Participants = append(resp.Participants, &entry)
		case CoordinatorRole:
			resp.Coordinators = append(resp.Coordinators, &entry)
		case AggregatorRole:
			resp.Aggregators = append(resp.Aggregators, &entry)
		}
	}
	byID := func(a, b *RegisteredService) int { return strings.Compare(a.ID, b.ID) }
	slices.SortFunc(resp.Participants, byID)
	slices.SortFunc(resp.Coordinators, byID)
	slices.SortFunc(resp.Aggregators, byID)
	return resp
}

func (d *Directory) handleRegister(w http.ResponseWriter, r *http.Request) {
	var reg Registration
	if err := json.NewDecoder(r.Body).Decode(&reg); err != nil {
		writeJSON(w, http.StatusBadRequest, &ErrorResponse{Status: protocol.StatusError, Message: err.Error()})
		return
	}
	if err := d.Add(&reg); err != nil {
		d.log.Warn("registration rejected", "id", reg.Service.ID, "reason", err)
		writeJSON(w, http.StatusForbidden, &ErrorResponse{Status: protocol.StatusError, Message: "invalid registration"})
		return
	}
	writeJSON(w, http.StatusOK, &reg.Service)
}

func (d *Directory) handleGetServices(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, d.List())
}

func (d *Directory) handleGetService(w http.ResponseWriter, r *http.Request) {
	d.mu.RLock()
	svc, ok := d.services[chi.URLParam(r, "id")]
	d.mu.RUnlock()
	if !ok {
		writeJSON(w, http.StatusNotFound, &ErrorResponse{Status: protocol.StatusError, Message: "service not found"})
		return
	}
	writeJSON(w, http.StatusOK, svc)
}

// Endpoints resolves party ids to base URLs.
type Endpoints struct {
	mu   sync.RWMutex
	urls map[string]string
}

// NewEndpoints creates a resolver seeded with static entries.
func NewEndpoints(static map[string]string) *Endpoints {
	urls := make(map[string]string, len(static))
	for id, url := range static {
		urls[id] = strings.TrimSuffix(url, "/")
	}
	return &Endpoints{urls: urls}
}

// Set adds or replaces the endpoint of id.
func (e *Endpoints) Set(id, url string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.urls[id] = strings.TrimSuffix(url, "/")
}

// Endpoint returns the base URL of id.
func (e *Endpoints) Endpoint(id string) (string, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	url, ok := e.urls[id]
	if !ok {
		return "", fmt.Errorf("%w: no endpoint for %s", protocol.ErrUnauthorized, id)
	}
	return url, nil
}

// DirectoryClient registers with and discovers parties from a Directory.
type DirectoryClient struct {
	baseURL string
	apiKey  string
	client  *http.Client
	log     *slog.Logger
}

// NewDirectoryClient creates a client for the directory at baseURL.
func NewDirectoryClient(baseURL, apiKey string, log *slog.Logger) *DirectoryClient {
	if log == nil {
		log = slog.Default()
	}
	return &DirectoryClient{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		apiKey:  apiKey,
		client:  &http.Client{Timeout: 10 * time.Second},
		log:     log,
	}
}

// Register announces reg to the directory.
func (c *DirectoryClient) Register(ctx context.Context, reg *Registration) error {
	body, err := json.Marshal(reg)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/directory/register", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set(APIKeyHeader, c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("registration failed (%d): %s", resp.StatusCode, string(respBody))
	}
	return nil
}

// List fetches all directory entries.
func (c *DirectoryClient) List(ctx context.Context) (*ServiceListResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/directory/services", nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("directory returned status %d", resp.StatusCode)
	}
	return protocol.DecodeMessage[ServiceListResponse](resp.Body)
}

// Sync copies every entry's keys into keys and its endpoint into endpoints.
// The local party's own entry is skipped. Entries with unparsable keys are
// logged and skipped.
func (c *DirectoryClient) Sync(ctx context.Context, keys *protocol.StaticKeyProvider, endpoints *Endpoints) error {
	list, err := c.List(ctx)
	if err != nil {
		return err
	}
	for _, svc := range list.All() {
		if svc.ID == keys.ID() {
			continue
		}
		peerKeys, err := svc.PeerKeys()
		if err != nil {
			c.log.Warn("skipping directory entry", "id", svc.ID, "err", err)
			continue
		}
		keys.AddPeer(svc.ID, peerKeys)
		if svc.HTTPEndpoint != "" {
			endpoints.Set(svc.ID, svc.HTTPEndpoint)
		}
	}
	return nil
}

// RunDiscoveryLoop syncs once immediately and then every interval until ctx
// is done.
func (c *DirectoryClient) RunDiscoveryLoop(ctx context.Context, interval time.Duration, keys *protocol.StaticKeyProvider, endpoints *Endpoints) {
	if err := c.Sync(ctx, keys, endpoints); err != nil {
		c.log.Warn("directory sync failed", "err", err)
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.Sync(ctx, keys, endpoints); err != nil {
				c.log.Warn("directory sync failed", "err", err)
			}
		}
	}
}
