package services

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"

	"github.com/flashbots/secagg/protocol"
	"github.com/flashbots/secagg/testutil"
)

// participantServers serves every participant of fed over HTTP and returns
// their endpoints.
func participantServers(t *testing.T, fed *testutil.Federation, apiKey string) (*Endpoints, map[string]*HTTPParticipant) {
	t.Helper()
	endpoints := NewEndpoints(nil)
	handlers := make(map[string]*HTTPParticipant, len(fed.IDs))
	for _, id := range fed.IDs {
		h := NewHTTPParticipant(fed.Participants[id], fed.Keys[id], fed.Ledger, fed.Blobs, apiKey, nil)
		router := chi.NewRouter()
		h.RegisterRoutes(router)
		srv := httptest.NewServer(router)
		t.Cleanup(srv.Close)
		endpoints.Set(id, srv.URL)
		handlers[id] = h
	}
	return endpoints, handlers
}

func operatorRequest(t *testing.T, method, url, apiKey string, body any) *http.Response {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if apiKey != "" {
		req.Header.Set(APIKeyHeader, apiKey)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestMaskEndpoint(t *testing.T) {
	fed := newFederation(t)
	endpoints, _ := participantServers(t, fed, "operator")
	base, err := endpoints.Endpoint("hospital-b")
	require.NoError(t, err)
	layout := protocol.Layout{Shape: []int{2, 2}}

	// hospital-a is hospital-b's ring predecessor.
	resp := operatorRequest(t, http.MethodGet, base+"/mask/1?peer=hospital-a", "", nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = operatorRequest(t, http.MethodPost, base+"/rounds/1/mask", "", &PrepareMaskRequest{Layout: layout})
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
	resp = operatorRequest(t, http.MethodPost, base+"/rounds/1/mask", "operator", &PrepareMaskRequest{Layout: layout})
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = operatorRequest(t, http.MethodGet, base+"/mask/1?peer=hospital-c", "", nil)
	require.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp = operatorRequest(t, http.MethodGet, base+"/mask/1?peer=hospital-a", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	mr, err := protocol.DecodeMessage[protocol.MaskResponse](resp.Body)
	require.NoError(t, err)
	require.Equal(t, uint64(1), mr.Round)

	mask, err := protocol.OpenMask(fed.Keys["hospital-a"], mr.Mask)
	require.NoError(t, err)
	own, err := fed.Participants["hospital-b"].PrepareMask(1, layout)
	require.NoError(t, err)
	require.Equal(t, own.Values.Weights, mask.Values.Weights)

	// Only the requester can open it.
	_, err = protocol.OpenMask(fed.Keys["hospital-c"], mr.Mask)
	require.ErrorIs(t, err, protocol.ErrAuthenticationTag)
}

func TestHTTPMaskFetcherWaitsForPeer(t *testing.T) {
	fed := newFederation(t)
	endpoints, _ := participantServers(t, fed, "")
	fetcher := NewHTTPMaskFetcher(fed.Keys["hospital-a"], endpoints, nil)
	fetcher.InitialInterval = 10 * time.Millisecond
	layout := protocol.Layout{Shape: []int{3}}

	go func() {
		time.Sleep(100 * time.Millisecond)
		fed.Participants["hospital-b"].PrepareMask(4, layout)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	mask, err := fetcher.FetchMask(ctx, "hospital-b", 4)
	require.NoError(t, err)
	require.Equal(t, uint64(4), mask.Round)
	require.Len(t, mask.Values.Weights, 3)
}

func TestHTTPMaskFetcherGivesUp(t *testing.T) {
	fed := newFederation(t)
	endpoints, _ := participantServers(t, fed, "")
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	// Never prepared.
	_, err := NewHTTPMaskFetcher(fed.Keys["hospital-a"], endpoints, nil).FetchMask(ctx, "hospital-b", 9)
	require.Error(t, err)

	// Not the ring predecessor: refused at once.
	_, err = fed.Participants["hospital-a"].PrepareMask(9, protocol.Layout{Shape: []int{1}})
	require.NoError(t, err)
	_, err = NewHTTPMaskFetcher(fed.Keys["hospital-b"], endpoints, nil).FetchMask(context.Background(), "hospital-a", 9)
	require.ErrorIs(t, err, protocol.ErrUnauthorized)

	_, err = NewHTTPMaskFetcher(fed.Keys["hospital-a"], endpoints, nil).FetchMask(context.Background(), "hospital-z", 9)
	require.ErrorIs(t, err, protocol.ErrUnauthorized)
}

func TestGlobalResultRequiresPermission(t *testing.T) {
	ctx := context.Background()
	fed := newFederation(t, testutil.WithoutPermission("hospital-c"))
	endpoints, handlers := participantServers(t, fed, "operator")

	payloads := testutil.SamplePayloads(fed.IDs, 2, 2)
	require.NoError(t, fed.ContributeAll(ctx, 1, payloads))
	_, err := fed.Aggregator.RunRound(ctx, 1)
	require.NoError(t, err)

	base, err := endpoints.Endpoint("hospital-a")
	require.NoError(t, err)
	resp := operatorRequest(t, http.MethodGet, base+"/global/1", "", nil)
	require.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp = operatorRequest(t, http.MethodGet, base+"/global/1", "operator", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	result, err := protocol.DecodeMessage[protocol.GlobalResult](resp.Body)
	require.NoError(t, err)
	expected, err := testutil.PlainSum(payloads)
	require.NoError(t, err)
	require.InDeltaSlice(t, expected.Weights, result.Model.Weights, 1e-9)
	require.Equal(t, fed.IDs, result.Contributors)

	resp = operatorRequest(t, http.MethodGet, base+"/global/2", "operator", nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	base, err = endpoints.Endpoint("hospital-c")
	require.NoError(t, err)
	resp = operatorRequest(t, http.MethodGet, base+"/global/1", "operator", nil)
	require.Equal(t, http.StatusForbidden, resp.StatusCode)

	_, err = handlers["hospital-c"].GlobalResult(ctx, 1)
	require.ErrorIs(t, err, protocol.ErrNotPermitted)
}

func TestParticipantStartRestoresLastRound(t *testing.T) {
	ctx := context.Background()
	fed := newFederation(t)
	_, handlers := participantServers(t, fed, "")
	_, err := fed.Ledger.RecordContribution(ctx, "hospital-a", 7, "earlier")
	require.NoError(t, err)

	require.NoError(t, handlers["hospital-a"].Start(ctx))
	require.Equal(t, uint64(7), fed.Participants["hospital-a"].LastAccepted())
}
