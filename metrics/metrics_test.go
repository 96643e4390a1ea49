package metrics

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/flashbots/secagg/protocol"
)

type failingFetcher struct{}

func (failingFetcher) FetchMask(context.Context, string, uint64) (*protocol.Mask, error) {
	return nil, errors.New("peer offline")
}

func TestProtocolMetrics(t *testing.T) {
	m, err := New("secagg_test", "")
	require.NoError(t, err)

	var obs protocol.Observer = m.Protocol
	obs.SubmissionProcessed(protocol.OutcomeRecorded)
	obs.SubmissionProcessed(protocol.OutcomeRecorded)
	obs.SubmissionProcessed(protocol.OutcomeIntegrity)
	obs.RoundFinished(protocol.RoundPublished, 4)
	obs.RoundFinished(protocol.RoundIncomplete, 0)

	_, err = m.Protocol.InstrumentFetcher(failingFetcher{}).FetchMask(context.Background(), "hospital-b", 1)
	require.Error(t, err)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body := rec.Body.String()
	require.True(t, strings.Contains(body, `secagg_test_submissions_total{outcome="recorded"} 2`), body)
	require.Contains(t, body, `secagg_test_submissions_total{outcome="integrity"} 1`)
	require.Contains(t, body, `secagg_test_rounds_total{outcome="incomplete"} 1`)
	require.Contains(t, body, `secagg_test_round_contributors_count 1`)
	require.Contains(t, body, `secagg_test_mask_fetch_duration_seconds_count{result="error"} 1`)
}
