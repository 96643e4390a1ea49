package ledger

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/flashbots/secagg/protocol"
	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"
)

// testLedgerContract exercises the behavior every Ledger implementation shares.
func testLedgerContract(t *testing.T, l protocol.Ledger) {
	t.Helper()
	ctx := context.Background()

	require.NoError(t, l.RegisterParticipant(ctx, "hospital-b", "Hospital B"))
	require.NoError(t, l.RegisterParticipant(ctx, "hospital-a", "Hospital A"))
	require.NoError(t, l.RegisterParticipant(ctx, "hospital-a", "Hospital A (renamed)"))
	require.ErrorIs(t, l.RegisterParticipant(ctx, "", "nobody"), ErrEmptyID)

	list, err := l.ListParticipants(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	require.Equal(t, "hospital-a", list[0].ID)
	require.Equal(t, "Hospital A (renamed)", list[0].Name)
	require.Equal(t, "hospital-b", list[1].ID)

	_, err = l.GetParticipant(ctx, "hospital-z")
	require.ErrorIs(t, err, protocol.ErrParticipantNotFound)

	require.NoError(t, l.SetPermission(ctx, "hospital-a", true))
	require.ErrorIs(t, l.SetPermission(ctx, "hospital-z", true), protocol.ErrParticipantNotFound)
	p, err := l.GetParticipant(ctx, "hospital-a")
	require.NoError(t, err)
	require.True(t, p.PermittedToGlobalModel)
	require.Zero(t, p.LastRound)

	tx1, err := l.RecordContribution(ctx, "hospital-a", 1, "ptr-a1")
	require.NoError(t, err)
	require.NotEmpty(t, tx1)

	_, err = l.RecordContribution(ctx, "hospital-a", 1, "ptr-other")
	require.ErrorIs(t, err, protocol.ErrAlreadyRecorded)
	_, err = l.RecordContribution(ctx, "hospital-z", 1, "ptr-z1")
	require.ErrorIs(t, err, protocol.ErrParticipantNotFound)

	count, err := l.GetRoundSubmissionCount(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, 1, count)

	_, err = l.RecordContribution(ctx, "hospital-b", 1, "ptr-b1")
	require.NoError(t, err)
	count, err = l.GetRoundSubmissionCount(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, 2, count)
	count, err = l.GetRoundSubmissionCount(ctx, 2)
	require.NoError(t, err)
	require.Zero(t, count)

	c, err := l.GetContribution(ctx, "hospital-a", 1)
	require.NoError(t, err)
	require.Equal(t, protocol.Pointer("ptr-a1"), c.Pointer)
	require.Equal(t, tx1, c.TxID)
	_, err = l.GetContribution(ctx, "hospital-a", 2)
	require.ErrorIs(t, err, protocol.ErrContributionNotFound)

	p, err = l.GetParticipant(ctx, "hospital-a")
	require.NoError(t, err)
	require.Equal(t, uint64(1), p.LastRound)

	tx, err := l.RecordGlobalResult(ctx, "hospital-a", 1, "result-a1")
	require.NoError(t, err)
	require.NotEmpty(t, tx)
	p, err = l.GetParticipant(ctx, "hospital-a")
	require.NoError(t, err)
	require.Equal(t, protocol.Pointer("result-a1"), p.GlobalModelPointer)
	require.Equal(t, uint64(1), p.GlobalModelRound)
}

func TestMemoryLedger(t *testing.T) {
	testLedgerContract(t, NewMemoryLedger())
}

func TestHTTPLedger(t *testing.T) {
	router := chi.NewRouter()
	NewHandler(NewMemoryLedger(), nil).RegisterRoutes(router)
	srv := httptest.NewServer(router)
	defer srv.Close()

	testLedgerContract(t, NewHTTPLedger(srv.URL, srv.Client()))
}

func TestHTTPLedgerGuardedWrites(t *testing.T) {
	guard := func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get(APIKeyHeader) != "operator" {
				http.Error(w, "invalid API key", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
	router := chi.NewRouter()
	NewHandler(NewMemoryLedger(), nil).GuardWrites(guard).RegisterRoutes(router)
	srv := httptest.NewServer(router)
	defer srv.Close()
	ctx := context.Background()

	anonymous := NewHTTPLedger(srv.URL, nil)
	err := anonymous.RegisterParticipant(ctx, "hospital-a", "A")
	require.ErrorIs(t, err, protocol.ErrUnauthorized)

	operator := NewHTTPLedger(srv.URL, nil).WithAPIKey("operator")
	require.NoError(t, operator.RegisterParticipant(ctx, "hospital-a", "A"))

	list, err := anonymous.ListParticipants(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)

	testLedgerContract(t, NewHTTPLedger(srv.URL, nil).WithAPIKey("operator"))
}

func TestHTTPLedgerUnavailable(t *testing.T) {
	srv := httptest.NewServer(nil)
	srv.Close()

	_, err := NewHTTPLedger(srv.URL, nil).ListParticipants(context.Background())
	require.ErrorIs(t, err, ErrUnavailable)
}

func TestMemoryLedgerConcurrentRecord(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLedger()
	require.NoError(t, l.RegisterParticipant(ctx, "hospital-a", ""))

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
	)
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := l.RecordContribution(ctx, "hospital-a", 3, "ptr"); err == nil {
				mu.Lock()
				successes++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	require.Equal(t, 1, successes)
	count, err := l.GetRoundSubmissionCount(ctx, 3)
	require.NoError(t, err)
	require.Equal(t, 1, count)
}

// flakyLedger fails the first failures calls of every method with err,
// ErrUnavailable by default.
type flakyLedger struct {
	*MemoryLedger
	mu       sync.Mutex
	failures int
	err      error
	calls    map[string]int
}

func newFlakyLedger(failures int) *flakyLedger {
	return &flakyLedger{MemoryLedger: NewMemoryLedger(), failures: failures, err: ErrUnavailable, calls: map[string]int{}}
}

func (f *flakyLedger) fail(name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[name]++
	if f.calls[name] <= f.failures {
		return f.err
	}
	return nil
}

func (f *flakyLedger) GetRoundSubmissionCount(ctx context.Context, round uint64) (int, error) {
	if err := f.fail("count"); err != nil {
		return 0, err
	}
	return f.MemoryLedger.GetRoundSubmissionCount(ctx, round)
}

// RecordContribution writes on the first call but reports a transport error,
// like a response lost after the ledger committed.
func (f *flakyLedger) RecordContribution(ctx context.Context, id string, round uint64, pointer protocol.Pointer) (string, error) {
	tx, err := f.MemoryLedger.RecordContribution(ctx, id, round, pointer)
	if failErr := f.fail("record"); failErr != nil {
		return "", failErr
	}
	return tx, err
}

func fastRetries() *RetryConfig {
	return &RetryConfig{
		InitialInterval: time.Millisecond,
		MaxInterval:     5 * time.Millisecond,
		MaxElapsedTime:  time.Second,
		MaxTries:        5,
	}
}

func TestRetryingRecoversTransientErrors(t *testing.T) {
	tests := map[string]error{
		"unavailable":   ErrUnavailable,
		"query timeout": fmt.Errorf("query: %w", context.DeadlineExceeded),
	}
	for name, transient := range tests {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			flaky := newFlakyLedger(2)
			flaky.err = transient
			l := NewRetrying(flaky, fastRetries(), nil)

			count, err := l.GetRoundSubmissionCount(ctx, 1)
			require.NoError(t, err)
			require.Zero(t, count)
			require.Equal(t, 3, flaky.calls["count"])
		})
	}
}

func TestRetryingStopsWhenCallerContextEnds(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	flaky := newFlakyLedger(100)
	flaky.err = ctx.Err()
	l := NewRetrying(flaky, fastRetries(), nil)

	_, err := l.GetRoundSubmissionCount(ctx, 1)
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, 1, flaky.calls["count"])
}

func TestRetryingRecordIsIdempotent(t *testing.T) {
	ctx := context.Background()
	flaky := newFlakyLedger(1)
	require.NoError(t, flaky.RegisterParticipant(ctx, "hospital-a", ""))
	l := NewRetrying(flaky, fastRetries(), nil)

	tx, err := l.RecordContribution(ctx, "hospital-a", 1, "ptr")
	require.NoError(t, err)
	require.NotEmpty(t, tx)

	// A different pointer is a real duplicate.
	_, err = l.RecordContribution(ctx, "hospital-a", 1, "other")
	require.ErrorIs(t, err, protocol.ErrAlreadyRecorded)
}

func TestRetryingDoesNotRetryPermanentErrors(t *testing.T) {
	ctx := context.Background()
	flaky := newFlakyLedger(0)
	l := NewRetrying(flaky, fastRetries(), nil)

	_, err := l.RecordContribution(ctx, "hospital-z", 1, "ptr")
	require.ErrorIs(t, err, protocol.ErrParticipantNotFound)
	require.Equal(t, 1, flaky.calls["record"])
}

func TestRetryingGivesUp(t *testing.T) {
	flaky := newFlakyLedger(100)
	l := NewRetrying(flaky, fastRetries(), nil)

	_, err := l.GetRoundSubmissionCount(context.Background(), 1)
	require.True(t, errors.Is(err, ErrUnavailable))
	require.Equal(t, 5, flaky.calls["count"])
}
