package protocol

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSubmissionStateTransitions(t *testing.T) {
	legal := map[SubmissionState][]SubmissionState{
		StatePending:   {StateSubmitted},
		StateSubmitted: {StateVerified, StateRejected},
		StateVerified:  {StateRecorded, StateRejected},
		StateRecorded:  nil,
		StateRejected:  {StateSubmitted},
	}
	all := []SubmissionState{StatePending, StateSubmitted, StateVerified, StateRecorded, StateRejected}

	for from, targets := range legal {
		for _, to := range all {
			want := false
			for _, ok := range targets {
				want = want || ok == to
			}
			require.Equal(t, want, from.CanTransition(to), "%s -> %s", from, to)
		}
	}
}

func TestSubmissionEntryPanicsOnIllegalStep(t *testing.T) {
	e := &submissionEntry{state: StateRecorded}
	require.Panics(t, func() { e.advance(StateSubmitted) })

	e = &submissionEntry{state: StatePending}
	require.Panics(t, func() { e.advance(StateRecorded) })
	require.NotPanics(t, func() { e.advance(StateSubmitted) })
	require.Equal(t, "submitted", e.state.String())
}

func TestRoundTrackerMonotonic(t *testing.T) {
	tr := newRoundTracker()
	tr.observe("a", 5)
	tr.observe("a", 3)
	require.Equal(t, uint64(5), tr.last("a"))
	require.Equal(t, uint64(0), tr.last("b"))

	var wg sync.WaitGroup
	for r := range uint64(50) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tr.observe("b", r)
		}()
	}
	wg.Wait()
	require.Equal(t, uint64(49), tr.last("b"))
}

func TestRoundTrackerEntries(t *testing.T) {
	tr := newRoundTracker()
	require.Equal(t, StatePending, tr.state("a", 1))

	entry := tr.acquire("a", 1)
	entry.advance(StateSubmitted)
	entry.mu.Unlock()
	require.Equal(t, StateSubmitted, tr.state("a", 1))
	require.Equal(t, StatePending, tr.state("a", 2))

	require.False(t, tr.isAbandoned(1))
	tr.abandon(1)
	require.True(t, tr.isAbandoned(1))
	require.False(t, tr.isAbandoned(2))
}
