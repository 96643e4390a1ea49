package protocol_test

import (
	"context"
	"testing"
	"time"

	"github.com/flashbots/secagg/crypto"
	"github.com/flashbots/secagg/protocol"
	"github.com/flashbots/secagg/testutil"
	"github.com/stretchr/testify/require"
)

func requirePayloadsClose(t *testing.T, expected, actual *protocol.Payload) {
	t.Helper()
	require.Equal(t, expected.Layout(), actual.Layout())
	require.InDeltaSlice(t, expected.Weights, actual.Weights, 1e-9)
	require.InDelta(t, expected.Bias, actual.Bias, 1e-9)
	for name, v := range expected.Params {
		require.InDelta(t, v, actual.Params[name], 1e-9, name)
	}
}

func TestRunRoundPublishesSum(t *testing.T) {
	ctx := context.Background()
	obs := newRecordingObserver()
	fed := newFederation(t, testutil.WithObserver(obs), testutil.WithoutPermission("hospital-c"))

	payloads := testutil.SamplePayloads(fed.IDs, 4, 3, "lr", "momentum")
	require.NoError(t, fed.ContributeAll(ctx, 1, payloads))

	outcome, err := fed.Aggregator.RunRound(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, fed.IDs, outcome.Result.Contributors)
	require.Equal(t, protocol.NormalizeNone, outcome.Result.Normalization)

	expected, err := testutil.PlainSum(payloads)
	require.NoError(t, err)
	requirePayloadsClose(t, expected, &outcome.Result.Model)

	// Only permitted participants receive the result.
	require.Len(t, outcome.Distributions, 2)
	for _, d := range outcome.Distributions {
		require.NotEqual(t, "hospital-c", d.ParticipantID)

		blob, err := fed.Blobs.Get(ctx, d.Pointer)
		require.NoError(t, err)
		result, err := protocol.OpenGlobalResult(fed.Keys[d.ParticipantID], blob)
		require.NoError(t, err)
		require.Equal(t, outcome.Result.Digest, result.Digest)
		requirePayloadsClose(t, expected, &result.Model)

		// Another participant cannot open it.
		_, err = protocol.OpenGlobalResult(fed.Keys["hospital-c"], blob)
		require.ErrorIs(t, err, crypto.ErrAuthenticationTag)

		rec, err := fed.Ledger.GetParticipant(ctx, d.ParticipantID)
		require.NoError(t, err)
		require.Equal(t, d.Pointer, rec.GlobalModelPointer)
		require.Equal(t, uint64(1), rec.GlobalModelRound)
	}

	status, err := fed.Aggregator.Status(1)
	require.NoError(t, err)
	require.Same(t, outcome, status)

	// Running the round again does not publish twice.
	again, err := fed.Aggregator.RunRound(ctx, 1)
	require.NoError(t, err)
	require.Same(t, outcome, again)
	require.Equal(t, 1, obs.rounds[protocol.RoundPublished])
	require.Equal(t, 3, obs.submissions[protocol.OutcomeRecorded])
}

func TestRunRoundMultipleRounds(t *testing.T) {
	ctx := context.Background()
	fed := newFederation(t, testutil.WithNormalization(protocol.NormalizeMean))

	for round := uint64(1); round <= 3; round++ {
		payloads := testutil.SamplePayloads(fed.IDs, 2, 2)
		for _, p := range payloads {
			p.ScaleInplace(float64(round))
		}
		require.NoError(t, fed.ContributeAll(ctx, round, payloads))

		outcome, err := fed.Aggregator.RunRound(ctx, round)
		require.NoError(t, err)

		expected, err := testutil.PlainSum(payloads)
		require.NoError(t, err)
		expected.ScaleInplace(1 / float64(len(fed.IDs)))
		requirePayloadsClose(t, expected, &outcome.Result.Model)
	}

	for _, id := range fed.IDs {
		require.Equal(t, uint64(3), fed.Participants[id].LastAccepted())
		require.Equal(t, uint64(3), fed.Coordinator.LastRecorded(id))
	}
}

func TestRunRoundIncomplete(t *testing.T) {
	ctx := context.Background()
	obs := newRecordingObserver()
	fed := newFederation(t, testutil.WithObserver(obs), testutil.WithDeadline(100*time.Millisecond, 10*time.Millisecond))

	payloads := testutil.SamplePayloads(fed.IDs, 2, 2)
	delete(payloads, "hospital-c")
	require.NoError(t, fed.ContributeAll(ctx, 1, payloads))

	_, err := fed.Aggregator.RunRound(ctx, 1)
	var incomplete *protocol.IncompleteRoundError
	require.ErrorAs(t, err, &incomplete)
	require.Equal(t, 3, incomplete.Expected)
	require.Equal(t, 2, incomplete.Received)

	// The round is abandoned everywhere and nothing was published.
	require.True(t, fed.Coordinator.IsAbandoned(1))
	_, err = fed.Aggregator.Status(1)
	require.ErrorIs(t, err, protocol.ErrIncompleteRound)
	for _, id := range fed.IDs {
		rec, err := fed.Ledger.GetParticipant(ctx, id)
		require.NoError(t, err)
		require.Empty(t, rec.GlobalModelPointer)
	}

	late := testutil.SamplePayload(3, 2, 2)
	_, err = fed.Participants["hospital-c"].Contribute(ctx, 1, late, fed.IDs, nil)
	require.ErrorIs(t, err, protocol.ErrRoundAbandoned)
	require.Equal(t, 1, obs.rounds[protocol.RoundIncomplete])
}

func TestRunRoundWaitsForEveryRegisteredParticipant(t *testing.T) {
	ctx := context.Background()
	fed := newFederation(t, testutil.WithDeadline(5*time.Second, 10*time.Millisecond))

	payloads := testutil.SamplePayloads(fed.IDs, 2, 2)
	early := map[string]*protocol.Payload{
		"hospital-a": payloads["hospital-a"],
		"hospital-b": payloads["hospital-b"],
	}
	require.NoError(t, fed.ContributeAll(ctx, 1, early))

	type result struct {
		outcome *protocol.RoundOutcome
		err     error
	}
	done := make(chan result, 1)
	go func() {
		outcome, err := fed.Aggregator.RunRound(ctx, 1)
		done <- result{outcome, err}
	}()

	// Two of three recorded is not a complete round.
	time.Sleep(100 * time.Millisecond)
	select {
	case r := <-done:
		t.Fatalf("round finished before the last participant contributed: %v", r.err)
	default:
	}
	require.False(t, fed.Coordinator.IsAbandoned(1))

	_, err := fed.Participants["hospital-c"].Contribute(ctx, 1, payloads["hospital-c"], fed.IDs, nil)
	require.NoError(t, err)

	r := <-done
	require.NoError(t, r.err)
	require.Equal(t, fed.IDs, r.outcome.Result.Contributors)
	expected, err := testutil.PlainSum(payloads)
	require.NoError(t, err)
	requirePayloadsClose(t, expected, &r.outcome.Result.Model)
}

func TestCollectReportsMissingParticipants(t *testing.T) {
	ctx := context.Background()
	fed := newFederation(t)

	payloads := testutil.SamplePayloads(fed.IDs, 2, 2)
	delete(payloads, "hospital-b")
	require.NoError(t, fed.ContributeAll(ctx, 1, payloads))

	_, err := fed.Aggregator.Collect(ctx, 1)
	var incomplete *protocol.IncompleteRoundError
	require.ErrorAs(t, err, &incomplete)
	require.Equal(t, []string{"hospital-b"}, incomplete.Missing)
}

// storeTampered records a manipulated submission for id directly on the
// ledger, bypassing the coordinator the way a compromised store would.
func storeTampered(t *testing.T, fed *testutil.Federation, id string, round uint64, sub *protocol.Submission) {
	t.Helper()
	ctx := context.Background()
	blob, err := protocol.SerializeMessage(sub)
	require.NoError(t, err)
	ptr, err := fed.Blobs.Put(ctx, blob)
	require.NoError(t, err)
	_, err = fed.Ledger.RecordContribution(ctx, id, round, ptr)
	require.NoError(t, err)
}

func TestRunRoundAbortsOnTampering(t *testing.T) {
	tests := map[string]struct {
		tamper func(t *testing.T, fed *testutil.Federation, sub *protocol.Submission)
		target error
	}{
		"ciphertext bit flip": {
			tamper: func(t *testing.T, fed *testutil.Federation, sub *protocol.Submission) {
				sub.BlindedPayload.Ciphertext[1] ^= 0x10
			},
			target: protocol.ErrAuthenticationTag,
		},
		"substituted payload": {
			tamper: func(t *testing.T, fed *testutil.Federation, sub *protocol.Submission) {
				forged := &protocol.BlindedValue{Round: 1, Payload: *testutil.SamplePayload(9, 2, 2)}
				plaintext, err := protocol.SerializeMessage(forged)
				require.NoError(t, err)
				pkg, err := crypto.EncryptFor(fed.AggregatorParty.ExchangeKey.PublicKey(), plaintext)
				require.NoError(t, err)
				sub.BlindedPayload = pkg
				sub.Commitments = protocol.Commit(&forged.Payload)
				sub.Commitments[protocol.CommitPackage] = protocol.CommitPackageBytes(pkg)
			},
			target: protocol.ErrSignatureInvalid,
		},
		"replayed from another round": {
			tamper: func(t *testing.T, fed *testutil.Federation, sub *protocol.Submission) {
				sub.Round = 2
			},
			target: protocol.ErrCommitmentMismatch,
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			obs := newRecordingObserver()
			fed := newFederation(t, testutil.WithObserver(obs))
			raw := testutil.SamplePayload(1, 2, 2)

			for _, id := range []string{"hospital-a", "hospital-b"} {
				_, err := fed.Coordinator.Submit(ctx, buildSubmission(t, fed, id, 1, raw))
				require.NoError(t, err)
			}
			sub := buildSubmission(t, fed, "hospital-c", 1, raw)
			tc.tamper(t, fed, sub)
			storeTampered(t, fed, "hospital-c", 1, sub)

			_, err := fed.Aggregator.RunRound(ctx, 1)
			require.ErrorIs(t, err, tc.target)
			require.True(t, protocol.IsIntegrityFailure(err))
			require.Equal(t, 1, obs.rounds[protocol.RoundTampered])
			require.True(t, fed.Coordinator.IsAbandoned(1))

			_, statusErr := fed.Aggregator.Status(1)
			require.ErrorIs(t, statusErr, tc.target)
			for _, id := range fed.IDs {
				rec, err := fed.Ledger.GetParticipant(ctx, id)
				require.NoError(t, err)
				require.Empty(t, rec.GlobalModelPointer)
			}
		})
	}
}

func TestAggregateWithoutAbandonNotification(t *testing.T) {
	ctx := context.Background()
	fed := newFederation(t, testutil.WithoutAbandonNotification(), testutil.WithDeadline(50*time.Millisecond, 10*time.Millisecond))

	_, err := fed.Aggregator.RunRound(ctx, 1)
	require.ErrorIs(t, err, protocol.ErrIncompleteRound)
	require.False(t, fed.Coordinator.IsAbandoned(1))
}

func TestAwaitRoundHonorsContext(t *testing.T) {
	fed := newFederation(t, testutil.WithDeadline(time.Minute, 10*time.Millisecond))
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := fed.Aggregator.AwaitRound(ctx, 1)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	_, statusErr := fed.Aggregator.Status(1)
	require.NoError(t, statusErr)
}
