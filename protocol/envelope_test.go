package protocol

import (
	"testing"
	"time"

	"github.com/flashbots/secagg/crypto"
	"github.com/stretchr/testify/require"
)

func signedFixture(t *testing.T) (crypto.PublicKey, crypto.PrivateKey, *SignedEnvelope, Commitments) {
	t.Helper()
	pub, priv, err := crypto.GenerateKeyPair()
	require.NoError(t, err)

	commitments := Commit(samplePayload(1))
	env, err := SignEnvelope(priv, "hospital-a", 4, commitments, time.Unix(1700000000, 0))
	require.NoError(t, err)
	return pub, priv, env, Commit(samplePayload(1))
}

func TestVerifyEnvelope(t *testing.T) {
	pub, _, env, recomputed := signedFixture(t)
	require.NoError(t, VerifyEnvelope(pub, env, recomputed))
	require.Equal(t, int64(1700000000), env.Timestamp)
}

func TestVerifyEnvelopeRejectsForgery(t *testing.T) {
	_, _, env, recomputed := signedFixture(t)
	otherPub, _, err := crypto.GenerateKeyPair()
	require.NoError(t, err)

	err = VerifyEnvelope(otherPub, env, recomputed)
	require.ErrorIs(t, err, ErrSignatureInvalid)
	require.True(t, IsIntegrityFailure(err))
}

func TestVerifyEnvelopeRejectsTampering(t *testing.T) {
	tests := map[string]func(env *SignedEnvelope){
		"participant": func(env *SignedEnvelope) { env.ParticipantID = "hospital-b" },
		"round":       func(env *SignedEnvelope) { env.Round++ },
		"timestamp":   func(env *SignedEnvelope) { env.Timestamp-- },
		"commitment": func(env *SignedEnvelope) {
			d := env.Commitments[CommitBias]
			d[0] ^= 1
			env.Commitments[CommitBias] = d
		},
		"dropped component": func(env *SignedEnvelope) { delete(env.Commitments, CommitParams) },
		"signature":         func(env *SignedEnvelope) { env.Signature[3] ^= 0x80 },
	}

	for name, tamper := range tests {
		t.Run(name, func(t *testing.T) {
			pub, _, env, recomputed := signedFixture(t)
			tamper(env)
			require.ErrorIs(t, VerifyEnvelope(pub, env, recomputed), ErrSignatureInvalid)
		})
	}
}

func TestVerifyEnvelopeRejectsChangedContent(t *testing.T) {
	pub, _, env, _ := signedFixture(t)

	changed := samplePayload(1)
	changed.Weights[2] += 1e-9
	err := VerifyEnvelope(pub, env, Commit(changed))

	var mismatch *CommitmentMismatchError
	require.ErrorAs(t, err, &mismatch)
	require.Equal(t, CommitWeights, mismatch.Component)
	require.Equal(t, "hospital-a", mismatch.ParticipantID)
	require.True(t, IsIntegrityFailure(err))

	// A component that was never signed cannot match.
	extra := Commit(samplePayload(1))
	extra[CommitPackage] = crypto.DigestBytes([]byte("package"))
	require.ErrorIs(t, VerifyEnvelope(pub, env, extra), ErrCommitmentMismatch)

	require.ErrorIs(t, VerifyEnvelope(pub, env, nil), ErrCommitmentMismatch)
	require.ErrorIs(t, VerifyEnvelope(pub, nil, extra), ErrSignatureInvalid)
}

func TestSigningPayloadDeterministic(t *testing.T) {
	_, _, env, _ := signedFixture(t)
	first, err := env.SigningPayload()
	require.NoError(t, err)

	// Rebuild the commitments map in a different insertion order.
	reordered := Commitments{}
	names := env.Commitments.Names()
	for i := len(names) - 1; i >= 0; i-- {
		reordered[names[i]] = env.Commitments[names[i]]
	}
	copyEnv := *env
	copyEnv.Commitments = reordered

	for range 10 {
		again, err := copyEnv.SigningPayload()
		require.NoError(t, err)
		require.Equal(t, first, again)
	}
}

func TestSubmissionEnvelopeRoundTrip(t *testing.T) {
	pub, _, env, recomputed := signedFixture(t)
	sub := &Submission{
		ParticipantID:  env.ParticipantID,
		Round:          env.Round,
		BlindedPayload: &crypto.EncryptedPackage{},
		Commitments:    env.Commitments,
		Timestamp:      env.Timestamp,
		Signature:      env.Signature,
	}

	data, err := SerializeMessage(sub)
	require.NoError(t, err)
	decoded, err := UnmarshalMessage[Submission](data)
	require.NoError(t, err)
	require.NoError(t, VerifyEnvelope(pub, decoded.Envelope(), recomputed))
	require.NoError(t, decoded.Validate())

	decoded.Round = 0
	require.ErrorIs(t, decoded.Validate(), ErrMalformedSubmission)
}
