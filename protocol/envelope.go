package protocol

import (
	"fmt"
	"time"

	"github.com/flashbots/secagg/crypto"
	"github.com/fxamacker/cbor/v2"
)

// canonicalEncoding is CBOR core deterministic encoding: map keys are sorted,
// so the signed bytes do not depend on field or insertion order.
var canonicalEncoding = func() cbor.EncMode {
	em, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	return em
}()

// SignedEnvelope binds a participant, a round and the content commitments of
// its contribution. The raw payload is never part of it.
type SignedEnvelope struct {
	ParticipantID string           `json:"participant_id"`
	Round         uint64           `json:"round_num"`
	Commitments   Commitments      `json:"commitments"`
	Timestamp     int64            `json:"timestamp"`
	Signature     crypto.Signature `json:"signature"`
}

type signingPayload struct {
	ParticipantID string            `cbor:"participant_id"`
	Round         uint64            `cbor:"round_num"`
	Commitments   map[string][]byte `cbor:"commitments"`
	Timestamp     int64             `cbor:"timestamp"`
}

// SigningPayload returns the canonical bytes covered by the signature.
func (e *SignedEnvelope) SigningPayload() ([]byte, error) {
	commitments := make(map[string][]byte, len(e.Commitments))
	for name, d := range e.Commitments {
		commitments[name] = d[:]
	}
	return canonicalEncoding.Marshal(&signingPayload{
		ParticipantID: e.ParticipantID,
		Round:         e.Round,
		Commitments:   commitments,
		Timestamp:     e.Timestamp,
	})
}

// SignEnvelope creates and signs an envelope.
func SignEnvelope(privkey crypto.PrivateKey, participantID string, round uint64, commitments Commitments, ts time.Time) (*SignedEnvelope, error) {
	env := &SignedEnvelope{
		ParticipantID: participantID,
		Round:         round,
		Commitments:   commitments,
		Timestamp:     ts.Unix(),
	}

	payload, err := env.SigningPayload()
	if err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}

	env.Signature, err = crypto.Sign(privkey, payload)
	if err != nil {
		return nil, err
	}
	return env, nil
}

// VerifyEnvelope checks the signature under pub and then compares every
// recomputed commitment with the signed one. Both checks must pass. An empty
// recomputed set is rejected: commitments are always recomputed from the
// received bytes, never taken on trust.
func VerifyEnvelope(pub crypto.PublicKey, env *SignedEnvelope, recomputed Commitments) error {
	if env == nil {
		return &SignatureInvalidError{}
	}

	payload, err := env.SigningPayload()
	if err != nil || !env.Signature.Verify(pub, payload) {
		return &SignatureInvalidError{ParticipantID: env.ParticipantID, Round: env.Round}
	}

	if len(recomputed) == 0 {
		return &CommitmentMismatchError{ParticipantID: env.ParticipantID, Round: env.Round}
	}
	for _, name := range recomputed.Names() {
		claimed, ok := env.Commitments[name]
		if !ok || !claimed.Equal(recomputed[name]) {
			return &CommitmentMismatchError{ParticipantID: env.ParticipantID, Round: env.Round, Component: name}
		}
	}
	return nil
}
