package protocol

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/flashbots/secagg/crypto"
)

// Submission is the body of the submission endpoint. It carries the signed
// envelope fields alongside the encrypted blinded value.
type Submission struct {
	ParticipantID       string                   `json:"participant_id"`
	Round               uint64                   `json:"round_num"`
	BlindedPayload      *crypto.EncryptedPackage `json:"blinded_payload"`
	Commitments         Commitments              `json:"commitments"`
	Timestamp           int64                    `json:"timestamp"`
	Signature           crypto.Signature         `json:"signature"`
	AccuracyImprovement *float64                 `json:"acc_improvement,omitempty"`
}

// Envelope returns the signed part of the submission.
func (s *Submission) Envelope() *SignedEnvelope {
	return &SignedEnvelope{
		ParticipantID: s.ParticipantID,
		Round:         s.Round,
		Commitments:   s.Commitments,
		Timestamp:     s.Timestamp,
		Signature:     s.Signature,
	}
}

// Validate performs structural checks only. Cryptographic checks happen in
// the coordinator and the aggregator.
func (s *Submission) Validate() error {
	switch {
	case s == nil:
		return fmt.Errorf("%w: empty body", ErrMalformedSubmission)
	case s.ParticipantID == "":
		return fmt.Errorf("%w: missing participant_id", ErrMalformedSubmission)
	case s.Round == 0:
		return fmt.Errorf("%w: round_num must be positive", ErrMalformedSubmission)
	case s.BlindedPayload == nil:
		return fmt.Errorf("%w: missing blinded_payload", ErrMalformedSubmission)
	case len(s.Signature) == 0:
		return fmt.Errorf("%w: missing signature", ErrMalformedSubmission)
	}
	return nil
}

// Status values of SubmitResponse.
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// SubmitResponse is returned by the submission endpoint.
type SubmitResponse struct {
	Status         string  `json:"status"`
	ContentPointer Pointer `json:"contentPointer,omitempty"`
	LedgerTx       string  `json:"ledgerTx,omitempty"`
	Message        string  `json:"message,omitempty"`
}

// MaskResponse carries a mask encrypted to the requesting peer.
type MaskResponse struct {
	Round uint64                   `json:"round"`
	Mask  *crypto.EncryptedPackage `json:"mask"`
}

// ContributeRequest asks a participant to run one round.
type ContributeRequest struct {
	Round               uint64   `json:"round_num"`
	Payload             *Payload `json:"payload"`
	AccuracyImprovement *float64 `json:"acc_improvement,omitempty"`
}

// GlobalResult is the per-round aggregate handed back to permitted participants.
type GlobalResult struct {
	Round         uint64            `json:"round_num"`
	Contributors  []string          `json:"contributors"`
	Normalization NormalizationMode `json:"normalization"`
	Model         Payload           `json:"model"`
	Digest        crypto.Digest     `json:"digest"`
}

// UnmarshalMessage deserializes a message from JSON.
func UnmarshalMessage[T any](data []byte) (*T, error) {
	var msg T
	err := json.Unmarshal(data, &msg)
	return &msg, err
}

// DecodeMessage deserializes a message from a JSON reader.
func DecodeMessage[T any](reader io.Reader) (*T, error) {
	var msg T
	err := json.NewDecoder(reader).Decode(&msg)
	return &msg, err
}

// SerializeMessage serializes a message to JSON.
func SerializeMessage[T any](msg *T) ([]byte, error) {
	return json.Marshal(msg)
}
