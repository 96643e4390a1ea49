package protocol

import (
	"context"
	"crypto/ecdh"
	"errors"
	"time"

	"github.com/flashbots/secagg/crypto"
)

var (
	ErrParticipantNotFound  = errors.New("participant not found")
	ErrContributionNotFound = errors.New("contribution not found")
	ErrAlreadyRecorded      = errors.New("contribution already recorded")
	ErrBlobNotFound         = errors.New("blob not found")
)

// Pointer is a content address returned by a BlobStore.
type Pointer string

// ParticipantRecord is the ledger's view of a participant.
type ParticipantRecord struct {
	ID                     string    `json:"id"`
	Name                   string    `json:"name"`
	PermittedToGlobalModel bool      `json:"permitted_to_global_model"`
	GlobalModelPointer     Pointer   `json:"global_model_pointer,omitempty"`
	GlobalModelRound       uint64    `json:"global_model_round,omitempty"`
	Stake                  float64   `json:"stake"`
	LastRound              uint64    `json:"last_round"`
	RegisteredAt           time.Time `json:"registered_at"`
}

// ContributionRecord is a recorded (participant, round) submission.
type ContributionRecord struct {
	ParticipantID string    `json:"participant_id"`
	Round         uint64    `json:"round_num"`
	Pointer       Pointer   `json:"pointer"`
	TxID          string    `json:"tx_id"`
	RecordedAt    time.Time `json:"recorded_at"`
}

// Ledger is the append-only registry of participants and contributions.
// Implementations are remote; callers wrap them with retries for transient
// failures.
type Ledger interface {
	// RegisterParticipant adds a participant. Registering an existing id
	// updates its name only.
	RegisterParticipant(ctx context.Context, id, name string) error

	// GetParticipant returns ErrParticipantNotFound for unknown ids.
	GetParticipant(ctx context.Context, id string) (*ParticipantRecord, error)

	// ListParticipants returns all registered participants sorted by id.
	ListParticipants(ctx context.Context) ([]*ParticipantRecord, error)

	// SetPermission grants or revokes access to the global result.
	SetPermission(ctx context.Context, id string, permitted bool) error

	// RecordContribution stores the pointer for (id, round). It returns
	// ErrAlreadyRecorded if the pair exists and ErrParticipantNotFound for
	// unknown ids.
	RecordContribution(ctx context.Context, id string, round uint64, pointer Pointer) (string, error)

	// GetContribution returns ErrContributionNotFound when nothing was recorded.
	GetContribution(ctx context.Context, id string, round uint64) (*ContributionRecord, error)

	// GetRoundSubmissionCount returns the number of recorded contributions for round.
	GetRoundSubmissionCount(ctx context.Context, round uint64) (int, error)

	// RecordGlobalResult stores the pointer to a participant's copy of the
	// global result for round.
	RecordGlobalResult(ctx context.Context, id string, round uint64, pointer Pointer) (string, error)
}

// BlobStore is a content-addressed store for encrypted packages.
type BlobStore interface {
	// Put stores data and returns its address. Storing identical bytes twice
	// returns the same pointer.
	Put(ctx context.Context, data []byte) (Pointer, error)

	// Get returns ErrBlobNotFound for unknown pointers.
	Get(ctx context.Context, pointer Pointer) ([]byte, error)
}

// KeyProvider supplies the local key material and the public keys of the
// other parties. Key storage is outside the protocol.
type KeyProvider interface {
	// ID is the local party's identifier.
	ID() string

	SigningKey() crypto.PrivateKey
	ExchangeKey() *ecdh.PrivateKey

	// SigningPublicKey returns ErrUnauthorized for unknown parties.
	SigningPublicKey(id string) (crypto.PublicKey, error)

	// ExchangePublicKey returns ErrUnauthorized for unknown parties.
	ExchangePublicKey(id string) (*ecdh.PublicKey, error)
}

// MaskFetcher retrieves the peer's mask for a round over an external channel.
// Implementations must honor ctx cancellation.
type MaskFetcher interface {
	FetchMask(ctx context.Context, peerID string, round uint64) (*Mask, error)
}

// Submitter delivers a submission to the round coordinator.
type Submitter interface {
	Submit(ctx context.Context, sub *Submission) (*Receipt, error)
}

// Limiter budgets submissions per authenticated participant.
type Limiter interface {
	Allow(participantID string) bool
}

// Observer receives protocol events, typically for metrics.
type Observer interface {
	SubmissionProcessed(outcome string)
	RoundFinished(outcome string, contributors int)
}

type nopObserver struct{}

func (nopObserver) SubmissionProcessed(string) {}
func (nopObserver) RoundFinished(string, int) {}
