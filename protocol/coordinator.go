package protocol

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// Submission outcomes reported to the Observer.
const (
	OutcomeRecorded     = "recorded"
	OutcomeReplay       = "replay"
	OutcomeUnauthorized = "unauthorized"
	OutcomeIntegrity    = "integrity"
	OutcomeAbandoned    = "abandoned"
	OutcomeMalformed    = "malformed"
	OutcomeRateLimited  = "rate_limited"
	OutcomeInternal     = "internal"
)

// Receipt is returned for a recorded submission.
type Receipt struct {
	ParticipantID string  `json:"participant_id"`
	Round         uint64  `json:"round_num"`
	Pointer       Pointer `json:"pointer"`
	TxID          string  `json:"tx_id"`
}

// CoordinatorConfig configures a Coordinator.
type CoordinatorConfig struct {
	Log      *slog.Logger
	Observer Observer
	// Limiter is consulted only after the envelope signature verifies, so
	// forged submissions cannot spend a participant's budget.
	Limiter Limiter
}

// Coordinator accepts submissions, verifies what can be verified without the
// decryption key, and records accepted submissions on the ledger. It holds
// all round state explicitly; independent participants and rounds proceed
// concurrently.
type Coordinator struct {
	ledger   Ledger
	blobs    BlobStore
	keys     KeyProvider
	log      *slog.Logger
	observer Observer
	limiter  Limiter
	tracker  *roundTracker
}

// NewCoordinator creates a coordinator. keys must know the signing key of
// every participant that may submit.
func NewCoordinator(ledger Ledger, blobs BlobStore, keys KeyProvider, cfg *CoordinatorConfig) *Coordinator {
	c := &Coordinator{
		ledger:   ledger,
		blobs:    blobs,
		keys:     keys,
		log:      slog.Default(),
		observer: nopObserver{},
		tracker:  newRoundTracker(),
	}
	if cfg != nil && cfg.Log != nil {
		c.log = cfg.Log
	}
	if cfg != nil && cfg.Observer != nil {
		c.observer = cfg.Observer
	}
	if cfg != nil {
		c.limiter = cfg.Limiter
	}
	return c
}

// Submit runs a submission through the state machine. On success the
// submission is Recorded and the participant's round advances. Replays,
// unauthorized participants and abandoned rounds return an error without
// changing state; integrity failures leave the attempt Rejected.
func (c *Coordinator) Submit(ctx context.Context, sub *Submission) (*Receipt, error) {
	receipt, outcome, err := c.submit(ctx, sub)
	c.observer.SubmissionProcessed(outcome)
	return receipt, err
}

func (c *Coordinator) submit(ctx context.Context, sub *Submission) (*Receipt, string, error) {
	if err := sub.Validate(); err != nil {
		return nil, OutcomeMalformed, err
	}
	log := c.log.With("participant", sub.ParticipantID, "round", sub.Round)

	entry := c.tracker.acquire(sub.ParticipantID, sub.Round)
	defer entry.mu.Unlock()

	record, err := c.ledger.GetParticipant(ctx, sub.ParticipantID)
	if errors.Is(err, ErrParticipantNotFound) {
		log.Warn("submission from unregistered participant")
		return nil, OutcomeUnauthorized, fmt.Errorf("%w: %s", ErrUnauthorized, sub.ParticipantID)
	} else if err != nil {
		return nil, OutcomeInternal, fmt.Errorf("ledger lookup: %w", err)
	}
	c.tracker.observe(sub.ParticipantID, record.LastRound)

	if entry.state == StateRecorded {
		return nil, OutcomeReplay, &RoundReplayError{ParticipantID: sub.ParticipantID, Round: sub.Round, LastRecorded: c.tracker.last(sub.ParticipantID)}
	}
	if last := c.tracker.last(sub.ParticipantID); sub.Round <= last {
		log.Warn("round replay rejected", "lastRecorded", last)
		return nil, OutcomeReplay, &RoundReplayError{ParticipantID: sub.ParticipantID, Round: sub.Round, LastRecorded: last}
	}
	if c.tracker.isAbandoned(sub.Round) {
		return nil, OutcomeAbandoned, fmt.Errorf("%w: %d", ErrRoundAbandoned, sub.Round)
	}

	pub, err := c.keys.SigningPublicKey(sub.ParticipantID)
	if err != nil {
		log.Warn("no signing key for participant")
		return nil, OutcomeUnauthorized, err
	}

	entry.advance(StateSubmitted)

	recomputed := Commitments{CommitPackage: CommitPackageBytes(sub.BlindedPayload)}
	if err := VerifyEnvelope(pub, sub.Envelope(), recomputed); err != nil {
		entry.advance(StateRejected)
		log.Warn("submission failed integrity check", "reason", err)
		return nil, OutcomeIntegrity, err
	}
	entry.advance(StateVerified)

	if c.limiter != nil && !c.limiter.Allow(sub.ParticipantID) {
		entry.advance(StateRejected)
		log.Warn("submission rate limited")
		return nil, OutcomeRateLimited, ErrRateLimited
	}

	receipt, err := c.record(ctx, sub)
	if err != nil {
		entry.advance(StateRejected)
		var replay *RoundReplayError
		if errors.As(err, &replay) {
			log.Warn("round replay rejected at record time", "lastRecorded", replay.LastRecorded)
			return nil, OutcomeReplay, err
		}
		log.Error("failed to record submission", "err", err)
		return nil, OutcomeInternal, err
	}
	entry.advance(StateRecorded)

	log.Info("submission recorded", "pointer", receipt.Pointer, "tx", receipt.TxID)
	return receipt, OutcomeRecorded, nil
}

func (c *Coordinator) record(ctx context.Context, sub *Submission) (*Receipt, error) {
	lock := c.tracker.participantLock(sub.ParticipantID)
	lock.Lock()
	defer lock.Unlock()

	// Another round may have been recorded while this one was verified.
	if last := c.tracker.last(sub.ParticipantID); sub.Round <= last {
		return nil, &RoundReplayError{ParticipantID: sub.ParticipantID, Round: sub.Round, LastRecorded: last}
	}

	blob, err := SerializeMessage(sub)
	if err != nil {
		return nil, fmt.Errorf("encode submission: %w", err)
	}
	pointer, err := c.blobs.Put(ctx, blob)
	if err != nil {
		return nil, fmt.Errorf("store submission: %w", err)
	}

	txID, err := c.ledger.RecordContribution(ctx, sub.ParticipantID, sub.Round, pointer)
	if errors.Is(err, ErrAlreadyRecorded) {
		return nil, &RoundReplayError{ParticipantID: sub.ParticipantID, Round: sub.Round, LastRecorded: sub.Round}
	} else if err != nil {
		return nil, fmt.Errorf("record contribution: %w", err)
	}

	c.tracker.observe(sub.ParticipantID, sub.Round)
	return &Receipt{
		ParticipantID: sub.ParticipantID,
		Round:         sub.Round,
		Pointer:       pointer,
		TxID:          txID,
	}, nil
}

// State returns the state of the latest attempt for (participant, round).
func (c *Coordinator) State(participant string, round uint64) SubmissionState {
	return c.tracker.state(participant, round)
}

// LastRecorded returns the participant's highest recorded round.
func (c *Coordinator) LastRecorded(participant string) uint64 {
	return c.tracker.last(participant)
}

// Abandon stops a round from progressing. Submissions already recorded stay
// recorded; new submissions for the round are refused. It satisfies
// RoundAbandoner for in-process deployments.
func (c *Coordinator) Abandon(_ context.Context, round uint64) error {
	c.tracker.abandon(round)
	c.log.Warn("round abandoned", "round", round)
	return nil
}

// IsAbandoned reports whether Abandon was called for round.
func (c *Coordinator) IsAbandoned(round uint64) bool {
	return c.tracker.isAbandoned(round)
}
