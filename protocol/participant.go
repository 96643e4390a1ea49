package protocol

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/flashbots/secagg/crypto"
)

// ParticipantConfig configures a Participant.
type ParticipantConfig struct {
	Aggregation *AggregationConfig
	Log         *slog.Logger
	// Now is overridable in tests.
	Now func() time.Time
}

// Participant produces blinded, committed, encrypted and signed
// contributions. Its raw payload never leaves it.
type Participant struct {
	keys      KeyProvider
	masks     *MaskBook
	fetcher   MaskFetcher
	submitter Submitter
	cfg       *AggregationConfig
	log       *slog.Logger
	now       func() time.Time

	mu           sync.Mutex
	lastAccepted uint64
}

// NewParticipant creates a participant. fetcher retrieves peer masks and
// submitter delivers submissions to the coordinator.
func NewParticipant(keys KeyProvider, fetcher MaskFetcher, submitter Submitter, cfg *ParticipantConfig) *Participant {
	p := &Participant{
		keys:      keys,
		fetcher:   fetcher,
		submitter: submitter,
		cfg:       DefaultAggregationConfig(),
		log:       slog.Default(),
		now:       time.Now,
	}
	if cfg != nil {
		if cfg.Aggregation != nil {
			p.cfg = cfg.Aggregation
		}
		if cfg.Log != nil {
			p.log = cfg.Log
		}
		if cfg.Now != nil {
			p.now = cfg.Now
		}
	}
	p.masks = NewMaskBook(p.cfg.MaskBound)
	return p
}

// ID returns the participant identifier.
func (p *Participant) ID() string {
	return p.keys.ID()
}

// LastAccepted returns the last round the coordinator recorded for this participant.
func (p *Participant) LastAccepted() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastAccepted
}

// SetLastAccepted raises the last accepted round, for example from the
// ledger after a restart.
func (p *Participant) SetLastAccepted(round uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if round > p.lastAccepted {
		p.lastAccepted = round
	}
}

// PrepareMask draws (or returns) the local mask for round.
func (p *Participant) PrepareMask(round uint64, layout Layout) (*Mask, error) {
	return p.masks.Generate(round, layout)
}

// ServeMask returns the local mask for round encrypted to requester. Only the
// ring predecessor of this participant may fetch it.
func (p *Participant) ServeMask(round uint64, requester string, ring []string) (*crypto.EncryptedPackage, error) {
	allowed, err := RingPredecessor(ring, p.ID())
	if err != nil {
		return nil, err
	}
	if requester != allowed {
		return nil, fmt.Errorf("%w: %s may not fetch the mask of %s", ErrUnauthorized, requester, p.ID())
	}

	mask, err := p.masks.Get(round)
	if err != nil {
		return nil, err
	}

	pub, err := p.keys.ExchangePublicKey(requester)
	if err != nil {
		return nil, err
	}
	plaintext, err := SerializeMessage(mask)
	if err != nil {
		return nil, err
	}
	return crypto.EncryptFor(pub, plaintext)
}

// OpenMask decrypts a mask served by a peer.
func OpenMask(keys KeyProvider, pkg *crypto.EncryptedPackage) (*Mask, error) {
	plaintext, err := crypto.DecryptWith(keys.ExchangeKey(), pkg)
	if err != nil {
		return nil, err
	}
	return UnmarshalMessage[Mask](plaintext)
}

// BuildSubmission blinds raw with the local mask and the peer's mask for
// round, commits to the blinded value, encrypts it to the aggregator and
// signs the envelope. The peer mask fetch is bounded by MaskFetchTimeout;
// blinding is aborted when it fails.
func (p *Participant) BuildSubmission(ctx context.Context, round uint64, raw *Payload, peerID string, accImprovement *float64) (*Submission, error) {
	if last := p.LastAccepted(); round <= last {
		return nil, &RoundReplayError{ParticipantID: p.ID(), Round: round, LastRecorded: last}
	}
	if err := raw.Validate(); err != nil {
		return nil, err
	}

	own, err := p.masks.Generate(round, raw.Layout())
	if err != nil {
		return nil, err
	}

	fetchCtx, cancel := context.WithTimeout(ctx, p.cfg.MaskFetchTimeout)
	defer cancel()
	peer, err := p.fetcher.FetchMask(fetchCtx, peerID, round)
	if err != nil {
		return nil, fmt.Errorf("fetch mask of %s: %w", peerID, err)
	}

	blinded, err := Blind(raw, own, peer)
	if err != nil {
		return nil, err
	}

	aggregatorKey, err := p.keys.ExchangePublicKey(p.cfg.AggregatorID)
	if err != nil {
		return nil, fmt.Errorf("aggregator key: %w", err)
	}
	plaintext, err := SerializeMessage(blinded)
	if err != nil {
		return nil, err
	}
	pkg, err := crypto.EncryptFor(aggregatorKey, plaintext)
	if err != nil {
		return nil, err
	}

	commitments := Commit(&blinded.Payload)
	commitments[CommitPackage] = CommitPackageBytes(pkg)

	env, err := SignEnvelope(p.keys.SigningKey(), p.ID(), round, commitments, p.now())
	if err != nil {
		return nil, err
	}

	return &Submission{
		ParticipantID:       env.ParticipantID,
		Round:               env.Round,
		BlindedPayload:      pkg,
		Commitments:         env.Commitments,
		Timestamp:           env.Timestamp,
		Signature:           env.Signature,
		AccuracyImprovement: accImprovement,
	}, nil
}

// Contribute runs one round: it picks the ring peer from the registered
// participants, builds the submission and submits it. The local mask stays
// available to the ring predecessor until a newer round is prepared.
func (p *Participant) Contribute(ctx context.Context, round uint64, raw *Payload, ring []string, accImprovement *float64) (*Receipt, error) {
	peerID, err := RingPeer(ring, p.ID())
	if err != nil {
		return nil, err
	}

	sub, err := p.BuildSubmission(ctx, round, raw, peerID, accImprovement)
	if err != nil {
		return nil, err
	}

	receipt, err := p.submitter.Submit(ctx, sub)
	if err != nil {
		return nil, err
	}

	p.SetLastAccepted(round)
	p.log.Info("contribution recorded", "round", round, "peer", peerID, "pointer", receipt.Pointer)
	return receipt, nil
}
