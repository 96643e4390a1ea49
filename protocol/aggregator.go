package protocol

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/flashbots/secagg/crypto"
	"golang.org/x/sync/errgroup"
)

// Round outcomes reported to the Observer.
const (
	RoundPublished  = "published"
	RoundIncomplete = "incomplete"
	RoundTampered   = "tampered"
	RoundFailed     = "failed"
)

// RoundAbandoner is notified when the aggregator gives up on a round, so the
// coordinator stops accepting submissions for it.
type RoundAbandoner interface {
	Abandon(ctx context.Context, round uint64) error
}

// CollectedContribution is a recorded submission fetched from the blob store.
type CollectedContribution struct {
	ParticipantID string
	Pointer       Pointer
	Submission    *Submission
}

// Distribution records where a participant's copy of the global result lives.
type Distribution struct {
	ParticipantID string  `json:"participant_id"`
	Pointer       Pointer `json:"pointer"`
	TxID          string  `json:"tx_id"`
}

// RoundOutcome summarizes a published round.
type RoundOutcome struct {
	Result        *GlobalResult   `json:"result"`
	Distributions []*Distribution `json:"distributions"`
}

// AggregatorConfig configures an Aggregator.
type AggregatorConfig struct {
	Aggregation *AggregationConfig
	Log         *slog.Logger
	Observer    Observer
	// Abandoner is optional.
	Abandoner RoundAbandoner
}

// Aggregator collects the recorded contributions of a round, decrypts and
// verifies them, sums them and redistributes the result to permitted
// participants. Nothing is published for a round that fails any check.
type Aggregator struct {
	ledger    Ledger
	blobs     BlobStore
	keys      KeyProvider
	cfg       *AggregationConfig
	log       *slog.Logger
	observer  Observer
	abandoner RoundAbandoner

	mu        sync.Mutex
	abandoned map[uint64]error
	published map[uint64]*RoundOutcome
}

// NewAggregator creates an aggregator. keys holds the aggregator's own
// exchange key and the public keys of every participant.
func NewAggregator(ledger Ledger, blobs BlobStore, keys KeyProvider, cfg *AggregatorConfig) *Aggregator {
	a := &Aggregator{
		ledger:    ledger,
		blobs:     blobs,
		keys:      keys,
		cfg:       DefaultAggregationConfig(),
		log:       slog.Default(),
		observer:  nopObserver{},
		abandoned: make(map[uint64]error),
		published: make(map[uint64]*RoundOutcome),
	}
	if cfg == nil {
		return a
	}
	if cfg.Aggregation != nil {
		a.cfg = cfg.Aggregation
	}
	if cfg.Log != nil {
		a.log = cfg.Log
	}
	if cfg.Observer != nil {
		a.observer = cfg.Observer
	}
	a.abandoner = cfg.Abandoner
	return a
}

// AwaitRound polls the ledger until every registered participant has a
// contribution recorded for round. The ring masks only cancel over the full
// registered set, so a subset never completes a round. When the round
// deadline elapses first the round is abandoned and an IncompleteRoundError
// is returned.
func (a *Aggregator) AwaitRound(ctx context.Context, round uint64) error {
	deadline := time.NewTimer(a.cfg.RoundDeadline)
	defer deadline.Stop()
	ticker := time.NewTicker(a.cfg.PollInterval)
	defer ticker.Stop()

	for {
		expected, err := a.expected(ctx)
		if err != nil {
			return err
		}
		count, err := a.ledger.GetRoundSubmissionCount(ctx, round)
		if err != nil {
			return fmt.Errorf("submission count: %w", err)
		}
		if count >= expected {
			a.log.Info("round complete", "round", round, "submissions", count)
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			incomplete := &IncompleteRoundError{Round: round, Expected: expected, Received: count}
			a.abandon(ctx, round, incomplete)
			return incomplete
		case <-ticker.C:
		}
	}
}

func (a *Aggregator) expected(ctx context.Context) (int, error) {
	participants, err := a.ledger.ListParticipants(ctx)
	if err != nil {
		return 0, fmt.Errorf("list participants: %w", err)
	}
	if len(participants) == 0 {
		return 0, errors.New("no registered participants")
	}
	return len(participants), nil
}

// Collect fetches the recorded contribution of every registered participant
// for round. Unregistered submitters are never considered. A missing
// contribution makes the whole round incomplete, because the ring masks of
// the remaining participants would not cancel.
func (a *Aggregator) Collect(ctx context.Context, round uint64) ([]*CollectedContribution, error) {
	participants, err := a.ledger.ListParticipants(ctx)
	if err != nil {
		return nil, fmt.Errorf("list participants: %w", err)
	}

	var (
		collected []*CollectedContribution
		missing   []string
	)
	for _, p := range participants {
		rec, err := a.ledger.GetContribution(ctx, p.ID, round)
		if errors.Is(err, ErrContributionNotFound) {
			missing = append(missing, p.ID)
			continue
		} else if err != nil {
			return nil, fmt.Errorf("contribution of %s: %w", p.ID, err)
		}
		collected = append(collected, &CollectedContribution{ParticipantID: p.ID, Pointer: rec.Pointer})
	}

	if len(missing) > 0 || len(collected) == 0 {
		return nil, &IncompleteRoundError{
			Round:    round,
			Expected: len(participants),
			Received: len(collected),
			Missing:  missing,
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, c := range collected {
		g.Go(func() error {
			blob, err := a.blobs.Get(gctx, c.Pointer)
			if err != nil {
				return fmt.Errorf("fetch contribution of %s: %w", c.ParticipantID, err)
			}
			sub, err := UnmarshalMessage[Submission](blob)
			if err != nil {
				return fmt.Errorf("decode contribution of %s: %w", c.ParticipantID, err)
			}
			if sub.ParticipantID != c.ParticipantID || sub.Round != round {
				return &CommitmentMismatchError{ParticipantID: c.ParticipantID, Round: round, Component: "envelope"}
			}
			c.Submission = sub
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return collected, nil
}

// Aggregate decrypts every contribution, recomputes its commitments,
// verifies its envelope and sums the blinded values. Any failure aborts the
// round: there is no partial aggregation.
func (a *Aggregator) Aggregate(ctx context.Context, round uint64, items []*CollectedContribution) (*GlobalResult, error) {
	if len(items) == 0 {
		return nil, &IncompleteRoundError{Round: round}
	}

	blinded := make([]*BlindedValue, len(items))
	var g errgroup.Group
	for i, item := range items {
		g.Go(func() error {
			v, err := a.open(round, item)
			if err != nil {
				return err
			}
			blinded[i] = v
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	order := make([]int, len(items))
	for i := range order {
		order[i] = i
	}
	slices.SortFunc(order, func(x, y int) int {
		return cmp.Compare(items[x].ParticipantID, items[y].ParticipantID)
	})

	layout := blinded[order[0]].Layout()
	sum := Zero(layout)
	contributors := make([]string, 0, len(items))
	for _, i := range order {
		if err := sum.AddInplace(&blinded[i].Payload, 1); err != nil {
			return nil, fmt.Errorf("contribution of %s: %w", items[i].ParticipantID, err)
		}
		contributors = append(contributors, items[i].ParticipantID)
	}

	model, err := Normalize(sum, len(items), a.cfg.Normalization)
	if err != nil {
		return nil, err
	}

	mode := a.cfg.Normalization
	if mode == "" {
		mode = NormalizeNone
	}
	result := &GlobalResult{
		Round:         round,
		Contributors:  contributors,
		Normalization: mode,
		Model:         *model,
	}
	result.Digest = resultDigest(result)
	return result, nil
}

func (a *Aggregator) open(round uint64, item *CollectedContribution) (*BlindedValue, error) {
	sub := item.Submission
	if sub == nil || sub.BlindedPayload == nil {
		return nil, fmt.Errorf("%w: contribution of %s has no payload", ErrMalformedSubmission, item.ParticipantID)
	}

	pub, err := a.keys.SigningPublicKey(item.ParticipantID)
	if err != nil {
		return nil, err
	}

	plaintext, err := crypto.DecryptWith(a.keys.ExchangeKey(), sub.BlindedPayload)
	if errors.Is(err, crypto.ErrAuthenticationTag) {
		return nil, &AuthenticationTagError{ParticipantID: item.ParticipantID, Round: round}
	} else if err != nil {
		return nil, fmt.Errorf("decrypt contribution of %s: %w", item.ParticipantID, err)
	}

	value, err := UnmarshalMessage[BlindedValue](plaintext)
	if err != nil {
		return nil, fmt.Errorf("%w: contribution of %s: %v", ErrInvalidPayload, item.ParticipantID, err)
	}
	if value.Round != round {
		return nil, &CommitmentMismatchError{ParticipantID: item.ParticipantID, Round: round, Component: "round"}
	}
	if err := value.Validate(); err != nil {
		return nil, err
	}

	recomputed := Commit(&value.Payload)
	recomputed[CommitPackage] = CommitPackageBytes(sub.BlindedPayload)
	if err := VerifyEnvelope(pub, sub.Envelope(), recomputed); err != nil {
		return nil, err
	}
	return value, nil
}

// Distribute encrypts the result to every permitted participant, stores each
// copy and records its pointer on the ledger.
func (a *Aggregator) Distribute(ctx context.Context, result *GlobalResult, permitted []string) ([]*Distribution, error) {
	plaintext, err := SerializeMessage(result)
	if err != nil {
		return nil, err
	}

	out := make([]*Distribution, len(permitted))
	g, gctx := errgroup.WithContext(ctx)
	for i, id := range permitted {
		g.Go(func() error {
			pub, err := a.keys.ExchangePublicKey(id)
			if err != nil {
				return err
			}
			pkg, err := crypto.EncryptFor(pub, plaintext)
			if err != nil {
				return fmt.Errorf("encrypt result for %s: %w", id, err)
			}
			pointer, err := a.blobs.Put(gctx, pkg.Bytes())
			if err != nil {
				return fmt.Errorf("store result for %s: %w", id, err)
			}
			txID, err := a.ledger.RecordGlobalResult(gctx, id, result.Round, pointer)
			if err != nil {
				return fmt.Errorf("record result for %s: %w", id, err)
			}
			out[i] = &Distribution{ParticipantID: id, Pointer: pointer, TxID: txID}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// Permitted lists the participants allowed to receive the global result.
func (a *Aggregator) Permitted(ctx context.Context) ([]string, error) {
	participants, err := a.ledger.ListParticipants(ctx)
	if err != nil {
		return nil, fmt.Errorf("list participants: %w", err)
	}
	var ids []string
	for _, p := range participants {
		if p.PermittedToGlobalModel {
			ids = append(ids, p.ID)
		}
	}
	return ids, nil
}

// RunRound waits for the round, aggregates it and distributes the result.
// A round that fails is abandoned and never retried.
func (a *Aggregator) RunRound(ctx context.Context, round uint64) (*RoundOutcome, error) {
	if outcome, done, err := a.finished(round); done {
		return outcome, err
	}

	if err := a.AwaitRound(ctx, round); err != nil {
		if errors.Is(err, ErrIncompleteRound) {
			a.observer.RoundFinished(RoundIncomplete, 0)
		}
		return nil, err
	}

	items, err := a.Collect(ctx, round)
	if err != nil {
		return nil, a.fail(ctx, round, err)
	}

	result, err := a.Aggregate(ctx, round, items)
	if err != nil {
		return nil, a.fail(ctx, round, err)
	}

	permitted, err := a.Permitted(ctx)
	if err != nil {
		return nil, err
	}
	distributions, err := a.Distribute(ctx, result, permitted)
	if err != nil {
		return nil, err
	}

	outcome := &RoundOutcome{Result: result, Distributions: distributions}
	a.mu.Lock()
	a.published[round] = outcome
	a.mu.Unlock()

	a.observer.RoundFinished(RoundPublished, len(result.Contributors))
	a.log.Info("round published", "round", round, "contributors", len(result.Contributors), "recipients", len(distributions), "digest", result.Digest)
	return outcome, nil
}

// Status returns the published outcome of a round, or the error that caused
// it to be abandoned. Both are nil for rounds that have not finished.
func (a *Aggregator) Status(round uint64) (*RoundOutcome, error) {
	outcome, _, err := a.finished(round)
	return outcome, err
}

func (a *Aggregator) finished(round uint64) (*RoundOutcome, bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if outcome, ok := a.published[round]; ok {
		return outcome, true, nil
	}
	if err, ok := a.abandoned[round]; ok {
		return nil, true, err
	}
	return nil, false, nil
}

func (a *Aggregator) fail(ctx context.Context, round uint64, err error) error {
	switch {
	case IsIntegrityFailure(err):
		a.observer.RoundFinished(RoundTampered, 0)
		a.log.Warn("round failed integrity check", "round", round, "reason", err)
	case errors.Is(err, ErrIncompleteRound):
		a.observer.RoundFinished(RoundIncomplete, 0)
	default:
		a.observer.RoundFinished(RoundFailed, 0)
	}
	a.abandon(ctx, round, err)
	return err
}

func (a *Aggregator) abandon(ctx context.Context, round uint64, cause error) {
	a.mu.Lock()
	a.abandoned[round] = cause
	a.mu.Unlock()

	a.log.Warn("round abandoned", "round", round, "cause", cause)
	if a.abandoner != nil {
		if err := a.abandoner.Abandon(ctx, round); err != nil {
			a.log.Error("failed to abandon round at coordinator", "round", round, "err", err)
		}
	}
}

func resultDigest(r *GlobalResult) crypto.Digest {
	digests := Commit(&r.Model)
	names := digests.Names()
	buf := make([]byte, 0, len(names)*len(crypto.Digest{}))
	for _, name := range names {
		d := digests[name]
		buf = append(buf, d[:]...)
	}
	return crypto.DigestBytes(buf)
}

// OpenGlobalResult decrypts a participant's copy of the global result and
// checks its digest.
func OpenGlobalResult(keys KeyProvider, data []byte) (*GlobalResult, error) {
	pkg, err := crypto.ParseEncryptedPackage(data)
	if err != nil {
		return nil, err
	}
	plaintext, err := crypto.DecryptWith(keys.ExchangeKey(), pkg)
	if err != nil {
		return nil, err
	}
	var result GlobalResult
	if err := json.Unmarshal(plaintext, &result); err != nil {
		return nil, err
	}
	if !resultDigest(&result).Equal(result.Digest) {
		return nil, &CommitmentMismatchError{ParticipantID: keys.ID(), Round: result.Round, Component: "result"}
	}
	return &result, nil
}
