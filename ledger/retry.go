package ledger

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/flashbots/secagg/protocol"
)

// RetryConfig bounds the retries of a Retrying ledger.
type RetryConfig struct {
	InitialInterval time.Duration `yaml:"initial_interval"`
	MaxInterval     time.Duration `yaml:"max_interval"`
	MaxElapsedTime  time.Duration `yaml:"max_elapsed_time"`
	MaxTries        uint          `yaml:"max_tries"`
}

// DefaultRetryConfig returns the retry bounds used when none are configured.
func DefaultRetryConfig() *RetryConfig {
	return &RetryConfig{
		InitialInterval: 200 * time.Millisecond,
		MaxInterval:     5 * time.Second,
		MaxElapsedTime:  30 * time.Second,
		MaxTries:        8,
	}
}

// Retrying wraps a Ledger and retries transient failures with exponential
// backoff. Answers from the ledger itself (unknown participant, duplicate
// record, missing contribution) are returned immediately.
type Retrying struct {
	next protocol.Ledger
	cfg  *RetryConfig
	log  *slog.Logger
}

// NewRetrying wraps next. A nil cfg uses DefaultRetryConfig.
func NewRetrying(next protocol.Ledger, cfg *RetryConfig, log *slog.Logger) *Retrying {
	if cfg == nil {
		cfg = DefaultRetryConfig()
	}
	if log == nil {
		log = slog.Default()
	}
	return &Retrying{next: next, cfg: cfg, log: log}
}

// isPermanent reports whether err must not be retried. A context error only
// ends the retries when the caller's own ctx is done; a timeout from a
// per-call context inside the ledger is transient.
func isPermanent(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return true
	}
	return errors.Is(err, protocol.ErrParticipantNotFound) ||
		errors.Is(err, protocol.ErrContributionNotFound) ||
		errors.Is(err, protocol.ErrAlreadyRecorded) ||
		errors.Is(err, ErrEmptyID) ||
		errors.Is(err, protocol.ErrUnauthorized)
}

func retry[T any](ctx context.Context, r *Retrying, name string, op func() (T, error)) (T, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.cfg.InitialInterval
	b.MaxInterval = r.cfg.MaxInterval

	attempt := 0
	return backoff.Retry(ctx, func() (T, error) {
		attempt++
		v, err := op()
		if err == nil {
			return v, nil
		}
		if isPermanent(ctx, err) {
			return v, backoff.Permanent(err)
		}
		r.log.Warn("ledger call failed, retrying", "op", name, "attempt", attempt, "err", err)
		return v, err
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(r.cfg.MaxTries),
		backoff.WithMaxElapsedTime(r.cfg.MaxElapsedTime),
	)
}

func (r *Retrying) RegisterParticipant(ctx context.Context, id, name string) error {
	_, err := retry(ctx, r, "register", func() (struct{}, error) {
		return struct{}{}, r.next.RegisterParticipant(ctx, id, name)
	})
	return err
}

func (r *Retrying) GetParticipant(ctx context.Context, id string) (*protocol.ParticipantRecord, error) {
	return retry(ctx, r, "get_participant", func() (*protocol.ParticipantRecord, error) {
		return r.next.GetParticipant(ctx, id)
	})
}

func (r *Retrying) ListParticipants(ctx context.Context) ([]*protocol.ParticipantRecord, error) {
	return retry(ctx, r, "list_participants", func() ([]*protocol.ParticipantRecord, error) {
		return r.next.ListParticipants(ctx)
	})
}

func (r *Retrying) SetPermission(ctx context.Context, id string, permitted bool) error {
	_, err := retry(ctx, r, "set_permission", func() (struct{}, error) {
		return struct{}{}, r.next.SetPermission(ctx, id, permitted)
	})
	return err
}

// RecordContribution retries transient failures. When a retried attempt
// finds the pair already recorded with the same pointer, the earlier attempt
// went through and its transaction id is returned.
func (r *Retrying) RecordContribution(ctx context.Context, id string, round uint64, pointer protocol.Pointer) (string, error) {
	attempts := 0
	tx, err := retry(ctx, r, "record_contribution", func() (string, error) {
		attempts++
		return r.next.RecordContribution(ctx, id, round, pointer)
	})
	if attempts > 1 && errors.Is(err, protocol.ErrAlreadyRecorded) {
		existing, getErr := r.GetContribution(ctx, id, round)
		if getErr == nil && existing.Pointer == pointer {
			return existing.TxID, nil
		}
	}
	return tx, err
}

func (r *Retrying) GetContribution(ctx context.Context, id string, round uint64) (*protocol.ContributionRecord, error) {
	return retry(ctx, r, "get_contribution", func() (*protocol.ContributionRecord, error) {
		return r.next.GetContribution(ctx, id, round)
	})
}

func (r *Retrying) GetRoundSubmissionCount(ctx context.Context, round uint64) (int, error) {
	return retry(ctx, r, "submission_count", func() (int, error) {
		return r.next.GetRoundSubmissionCount(ctx, round)
	})
}

func (r *Retrying) RecordGlobalResult(ctx context.Context, id string, round uint64, pointer protocol.Pointer) (string, error) {
	return retry(ctx, r, "record_result", func() (string, error) {
		return r.next.RecordGlobalResult(ctx, id, round, pointer)
	})
}
