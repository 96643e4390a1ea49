package protocol

import (
	"errors"
	"time"
)

// AggregationConfig provides the parameters shared by participants, the
// round coordinator and the aggregator.
type AggregationConfig struct {
	// AggregatorID names the aggregator in the key directory. Participants
	// encrypt their blinded values to its exchange key.
	AggregatorID string `json:"aggregator_id" yaml:"aggregator_id"`

	// RoundDeadline bounds how long the aggregator waits for a round to fill.
	RoundDeadline time.Duration `json:"round_deadline,string" yaml:"round_deadline"`

	// PollInterval is the delay between submission count queries.
	PollInterval time.Duration `json:"poll_interval,string" yaml:"poll_interval"`

	// MaskFetchTimeout bounds the peer mask exchange. Blinding is aborted
	// when it elapses.
	MaskFetchTimeout time.Duration `json:"mask_fetch_timeout,string" yaml:"mask_fetch_timeout"`

	// MaskBound is the half-width of the mask value range.
	MaskBound float64 `json:"mask_bound" yaml:"mask_bound"`

	// Normalization is applied to the sum before distribution.
	Normalization NormalizationMode `json:"normalization" yaml:"normalization"`
}

// DefaultAggregationConfig returns the configuration used when none is given.
func DefaultAggregationConfig() *AggregationConfig {
	return &AggregationConfig{
		AggregatorID:     "aggregator",
		RoundDeadline:    5 * time.Minute,
		PollInterval:     5 * time.Second,
		MaskFetchTimeout: 30 * time.Second,
		MaskBound:        1.0,
		Normalization:    NormalizeNone,
	}
}

// Validate rejects configurations that cannot run a round.
func (c *AggregationConfig) Validate() error {
	switch {
	case c.AggregatorID == "":
		return errors.New("aggregator_id is required")
	case c.RoundDeadline <= 0:
		return errors.New("round_deadline must be positive")
	case c.PollInterval <= 0:
		return errors.New("poll_interval must be positive")
	case c.MaskFetchTimeout <= 0:
		return errors.New("mask_fetch_timeout must be positive")
	case !(c.MaskBound > 0):
		return errors.New("mask_bound must be positive")
	}
	return c.Normalization.Validate()
}
