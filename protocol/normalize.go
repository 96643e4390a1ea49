package protocol

import (
	"fmt"
	"math"
)

// NormalizationMode selects the post-processing applied to a round sum.
type NormalizationMode string

const (
	NormalizeNone   NormalizationMode = "none"
	NormalizeMean   NormalizationMode = "mean"
	NormalizeL2     NormalizationMode = "l2"
	NormalizeMeanL2 NormalizationMode = "mean_l2"
)

// Validate accepts the known modes and the empty string, which means none.
func (m NormalizationMode) Validate() error {
	switch m {
	case "", NormalizeNone, NormalizeMean, NormalizeL2, NormalizeMeanL2:
		return nil
	}
	return fmt.Errorf("unknown normalization mode %q", m)
}

// Normalize returns a normalized copy of sum. Mean divides every component
// by the number of contributors. L2 scales the weights to unit norm and
// leaves bias and params alone; an all-zero weight vector is left as is.
func Normalize(sum *Payload, contributors int, mode NormalizationMode) (*Payload, error) {
	if err := mode.Validate(); err != nil {
		return nil, err
	}

	out := sum.Clone()
	if mode == NormalizeMean || mode == NormalizeMeanL2 {
		if contributors <= 0 {
			return nil, fmt.Errorf("mean over %d contributors", contributors)
		}
		out.ScaleInplace(1 / float64(contributors))
	}
	if mode == NormalizeL2 || mode == NormalizeMeanL2 {
		if norm := l2Norm(out.Weights); norm > 0 {
			for i := range out.Weights {
				out.Weights[i] /= norm
			}
		}
	}
	return out, nil
}

func l2Norm(v []float64) float64 {
	var sum float64
	for _, x := range v {
		sum += x * x
	}
	return math.Sqrt(sum)
}
