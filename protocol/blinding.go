package protocol

import (
	"fmt"
	"slices"

	"github.com/flashbots/secagg/crypto"
)

// Commitment component names.
const (
	CommitWeights = "weights"
	CommitBias    = "bias"
	CommitParams  = "params"
	// CommitPackage covers the canonical bytes of the encrypted package and
	// is the only component a party without the decryption key can check.
	CommitPackage = "package"
)

// Commitments maps component names to digests.
type Commitments map[string]crypto.Digest

// Names returns the component names in sorted order.
func (c Commitments) Names() []string {
	names := make([]string, 0, len(c))
	for name := range c {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// BlindedValue is raw + ownMask - peerMask for one round. It is what the
// aggregator decrypts, and the only form of a contribution that leaves the
// participant.
type BlindedValue struct {
	Round uint64 `json:"round_num"`
	Payload
}

// Blind computes raw + own - peer. Both masks must belong to the same round
// and every layout must match.
func Blind(raw *Payload, own, peer *Mask) (*BlindedValue, error) {
	if own == nil || peer == nil {
		return nil, fmt.Errorf("%w: missing mask", ErrMaskUnavailable)
	}
	if own.Round != peer.Round {
		return nil, &StaleMaskError{OwnRound: own.Round, PeerRound: peer.Round}
	}
	if err := raw.Validate(); err != nil {
		return nil, err
	}

	blinded := raw.Clone()
	if err := blinded.AddInplace(&own.Values, 1); err != nil {
		return nil, fmt.Errorf("own mask: %w", err)
	}
	if err := blinded.AddInplace(&peer.Values, -1); err != nil {
		return nil, fmt.Errorf("peer mask: %w", err)
	}

	return &BlindedValue{Round: own.Round, Payload: *blinded}, nil
}

// Commit computes the per-component digests of a blinded value. The params
// component is present only when the payload carries params.
func Commit(v *Payload) Commitments {
	c := Commitments{
		CommitWeights: crypto.DigestFloats(v.Weights...),
		CommitBias:    crypto.DigestFloats(v.Bias),
	}
	if len(v.Params) > 0 {
		c[CommitParams] = crypto.DigestNamedFloats(v.Params)
	}
	return c
}

// CommitPackageBytes computes the package component for an encrypted package.
func CommitPackageBytes(pkg *crypto.EncryptedPackage) crypto.Digest {
	return crypto.DigestBytes(pkg.Bytes())
}
