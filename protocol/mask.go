package protocol

import (
	"fmt"
	"slices"
	"sync"

	"github.com/flashbots/secagg/crypto"
)

// Mask is a one-time additive mask bound to a single round.
type Mask struct {
	Round  uint64  `json:"round"`
	Values Payload `json:"values"`
}

// NewMask draws a fresh mask for round with the given layout. Components are
// uniform in [-bound, bound).
func NewMask(round uint64, layout Layout, bound float64) (*Mask, error) {
	n := layout.Size()
	vals, err := crypto.RandomFloats(n+1+len(layout.Params), bound)
	if err != nil {
		return nil, fmt.Errorf("generate mask: %w", err)
	}

	m := &Mask{
		Round: round,
		Values: Payload{
			Weights: vals[:n:n],
			Shape:   slices.Clone(layout.Shape),
			Bias:    vals[n],
		},
	}
	if len(layout.Params) > 0 {
		m.Values.Params = make(map[string]float64, len(layout.Params))
		for i, name := range layout.Params {
			m.Values.Params[name] = vals[n+1+i]
		}
	}
	return m, nil
}

// MaskBook holds a participant's own masks. At most one mask exists per
// round, and generating a mask for a newer round discards older ones, so a
// mask is never used across rounds.
type MaskBook struct {
	bound float64

	mu     sync.Mutex
	masks  map[uint64]*Mask
	latest uint64
}

// NewMaskBook creates an empty book drawing masks in [-bound, bound).
func NewMaskBook(bound float64) *MaskBook {
	return &MaskBook{
		bound: bound,
		masks: make(map[uint64]*Mask),
	}
}

// Generate returns the mask for round, creating it on first use. The same
// mask is returned to the local blinding step and to the peer. Rounds older
// than the newest generated one are refused.
func (b *MaskBook) Generate(round uint64, layout Layout) (*Mask, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if m, ok := b.masks[round]; ok {
		if !m.Values.Layout().Equal(layout) {
			return nil, fmt.Errorf("%w: mask for round %d already drawn with %s", ErrShapeMismatch, round, m.Values.Layout())
		}
		return m, nil
	}
	if round < b.latest {
		return nil, &StaleMaskError{OwnRound: b.latest, PeerRound: round}
	}

	m, err := NewMask(round, layout, b.bound)
	if err != nil {
		return nil, err
	}

	for r := range b.masks {
		if r < round {
			delete(b.masks, r)
		}
	}
	b.masks[round] = m
	b.latest = round
	return m, nil
}

// Get returns the mask for round or ErrMaskUnavailable.
func (b *MaskBook) Get(round uint64) (*Mask, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	m, ok := b.masks[round]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrMaskUnavailable, round)
	}
	return m, nil
}

// RingPeer returns the participant whose mask self subtracts: the next id
// in sorted order, wrapping around. With two participants each is the
// other's peer.
func RingPeer(ids []string, self string) (string, error) {
	sorted, idx, err := ringPosition(ids, self)
	if err != nil {
		return "", err
	}
	return sorted[(idx+1)%len(sorted)], nil
}

// RingPredecessor returns the participant allowed to fetch self's mask.
func RingPredecessor(ids []string, self string) (string, error) {
	sorted, idx, err := ringPosition(ids, self)
	if err != nil {
		return "", err
	}
	return sorted[(idx+len(sorted)-1)%len(sorted)], nil
}

func ringPosition(ids []string, self string) ([]string, int, error) {
	sorted := slices.Clone(ids)
	slices.Sort(sorted)
	sorted = slices.Compact(sorted)
	if len(sorted) < 2 {
		return nil, 0, fmt.Errorf("mask ring needs at least two participants, have %d", len(sorted))
	}
	idx, found := slices.BinarySearch(sorted, self)
	if !found {
		return nil, 0, fmt.Errorf("%w: %s is not in the ring", ErrUnauthorized, self)
	}
	return sorted, idx, nil
}
