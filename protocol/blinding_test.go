package protocol

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"
)

func samplePayload(scale float64) *Payload {
	return &Payload{
		Weights: []float64{0.5 * scale, -1.25 * scale, 2 * scale, 0.125 * scale, 3 * scale, -0.75 * scale},
		Shape:   []int{3, 2},
		Bias:    0.1 * scale,
		Params:  map[string]float64{"lr": 0.01 * scale, "momentum": 0.9 * scale},
	}
}

func TestBlindMasksCancelPairwise(t *testing.T) {
	rawA, rawB := samplePayload(1), samplePayload(-3)

	maskA, err := NewMask(7, rawA.Layout(), 1)
	require.NoError(t, err)
	maskB, err := NewMask(7, rawB.Layout(), 1)
	require.NoError(t, err)

	blindedA, err := Blind(rawA, maskA, maskB)
	require.NoError(t, err)
	blindedB, err := Blind(rawB, maskB, maskA)
	require.NoError(t, err)

	require.NotEqual(t, rawA.Weights, blindedA.Weights)
	require.Equal(t, uint64(7), blindedA.Round)

	sum := Zero(rawA.Layout())
	require.NoError(t, sum.AddInplace(&blindedA.Payload, 1))
	require.NoError(t, sum.AddInplace(&blindedB.Payload, 1))

	expected := rawA.Clone()
	require.NoError(t, expected.AddInplace(rawB, 1))

	require.InDeltaSlice(t, expected.Weights, sum.Weights, 1e-12)
	require.InDelta(t, expected.Bias, sum.Bias, 1e-12)
	for name, v := range expected.Params {
		require.InDelta(t, v, sum.Params[name], 1e-12, name)
	}
}

func TestBlindRingOfFour(t *testing.T) {
	ids := []string{"hospital-d", "hospital-a", "hospital-c", "hospital-b"}
	raws := map[string]*Payload{}
	masks := map[string]*Mask{}
	for i, id := range ids {
		raws[id] = samplePayload(float64(i + 1))
		m, err := NewMask(3, raws[id].Layout(), 10)
		require.NoError(t, err)
		masks[id] = m
	}

	sum := Zero(raws[ids[0]].Layout())
	expected := Zero(raws[ids[0]].Layout())
	for _, id := range ids {
		peer, err := RingPeer(ids, id)
		require.NoError(t, err)
		require.NotEqual(t, id, peer)

		pred, err := RingPredecessor(ids, peer)
		require.NoError(t, err)
		require.Equal(t, id, pred)

		b, err := Blind(raws[id], masks[id], masks[peer])
		require.NoError(t, err)
		require.NoError(t, sum.AddInplace(&b.Payload, 1))
		require.NoError(t, expected.AddInplace(raws[id], 1))
	}

	require.InDeltaSlice(t, expected.Weights, sum.Weights, 1e-9)
	require.InDelta(t, expected.Bias, sum.Bias, 1e-9)
}

func TestBlindRejectsStaleMask(t *testing.T) {
	raw := samplePayload(1)
	own, err := NewMask(2, raw.Layout(), 1)
	require.NoError(t, err)
	peer, err := NewMask(1, raw.Layout(), 1)
	require.NoError(t, err)

	_, err = Blind(raw, own, peer)
	require.ErrorIs(t, err, ErrStaleMask)

	var stale *StaleMaskError
	require.ErrorAs(t, err, &stale)
	require.Equal(t, uint64(2), stale.OwnRound)
	require.Equal(t, uint64(1), stale.PeerRound)
}

func TestBlindRejectsShapeMismatch(t *testing.T) {
	raw := samplePayload(1)
	own, err := NewMask(1, raw.Layout(), 1)
	require.NoError(t, err)
	peer, err := NewMask(1, Layout{Shape: []int{2, 2}}, 1)
	require.NoError(t, err)

	_, err = Blind(raw, own, peer)
	require.ErrorIs(t, err, ErrShapeMismatch)
}

func TestBlindRejectsNonFinite(t *testing.T) {
	raw := samplePayload(1)
	raw.Weights[0] = math.NaN()
	own, err := NewMask(1, raw.Layout(), 1)
	require.NoError(t, err)

	_, err = Blind(raw, own, own)
	require.ErrorIs(t, err, ErrInvalidPayload)
}

func TestCommitDeterministic(t *testing.T) {
	v := samplePayload(2)
	c1 := Commit(v)
	c2 := Commit(v.Clone())
	require.Equal(t, c1, c2)
	require.Equal(t, []string{CommitBias, CommitParams, CommitWeights}, c1.Names())

	v.Weights[4] = math.Nextafter(v.Weights[4], 10)
	c3 := Commit(v)
	require.NotEqual(t, c1[CommitWeights], c3[CommitWeights])
	require.Equal(t, c1[CommitBias], c3[CommitBias])

	withoutParams := Commit(&Payload{Weights: []float64{1}, Bias: 2})
	require.NotContains(t, withoutParams, CommitParams)
}

func TestPadRows(t *testing.T) {
	p := &Payload{Weights: []float64{1, 2, 3, 4}, Shape: []int{2, 2}}
	require.NoError(t, p.PadRows(4))
	require.Equal(t, []int{4, 2}, p.Shape)
	require.Equal(t, []float64{1, 2, 3, 4, 3, 4, 3, 4}, p.Weights)
	require.NoError(t, p.Validate())

	require.ErrorIs(t, p.PadRows(3), ErrShapeMismatch)
	require.ErrorIs(t, (&Payload{Weights: []float64{1, 2}}).PadRows(4), ErrShapeMismatch)
}

func TestPayloadValidate(t *testing.T) {
	require.NoError(t, (&Payload{Weights: []float64{1, 2, 3}}).Validate())
	require.ErrorIs(t, (&Payload{Weights: []float64{1, 2, 3}, Shape: []int{2, 2}}).Validate(), ErrInvalidPayload)
	require.ErrorIs(t, (&Payload{Weights: []float64{1}, Bias: math.Inf(1)}).Validate(), ErrInvalidPayload)
	require.ErrorIs(t, (&Payload{Params: map[string]float64{"x": math.NaN()}}).Validate(), ErrInvalidPayload)
}

func TestMaskBook(t *testing.T) {
	book := NewMaskBook(1)
	layout := Layout{Shape: []int{4}}

	_, err := book.Get(1)
	require.ErrorIs(t, err, ErrMaskUnavailable)

	m1, err := book.Generate(1, layout)
	require.NoError(t, err)
	again, err := book.Generate(1, layout)
	require.NoError(t, err)
	require.Same(t, m1, again)

	_, err = book.Generate(1, Layout{Shape: []int{5}})
	require.ErrorIs(t, err, ErrShapeMismatch)

	m2, err := book.Generate(2, layout)
	require.NoError(t, err)
	require.NotEqual(t, m1.Values.Weights, m2.Values.Weights)

	// Older masks are gone and cannot be regenerated.
	_, err = book.Get(1)
	require.ErrorIs(t, err, ErrMaskUnavailable)
	_, err = book.Generate(1, layout)
	require.ErrorIs(t, err, ErrStaleMask)
}

func TestRingRequiresMembership(t *testing.T) {
	_, err := RingPeer([]string{"a"}, "a")
	require.Error(t, err)

	_, err = RingPeer([]string{"a", "b"}, "c")
	require.ErrorIs(t, err, ErrUnauthorized)

	peer, err := RingPeer([]string{"b", "a", "a"}, "b")
	require.NoError(t, err)
	require.Equal(t, "a", peer)
}

func TestNormalize(t *testing.T) {
	sum := &Payload{Weights: []float64{6, 8}, Bias: 4, Params: map[string]float64{"lr": 0.2}}

	none, err := Normalize(sum, 2, NormalizeNone)
	require.NoError(t, err)
	require.Equal(t, sum, none)

	mean, err := Normalize(sum, 2, NormalizeMean)
	require.NoError(t, err)
	require.Equal(t, []float64{3, 4}, mean.Weights)
	require.Equal(t, 2.0, mean.Bias)
	require.InDelta(t, 0.1, mean.Params["lr"], 1e-12)

	l2, err := Normalize(sum, 2, NormalizeL2)
	require.NoError(t, err)
	require.InDeltaSlice(t, []float64{0.6, 0.8}, l2.Weights, 1e-12)
	require.Equal(t, 4.0, l2.Bias)

	meanL2, err := Normalize(sum, 2, NormalizeMeanL2)
	require.NoError(t, err)
	require.InDeltaSlice(t, []float64{0.6, 0.8}, meanL2.Weights, 1e-12)
	require.Equal(t, 2.0, meanL2.Bias)

	zero, err := Normalize(&Payload{Weights: []float64{0, 0}}, 1, NormalizeL2)
	require.NoError(t, err)
	require.Equal(t, []float64{0, 0}, zero.Weights)

	_, err = Normalize(sum, 0, NormalizeMean)
	require.Error(t, err)
	_, err = Normalize(sum, 2, "softmax")
	require.Error(t, err)

	// The input is never modified.
	require.Equal(t, []float64{6, 8}, sum.Weights)
}
