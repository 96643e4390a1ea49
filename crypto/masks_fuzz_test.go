package crypto

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"
)

func FuzzRandomFloats(f *testing.F) {
	f.Add(0, 1.0)
	f.Add(1, 0.5)
	f.Add(257, 1e6)

	f.Fuzz(func(t *testing.T, n int, bound float64) {
		if n < 0 || n > 1<<14 || (bound > 0 && bound < 1e-300) {
			t.Skip()
		}

		vals, err := RandomFloats(n, bound)
		if !(bound > 0) || math.IsInf(bound, 0) {
			if err == nil {
				t.Fatalf("bound %v should be rejected", bound)
			}
			return
		}
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		if len(vals) != n {
			t.Fatalf("wrong length: got %d, want %d", len(vals), n)
		}
		for i, v := range vals {
			if v < -bound || v >= bound {
				t.Errorf("value %v at %d outside [-%v, %v)", v, i, bound, bound)
			}
		}
	})
}

func TestRandomFloatsNotReused(t *testing.T) {
	a, err := RandomFloats(64, 1)
	require.NoError(t, err)
	b, err := RandomFloats(64, 1)
	require.NoError(t, err)
	require.NotEqual(t, a, b)
}

func TestRandomFloatsSpread(t *testing.T) {
	vals, err := RandomFloats(4096, 1)
	require.NoError(t, err)

	var negative, sum float64
	for _, v := range vals {
		if v < 0 {
			negative++
		}
		sum += v
	}
	require.InDelta(t, 0.5, negative/float64(len(vals)), 0.05)
	require.InDelta(t, 0, sum/float64(len(vals)), 0.05)
}

func TestRandomFloatsRejectsNegativeLength(t *testing.T) {
	_, err := RandomFloats(-1, 1)
	require.Error(t, err)

	_, err = RandomFloat(math.NaN())
	require.Error(t, err)
}
