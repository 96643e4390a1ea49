package crypto

import (
	"encoding/json"
	"math"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDigestFloatsDeterministic(t *testing.T) {
	vals := []float64{0.25, -1.5, 3e-9}
	require.Equal(t, DigestFloats(vals...), DigestFloats(0.25, -1.5, 3e-9))
	require.NotEqual(t, DigestFloats(vals...), DigestFloats(-1.5, 0.25, 3e-9))

	// Signed zero has distinct bits.
	require.NotEqual(t, DigestFloats(0), DigestFloats(math.Copysign(0, -1)))
}

func TestDigestNamedFloatsOrderIndependent(t *testing.T) {
	a := map[string]float64{"lr": 0.01, "momentum": 0.9, "epochs": 5}
	b := map[string]float64{"epochs": 5, "momentum": 0.9, "lr": 0.01}
	require.Equal(t, DigestNamedFloats(a), DigestNamedFloats(b))

	b["lr"] = 0.011
	require.NotEqual(t, DigestNamedFloats(a), DigestNamedFloats(b))

	// Name boundaries are part of the digest.
	require.NotEqual(t,
		DigestNamedFloats(map[string]float64{"ab": 1, "c": 2}),
		DigestNamedFloats(map[string]float64{"a": 1, "bc": 2}))
}

func TestDigestTextEncoding(t *testing.T) {
	d := DigestBytes([]byte("package"))

	encoded, err := json.Marshal(map[string]Digest{"package": d})
	require.NoError(t, err)
	require.Contains(t, string(encoded), d.String())

	var decoded map[string]Digest
	require.NoError(t, json.Unmarshal(encoded, &decoded))
	require.True(t, decoded["package"].Equal(d))

	var bad Digest
	require.Error(t, bad.UnmarshalText([]byte("abcd")))
}
