package crypto

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"golang.org/x/crypto/chacha20"
)

// RandomFloats returns n values uniformly distributed in [-bound, bound).
//
// Values are drawn from a ChaCha20 keystream under a fresh key read from
// crypto/rand, so no generator state survives between calls. Each value uses
// the top 53 bits of a keystream word.
func RandomFloats(n int, bound float64) ([]float64, error) {
	if n < 0 {
		return nil, fmt.Errorf("negative length %d", n)
	}
	if !(bound > 0) || math.IsInf(bound, 0) {
		return nil, errors.New("mask bound must be positive and finite")
	}

	key := make([]byte, chacha20.KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("seed mask generator: %w", err)
	}
	defer clear(key)

	stream, err := chacha20.NewUnauthenticatedCipher(key, make([]byte, chacha20.NonceSize))
	if err != nil {
		return nil, err
	}

	keystream := make([]byte, 8*n)
	stream.XORKeyStream(keystream, keystream)
	defer clear(keystream)

	out := make([]float64, n)
	for i := range out {
		u := binary.LittleEndian.Uint64(keystream[i*8:]) >> 11
		unit := float64(u) / (1 << 53)
		out[i] = (2*unit - 1) * bound
	}
	return out, nil
}

// RandomFloat returns a single value in [-bound, bound).
func RandomFloat(bound float64) (float64, error) {
	vals, err := RandomFloats(1, bound)
	if err != nil {
		return 0, err
	}
	return vals[0], nil
}
