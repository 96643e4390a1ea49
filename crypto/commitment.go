package crypto

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math"
	"slices"
)

// Digest is a SHA-256 content hash.
type Digest [sha256.Size]byte

// String returns the hex encoding of the digest.
func (d Digest) String() string {
	return hex.EncodeToString(d[:])
}

// Equal compares two digests in constant time.
func (d Digest) Equal(other Digest) bool {
	return subtle.ConstantTimeCompare(d[:], other[:]) == 1
}

// MarshalText encodes the digest as hex so it reads naturally in JSON maps.
func (d Digest) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// UnmarshalText decodes a hex digest.
func (d *Digest) UnmarshalText(text []byte) error {
	raw, err := hex.DecodeString(string(text))
	if err != nil {
		return err
	}
	if len(raw) != len(d) {
		return fmt.Errorf("invalid digest length %d", len(raw))
	}
	copy(d[:], raw)
	return nil
}

// DigestBytes hashes arbitrary bytes.
func DigestBytes(data []byte) Digest {
	return sha256.Sum256(data)
}

// DigestFloats hashes float64 values in order as little-endian IEEE-754 bits.
func DigestFloats(values ...float64) Digest {
	h := sha256.New()
	buf := make([]byte, 8)
	for _, v := range values {
		binary.LittleEndian.PutUint64(buf, math.Float64bits(v))
		h.Write(buf)
	}
	var d Digest
	h.Sum(d[:0])
	return d
}

// DigestNamedFloats hashes a name → value map in sorted name order. Each
// entry is the name's uint32 length, the name, then the value's bits.
func DigestNamedFloats(values map[string]float64) Digest {
	names := make([]string, 0, len(values))
	for name := range values {
		names = append(names, name)
	}
	slices.Sort(names)

	h := sha256.New()
	buf := make([]byte, 8)
	for _, name := range names {
		binary.BigEndian.PutUint32(buf[:4], uint32(len(name)))
		h.Write(buf[:4])
		h.Write([]byte(name))
		binary.LittleEndian.PutUint64(buf, math.Float64bits(values[name]))
		h.Write(buf)
	}
	var d Digest
	h.Sum(d[:0])
	return d
}
