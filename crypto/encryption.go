package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdh"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

const (
	// DataKeySize is the size of the per-package AES-256 key.
	DataKeySize = 32
	// NonceSize is the AES-GCM nonce size.
	NonceSize = 12
	// TagSize is the AES-GCM authentication tag size.
	TagSize = 16

	p256PointSize  = 65
	wrappedKeySize = p256PointSize + NonceSize + DataKeySize + TagSize

	keyWrapInfo = "secagg-key-wrap-v1"
)

var (
	// ErrAuthenticationTag is returned whenever an AEAD open fails, for the
	// wrapped key or for the payload. Callers must treat it as tampering.
	ErrAuthenticationTag = errors.New("authentication tag mismatch")

	// ErrMalformedPackage is returned for packages with invalid field sizes.
	ErrMalformedPackage = errors.New("malformed encrypted package")
)

// EncryptedPackage is a hybrid-encrypted payload. The data key is wrapped to
// the recipient's P-256 exchange key:
//
//	WrappedKey = ephemeral pubkey (65) || wrap nonce (12) || sealed data key (48)
//
// The payload is sealed with AES-256-GCM under the data key with WrappedKey as
// associated data, and the trailing tag is stored separately.
type EncryptedPackage struct {
	WrappedKey []byte `json:"wrapped_key"`
	Nonce      []byte `json:"nonce"`
	Ciphertext []byte `json:"ciphertext"`
	Tag        []byte `json:"tag"`
}

// EncryptFor encrypts plaintext to the recipient. A fresh data key and nonce
// are drawn on every call.
func EncryptFor(recipient *ecdh.PublicKey, plaintext []byte) (*EncryptedPackage, error) {
	if recipient == nil {
		return nil, errors.New("nil recipient key")
	}

	dataKey := make([]byte, DataKeySize)
	if _, err := rand.Read(dataKey); err != nil {
		return nil, fmt.Errorf("generate data key: %w", err)
	}
	defer clear(dataKey)

	wrapped, err := wrapKey(recipient, dataKey)
	if err != nil {
		return nil, err
	}

	gcm, err := newGCM(dataKey)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}

	sealed := gcm.Seal(nil, nonce, plaintext, wrapped)
	split := len(sealed) - TagSize

	return &EncryptedPackage{
		WrappedKey: wrapped,
		Nonce:      nonce,
		Ciphertext: sealed[:split],
		Tag:        sealed[split:],
	}, nil
}

// DecryptWith recovers the plaintext of pkg using the recipient's private key.
// Any authentication failure yields ErrAuthenticationTag and no plaintext.
func DecryptWith(recipient *ecdh.PrivateKey, pkg *EncryptedPackage) ([]byte, error) {
	if recipient == nil {
		return nil, errors.New("nil recipient key")
	}
	if err := pkg.validate(); err != nil {
		return nil, err
	}

	dataKey, err := unwrapKey(recipient, pkg.WrappedKey)
	if err != nil {
		return nil, err
	}
	defer clear(dataKey)

	gcm, err := newGCM(dataKey)
	if err != nil {
		return nil, err
	}

	sealed := make([]byte, 0, len(pkg.Ciphertext)+TagSize)
	sealed = append(sealed, pkg.Ciphertext...)
	sealed = append(sealed, pkg.Tag...)

	plaintext, err := gcm.Open(nil, pkg.Nonce, sealed, pkg.WrappedKey)
	if err != nil {
		return nil, ErrAuthenticationTag
	}

	return plaintext, nil
}

func (p *EncryptedPackage) validate() error {
	if p == nil {
		return ErrMalformedPackage
	}
	if len(p.WrappedKey) != wrappedKeySize || len(p.Nonce) != NonceSize || len(p.Tag) != TagSize {
		return ErrMalformedPackage
	}
	return nil
}

func wrapKey(recipient *ecdh.PublicKey, dataKey []byte) ([]byte, error) {
	ephemeralPriv, err := ecdh.P256().GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate ephemeral key: %w", err)
	}

	sharedSecret, err := ephemeralPriv.ECDH(recipient)
	if err != nil {
		return nil, fmt.Errorf("ECDH: %w", err)
	}

	ephemeralPub := ephemeralPriv.PublicKey().Bytes()
	kek, err := deriveKEK(sharedSecret, ephemeralPub)
	if err != nil {
		return nil, err
	}
	defer clear(kek)

	gcm, err := newGCM(kek)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}

	wrapped := make([]byte, 0, wrappedKeySize)
	wrapped = append(wrapped, ephemeralPub...)
	wrapped = append(wrapped, nonce...)
	return gcm.Seal(wrapped, nonce, dataKey, ephemeralPub), nil
}

func unwrapKey(recipient *ecdh.PrivateKey, wrapped []byte) ([]byte, error) {
	ephemeralPubBytes := wrapped[:p256PointSize]
	nonce := wrapped[p256PointSize : p256PointSize+NonceSize]
	sealedKey := wrapped[p256PointSize+NonceSize:]

	ephemeralPub, err := ecdh.P256().NewPublicKey(ephemeralPubBytes)
	if err != nil {
		return nil, ErrMalformedPackage
	}

	sharedSecret, err := recipient.ECDH(ephemeralPub)
	if err != nil {
		return nil, fmt.Errorf("ECDH: %w", err)
	}

	kek, err := deriveKEK(sharedSecret, ephemeralPubBytes)
	if err != nil {
		return nil, err
	}
	defer clear(kek)

	gcm, err := newGCM(kek)
	if err != nil {
		return nil, err
	}

	dataKey, err := gcm.Open(nil, nonce, sealedKey, ephemeralPubBytes)
	if err != nil {
		return nil, ErrAuthenticationTag
	}
	return dataKey, nil
}

func deriveKEK(sharedSecret, salt []byte) ([]byte, error) {
	kek := make([]byte, DataKeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, sharedSecret, salt, []byte(keyWrapInfo)), kek); err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}
	return kek, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}
	return gcm, nil
}

// Bytes returns the canonical serialization of the package: each field is
// prefixed with its big-endian uint32 length, in declaration order.
func (p *EncryptedPackage) Bytes() []byte {
	fields := [][]byte{p.WrappedKey, p.Nonce, p.Ciphertext, p.Tag}
	size := 0
	for _, f := range fields {
		size += 4 + len(f)
	}

	result := make([]byte, 0, size)
	for _, f := range fields {
		result = binary.BigEndian.AppendUint32(result, uint32(len(f)))
		result = append(result, f...)
	}
	return result
}

// ParseEncryptedPackage is the inverse of Bytes.
func ParseEncryptedPackage(data []byte) (*EncryptedPackage, error) {
	fields := make([][]byte, 4)
	for i := range fields {
		if len(data) < 4 {
			return nil, ErrMalformedPackage
		}
		n := binary.BigEndian.Uint32(data[:4])
		data = data[4:]
		if uint64(len(data)) < uint64(n) {
			return nil, ErrMalformedPackage
		}
		fields[i] = data[:n:n]
		data = data[n:]
	}
	if len(data) != 0 {
		return nil, ErrMalformedPackage
	}

	pkg := &EncryptedPackage{
		WrappedKey: fields[0],
		Nonce:      fields[1],
		Ciphertext: fields[2],
		Tag:        fields[3],
	}
	if err := pkg.validate(); err != nil {
		return nil, err
	}
	return pkg, nil
}
