package crypto

import (
	"bytes"
	"crypto/ecdh"
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

func FuzzEncryptDecrypt(f *testing.F) {
	f.Add([]byte{})
	f.Add([]byte("hello"))
	f.Add([]byte(`{"weights":[0.1,0.2],"bias":0.3}`))
	f.Add(make([]byte, 1000))

	f.Fuzz(func(t *testing.T, plaintext []byte) {
		privKey, err := ecdh.P256().GenerateKey(rand.Reader)
		if err != nil {
			t.Fatalf("failed to generate key: %v", err)
		}

		pkg, err := EncryptFor(privKey.PublicKey(), plaintext)
		if err != nil {
			t.Fatalf("encryption failed: %v", err)
		}

		if len(pkg.WrappedKey) != wrappedKeySize {
			t.Errorf("wrapped key wrong size: got %d, want %d", len(pkg.WrappedKey), wrappedKeySize)
		}
		if len(pkg.Nonce) != NonceSize {
			t.Errorf("nonce wrong size: got %d, want %d", len(pkg.Nonce), NonceSize)
		}
		if len(pkg.Tag) != TagSize {
			t.Errorf("tag wrong size: got %d, want %d", len(pkg.Tag), TagSize)
		}
		if len(pkg.Ciphertext) != len(plaintext) {
			t.Errorf("ciphertext wrong size: got %d, want %d", len(pkg.Ciphertext), len(plaintext))
		}

		decrypted, err := DecryptWith(privKey, pkg)
		if err != nil {
			t.Fatalf("decryption failed: %v", err)
		}
		if !bytes.Equal(plaintext, decrypted) {
			t.Errorf("round trip failed: got %v, want %v", decrypted, plaintext)
		}

		wrongKey, _ := ecdh.P256().GenerateKey(rand.Reader)
		if _, err := DecryptWith(wrongKey, pkg); err != ErrAuthenticationTag {
			t.Errorf("decryption with wrong key: got %v, want %v", err, ErrAuthenticationTag)
		}

		parsed, err := ParseEncryptedPackage(pkg.Bytes())
		if err != nil {
			t.Fatalf("parse failed: %v", err)
		}
		if !bytes.Equal(parsed.Bytes(), pkg.Bytes()) {
			t.Error("canonical bytes do not round trip")
		}
	})
}

func FuzzParseEncryptedPackage(f *testing.F) {
	f.Add(make([]byte, 0))
	f.Add(make([]byte, 16))
	f.Add(make([]byte, 200))

	f.Fuzz(func(t *testing.T, data []byte) {
		pkg, err := ParseEncryptedPackage(data)
		if err != nil {
			return
		}
		if !bytes.Equal(pkg.Bytes(), data) {
			t.Error("parsed package does not re-serialize to input")
		}
	})
}

func TestDecryptRejectsBitFlips(t *testing.T) {
	privKey, err := GenerateExchangeKey()
	require.NoError(t, err)

	pkg, err := EncryptFor(privKey.PublicKey(), []byte("blinded contribution"))
	require.NoError(t, err)

	tamper := func(mutate func(*EncryptedPackage)) *EncryptedPackage {
		tampered := &EncryptedPackage{
			WrappedKey: bytes.Clone(pkg.WrappedKey),
			Nonce:      bytes.Clone(pkg.Nonce),
			Ciphertext: bytes.Clone(pkg.Ciphertext),
			Tag:        bytes.Clone(pkg.Tag),
		}
		mutate(tampered)
		return tampered
	}

	for name, tampered := range map[string]*EncryptedPackage{
		"ciphertext": tamper(func(p *EncryptedPackage) { p.Ciphertext[3] ^= 0x01 }),
		"tag":        tamper(func(p *EncryptedPackage) { p.Tag[TagSize-1] ^= 0x01 }),
		"nonce":      tamper(func(p *EncryptedPackage) { p.Nonce[0] ^= 0x01 }),
		"sealed key": tamper(func(p *EncryptedPackage) { p.WrappedKey[wrappedKeySize-1] ^= 0x01 }),
		"wrap nonce": tamper(func(p *EncryptedPackage) { p.WrappedKey[p256PointSize+1] ^= 0x01 }),
	} {
		t.Run(name, func(t *testing.T) {
			plaintext, err := DecryptWith(privKey, tampered)
			require.ErrorIs(t, err, ErrAuthenticationTag)
			require.Nil(t, plaintext)
		})
	}
}

func TestEncryptUsesFreshKeys(t *testing.T) {
	privKey, err := GenerateExchangeKey()
	require.NoError(t, err)

	a, err := EncryptFor(privKey.PublicKey(), []byte("same"))
	require.NoError(t, err)
	b, err := EncryptFor(privKey.PublicKey(), []byte("same"))
	require.NoError(t, err)

	require.NotEqual(t, a.WrappedKey, b.WrappedKey)
	require.NotEqual(t, a.Nonce, b.Nonce)
	require.NotEqual(t, a.Ciphertext, b.Ciphertext)
}

func TestDecryptMalformed(t *testing.T) {
	privKey, err := GenerateExchangeKey()
	require.NoError(t, err)

	_, err = DecryptWith(privKey, &EncryptedPackage{Nonce: make([]byte, NonceSize)})
	require.ErrorIs(t, err, ErrMalformedPackage)

	_, err = DecryptWith(privKey, nil)
	require.ErrorIs(t, err, ErrMalformedPackage)
}
