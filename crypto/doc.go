// Package crypto provides the cryptographic primitives of the secure
// aggregation protocol:
//
//   - Ed25519 signing keys and signatures for contribution envelopes
//   - P-256 exchange keys and hybrid encryption (EncryptFor, DecryptWith)
//     with a fresh AES-256-GCM data key per package
//   - SHA-256 commitments over canonical float encodings
//   - One-time mask generation from a ChaCha20 keystream
//
// Higher-level protocol logic (blinding, envelopes, rounds) lives in the
// protocol package.
//
// # Hybrid Encryption
//
// The data key is wrapped with an ephemeral ECDH agreement against the
// recipient's exchange key. The key-encryption key is derived with HKDF-SHA256
// salted with the ephemeral public key. Every open failure is reported as
// ErrAuthenticationTag; nothing partially decrypted is ever returned.
//
// # Commitments
//
// Floats are hashed by their little-endian IEEE-754 bit patterns, so the
// digest is stable across platforms and serialization formats. Named values
// are hashed in sorted name order.
package crypto
