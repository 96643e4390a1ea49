// Package protocol implements secure masked aggregation: mutually
// distrusting participants contribute numeric payloads (model gradients) per
// round, and an aggregator learns only their sum.
//
// # Workflow
//
//  1. Masking: every participant draws a fresh one-time mask for the round
//     (MaskBook) and fetches the mask of its ring peer over an external
//     channel. Participants are arranged in a ring sorted by id; each
//     participant subtracts the mask of the next one, so all masks cancel in
//     the sum. With two participants this is the plain pairwise exchange.
//
//  2. Blinding: Blind computes raw + ownMask - peerMask. Masks of different
//     rounds are refused with a StaleMaskError.
//
//  3. Commitment and signing: Commit hashes the canonical bytes of the
//     blinded value per component. The blinded value is encrypted to the
//     aggregator (crypto.EncryptFor), a "package" commitment over the
//     encrypted bytes is added, and SignEnvelope signs the canonical CBOR
//     encoding of participant id, round, commitments and timestamp.
//
//  4. Submission: the Coordinator verifies the signature and the package
//     commitment, rejects replays of already recorded rounds, stores the
//     submission in the BlobStore and records its pointer on the Ledger.
//     Each (participant, round) moves through
//     Pending -> Submitted -> Verified -> Recorded, or ends Rejected.
//
//  5. Aggregation: the Aggregator waits until the round is complete or its
//     deadline passes, collects the contributions of registered participants,
//     decrypts them, recomputes every commitment, verifies every envelope and
//     sums. Any failure abandons the round and nothing is published.
//
//  6. Distribution: the (optionally normalized) sum is encrypted to each
//     participant permitted to receive it, stored, and its pointer recorded
//     on the Ledger.
//
// # External collaborators
//
// The Ledger, BlobStore, KeyProvider and MaskFetcher interfaces abstract the
// registry, the content-addressed store, key management and the peer mask
// channel. Implementations live in the ledger, blobstore and services
// packages.
package protocol
