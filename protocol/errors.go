package protocol

import (
	"errors"
	"fmt"
	"strings"

	"github.com/flashbots/secagg/crypto"
)

var (
	ErrStaleMask          = errors.New("stale mask")
	ErrCommitmentMismatch = errors.New("commitment mismatch")
	ErrSignatureInvalid   = errors.New("signature invalid")
	ErrAuthenticationTag  = crypto.ErrAuthenticationTag
	ErrRoundReplay        = errors.New("round replay")
	ErrIncompleteRound    = errors.New("incomplete round")

	ErrUnauthorized        = errors.New("participant not authorized")
	ErrNotPermitted        = errors.New("participant not permitted to global result")
	ErrRoundAbandoned      = errors.New("round abandoned")
	ErrShapeMismatch       = errors.New("shape mismatch")
	ErrMaskUnavailable     = errors.New("mask not available for round")
	ErrMalformedSubmission = errors.New("malformed submission")
	ErrInvalidPayload      = errors.New("invalid payload")
	ErrRateLimited         = errors.New("rate limit exceeded")
)

// StaleMaskError is returned when the peer mask belongs to a different round
// than the local mask. The caller may refetch.
type StaleMaskError struct {
	OwnRound  uint64
	PeerRound uint64
}

func (e *StaleMaskError) Error() string {
	return fmt.Sprintf("stale mask: own round %d, peer round %d", e.OwnRound, e.PeerRound)
}

func (e *StaleMaskError) Is(target error) bool { return target == ErrStaleMask }

// CommitmentMismatchError reports a recomputed digest that differs from the
// signed one. Component is empty when nothing could be compared.
type CommitmentMismatchError struct {
	ParticipantID string
	Round         uint64
	Component     string
}

func (e *CommitmentMismatchError) Error() string {
	if e.Component == "" {
		return fmt.Sprintf("commitment mismatch: %s round %d: no commitments to compare", e.ParticipantID, e.Round)
	}
	return fmt.Sprintf("commitment mismatch: %s round %d component %q", e.ParticipantID, e.Round, e.Component)
}

func (e *CommitmentMismatchError) Is(target error) bool { return target == ErrCommitmentMismatch }

// SignatureInvalidError reports an envelope whose signature does not verify
// under the claimed participant's key.
type SignatureInvalidError struct {
	ParticipantID string
	Round         uint64
}

func (e *SignatureInvalidError) Error() string {
	return fmt.Sprintf("signature invalid: %s round %d", e.ParticipantID, e.Round)
}

func (e *SignatureInvalidError) Is(target error) bool { return target == ErrSignatureInvalid }

// AuthenticationTagError reports a package that failed AEAD authentication.
type AuthenticationTagError struct {
	ParticipantID string
	Round         uint64
}

func (e *AuthenticationTagError) Error() string {
	return fmt.Sprintf("authentication tag mismatch: %s round %d", e.ParticipantID, e.Round)
}

func (e *AuthenticationTagError) Unwrap() error { return crypto.ErrAuthenticationTag }

// RoundReplayError is returned for a submission whose round is not after the
// participant's last recorded round. No state is changed.
type RoundReplayError struct {
	ParticipantID string
	Round         uint64
	LastRecorded  uint64
}

func (e *RoundReplayError) Error() string {
	return fmt.Sprintf("round replay: %s submitted round %d, last recorded %d", e.ParticipantID, e.Round, e.LastRecorded)
}

func (e *RoundReplayError) Is(target error) bool { return target == ErrRoundReplay }

// IncompleteRoundError is returned when a round cannot be aggregated because
// contributions are missing. The round is abandoned and nothing is published.
type IncompleteRoundError struct {
	Round    uint64
	Expected int
	Received int
	Missing  []string
}

func (e *IncompleteRoundError) Error() string {
	msg := fmt.Sprintf("incomplete round %d: received %d of %d", e.Round, e.Received, e.Expected)
	if len(e.Missing) > 0 {
		msg += " (missing " + strings.Join(e.Missing, ", ") + ")"
	}
	return msg
}

func (e *IncompleteRoundError) Is(target error) bool { return target == ErrIncompleteRound }

// IsIntegrityFailure reports whether err indicates tampering or forgery.
// Integrity failures are never retried.
func IsIntegrityFailure(err error) bool {
	return errors.Is(err, ErrCommitmentMismatch) ||
		errors.Is(err, ErrSignatureInvalid) ||
		errors.Is(err, ErrAuthenticationTag)
}
