package services

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/flashbots/secagg/ledger"
	"github.com/flashbots/secagg/protocol"
)

// ErrRateLimited is returned when a participant submits too often.
var ErrRateLimited = protocol.ErrRateLimited

// statusFor maps protocol errors to HTTP statuses and client-facing
// messages. Integrity failures get one generic message so responses do not
// reveal which check failed.
func statusFor(err error) (int, string) {
	switch {
	case protocol.IsIntegrityFailure(err), errors.Is(err, ErrIntegrityRejected):
		return http.StatusBadRequest, "integrity check failed"
	case errors.Is(err, protocol.ErrRoundReplay):
		return http.StatusBadRequest, "round replay"
	case errors.Is(err, protocol.ErrRoundAbandoned):
		return http.StatusBadRequest, "round abandoned"
	case errors.Is(err, protocol.ErrMalformedSubmission),
		errors.Is(err, protocol.ErrInvalidPayload),
		errors.Is(err, protocol.ErrShapeMismatch),
		errors.Is(err, protocol.ErrStaleMask):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, protocol.ErrUnauthorized):
		return http.StatusForbidden, "unauthorized"
	case errors.Is(err, protocol.ErrNotPermitted):
		return http.StatusForbidden, "not permitted"
	case errors.Is(err, protocol.ErrIncompleteRound):
		return http.StatusConflict, err.Error()
	case errors.Is(err, protocol.ErrMaskUnavailable),
		errors.Is(err, protocol.ErrParticipantNotFound),
		errors.Is(err, protocol.ErrContributionNotFound),
		errors.Is(err, protocol.ErrBlobNotFound),
		errors.Is(err, ErrResultUnavailable):
		return http.StatusNotFound, err.Error()
	case errors.Is(err, ErrRateLimited):
		return http.StatusTooManyRequests, err.Error()
	case errors.Is(err, ledger.ErrUnavailable):
		return http.StatusInternalServerError, "ledger unavailable"
	default:
		return http.StatusInternalServerError, "internal error"
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	code, msg := statusFor(err)
	writeJSON(w, code, &ErrorResponse{Status: protocol.StatusError, Message: msg})
}

func roundParam(r *http.Request) (uint64, error) {
	round, err := strconv.ParseUint(chi.URLParam(r, "round"), 10, 64)
	if err != nil || round == 0 {
		return 0, errors.Join(protocol.ErrMalformedSubmission, errors.New("invalid round"))
	}
	return round, nil
}
