package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/flashbots/secagg/protocol"
)

// ErrIntegrityRejected is returned by HTTPSubmitter when the coordinator
// rejected a submission as tampered or forged.
var ErrIntegrityRejected = errors.New("submission failed integrity check")

// RemoteError is a non-2xx response from another service.
type RemoteError struct {
	StatusCode int
	Message    string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote returned %d: %s", e.StatusCode, e.Message)
}

// Is maps the response back onto the protocol's sentinel errors.
func (e *RemoteError) Is(target error) bool {
	switch e.StatusCode {
	case http.StatusBadRequest:
		switch e.Message {
		case "integrity check failed":
			return target == ErrIntegrityRejected
		case "round replay":
			return target == protocol.ErrRoundReplay
		case "round abandoned":
			return target == protocol.ErrRoundAbandoned
		}
		return target == protocol.ErrMalformedSubmission
	case http.StatusForbidden:
		return target == protocol.ErrUnauthorized
	case http.StatusNotFound:
		return target == protocol.ErrMaskUnavailable && strings.Contains(e.Message, protocol.ErrMaskUnavailable.Error())
	case http.StatusTooManyRequests:
		return target == ErrRateLimited
	}
	return false
}

func (e *RemoteError) retryable() bool {
	return e.StatusCode >= 500 || e.StatusCode == http.StatusNotFound || e.StatusCode == http.StatusTooManyRequests
}

func readRemoteError(resp *http.Response) *RemoteError {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var er ErrorResponse
	msg := strings.TrimSpace(string(body))
	if json.Unmarshal(body, &er) == nil && er.Message != "" {
		msg = er.Message
	}
	return &RemoteError{StatusCode: resp.StatusCode, Message: msg}
}

// HTTPMaskFetcher fetches peer masks from participant services. A peer that
// has not drawn its mask yet answers 404; the fetch is retried until ctx
// expires.
type HTTPMaskFetcher struct {
	keys      protocol.KeyProvider
	endpoints *Endpoints
	client    *http.Client
	log       *slog.Logger

	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// NewHTTPMaskFetcher creates a fetcher that opens masks with keys.
func NewHTTPMaskFetcher(keys protocol.KeyProvider, endpoints *Endpoints, log *slog.Logger) *HTTPMaskFetcher {
	if log == nil {
		log = slog.Default()
	}
	return &HTTPMaskFetcher{
		keys:            keys,
		endpoints:       endpoints,
		client:          &http.Client{Timeout: 10 * time.Second},
		log:             log,
		InitialInterval: 100 * time.Millisecond,
		MaxInterval:     2 * time.Second,
	}
}

// FetchMask implements protocol.MaskFetcher.
func (f *HTTPMaskFetcher) FetchMask(ctx context.Context, peerID string, round uint64) (*protocol.Mask, error) {
	base, err := f.endpoints.Endpoint(peerID)
	if err != nil {
		return nil, err
	}
	url := fmt.Sprintf("%s/mask/%d?peer=%s", base, round, f.keys.ID())

	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = f.InitialInterval
	exp.MaxInterval = f.MaxInterval

	resp, err := backoff.Retry(ctx, func() (*protocol.MaskResponse, error) {
		return f.fetchOnce(ctx, url)
	}, backoff.WithBackOff(exp))
	if err != nil {
		return nil, err
	}

	if resp.Round != round || resp.Mask == nil {
		return nil, &protocol.StaleMaskError{OwnRound: round, PeerRound: resp.Round}
	}
	mask, err := protocol.OpenMask(f.keys, resp.Mask)
	if err != nil {
		return nil, err
	}
	if mask.Round != round {
		return nil, &protocol.StaleMaskError{OwnRound: round, PeerRound: mask.Round}
	}
	return mask, nil
}

func (f *HTTPMaskFetcher) fetchOnce(ctx context.Context, url string) (*protocol.MaskResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, backoff.Permanent(err)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, backoff.Permanent(ctx.Err())
		}
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		rerr := readRemoteError(resp)
		if !rerr.retryable() {
			return nil, backoff.Permanent(rerr)
		}
		f.log.Debug("mask not ready", "url", url, "status", resp.StatusCode)
		return nil, rerr
	}
	return protocol.DecodeMessage[protocol.MaskResponse](resp.Body)
}

// HTTPSubmitter delivers submissions to a coordinator service.
type HTTPSubmitter struct {
	baseURL string
	client  *http.Client
}

// NewHTTPSubmitter creates a submitter for the coordinator at baseURL.
func NewHTTPSubmitter(baseURL string) *HTTPSubmitter {
	return &HTTPSubmitter{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		client:  &http.Client{Timeout: 30 * time.Second},
	}
}

// Submit implements protocol.Submitter. Submissions are not retried: a
// resent submission that was already recorded comes back as a replay.
func (s *HTTPSubmitter) Submit(ctx context.Context, sub *protocol.Submission) (*protocol.Receipt, error) {
	body, err := protocol.SerializeMessage(sub)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/upload", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("submit: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, readRemoteError(resp)
	}
	sr, err := protocol.DecodeMessage[protocol.SubmitResponse](resp.Body)
	if err != nil {
		return nil, err
	}
	return &protocol.Receipt{
		ParticipantID: sub.ParticipantID,
		Round:         sub.Round,
		Pointer:       sr.ContentPointer,
		TxID:          sr.LedgerTx,
	}, nil
}

// HTTPAbandoner tells a coordinator service to stop accepting submissions
// for a round.
type HTTPAbandoner struct {
	baseURL  string
	apiKey   string
	client   *http.Client
	maxTries uint
}

// NewHTTPAbandoner creates an abandoner for the coordinator at baseURL.
func NewHTTPAbandoner(baseURL, apiKey string) *HTTPAbandoner {
	return &HTTPAbandoner{
		baseURL:  strings.TrimSuffix(baseURL, "/"),
		apiKey:   apiKey,
		client:   &http.Client{Timeout: 10 * time.Second},
		maxTries: 5,
	}
}

// Abandon implements protocol.RoundAbandoner.
func (a *HTTPAbandoner) Abandon(ctx context.Context, round uint64) error {
	url := fmt.Sprintf("%s/rounds/%d/abandon", a.baseURL, round)
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
		if err != nil {
			return struct{}{}, backoff.Permanent(err)
		}
		if a.apiKey != "" {
			req.Header.Set(APIKeyHeader, a.apiKey)
		}
		resp, err := a.client.Do(req)
		if err != nil {
			return struct{}{}, err
		}
		defer resp.Body.Close()
		if resp.StatusCode == http.StatusOK {
			return struct{}{}, nil
		}
		rerr := readRemoteError(resp)
		if resp.StatusCode < 500 {
			return struct{}{}, backoff.Permanent(rerr)
		}
		return struct{}{}, rerr
	}, backoff.WithBackOff(backoff.NewExponentialBackOff()), backoff.WithMaxTries(a.maxTries))
	return err
}
