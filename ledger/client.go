package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/flashbots/secagg/protocol"
)

// ErrUnavailable marks failures worth retrying: transport errors and 5xx
// responses.
var ErrUnavailable = errors.New("ledger unavailable")

// APIKeyHeader carries the operator key on guarded routes.
const APIKeyHeader = "API-Key"

// HTTPLedger is a protocol.Ledger client for the API served by Handler.
type HTTPLedger struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewHTTPLedger creates a client for the ledger service at baseURL.
func NewHTTPLedger(baseURL string, client *http.Client) *HTTPLedger {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &HTTPLedger{baseURL: strings.TrimRight(baseURL, "/"), client: client}
}

// WithAPIKey sends key on every request.
func (l *HTTPLedger) WithAPIKey(key string) *HTTPLedger {
	l.apiKey = key
	return l
}

func (l *HTTPLedger) RegisterParticipant(ctx context.Context, id, name string) error {
	return l.do(ctx, http.MethodPost, "/participants", &RegisterRequest{ID: id, Name: name}, nil)
}

func (l *HTTPLedger) GetParticipant(ctx context.Context, id string) (*protocol.ParticipantRecord, error) {
	var p protocol.ParticipantRecord
	if err := l.do(ctx, http.MethodGet, "/participants/"+url.PathEscape(id), nil, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

func (l *HTTPLedger) ListParticipants(ctx context.Context) ([]*protocol.ParticipantRecord, error) {
	var out []*protocol.ParticipantRecord
	if err := l.do(ctx, http.MethodGet, "/participants", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (l *HTTPLedger) SetPermission(ctx context.Context, id string, permitted bool) error {
	return l.do(ctx, http.MethodPut, "/participants/"+url.PathEscape(id)+"/permission", &PermissionRequest{Permitted: permitted}, nil)
}

func (l *HTTPLedger) RecordContribution(ctx context.Context, id string, round uint64, pointer protocol.Pointer) (string, error) {
	var resp RecordResponse
	err := l.do(ctx, http.MethodPost, "/contributions", &RecordRequest{ParticipantID: id, Round: round, Pointer: pointer}, &resp)
	return resp.TxID, err
}

func (l *HTTPLedger) GetContribution(ctx context.Context, id string, round uint64) (*protocol.ContributionRecord, error) {
	var c protocol.ContributionRecord
	if err := l.do(ctx, http.MethodGet, fmt.Sprintf("/contributions/%d/%s", round, url.PathEscape(id)), nil, &c); err != nil {
		return nil, err
	}
	return &c, nil
}

func (l *HTTPLedger) GetRoundSubmissionCount(ctx context.Context, round uint64) (int, error) {
	var resp CountResponse
	err := l.do(ctx, http.MethodGet, fmt.Sprintf("/rounds/%d/count", round), nil, &resp)
	return resp.Count, err
}

func (l *HTTPLedger) RecordGlobalResult(ctx context.Context, id string, round uint64, pointer protocol.Pointer) (string, error) {
	var resp RecordResponse
	err := l.do(ctx, http.MethodPost, "/results", &RecordRequest{ParticipantID: id, Round: round, Pointer: pointer}, &resp)
	return resp.TxID, err
}

func (l *HTTPLedger) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, l.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if l.apiKey != "" {
		req.Header.Set(APIKeyHeader, l.apiKey)
	}

	resp, err := l.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return err
		}
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return statusError(resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func statusError(code int, msg string) error {
	switch {
	case code == http.StatusNotFound && strings.Contains(msg, protocol.ErrContributionNotFound.Error()):
		return fmt.Errorf("%w: %s", protocol.ErrContributionNotFound, msg)
	case code == http.StatusNotFound:
		return fmt.Errorf("%w: %s", protocol.ErrParticipantNotFound, msg)
	case code == http.StatusConflict:
		return fmt.Errorf("%w: %s", protocol.ErrAlreadyRecorded, msg)
	case code == http.StatusBadRequest && strings.Contains(msg, ErrEmptyID.Error()):
		return fmt.Errorf("%w: %s", ErrEmptyID, msg)
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return fmt.Errorf("%w: %s", protocol.ErrUnauthorized, msg)
	case code >= 500:
		return fmt.Errorf("%w: status %d: %s", ErrUnavailable, code, msg)
	}
	return fmt.Errorf("ledger request failed (%d): %s", code, msg)
}
