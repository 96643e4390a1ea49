package blobstore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/flashbots/secagg/protocol"
)

const ipfsPrefix = "ipfs://"

// IPFSConfig points at a kubo node.
type IPFSConfig struct {
	// APIURL is the kubo RPC endpoint, e.g. http://127.0.0.1:5001.
	APIURL string `yaml:"api_url"`
	// GatewayURL serves /ipfs/{cid}, e.g. http://127.0.0.1:8080.
	GatewayURL string        `yaml:"gateway_url"`
	Timeout    time.Duration `yaml:"timeout"`
	MaxTries   uint          `yaml:"max_tries"`
}

// IPFSStore stores blobs on IPFS through the kubo RPC API and reads them
// back through a gateway.
type IPFSStore struct {
	api      string
	gateway  string
	client   *http.Client
	maxTries uint
}

// NewIPFSStore creates a store for the node described by cfg.
func NewIPFSStore(cfg *IPFSConfig) *IPFSStore {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	tries := cfg.MaxTries
	if tries == 0 {
		tries = 3
	}
	return &IPFSStore{
		api:      strings.TrimRight(cfg.APIURL, "/"),
		gateway:  strings.TrimRight(cfg.GatewayURL, "/"),
		client:   &http.Client{Timeout: timeout},
		maxTries: tries,
	}
}

type addResponse struct {
	Name string `json:"Name"`
	Hash string `json:"Hash"`
	Size string `json:"Size"`
}

func (s *IPFSStore) Put(ctx context.Context, data []byte) (protocol.Pointer, error) {
	cid, err := s.add(ctx, data, false)
	if err != nil {
		return "", err
	}
	return protocol.Pointer(ipfsPrefix + cid), nil
}

// Get fetches the blob from the gateway and checks that its bytes hash to
// the requested CID.
func (s *IPFSStore) Get(ctx context.Context, p protocol.Pointer) ([]byte, error) {
	cid, ok := strings.CutPrefix(string(p), ipfsPrefix)
	if !ok || cid == "" {
		return nil, fmt.Errorf("%w: %s", protocol.ErrBlobNotFound, p)
	}

	data, err := s.retry(ctx, func() ([]byte, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.gateway+"/ipfs/"+url.PathEscape(cid), nil)
		if err != nil {
			return nil, backoff.Permanent(err)
		}
		return s.send(req)
	})
	if err != nil {
		return nil, err
	}

	check, err := s.add(ctx, data, true)
	if err != nil {
		return nil, fmt.Errorf("hashing fetched blob: %w", err)
	}
	if check != cid {
		return nil, fmt.Errorf("%w: %s", ErrCorrupted, p)
	}
	return data, nil
}

func (s *IPFSStore) add(ctx context.Context, data []byte, onlyHash bool) (string, error) {
	q := url.Values{}
	q.Set("cid-version", "1")
	q.Set("pin", "true")
	if onlyHash {
		q.Set("only-hash", "true")
		q.Set("pin", "false")
	}

	body, err := s.retry(ctx, func() ([]byte, error) {
		var buf bytes.Buffer
		mw := multipart.NewWriter(&buf)
		fw, err := mw.CreateFormFile("file", "blob")
		if err != nil {
			return nil, backoff.Permanent(err)
		}
		fw.Write(data)
		mw.Close()

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.api+"/api/v0/add?"+q.Encode(), &buf)
		if err != nil {
			return nil, backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", mw.FormDataContentType())
		return s.send(req)
	})
	if err != nil {
		return "", err
	}

	var resp addResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("decoding add response: %w", err)
	}
	if resp.Hash == "" {
		return "", errors.New("ipfs add returned no hash")
	}
	return resp.Hash, nil
}

// send performs req. 404 maps to ErrBlobNotFound and other 4xx responses are
// permanent; transport errors and 5xx are retried.
func (s *IPFSStore) send(req *http.Request) ([]byte, error) {
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, backoff.Permanent(fmt.Errorf("%w: %s", protocol.ErrBlobNotFound, req.URL.Path))
	case resp.StatusCode >= 500:
		return nil, fmt.Errorf("ipfs %s: status %d", req.URL.Path, resp.StatusCode)
	case resp.StatusCode >= 300:
		return nil, backoff.Permanent(fmt.Errorf("ipfs %s: status %d: %s", req.URL.Path, resp.StatusCode, strings.TrimSpace(string(body))))
	}
	return body, nil
}

func (s *IPFSStore) retry(ctx context.Context, op func() ([]byte, error)) ([]byte, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	return backoff.Retry(ctx, op, backoff.WithBackOff(b), backoff.WithMaxTries(s.maxTries))
}
