package common

import (
	"fmt"
	"io"
	"log/slog"

	"github.com/flashbots/secagg/blobstore"
	"github.com/flashbots/secagg/ledger"
	"github.com/flashbots/secagg/protocol"
)

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// NewLedger opens the configured ledger. Remote backends are wrapped in
// ledger.Retrying. The returned closer releases the backend.
func NewLedger(cfg LedgerConfig, apiKey string, log *slog.Logger) (protocol.Ledger, io.Closer, error) {
	switch cfg.Backend {
	case "", LedgerMemory:
		return ledger.NewMemoryLedger(), nopCloser{}, nil
	case LedgerPostgres:
		if cfg.Postgres == nil {
			return nil, nil, fmt.Errorf("ledger.postgres is required for the %s backend", LedgerPostgres)
		}
		pg, err := ledger.NewPostgresLedger(cfg.Postgres)
		if err != nil {
			return nil, nil, err
		}
		return ledger.NewRetrying(pg, cfg.Retry, log), pg, nil
	case LedgerHTTP:
		if cfg.URL == "" {
			return nil, nil, fmt.Errorf("ledger.url is required for the %s backend", LedgerHTTP)
		}
		client := ledger.NewHTTPLedger(cfg.URL, nil).WithAPIKey(apiKey)
		return ledger.NewRetrying(client, cfg.Retry, log), nopCloser{}, nil
	default:
		return nil, nil, fmt.Errorf("unknown ledger backend %q", cfg.Backend)
	}
}

// NewBlobStore opens the configured blob store. The returned closer
// releases the backend.
func NewBlobStore(cfg BlobStoreConfig, apiKey string) (protocol.BlobStore, io.Closer, error) {
	switch cfg.Backend {
	case "", BlobsMemory:
		return blobstore.NewMemoryStore(), nopCloser{}, nil
	case BlobsPebble:
		if cfg.Pebble == nil || cfg.Pebble.Path == "" {
			return nil, nil, fmt.Errorf("blobs.pebble.path is required for the %s backend", BlobsPebble)
		}
		store, err := blobstore.NewPebbleStore(cfg.Pebble)
		if err != nil {
			return nil, nil, err
		}
		return store, store, nil
	case BlobsIPFS:
		if cfg.IPFS == nil || cfg.IPFS.APIURL == "" {
			return nil, nil, fmt.Errorf("blobs.ipfs.api_url is required for the %s backend", BlobsIPFS)
		}
		return blobstore.NewIPFSStore(cfg.IPFS), nopCloser{}, nil
	case BlobsHTTP:
		if cfg.URL == "" {
			return nil, nil, fmt.Errorf("blobs.url is required for the %s backend", BlobsHTTP)
		}
		return blobstore.NewHTTPStore(cfg.URL, apiKey), nopCloser{}, nil
	default:
		return nil, nil, fmt.Errorf("unknown blob store backend %q", cfg.Backend)
	}
}
