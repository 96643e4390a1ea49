package common

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/flashbots/secagg/api/httpserver"
	"github.com/flashbots/secagg/blobstore"
	"github.com/flashbots/secagg/ledger"
	"github.com/flashbots/secagg/protocol"
	"github.com/flashbots/secagg/services"
)

// Config is the YAML configuration shared by every binary. Each binary
// reads the sections it needs.
type Config struct {
	// ServiceType is read by the unified binary only.
	ServiceType string `yaml:"service_type"`

	// ID names this party in the key directory and on the ledger.
	ID string `yaml:"id"`

	// APIKey guards operator endpoints and is sent on writes to the ledger
	// host.
	APIKey string `yaml:"api_key"`

	// PublicURL is the address peers reach this service at.
	PublicURL string `yaml:"public_url"`

	DirectoryURL      string        `yaml:"directory_url"`
	DiscoveryInterval time.Duration `yaml:"discovery_interval"`
	CoordinatorURL    string        `yaml:"coordinator_url"`

	Log       LogConfig                    `yaml:"log"`
	HTTP      *httpserver.HTTPServerConfig `yaml:"http"`
	Keys      KeysConfig                   `yaml:"keys"`
	Ledger    LedgerConfig                 `yaml:"ledger"`
	Blobs     BlobStoreConfig              `yaml:"blobs"`
	RateLimit services.RateLimitConfig     `yaml:"rate_limit"`
	Protocol  *protocol.AggregationConfig  `yaml:"protocol"`
}

// LogConfig selects the slog handler.
type LogConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// KeysConfig holds hex-encoded private keys. Empty keys are generated.
type KeysConfig struct {
	SigningKey  string `yaml:"signing_key"`
	ExchangeKey string `yaml:"exchange_key"`
}

// Ledger backends.
const (
	LedgerMemory   = "memory"
	LedgerPostgres = "postgres"
	LedgerHTTP     = "http"
)

// LedgerConfig selects and configures the ledger backend.
type LedgerConfig struct {
	Backend  string                 `yaml:"backend"`
	URL      string                 `yaml:"url"`
	Postgres *ledger.PostgresConfig `yaml:"postgres"`
	Retry    *ledger.RetryConfig    `yaml:"retry"`
}

// Blob store backends.
const (
	BlobsMemory = "memory"
	BlobsPebble = "pebble"
	BlobsIPFS   = "ipfs"
	BlobsHTTP   = "http"
)

// BlobStoreConfig selects and configures the blob store backend.
type BlobStoreConfig struct {
	Backend string                  `yaml:"backend"`
	URL     string                  `yaml:"url"`
	Pebble  *blobstore.PebbleConfig `yaml:"pebble"`
	IPFS    *blobstore.IPFSConfig   `yaml:"ipfs"`
}

// DefaultConfig returns a configuration for a single-host development
// setup with in-memory storage.
func DefaultConfig() *Config {
	return &Config{
		DiscoveryInterval: 30 * time.Second,
		Log:               LogConfig{Level: "info"},
		HTTP:              httpserver.DefaultHTTPServerConfig(),
		Ledger:            LedgerConfig{Backend: LedgerMemory, Retry: ledger.DefaultRetryConfig()},
		Blobs:             BlobStoreConfig{Backend: BlobsMemory},
		RateLimit:         services.DefaultRateLimitConfig(),
		Protocol:          protocol.DefaultAggregationConfig(),
	}
}

// LoadConfig reads a YAML file on top of DefaultConfig.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	return ParseConfig(data)
}

// ParseConfig decodes YAML on top of DefaultConfig.
func ParseConfig(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	return cfg, nil
}

// Validate checks the sections every service needs.
func (c *Config) Validate() error {
	if c.ID == "" {
		return errors.New("id is required")
	}
	if c.HTTP == nil || c.HTTP.ListenAddr == "" {
		return errors.New("http.listen_addr is required")
	}
	if c.Protocol == nil {
		return errors.New("protocol section is required")
	}
	if err := c.Protocol.Validate(); err != nil {
		return fmt.Errorf("protocol: %w", err)
	}
	if c.DirectoryURL != "" && c.PublicURL == "" {
		return errors.New("public_url is required when directory_url is set")
	}
	if c.DirectoryURL != "" && c.DiscoveryInterval <= 0 {
		return errors.New("discovery_interval must be positive")
	}
	return nil
}

// NewLogger builds the process logger and attaches it to the HTTP config.
func (c *Config) NewLogger() *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.ToUpper(c.Log.Level))); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler = slog.NewTextHandler(os.Stderr, opts)
	if c.Log.JSON {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	}
	log := slog.New(handler)
	if c.ID != "" {
		log = log.With("service", c.ID)
	}
	if c.HTTP != nil {
		c.HTTP.Log = log
	}
	slog.SetDefault(log)
	return log
}
