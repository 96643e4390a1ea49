package common

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/flashbots/secagg/api/httpserver"
	vars "github.com/flashbots/secagg/common"
	"github.com/flashbots/secagg/metrics"
	"github.com/flashbots/secagg/protocol"
	"github.com/flashbots/secagg/services"
)

// Runtime bundles what every protocol service opens at startup.
type Runtime struct {
	Config    *Config
	Log       *slog.Logger
	Keys      *protocol.StaticKeyProvider
	Ledger    protocol.Ledger
	Blobs     protocol.BlobStore
	Metrics   *metrics.MetricsServer
	Endpoints *services.Endpoints

	closers []io.Closer
}

// Open validates cfg and opens keys, ledger, blob store and metrics.
func Open(cfg *Config) (*Runtime, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration: %w", err)
	}
	log := cfg.NewLogger()

	rt := &Runtime{Config: cfg, Log: log, Endpoints: services.NewEndpoints(nil)}
	var err error
	if rt.Keys, err = NewKeyProvider(cfg.ID, cfg.Keys, log); err != nil {
		return nil, err
	}
	if rt.Metrics, err = metrics.New(vars.PackageName, cfg.HTTP.MetricsAddr); err != nil {
		return nil, err
	}

	var closer io.Closer
	if rt.Ledger, closer, err = NewLedger(cfg.Ledger, cfg.APIKey, log); err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	rt.closers = append(rt.closers, closer)
	if rt.Blobs, closer, err = NewBlobStore(cfg.Blobs, cfg.APIKey); err != nil {
		rt.Close()
		return nil, fmt.Errorf("open blob store: %w", err)
	}
	rt.closers = append(rt.closers, closer)
	return rt, nil
}

// Announce registers the service in the directory and keeps the key
// directory and endpoints in sync until ctx is done. Without a directory
// nothing happens.
func (rt *Runtime) Announce(ctx context.Context, role services.Role) error {
	cfg := rt.Config
	if cfg.DirectoryURL == "" {
		rt.Log.Warn("no directory configured, peers are unknown")
		return nil
	}
	reg, err := services.NewRegistration(rt.Keys.SigningKey(), rt.Keys.ExchangeKey().PublicKey(), rt.Keys.ID(), role, cfg.PublicURL)
	if err != nil {
		return err
	}
	client := services.NewDirectoryClient(cfg.DirectoryURL, cfg.APIKey, rt.Log)
	if err := client.Register(ctx, reg); err != nil {
		return fmt.Errorf("register with directory: %w", err)
	}
	rt.Log.Info("registered with directory", "role", role, "endpoint", cfg.PublicURL)

	go client.RunDiscoveryLoop(ctx, cfg.DiscoveryInterval, rt.Keys, rt.Endpoints)
	return nil
}

// Serve runs the HTTP server with the given routes until ctx is done.
func (rt *Runtime) Serve(ctx context.Context, registrars ...httpserver.RouteRegistrar) {
	srv := httpserver.NewWithMetrics(rt.Config.HTTP, rt.Metrics, registrars...)
	srv.RunInBackground()
	<-ctx.Done()
	rt.Log.Info("shutting down")
	srv.Shutdown()
}

// Close releases the ledger and blob store.
func (rt *Runtime) Close() {
	for _, c := range rt.closers {
		if err := c.Close(); err != nil {
			rt.Log.Warn("close failed", "err", err)
		}
	}
}
