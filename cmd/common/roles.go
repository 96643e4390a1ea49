package common

import (
	"context"
	"errors"
	"fmt"

	"github.com/flashbots/secagg/blobstore"
	"github.com/flashbots/secagg/ledger"
	"github.com/flashbots/secagg/protocol"
	"github.com/flashbots/secagg/services"
)

// Service types accepted by RunService.
const (
	ServiceLedger      = "ledger"
	ServiceParticipant = "participant"
	ServiceCoordinator = "coordinator"
	ServiceAggregator  = "aggregator"
)

// RunService runs the named service until ctx is done.
func RunService(ctx context.Context, serviceType string, cfg *Config) error {
	switch serviceType {
	case ServiceLedger:
		return RunLedgerHost(ctx, cfg)
	case ServiceParticipant:
		return RunParticipant(ctx, cfg)
	case ServiceCoordinator:
		return RunCoordinator(ctx, cfg)
	case ServiceAggregator:
		return RunAggregator(ctx, cfg)
	default:
		return fmt.Errorf("invalid service type %q: must be ledger, participant, coordinator or aggregator", serviceType)
	}
}

// RunLedgerHost serves the ledger, the blob store and the directory.
// Writes require the API key.
func RunLedgerHost(ctx context.Context, cfg *Config) error {
	if cfg.Ledger.Backend == LedgerHTTP || cfg.Blobs.Backend == BlobsHTTP {
		return errors.New("the ledger host needs a local ledger and blob store backend")
	}
	rt, err := Open(cfg)
	if err != nil {
		return err
	}
	defer rt.Close()

	if cfg.APIKey == "" {
		rt.Log.Warn("no API key configured, writes are unprotected")
	}
	guard := services.RequireAPIKey(cfg.APIKey)

	rt.Log.Info("ledger host running", "ledger", cfg.Ledger.Backend, "blobs", cfg.Blobs.Backend)
	rt.Serve(ctx,
		ledger.NewHandler(rt.Ledger, rt.Log).GuardWrites(guard),
		blobstore.NewHandler(rt.Blobs, rt.Log).GuardWrites(guard),
		services.NewDirectory(cfg.APIKey, rt.Log),
	)
	return nil
}

// RunCoordinator accepts submissions and records them on the ledger.
func RunCoordinator(ctx context.Context, cfg *Config) error {
	rt, err := Open(cfg)
	if err != nil {
		return err
	}
	defer rt.Close()

	coordinator := protocol.NewCoordinator(rt.Ledger, rt.Blobs, rt.Keys, &protocol.CoordinatorConfig{
		Log:      rt.Log,
		Observer: rt.Metrics.Protocol,
		Limiter:  services.NewRateLimiter(cfg.RateLimit),
	})
	handler := services.NewHTTPCoordinator(coordinator, cfg.APIKey, rt.Log)

	if err := rt.Announce(ctx, services.CoordinatorRole); err != nil {
		return err
	}
	rt.Serve(ctx, handler)
	return nil
}

// RunAggregator aggregates rounds on operator request.
func RunAggregator(ctx context.Context, cfg *Config) error {
	if cfg.ID != cfg.Protocol.AggregatorID {
		return fmt.Errorf("id %q must match protocol.aggregator_id %q", cfg.ID, cfg.Protocol.AggregatorID)
	}
	rt, err := Open(cfg)
	if err != nil {
		return err
	}
	defer rt.Close()

	aggCfg := &protocol.AggregatorConfig{
		Aggregation: cfg.Protocol,
		Log:         rt.Log,
		Observer:    rt.Metrics.Protocol,
	}
	if cfg.CoordinatorURL != "" {
		aggCfg.Abandoner = services.NewHTTPAbandoner(cfg.CoordinatorURL, cfg.APIKey)
	} else {
		rt.Log.Warn("no coordinator configured, abandoned rounds stay open for submissions")
	}
	aggregator := services.NewHTTPAggregator(protocol.NewAggregator(rt.Ledger, rt.Blobs, rt.Keys, aggCfg), cfg.APIKey, rt.Log)
	aggregator.Start(ctx)

	if err := rt.Announce(ctx, services.AggregatorRole); err != nil {
		return err
	}
	rt.Serve(ctx, aggregator)
	aggregator.Wait()
	return nil
}

// RunParticipant serves one federation member.
func RunParticipant(ctx context.Context, cfg *Config) error {
	if cfg.CoordinatorURL == "" {
		return errors.New("coordinator_url is required")
	}
	rt, err := Open(cfg)
	if err != nil {
		return err
	}
	defer rt.Close()

	fetcher := rt.Metrics.Protocol.InstrumentFetcher(services.NewHTTPMaskFetcher(rt.Keys, rt.Endpoints, rt.Log))
	participant := protocol.NewParticipant(rt.Keys, fetcher, services.NewHTTPSubmitter(cfg.CoordinatorURL), &protocol.ParticipantConfig{
		Aggregation: cfg.Protocol,
		Log:         rt.Log,
	})
	handler := services.NewHTTPParticipant(participant, rt.Keys, rt.Ledger, rt.Blobs, cfg.APIKey, rt.Log)
	if err := handler.Start(ctx); err != nil {
		return err
	}

	if err := rt.Announce(ctx, services.ParticipantRole); err != nil {
		return err
	}
	rt.Serve(ctx, handler)
	return nil
}
