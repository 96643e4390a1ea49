// Command multiservice runs any secagg service (ledger, participant,
// coordinator or aggregator) from one binary.
//
// The service type is determined by the --service-type flag or the
// service_type field in the configuration file. One image can then be
// deployed for every role of a federation.
//
// # Configuration File
//
//	service_type: "participant"   # ledger, participant, coordinator or aggregator
//	id: hospital-a
//	api_key: "operator-secret"
//	public_url: "http://hospital-a:8090"
//	directory_url: "http://ledger:8080"
//	coordinator_url: "http://coordinator:8081"
//	http:
//	  listen_addr: ":8090"
//	ledger:
//	  backend: http
//	  url: "http://ledger:8080"
//	blobs:
//	  backend: http
//	  url: "http://ledger:8080"
//	keys:
//	  signing_key: ""     # Hex-encoded, generates if empty
//	  exchange_key: ""    # Hex-encoded, generates if empty
//
// # HTTP Configuration Mode
//
// Use --wait-config to start an HTTP server that waits for configuration,
// for deployments where keys are provisioned after boot:
//
//	go run ./cmd/multiservice --wait-config --addr=:8080
//
// Then POST configuration to start the service:
//
//	curl -X POST http://localhost:8080/config --data-binary @participant.yaml
//
// # Usage
//
//	go run ./cmd/multiservice --config=service.yaml
//	go run ./cmd/multiservice --service-type=coordinator --ledger=http://localhost:8080 --public-url=http://localhost:8081
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/flashbots/secagg/cmd/common"
)

// maxConfigSize bounds a configuration posted in wait mode.
const maxConfigSize = 1 << 20

func main() {
	var (
		configPath     = flag.String("config", "", "Path to YAML config file")
		waitConfig     = flag.Bool("wait-config", false, "Wait for config via HTTP POST to /config")
		serviceType    = flag.String("service-type", "", "Service type: ledger, participant, coordinator or aggregator")
		addr           = flag.String("addr", ":8080", "HTTP listen address")
		id             = flag.String("id", "", "Service identifier")
		apiKey         = flag.String("api-key", "", "Operator API key")
		publicURL      = flag.String("public-url", "", "URL peers reach this service at")
		directoryURL   = flag.String("directory", "", "Directory URL for service discovery")
		ledgerURL      = flag.String("ledger", "", "Ledger host URL (ledger and blobs)")
		coordinatorURL = flag.String("coordinator", "", "Coordinator URL")
	)
	flag.Parse()

	isFlagSet := func(name string) bool {
		found := false
		flag.Visit(func(f *flag.Flag) {
			if f.Name == name {
				found = true
			}
		})
		return found
	}

	ctx, stop := common.SignalContext()
	defer stop()

	var cfg *common.Config
	var err error

	switch {
	case *waitConfig:
		cfg, err = waitForConfig(ctx, *addr)
		if err != nil {
			if ctx.Err() != nil {
				fmt.Println("Shutdown during config wait")
				return
			}
			common.Fatal("Error waiting for config", err)
		}
	case *configPath != "":
		if cfg, err = common.LoadConfig(*configPath); err != nil {
			common.Fatal("Error loading config", err)
		}
	default:
		cfg = common.DefaultConfig()
	}

	if *serviceType != "" {
		cfg.ServiceType = *serviceType
	}
	defaultID := cfg.ServiceType
	if cfg.ServiceType == common.ServiceAggregator {
		defaultID = cfg.Protocol.AggregatorID
	}
	common.ApplyServiceFlags(cfg, common.ServiceFlags{
		FromFile:       *configPath != "" || *waitConfig,
		Addr:           *addr,
		AddrExplicit:   isFlagSet("addr"),
		ID:             *id,
		DefaultID:      defaultID,
		APIKey:         *apiKey,
		PublicURL:      *publicURL,
		DirectoryURL:   *directoryURL,
		LedgerURL:      *ledgerURL,
		CoordinatorURL: *coordinatorURL,
	})

	if err := common.RunService(ctx, cfg.ServiceType, cfg); err != nil {
		if ctx.Err() != nil {
			return
		}
		common.Fatal("Error", err)
	}
}

func waitForConfig(ctx context.Context, addr string) (*common.Config, error) {
	configCh := make(chan *common.Config, 1)
	errCh := make(chan error, 1)

	var configOnce sync.Once

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/livez", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("waiting"))
	})

	r.Post("/config", func(w http.ResponseWriter, r *http.Request) {
		first := false
		configOnce.Do(func() {
			first = true
			cfg, err := parseConfigFromRequest(r)
			if err != nil {
				errCh <- err
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			configCh <- cfg
			w.WriteHeader(http.StatusOK)
			w.Write([]byte("configuration accepted"))
		})
		if !first {
			http.Error(w, "configuration already submitted", http.StatusConflict)
		}
	})

	server := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	go func() {
		fmt.Printf("Waiting for configuration on %s (POST /config)\n", addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("config server: %w", err)
		}
	}()

	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case err := <-errCh:
		return nil, err
	case cfg := <-configCh:
		fmt.Println("Configuration received, starting service...")
		return cfg, nil
	}
}

func parseConfigFromRequest(r *http.Request) (*common.Config, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxConfigSize))
	if err != nil {
		return nil, fmt.Errorf("reading body: %w", err)
	}
	return common.ParseConfig(body)
}
