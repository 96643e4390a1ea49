// Command aggregator runs the aggregator of a federation.
//
// The aggregator is the only party holding the decryption key for
// submissions. When an operator triggers a round it waits for every
// registered participant's contribution, decrypts and verifies them, sums
// them (the pairwise masks cancel) and publishes one encrypted copy of the
// result per permitted participant. Rounds that do not fill before the
// deadline are abandoned at the coordinator.
//
// # Configuration File
//
//	id: aggregator
//	api_key: "operator-secret"
//	public_url: "http://aggregator:8082"
//	directory_url: "http://ledger:8080"
//	coordinator_url: "http://coordinator:8081"
//	http:
//	  listen_addr: ":8082"
//	ledger:
//	  backend: http
//	  url: "http://ledger:8080"
//	blobs:
//	  backend: http
//	  url: "http://ledger:8080"
//	protocol:
//	  aggregator_id: aggregator
//	  round_deadline: 5m
//	  poll_interval: 5s
//	  normalization: mean_l2
//
// # Endpoints
//
//   - POST /rounds/{round}/aggregate (API key) starts a round
//   - GET /rounds/{round}/status reports pending, running, published or abandoned
//
// # Usage
//
//	go run ./cmd/aggregator --config=aggregator.yaml
//	go run ./cmd/aggregator --ledger=http://localhost:8080 --coordinator=http://localhost:8081 --public-url=http://localhost:8082
package main

import (
	"flag"

	"github.com/flashbots/secagg/cmd/common"
	"github.com/flashbots/secagg/protocol"
)

func main() {
	var (
		configPath     = flag.String("config", "", "Path to YAML config file")
		addr           = flag.String("addr", ":8082", "HTTP listen address")
		apiKey         = flag.String("api-key", "", "Operator API key")
		publicURL      = flag.String("public-url", "", "URL peers reach this service at")
		directoryURL   = flag.String("directory", "", "Directory URL for service discovery")
		ledgerURL      = flag.String("ledger", "", "Ledger host URL (ledger and blobs)")
		coordinatorURL = flag.String("coordinator", "", "Coordinator URL for abandoning rounds")
		normalization  = flag.String("normalization", "", "Normalization: none, mean, l2 or mean_l2")
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

	cfg := common.DefaultConfig()
	if *configPath != "" {
		var err error
		if cfg, err = common.LoadConfig(*configPath); err != nil {
			common.Fatal("Error loading config", err)
		}
	}
	common.ApplyServiceFlags(cfg, common.ServiceFlags{
		FromFile:       *configPath != "",
		Addr:           *addr,
		AddrExplicit:   isFlagSet("addr"),
		DefaultID:      cfg.Protocol.AggregatorID,
		APIKey:         *apiKey,
		PublicURL:      *publicURL,
		DirectoryURL:   *directoryURL,
		LedgerURL:      *ledgerURL,
		CoordinatorURL: *coordinatorURL,
	})
	if *normalization != "" {
		cfg.Protocol.Normalization = protocol.NormalizationMode(*normalization)
	}

	if err := run(cfg); err != nil {
		common.Fatal("Error", err)
	}
}

func run(cfg *common.Config) error {
	ctx, stop := common.SignalContext()
	defer stop()
	return common.RunAggregator(ctx, cfg)
}
