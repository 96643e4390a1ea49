// Command coordinator runs the round coordinator of a federation.
//
// The coordinator accepts signed, encrypted submissions on POST /upload,
// verifies the signature and the package commitment without decrypting,
// stores the submission in the blob store and records its pointer on the
// ledger. Participant signing keys are learned from the directory.
//
// # Configuration File
//
//	id: coordinator
//	api_key: "operator-secret"
//	public_url: "http://coordinator:8081"
//	directory_url: "http://ledger:8080"
//	http:
//	  listen_addr: ":8081"
//	  metrics_addr: ":9081"
//	ledger:
//	  backend: http
//	  url: "http://ledger:8080"
//	blobs:
//	  backend: http
//	  url: "http://ledger:8080"
//	rate_limit:
//	  requests_per_minute: 5
//	  burst: 5
//	keys:
//	  signing_key: ""     # Hex-encoded, generates if empty
//	  exchange_key: ""    # Hex-encoded, generates if empty
//
// # Usage
//
//	go run ./cmd/coordinator --config=coordinator.yaml
package main

import (
	"flag"

	"github.com/flashbots/secagg/cmd/common"
)

func main() {
	var (
		configPath   = flag.String("config", "", "Path to YAML config file")
		addr         = flag.String("addr", ":8081", "HTTP listen address")
		id           = flag.String("id", "", "Service identifier (default coordinator)")
		apiKey       = flag.String("api-key", "", "Operator API key")
		publicURL    = flag.String("public-url", "", "URL peers reach this service at")
		directoryURL = flag.String("directory", "", "Directory URL for service discovery")
		ledgerURL    = flag.String("ledger", "", "Ledger host URL (ledger and blobs)")
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
		FromFile:     *configPath != "",
		Addr:         *addr,
		AddrExplicit: isFlagSet("addr"),
		ID:           *id,
		DefaultID:    "coordinator",
		APIKey:       *apiKey,
		PublicURL:    *publicURL,
		DirectoryURL: *directoryURL,
		LedgerURL:    *ledgerURL,
	})

	if err := run(cfg); err != nil {
		common.Fatal("Error", err)
	}
}

func run(cfg *common.Config) error {
	ctx, stop := common.SignalContext()
	defer stop()
	return common.RunCoordinator(ctx, cfg)
}
