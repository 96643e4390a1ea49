// Command participant runs one federation member.
//
// A participant blinds its local model update with its own mask and its ring
// peer's mask, encrypts the blinded value to the aggregator, signs the
// commitments and submits the result to the coordinator. It serves its own
// mask, encrypted, to its ring predecessor only, and retrieves its copy of
// the global result when the ledger permits it.
//
// The operator registers the participant on the ledger (see secagg-cli)
// before its first round.
//
// # Configuration File
//
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
//	  signing_key: "..."
//	  exchange_key: "..."
//
// # Endpoints
//
//   - GET /mask/{round}?peer={id} serves the round mask to the ring predecessor
//   - POST /rounds/{round}/mask (API key) prepares the round mask ahead of time
//   - POST /contribute (API key) runs one round for the posted payload
//   - GET /global/{round} (API key) returns the decrypted global result
//
// # Usage
//
//	go run ./cmd/participant --config=hospital-a.yaml
//	go run ./cmd/participant --id=hospital-a --ledger=http://localhost:8080 --coordinator=http://localhost:8081 --public-url=http://localhost:8090
package main

import (
	"flag"

	"github.com/flashbots/secagg/cmd/common"
)

func main() {
	var (
		configPath     = flag.String("config", "", "Path to YAML config file")
		addr           = flag.String("addr", ":8090", "HTTP listen address")
		id             = flag.String("id", "", "Participant identifier")
		apiKey         = flag.String("api-key", "", "API key for the operator endpoints")
		publicURL      = flag.String("public-url", "", "URL peers reach this service at")
		directoryURL   = flag.String("directory", "", "Directory URL for service discovery")
		ledgerURL      = flag.String("ledger", "", "Ledger host URL (ledger and blobs)")
		coordinatorURL = flag.String("coordinator", "", "Coordinator URL for submissions")
		signingKeyHex  = flag.String("signing-key", "", "Ed25519 signing key (hex, generates if empty)")
		exchangeKeyHex = flag.String("exchange-key", "", "ECDH P-256 exchange key (hex, generates if empty)")
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
		ID:             *id,
		APIKey:         *apiKey,
		PublicURL:      *publicURL,
		DirectoryURL:   *directoryURL,
		LedgerURL:      *ledgerURL,
		CoordinatorURL: *coordinatorURL,
	})
	if *signingKeyHex != "" {
		cfg.Keys.SigningKey = *signingKeyHex
	}
	if *exchangeKeyHex != "" {
		cfg.Keys.ExchangeKey = *exchangeKeyHex
	}

	if err := run(cfg); err != nil {
		common.Fatal("Error", err)
	}
}

func run(cfg *common.Config) error {
	ctx, stop := common.SignalContext()
	defer stop()
	return common.RunParticipant(ctx, cfg)
}
