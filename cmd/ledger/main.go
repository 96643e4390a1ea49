// Command ledger runs the shared infrastructure host of a federation: the
// participant ledger, the blob store and the service directory.
//
// Reads are public. Writes (registering participants, setting permissions,
// recording contributions and results, storing blobs, announcing services)
// require the operator API key.
//
// # Configuration File
//
//	id: ledger
//	api_key: "operator-secret"
//	http:
//	  listen_addr: ":8080"
//	  metrics_addr: ":9080"
//	ledger:
//	  backend: postgres      # memory or postgres
//	  postgres:
//	    host: localhost
//	    port: 5432
//	    user: secagg
//	    password: secagg
//	    database: secagg
//	blobs:
//	  backend: pebble        # memory, pebble or ipfs
//	  pebble:
//	    path: ./data/blobs
//	    cache_entries: 256
//
// # Endpoints
//
//   - GET /participants, GET /participants/{id}
//   - GET /contributions/{round}/{id}, GET /rounds/{round}/count
//   - POST /participants, PUT /participants/{id}/permission (API key)
//   - POST /contributions, POST /results (API key)
//   - GET /blobs/{pointer}, POST /blobs (API key)
//   - GET /directory/services, POST /directory/register (API key)
//
// # Usage
//
//	go run ./cmd/ledger --config=ledger.yaml
//	go run ./cmd/ledger --addr=:8080 --api-key=operator-secret
package main

import (
	"flag"

	"github.com/flashbots/secagg/blobstore"
	"github.com/flashbots/secagg/cmd/common"
)

func main() {
	var (
		configPath = flag.String("config", "", "Path to YAML config file")
		addr       = flag.String("addr", ":8080", "HTTP listen address")
		apiKey     = flag.String("api-key", "", "Operator API key guarding writes")
		pebblePath = flag.String("pebble", "", "Store blobs in Pebble at this path")
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
		DefaultID:    common.ServiceLedger,
		APIKey:       *apiKey,
	})
	if *pebblePath != "" {
		cfg.Blobs.Backend = common.BlobsPebble
		cfg.Blobs.Pebble = &blobstore.PebbleConfig{Path: *pebblePath, CacheEntries: 256}
	}

	if err := run(cfg); err != nil {
		common.Fatal("Error", err)
	}
}

func run(cfg *common.Config) error {
	ctx, stop := common.SignalContext()
	defer stop()
	return common.RunLedgerHost(ctx, cfg)
}
