// Package cmd provides the secagg binaries.
//
// # Commands
//
// ledger: Shared infrastructure host serving the participant ledger, the
// blob store and the service directory. Writes require the operator API key.
//
//	go run ./cmd/ledger --addr=:8080 --api-key=secret --pebble=./data/blobs
//
// coordinator: Accepts submissions, verifies signatures and package
// commitments, stores submissions and records them on the ledger.
//
//	go run ./cmd/coordinator --ledger=http://localhost:8080 --api-key=secret --public-url=http://localhost:8081
//
// aggregator: Collects, decrypts, verifies and sums a round, then publishes
// the result to permitted participants.
//
//	go run ./cmd/aggregator --ledger=http://localhost:8080 --coordinator=http://localhost:8081 --api-key=secret --public-url=http://localhost:8082
//
// participant: One federation member. Serves its mask to its ring
// predecessor, blinds and submits model updates, fetches the global result.
//
//	go run ./cmd/participant --id=hospital-a --ledger=http://localhost:8080 --coordinator=http://localhost:8081 --api-key=secret --public-url=http://localhost:8090
//
// multiservice: Runs any of the above from one binary, selected by
// --service-type or service_type. Supports waiting for configuration via
// HTTP POST:
//
//	go run ./cmd/multiservice --wait-config --addr=:8080
//	curl -X POST http://localhost:8080/config --data-binary @config.yaml
//
// secagg-cli: Operator tool for registering participants, granting
// permissions and driving rounds.
//
//	go run ./cmd/secagg-cli participants register hospital-a --api-key=secret
//	go run ./cmd/secagg-cli round aggregate --aggregator=http://localhost:8082 --round=1 --wait
//
// # Configuration
//
// All services support YAML configuration files via the --config flag.
// Command-line flags override config file values. See cmd/common.Config for
// every field.
package cmd
