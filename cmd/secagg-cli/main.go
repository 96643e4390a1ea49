// Command secagg-cli is the operator tool for a secagg federation.
//
// # Commands
//
// keygen: Generate a signing and an exchange key for a config file.
//
//	secagg-cli keygen
//
// participants: Manage the participant registry on the ledger.
//
//	secagg-cli participants register hospital-a --name="Hospital A" --ledger=http://localhost:8080 --api-key=secret
//	secagg-cli participants permit hospital-a --ledger=http://localhost:8080 --api-key=secret
//	secagg-cli participants list --ledger=http://localhost:8080
//
// services: List the services announced in the directory.
//
//	secagg-cli services --ledger=http://localhost:8080
//
// round: Drive a round.
//
//	secagg-cli round contribute --participant=http://localhost:8090 --round=1 --payload=update.json
//	secagg-cli round aggregate --aggregator=http://localhost:8082 --round=1 --wait
//	secagg-cli round result --participant=http://localhost:8090 --round=1
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
