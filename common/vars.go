// Package common holds build-wide values shared by the binaries.
package common

// PackageName is the metrics namespace and the default service name.
const PackageName = "secagg"

// Version is set at build time with -ldflags "-X github.com/flashbots/secagg/common.Version=...".
var Version = "dev"
