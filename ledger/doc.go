// Package ledger provides implementations of protocol.Ledger: an in-memory
// ledger for tests and single-process deployments, a PostgreSQL ledger, an
// HTTP client for a remote ledger service, the chi handler serving that API,
// and a retrying decorator for transient failures.
package ledger
