// Package services runs the aggregation protocol over HTTP.
//
// Each party runs one service on top of api/httpserver:
//
//   - HTTPParticipant serves its one-time mask to its ring predecessor
//     (GET /mask/{round}?peer=<id>, encrypted to the requester), and lets its
//     operator prepare masks, contribute a payload and read back the global
//     result (API-Key protected).
//   - HTTPCoordinator accepts submissions (POST /upload) with a per
//     participant rate limit and reports submission state. The aggregator
//     abandons rounds through it.
//   - HTTPAggregator runs rounds in the background on request and reports
//     their status.
//
// A Directory maps party ids to their public keys and endpoints. Entries are
// signed by the key they announce; DirectoryClient keeps a local key
// provider and endpoint table in sync with it.
//
// HTTPMaskFetcher, HTTPSubmitter and HTTPAbandoner implement the protocol's
// transport interfaces against these services. Non-2xx responses come back
// as RemoteError values that match the protocol's sentinel errors.
package services
