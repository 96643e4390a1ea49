/*
Package testutil provides fixtures for testing the secure aggregation
protocol end to end in a single process.

# Parties

GenerateParty creates the signing and exchange keys of one party, and
KeyProviderFor builds the key directory a party sees:

	alice, _ := testutil.GenerateParty("hospital-a")
	bob, _ := testutil.GenerateParty("hospital-b")
	keys, _ := testutil.KeyProviderFor(alice, []*testutil.Party{alice, bob})

# Federations

NewFederation wires participants, a coordinator and an aggregator around a
shared ledger and blob store. Masks are exchanged by direct calls between
participants, and submissions go straight to the coordinator:

	fed, _ := testutil.NewFederation([]string{"hospital-a", "hospital-b"},
	    testutil.WithNormalization(protocol.NormalizeMean),
	)
	fed.ContributeAll(ctx, 1, payloads)
	outcome, _ := fed.Aggregator.RunRound(ctx, 1)

Options replace the in-memory ledger or blob store, change the aggregation
config, or withhold the global result from some participants.

# Payloads

SamplePayload and SamplePayloads produce deterministic payloads of a given
layout, so tests can compare the aggregate with the plain sum.
*/
package testutil
