// Package chain models the blockchain client as the opaque read-only
// oracle spec §1 describes: "treated as an opaque oracle that returns
// endpoint lists, service-provider IDs, and replica-set records." No RPC
// implementation lives here by design (out of scope); this is the
// interface boundary every chain-dependent component codes against, plus
// an in-memory fake for tests.
package chain

import "context"

// ReplicaSet is the on-chain replica-set record of spec §3, read-only from
// this node's perspective.
type ReplicaSet struct {
	UserID         int64
	PrimarySPID    int64
	Secondary1SPID int64
	Secondary2SPID int64
}

// Client is the narrow surface every component needs from the chain. A
// production implementation talks to a contract via an RPC client (out of
// scope per spec §1); this repository supplies only the interface and an
// in-memory Fake.
type Client interface {
	// ServiceProviderIDFromEndpoint resolves this (or any) node's
	// advertised endpoint to its on-chain service-provider id. Returns 0
	// if the endpoint is not yet registered (spec §4.6).
	ServiceProviderIDFromEndpoint(ctx context.Context, endpoint string) (int64, error)
	// EndpointForServiceProvider is the inverse lookup, used by the
	// exporter's peer-authorization check and by Snapback to dial
	// secondaries.
	EndpointForServiceProvider(ctx context.Context, spID int64) (string, error)
	// ReplicaSetOf returns the current replica set for wallet.
	ReplicaSetOf(ctx context.Context, wallet string) (ReplicaSet, error)
	// AllServiceProviderEndpoints lists every registered node endpoint,
	// the fallback content-source pool (spec §4.3 step 5) and the
	// reconfiguration candidate pool (spec §4.5 step 3).
	AllServiceProviderEndpoints(ctx context.Context) ([]string, error)
	// IsRegistryDeployed reports whether the replica-set registry
	// contract has been deployed yet (spec §4.6).
	IsRegistryDeployed(ctx context.Context) (bool, error)
	// RegisterServiceProvider registers endpoint as spID on the replica-
	// set registry (spec §4.6).
	RegisterServiceProvider(ctx context.Context, endpoint string, spID int64) error
	// ProposeReplicaSetUpdate swaps outgoingSPID for incomingSPID in
	// wallet's replica set. Idempotent (spec §4.5 step 3).
	ProposeReplicaSetUpdate(ctx context.Context, wallet string, outgoingSPID, incomingSPID int64) error
}
