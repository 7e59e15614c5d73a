package chain

import (
	"context"
	"sync"
)

// Fake is an in-memory Client used by tests and local dev mode. It is not
// a substitute for the on-chain contracts; it exists purely to let the
// rest of the repository exercise the Client interface deterministically.
type Fake struct {
	mu               sync.Mutex
	endpointsBySPID  map[int64]string
	spIDsByEndpoint  map[string]int64
	replicaSets      map[string]ReplicaSet
	registryDeployed bool
}

// NewFake returns an empty Fake.
func NewFake() *Fake {
	return &Fake{
		endpointsBySPID: make(map[int64]string),
		spIDsByEndpoint: make(map[string]int64),
		replicaSets:     make(map[string]ReplicaSet),
	}
}

// SeedServiceProvider registers endpoint/spID without going through
// RegisterServiceProvider, for test setup.
func (f *Fake) SeedServiceProvider(endpoint string, spID int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.endpointsBySPID[spID] = endpoint
	f.spIDsByEndpoint[endpoint] = spID
}

// SeedReplicaSet installs the replica set for wallet, for test setup.
func (f *Fake) SeedReplicaSet(wallet string, rs ReplicaSet) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.replicaSets[wallet] = rs
}

// DeployRegistry flips the fake's IsRegistryDeployed flag to true.
func (f *Fake) DeployRegistry() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.registryDeployed = true
}

func (f *Fake) ServiceProviderIDFromEndpoint(_ context.Context, endpoint string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.spIDsByEndpoint[endpoint], nil
}

func (f *Fake) EndpointForServiceProvider(_ context.Context, spID int64) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.endpointsBySPID[spID], nil
}

func (f *Fake) ReplicaSetOf(_ context.Context, wallet string) (ReplicaSet, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.replicaSets[wallet], nil
}

func (f *Fake) AllServiceProviderEndpoints(_ context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.endpointsBySPID))
	for _, ep := range f.endpointsBySPID {
		out = append(out, ep)
	}
	return out, nil
}

func (f *Fake) IsRegistryDeployed(_ context.Context) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.registryDeployed, nil
}

func (f *Fake) RegisterServiceProvider(_ context.Context, endpoint string, spID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.endpointsBySPID[spID] = endpoint
	f.spIDsByEndpoint[endpoint] = spID
	return nil
}

func (f *Fake) ProposeReplicaSetUpdate(_ context.Context, wallet string, outgoingSPID, incomingSPID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	rs := f.replicaSets[wallet]
	switch outgoingSPID {
	case rs.Secondary1SPID:
		rs.Secondary1SPID = incomingSPID
	case rs.Secondary2SPID:
		rs.Secondary2SPID = incomingSPID
	case rs.PrimarySPID:
		rs.PrimarySPID = incomingSPID
	}
	f.replicaSets[wallet] = rs
	return nil
}
