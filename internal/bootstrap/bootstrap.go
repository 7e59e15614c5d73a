// Package bootstrap implements Identity Bootstrap (spec §4.6): the startup
// sequence that resolves this node's on-chain service-provider identity and
// registers it on the replica-set registry before gating every
// chain-dependent component on completion.
package bootstrap

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/creator-network/creator-node/internal/chain"
)

// Identity is the tagged-variant node identity of spec §9's Design Note:
// either still bootstrapping, or ready with a resolved service-provider id.
type Identity struct {
	ready bool
	spID  int64
}

// Bootstrapping is the zero-value Identity before resolution completes.
func Bootstrapping() Identity { return Identity{} }

// Ready builds a resolved Identity.
func Ready(spID int64) Identity { return Identity{ready: true, spID: spID} }

// SPID returns (sp_id, true) once bootstrap has completed, or (0, false)
// while it is still pending. Every chain-dependent component reads an
// Identity this way rather than blocking on bootstrap directly.
func (i Identity) SPID() (int64, bool) {
	if !i.ready {
		return 0, false
	}
	return i.spID, true
}

// Config bundles the retry cadences spec §4.6 specifies.
type Config struct {
	ResolveRetryInterval  time.Duration // fixed 5s backoff resolving sp_id
	RegistryPollInterval  time.Duration // 10m prod / 10s dev waiting for registry deployment
	RegisterRetryInterval time.Duration // 10s backoff registering self
	SelfEndpoint          string
}

// DefaultConfig matches spec §4.6's production cadences.
func DefaultConfig(selfEndpoint string) Config {
	return Config{
		ResolveRetryInterval:  5 * time.Second,
		RegistryPollInterval:  10 * time.Minute,
		RegisterRetryInterval: 10 * time.Second,
		SelfEndpoint:          selfEndpoint,
	}
}

// DevConfig shortens the registry poll interval for local development
// (spec §4.6, "10-second in dev mode").
func DevConfig(selfEndpoint string) Config {
	cfg := DefaultConfig(selfEndpoint)
	cfg.RegistryPollInterval = 10 * time.Second
	return cfg
}

// Bootstrapper holds the current Identity in a one-slot channel so readers
// never observe a torn Bootstrapping/Ready transition. Its SPID method
// value has the func() (int64, bool) signature every chain-dependent
// component (Sync Executor, Snapback) takes as its selfSPID argument.
type Bootstrapper struct {
	chain   chain.Client
	cfg     Config
	log     *logrus.Entry
	current chan Identity // buffered size 1, holds the latest Identity
}

// New constructs a Bootstrapper. Run must be called once to drive it to
// Ready; until then SPID reports (0, false).
func New(chainClient chain.Client, cfg Config, log *logrus.Entry) *Bootstrapper {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	ch := make(chan Identity, 1)
	ch <- Bootstrapping()
	return &Bootstrapper{chain: chainClient, cfg: cfg, log: log, current: ch}
}

// SPID satisfies the func() (int64, bool) signature the rest of the
// repository depends on for gating chain-dependent work.
func (b *Bootstrapper) SPID() (int64, bool) {
	id := <-b.current
	b.current <- id
	return id.SPID()
}

func (b *Bootstrapper) set(id Identity) {
	<-b.current
	b.current <- id
}

// Run drives the node through all three bootstrap phases in order,
// blocking until registration succeeds or ctx is cancelled. A cancelled
// context returns ctx.Err() and leaves the Identity at Bootstrapping.
func (b *Bootstrapper) Run(ctx context.Context) error {
	spID, err := b.resolveSPID(ctx)
	if err != nil {
		return err
	}

	if err := b.waitForRegistry(ctx); err != nil {
		return err
	}

	if err := b.registerSelf(ctx, spID); err != nil {
		return err
	}

	b.set(Ready(spID))
	b.log.WithField("sp_id", spID).Info("identity bootstrap complete")
	return nil
}

// resolveSPID retries indefinitely on a fixed 5s backoff until the chain
// client reports a non-zero service-provider id for this node's endpoint
// (spec §4.6).
func (b *Bootstrapper) resolveSPID(ctx context.Context) (int64, error) {
	for {
		spID, err := b.chain.ServiceProviderIDFromEndpoint(ctx, b.cfg.SelfEndpoint)
		if err == nil && spID != 0 {
			return spID, nil
		}
		if err != nil {
			b.log.WithError(err).Warn("bootstrap: sp_id resolution failed, retrying")
		} else {
			b.log.Debug("bootstrap: endpoint not yet registered on chain, retrying")
		}
		if err := sleepOrDone(ctx, b.cfg.ResolveRetryInterval); err != nil {
			return 0, err
		}
	}
}

// waitForRegistry long-polls until the replica-set registry contract is
// deployed (spec §4.6).
func (b *Bootstrapper) waitForRegistry(ctx context.Context) error {
	for {
		deployed, err := b.chain.IsRegistryDeployed(ctx)
		if err == nil && deployed {
			return nil
		}
		if err != nil {
			b.log.WithError(err).Warn("bootstrap: registry deployment check failed, retrying")
		}
		if err := sleepOrDone(ctx, b.cfg.RegistryPollInterval); err != nil {
			return err
		}
	}
}

// registerSelf retries registration with a 10s backoff until it succeeds
// (spec §4.6).
func (b *Bootstrapper) registerSelf(ctx context.Context, spID int64) error {
	for {
		err := b.chain.RegisterServiceProvider(ctx, b.cfg.SelfEndpoint, spID)
		if err == nil {
			return nil
		}
		b.log.WithError(err).Warn("bootstrap: self-registration failed, retrying")
		if err := sleepOrDone(ctx, b.cfg.RegisterRetryInterval); err != nil {
			return err
		}
	}
}

func sleepOrDone(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
