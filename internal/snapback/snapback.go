// Package snapback implements the Snapback State Machine of spec §4.5: a
// recurring controller that, for every user this node is primary for,
// probes secondary health, enqueues catch-up syncs, and proposes
// replica-set reconfiguration when a secondary is durably unhealthy.
package snapback

import (
	"context"
	"math/rand"
	"strconv"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/sirupsen/logrus"

	"github.com/creator-network/creator-node/internal/chain"
	"github.com/creator-network/creator-node/internal/coordination"
	"github.com/creator-network/creator-node/internal/syncer"
)

// Divergence is the per-(user, secondary) classification of spec §4.5
// step 2.
type Divergence string

const (
	DivergenceInSync      Divergence = "in_sync"
	DivergenceBehind      Divergence = "behind"
	DivergenceUnreachable Divergence = "unreachable"
)

// walletLister is the subset of *clocklog.Store Snapback needs to find its
// candidate user pool.
type walletLister interface {
	Wallets(ctx context.Context) ([]string, error)
}

// prober is the subset of *peerclient.Client Snapback needs to check a
// secondary's clock.
type prober interface {
	ClockStatus(ctx context.Context, peerEndpoint, wallet string) (int64, error)
}

// syncEnqueuer schedules a Sync Job without blocking on its completion
// (spec §4.5 step 3, "behind ⇒ enqueue a Sync Job").
type syncEnqueuer interface {
	Enqueue(ctx context.Context, task string, params interface{}) (string, error)
}

// selfClock reads this node's locally materialized clock for wallet, used
// as the "primary.clock" side of the classification when this node is the
// primary being snapped back from.
type selfClock interface {
	LocalClock(ctx context.Context, wallet string) (int64, error)
}

// Config bundles the tunables spec §4.5/§6 name.
type Config struct {
	Interval                  time.Duration // snapback_interval_ms
	BatchSize                 int           // bounded batch of users per tick
	UnhealthyThreshold        int           // consecutive unreachable probes before reconfig
	UnhealthyCounterTTL       time.Duration
	SyncJobTaskName           string // task kind Enqueue registers under (e.g. "recurring_sync")
}

// DefaultConfig matches spec §4.5's stated defaults.
func DefaultConfig() Config {
	return Config{
		Interval:            60 * time.Second,
		BatchSize:           500,
		UnhealthyThreshold:  3,
		UnhealthyCounterTTL: 24 * time.Hour,
		SyncJobTaskName:     "recurring_sync",
	}
}

// Controller runs the Snapback loop.
type Controller struct {
	wallets      walletLister
	selfClock    selfClock
	probe        prober
	enqueue      syncEnqueuer
	coord        coordination.Store
	chainClient  chain.Client
	selfSPID     func() (int64, bool)
	cfg          Config
	log          *logrus.Entry
	rng          *rand.Rand
}

// NewController wires a Controller.
func NewController(
	wallets walletLister,
	selfClockReader selfClock,
	probe prober,
	enqueue syncEnqueuer,
	coord coordination.Store,
	chainClient chain.Client,
	selfSPID func() (int64, bool),
	cfg Config,
	log *logrus.Entry,
) *Controller {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Controller{
		wallets:     wallets,
		selfClock:   selfClockReader,
		probe:       probe,
		enqueue:     enqueue,
		coord:       coord,
		chainClient: chainClient,
		selfSPID:    selfSPID,
		cfg:         cfg,
		log:         log,
		rng:         rand.New(rand.NewSource(1)),
	}
}

// Run ticks the controller every cfg.Interval until ctx is cancelled.
func (c *Controller) Run(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.Tick(ctx); err != nil {
				c.log.WithError(err).Warn("snapback tick failed")
			}
		}
	}
}

// Tick runs one pass of probe/classify/act over a bounded batch of users
// this node is primary for (spec §4.5 steps 1-4).
func (c *Controller) Tick(ctx context.Context) error {
	selfID, haveSelf := int64(0), false
	if c.selfSPID != nil {
		selfID, haveSelf = c.selfSPID()
	}
	if !haveSelf {
		c.log.Debug("snapback tick skipped, identity not yet bootstrapped")
		return nil
	}

	wallets, err := c.wallets.Wallets(ctx)
	if err != nil {
		return err
	}
	if len(wallets) > c.cfg.BatchSize {
		wallets = wallets[:c.cfg.BatchSize]
	}

	for _, wallet := range wallets {
		rs, err := c.chainClient.ReplicaSetOf(ctx, wallet)
		if err != nil {
			c.log.WithError(err).WithField("wallet", wallet).Warn("snapback could not read replica set")
			continue
		}
		if rs.PrimarySPID != selfID {
			continue
		}
		for _, secondarySPID := range []int64{rs.Secondary1SPID, rs.Secondary2SPID} {
			if secondarySPID == 0 {
				continue
			}
			c.processSecondary(ctx, wallet, rs, secondarySPID)
		}
	}
	return nil
}

func (c *Controller) processSecondary(ctx context.Context, wallet string, rs chain.ReplicaSet, secondarySPID int64) {
	log := c.log.WithFields(logrus.Fields{"wallet": wallet, "secondary_sp_id": secondarySPID})

	endpoint, err := c.chainClient.EndpointForServiceProvider(ctx, secondarySPID)
	if err != nil || endpoint == "" {
		log.WithError(err).Warn("could not resolve secondary endpoint")
		return
	}

	divergence := c.classify(ctx, wallet, endpoint)
	switch divergence {
	case DivergenceInSync:
		_ = c.coord.Del(ctx, coordination.UnhealthyCounterKey(wallet, endpoint))
	case DivergenceBehind:
		_ = c.coord.Del(ctx, coordination.UnhealthyCounterKey(wallet, endpoint))
		if _, err := c.enqueue.Enqueue(ctx, c.cfg.SyncJobTaskName, syncer.Job{
			JobID:              wallet + ":" + endpoint,
			UserWallet:         wallet,
			SourcePeerEndpoint: endpoint,
		}); err != nil {
			log.WithError(err).Warn("failed to enqueue catch-up sync")
		}
	case DivergenceUnreachable:
		count, err := c.bumpUnhealthyCounter(ctx, wallet, endpoint)
		if err != nil {
			log.WithError(err).Warn("failed to record unhealthy probe")
			return
		}
		if count >= c.cfg.UnhealthyThreshold {
			c.proposeReconfig(ctx, wallet, rs, secondarySPID, endpoint)
		}
	}
}

// classify implements spec §4.5 step 2.
func (c *Controller) classify(ctx context.Context, wallet, secondaryEndpoint string) Divergence {
	primaryClock, err := c.selfClock.LocalClock(ctx, wallet)
	if err != nil {
		return DivergenceUnreachable
	}

	secondaryClock, err := c.probe.ClockStatus(ctx, secondaryEndpoint, wallet)
	if err != nil {
		return DivergenceUnreachable
	}
	if secondaryClock >= primaryClock {
		return DivergenceInSync
	}
	return DivergenceBehind
}

func (c *Controller) bumpUnhealthyCounter(ctx context.Context, wallet, secondaryEndpoint string) (int, error) {
	key := coordination.UnhealthyCounterKey(wallet, secondaryEndpoint)
	v, ok, err := c.coord.Get(ctx, key)
	if err != nil {
		return 0, err
	}
	n := 0
	if ok {
		n, _ = strconv.Atoi(v)
	}
	n++
	if err := c.coord.Set(ctx, key, strconv.Itoa(n), c.cfg.UnhealthyCounterTTL); err != nil {
		return 0, err
	}
	return n, nil
}

// proposeReconfig swaps the durably unhealthy secondary for a healthy,
// randomly chosen peer excluding self and the other secondary (spec §4.5
// step 3). The proposal is idempotent at the chain client. Snapback clears
// its unhealthy counter only after a successful proposal, so a chain error
// or a missing candidate leaves the counter at or above threshold and the
// proposal is tried again on the next unreachable probe.
func (c *Controller) proposeReconfig(ctx context.Context, wallet string, rs chain.ReplicaSet, unhealthySPID int64, unhealthyEndpoint string) {
	log := c.log.WithFields(logrus.Fields{"wallet": wallet, "unhealthy_sp_id": unhealthySPID})

	replacement, err := c.pickReplacement(ctx, rs, unhealthySPID)
	if err != nil || replacement == 0 {
		log.WithError(err).Warn("no healthy replacement peer available for reconfiguration")
		return
	}

	if err := c.chainClient.ProposeReplicaSetUpdate(ctx, wallet, unhealthySPID, replacement); err != nil {
		log.WithError(err).Warn("failed to propose replica-set update")
		return
	}
	_ = c.coord.Del(ctx, coordination.UnhealthyCounterKey(wallet, unhealthyEndpoint))
	log.WithField("replacement_sp_id", replacement).Info("proposed replica-set reconfiguration")
}

// pickReplacement excludes self, the primary, and both current secondaries
// from the candidate pool (spec §4.5 step 3).
func (c *Controller) pickReplacement(ctx context.Context, rs chain.ReplicaSet, unhealthySPID int64) (int64, error) {
	selfID, haveSelf := int64(0), false
	if c.selfSPID != nil {
		selfID, haveSelf = c.selfSPID()
	}

	excluded := mapset.NewSet[int64](rs.PrimarySPID, rs.Secondary1SPID, rs.Secondary2SPID)
	if haveSelf {
		excluded.Add(selfID)
	}

	endpoints, err := c.chainClient.AllServiceProviderEndpoints(ctx)
	if err != nil {
		return 0, err
	}

	var candidates []int64
	for _, endpoint := range endpoints {
		spID, err := c.chainClient.ServiceProviderIDFromEndpoint(ctx, endpoint)
		if err != nil || spID == 0 || excluded.Contains(spID) {
			continue
		}
		candidates = append(candidates, spID)
	}
	if len(candidates) == 0 {
		return 0, nil
	}
	return candidates[c.rng.Intn(len(candidates))], nil
}
