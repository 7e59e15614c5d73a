// Package skipretry implements the Skipped-CID Retry Loop of spec §4.7: a
// background scanner over File rows flagged skipped=true that periodically
// re-attempts the fetch against the user's current replica-set peers.
package skipretry

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/creator-network/creator-node/internal/chain"
	"github.com/creator-network/creator-node/internal/clocklog"
)

// store is the subset of *clocklog.Store the loop needs.
type store interface {
	SkippedFiles(ctx context.Context, limit int) ([]clocklog.File, error)
	WalletForUser(ctx context.Context, userUUID uuid.UUID) (string, error)
	ClearSkipped(ctx context.Context, fileUUID uuid.UUID, storagePath string) error
}

// contentFetcher is the subset of *peerclient.Client the loop needs.
type contentFetcher interface {
	FetchContent(ctx context.Context, peerEndpoint, multihash string, dirMultihash, fileName *string) ([]byte, error)
}

// contentStore is the subset of *storage.Dir the loop needs.
type contentStore interface {
	Write(multihash string, data []byte) (string, error)
}

// Config bundles the loop's tunables.
type Config struct {
	Interval  time.Duration
	BatchSize int
}

// DefaultConfig picks a conservative cadence; spec §4.7 leaves the exact
// interval to the implementation ("periodically").
func DefaultConfig() Config {
	return Config{Interval: 5 * time.Minute, BatchSize: 200}
}

// Loop drives the retry scan.
type Loop struct {
	store   store
	peers   contentFetcher
	content contentStore
	chain   chain.Client
	cfg     Config
	log     *logrus.Entry
}

// New wires a Loop.
func New(store store, peers contentFetcher, content contentStore, chainClient chain.Client, cfg Config, log *logrus.Entry) *Loop {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Loop{store: store, peers: peers, content: content, chain: chainClient, cfg: cfg, log: log}
}

// Run ticks the loop every cfg.Interval until ctx is cancelled.
func (l *Loop) Run(ctx context.Context) {
	ticker := time.NewTicker(l.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := l.Tick(ctx); err != nil {
				l.log.WithError(err).Warn("skip-retry tick failed")
			}
		}
	}
}

// Tick scans one bounded batch of skipped files and attempts to resolve
// each (spec §4.7).
func (l *Loop) Tick(ctx context.Context) error {
	files, err := l.store.SkippedFiles(ctx, l.cfg.BatchSize)
	if err != nil {
		return err
	}
	for _, f := range files {
		l.retryOne(ctx, f)
	}
	return nil
}

func (l *Loop) retryOne(ctx context.Context, f clocklog.File) {
	log := l.log.WithFields(logrus.Fields{"file_uuid": f.FileUUID, "multihash": f.Multihash})

	wallet, err := l.store.WalletForUser(ctx, f.UserUUID)
	if err != nil || wallet == "" {
		log.WithError(err).Warn("skip-retry could not resolve wallet for file")
		return
	}

	rs, err := l.chain.ReplicaSetOf(ctx, wallet)
	if err != nil {
		log.WithError(err).Warn("skip-retry could not resolve current replica set")
		return
	}

	for _, spID := range []int64{rs.PrimarySPID, rs.Secondary1SPID, rs.Secondary2SPID} {
		if spID == 0 {
			continue
		}
		endpoint, err := l.chain.EndpointForServiceProvider(ctx, spID)
		if err != nil || endpoint == "" {
			continue
		}
		data, err := l.peers.FetchContent(ctx, endpoint, f.Multihash, f.DirMultihash, f.FileName)
		if err != nil {
			continue
		}
		path, err := l.content.Write(f.Multihash, data)
		if err != nil {
			// Write already re-verifies against the multihash (spec §4.7
			// invariant); a failure here means corrupt bytes from this
			// peer, try the next one.
			log.WithError(err).Warn("skip-retry fetched bytes failed verification")
			continue
		}
		if err := l.store.ClearSkipped(ctx, f.FileUUID, path); err != nil {
			log.WithError(err).Warn("skip-retry could not clear skipped flag")
			return
		}
		log.Info("skip-retry resolved previously skipped file")
		return
	}
}
