// Package syncer implements the Sync Executor of spec §4.3: the central
// algorithm that pulls an export from a named peer, validates it, fetches
// missing content, and atomically commits the result on the receiving
// node.
package syncer

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/creator-network/creator-node/internal/chain"
	"github.com/creator-network/creator-node/internal/clocklog"
	"github.com/creator-network/creator-node/internal/coordination"
	"github.com/creator-network/creator-node/internal/errs"
	"github.com/creator-network/creator-node/internal/export"
)

// clockLogStore is the subset of *clocklog.Store the executor needs, kept
// as an interface so tests can exercise the algorithm against a fake
// instead of a live Postgres instance.
type clockLogStore interface {
	GetUser(ctx context.Context, wallet string) (*clocklog.User, error)
	Truncate(ctx context.Context, wallet string) error
	IncrementFailureCount(ctx context.Context, wallet string) (int, error)
	ResetFailureCount(ctx context.Context, wallet string) error
	CommitImport(ctx context.Context, wallet string, existingUUID *uuid.UUID, clock, latestBlockNumber int64,
		records []clocklog.ClockRecord, entities clocklog.Entities) error
}

// exportFetcher is the subset of *peerclient.Client used to pull an
// export from a named peer.
type exportFetcher interface {
	Export(ctx context.Context, peerEndpoint string, wallets []string, clockRangeMin int64) (export.Payload, error)
}

// contentFetcher is the subset of *peerclient.Client used to retrieve a
// single file's bytes from a peer.
type contentFetcher interface {
	FetchContent(ctx context.Context, peerEndpoint, multihash string, dirMultihash, fileName *string) ([]byte, error)
}

// contentStore is the subset of *storage.Dir the executor writes fetched
// bytes through.
type contentStore interface {
	Exists(multihash string) bool
	PathFor(multihash string) string
	Write(multihash string, data []byte) (string, error)
}

// Config bundles the tunables spec §6 enumerates that govern a sync job.
type Config struct {
	FileSaveMaxConcurrency        int
	MaxFailureCountBeforeSkip     int
	LockTTL                       time.Duration // hard ceiling, spec §5
}

// DefaultConfig matches the defaults spec §4.3/§6 name.
func DefaultConfig() Config {
	return Config{
		FileSaveMaxConcurrency:    10,
		MaxFailureCountBeforeSkip: 3,
		LockTTL:                   10 * time.Minute,
	}
}

// peerAPI is the combination of export and content fetching the executor
// needs from a peer client.
type peerAPI interface {
	exportFetcher
	contentFetcher
}

// Executor runs Sync Jobs (spec §4.3).
type Executor struct {
	store      clockLogStore
	lock       *coordination.UserLock
	peers      peerAPI
	chain      chain.Client
	storageDir contentStore
	selfSPID   func() (int64, bool)
	cfg        Config
	log        *logrus.Entry
}

// NewExecutor wires an Executor. selfSPID reports this node's own
// service-provider id (or ok=false while bootstrap is pending) so the
// peer-set discovery step can filter self out.
func NewExecutor(
	store clockLogStore,
	lock *coordination.UserLock,
	peers peerAPI,
	chainClient chain.Client,
	storageDir contentStore,
	selfSPID func() (int64, bool),
	cfg Config,
	log *logrus.Entry,
) *Executor {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Executor{
		store:      store,
		lock:       lock,
		peers:      peers,
		chain:      chainClient,
		storageDir: storageDir,
		selfSPID:   selfSPID,
		cfg:        cfg,
		log:        log,
	}
}

// Run executes job through steps 1-9 of spec §4.3, releasing the per-user
// lock on every exit path. The outcome is returned to the caller and
// logged on some paths; no per-wallet sync history is recorded.
func (e *Executor) Run(ctx context.Context, job Job) (err error) {
	log := e.log.WithFields(logrus.Fields{"job_id": job.JobID, "wallet": job.UserWallet})

	// Step 1: lock acquisition.
	release, err := e.lock.Acquire(ctx, job.UserWallet, e.cfg.LockTTL)
	if err != nil {
		log.WithError(err).Warn("sync job could not acquire user lock")
		return err
	}
	defer func() {
		// Recover so a programmer error in a later step still releases
		// the lock and surfaces as a failed job (spec §4.3 step 9).
		if r := recover(); r != nil {
			release(context.Background())
			log.WithField("panic", r).Error("sync job panicked")
			err = errs.New(errs.CommitFailed, "sync job panicked")
			return
		}
		release(context.Background())
	}()

	ctx, cancel := context.WithTimeout(ctx, e.cfg.LockTTL)
	defer cancel()

	// Step 2: clock baseline.
	localClock := int64(-1)
	var existingUUID *uuid.UUID
	if job.ForceResync {
		if err := e.store.Truncate(ctx, job.UserWallet); err != nil {
			return errs.Wrap(errs.CommitFailed, err, "truncate before force resync")
		}
	} else {
		user, err := e.store.GetUser(ctx, job.UserWallet)
		if err != nil {
			return errs.Wrap(errs.CommitFailed, err, "read local user state")
		}
		if user != nil {
			localClock = user.Clock
			existingUUID = &user.UserUUID
		}
	}

	// Step 3: fetch export.
	payload, err := e.peers.Export(ctx, job.SourcePeerEndpoint, []string{job.UserWallet}, localClock+1)
	if err != nil {
		return err // already an *errs.Error of kind ExportInvalid
	}
	fetched, ok := payload.CNodeUsers[job.UserWallet]
	if !ok {
		// Peer has never heard of this wallet either; nothing to do.
		return nil
	}

	// Step 4: contiguity check.
	if err := checkContiguity(localClock, fetched.Clock, fetched.ClockRecords); err != nil {
		if err == ErrAlreadyUpToDate {
			log.Debug("secondary already at primary's clock")
			return nil
		}
		log.WithError(err).Error("export failed contiguity check")
		return err
	}

	// Step 5: peer-set discovery.
	candidatePeers := []string{job.SourcePeerEndpoint}
	candidatePeers = append(candidatePeers, e.fallbackPeers(ctx, job.UserWallet)...)

	// Step 6: batched content fetch.
	trackFiles, nonTrackFiles := fetchPlan(fetched.Files)
	var failedCIDs []string
	skipped := make(map[string]bool)

	trackResults, trackFailed := e.fetchAllBatched(ctx, trackFiles, candidatePeers, e.cfg.FileSaveMaxConcurrency)
	nonTrackResults, nonTrackFailed := e.fetchAllBatched(ctx, nonTrackFiles, candidatePeers, e.cfg.FileSaveMaxConcurrency)
	failedCIDs = append(failedCIDs, trackFailed...)
	failedCIDs = append(failedCIDs, nonTrackFailed...)

	// Step 7: failure gating.
	if len(failedCIDs) > 0 {
		count, cerr := e.store.IncrementFailureCount(ctx, job.UserWallet)
		if cerr != nil {
			return errs.Wrap(errs.CommitFailed, cerr, "increment sync failure count")
		}
		if count < e.cfg.MaxFailureCountBeforeSkip {
			log.WithField("failed_cids", len(failedCIDs)).Warn("content fetch failed, below skip threshold")
			return errs.New(errs.ContentFetchFailed, "content fetch failed for some CIDs")
		}
		for _, cid := range failedCIDs {
			skipped[cid] = true
		}
		if err := e.store.ResetFailureCount(ctx, job.UserWallet); err != nil {
			return errs.Wrap(errs.CommitFailed, err, "reset sync failure count")
		}
		log.WithField("skipped", len(failedCIDs)).Warn("content fetch threshold reached, marking files skipped")
	}

	// Step 8: atomic commit.
	records := make([]clocklog.ClockRecord, 0, len(fetched.ClockRecords))
	for _, r := range fetched.ClockRecords {
		records = append(records, clocklog.ClockRecord{
			Clock:       r.Clock,
			SourceTable: r.SourceTable,
			SourceRowID: r.SourceRowID,
			SourceUUID:  r.SourceUUID,
			CreatedAt:   r.CreatedAt,
		})
	}

	files := make([]clocklog.File, 0, len(trackResults)+len(nonTrackResults)+len(skipped))
	appendFetched := func(rs []fetchResult) {
		for _, r := range rs {
			f := r.file
			f.StoragePath = r.storagePath
			f.Skipped = false
			files = append(files, f)
		}
	}
	appendFetched(trackResults)
	appendFetched(nonTrackResults)
	for _, f := range fetched.Files {
		if skipped[f.Multihash] {
			f.Skipped = true
			files = append(files, f)
		} else if f.Type == clocklog.FileTypeDir {
			files = append(files, f)
		}
	}

	entities := clocklog.Entities{
		Tracks:      fetched.Tracks,
		Files:       files,
		AudiusUsers: fetched.AudiusUsers,
	}

	var blockNumber int64
	if job.BlockNumber != nil {
		blockNumber = *job.BlockNumber
	} else {
		blockNumber = fetched.LatestBlockNumber
	}

	if err := e.store.CommitImport(ctx, job.UserWallet, existingUUID, fetched.Clock, blockNumber, records, entities); err != nil {
		return err
	}

	log.WithField("clock", fetched.Clock).Info("sync committed")
	return nil
}

// fallbackPeers asks the chain oracle for the user's current replica set,
// filters out self, and dedupes (spec §4.3 step 5).
func (e *Executor) fallbackPeers(ctx context.Context, wallet string) []string {
	replicaSet, err := e.chain.ReplicaSetOf(ctx, wallet)
	if err != nil {
		return nil
	}

	selfID, haveSelf := int64(0), false
	if e.selfSPID != nil {
		selfID, haveSelf = e.selfSPID()
	}

	seen := map[string]bool{}
	var out []string
	for _, spID := range []int64{replicaSet.PrimarySPID, replicaSet.Secondary1SPID, replicaSet.Secondary2SPID} {
		if spID == 0 {
			continue
		}
		if haveSelf && spID == selfID {
			continue
		}
		endpoint, err := e.chain.EndpointForServiceProvider(ctx, spID)
		if err != nil || endpoint == "" || seen[endpoint] {
			continue
		}
		seen[endpoint] = true
		out = append(out, endpoint)
	}
	return out
}
