// Package nodeservice assembles every component into one running node
// (spec §9 Design Note: "cyclic wiring... service-locator struct built at
// boot"). The Sync Executor's jobqueue.Handler needs the Executor that is
// itself built from pieces nodeservice owns, and the HTTP surface needs the
// Queue the Executor's handler is registered on — wiring them in struct
// literal order would require forward references. NodeService breaks the
// cycle by constructing every leaf dependency first, then the handler
// closures that reference them, then registering those closures on the
// Queue last.
package nodeservice

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	_ "github.com/lib/pq"

	"github.com/creator-network/creator-node/internal/bootstrap"
	"github.com/creator-network/creator-node/internal/chain"
	"github.com/creator-network/creator-node/internal/clocklog"
	"github.com/creator-network/creator-node/internal/config"
	"github.com/creator-network/creator-node/internal/coordination"
	"github.com/creator-network/creator-node/internal/export"
	"github.com/creator-network/creator-node/internal/jobqueue"
	"github.com/creator-network/creator-node/internal/peerclient"
	"github.com/creator-network/creator-node/internal/skipretry"
	"github.com/creator-network/creator-node/internal/snapback"
	"github.com/creator-network/creator-node/internal/storage"
	"github.com/creator-network/creator-node/internal/syncer"
)

// SyncJobTask is the jobqueue task kind POST /sync enqueues onto. The
// file-processing task kinds (transcode_and_segment, transcode_hand_off)
// have no handler here because upload transcoding is out of scope (spec §1).
const SyncJobTask = "manual_sync"

// RecurringSyncJobTask is the task kind Snapback enqueues onto. It has its
// own queue and worker pool, separate from SyncJobTask; Run registers the
// same sync handler for both kinds, since both run the Sync Executor.
const RecurringSyncJobTask = "recurring_sync"

// NodeService holds every wired component a running node needs.
type NodeService struct {
	Config Config

	DB    *sql.DB
	Coord coordination.Store
	Chain chain.Client

	ClockLog *clocklog.Store
	Storage  *storage.Dir
	Peers    *peerclient.Client
	Exporter *export.Exporter

	Bootstrap *bootstrap.Bootstrapper
	Queue     *jobqueue.Queue
	Executor  *syncer.Executor
	Snapback  *snapback.Controller
	SkipRetry *skipretry.Loop

	log *logrus.Entry
}

// Config is the subset of config.Config plus the chain client nodeservice
// needs; the chain client is injected rather than constructed here because
// no RPC implementation is in scope (spec §1) — callers pass chain.NewFake()
// in dev mode or their own Client in a deployment that supplies one.
type Config struct {
	config.Config
	Chain chain.Client
}

// New opens the database and coordination-store connections and wires
// every component. It does not start background loops; call Run for that.
func New(ctx context.Context, cfg Config, log *logrus.Entry) (*NodeService, error) {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		return nil, err
	}

	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, err
	}
	coord := coordination.NewRedisStore(redis.NewClient(redisOpts))

	storageDir, err := storage.NewDir(cfg.StorageRoot)
	if err != nil {
		return nil, err
	}

	clockLog := clocklog.NewStore(db, cfg.ExportWindow)
	peers := peerclient.New(cfg.CreatorNodeEndpoint)
	exporter := export.NewExporter(clockLog, cfg.Chain)

	var bootCfg bootstrap.Config
	if cfg.DevMode {
		bootCfg = bootstrap.DevConfig(cfg.CreatorNodeEndpoint)
	} else {
		bootCfg = bootstrap.DefaultConfig(cfg.CreatorNodeEndpoint)
	}
	boot := bootstrap.New(cfg.Chain, bootCfg, log.WithField("component", "bootstrap"))

	lock := coordination.NewUserLock(coord)
	executor := syncer.NewExecutor(
		clockLog, lock, peers, cfg.Chain, storageDir, boot.SPID,
		syncer.Config{
			FileSaveMaxConcurrency:    cfg.NodeSyncFileSaveMaxConcurrency,
			MaxFailureCountBeforeSkip: cfg.SyncMaxUserFailureCountBeforeSkip,
			LockTTL:                  10 * time.Minute,
		},
		log.WithField("component", "syncer"),
	)

	queue := jobqueue.New(coord, log.WithField("component", "jobqueue"))

	snapbackCfg := snapback.DefaultConfig()
	snapbackCfg.Interval = time.Duration(cfg.SnapbackIntervalMS) * time.Millisecond
	snapbackCfg.SyncJobTaskName = RecurringSyncJobTask
	snapCtrl := snapback.NewController(
		clockLog, clockLog, peers, queue, coord, cfg.Chain, boot.SPID,
		snapbackCfg, log.WithField("component", "snapback"),
	)

	skipRetry := skipretry.New(clockLog, peers, storageDir, cfg.Chain, skipretry.DefaultConfig(), log.WithField("component", "skipretry"))

	return &NodeService{
		Config:    cfg,
		DB:        db,
		Coord:     coord,
		Chain:     cfg.Chain,
		ClockLog:  clockLog,
		Storage:   storageDir,
		Peers:     peers,
		Exporter:  exporter,
		Bootstrap: boot,
		Queue:     queue,
		Executor:  executor,
		Snapback:  snapCtrl,
		SkipRetry: skipRetry,
		log:       log,
	}, nil
}

// syncJobParams is the JSON shape POST /sync and Snapback both enqueue.
type syncJobParams struct {
	JobID              string `json:"job_id"`
	UserWallet         string `json:"user_wallet"`
	SourcePeerEndpoint string `json:"source_peer_endpoint"`
	BlockNumber        *int64 `json:"block_number,omitempty"`
	ForceResync        bool   `json:"force_resync,omitempty"`
}

// Run blocks until bootstrap completes, then starts the job-queue workers
// and background controllers, returning once ctx is cancelled.
func (n *NodeService) Run(ctx context.Context) error {
	if err := n.Bootstrap.Run(ctx); err != nil {
		return err
	}

	handler := n.syncJobHandler()
	// Across users, up to MaxSyncJobConcurrency jobs may run in parallel
	// (spec §4.3/§4.4); the per-user lock inside the executor is what
	// serializes same-user jobs regardless of this worker count.
	n.Queue.Process(ctx, SyncJobTask, n.Config.MaxSyncJobConcurrency, handler)
	n.Queue.Process(ctx, RecurringSyncJobTask, n.Config.MaxSyncJobConcurrency, handler)

	go n.Snapback.Run(ctx)
	go n.SkipRetry.Run(ctx)

	<-ctx.Done()
	return nil
}

// StatusLookup adapts Queue.Status to the shape httpapi.Server's
// GET /async_processing_status handler expects, keeping jobqueue.Record out
// of httpapi's import set.
func (n *NodeService) StatusLookup(ctx context.Context, task, requestID string) (string, json.RawMessage, string, bool, error) {
	rec, ok, err := n.Queue.Status(ctx, task, requestID)
	if err != nil || !ok {
		return "", nil, "", ok, err
	}
	return string(rec.Status), rec.Result, rec.Error, true, nil
}

func (n *NodeService) syncJobHandler() jobqueue.Handler {
	return func(ctx context.Context, raw json.RawMessage) (interface{}, error) {
		var p syncJobParams
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, err
		}
		job := syncer.Job{
			JobID:              p.JobID,
			UserWallet:         p.UserWallet,
			SourcePeerEndpoint: p.SourcePeerEndpoint,
			BlockNumber:        p.BlockNumber,
			ForceResync:        p.ForceResync,
		}
		if err := n.Executor.Run(ctx, job); err != nil {
			return nil, err
		}
		return map[string]string{"job_id": p.JobID}, nil
	}
}
