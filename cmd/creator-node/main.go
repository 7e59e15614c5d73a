// Command creator-node runs one peer in a replica-set content network: it
// serves the sync wire protocol, runs the Sync Executor, and drives the
// Snapback and skipped-CID background controllers until told to stop.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
	_ "go.uber.org/automaxprocs"

	"github.com/creator-network/creator-node/internal/chain"
	"github.com/creator-network/creator-node/internal/config"
	"github.com/creator-network/creator-node/internal/httpapi"
	"github.com/creator-network/creator-node/internal/nodeservice"
)

var gitCommit = "unknown"

const httpShutdownGrace = 15 * time.Second

func main() {
	app := &cli.App{
		Name:    "creator-node",
		Usage:   "run one replica of a decentralized creator-content node",
		Version: gitCommit,
		Flags:   config.Flags(),
		Action:  run,
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	log := logrus.NewEntry(logrus.StandardLogger())
	logrus.SetFormatter(&logrus.JSONFormatter{})

	cfg, err := config.FromCLIContext(c)
	if err != nil {
		return cli.Exit(err, 1)
	}
	if err := cfg.Validate(); err != nil {
		return cli.Exit(err, 1)
	}

	// No on-chain RPC client is in scope for this repository (spec §1
	// treats the chain as an opaque oracle); dev mode runs against the
	// in-memory Fake so the rest of the node is exercisable end to end.
	var chainClient chain.Client
	if cfg.DevMode {
		fake := chain.NewFake()
		fake.SeedServiceProvider(cfg.CreatorNodeEndpoint, 1)
		fake.DeployRegistry()
		chainClient = fake
	} else {
		return cli.Exit(fmt.Errorf("no production chain client is wired; run with --dev-mode or inject one"), 1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	svc, err := nodeservice.New(ctx, nodeservice.Config{Config: cfg, Chain: chainClient}, log)
	if err != nil {
		log.WithError(err).Error("fatal bootstrap error")
		return cli.Exit(err, 1)
	}

	server := httpapi.New(svc.Exporter, svc.ClockLog, svc.Queue, nodeservice.SyncJobTask, log.WithField("component", "httpapi"))
	httpServer := &http.Server{Addr: cfg.ListenAddr, Handler: server.Handler(statusLookup(svc))}

	go func() {
		log.WithField("addr", cfg.ListenAddr).Info("listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("http server stopped unexpectedly")
		}
	}()

	runErr := make(chan error, 1)
	go func() { runErr <- svc.Run(ctx) }()

	select {
	case <-ctx.Done():
	case err := <-runErr:
		if err != nil {
			log.WithError(err).Error("node service stopped")
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), httpShutdownGrace)
	defer cancel()
	_ = httpServer.Shutdown(shutdownCtx)

	log.Info("shutdown complete")
	return nil
}

func statusLookup(svc *nodeservice.NodeService) func(context.Context, string, string) (string, json.RawMessage, string, bool, error) {
	return svc.StatusLookup
}
