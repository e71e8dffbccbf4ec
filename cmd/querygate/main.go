package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/raulk/clock"

	"github.com/seantiz/querygate/internal/api"
	"github.com/seantiz/querygate/internal/config"
	"github.com/seantiz/querygate/internal/driver"
	"github.com/seantiz/querygate/internal/engine"
	"github.com/seantiz/querygate/internal/health"
	"github.com/seantiz/querygate/internal/lifecycle"
	"github.com/seantiz/querygate/internal/model"
	"github.com/seantiz/querygate/internal/notify"
	"github.com/seantiz/querygate/internal/sandbox"
	"github.com/seantiz/querygate/internal/store"
	"github.com/seantiz/querygate/internal/topology"
)

const drainTimeout = 15 * time.Second

func main() {
	if err := config.LoadDotEnv(".env"); err != nil {
		log.Fatalf("failed to load .env: %v", err)
	}
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}
	logger := config.NewLogger(cfg.LogWriter(), cfg.LogLevel)

	if err := run(cfg, logger); err != nil {
		logger.Error("querygate: exiting", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, logger *slog.Logger) error {
	logger.Info("querygate: starting",
		"listen_addr", cfg.ListenAddr,
		"db_path", cfg.DBPath,
		"sandbox", cfg.Sandbox,
		"pool_slots", cfg.PoolSlots,
		"pool_queue", cfg.PoolQueue,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := store.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	inv, err := config.LoadInventory(cfg.InstancesFile)
	if err != nil {
		return err
	}
	instances, err := applyInventory(ctx, db, inv, logger)
	if err != nil {
		return err
	}
	secrets, err := config.LoadSecrets(instances, nil)
	if err != nil {
		return fmt.Errorf("load secrets: %w", err)
	}

	notifier := buildNotifier(cfg, logger)
	defer notifier.Close()

	relational := driver.NewRelational(int(cfg.EngineConnections), true)
	document := driver.NewDocument(uint64(cfg.EngineConnections), true)
	defer relational.Close()
	defer document.Close()
	drivers := driver.NewRegistry(relational, document)
	leases := driver.NewLeases(cfg.EngineConnections)

	var sb sandbox.Sandbox = sandbox.NewProcess(cfg.WorkerBin, logger)
	if cfg.Sandbox == config.SandboxInProcess {
		logger.Warn("executing requests in-process; scripts are not isolated from the server")
		sb = sandbox.NewInProcess(drivers)
	}

	clk := clock.New()
	requests := lifecycle.NewService(db, drivers, notifier, logger, clk)
	pool := engine.NewPool(engine.Options{
		Slots:     cfg.PoolSlots,
		QueueSize: cfg.PoolQueue,
		Budget:    cfg.ExecTimeout,
		WarnDepth: cfg.QueueWarnDepth,
		Clock:     clk,
	}, requests, sb, secrets, leases, logger)
	requests.SetExecutor(pool)

	failed, resubmitted, err := requests.Recover(ctx)
	if err != nil {
		logger.Warn("recovery incomplete", "error", err)
	}
	logger.Info("recovered requests", "failed", failed, "resubmitted", resubmitted)

	syncer := topology.NewService(db, drivers, secrets, leases, logger, topology.Options{
		Interval: cfg.SyncInterval,
		Timeout:  cfg.SyncTimeout,
		Clock:    clk,
	})
	monitor := health.NewMonitor([]health.Check{
		health.StoreCheck(db, cfg.StoreLatency, clk),
		health.MemoryCheck(cfg.MinFreeMemory, nil),
		health.QueueCheck(pool),
		health.SyncStalenessCheck(db, cfg.SyncInterval, clk),
	}, notifier, logger, health.Options{
		Interval: cfg.HealthInterval,
		Failures: cfg.HealthFailures,
		Cooldown: cfg.HealthCooldown,
		Clock:    clk,
	})

	var wg sync.WaitGroup
	wg.Go(func() { syncer.Run(ctx) })
	wg.Go(func() { monitor.Run(ctx) })

	srv := api.NewServer(cfg.ListenAddr, api.Deps{
		Store:    db,
		Requests: requests,
		Sync:     syncer,
		Monitor:  monitor,
		Broker:   pool.Broker(),
		Logger:   logger,
	})
	serveErr := srv.Run(ctx)
	stop()

	drainCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()
	if err := pool.Shutdown(drainCtx); err != nil {
		logger.Warn("pool did not drain", "error", err)
	}
	wg.Wait()

	return serveErr
}

// applyInventory upserts every declared instance with its declared
// databases, deactivates stored instances the file no longer names, and
// seeds the blacklist on first start.
func applyInventory(ctx context.Context, db store.Store, inv *config.Inventory, logger *slog.Logger) ([]model.Instance, error) {
	now := time.Now().UTC()
	declared := make(map[string]bool, len(inv.Instances))
	instances := make([]model.Instance, 0, len(inv.Instances))

	for _, def := range inv.Instances {
		inst := def.Instance
		if err := db.UpsertInstance(ctx, &inst); err != nil {
			return nil, fmt.Errorf("instance %s: %w", inst.ID, err)
		}
		if err := db.DeclareDatabases(ctx, inst.ID, def.Databases, now); err != nil {
			return nil, fmt.Errorf("instance %s databases: %w", inst.ID, err)
		}
		declared[inst.ID] = true
		instances = append(instances, inst)
	}

	stored, err := db.ListInstances(ctx, true)
	if err != nil {
		return nil, fmt.Errorf("list instances: %w", err)
	}
	for _, inst := range stored {
		if declared[inst.ID] {
			continue
		}
		inst.Active = false
		if err := db.UpsertInstance(ctx, inst); err != nil {
			return nil, fmt.Errorf("deactivate instance %s: %w", inst.ID, err)
		}
		logger.Info("instance no longer declared, deactivated", "instance_id", inst.ID)
	}

	entries := inv.Blacklist
	if len(entries) == 0 {
		entries = model.DefaultBlacklist
	}
	seeded, err := db.SeedBlacklist(ctx, entries)
	if err != nil {
		return nil, fmt.Errorf("seed blacklist: %w", err)
	}
	logger.Info("inventory applied", "instances", len(instances), "blacklist_seeded", seeded)
	return instances, nil
}

// buildNotifier logs every event and, when a webhook is configured, posts
// it there as well. Delivery never blocks the caller.
func buildNotifier(cfg config.Config, logger *slog.Logger) *notify.Async {
	sinks := notify.Multi{notify.NewLog(logger)}
	if cfg.WebhookURL != "" {
		sinks = append(sinks, notify.NewWebhook(cfg.WebhookURL, nil))
	}
	return notify.NewAsync(sinks, logger)
}
