// Copyright 2025 James Ross
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/synthgen/dispatcher/internal/admin"
	"github.com/synthgen/dispatcher/internal/api"
	"github.com/synthgen/dispatcher/internal/broker"
	"github.com/synthgen/dispatcher/internal/config"
	"github.com/synthgen/dispatcher/internal/eventstore"
	"github.com/synthgen/dispatcher/internal/executor"
	"github.com/synthgen/dispatcher/internal/ingest"
	"github.com/synthgen/dispatcher/internal/obs"
	"github.com/synthgen/dispatcher/internal/objectstore"
	"github.com/synthgen/dispatcher/internal/reaper"
	"github.com/synthgen/dispatcher/internal/redisclient"
	"github.com/synthgen/dispatcher/internal/upstream"
)

var version = "dev"

func main() {
	var role string
	var configPath string
	var adminCmd string
	var adminBatchID string
	var adminHash string
	var showVersion bool
	fs := flag.NewFlagSet(os.Args[0], flag.ExitOnError)
	fs.StringVar(&role, "role", "all", "Role to run: ingest|execute|api|all|admin")
	fs.StringVar(&configPath, "config", "config/config.yaml", "Path to YAML config")
	fs.StringVar(&adminCmd, "admin-cmd", "", "Admin command: stats|batch-stats|purge-cache|requeue-stuck")
	fs.StringVar(&adminBatchID, "batch-id", "", "Admin batch-stats: batch id to report on")
	fs.StringVar(&adminHash, "hash", "", "Admin purge-cache: body_hash to evict")
	fs.BoolVar(&showVersion, "version", false, "Print version and exit")
	_ = fs.Parse(os.Args[1:])

	if showVersion {
		fmt.Println(version)
		return
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := obs.NewLogger(cfg.Observability.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	tp, err := obs.MaybeInitTracing(cfg)
	if err != nil {
		logger.Warn("tracing init failed", obs.Err(err))
	}
	if tp != nil {
		defer func() { _ = obs.TracerShutdown(context.Background(), tp) }()
	}

	rdb := redisclient.New(cfg)
	defer rdb.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("signal received, shutting down", obs.String("signal", sig.String()))
		cancel()
		select {
		case sig2 := <-sigCh:
			logger.Warn("second signal received, exiting immediately", obs.String("signal", sig2.String()))
			os.Exit(1)
		case <-time.After(10 * time.Second):
		}
	}()

	if role == "admin" {
		runAdmin(ctx, cfg, rdb, logger, adminCmd, adminBatchID, adminHash)
		return
	}

	events, err := eventstore.New(cfg)
	if err != nil {
		logger.Fatal("event store init failed", obs.Err(err))
	}
	if err := events.EnsureIndex(ctx); err != nil {
		logger.Fatal("event store index init failed", obs.Err(err))
	}

	objects, err := objectstore.New(cfg)
	if err != nil {
		logger.Fatal("object store init failed", obs.Err(err))
	}

	bro, err := broker.New(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("broker init failed", obs.Err(err))
	}
	defer bro.Close()

	metricsSrv := obs.StartMetricsServer(cfg)
	defer func() { _ = metricsSrv.Shutdown(context.Background()) }()

	obs.StartQueueLengthUpdater(ctx, cfg, bro, events, []string{cfg.Broker.BatchJobsQueue, cfg.Broker.TasksQueue}, logger)

	switch role {
	case "ingest":
		w := ingest.New(cfg, rdb, events, objects, bro, logger)
		rep := reaper.New(cfg, rdb, events, bro, logger)
		go rep.Run(ctx)
		if err := w.Run(ctx); err != nil {
			logger.Fatal("ingest worker error", obs.Err(err))
		}
	case "execute":
		up := upstream.New(cfg.Upstream.BaseURL, cfg.Upstream.APIKey)
		w := executor.New(cfg, rdb, events, up, bro, logger)
		if err := w.Run(ctx); err != nil {
			logger.Fatal("execution worker error", obs.Err(err))
		}
	case "api":
		srv := api.NewServer(cfg, events, objects, bro, logger)
		go func() {
			<-ctx.Done()
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer shutdownCancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				logger.Warn("api shutdown error", obs.Err(err))
			}
		}()
		if err := srv.ListenAndServe(); err != nil {
			logger.Fatal("api server error", obs.Err(err))
		}
	case "all":
		iw := ingest.New(cfg, rdb, events, objects, bro, logger)
		up := upstream.New(cfg.Upstream.BaseURL, cfg.Upstream.APIKey)
		ew := executor.New(cfg, rdb, events, up, bro, logger)
		rep := reaper.New(cfg, rdb, events, bro, logger)
		srv := api.NewServer(cfg, events, objects, bro, logger)

		go rep.Run(ctx)
		go func() {
			if err := iw.Run(ctx); err != nil {
				logger.Error("ingest worker error", obs.Err(err))
				cancel()
			}
		}()
		go func() {
			if err := ew.Run(ctx); err != nil {
				logger.Error("execution worker error", obs.Err(err))
				cancel()
			}
		}()
		go func() {
			<-ctx.Done()
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer shutdownCancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				logger.Warn("api shutdown error", obs.Err(err))
			}
		}()
		if err := srv.ListenAndServe(); err != nil {
			logger.Fatal("api server error", obs.Err(err))
		}
	default:
		logger.Fatal("unknown role", obs.String("role", role))
	}
}

func runAdmin(ctx context.Context, cfg *config.Config, rdb *redis.Client, logger *zap.Logger, cmd, batchID, hash string) {
	events, err := eventstore.New(cfg)
	if err != nil {
		logger.Fatal("event store init failed", obs.Err(err))
	}
	bro, err := broker.New(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("broker init failed", obs.Err(err))
	}
	defer bro.Close()

	switch cmd {
	case "stats":
		res, err := admin.Stats(ctx, cfg, events, bro)
		if err != nil {
			logger.Fatal("admin stats error", obs.Err(err))
		}
		b, _ := json.MarshalIndent(res, "", "  ")
		fmt.Println(string(b))
	case "batch-stats":
		if batchID == "" {
			logger.Fatal("admin batch-stats requires --batch-id")
		}
		res, err := admin.BatchStats(ctx, events, batchID)
		if err != nil {
			logger.Fatal("admin batch-stats error", obs.Err(err))
		}
		b, _ := json.MarshalIndent(res, "", "  ")
		fmt.Println(string(b))
	case "purge-cache":
		if hash == "" {
			logger.Fatal("admin purge-cache requires --hash")
		}
		n, err := admin.PurgeCache(ctx, events, hash)
		if err != nil {
			logger.Fatal("admin purge-cache error", obs.Err(err))
		}
		payload, _ := json.Marshal(struct {
			Purged int `json:"purged"`
		}{Purged: n})
		fmt.Println(string(payload))
	case "requeue-stuck":
		admin.RequeueStuck(ctx, cfg, rdb, events, bro, logger)
		fmt.Println("requeue pass complete")
	default:
		logger.Fatal("unknown admin command", obs.String("cmd", cmd))
	}
}
