package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/asepindrak/commitflow/api"
	"github.com/asepindrak/commitflow/domain"
	"github.com/asepindrak/commitflow/flush"
	"github.com/asepindrak/commitflow/oplog"
	"github.com/asepindrak/commitflow/reconcile"
	"github.com/asepindrak/commitflow/remote"
	"github.com/asepindrak/commitflow/resolver"
	"github.com/asepindrak/commitflow/storage"
)

func main() {
	cfg := loadConfig()
	logger := log.New()
	if cfg.debug {
		logger.SetLevel(log.DebugLevel)
	}
	if cfg.storageConn == "" || cfg.commandQueue == "" || cfg.userID == "" {
		logger.Fatal("missing storage config")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tp := sdktrace.NewTracerProvider()
	otel.SetTracerProvider(tp)
	defer func() { _ = tp.Shutdown(context.Background()) }()

	if cfg.provision {
		tables := []string{cfg.tasksTable, cfg.projectsTable, cfg.teamTable}
		if err := storage.Provision(ctx, cfg.storageConn, tables, []string{cfg.commandQueue}); err != nil {
			logger.WithError(err).Fatal("provision storage")
		}
		logger.Info("storage provisioned")
	}

	var rc *redis.Client
	if cfg.redisConn != "" {
		rc = redis.NewClient(parseRedisOptions(cfg.redisConn))
		defer rc.Close()
	}

	kv, closeKV := openKV(cfg, rc)
	defer closeKV()

	aliases := resolver.New()
	opLog := oplog.New(kv, oplog.WithAliaser(aliases))
	if err := opLog.Load(ctx); err != nil {
		logger.WithError(err).Fatal("load operation log")
	}
	dead := oplog.NewDeadLetters(kv)
	if err := dead.Load(ctx); err != nil {
		logger.WithError(err).Fatal("load dead letters")
	}

	ws := reconcile.NewWorkingSet(domain.ActiveScope{ProjectID: cfg.projectID, WorkspaceID: cfg.workspaceID})
	invalidators := flush.Invalidators{}
	var refresher *reconcile.Refresher
	if cfg.tasksTable != "" && cfg.projectsTable != "" && cfg.teamTable != "" {
		tables, err := storage.NewTableSnapshots(cfg.storageConn, cfg.tasksTable, cfg.projectsTable, cfg.teamTable)
		if err != nil {
			logger.WithError(err).Fatal("snapshot tables")
		}
		var source reconcile.SnapshotSource = tables
		if rc != nil {
			cache := storage.NewSnapshotCache(tables, rc, cfg.cacheTTL, logger)
			invalidators = append(invalidators, cache)
			source = cache
		}
		refresher = reconcile.NewRefresher(source, ws, logger)
		invalidators = append(invalidators, refresher)
	} else {
		logger.Warn("snapshot tables not configured; reconciliation disabled")
	}

	queue, err := remote.NewQueueFromConnectionString(cfg.storageConn, cfg.commandQueue)
	if err != nil {
		logger.WithError(err).Fatal("command queue")
	}
	var dedupe remote.Deduper
	if rc != nil {
		dedupe = remote.NewRedisDeduper(rc, cfg.deduperTTL)
	}
	executor := remote.NewQueueExecutor(queue, dedupe, cfg.userID, logger)

	sched := flush.New(opLog, dead, executor.Executors(),
		flush.WithConfig(flush.Config{
			Interval:    cfg.interval,
			MaxPerCycle: cfg.maxPerCycle,
			RetryLimit:  cfg.retryLimit,
		}),
		flush.WithResolver(aliases),
		flush.WithRemapper(ws),
		flush.WithInvalidator(invalidators),
		flush.WithActiveScope(ws.Active),
		flush.WithLogger(logger),
		flush.WithTracer(tp.Tracer("github.com/asepindrak/commitflow/flush")),
	)

	if refresher != nil {
		if err := refresher.Refresh(ctx); err != nil {
			logger.WithError(err).Warn("initial refresh failed")
		}
		if rc != nil && cfg.updatesChan != "" {
			go reconcile.SubscribeUpdates(ctx, logger, rc, cfg.updatesChan, invalidators)
		}
	}
	sched.Start(ctx)

	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept, echo.HeaderContentEncoding},
	}))
	deps := api.Deps{Log: opLog, Dead: dead, Scheduler: sched, Working: ws}
	if refresher != nil {
		deps.Refresher = refresher
	}
	api.Register(e, deps, logger)

	go func() {
		if err := e.Start(cfg.listenAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Fatal("http server")
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("http shutdown")
	}
	sched.Stop()
	if err := opLog.Persist(shutdownCtx); err != nil {
		logger.WithError(err).Error("final persist failed")
	}
}

func openKV(cfg config, rc *redis.Client) (oplog.KV, func()) {
	noop := func() {}
	switch cfg.queueBackend {
	case "redis":
		if rc == nil {
			log.Fatal("missing redis config")
		}
		return storage.NewRedisKV(rc, "commitflow:"+cfg.userID+":"), noop
	case "file":
		if cfg.queueDir == "" {
			log.Fatal("missing QUEUE_DIR")
		}
		kv, err := storage.NewFileKV(cfg.queueDir)
		if err != nil {
			log.Fatalf("file queue: %v", err)
		}
		return kv, noop
	case "sqlite":
		kv, err := storage.OpenSQLite(cfg.queueDSN)
		if err != nil {
			log.Fatalf("sqlite queue: %v", err)
		}
		return kv, func() { _ = kv.Close() }
	case "postgres":
		kv, err := storage.OpenPostgres(cfg.queueDSN)
		if err != nil {
			log.Fatalf("postgres queue: %v", err)
		}
		return kv, func() { _ = kv.Close() }
	case "memory":
		return storage.NewMemoryKV(), noop
	}
	log.Fatalf("unknown QUEUE_BACKEND %q", cfg.queueBackend)
	return nil, noop
}
