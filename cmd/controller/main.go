// Package main is the entry point for the workerhub controller: the HTTP
// producer API and the websocket endpoint workers connect to.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"workerhub/internal/auth"
	"workerhub/internal/config"
	"workerhub/internal/controller"
	"workerhub/internal/controller/handlers"
	"workerhub/internal/hub"
	"workerhub/internal/logger"
	"workerhub/internal/logic"
	"workerhub/internal/observability"
	"workerhub/internal/report"
	"workerhub/internal/store"
	"workerhub/internal/store/etcd"
	"workerhub/internal/store/memory"
	"workerhub/internal/store/postgres"

	"go.opentelemetry.io/otel"
	"go.uber.org/zap"
)

// rpcWriteMargin is added to the rpc timeout so the 504 still fits in the response deadline.
const rpcWriteMargin = 15 * time.Second

func main() {
	configPath := flag.String("config", "", "Path to config file (default: workerhub.yaml in current directory)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(cfg.Log.Level)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	if err := run(cfg, log); err != nil {
		log.Fatal("controller failed", zap.Error(err))
	}
}

func run(cfg *config.Config, log *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := openStore(ctx, cfg.Store, log)
	if err != nil {
		return err
	}
	defer st.Close()

	// Tracing
	shutdownTracer := observability.NoopShutdown
	if cfg.OTEL.Enabled {
		shutdownTracer, err = observability.InitTracer(ctx, "workerhub-controller", cfg.OTEL.Endpoint)
		if err != nil {
			return fmt.Errorf("init tracing: %w", err)
		}
	}
	defer func() {
		if err := shutdownTracer(context.Background()); err != nil {
			log.Warn("failed to shutdown tracer", zap.Error(err))
		}
	}()

	// Metrics. The provider is installed before the hub creates its instruments.
	metricsHandler, shutdownMetrics, err := observability.InitMetrics()
	if err != nil {
		return fmt.Errorf("init metrics: %w", err)
	}
	defer func() {
		if err := shutdownMetrics(context.Background()); err != nil {
			log.Warn("failed to shutdown metrics", zap.Error(err))
		}
	}()

	src, err := logic.Load(cfg.Hub.LogicFile)
	if err != nil {
		return err
	}
	if art, ok := src.Current(); ok {
		log.Info("logic file loaded", zap.String("path", cfg.Hub.LogicFile), zap.String("hash", art.Hash))
	}

	gate := auth.NewGate(st, cfg.Hub.StrictAuth, log.Named("auth"))
	h, err := hub.New(st, gate, src, hub.Options{
		FailOrphanedJobs: cfg.Hub.FailOrphanedJobs,
		RPCTimeout:       cfg.Hub.RPCTimeout,
		SendBuffer:       cfg.Hub.SendBuffer,
		PongWait:         cfg.Hub.PongWait,
	}, log.Named("hub"))
	if err != nil {
		return err
	}

	reporter := report.New(st, h)
	if err := observability.RegisterQueueDepth(otel.Meter("workerhub/controller"), reporter.QueueDepth, log); err != nil {
		log.Warn("queue depth gauge disabled", zap.Error(err))
	}

	rpcMode := cfg.Hub.DispatchMode == config.ModeRPC
	writeTimeout := time.Duration(0)
	if rpcMode {
		writeTimeout = cfg.Hub.RPCTimeout + rpcWriteMargin
	}

	srv := controller.New(controller.Options{
		Addr:           fmt.Sprintf(":%d", cfg.Server.Port),
		APIToken:       cfg.Server.APIToken,
		RateLimit:      cfg.Server.RateLimit,
		RateLimitBurst: cfg.Server.RateLimitBurst,
		WriteTimeout:   writeTimeout,
		Metrics:        metricsHandler,
	}, handlers.New(h, reporter, st, rpcMode, log.Named("api")), http.HandlerFunc(h.ServeWS), log)

	log.Info("workerhub controller starting",
		zap.Int("port", cfg.Server.Port),
		zap.String("store", cfg.Store.Driver),
		zap.String("dispatch_mode", cfg.Hub.DispatchMode),
		zap.Bool("strict_auth", cfg.Hub.StrictAuth),
	)
	if cfg.Server.APIToken == "" {
		log.Warn("producer API is unauthenticated; set server.api_token")
	}

	if err := srv.Run(ctx); err != nil {
		return err
	}
	log.Info("server exited properly")
	return nil
}

func openStore(ctx context.Context, cfg config.StoreConfig, log *zap.Logger) (store.Store, error) {
	switch cfg.Driver {
	case config.DriverPostgres:
		st, err := postgres.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("connect to postgres: %w", err)
		}
		if cfg.Migrate {
			version, err := postgres.Migrate(st.DB())
			if err != nil {
				st.Close()
				return nil, fmt.Errorf("migrate: %w", err)
			}
			log.Info("migrations applied", zap.Uint("version", version))
		}
		return st, nil

	case config.DriverEtcd:
		st, err := etcd.New(cfg.EtcdEndpoints)
		if err != nil {
			return nil, fmt.Errorf("connect to etcd: %w", err)
		}
		return st, nil

	default:
		log.Warn("using in-memory store; jobs and nodes are lost on restart")
		return memory.New(), nil
	}
}
