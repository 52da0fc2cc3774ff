// Package main is the entry point for the workerhub worker agent.
// The worker dials the coordinator, runs pushed tasks through the configured
// executor runtime and keeps its executor artifact in sync.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"workerhub/internal/config"
	"workerhub/internal/logger"
	"workerhub/internal/observability"
	"workerhub/internal/worker"
	"workerhub/internal/worker/runtime"

	"go.uber.org/zap"
)

func main() {
	configPath := flag.String("config", "", "Path to config file (default: workerhub.yaml in current directory)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err == nil {
		err = cfg.ValidateWorker()
	}
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

	if err := run(cfg, log); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatal("worker failed", zap.Error(err))
	}
}

func run(cfg *config.Config, log *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracer := observability.NoopShutdown
	if cfg.OTEL.Enabled {
		var err error
		shutdownTracer, err = observability.InitTracer(ctx, "workerhub-worker", cfg.OTEL.Endpoint)
		if err != nil {
			return fmt.Errorf("init tracing: %w", err)
		}
	}
	defer func() {
		if err := shutdownTracer(context.Background()); err != nil {
			log.Warn("failed to shutdown tracer", zap.Error(err))
		}
	}()

	rt, err := newRuntime(cfg.Worker, log)
	if err != nil {
		return err
	}

	agent, err := worker.New(rt, worker.Config{
		URL:               cfg.Worker.ControllerURL,
		MachineID:         cfg.Worker.MachineID,
		SecretKey:         cfg.Worker.SecretKey,
		Name:              cfg.Worker.Name,
		HeartbeatInterval: cfg.Worker.HeartbeatInterval,
		ReconnectBackoff:  cfg.Worker.ReconnectBackoff,
		MaxBackoff:        cfg.Worker.MaxBackoff,
		LogicPath:         cfg.Worker.LogicPath,
	}, log.Named("agent"))
	if err != nil {
		return err
	}

	log.Info("worker started",
		zap.String("controller", cfg.Worker.ControllerURL),
		zap.String("machine_id", cfg.Worker.MachineID),
		zap.String("runtime", cfg.Worker.Runtime),
	)
	return agent.Run(ctx)
}

func newRuntime(cfg config.WorkerConfig, log *zap.Logger) (runtime.Runtime, error) {
	switch cfg.Runtime {
	case config.RuntimeDocker:
		rt, err := runtime.NewDockerRuntime(cfg.Image, cfg.Command, cfg.LogicPath)
		if err != nil {
			return nil, err
		}
		log.Info("using docker runtime", zap.String("image", cfg.Image))
		return rt, nil
	default:
		command := cfg.Command
		if len(command) == 0 {
			// The executor artifact is a node script unless told otherwise.
			command = []string{"node", cfg.LogicPath}
		}
		log.Info("using exec runtime", zap.Strings("command", command))
		return runtime.NewExecRuntime(command, cfg.LogicPath, "")
	}
}
