// Package main provides the entry point for the API server.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/shiplane/shiplane/internal/api"
	"github.com/shiplane/shiplane/internal/command"
	"github.com/shiplane/shiplane/internal/events"
	"github.com/shiplane/shiplane/internal/health"
	"github.com/shiplane/shiplane/internal/models"
	"github.com/shiplane/shiplane/internal/runner"
	pgstore "github.com/shiplane/shiplane/internal/store/postgres"
	"github.com/shiplane/shiplane/pkg/config"
	"github.com/shiplane/shiplane/pkg/logger"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		logger.Default().Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	log := logger.New(logger.ParseLevel(cfg.LogLevel), cfg.LogJSON)

	// Initialize database store
	storeCfg := pgstore.DefaultConfig(cfg.DatabaseDSN)
	store, err := pgstore.NewPostgresStore(storeCfg, log.Logger)
	if err != nil {
		log.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	// Apply pending migrations at startup
	if err := pgstore.Migrate(context.Background(), store.DB()); err != nil {
		log.Error("failed to run migrations", "error", err)
		os.Exit(1)
	}

	// Event bus with durable write-through
	bus := events.NewBus(store.Events(), log.Logger)

	// Health verifier for deployed services
	verifier := health.NewVerifier(cfg.Health.Attempts, cfg.Health.Interval, cfg.Health.Timeout, log.Logger)

	// Run supervisor: local side builds, remote side deploys over SSH
	local := command.NewLocalRunner("", log.Logger)
	newRemote := func(target models.DeployTarget) (command.Runner, error) {
		return command.NewSSHRunner(target.Addr(), target.User, command.SSHConfig{
			KeyPath:        cfg.SSH.KeyPath,
			KnownHostsPath: cfg.SSH.KnownHostsPath,
			DialTimeout:    cfg.SSH.DialTimeout,
		}, log.Logger)
	}
	supervisor := runner.NewSupervisor(store, bus, verifier, local, local, newRemote, runner.Config{
		WorkDir:     cfg.Runner.WorkDir,
		StepTimeout: cfg.Runner.StepTimeout,
	}, log.Logger)

	// Create and start the API server
	server := api.NewServer(cfg, store, bus, supervisor, store, log.Logger)

	// Setup graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		log.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	log.Info("starting deploy service",
		"host", cfg.APIHost,
		"port", cfg.APIPort,
	)

	if err := server.Start(ctx); err != nil {
		log.Error("server error", "error", err)
		os.Exit(1)
	}

	// Give time for graceful shutdown
	time.Sleep(100 * time.Millisecond)
	log.Info("server stopped")
}
