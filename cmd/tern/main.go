package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ternmail/tern/cache"
	"github.com/ternmail/tern/config"
	"github.com/ternmail/tern/crypto"
	"github.com/ternmail/tern/db"
	"github.com/ternmail/tern/logger"
	"github.com/ternmail/tern/server"
	"github.com/ternmail/tern/storage"
	"github.com/ternmail/tern/sync"
)

func main() {
	configPath := flag.String("config", "config.toml", "Path to TOML configuration file")
	fLogOutput := flag.String("logoutput", "", "Log output destination: 'stderr', 'stdout', 'syslog' or a file path (overrides config)")
	fLogLevel := flag.String("loglevel", "", "Log level: debug, info, warn, error (overrides config)")
	fOnce := flag.Bool("once", false, "Run a single sync cycle for all accounts and exit")
	fAccount := flag.Int64("account", 0, "Restrict syncing to a single account id")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}
	if *fLogOutput != "" {
		cfg.Logging.Output = *fLogOutput
	}
	if *fLogLevel != "" {
		cfg.Logging.Level = *fLogLevel
	}

	logFile, err := logger.Initialize(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logging: %v\n", err)
		os.Exit(1)
	}
	if logFile != nil {
		defer logFile.Close()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, *fOnce, *fAccount); err != nil {
		logger.Fatal("tern exited with error", "error", err)
	}
}

func run(ctx context.Context, cfg config.Config, once bool, onlyAccount int64) error {
	database, err := db.NewDatabaseFromConfig(ctx, &cfg.Database)
	if err != nil {
		return fmt.Errorf("database: %w", err)
	}
	defer database.Close()
	database.StartPoolMetrics(ctx)

	cipher, err := crypto.NewCipher(cfg.Crypto.MasterKey)
	if err != nil {
		return fmt.Errorf("crypto: %w", err)
	}

	store, err := storage.New(cfg.S3, cipher)
	if err != nil {
		return fmt.Errorf("object storage: %w", err)
	}

	payloadCache, err := cache.New(cfg.Cache)
	if err != nil {
		return fmt.Errorf("payload cache: %w", err)
	}
	defer payloadCache.Close()
	payloadCache.StartPurgeLoop(ctx)

	accounts := sync.NewAccountCache(sync.StaticAccountLoader(cfg.Accounts))
	engine, err := sync.NewEngine(sync.EngineOptions{
		Database: database,
		Config:   cfg.Sync,
		Accounts: accounts,
		Fetcher:  sync.NewFetchExecutor(database, store, payloadCache),
	})
	if err != nil {
		return fmt.Errorf("engine: %w", err)
	}

	errChan := make(chan error, 1)
	if cfg.Metrics.Enabled {
		go server.Start(ctx, server.Options{
			Addr:   cfg.Metrics.Addr,
			APIKey: cfg.Metrics.APIKey,
			DB:     database,
			Engine: engine,
		}, errChan)
	}

	accountIDs := make([]int64, 0, len(cfg.Accounts))
	for _, a := range cfg.Accounts {
		if onlyAccount != 0 && a.ID != onlyAccount {
			continue
		}
		accountIDs = append(accountIDs, a.ID)
	}
	if len(accountIDs) == 0 {
		logger.Warn("no accounts configured to sync")
	}

	if once {
		engine.SyncAll(ctx, accountIDs)
		return ctx.Err()
	}

	interval, err := cfg.Sync.GetInterval()
	if err != nil {
		return fmt.Errorf("sync interval: %w", err)
	}
	logger.Info("tern started", "accounts", len(accountIDs), "interval", interval)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	engine.SyncAll(ctx, accountIDs)
	for {
		select {
		case <-ctx.Done():
			logger.Info("tern shutting down")
			return nil
		case err := <-errChan:
			return err
		case <-ticker.C:
			engine.SyncAll(ctx, accountIDs)
		}
	}
}
