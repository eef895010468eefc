package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"slanchor/broadcast"
	"slanchor/config"
	"slanchor/crypto"
	"slanchor/intent"
	"slanchor/observability"
	"slanchor/observability/logging"
	"slanchor/server"
	"slanchor/storage"
	"slanchor/txbuilder"
	"slanchor/worker"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "anchord: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "", "path to anchord configuration (TOML)")
	flag.Parse()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}
	log := logging.Setup("anchord", cfg.Environment, cfg.LogLevel)

	params, err := cfg.Params()
	if err != nil {
		return err
	}
	key, err := crypto.LoadKeyFile(cfg.KeyFile, params)
	if err != nil {
		return fmt.Errorf("load signing key: %w", err)
	}
	addr, err := key.Address()
	if err != nil {
		return fmt.Errorf("derive server address: %w", err)
	}
	poolAddr := cfg.PoolAddress
	if poolAddr == "" {
		poolAddr = addr.EncodeAddress()
	}
	changeAddr := cfg.ChangeAddress
	if changeAddr == "" {
		changeAddr = addr.EncodeAddress()
	}

	db, err := storage.Open(cfg.DatabaseDSN)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	store := storage.New(db)

	log.Info("ledger client configured",
		"url", cfg.LedgerURL,
		logging.MaskField("token", cfg.LedgerAuthToken))

	validator := intent.NewValidator(store, cfg.TimestampSkew())
	pipeline := &worker.Pipeline{
		Store:      store,
		Builder:    txbuilder.New(key, cfg.FeeRatePerKB),
		Sender:     broadcast.New(cfg.LedgerURL, cfg.LedgerAuthToken, cfg.BroadcastTimeout()),
		Lease:      cfg.UTXOLease(),
		ChangeAddr: changeAddr,
		Log:        log,
		Metrics:    observability.Anchor(),
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	httpSrv := &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           server.New(store, validator, log).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		log.Info("admission api listening", "addr", cfg.ListenAddress)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server failed", "error", err)
			stop()
		}
	}()

	switch cfg.WorkerMode {
	case config.WorkerModeSingle:
		w := worker.NewWorker(pipeline, cfg.WorkerPoll(), cfg.SendingTTL())
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.Run(ctx)
		}()
	default:
		collector := worker.NewCollector(pipeline, cfg.BatchWindow(), cfg.MaxBatchSize)
		bucket := worker.NewTokenBucket(cfg.RateLimitCapacity, cfg.RateLimitWindow())
		broadcaster := worker.NewBroadcaster(pipeline, bucket, cfg.SendingTTL())
		wg.Add(2)
		go func() {
			defer wg.Done()
			collector.Run(ctx)
		}()
		go func() {
			defer wg.Done()
			broadcaster.Run(ctx)
		}()
	}

	replenisher := worker.NewReplenisher(pipeline, worker.ReplenisherConfig{
		Interval:    cfg.PoolCheckInterval(),
		Cooldown:    cfg.SplitCooldown(),
		MinPoolSize: cfg.PoolMinSize,
		SplitSize:   cfg.PoolSplitSize,
		UnitValue:   cfg.UnitValue,
		PoolAddr:    poolAddr,
		ChangeAddr:  changeAddr,
	})
	wg.Add(1)
	go func() {
		defer wg.Done()
		replenisher.Run(ctx)
	}()

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Error("http shutdown failed", "error", err)
	}
	wg.Wait()
	log.Info("anchord stopped")
	return nil
}
