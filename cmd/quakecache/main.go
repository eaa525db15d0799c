package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	httpadapter "github.com/couchcryptid/quake-cache-service/internal/adapter/http"
	kafkaadapter "github.com/couchcryptid/quake-cache-service/internal/adapter/kafka"
	"github.com/couchcryptid/quake-cache-service/internal/adapter/store"
	"github.com/couchcryptid/quake-cache-service/internal/adapter/usgs"
	"github.com/couchcryptid/quake-cache-service/internal/config"
	"github.com/couchcryptid/quake-cache-service/internal/domain"
	"github.com/couchcryptid/quake-cache-service/internal/engine"
	"github.com/couchcryptid/quake-cache-service/internal/observability"
	sharedobs "github.com/couchcryptid/storm-data-shared/observability"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := sharedobs.NewLogger(cfg.LogLevel, cfg.LogFormat)
	metrics := observability.NewMetrics()

	backend, closeStore, err := openStore(cfg, logger)
	if err != nil {
		logger.Error("failed to open record store", "backend", cfg.StoreBackend, "error", err)
		os.Exit(1)
	}
	var records engine.Store = backend
	if cfg.StoreLRUSize > 0 {
		records = store.NewCached(backend, cfg.StoreLRUSize, metrics)
	}

	upstream := usgs.NewClient(usgs.Options{
		BaseURL:     cfg.UpstreamURL,
		Timeout:     cfg.UpstreamTimeout,
		ResultLimit: cfg.UpstreamResultLimit,
		RatePerSec:  cfg.UpstreamRatePerSec,
	}, metrics, logger)

	// Publishing new events is feature-flagged via KAFKA_ENABLED.
	var (
		notifier  engine.Notifier
		publisher *kafkaadapter.Publisher
	)
	if cfg.KafkaEnabled {
		publisher = kafkaadapter.NewPublisher(cfg, metrics, logger)
		notifier = publisher
		logger.Info("kafka notifications enabled", "topic", cfg.KafkaTopic, "brokers", cfg.KafkaBrokers)
	} else {
		logger.Info("kafka notifications disabled")
	}

	opts := engine.Options{
		MaxRetries:   cfg.UpstreamMaxRetries,
		RetryBase:    cfg.UpstreamRetryBase,
		RegionDelay:  cfg.RegionDelay,
		PartialEvery: cfg.PartialEvery,
		OnPartialResult: func(q domain.CacheQuery, partial []domain.EventRecord) {
			logger.Debug("partial result", "region", q.Region, "records", len(partial))
		},
	}
	eng := engine.New(records, upstream, notifier, logger, metrics, opts)

	srv := httpadapter.NewServer(cfg.HTTPAddr, eng, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", "error", err)
		}
	}()

	topOffDone := make(chan struct{})
	if cfg.TopOffInterval > 0 {
		go func() {
			defer close(topOffDone)
			eng.RunTopOffLoop(ctx, cfg.TopOffInterval)
		}()
	} else {
		close(topOffDone)
		logger.Info("top-off loop disabled")
	}

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	eng.Cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", "error", err)
	}
	select {
	case <-topOffDone:
	case <-shutdownCtx.Done():
		logger.Warn("top-off loop did not stop before shutdown timeout")
	}
	if publisher != nil {
		if err := publisher.Close(); err != nil {
			logger.Error("kafka publisher close error", "error", err)
		}
	}
	if err := closeStore(); err != nil {
		logger.Error("record store close error", "error", err)
	}

	logger.Info("shutdown complete")
}

// openStore returns the configured backend and its close function.
func openStore(cfg *config.Config, logger *slog.Logger) (store.Backend, func() error, error) {
	switch cfg.StoreBackend {
	case config.BackendMemory:
		logger.Info("using in-memory record store")
		return store.NewMemory(), func() error { return nil }, nil
	default:
		db, err := store.OpenBadger(cfg.StorePath, false, logger)
		if err != nil {
			return nil, nil, err
		}
		logger.Info("using badger record store", "path", cfg.StorePath)
		return db, db.Close, nil
	}
}
