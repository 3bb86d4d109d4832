package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"botsentry/internal/api"
	"botsentry/internal/config"
	"botsentry/internal/engine"
	"botsentry/internal/events"
	"botsentry/internal/export"
	"botsentry/internal/geo"
	"botsentry/internal/logging"
	"botsentry/internal/metrics"
	"botsentry/internal/ml"
	"botsentry/internal/ratelimit"
	"botsentry/internal/storage"
)

var version = "dev"

func main() {
	configPath := flag.String("config", "botsentry.yaml", "path to config file (yaml or json)")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version)
		return
	}

	if err := run(*configPath); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfgManager, err := config.NewManager(config.ResolvePath(configPath))
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	cfg := cfgManager.Get()

	logger := logging.NewLogger(cfg.LogLevel)
	logger.Info("starting botsentry", "version", version, "config", configPath)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var promMetrics *metrics.Metrics
	if cfg.Metrics.Enabled {
		promMetrics = metrics.New()
		metricsServer := metrics.NewServer(cfg.Metrics, promMetrics, logging.Component(logger, "metrics"))
		metricsServer.Start()
		defer func() {
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer shutdownCancel()
			_ = metricsServer.Shutdown(shutdownCtx)
		}()
	}

	store, err := storage.NewStore(cfg.Storage)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	if store != nil {
		if err := store.Init(ctx); err != nil {
			return fmt.Errorf("init storage: %w", err)
		}
		defer store.Close()
		logger.Info("storage enabled", "driver", cfg.Storage.Driver)
	}

	var geoResolver *geo.Resolver
	if cfg.Geo.Enabled {
		geoResolver, err = geo.Open(cfg.Geo.DBPath)
		if err != nil {
			logger.Warn("geo database unavailable", "path", cfg.Geo.DBPath, "err", err)
		} else {
			defer geoResolver.Close()
			logger.Info("geo enrichment enabled", "path", cfg.Geo.DBPath)
		}
	}

	publisher := export.NewPublisher(cfg.Export, logging.Component(logger, "export"))
	if publisher != nil {
		defer publisher.Close()
		logger.Info("kafka export enabled", "brokers", cfg.Export.Brokers, "topic", cfg.Export.Topic)
	}

	ensemble := ml.NewEnsemble()
	var trainer *ml.Trainer
	if store != nil {
		trainer = ml.NewTrainer(store, store, ensemble, logging.Component(logger, "ml"))
		if err := trainer.Restore(ctx); err != nil {
			logger.Warn("model restore failed", "err", err)
		} else if set := ensemble.Current(); set != nil {
			logger.Info("model set restored", "version", set.Version, "samples", set.Samples)
		}
	} else {
		trainer = ml.NewTrainer(nil, nil, ensemble, logging.Component(logger, "ml"))
	}
	// With no persisted set, bootstrap from synthetic data so the ML
	// layer contributes from the first request.
	if ensemble.Current() == nil {
		if _, err := trainer.Retrain(ctx, cfg.ML.Retrain); err != nil && !errors.Is(err, ml.ErrInsufficientData) {
			logger.Warn("bootstrap training failed", "err", err)
		}
	}

	eng := engine.New(engine.Options{
		Config:   cfgManager,
		Logger:   logging.Component(logger, "engine"),
		Metrics:  promMetrics,
		Store:    store,
		Geo:      geoResolver,
		Export:   publisher,
		Events:   events.NewStore(cfg.Events.StoreLimit),
		Limiter:  ratelimit.NewLimiter(time.Minute),
		Ensemble: ensemble,
	})

	api.Start(ctx, cfgManager, eng, store, ensemble, trainer, logging.Component(logger, "api"), version)

	stopWatch := make(chan struct{})
	go cfgManager.Watch(3*time.Second,
		func(updated *config.Config) {
			logger.Info("config reloaded", "path", cfgManager.Path())
		},
		func(err error) {
			logger.Warn("config reload failed", "err", err)
		},
		stopWatch,
	)
	defer close(stopWatch)

	if interval := cfg.ML.Retrain.Interval.Std(); interval > 0 && store != nil {
		go func() {
			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			for {
				select {
				case <-ticker.C:
					if report, err := trainer.Retrain(ctx, cfgManager.Get().ML.Retrain); err != nil {
						logger.Warn("scheduled retrain failed", "err", err)
					} else {
						logger.Info("scheduled retrain complete",
							"version", report.Version,
							"samples", report.TotalSamples,
							"models", report.TrainedModels,
						)
					}
				case <-ctx.Done():
					return
				}
			}
		}()
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	logger.Info("shutting down")
	cancel()
	time.Sleep(200 * time.Millisecond)
	return nil
}
