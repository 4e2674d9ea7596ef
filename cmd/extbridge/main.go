package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/extbridge/pkg/api"
	"github.com/platinummonkey/extbridge/pkg/apk"
	"github.com/platinummonkey/extbridge/pkg/catalog"
	"github.com/platinummonkey/extbridge/pkg/classfile"
	"github.com/platinummonkey/extbridge/pkg/config"
	"github.com/platinummonkey/extbridge/pkg/converter"
	"github.com/platinummonkey/extbridge/pkg/interop"
	"github.com/platinummonkey/extbridge/pkg/manager"
	"github.com/platinummonkey/extbridge/pkg/observability"
	"github.com/platinummonkey/extbridge/pkg/scheduler"
	"github.com/platinummonkey/extbridge/pkg/sideload"
	"github.com/platinummonkey/extbridge/pkg/storage"
	"github.com/platinummonkey/extbridge/pkg/workfolder"
)

func main() {
	configFile := flag.String("config", "", "YAML config file (overrides "+config.ConfigFileEnv+")")
	validateOnly := flag.Bool("validate", false, "Repair stale extensions and exit")
	flag.Parse()

	if *configFile != "" {
		os.Setenv(config.ConfigFileEnv, *configFile)
	}
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := observability.NewLogger(cfg.Observability.LogLevel, cfg.Observability.LogFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}

	if err := run(cfg, logger, *validateOnly); err != nil {
		logger.Fatalf("extbridge: %v", err)
	}
}

func run(cfg *config.Config, logger *logrus.Logger, validateOnly bool) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	otel, err := observability.InitOTel(ctx, cfg.Observability.OTel(), logger)
	if err != nil {
		return fmt.Errorf("failed to initialize OpenTelemetry: %w", err)
	}

	var (
		registry *prometheus.Registry
		metrics  *observability.Metrics
	)
	if cfg.Observability.MetricsEnabled {
		registry = prometheus.NewRegistry()
		metrics = observability.NewMetrics(registry)
	}
	health := observability.NewHealthChecker(cfg.Observability.OTelServiceVersion)

	// Working folder and persistence
	folder, err := workfolder.New(cfg.WorkFolder.Dir, cfg.WorkFolder.TempDir)
	if err != nil {
		return err
	}
	store, err := storage.Open(cfg.Storage, folder, logger)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	if sqlStore, ok := store.(*storage.SQLStorage); ok {
		health.AddCheck("store", true, observability.DatabaseCheck(sqlStore.DB()))
	} else {
		health.AddCheck("store", true, store.HealthCheck)
	}
	health.AddCheck("converter", false, observability.CommandCheck(cfg.Converter.Command))
	health.AddCheck("host", false, observability.CommandCheck(cfg.Host.Command))

	// Catalog transports and index cache
	transports := map[string]catalog.Transport{}
	if cfg.Catalog.S3.Region != "" || cfg.Catalog.S3.Endpoint != "" {
		s3, err := catalog.NewS3Transport(ctx, cfg.Catalog.S3)
		if err != nil {
			return err
		}
		transports["s3"] = s3
	}
	web := catalog.NewHTTPTransport(cfg.Catalog.HTTPTimeout)
	transports["http"], transports["https"] = web, web

	cache := catalog.TieredIndexCache{
		catalog.NewMemoryIndexCache(cfg.Catalog.IndexCacheSize, cfg.Catalog.IndexCacheTTL, metrics),
	}
	if cfg.Catalog.RedisURL != "" {
		client, err := catalog.NewRedisClient(ctx, cfg.Catalog.RedisURL)
		if err != nil {
			return err
		}
		cache = append(cache, catalog.NewRedisIndexCache(client, cfg.Catalog.IndexCacheTTL, logger, metrics))
		health.AddCheck("redis", false, observability.RedisCheck(client))
	}
	downloader := catalog.NewDownloader(catalog.DownloaderOptions{
		Transports: transports,
		Cache:      cache,
		Logger:     logger,
	})

	// Local registry
	extensions, err := manager.New(manager.Options{
		Store:       store,
		Folder:      folder,
		Downloader:  downloader,
		Converter:   converter.NewCommandConverter(cfg.Converter, logger),
		Parser:      apk.NewParser(cfg.Package.Limits(), logger),
		Transformer: classfile.NewTransformer(cfg.Transform, logger),
		Engine:      interop.NewProcessEngine(cfg.Host, logger),
		Logger:      logger,
		Metrics:     metrics,
	})
	if err != nil {
		return err
	}
	if err := extensions.Initialize(ctx); err != nil {
		return err
	}

	if validateOnly {
		n, err := extensions.ValidateAll(ctx)
		if err != nil {
			return err
		}
		logger.Infof("Repaired %d extensions", n)
		return store.Close()
	}

	catalogs, err := catalog.New(catalog.Options{
		Store:              store,
		Fetcher:            downloader,
		Updater:            extensions,
		Installer:          extensions,
		RefreshConcurrency: cfg.Catalog.RefreshConcurrency,
		Logger:             logger,
		Metrics:            metrics,
	})
	if err != nil {
		return err
	}
	if err := catalogs.Initialize(ctx); err != nil {
		return err
	}

	// HTTP server
	apiServer := api.NewServer(api.Options{
		Extensions: extensions,
		Catalogs:   catalogs,
		Health:     health,
		Registry:   registry,
		Logger:     logger,
	})
	server := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      apiServer.Handler(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	shutdown := observability.NewShutdownManager(logger, server, cfg.Server.ShutdownTimeout)
	shutdown.RegisterShutdownFunc(func(ctx context.Context) error {
		return store.Close()
	})
	shutdown.RegisterShutdownFunc(extensions.Shutdown)
	shutdown.RegisterShutdownFunc(func(ctx context.Context) error {
		return observability.ShutdownOTel(ctx, otel, logger)
	})

	// Background work
	if cfg.Catalog.RefreshSchedule != "" {
		sched, err := scheduler.New(cfg.Catalog.RefreshSchedule, catalogs, time.Hour, logger)
		if err != nil {
			return err
		}
		sched.Start()
		shutdown.RegisterShutdownFunc(sched.Stop)
		sched.RunNow()
	}
	if cfg.Sideload.Dir != "" {
		watcher, err := sideload.New(sideload.Options{
			Dir:       cfg.Sideload.Dir,
			Installer: extensions,
			Debounce:  cfg.Sideload.Debounce,
			Force:     cfg.Sideload.Force,
			Logger:    logger,
		})
		if err != nil {
			return err
		}
		stopped := make(chan struct{})
		go func() {
			defer close(stopped)
			if err := watcher.Run(ctx); err != nil {
				logger.Errorf("Sideload watcher stopped: %v", err)
			}
		}()
		shutdown.RegisterShutdownFunc(func(shutdownCtx context.Context) error {
			cancel()
			select {
			case <-stopped:
				return nil
			case <-shutdownCtx.Done():
				return shutdownCtx.Err()
			}
		})
	}

	return serve(ctx, server, shutdown, logger)
}

// serve runs server until a signal, ctx ends or the listener fails, then
// shuts down. A listener failure is returned alongside any shutdown error.
func serve(ctx context.Context, server *http.Server, shutdown *observability.ShutdownManager, logger *logrus.Logger) error {
	waitCtx, stopWaiting := context.WithCancel(ctx)
	defer stopWaiting()

	var serveErr error
	served := make(chan struct{})
	go func() {
		defer close(served)
		logger.Infof("Starting extbridge on %s", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr = fmt.Errorf("HTTP server failed: %w", err)
			logger.Error(serveErr)
			stopWaiting()
		}
	}()

	shutdownErr := shutdown.WaitForShutdown(waitCtx)
	<-served
	return errors.Join(serveErr, shutdownErr)
}
