package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/shehryarbajwa/workshop-mini/internal/admission"
	"github.com/shehryarbajwa/workshop-mini/internal/api"
	"github.com/shehryarbajwa/workshop-mini/internal/catalog"
	"github.com/shehryarbajwa/workshop-mini/internal/config"
	"github.com/shehryarbajwa/workshop-mini/internal/logging"
	"github.com/shehryarbajwa/workshop-mini/internal/metrics"
	"github.com/shehryarbajwa/workshop-mini/internal/provision"
	"github.com/shehryarbajwa/workshop-mini/internal/proxy"
	"github.com/shehryarbajwa/workshop-mini/internal/ratelimit"
	"github.com/shehryarbajwa/workshop-mini/internal/session"
	"github.com/shehryarbajwa/workshop-mini/internal/store"
	"github.com/shehryarbajwa/workshop-mini/internal/store/bolt"
	"github.com/shehryarbajwa/workshop-mini/internal/store/memory"
	"github.com/shehryarbajwa/workshop-mini/internal/store/sqlite"
	"github.com/shehryarbajwa/workshop-mini/internal/sweeper"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "workshop-mini: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// Load .env file
	envErr := godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger, err := logging.New(os.Stderr, cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return err
	}
	if envErr != nil {
		logger.Debug().Msg("no .env file found, using process environment")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sessionStore, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer sessionStore.Close()
	logger.Info().Str("driver", cfg.StoreDriver).Str("path", cfg.StorePath).Msg("session store opened")

	labs := catalog.NewStatic(cfg.Labs)
	gateway, closeGateway, err := openGateway(ctx, cfg, labs, logger)
	if err != nil {
		return err
	}
	defer closeGateway()

	collector := metrics.New()
	controller := admission.NewController(sessionStore, admission.Config{
		PerUserCap: cfg.PerUserSessionCap,
		GlobalCap:  cfg.GlobalSessionCap,
	}, logger)
	sessionMgr := session.NewManager(session.Deps{
		Store:     sessionStore,
		Admission: controller,
		Gateway:   gateway,
		Catalog:   labs,
		Metrics:   collector,
		Logger:    logger,
	}, session.Config{
		SessionDuration:    cfg.SessionDuration,
		MaxSessionDuration: cfg.MaxSessionDuration,
		ProvisionTimeout:   cfg.ProvisionTimeout,
	})
	reaper := sweeper.New(sessionStore, sessionMgr.Machine(), sweeper.Config{
		Interval:    cfg.SweepInterval,
		Grace:       cfg.ProvisioningGraceTimeout,
		Concurrency: cfg.SweepConcurrency,
	}, collector, logger)

	proxyServer := proxy.NewServer(sessionMgr, logger)
	rateLimiter := ratelimit.NewLimiter(cfg.RateLimitPerHour, cfg.RateLimitBurst)
	router := api.NewHandler(sessionMgr, logger).SetupRoutes(proxyServer, rateLimiter, collector, cfg.IsAdmin)

	// No write timeout: websocket proxies are long lived.
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           router,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info().Str("addr", cfg.HTTPAddr).Msg("http server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		if err := reaper.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	sessionMgr.Wait()
	logger.Info().Msg("stopped cleanly")
	return err
}

func openStore(ctx context.Context, cfg config.Config) (store.Store, error) {
	switch cfg.StoreDriver {
	case config.DriverMemory:
		return memory.New(), nil
	case config.DriverBolt, config.DriverSQLite:
		if err := os.MkdirAll(filepath.Dir(cfg.StorePath), 0o755); err != nil {
			return nil, fmt.Errorf("create store directory: %w", err)
		}
		if cfg.StoreDriver == config.DriverBolt {
			return bolt.Open(cfg.StorePath)
		}
		return sqlite.Open(ctx, cfg.StorePath)
	}
	return nil, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
}

func openGateway(ctx context.Context, cfg config.Config, labs *catalog.Static, logger zerolog.Logger) (provision.Gateway, func(), error) {
	if cfg.Provisioner != config.ProvisionerDocker {
		return provision.NewStatic(cfg.StaticEndpoint), func() {}, nil
	}

	docker, err := provision.NewDocker(provision.DockerConfig{
		ImageTemplate: cfg.DockerImage,
		Port:          cfg.DockerPort,
		Host:          cfg.DockerHost,
	}, logger)
	if err != nil {
		return nil, nil, err
	}
	if published := labs.Labs(); len(published) > 0 {
		pullCtx, cancel := context.WithTimeout(ctx, 5*time.Minute)
		defer cancel()
		logger.Info().Int("labs", len(published)).Msg("ensuring lab images are available")
		if err := docker.EnsureImages(pullCtx, published); err != nil {
			_ = docker.Close()
			return nil, nil, err
		}
	}
	return docker, func() { _ = docker.Close() }, nil
}
