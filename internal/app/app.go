// Package app wires configuration, persistence, the validator, transport,
// and the maintenance scheduler into a runnable daemon.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"

	"github.com/saidaladawi/universal-workshop-erp-sub013/internal/authority"
	"github.com/saidaladawi/universal-workshop-erp-sub013/internal/config"
	"github.com/saidaladawi/universal-workshop-erp-sub013/internal/fingerprint"
	"github.com/saidaladawi/universal-workshop-erp-sub013/internal/infrastructure"
	"github.com/saidaladawi/universal-workshop-erp-sub013/internal/license"
	"github.com/saidaladawi/universal-workshop-erp-sub013/internal/scheduler"
	"github.com/saidaladawi/universal-workshop-erp-sub013/internal/store"
	handlers "github.com/saidaladawi/universal-workshop-erp-sub013/internal/transport/http"
)

const (
	AppName = "universal-workshop-licensed"
	Version = "1.0.0"
)

// Application is the dependency container for the license daemon.
type Application struct {
	Config        *config.Config
	Logger        *slog.Logger
	Router        *chi.Mux
	Server        *http.Server
	Store         store.Store
	Validator     *license.Validator
	Scheduler     *scheduler.Scheduler
	OTelProviders *infrastructure.OTelProviders
}

// NewApplication loads configuration and builds the full dependency graph.
func NewApplication(configFile string) (*Application, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	logger, err := infrastructure.InitializeLogger(cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	logger.Info("application starting",
		slog.String("name", AppName),
		slog.String("version", Version),
	)

	providers, err := infrastructure.InitializeOTel(infrastructure.DefaultOTelConfig(), logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}

	backingStore, err := openStore(cfg.Store)
	if err != nil {
		return nil, err
	}
	logger.Info("persistence store opened",
		slog.String("backend", cfg.Store.Backend),
	)

	metrics, err := license.NewMetrics(providers.Meter)
	if err != nil {
		return nil, fmt.Errorf("failed to register license metrics: %w", err)
	}

	verifier, err := license.NewTokenVerifier(cfg.License.AuthorityPublicKey)
	if err != nil {
		return nil, fmt.Errorf("failed to load authority public key: %w", err)
	}

	tolerance, err := fingerprint.ParseTolerance(cfg.License.FingerprintTolerance)
	if err != nil {
		return nil, err
	}

	audit := license.NewAuditLog(backingStore, logger, metrics)
	revocations := license.NewRevocationList(backingStore, audit, logger, metrics)
	sessions := license.NewSessionManager(backingStore, audit, logger, metrics,
		cfg.License.GraceDuration(), cfg.License.SessionRetentionCount)

	validator := license.NewValidator(license.ValidatorDeps{
		Fingerprints:         fingerprint.NewGenerator(),
		Matcher:              fingerprint.NewMatcher(cfg.License.FingerprintMaxDrift),
		Tolerance:            tolerance,
		Verifier:             verifier,
		Tokens:               license.NewFileTokenSource(cfg.License.TokenDir),
		Authority:            authority.NewHTTPClient(cfg.License.AuthorityURL, logger),
		Revocations:          revocations,
		Sessions:             sessions,
		Bindings:             backingStore,
		Audit:                audit,
		Metrics:              metrics,
		Logger:               logger,
		Timeout:              cfg.License.ValidationTimeout(),
		AuthorityMinInterval: cfg.License.AuthorityMinInterval,
	})

	retention := time.Duration(cfg.License.RevocationRetentionDays) * 24 * time.Hour
	sched := scheduler.New(revocations, sessions, logger, cfg.Scheduler, retention)

	app := &Application{
		Config:        cfg,
		Logger:        logger,
		Store:         backingStore,
		Validator:     validator,
		Scheduler:     sched,
		OTelProviders: providers,
	}
	app.Router = app.buildRouter()
	app.Server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      app.Router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}
	return app, nil
}

func openStore(cfg config.StoreConfig) (store.Store, error) {
	switch cfg.Backend {
	case "db":
		s, err := store.NewGormStore(cfg.Driver, cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("failed to open db store: %w", err)
		}
		return s, nil
	default:
		s, err := store.NewFileStore(cfg.Dir)
		if err != nil {
			return nil, fmt.Errorf("failed to open file store: %w", err)
		}
		return s, nil
	}
}

func (a *Application) buildRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(render.SetContentType(render.ContentTypeJSON))

	licenseHandler := handlers.NewLicenseHandler(a.Validator, a.Logger)
	healthHandler := handlers.NewHealthHandler(a.Logger, Version)

	r.Route("/api", func(r chi.Router) {
		r.Mount("/v1/license", licenseHandler.Routes())
		r.Get("/health", healthHandler.HealthCheck)
		r.Get("/health/live", healthHandler.LivenessCheck)
	})
	if a.OTelProviders.PrometheusHTTP != nil {
		r.Handle("/metrics", a.OTelProviders.PrometheusHTTP)
	}
	return r
}

// Run starts the server and the maintenance scheduler, then blocks until a
// shutdown signal arrives.
func (a *Application) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a.Scheduler.Start(ctx)

	errCh := make(chan error, 1)
	go func() {
		a.Logger.Info("http server listening", slog.String("addr", a.Server.Addr))
		if err := a.Server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server failed: %w", err)
	case <-ctx.Done():
	}

	a.Logger.Info("shutdown signal received")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.Config.Server.ShutdownTimeout)
	defer cancel()

	if err := a.Server.Shutdown(shutdownCtx); err != nil {
		a.Logger.Error("http server shutdown failed", slog.String("error", err.Error()))
	}
	a.Scheduler.Stop()
	if err := a.OTelProviders.Shutdown(shutdownCtx); err != nil {
		a.Logger.Error("telemetry shutdown failed", slog.String("error", err.Error()))
	}
	if err := infrastructure.CloseLogFile(); err != nil {
		a.Logger.Error("log file close failed", slog.String("error", err.Error()))
	}
	a.Logger.Info("shutdown complete")
	return nil
}
