package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/austindbirch/harbor_intake/internal/auth"
	"github.com/austindbirch/harbor_intake/internal/bootstrap"
	"github.com/austindbirch/harbor_intake/internal/config"
	"github.com/austindbirch/harbor_intake/internal/delivery"
	"github.com/austindbirch/harbor_intake/internal/health"
	"github.com/austindbirch/harbor_intake/internal/ingest"
	"github.com/austindbirch/harbor_intake/internal/logging"
	"github.com/austindbirch/harbor_intake/internal/metrics"
	"github.com/austindbirch/harbor_intake/internal/tracing"
	"github.com/austindbirch/harbor_intake/internal/worker"
)

const shutdownTimeout = 30 * time.Second

func main() {
	logger := logging.New("harborhook-ingest")
	logging.SetDefaultService("harborhook-ingest")

	cfg, err := config.Load()
	if err != nil {
		logger.Plain().WithError(err).Fatal("invalid configuration")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Plain().WithError(err).Fatal("ingest failed")
	}
	logger.Plain().Info("ingest stopped")
}

func run(ctx context.Context, cfg config.Config, logger *logging.Logger) error {
	shutdownTracing, err := tracing.InitTracing(ctx, "harborhook-ingest", tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		Endpoint:    cfg.Tracing.Endpoint,
		Insecure:    cfg.Tracing.Insecure,
		SampleRatio: cfg.Tracing.SampleRatio,
	})
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer shutdownTracing()

	deps, err := bootstrap.Open(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer deps.Close()

	reg := prometheus.NewRegistry()
	metrics.MustRegister(reg)

	handler, err := newRouter(cfg, deps, reg, logger)
	if err != nil {
		return err
	}

	var pool *worker.Pool
	if cfg.Worker.Embedded {
		pool = newPool(cfg, deps, logger)
		if err := pool.Start(ctx); err != nil {
			return err
		}
		logger.Plain().WithField("concurrency", cfg.Worker.Concurrency).Info("embedded workers started")
	}

	srv := &http.Server{Addr: cfg.Intake.HTTPPort, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		logger.Plain().WithField("addr", cfg.Intake.HTTPPort).Info("ingest HTTP listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http serve: %w", err)
		}
	}

	logger.Plain().Info("shutting down")
	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		logger.Plain().WithError(err).Warn("http shutdown incomplete")
	}
	if pool != nil {
		if err := pool.Stop(sctx); err != nil {
			logger.Plain().WithError(err).Warn("workers stopped before in-flight deliveries finished")
		}
	}
	return nil
}

func newRouter(cfg config.Config, deps *bootstrap.Deps, reg *prometheus.Registry, logger *logging.Logger) (http.Handler, error) {
	adminMW, err := adminMiddleware(cfg.Auth, logger)
	if err != nil {
		return nil, err
	}

	svc := ingest.NewService(auth.NewAuthenticator(deps.Store, deps.Store), deps.Store, deps.Store, deps.Queue, ingest.Options{
		Recorder:   deps.Store,
		Deliveries: deps.Store,
		Limiter:    ingest.NewLimiter(cfg.Intake.RateLimit, cfg.Intake.RateBurst),
		Logger:     logger,
	})
	intake := ingest.NewHandler(svc, ingest.HandlerOptions{
		CredentialHeader: cfg.Intake.CredentialHeader,
		MaxBodyBytes:     cfg.Intake.MaxBodyBytes,
		Logger:           logger,
	})

	return ingest.NewRouter(intake, ingest.RouterOptions{
		Admin:           ingest.NewAdmin(deps.Store, deps.Queue, logger),
		AdminMiddleware: adminMW,
		Health:          health.HTTPHandler(deps.Probes...),
		Metrics:         promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
	}), nil
}

// adminMiddleware loads the RS256 public key for the admin API. Disabling it
// leaves /v1 open and is only meant for local development.
func adminMiddleware(cfg config.Auth, logger *logging.Logger) (func(http.Handler) http.Handler, error) {
	if cfg.AdminDisabled {
		logger.Plain().Warn("admin API authentication disabled")
		return nil, nil
	}
	if cfg.AdminPublicKeyPath == "" {
		return nil, errors.New("ADMIN_JWT_PUBLIC_KEY is required unless ADMIN_AUTH_DISABLED=true")
	}
	pem, err := os.ReadFile(cfg.AdminPublicKeyPath)
	if err != nil {
		return nil, fmt.Errorf("read admin public key: %w", err)
	}
	v, err := auth.NewJWTValidator(string(pem), cfg.AdminIssuer, cfg.AdminAudience)
	if err != nil {
		return nil, err
	}
	return v.HTTPMiddleware, nil
}

func newPool(cfg config.Config, deps *bootstrap.Deps, logger *logging.Logger) *worker.Pool {
	transport := delivery.NewHTTPTransport(delivery.HTTPOptions{
		CredentialHeader: cfg.Intake.CredentialHeader,
		SigningSecret:    cfg.Worker.SigningSecret,
	})
	return worker.NewPool(deps.Queue, transport, worker.Options{
		Concurrency:     cfg.Worker.Concurrency,
		PollInterval:    cfg.Worker.PollInterval,
		DeliveryTimeout: cfg.Worker.DeliveryTimeout,
		Recorder:        deps.Store,
		Logger:          logger,
		ReapInterval:    cfg.Worker.ReapInterval,
		MonitorInterval: cfg.Worker.MonitorInterval,
	})
}
