package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/austindbirch/harbor_intake/internal/bootstrap"
	"github.com/austindbirch/harbor_intake/internal/config"
	"github.com/austindbirch/harbor_intake/internal/delivery"
	"github.com/austindbirch/harbor_intake/internal/health"
	"github.com/austindbirch/harbor_intake/internal/logging"
	"github.com/austindbirch/harbor_intake/internal/metrics"
	"github.com/austindbirch/harbor_intake/internal/tracing"
	"github.com/austindbirch/harbor_intake/internal/worker"
)

// slightly above the delivery timeout so an in-flight attempt can finish
const shutdownGrace = 5 * time.Second

func main() {
	logger := logging.New("harborhook-worker")
	logging.SetDefaultService("harborhook-worker")

	cfg, err := config.Load()
	if err != nil {
		logger.Plain().WithError(err).Fatal("invalid configuration")
	}
	if cfg.Queue.Backend == "memory" {
		logger.Plain().Fatal("QUEUE_BACKEND=memory cannot be shared across processes; use EMBEDDED_WORKERS on ingest instead")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Plain().WithError(err).Fatal("worker failed")
	}
	logger.Plain().Info("worker service stopped")
}

func run(ctx context.Context, cfg config.Config, logger *logging.Logger) error {
	shutdownTracing, err := tracing.InitTracing(ctx, "harborhook-worker", tracing.Config{
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

	dlq, err := deadLetters(cfg.NSQ, logger)
	if err != nil {
		return err
	}
	probes := deps.Probes
	var publisher delivery.DeadLetterPublisher
	if dlq != nil {
		defer dlq.Stop()
		publisher = dlq
		probes = append(probes, health.Probe{Name: "nsqd", Pinger: dlq})
	}

	pool := newPool(cfg, deps, publisher, logger)
	if err := pool.Start(ctx); err != nil {
		return err
	}
	logger.Plain().WithField("concurrency", cfg.Worker.Concurrency).Info("worker service started")

	reg := prometheus.NewRegistry()
	metrics.MustRegister(reg)
	srv := &http.Server{
		Addr:              cfg.Worker.HTTPPort,
		Handler:           newMux(reg, probes),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Plain().WithField("addr", srv.Addr).Info("worker HTTP server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Plain().WithError(err).Error("worker HTTP server failed")
		}
	}()

	<-ctx.Done()
	logger.Plain().Info("shutting down worker service")

	sctx, cancel := context.WithTimeout(context.Background(), cfg.Worker.DeliveryTimeout+shutdownGrace)
	defer cancel()
	if err := pool.Stop(sctx); err != nil {
		logger.Plain().WithError(err).Warn("in-flight deliveries cancelled, leases released")
	}
	_ = srv.Shutdown(sctx)
	return nil
}

// deadLetters returns nil when no nsqd address is configured.
func deadLetters(cfg config.NSQ, logger *logging.Logger) (*delivery.NSQPublisher, error) {
	if cfg.NsqdTCPAddr == "" {
		logger.Plain().Info("NSQD_TCP_ADDR not set, dead letters are only logged")
		return nil, nil
	}
	p, err := delivery.NewNSQPublisher(cfg.NsqdTCPAddr, cfg.DLQTopic)
	if err != nil {
		return nil, fmt.Errorf("nsq producer for DLQ: %w", err)
	}
	logger.Plain().WithField("topic", p.Topic()).Info("dead letter publishing enabled")
	return p, nil
}

func newPool(cfg config.Config, deps *bootstrap.Deps, dlq delivery.DeadLetterPublisher, logger *logging.Logger) *worker.Pool {
	transport := delivery.NewHTTPTransport(delivery.HTTPOptions{
		CredentialHeader: cfg.Intake.CredentialHeader,
		SigningSecret:    cfg.Worker.SigningSecret,
	})
	return worker.NewPool(deps.Queue, transport, worker.Options{
		Concurrency:     cfg.Worker.Concurrency,
		PollInterval:    cfg.Worker.PollInterval,
		DeliveryTimeout: cfg.Worker.DeliveryTimeout,
		Recorder:        deps.Store,
		DeadLetters:     dlq,
		Logger:          logger,
		ReapInterval:    cfg.Worker.ReapInterval,
		MonitorInterval: cfg.Worker.MonitorInterval,
	})
}

func newMux(reg *prometheus.Registry, probes []health.Probe) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", health.HTTPHandler(probes...))
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	return mux
}
