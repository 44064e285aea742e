// Package bootstrap opens the store, queue and wake notifier a process needs
// from its configuration, and closes them in reverse order.
package bootstrap

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/austindbirch/harbor_intake/internal/config"
	"github.com/austindbirch/harbor_intake/internal/db"
	"github.com/austindbirch/harbor_intake/internal/health"
	"github.com/austindbirch/harbor_intake/internal/logging"
	"github.com/austindbirch/harbor_intake/internal/queue"
	"github.com/austindbirch/harbor_intake/internal/store"
)

type Deps struct {
	Store  store.Store
	Queue  queue.Queue
	Probes []health.Probe

	pool    *pgxpool.Pool
	redis   *redis.Client
	closers []func() error
}

// Open wires the backends selected by cfg. With the memory backend nothing is
// durable and workers must run in the same process.
func Open(ctx context.Context, cfg config.Config, log *logging.Logger) (*Deps, error) {
	d := &Deps{}

	notifier, err := d.openNotifier(ctx, cfg, log)
	if err != nil {
		d.Close()
		return nil, err
	}

	opts := queue.Options{
		MaxAttempts:   cfg.Queue.MaxAttempts,
		BaseDelay:     cfg.Queue.BaseDelay,
		MaxDelay:      cfg.Queue.MaxDelay,
		LeaseDuration: cfg.Queue.LeaseDuration,
		KeepCompleted: cfg.Queue.KeepCompleted,
		KeepFailed:    cfg.Queue.KeepFailed,
		RetentionAge:  cfg.Queue.RetentionAge,
		MaxStalls:     cfg.Queue.MaxStalls,
		Notifier:      notifier,
	}

	if cfg.Queue.Backend == "memory" {
		log.Plain().Warn("using in-memory store and queue; nothing survives a restart")
		d.Store = store.NewMemory()
		d.Queue = queue.NewMemory(opts)
		d.closers = append(d.closers, d.Queue.Close)
		return d, nil
	}

	applied, err := db.Migrate(cfg.DSN())
	if err != nil {
		d.Close()
		return nil, err
	}
	if applied {
		log.Plain().Info("database migrations applied")
	}

	d.pool, err = db.Connect(ctx, cfg.DSN(), cfg.DB.MaxConns)
	if err != nil {
		d.Close()
		return nil, fmt.Errorf("db connect: %w", err)
	}
	d.closers = append(d.closers, func() error { d.pool.Close(); return nil })
	d.Probes = append(d.Probes, health.Probe{Name: "database", Pinger: d.pool})

	d.Store = store.NewPostgres(d.pool)
	d.Queue = queue.NewPostgres(d.pool, opts)
	d.closers = append(d.closers, d.Queue.Close)
	return d, nil
}

// openNotifier returns nil (the queue's default local notifier) unless Redis
// is configured.
func (d *Deps) openNotifier(ctx context.Context, cfg config.Config, log *logging.Logger) (queue.Notifier, error) {
	if cfg.Redis.Addr == "" {
		return nil, nil
	}
	d.redis = redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	d.closers = append(d.closers, d.redis.Close)
	d.Probes = append(d.Probes, health.Probe{Name: "redis", Pinger: health.PingFunc(func(ctx context.Context) error {
		return d.redis.Ping(ctx).Err()
	})})

	n, err := queue.NewRedisNotifier(ctx, d.redis, cfg.Redis.NotifyChannel)
	if err != nil {
		return nil, fmt.Errorf("redis notifier: %w", err)
	}
	d.closers = append(d.closers, n.Close)
	log.Plain().WithField("channel", cfg.Redis.NotifyChannel).Info("redis wake notifier enabled")
	return n, nil
}

// Close releases everything Open acquired, last opened first.
func (d *Deps) Close() {
	for i := len(d.closers) - 1; i >= 0; i-- {
		_ = d.closers[i]()
	}
	d.closers = nil
}
