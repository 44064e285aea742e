package worker

import (
	"context"
	"time"

	"github.com/austindbirch/harbor_intake/internal/logging"
	"github.com/austindbirch/harbor_intake/internal/metrics"
	"github.com/austindbirch/harbor_intake/internal/queue"
)

type MonitorOptions struct {
	DepthInterval time.Duration // 0 disables the depth gauge loop
	ReapInterval  time.Duration // 0 disables retention
	Logger        *logging.Logger
}

// Monitor keeps the queue depth gauges current and applies retention.
type Monitor struct {
	q    queue.Queue
	opts MonitorOptions
	log  *logging.Logger
}

func NewMonitor(q queue.Queue, opts MonitorOptions) *Monitor {
	if opts.Logger == nil {
		opts.Logger = logging.Default()
	}
	return &Monitor{q: q, opts: opts, log: opts.Logger}
}

// Run blocks until ctx is done.
func (m *Monitor) Run(ctx context.Context) {
	depth := tickerOrNil(m.opts.DepthInterval)
	reap := tickerOrNil(m.opts.ReapInterval)
	defer stopTicker(depth)
	defer stopTicker(reap)

	if depth == nil && reap == nil {
		<-ctx.Done()
		return
	}
	if depth != nil {
		_, _ = m.UpdateDepth(ctx)
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-tickC(depth):
			if _, err := m.UpdateDepth(ctx); err != nil && ctx.Err() == nil {
				m.log.Plain().WithError(err).Error("queue depth update failed")
			}
		case <-tickC(reap):
			if _, err := m.ReapOnce(ctx); err != nil && ctx.Err() == nil {
				m.log.Plain().WithError(err).Error("queue retention failed")
			}
		}
	}
}

func (m *Monitor) UpdateDepth(ctx context.Context) (queue.Counts, error) {
	c, err := m.q.Counts(ctx)
	if err != nil {
		return queue.Counts{}, err
	}
	metrics.UpdateQueueDepth(string(queue.StateWaiting), c.Waiting)
	metrics.UpdateQueueDepth(string(queue.StateDelayed), c.Delayed)
	metrics.UpdateQueueDepth(string(queue.StateActive), c.Active)
	metrics.UpdateQueueDepth(string(queue.StateCompleted), c.Completed)
	metrics.UpdateQueueDepth(string(queue.StateFailed), c.Failed)
	return c, nil
}

func (m *Monitor) ReapOnce(ctx context.Context) (int, error) {
	n, err := m.q.Reap(ctx)
	if err != nil {
		return 0, err
	}
	metrics.RecordReaped(n)
	if n > 0 {
		m.log.Plain().WithField("removed", n).Info("reaped terminal jobs")
	}
	return n, nil
}

func tickerOrNil(d time.Duration) *time.Ticker {
	if d <= 0 {
		return nil
	}
	return time.NewTicker(d)
}

func stopTicker(t *time.Ticker) {
	if t != nil {
		t.Stop()
	}
}

// tickC returns nil for a nil ticker, and receiving from nil blocks forever.
func tickC(t *time.Ticker) <-chan time.Time {
	if t == nil {
		return nil
	}
	return t.C
}
