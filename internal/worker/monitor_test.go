package worker

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/austindbirch/harbor_intake/internal/metrics"
	"github.com/austindbirch/harbor_intake/internal/queue"
)

func TestMonitor_UpdateDepth(t *testing.T) {
	q := queue.NewMemory(queue.Options{})
	for _, id := range []string{"a", "b", "c"} {
		enqueue(t, q, id)
	}
	job, err := q.DequeueNext(context.Background(), "w1")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := q.Complete(context.Background(), job.ID, job.LeaseToken); err != nil {
		t.Fatal(err)
	}

	m := NewMonitor(q, MonitorOptions{Logger: quietLogger()})
	c, err := m.UpdateDepth(context.Background())
	if err != nil {
		t.Fatalf("UpdateDepth() error = %v", err)
	}
	if c.Waiting != 2 || c.Completed != 1 {
		t.Errorf("UpdateDepth() = %+v, want 2 waiting 1 completed", c)
	}
	if got := testutil.ToFloat64(metrics.QueueDepth.WithLabelValues("waiting")); got != 2 {
		t.Errorf("queue depth{waiting} = %v, want 2", got)
	}
	if got := testutil.ToFloat64(metrics.QueueDepth.WithLabelValues("completed")); got != 1 {
		t.Errorf("queue depth{completed} = %v, want 1", got)
	}
}

func TestMonitor_ReapOnce(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	q := queue.NewMemory(queue.Options{KeepCompleted: 1, RetentionAge: time.Minute, Now: clock.Now})
	for _, id := range []string{"a", "b", "c"} {
		enqueue(t, q, id)
		job, err := q.DequeueNext(context.Background(), "w1")
		if err != nil {
			t.Fatal(err)
		}
		if _, err := q.Complete(context.Background(), job.ID, job.LeaseToken); err != nil {
			t.Fatal(err)
		}
		clock.Advance(time.Second)
	}
	clock.Advance(time.Hour)

	before := testutil.ToFloat64(metrics.JobsReapedTotal)
	n, err := NewMonitor(q, MonitorOptions{Logger: quietLogger()}).ReapOnce(context.Background())
	if err != nil {
		t.Fatalf("ReapOnce() error = %v", err)
	}
	if n != 2 {
		t.Errorf("ReapOnce() = %d, want 2", n)
	}
	if got := testutil.ToFloat64(metrics.JobsReapedTotal) - before; got != 2 {
		t.Errorf("JobsReapedTotal delta = %v, want 2", got)
	}
	if _, err := q.GetJob(context.Background(), "c"); err != nil {
		t.Errorf("newest completed job was reaped: %v", err)
	}
}

func TestMonitor_RunStopsOnCancel(t *testing.T) {
	q := queue.NewMemory(queue.Options{})
	m := NewMonitor(q, MonitorOptions{DepthInterval: 5 * time.Millisecond, ReapInterval: 5 * time.Millisecond, Logger: quietLogger()})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Run(ctx)
		close(done)
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run() did not return after cancel")
	}
}
