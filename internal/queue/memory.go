package queue

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/austindbirch/harbor_intake/internal/metrics"
)

type entry struct {
	mu  sync.Mutex
	job Job
}

// Memory is an in-process Queue. The index lock only guards membership and
// admission order; job state is guarded by each entry's own mutex, so
// transitions on different jobs never contend. Lock order is index, then entry.
type Memory struct {
	opts Options

	mu    sync.RWMutex
	jobs  map[string]*entry
	order []*entry // admission order; terminal entries are dropped on Reap

	closed atomic.Bool
}

var _ Queue = (*Memory)(nil)

func NewMemory(opts Options) *Memory {
	return &Memory{
		opts: opts.withDefaults(),
		jobs: make(map[string]*entry),
	}
}

func (q *Memory) Enqueue(ctx context.Context, jobID string, payload json.RawMessage) (Admission, error) {
	if q.closed.Load() {
		return 0, ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	now := q.opts.Now()

	q.mu.Lock()
	if _, ok := q.jobs[jobID]; ok {
		q.mu.Unlock()
		return AlreadyAdmitted, nil
	}
	e := &entry{job: Job{
		ID:          jobID,
		Payload:     append(json.RawMessage(nil), payload...),
		State:       StateWaiting,
		MaxAttempts: q.opts.MaxAttempts,
		EnqueuedAt:  now,
		RunAt:       now,
	}}
	q.jobs[jobID] = e
	q.order = append(q.order, e)
	q.mu.Unlock()

	_ = q.opts.Notifier.Notify(ctx)
	return Accepted, nil
}

// DequeueNext leases the first eligible job in admission order. Entries whose
// lock is held by a concurrent transition are skipped, like SKIP LOCKED.
func (q *Memory) DequeueNext(ctx context.Context, workerID string) (Job, error) {
	if q.closed.Load() {
		return Job{}, ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return Job{}, err
	}
	now := q.opts.Now()

	q.mu.RLock()
	defer q.mu.RUnlock()
	for _, e := range q.order {
		if !e.mu.TryLock() {
			continue
		}
		j := &e.job
		eligible := false
		switch j.State {
		case StateWaiting, StateDelayed:
			eligible = !j.RunAt.After(now)
		case StateActive:
			if !j.LeaseUntil.After(now) {
				eligible = q.stalled(j, now)
			}
		}
		if !eligible {
			e.mu.Unlock()
			continue
		}
		j.State = StateActive
		j.LeaseToken = uuid.NewString()
		j.LeaseOwner = workerID
		j.LeaseUntil = now.Add(q.opts.LeaseDuration)
		j.Attempt = j.Attempts + 1
		out := snapshot(j)
		e.mu.Unlock()
		return out, nil
	}
	return Job{}, ErrEmpty
}

// stalled counts an expired lease and reports whether the job may be leased
// again. A job past MaxStalls is failed in place. Callers hold the entry lock.
func (q *Memory) stalled(j *Job, now time.Time) bool {
	j.Stalls++
	if q.opts.MaxStalls < 0 || j.Stalls <= q.opts.MaxStalls {
		metrics.RecordStalled("released", 1)
		return true
	}
	j.State = StateFailed
	j.FinishedAt = now
	j.LastError = stalledText(j.Stalls)
	j.LeaseToken, j.LeaseOwner = "", ""
	j.LeaseUntil = time.Time{}
	metrics.RecordStalled("failed", 1)
	return false
}

func (q *Memory) Complete(ctx context.Context, jobID, leaseToken string) (Transition, error) {
	return q.transition(jobID, leaseToken, func(j *Job) {
		j.State = StateCompleted
		j.FinishedAt = q.opts.Now()
	})
}

func (q *Memory) Fail(ctx context.Context, jobID, leaseToken string, cause error) (Transition, error) {
	return q.transition(jobID, leaseToken, func(j *Job) {
		now := q.opts.Now()
		j.Attempts++
		j.LastError = causeText(cause)
		if j.Attempts >= j.MaxAttempts {
			j.State = StateFailed
			j.FinishedAt = now
			return
		}
		j.State = StateDelayed
		j.RunAt = now.Add(Backoff(q.opts.BaseDelay, q.opts.MaxDelay, j.Attempts))
	})
}

func (q *Memory) Release(ctx context.Context, jobID, leaseToken string) (Transition, error) {
	t, err := q.transition(jobID, leaseToken, func(j *Job) {
		j.State = StateWaiting
		j.RunAt = q.opts.Now()
	})
	if err == nil && t.Applied {
		_ = q.opts.Notifier.Notify(ctx)
	}
	return t, err
}

func (q *Memory) transition(jobID, leaseToken string, apply func(*Job)) (Transition, error) {
	q.mu.RLock()
	e, ok := q.jobs[jobID]
	q.mu.RUnlock()
	if !ok {
		return Transition{}, ErrNotFound
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	j := &e.job
	t := Transition{JobID: jobID, From: j.State, To: j.State, Attempts: j.Attempts, RunAt: j.RunAt}
	if j.State.Terminal() {
		return t, nil
	}
	if j.State != StateActive || j.LeaseToken != leaseToken {
		return t, ErrLeaseLost
	}
	apply(j)
	j.LeaseToken, j.LeaseOwner = "", ""
	j.LeaseUntil = time.Time{}
	j.Attempt = 0
	t.To = j.State
	t.Applied = true
	t.Attempts = j.Attempts
	t.RunAt = j.RunAt
	return t, nil
}

func (q *Memory) GetJob(ctx context.Context, jobID string) (Job, error) {
	q.mu.RLock()
	e, ok := q.jobs[jobID]
	q.mu.RUnlock()
	if !ok {
		return Job{}, ErrNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return snapshot(&e.job), nil
}

func (q *Memory) Counts(ctx context.Context) (Counts, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	var c Counts
	for _, e := range q.jobs {
		e.mu.Lock()
		switch e.job.State {
		case StateWaiting:
			c.Waiting++
		case StateDelayed:
			c.Delayed++
		case StateActive:
			c.Active++
		case StateCompleted:
			c.Completed++
		case StateFailed:
			c.Failed++
		}
		e.mu.Unlock()
	}
	return c, nil
}

func (q *Memory) GetWaitingCount(ctx context.Context) (int, error) {
	c, err := q.Counts(ctx)
	return c.Waiting, err
}

// Reap drops terminal jobs outside the retention policy and compacts the
// admission order. It returns the number of jobs removed.
func (q *Memory) Reap(ctx context.Context) (int, error) {
	now := q.opts.Now()

	q.mu.Lock()
	defer q.mu.Unlock()

	var completed, failed []*entry
	live := q.order[:0:0]
	for _, e := range q.order {
		e.mu.Lock()
		if !e.job.State.Terminal() {
			live = append(live, e)
		}
		e.mu.Unlock()
	}
	for _, e := range q.jobs {
		e.mu.Lock()
		switch e.job.State {
		case StateCompleted:
			completed = append(completed, e)
		case StateFailed:
			failed = append(failed, e)
		}
		e.mu.Unlock()
	}
	q.order = live

	removed := 0
	for _, group := range []struct {
		entries []*entry
		keep    int
	}{{completed, q.opts.KeepCompleted}, {failed, q.opts.KeepFailed}} {
		for _, e := range expired(group.entries, group.keep, q.opts.RetentionAge, now) {
			delete(q.jobs, e.job.ID)
			removed++
		}
	}
	return removed, nil
}

// Close stops admission and dequeue. Jobs stay queryable.
func (q *Memory) Close() error {
	q.closed.Store(true)
	return nil
}

func (q *Memory) Ready() <-chan struct{} {
	return q.opts.Notifier.Ready()
}

// expired returns the entries outside both the keep-newest window and the age
// window. Callers hold the index write lock, so terminal entries are stable.
func expired(entries []*entry, keep int, age time.Duration, now time.Time) []*entry {
	sort.Slice(entries, func(i, k int) bool {
		return entries[i].job.FinishedAt.After(entries[k].job.FinishedAt)
	})
	var out []*entry
	for i, e := range entries {
		if i < keep {
			continue
		}
		if age > 0 && now.Sub(e.job.FinishedAt) < age {
			continue
		}
		out = append(out, e)
	}
	return out
}

func snapshot(j *Job) Job {
	out := *j
	out.Payload = append(json.RawMessage(nil), j.Payload...)
	return out
}
