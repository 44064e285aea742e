// Package worker drains the delivery queue with a bounded set of workers.
package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"runtime/debug"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/austindbirch/harbor_intake/internal/delivery"
	"github.com/austindbirch/harbor_intake/internal/logging"
	"github.com/austindbirch/harbor_intake/internal/metrics"
	"github.com/austindbirch/harbor_intake/internal/queue"
	"github.com/austindbirch/harbor_intake/internal/store"
	"github.com/austindbirch/harbor_intake/internal/tracing"
)

var (
	ErrAlreadyStarted = errors.New("worker: pool already started")
	ErrStopped        = errors.New("worker: pool stopped")
)

const (
	DefaultConcurrency     = 10
	DefaultPollInterval    = time.Second
	DefaultDeliveryTimeout = 10 * time.Second

	// bound on queue and store writes made after an attempt
	reportTimeout = 5 * time.Second
)

type Outcome string

const (
	OutcomeDelivered  Outcome = "delivered"
	OutcomeRetrying   Outcome = "retrying"
	OutcomeExhausted  Outcome = "exhausted"
	OutcomeReleased   Outcome = "released"
	OutcomeLeaseLost  Outcome = "lease_lost"
	OutcomeNoop       Outcome = "noop"       // job was already terminal
	OutcomeUnrecorded Outcome = "unrecorded" // queue transition itself failed
)

// Report describes one dequeue, deliver, report cycle.
type Report struct {
	JobID      string
	EventID    string
	TenantID   string
	EndpointID string
	WorkerID   string
	Attempt    int
	Outcome    Outcome
	StatusCode int
	Reason     string
	Err        error // delivery error, nil on success
	Latency    time.Duration
	Transition queue.Transition
}

// PanicError wraps a panic recovered while delivering.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string { return fmt.Sprintf("panic: %v", e.Value) }

type Options struct {
	Concurrency     int
	PollInterval    time.Duration // idle fallback when no wake signal arrives
	DeliveryTimeout time.Duration
	WorkerPrefix    string

	// Optional collaborators.
	Recorder    store.DeliveryRecorder
	DeadLetters delivery.DeadLetterPublisher
	Logger      *logging.Logger

	// Background loops, disabled when zero.
	ReapInterval    time.Duration
	MonitorInterval time.Duration
}

func (o Options) withDefaults() Options {
	if o.Concurrency <= 0 {
		o.Concurrency = DefaultConcurrency
	}
	if o.PollInterval <= 0 {
		o.PollInterval = DefaultPollInterval
	}
	if o.DeliveryTimeout <= 0 {
		o.DeliveryTimeout = DefaultDeliveryTimeout
	}
	if o.WorkerPrefix == "" {
		if h, err := os.Hostname(); err == nil && h != "" {
			o.WorkerPrefix = h
		} else {
			o.WorkerPrefix = "worker"
		}
	}
	if o.Logger == nil {
		o.Logger = logging.Default()
	}
	return o
}

// Pool runs Concurrency workers, each processing one job at a time.
type Pool struct {
	q         queue.Queue
	transport delivery.Transport
	opts      Options
	log       *logging.Logger

	mu            sync.Mutex
	started       bool
	stopped       bool
	cancelLoop    context.CancelFunc
	cancelDeliver context.CancelFunc
	wg            sync.WaitGroup
}

func NewPool(q queue.Queue, transport delivery.Transport, opts Options) *Pool {
	opts = opts.withDefaults()
	return &Pool{q: q, transport: transport, opts: opts, log: opts.Logger}
}

// Start launches the workers and background loops. Cancelling ctx has the
// same effect as a Stop whose deadline has already passed.
func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return ErrStopped
	}
	if p.started {
		return ErrAlreadyStarted
	}
	p.started = true

	loopCtx, cancelLoop := context.WithCancel(ctx)
	deliverCtx, cancelDeliver := context.WithCancel(ctx)
	p.cancelLoop, p.cancelDeliver = cancelLoop, cancelDeliver

	for i := 1; i <= p.opts.Concurrency; i++ {
		id := fmt.Sprintf("%s-%d", p.opts.WorkerPrefix, i)
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			p.run(loopCtx, deliverCtx, id)
		}()
	}

	mon := NewMonitor(p.q, MonitorOptions{
		DepthInterval: p.opts.MonitorInterval,
		ReapInterval:  p.opts.ReapInterval,
		Logger:        p.log,
	})
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		mon.Run(loopCtx)
	}()

	p.log.Plain().WithFields(map[string]any{
		"concurrency":      p.opts.Concurrency,
		"delivery_timeout": p.opts.DeliveryTimeout.String(),
	}).Info("worker pool started")
	return nil
}

// Stop stops dequeuing and waits for in-flight deliveries. If ctx expires
// first, in-flight deliveries are cancelled and their leases released.
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.started || p.stopped {
		p.stopped = true
		p.mu.Unlock()
		return nil
	}
	p.stopped = true
	p.cancelLoop()
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.cancelDeliver()
		p.log.Plain().Info("worker pool stopped")
		return nil
	case <-ctx.Done():
		p.log.Plain().Warn("stop deadline reached, cancelling in-flight deliveries")
		p.cancelDeliver()
		<-done
		return ctx.Err()
	}
}

func (p *Pool) run(loopCtx, deliverCtx context.Context, workerID string) {
	for {
		if loopCtx.Err() != nil {
			return
		}
		// taken before dequeue so an enqueue in between is not missed
		ready := p.q.Ready()

		_, err := p.processNext(deliverCtx, workerID)
		switch {
		case err == nil:
			continue
		case errors.Is(err, queue.ErrClosed):
			return
		case errors.Is(err, queue.ErrEmpty):
		case loopCtx.Err() != nil:
			return
		default:
			p.log.Plain().WithWorker(workerID).WithError(err).Error("dequeue failed")
		}

		timer := time.NewTimer(p.opts.PollInterval)
		select {
		case <-loopCtx.Done():
			timer.Stop()
			return
		case <-ready:
		case <-timer.C:
		}
		timer.Stop()
	}
}

// ProcessNext runs one dequeue, deliver, report cycle synchronously. It
// returns queue.ErrEmpty when no job is eligible.
func (p *Pool) ProcessNext(ctx context.Context, workerID string) (Report, error) {
	return p.processNext(ctx, workerID)
}

func (p *Pool) processNext(ctx context.Context, workerID string) (Report, error) {
	job, err := p.q.DequeueNext(ctx, workerID)
	if err != nil {
		return Report{WorkerID: workerID}, err
	}
	metrics.WorkerStarted()
	defer metrics.WorkerFinished()
	return p.handle(ctx, workerID, job), nil
}

// handle runs one job. A panic anywhere in the cycle stays inside the worker:
// a job that has not transitioned yet is failed with a *PanicError, and one
// that has is left as it is.
func (p *Pool) handle(ctx context.Context, workerID string, job queue.Job) (rep Report) {
	rep = Report{JobID: job.ID, EventID: job.ID, WorkerID: workerID, Attempt: job.Attempt}
	defer func() {
		if r := recover(); r != nil {
			p.contain(ctx, job, &rep, &PanicError{Value: r, Stack: debug.Stack()})
		}
	}()
	p.process(ctx, job, &rep)
	return rep
}

func (p *Pool) process(ctx context.Context, job queue.Job, rep *Report) {
	workerID := rep.WorkerID
	payload, decodeErr := delivery.DecodePayload(job.Payload)
	if decodeErr == nil {
		payload.Attempt = job.Attempt
		rep.EventID, rep.TenantID, rep.EndpointID = payload.EventID, payload.TenantID, payload.EndpointID
		ctx = tracing.ExtractTraceHeaders(ctx, payload.TraceHeaders)
	}

	ctx, span := tracing.StartSpan(ctx, "worker.delivery",
		attribute.String("job_id", job.ID),
		attribute.String("event_id", rep.EventID),
		attribute.String("tenant_id", rep.TenantID),
		attribute.String("endpoint_id", rep.EndpointID),
		attribute.String("worker_id", workerID),
		attribute.Int("attempt", job.Attempt),
	)
	defer span.End()

	var res delivery.Result
	if decodeErr != nil {
		rep.Err = decodeErr
	} else {
		tracing.AddSpanEvent(ctx, "http.send_webhook")
		res, rep.Err = p.attempt(ctx, payload)
	}
	rep.Latency = res.Latency
	rep.StatusCode = res.StatusCode
	span.SetAttributes(
		attribute.Int("http.status_code", res.StatusCode),
		attribute.Int64("http.latency_ms", res.Latency.Milliseconds()),
	)

	// transitions must land even when ctx was cancelled mid-delivery
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), reportTimeout)
	defer cancel()

	switch {
	case rep.Err == nil:
		p.complete(rctx, job, rep)
	case ctx.Err() != nil:
		p.release(rctx, job, rep)
	default:
		p.fail(rctx, ctx, job, payload, rep)
	}

	span.SetAttributes(attribute.String("delivery.outcome", string(rep.Outcome)))
	if rep.Err != nil {
		tracing.SetSpanError(ctx, rep.Err)
	}
	metrics.RecordDelivery(string(rep.Outcome), rep.Latency)
	p.logReport(ctx, *rep)
}

// contain handles a panic recovered from process. Outcome is set right after
// the queue transition returns, so an empty Outcome means the job still holds
// its lease.
func (p *Pool) contain(ctx context.Context, job queue.Job, rep *Report, pe *PanicError) {
	metrics.RecordPanic()
	if rep.Outcome == "" {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), reportTimeout)
		defer cancel()

		rep.Err = pe
		rep.Reason = reasonFor(pe)
		tr, err := p.q.Fail(rctx, job.ID, job.LeaseToken, pe)
		rep.Transition = tr
		switch {
		case errors.Is(err, queue.ErrLeaseLost):
			rep.Outcome = OutcomeLeaseLost
		case err != nil:
			rep.Outcome = OutcomeUnrecorded
		case !tr.Applied:
			rep.Outcome = OutcomeNoop
		case tr.To == queue.StateFailed:
			rep.Outcome = OutcomeExhausted
		default:
			rep.Outcome = OutcomeRetrying
		}
		metrics.RecordDelivery(string(rep.Outcome), rep.Latency)
	}
	p.log.Plain().
		WithJob(job.ID).
		WithWorker(rep.WorkerID).
		WithError(pe).
		WithFields(map[string]any{
			"outcome": string(rep.Outcome),
			"stack":   string(pe.Stack),
		}).
		Error("worker recovered from panic")
}

// attempt runs one delivery under the per-attempt timeout. A panic in the
// transport is converted into a *PanicError.
func (p *Pool) attempt(ctx context.Context, payload delivery.Payload) (res delivery.Result, err error) {
	actx, cancel := context.WithTimeout(ctx, p.opts.DeliveryTimeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			metrics.RecordPanic()
			err = &PanicError{Value: r, Stack: debug.Stack()}
		}
	}()
	return p.transport.Deliver(actx, payload)
}

func (p *Pool) complete(ctx context.Context, job queue.Job, rep *Report) {
	tr, err := p.q.Complete(ctx, job.ID, job.LeaseToken)
	rep.Transition = tr
	switch {
	case errors.Is(err, queue.ErrLeaseLost):
		rep.Outcome = OutcomeLeaseLost
		return
	case err != nil:
		rep.Outcome = OutcomeUnrecorded
		rep.Err = fmt.Errorf("complete: %w", err)
		return
	case !tr.Applied:
		rep.Outcome = OutcomeNoop
		return
	}
	rep.Outcome = OutcomeDelivered
	p.record(ctx, store.DeliveryRecord{
		EventID:        rep.EventID,
		Status:         store.DeliveryDelivered,
		Attempts:       job.Attempt,
		LastStatusCode: rep.StatusCode,
	})
}

func (p *Pool) fail(ctx, spanCtx context.Context, job queue.Job, payload delivery.Payload, rep *Report) {
	rep.Reason = reasonFor(rep.Err)
	if rep.StatusCode == 0 {
		rep.StatusCode = delivery.StatusCode(rep.Err)
	}

	tr, err := p.q.Fail(ctx, job.ID, job.LeaseToken, rep.Err)
	rep.Transition = tr
	switch {
	case errors.Is(err, queue.ErrLeaseLost):
		rep.Outcome = OutcomeLeaseLost
		return
	case err != nil:
		rep.Outcome = OutcomeUnrecorded
		rep.Err = fmt.Errorf("fail: %w (delivery error: %v)", err, rep.Err)
		return
	case !tr.Applied:
		rep.Outcome = OutcomeNoop
		return
	}

	rec := store.DeliveryRecord{
		EventID:        rep.EventID,
		Attempts:       job.Attempt,
		LastError:      rep.Err.Error(),
		LastStatusCode: rep.StatusCode,
	}
	if tr.To != queue.StateFailed {
		rep.Outcome = OutcomeRetrying
		metrics.RecordRetry(rep.Reason)
		tracing.AddSpanEvent(spanCtx, "delivery.retry_scheduled",
			attribute.String("run_at", tr.RunAt.Format(time.RFC3339Nano)))
		rec.Status = store.DeliveryRetrying
		p.record(ctx, rec)
		return
	}

	rep.Outcome = OutcomeExhausted
	metrics.RecordDLQ(rep.Reason)
	tracing.AddSpanEvent(spanCtx, "delivery.dlq", attribute.Int("attempt", job.Attempt))
	rec.Status = store.DeliveryExhausted
	p.record(ctx, rec)

	if p.opts.DeadLetters != nil {
		dl := delivery.NewDeadLetter(payload, job.Attempt, rep.StatusCode, rep.Err.Error(), rep.Reason)
		if dl.Payload.EventID == "" {
			dl.Payload.EventID = job.ID
		}
		if err := p.opts.DeadLetters.PublishDeadLetter(ctx, dl); err != nil {
			p.log.WithContext(spanCtx).WithJob(job.ID).WithError(err).Error("dead letter publish failed")
		}
	}
}

func (p *Pool) release(ctx context.Context, job queue.Job, rep *Report) {
	tr, err := p.q.Release(ctx, job.ID, job.LeaseToken)
	rep.Transition = tr
	switch {
	case errors.Is(err, queue.ErrLeaseLost):
		rep.Outcome = OutcomeLeaseLost
	case err != nil:
		rep.Outcome = OutcomeUnrecorded
	case !tr.Applied:
		rep.Outcome = OutcomeNoop
	default:
		rep.Outcome = OutcomeReleased
	}
}

func (p *Pool) record(ctx context.Context, rec store.DeliveryRecord) {
	if p.opts.Recorder == nil {
		return
	}
	if err := p.opts.Recorder.RecordDelivery(ctx, rec); err != nil {
		p.log.Plain().WithEvent(rec.EventID).WithError(err).Warn("delivery record write failed")
	}
}

func (p *Pool) logReport(ctx context.Context, rep Report) {
	entry := p.log.WithContext(ctx).
		WithTenant(rep.TenantID).
		WithEndpoint(rep.EndpointID).
		WithEvent(rep.EventID).
		WithJob(rep.JobID).
		WithWorker(rep.WorkerID).
		WithFields(map[string]any{
			"attempt":    rep.Attempt,
			"outcome":    string(rep.Outcome),
			"latency_ms": rep.Latency.Milliseconds(),
		})
	if rep.StatusCode != 0 {
		entry = entry.WithField("status_code", rep.StatusCode)
	}

	var pe *PanicError
	switch {
	case errors.As(rep.Err, &pe):
		entry.WithError(rep.Err).WithField("stack", string(pe.Stack)).Error("delivery panicked")
	case rep.Outcome == OutcomeDelivered:
		entry.Info("delivery succeeded")
	case rep.Outcome == OutcomeExhausted:
		entry.WithError(rep.Err).WithField("reason", rep.Reason).Error("delivery exhausted")
	case rep.Outcome == OutcomeRetrying:
		entry.WithError(rep.Err).WithFields(map[string]any{
			"reason": rep.Reason,
			"run_at": rep.Transition.RunAt.Format(time.RFC3339Nano),
		}).Warn("delivery failed, retry scheduled")
	case rep.Outcome == OutcomeReleased:
		entry.Info("delivery cancelled, lease released")
	default:
		entry.WithError(rep.Err).Warn("delivery result discarded")
	}
}

func reasonFor(err error) string {
	var pe *PanicError
	if errors.As(err, &pe) {
		return "panic"
	}
	if errors.Is(err, delivery.ErrInvalidPayload) {
		return "invalid_payload"
	}
	return delivery.Reason(err)
}
