package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"testing"

	"github.com/austindbirch/harbor_intake/internal/auth"
	"github.com/austindbirch/harbor_intake/internal/delivery"
	"github.com/austindbirch/harbor_intake/internal/logging"
	"github.com/austindbirch/harbor_intake/internal/queue"
	"github.com/austindbirch/harbor_intake/internal/store"
)

type fixture struct {
	store *store.Memory
	queue *queue.Memory
	svc   *Service
	abc   store.Tenant
	xyz   store.Tenant
	e1    store.Endpoint // owned by abc
	e2    store.Endpoint // owned by xyz
}

func quietLogger() *logging.Logger { return logging.NewWithWriter("test", io.Discard) }

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	ctx := context.Background()
	f := &fixture{store: store.NewMemory(), queue: queue.NewMemory(queue.Options{})}
	t.Cleanup(func() { _ = f.queue.Close() })

	var err error
	if f.abc, err = f.store.CreateTenant(ctx, "abc", "pk_abc"); err != nil {
		t.Fatal(err)
	}
	if f.xyz, err = f.store.CreateTenant(ctx, "xyz", "pk_xyz"); err != nil {
		t.Fatal(err)
	}
	if f.e1, err = f.store.CreateEndpoint(ctx, f.abc.ID, "https://x/y", "E1"); err != nil {
		t.Fatal(err)
	}
	if f.e2, err = f.store.CreateEndpoint(ctx, f.xyz.ID, "https://x/z", "E2"); err != nil {
		t.Fatal(err)
	}

	if opts.Logger == nil {
		opts.Logger = quietLogger()
	}
	f.svc = NewService(auth.NewAuthenticator(f.store, f.store), f.store, f.store, f.queue, opts)
	return f
}

func TestService_Receive(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	tests := []struct {
		name    string
		req     Request
		wantErr error
	}{
		{
			name: "accepted",
			req:  Request{Credential: "pk_abc", EndpointID: f.e1.ID, Method: "POST", Body: json.RawMessage(`{"a":1}`)},
		},
		{
			name:    "missing credential",
			req:     Request{EndpointID: f.e1.ID, Method: "POST"},
			wantErr: auth.ErrMissingCredential,
		},
		{
			name:    "invalid credential",
			req:     Request{Credential: "pk_nope", EndpointID: f.e1.ID, Method: "POST"},
			wantErr: auth.ErrInvalidCredential,
		},
		{
			name:    "cross-tenant endpoint",
			req:     Request{Credential: "pk_xyz", EndpointID: f.e1.ID, Method: "POST"},
			wantErr: auth.ErrEndpointNotFound,
		},
		{
			name:    "unknown endpoint",
			req:     Request{Credential: "pk_abc", EndpointID: "missing", Method: "POST"},
			wantErr: auth.ErrEndpointNotFound,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := f.svc.Receive(ctx, tt.req)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("Receive() error = %v, want %v", err, tt.wantErr)
			}
			if tt.wantErr != nil {
				return
			}
			if res.Duplicate || res.Admission != queue.Accepted {
				t.Errorf("Receive() = %+v, want fresh accepted event", res)
			}
			ev, err := f.store.GetEvent(ctx, res.EventID)
			if err != nil {
				t.Fatalf("GetEvent() error = %v", err)
			}
			if ev.TenantID != f.abc.ID || ev.EndpointID != f.e1.ID {
				t.Errorf("event scope = %s/%s, want %s/%s", ev.TenantID, ev.EndpointID, f.abc.ID, f.e1.ID)
			}
			job, err := f.queue.GetJob(ctx, res.EventID)
			if err != nil {
				t.Fatalf("GetJob() error = %v", err)
			}
			p, err := delivery.DecodePayload(job.Payload)
			if err != nil {
				t.Fatalf("DecodePayload() error = %v", err)
			}
			if p.URL != "https://x/y" || p.TenantID != f.abc.ID || string(p.Body) != `{"a":1}` {
				t.Errorf("payload = %+v", p)
			}
		})
	}
}

func TestService_Receive_Idempotent(t *testing.T) {
	rec := &recordingRecorder{}
	f := newFixture(t, Options{Recorder: rec})
	ctx := context.Background()
	req := Request{Credential: "pk_abc", EndpointID: f.e1.ID, Method: "POST", Body: json.RawMessage(`{}`), IdempotencyKey: "k1"}

	first, err := f.svc.Receive(ctx, req)
	if err != nil {
		t.Fatal(err)
	}
	second, err := f.svc.Receive(ctx, req)
	if err != nil {
		t.Fatalf("Receive() duplicate error = %v", err)
	}

	if second.EventID != first.EventID {
		t.Errorf("duplicate EventID = %s, want %s", second.EventID, first.EventID)
	}
	if !second.Duplicate || second.Admission != queue.AlreadyAdmitted {
		t.Errorf("duplicate result = %+v, want Duplicate and AlreadyAdmitted", second)
	}
	if !second.ReceivedAt.Equal(first.ReceivedAt) {
		t.Errorf("duplicate ReceivedAt = %v, want %v", second.ReceivedAt, first.ReceivedAt)
	}
	n, err := f.queue.GetWaitingCount(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("GetWaitingCount() = %d, want 1", n)
	}
	if got := len(rec.recs); got != 1 {
		t.Errorf("pending records written = %d, want 1", got)
	}
}

func TestService_Receive_SameKeyAcrossTenants(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	a, err := f.svc.Receive(ctx, Request{Credential: "pk_abc", EndpointID: f.e1.ID, Method: "POST", IdempotencyKey: "shared"})
	if err != nil {
		t.Fatal(err)
	}
	b, err := f.svc.Receive(ctx, Request{Credential: "pk_xyz", EndpointID: f.e2.ID, Method: "POST", IdempotencyKey: "shared"})
	if err != nil {
		t.Fatal(err)
	}
	if a.EventID == b.EventID || a.Duplicate || b.Duplicate {
		t.Errorf("results = %+v / %+v, want two independent events", a, b)
	}
	if n, _ := f.queue.GetWaitingCount(ctx); n != 2 {
		t.Errorf("GetWaitingCount() = %d, want 2", n)
	}
}

func TestService_Receive_DuplicateReadmitsMissingJob(t *testing.T) {
	f := newFixture(t, Options{})
	f.svc.deliveries = f.store
	ctx := context.Background()

	// An event stored by a call that never reached the queue.
	ev, err := f.store.CreateEvent(ctx, store.NewEvent{
		TenantID: f.abc.ID, EndpointID: f.e1.ID, Method: "POST", IdempotencyKey: "lost",
	})
	if err != nil {
		t.Fatal(err)
	}

	res, err := f.svc.Receive(ctx, Request{Credential: "pk_abc", EndpointID: f.e1.ID, Method: "POST", IdempotencyKey: "lost"})
	if err != nil {
		t.Fatal(err)
	}
	if res.EventID != ev.ID || !res.Duplicate {
		t.Errorf("Receive() = %+v, want duplicate of %s", res, ev.ID)
	}
	if res.Admission != queue.Accepted {
		t.Errorf("Receive() admission = %v, want accepted", res.Admission)
	}
	if _, err := f.queue.GetJob(ctx, ev.ID); err != nil {
		t.Errorf("GetJob() error = %v, want re-admitted job", err)
	}
}

func TestService_Receive_DuplicateAfterReap(t *testing.T) {
	tests := []struct {
		name   string
		finish func(t *testing.T, q *queue.Memory, job queue.Job)
		status store.DeliveryStatus
	}{
		{
			name: "delivered",
			finish: func(t *testing.T, q *queue.Memory, job queue.Job) {
				if _, err := q.Complete(context.Background(), job.ID, job.LeaseToken); err != nil {
					t.Fatal(err)
				}
			},
			status: store.DeliveryDelivered,
		},
		{
			name: "exhausted",
			finish: func(t *testing.T, q *queue.Memory, job queue.Job) {
				if _, err := q.Fail(context.Background(), job.ID, job.LeaseToken, errors.New("HTTP 500")); err != nil {
					t.Fatal(err)
				}
			},
			status: store.DeliveryExhausted,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, Options{})
			ctx := context.Background()
			q := queue.NewMemory(queue.Options{MaxAttempts: 1, KeepCompleted: -1, KeepFailed: -1, RetentionAge: -1})
			t.Cleanup(func() { _ = q.Close() })
			f.svc.queue = q
			f.svc.recorder = f.store
			f.svc.deliveries = f.store

			req := Request{Credential: "pk_abc", EndpointID: f.e1.ID, Method: "POST", Body: json.RawMessage(`{}`), IdempotencyKey: "k1"}
			first, err := f.svc.Receive(ctx, req)
			if err != nil {
				t.Fatal(err)
			}
			job, err := q.DequeueNext(ctx, "w1")
			if err != nil {
				t.Fatalf("DequeueNext() error = %v", err)
			}
			tt.finish(t, q, job)
			if err := f.store.RecordDelivery(ctx, store.DeliveryRecord{EventID: first.EventID, Status: tt.status, Attempts: 1}); err != nil {
				t.Fatal(err)
			}
			if n, err := q.Reap(ctx); err != nil || n != 1 {
				t.Fatalf("Reap() = %d, %v, want 1", n, err)
			}

			second, err := f.svc.Receive(ctx, req)
			if err != nil {
				t.Fatalf("Receive() duplicate error = %v", err)
			}
			if second.EventID != first.EventID || !second.Duplicate || second.Admission != queue.AlreadyAdmitted {
				t.Errorf("Receive() = %+v, want duplicate of %s already admitted", second, first.EventID)
			}
			if _, err := q.DequeueNext(ctx, "w2"); !errors.Is(err, queue.ErrEmpty) {
				t.Errorf("DequeueNext() error = %v, want %v", err, queue.ErrEmpty)
			}
			if _, err := q.GetJob(ctx, first.EventID); !errors.Is(err, queue.ErrNotFound) {
				t.Errorf("GetJob() error = %v, want %v", err, queue.ErrNotFound)
			}
			rec, err := f.store.GetDelivery(ctx, first.EventID)
			if err != nil {
				t.Fatal(err)
			}
			if rec.Status != tt.status {
				t.Errorf("delivery status = %s, want %s", rec.Status, tt.status)
			}
		})
	}
}

func TestService_Receive_RecordsPending(t *testing.T) {
	f := newFixture(t, Options{})
	f.svc.recorder = f.store
	ctx := context.Background()

	res, err := f.svc.Receive(ctx, Request{Credential: "pk_abc", EndpointID: f.e1.ID, Method: "POST"})
	if err != nil {
		t.Fatal(err)
	}
	rec, err := f.store.GetDelivery(ctx, res.EventID)
	if err != nil {
		t.Fatalf("GetDelivery() error = %v", err)
	}
	if rec.Status != store.DeliveryPending {
		t.Errorf("delivery status = %s, want %s", rec.Status, store.DeliveryPending)
	}
}

func TestService_Receive_RateLimited(t *testing.T) {
	f := newFixture(t, Options{Limiter: NewLimiter(0.001, 1)})
	ctx := context.Background()

	if _, err := f.svc.Receive(ctx, Request{Credential: "pk_abc", EndpointID: f.e1.ID, Method: "POST"}); err != nil {
		t.Fatalf("first Receive() error = %v", err)
	}
	if _, err := f.svc.Receive(ctx, Request{Credential: "pk_abc", EndpointID: f.e1.ID, Method: "POST"}); !errors.Is(err, ErrRateLimited) {
		t.Errorf("second Receive() error = %v, want %v", err, ErrRateLimited)
	}
	// buckets are per tenant
	if _, err := f.svc.Receive(ctx, Request{Credential: "pk_xyz", EndpointID: f.e2.ID, Method: "POST"}); err != nil {
		t.Errorf("other tenant Receive() error = %v", err)
	}
}

type failingQueue struct{}

func (failingQueue) Enqueue(context.Context, string, json.RawMessage) (queue.Admission, error) {
	return 0, errors.New("queue unavailable")
}

func TestService_Receive_EnqueueError(t *testing.T) {
	f := newFixture(t, Options{})
	f.svc.queue = failingQueue{}

	_, err := f.svc.Receive(context.Background(), Request{Credential: "pk_abc", EndpointID: f.e1.ID, Method: "POST"})
	if err == nil {
		t.Fatal("Receive() error = nil, want enqueue error")
	}
}

type recordingRecorder struct {
	recs []store.DeliveryRecord
}

func (r *recordingRecorder) RecordDelivery(_ context.Context, rec store.DeliveryRecord) error {
	r.recs = append(r.recs, rec)
	return nil
}

func TestLimiter(t *testing.T) {
	var disabled *Limiter
	if !disabled.Allow("t1") {
		t.Error("nil Limiter.Allow() = false, want true")
	}
	if NewLimiter(0, 10) != nil {
		t.Error("NewLimiter(0) != nil, want disabled limiter")
	}

	l := NewLimiter(0.001, 2)
	got := []bool{l.Allow("t1"), l.Allow("t1"), l.Allow("t1"), l.Allow("t2")}
	want := []bool{true, true, false, true}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Allow() call %d = %v, want %v", i, got[i], want[i])
		}
	}
}
