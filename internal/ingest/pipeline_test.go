package ingest

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/austindbirch/harbor_intake/internal/auth"
	"github.com/austindbirch/harbor_intake/internal/delivery"
	"github.com/austindbirch/harbor_intake/internal/queue"
	"github.com/austindbirch/harbor_intake/internal/store"
	"github.com/austindbirch/harbor_intake/internal/worker"
)

type receivedCall struct {
	method string
	body   string
	header http.Header
}

// TestPipeline_IntakeToDestination drives a webhook through intake, the queue
// and the worker pool to a real HTTP destination that fails once.
func TestPipeline_IntakeToDestination(t *testing.T) {
	var (
		mu    sync.Mutex
		calls []receivedCall
	)
	dest := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		mu.Lock()
		calls = append(calls, receivedCall{method: r.Method, body: string(b), header: r.Header.Clone()})
		n := len(calls)
		mu.Unlock()
		if n == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer dest.Close()

	ctx := context.Background()
	clock := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	var clockMu sync.Mutex
	now := func() time.Time {
		clockMu.Lock()
		defer clockMu.Unlock()
		return clock
	}

	st := store.NewMemory()
	q := queue.NewMemory(queue.Options{Now: now})
	defer q.Close()
	tenant, err := st.CreateTenant(ctx, "abc", "pk_abc")
	if err != nil {
		t.Fatal(err)
	}
	ep, err := st.CreateEndpoint(ctx, tenant.ID, dest.URL+"/hook", "dest")
	if err != nil {
		t.Fatal(err)
	}

	svc := NewService(auth.NewAuthenticator(st, st), st, st, q, Options{Recorder: st, Deliveries: st, Logger: quietLogger()})
	router := NewRouter(NewHandler(svc, HandlerOptions{Logger: quietLogger()}), RouterOptions{})

	w := post(t, router, "/webhooks/"+ep.ID, "pk_abc", `{"order":7}`, map[string]string{"X-Source": "shop"})
	if w.Code != http.StatusCreated {
		t.Fatalf("intake status = %d, want %d", w.Code, http.StatusCreated)
	}
	eventID := decodeMap(t, w)["eventId"].(string)

	pool := worker.NewPool(q, delivery.NewHTTPTransport(delivery.HTTPOptions{CredentialHeader: DefaultCredentialHeader}), worker.Options{
		Concurrency:     1,
		DeliveryTimeout: 2 * time.Second,
		Recorder:        st,
		Logger:          quietLogger(),
	})

	rep, err := pool.ProcessNext(ctx, "w1")
	if err != nil {
		t.Fatalf("first ProcessNext() error = %v", err)
	}
	if rep.Outcome != worker.OutcomeRetrying || rep.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("first report = %+v, want retrying after 503", rep)
	}
	if rec, _ := st.GetDelivery(ctx, eventID); rec.Status != store.DeliveryRetrying {
		t.Errorf("delivery status = %s, want %s", rec.Status, store.DeliveryRetrying)
	}

	// backoff for attempt 1 is one second
	if _, err := pool.ProcessNext(ctx, "w1"); !errors.Is(err, queue.ErrEmpty) {
		t.Fatalf("ProcessNext() during backoff error = %v, want %v", err, queue.ErrEmpty)
	}
	clockMu.Lock()
	clock = clock.Add(time.Second)
	clockMu.Unlock()

	rep, err = pool.ProcessNext(ctx, "w1")
	if err != nil {
		t.Fatalf("second ProcessNext() error = %v", err)
	}
	if rep.Outcome != worker.OutcomeDelivered || rep.Attempt != 2 {
		t.Fatalf("second report = %+v, want delivered on attempt 2", rep)
	}

	rec, err := st.GetDelivery(ctx, eventID)
	if err != nil {
		t.Fatal(err)
	}
	if rec.Status != store.DeliveryDelivered {
		t.Errorf("delivery status = %s, want %s", rec.Status, store.DeliveryDelivered)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(calls) != 2 {
		t.Fatalf("destination calls = %d, want 2", len(calls))
	}
	last := calls[1]
	if last.method != http.MethodPost || last.body != `{"order":7}` {
		t.Errorf("destination got %s %s, want POST {\"order\":7}", last.method, last.body)
	}
	if got := last.header.Get("X-Source"); got != "shop" {
		t.Errorf("X-Source = %q, want shop", got)
	}
	if got := last.header.Get(delivery.EventIDHeader); got != eventID {
		t.Errorf("%s = %q, want %s", delivery.EventIDHeader, got, eventID)
	}
	if got := last.header.Get(delivery.AttemptHeader); got != "2" {
		t.Errorf("%s = %q, want 2", delivery.AttemptHeader, got)
	}
	if got := last.header.Get(DefaultCredentialHeader); got != "" {
		t.Errorf("credential forwarded to destination: %q", got)
	}
}
