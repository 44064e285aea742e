// Package ingest accepts inbound webhook calls, records them as events and
// admits one delivery job per event. It also hosts the admin HTTP API.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/austindbirch/harbor_intake/internal/auth"
	"github.com/austindbirch/harbor_intake/internal/delivery"
	"github.com/austindbirch/harbor_intake/internal/logging"
	"github.com/austindbirch/harbor_intake/internal/metrics"
	"github.com/austindbirch/harbor_intake/internal/queue"
	"github.com/austindbirch/harbor_intake/internal/store"
	"github.com/austindbirch/harbor_intake/internal/tracing"
)

var ErrRateLimited = errors.New("tenant rate limit exceeded")

// Enqueuer is the part of queue.Queue the intake path needs.
type Enqueuer interface {
	Enqueue(ctx context.Context, jobID string, payload json.RawMessage) (queue.Admission, error)
}

// Request is one inbound webhook call after transport parsing.
type Request struct {
	Credential     string
	EndpointID     string
	Method         string
	Headers        store.Headers
	Body           json.RawMessage
	IdempotencyKey string
}

type Result struct {
	EventID    string
	TenantID   string
	ReceivedAt time.Time
	// Duplicate is set when the idempotency key was already accepted; EventID
	// is then the first event's id.
	Duplicate bool
	Admission queue.Admission
}

type Options struct {
	// Recorder, when set, gets a pending delivery record for each new event.
	Recorder store.DeliveryRecorder
	// Deliveries, when set, keeps a duplicate key from re-admitting an event
	// whose delivery already finished.
	Deliveries store.DeliveryReader
	Limiter    *Limiter
	Logger     *logging.Logger
}

type Service struct {
	authn      *auth.Authenticator
	events     store.EventStore
	endpoints  store.EndpointIndex
	queue      Enqueuer
	recorder   store.DeliveryRecorder
	deliveries store.DeliveryReader
	limiter    *Limiter
	log        *logging.Logger
}

func NewService(authn *auth.Authenticator, events store.EventStore, endpoints store.EndpointIndex, q Enqueuer, opts Options) *Service {
	if opts.Logger == nil {
		opts.Logger = logging.Default()
	}
	return &Service{
		authn:      authn,
		events:     events,
		endpoints:  endpoints,
		queue:      q,
		recorder:   opts.Recorder,
		deliveries: opts.Deliveries,
		limiter:    opts.Limiter,
		log:        opts.Logger,
	}
}

// Receive authenticates req, stores the event and admits its delivery job.
// A repeated idempotency key is not an error: the first event's id comes back
// with Duplicate set, and its job is re-admitted in case the first call stored
// the event but never reached the queue.
func (s *Service) Receive(ctx context.Context, req Request) (Result, error) {
	ctx, span := tracing.StartSpan(ctx, "ingest.Receive",
		attribute.String("endpoint_id", req.EndpointID),
		attribute.Bool("has_idempotency_key", req.IdempotencyKey != ""),
	)
	defer span.End()

	res, err := s.authn.Authenticate(ctx, req.Credential, req.EndpointID)
	if err != nil {
		metrics.RecordIntakeRejected(rejectReason(err))
		tracing.SetSpanError(ctx, err)
		return Result{}, err
	}
	tenantID := res.Tenant.ID
	span.SetAttributes(attribute.String("tenant_id", tenantID))

	if !s.limiter.Allow(tenantID) {
		metrics.RecordIntakeRejected("rate_limited")
		return Result{}, ErrRateLimited
	}

	tracing.AddSpanEvent(ctx, "store.create_event")
	ev, err := s.events.CreateEvent(ctx, store.NewEvent{
		TenantID:       tenantID,
		EndpointID:     res.Endpoint.ID,
		Method:         req.Method,
		Headers:        req.Headers,
		Body:           req.Body,
		IdempotencyKey: req.IdempotencyKey,
	})
	var dup *store.DuplicateEventError
	if errors.As(err, &dup) {
		return s.receiveDuplicate(ctx, res, dup.ExistingID)
	}
	if err != nil {
		tracing.SetSpanError(ctx, err)
		return Result{}, fmt.Errorf("create event: %w", err)
	}
	span.SetAttributes(attribute.String("event_id", ev.ID))
	metrics.RecordEventReceived(tenantID)

	// A new event id has no job yet, so the record is written before the job
	// becomes visible to workers and cannot overwrite their outcome.
	if s.recorder != nil {
		rec := store.DeliveryRecord{EventID: ev.ID, Status: store.DeliveryPending}
		if err := s.recorder.RecordDelivery(ctx, rec); err != nil {
			s.log.WithContext(ctx).WithEvent(ev.ID).WithError(err).Warn("failed to record pending delivery")
		}
	}

	adm, err := s.admit(ctx, ev, res.Endpoint)
	if err != nil {
		tracing.SetSpanError(ctx, err)
		return Result{}, err
	}

	s.log.WithContext(ctx).
		WithTenant(tenantID).
		WithEndpoint(ev.EndpointID).
		WithEvent(ev.ID).
		WithField("admission", adm.String()).
		Info("event received")

	return Result{
		EventID:    ev.ID,
		TenantID:   tenantID,
		ReceivedAt: ev.ReceivedAt,
		Admission:  adm,
	}, nil
}

func (s *Service) receiveDuplicate(ctx context.Context, res auth.Resolution, eventID string) (Result, error) {
	tracing.AddSpanEvent(ctx, "duplicate_event_detected", attribute.String("event_id", eventID))
	metrics.RecordDuplicate(res.Tenant.ID)

	ev, err := s.events.GetEvent(ctx, eventID)
	if err != nil {
		return Result{}, fmt.Errorf("load duplicate event %s: %w", eventID, err)
	}

	finished, err := s.deliveryFinished(ctx, ev.ID)
	if err != nil {
		return Result{}, err
	}
	if finished {
		// The terminal job may already be reaped; enqueuing again would
		// deliver the event a second time.
		metrics.RecordAdmission(queue.AlreadyAdmitted.String())
		s.log.WithContext(ctx).
			WithTenant(res.Tenant.ID).
			WithEvent(ev.ID).
			Info("duplicate idempotency key for a finished delivery, returning existing event")
		return Result{
			EventID:    ev.ID,
			TenantID:   ev.TenantID,
			ReceivedAt: ev.ReceivedAt,
			Duplicate:  true,
			Admission:  queue.AlreadyAdmitted,
		}, nil
	}

	// The key may have been used against another of the tenant's endpoints,
	// so the job targets the endpoint the event was stored under.
	ep := res.Endpoint
	if ev.EndpointID != ep.ID {
		if ep, err = s.endpoints.GetEndpoint(ctx, ev.EndpointID); err != nil {
			return Result{}, fmt.Errorf("load endpoint %s: %w", ev.EndpointID, err)
		}
	}

	adm, err := s.admit(ctx, ev, ep)
	if err != nil {
		return Result{}, err
	}

	s.log.WithContext(ctx).
		WithTenant(res.Tenant.ID).
		WithEvent(ev.ID).
		WithField("admission", adm.String()).
		Info("duplicate idempotency key, returning existing event")

	return Result{
		EventID:    ev.ID,
		TenantID:   ev.TenantID,
		ReceivedAt: ev.ReceivedAt,
		Duplicate:  true,
		Admission:  adm,
	}, nil
}

// deliveryFinished reports whether the event's delivery reached a terminal
// status. An event with no record yet is not finished.
func (s *Service) deliveryFinished(ctx context.Context, eventID string) (bool, error) {
	if s.deliveries == nil {
		return false, nil
	}
	rec, err := s.deliveries.GetDelivery(ctx, eventID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return false, nil
	case err != nil:
		return false, fmt.Errorf("load delivery %s: %w", eventID, err)
	}
	return rec.Status == store.DeliveryDelivered || rec.Status == store.DeliveryExhausted, nil
}

func (s *Service) admit(ctx context.Context, ev store.Event, ep store.Endpoint) (queue.Admission, error) {
	payload, err := delivery.NewPayload(ev, ep, tracing.InjectTraceHeaders(ctx)).Encode()
	if err != nil {
		return 0, err
	}

	tracing.AddSpanEvent(ctx, "queue.enqueue")
	adm, err := s.queue.Enqueue(ctx, ev.ID, payload)
	if err != nil {
		return 0, fmt.Errorf("enqueue %s: %w", ev.ID, err)
	}
	metrics.RecordAdmission(adm.String())
	return adm, nil
}

func rejectReason(err error) string {
	switch {
	case errors.Is(err, auth.ErrMissingCredential):
		return "missing_credential"
	case errors.Is(err, auth.ErrInvalidCredential):
		return "invalid_credential"
	case errors.Is(err, auth.ErrEndpointNotFound):
		return "endpoint_not_found"
	default:
		return "internal"
	}
}
