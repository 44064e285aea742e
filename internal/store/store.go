package store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"
)

var (
	ErrNotFound                = errors.New("not found")
	ErrScopeViolation          = errors.New("endpoint does not belong to tenant")
	ErrDuplicateIdempotencyKey = errors.New("duplicate idempotency key")
	ErrDuplicateCredential     = errors.New("duplicate tenant credential")
	ErrDuplicateURL            = errors.New("duplicate endpoint url")
)

// DuplicateEventError is returned by CreateEvent when the tenant already has an
// event with the same idempotency key. ExistingID is that event's id.
type DuplicateEventError struct {
	TenantID   string
	Key        string
	ExistingID string
}

func (e *DuplicateEventError) Error() string {
	return fmt.Sprintf("tenant %s already accepted idempotency key %q as event %s", e.TenantID, e.Key, e.ExistingID)
}

func (e *DuplicateEventError) Is(target error) bool {
	return target == ErrDuplicateIdempotencyKey
}

type Tenant struct {
	ID         string    `json:"id"`
	Credential string    `json:"credential"`
	Name       string    `json:"name"`
	CreatedAt  time.Time `json:"createdAt"`
}

type Endpoint struct {
	ID        string    `json:"id"`
	TenantID  string    `json:"tenantId"`
	URL       string    `json:"url"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"createdAt"`
}

// Headers maps a header name to its raw JSON value. Values are kept as the
// bytes the caller supplied.
type Headers map[string]json.RawMessage

// Event is the immutable record of one received webhook call.
type Event struct {
	ID             string          `json:"id"`
	TenantID       string          `json:"tenantId"`
	EndpointID     string          `json:"endpointId"`
	Method         string          `json:"method"`
	Headers        Headers         `json:"headers"`
	Body           json.RawMessage `json:"body"`
	IdempotencyKey *string         `json:"idempotencyKey,omitempty"`
	ReceivedAt     time.Time       `json:"receivedAt"`
}

// NewEvent is the input to CreateEvent. An empty IdempotencyKey means none.
type NewEvent struct {
	TenantID       string
	EndpointID     string
	Method         string
	Headers        Headers
	Body           json.RawMessage
	IdempotencyKey string
}

type DeliveryStatus string

const (
	DeliveryPending   DeliveryStatus = "pending"
	DeliveryRetrying  DeliveryStatus = "retrying"
	DeliveryDelivered DeliveryStatus = "delivered"
	DeliveryExhausted DeliveryStatus = "exhausted"
)

// DeliveryRecord is the last known delivery state of an event, written back by
// the worker pool.
type DeliveryRecord struct {
	EventID        string         `json:"eventId"`
	Status         DeliveryStatus `json:"status"`
	Attempts       int            `json:"attempts"`
	LastError      string         `json:"lastError,omitempty"`
	LastStatusCode int            `json:"lastStatusCode,omitempty"`
	UpdatedAt      time.Time      `json:"updatedAt"`
}

// TenantDirectory resolves a credential to a tenant by exact match.
type TenantDirectory interface {
	TenantByCredential(ctx context.Context, credential string) (Tenant, error)
}

// EndpointIndex looks up endpoints by id.
type EndpointIndex interface {
	GetEndpoint(ctx context.Context, id string) (Endpoint, error)
}

// EventStore persists intake events.
type EventStore interface {
	CreateEvent(ctx context.Context, in NewEvent) (Event, error)
	GetEvent(ctx context.Context, id string) (Event, error)
}

// DeliveryRecorder receives delivery outcomes for events.
type DeliveryRecorder interface {
	RecordDelivery(ctx context.Context, rec DeliveryRecord) error
}

// DeliveryReader reads the latest delivery record of an event.
type DeliveryReader interface {
	GetDelivery(ctx context.Context, eventID string) (DeliveryRecord, error)
}

// Store is the full persistence surface used by the services.
type Store interface {
	TenantDirectory
	EndpointIndex
	EventStore
	DeliveryRecorder
	DeliveryReader

	CreateTenant(ctx context.Context, name, credential string) (Tenant, error)
	GetTenant(ctx context.Context, id string) (Tenant, error)
	DeleteTenant(ctx context.Context, id string) error

	CreateEndpoint(ctx context.Context, tenantID, url, name string) (Endpoint, error)
	ListEndpoints(ctx context.Context, tenantID string) ([]Endpoint, error)
	DeleteEndpoint(ctx context.Context, id string) error

	Close()
}

// normalizeBody maps an absent body to JSON null.
func normalizeBody(b json.RawMessage) json.RawMessage {
	if len(b) == 0 {
		return json.RawMessage("null")
	}
	return b
}

// copyHeaders deep-copies h. An empty value becomes JSON null, as it does in
// encodeHeaders.
func copyHeaders(h Headers) Headers {
	out := make(Headers, len(h))
	for k, v := range h {
		out[k] = append(json.RawMessage(nil), normalizeBody(v)...)
	}
	return out
}

// encodeHeaders renders h as a JSON object with sorted keys. Values are
// written byte for byte; json.Marshal would compact them.
func encodeHeaders(h Headers) ([]byte, error) {
	keys := make([]string, 0, len(h))
	for k := range h {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range keys {
		v := normalizeBody(h[k])
		if !json.Valid(v) {
			return nil, fmt.Errorf("header %q: value is not valid JSON", k)
		}
		name, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		if i > 0 {
			buf.WriteByte(',')
		}
		buf.Write(name)
		buf.WriteByte(':')
		buf.Write(v)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}
