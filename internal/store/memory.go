package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

type idemKey struct {
	tenantID string
	key      string
}

// Memory is an in-process Store. It enforces the same invariants as the
// Postgres schema and is used by tests and single-process deployments.
type Memory struct {
	mu         sync.RWMutex
	tenants    map[string]Tenant
	byCred     map[string]string
	endpoints  map[string]Endpoint
	byURL      map[string]string
	events     map[string]Event
	byIdemKey  map[idemKey]string
	deliveries map[string]DeliveryRecord
	now        func() time.Time
}

var _ Store = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{
		tenants:    make(map[string]Tenant),
		byCred:     make(map[string]string),
		endpoints:  make(map[string]Endpoint),
		byURL:      make(map[string]string),
		events:     make(map[string]Event),
		byIdemKey:  make(map[idemKey]string),
		deliveries: make(map[string]DeliveryRecord),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

func (m *Memory) CreateTenant(ctx context.Context, name, credential string) (Tenant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byCred[credential]; ok {
		return Tenant{}, ErrDuplicateCredential
	}
	t := Tenant{ID: uuid.NewString(), Credential: credential, Name: name, CreatedAt: m.now()}
	m.tenants[t.ID] = t
	m.byCred[credential] = t.ID
	return t, nil
}

func (m *Memory) GetTenant(ctx context.Context, id string) (Tenant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tenants[id]
	if !ok {
		return Tenant{}, ErrNotFound
	}
	return t, nil
}

func (m *Memory) TenantByCredential(ctx context.Context, credential string) (Tenant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.byCred[credential]
	if !ok {
		return Tenant{}, ErrNotFound
	}
	return m.tenants[id], nil
}

// DeleteTenant removes the tenant with its endpoints, events and delivery records.
func (m *Memory) DeleteTenant(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tenants[id]
	if !ok {
		return ErrNotFound
	}
	for epID, ep := range m.endpoints {
		if ep.TenantID == id {
			m.deleteEndpointLocked(epID)
		}
	}
	// Events always share their endpoint's tenant, but sweep anyway so no
	// record can outlive its tenant.
	for evID, ev := range m.events {
		if ev.TenantID == id {
			m.deleteEventLocked(evID)
		}
	}
	delete(m.byCred, t.Credential)
	delete(m.tenants, id)
	return nil
}

func (m *Memory) CreateEndpoint(ctx context.Context, tenantID, url, name string) (Endpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tenants[tenantID]; !ok {
		return Endpoint{}, ErrNotFound
	}
	if _, ok := m.byURL[url]; ok {
		return Endpoint{}, ErrDuplicateURL
	}
	ep := Endpoint{ID: uuid.NewString(), TenantID: tenantID, URL: url, Name: name, CreatedAt: m.now()}
	m.endpoints[ep.ID] = ep
	m.byURL[url] = ep.ID
	return ep, nil
}

func (m *Memory) GetEndpoint(ctx context.Context, id string) (Endpoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ep, ok := m.endpoints[id]
	if !ok {
		return Endpoint{}, ErrNotFound
	}
	return ep, nil
}

func (m *Memory) ListEndpoints(ctx context.Context, tenantID string) ([]Endpoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := []Endpoint{}
	for _, ep := range m.endpoints {
		if ep.TenantID == tenantID {
			out = append(out, ep)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) DeleteEndpoint(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.endpoints[id]; !ok {
		return ErrNotFound
	}
	m.deleteEndpointLocked(id)
	return nil
}

func (m *Memory) deleteEndpointLocked(id string) {
	for evID, ev := range m.events {
		if ev.EndpointID == id {
			m.deleteEventLocked(evID)
		}
	}
	delete(m.byURL, m.endpoints[id].URL)
	delete(m.endpoints, id)
}

func (m *Memory) deleteEventLocked(id string) {
	ev := m.events[id]
	if ev.IdempotencyKey != nil {
		delete(m.byIdemKey, idemKey{tenantID: ev.TenantID, key: *ev.IdempotencyKey})
	}
	delete(m.deliveries, id)
	delete(m.events, id)
}

func (m *Memory) CreateEvent(ctx context.Context, in NewEvent) (Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ep, ok := m.endpoints[in.EndpointID]
	if !ok || ep.TenantID != in.TenantID {
		return Event{}, ErrScopeViolation
	}
	if _, err := encodeHeaders(in.Headers); err != nil {
		return Event{}, fmt.Errorf("encode headers: %w", err)
	}
	if in.IdempotencyKey != "" {
		k := idemKey{tenantID: in.TenantID, key: in.IdempotencyKey}
		if existing, ok := m.byIdemKey[k]; ok {
			return Event{}, &DuplicateEventError{TenantID: in.TenantID, Key: in.IdempotencyKey, ExistingID: existing}
		}
	}

	ev := Event{
		ID:         uuid.NewString(),
		TenantID:   in.TenantID,
		EndpointID: in.EndpointID,
		Method:     in.Method,
		Headers:    copyHeaders(in.Headers),
		Body:       append(json.RawMessage(nil), normalizeBody(in.Body)...),
		ReceivedAt: m.now(),
	}
	if in.IdempotencyKey != "" {
		key := in.IdempotencyKey
		ev.IdempotencyKey = &key
		m.byIdemKey[idemKey{tenantID: in.TenantID, key: key}] = ev.ID
	}
	m.events[ev.ID] = ev
	return ev, nil
}

func (m *Memory) GetEvent(ctx context.Context, id string) (Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ev, ok := m.events[id]
	if !ok {
		return Event{}, ErrNotFound
	}
	ev.Headers = copyHeaders(ev.Headers)
	ev.Body = append(json.RawMessage(nil), ev.Body...)
	return ev, nil
}

func (m *Memory) RecordDelivery(ctx context.Context, rec DeliveryRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.events[rec.EventID]; !ok {
		return ErrNotFound
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = m.now()
	}
	m.deliveries[rec.EventID] = rec
	return nil
}

func (m *Memory) GetDelivery(ctx context.Context, eventID string) (DeliveryRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.deliveries[eventID]
	if !ok {
		return DeliveryRecord{}, ErrNotFound
	}
	return rec, nil
}

func (m *Memory) Close() {}
