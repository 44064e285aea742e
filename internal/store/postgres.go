package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	pgUniqueViolation     = "23505"
	pgForeignKeyViolation = "23503"
)

// Postgres is the pgx-backed Store. Schema lives in internal/db/migrations.
type Postgres struct {
	pool *pgxpool.Pool
}

var _ Store = (*Postgres)(nil)

func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

func (p *Postgres) CreateTenant(ctx context.Context, name, credential string) (Tenant, error) {
	t := Tenant{ID: uuid.NewString(), Credential: credential, Name: name}
	err := p.pool.QueryRow(ctx, `
		INSERT INTO harborhook.tenants(id, credential, name)
		VALUES ($1, $2, $3)
		RETURNING created_at`,
		t.ID, credential, name,
	).Scan(&t.CreatedAt)
	if err != nil {
		if constraintViolated(err, pgUniqueViolation, "uq_tenants_credential") {
			return Tenant{}, ErrDuplicateCredential
		}
		return Tenant{}, fmt.Errorf("insert tenant: %w", err)
	}
	return t, nil
}

func (p *Postgres) GetTenant(ctx context.Context, id string) (Tenant, error) {
	return p.scanTenant(p.pool.QueryRow(ctx, `
		SELECT id, credential, name, created_at
		FROM harborhook.tenants WHERE id = $1`, id))
}

func (p *Postgres) TenantByCredential(ctx context.Context, credential string) (Tenant, error) {
	return p.scanTenant(p.pool.QueryRow(ctx, `
		SELECT id, credential, name, created_at
		FROM harborhook.tenants WHERE credential = $1`, credential))
}

func (p *Postgres) scanTenant(row pgx.Row) (Tenant, error) {
	var t Tenant
	if err := row.Scan(&t.ID, &t.Credential, &t.Name, &t.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Tenant{}, ErrNotFound
		}
		return Tenant{}, fmt.Errorf("select tenant: %w", err)
	}
	return t, nil
}

// DeleteTenant relies on ON DELETE CASCADE for endpoints, events and deliveries.
func (p *Postgres) DeleteTenant(ctx context.Context, id string) error {
	ct, err := p.pool.Exec(ctx, `DELETE FROM harborhook.tenants WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete tenant: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) CreateEndpoint(ctx context.Context, tenantID, url, name string) (Endpoint, error) {
	ep := Endpoint{ID: uuid.NewString(), TenantID: tenantID, URL: url, Name: name}
	err := p.pool.QueryRow(ctx, `
		INSERT INTO harborhook.endpoints(id, tenant_id, url, name)
		VALUES ($1, $2, $3, $4)
		RETURNING created_at`,
		ep.ID, tenantID, url, name,
	).Scan(&ep.CreatedAt)
	if err != nil {
		switch {
		case constraintViolated(err, pgUniqueViolation, "uq_endpoints_url"):
			return Endpoint{}, ErrDuplicateURL
		case constraintViolated(err, pgForeignKeyViolation, ""):
			return Endpoint{}, ErrNotFound
		}
		return Endpoint{}, fmt.Errorf("insert endpoint: %w", err)
	}
	return ep, nil
}

func (p *Postgres) GetEndpoint(ctx context.Context, id string) (Endpoint, error) {
	var ep Endpoint
	err := p.pool.QueryRow(ctx, `
		SELECT id, tenant_id, url, name, created_at
		FROM harborhook.endpoints WHERE id = $1`, id,
	).Scan(&ep.ID, &ep.TenantID, &ep.URL, &ep.Name, &ep.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Endpoint{}, ErrNotFound
		}
		return Endpoint{}, fmt.Errorf("select endpoint: %w", err)
	}
	return ep, nil
}

func (p *Postgres) ListEndpoints(ctx context.Context, tenantID string) ([]Endpoint, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT id, tenant_id, url, name, created_at
		FROM harborhook.endpoints
		WHERE tenant_id = $1
		ORDER BY created_at ASC`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("list endpoints: %w", err)
	}
	defer rows.Close()

	out := []Endpoint{}
	for rows.Next() {
		var ep Endpoint
		if err := rows.Scan(&ep.ID, &ep.TenantID, &ep.URL, &ep.Name, &ep.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, ep)
	}
	return out, rows.Err()
}

func (p *Postgres) DeleteEndpoint(ctx context.Context, id string) error {
	ct, err := p.pool.Exec(ctx, `DELETE FROM harborhook.endpoints WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete endpoint: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// CreateEvent checks the endpoint scope, then inserts. The composite foreign key
// on (endpoint_id, tenant_id) rejects a mismatched pair even if the check is
// raced by a concurrent endpoint change.
func (p *Postgres) CreateEvent(ctx context.Context, in NewEvent) (Event, error) {
	var owner string
	err := p.pool.QueryRow(ctx, `
		SELECT tenant_id FROM harborhook.endpoints WHERE id = $1`, in.EndpointID,
	).Scan(&owner)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Event{}, ErrScopeViolation
		}
		return Event{}, fmt.Errorf("select endpoint scope: %w", err)
	}
	if owner != in.TenantID {
		return Event{}, ErrScopeViolation
	}

	headersJSON, err := encodeHeaders(in.Headers)
	if err != nil {
		return Event{}, fmt.Errorf("encode headers: %w", err)
	}
	body := normalizeBody(in.Body)
	var bodyArg any
	if string(body) != "null" {
		bodyArg = string(body)
	}
	var keyArg any
	if in.IdempotencyKey != "" {
		keyArg = in.IdempotencyKey
	}

	ev := Event{
		ID:         uuid.NewString(),
		TenantID:   in.TenantID,
		EndpointID: in.EndpointID,
		Method:     in.Method,
		Headers:    copyHeaders(in.Headers),
		Body:       append(json.RawMessage(nil), body...),
	}
	if in.IdempotencyKey != "" {
		key := in.IdempotencyKey
		ev.IdempotencyKey = &key
	}

	// Concurrent inserts with the same key serialize on the unique index; the
	// loser sees no returned row and looks up the winner.
	err = p.pool.QueryRow(ctx, `
		INSERT INTO harborhook.events(id, tenant_id, endpoint_id, method, headers, body, idempotency_key)
		VALUES ($1, $2, $3, $4, $5::json, $6::json, $7)
		ON CONFLICT ON CONSTRAINT uq_events_tenant_idem DO NOTHING
		RETURNING received_at`,
		ev.ID, in.TenantID, in.EndpointID, in.Method, string(headersJSON), bodyArg, keyArg,
	).Scan(&ev.ReceivedAt)
	switch {
	case err == nil:
		return ev, nil
	case errors.Is(err, pgx.ErrNoRows):
		var existing string
		if err := p.pool.QueryRow(ctx, `
			SELECT id FROM harborhook.events
			WHERE tenant_id = $1 AND idempotency_key = $2`,
			in.TenantID, in.IdempotencyKey,
		).Scan(&existing); err != nil {
			return Event{}, fmt.Errorf("select duplicate event: %w", err)
		}
		return Event{}, &DuplicateEventError{TenantID: in.TenantID, Key: in.IdempotencyKey, ExistingID: existing}
	case constraintViolated(err, pgForeignKeyViolation, "fk_events_endpoint_scope"):
		return Event{}, ErrScopeViolation
	default:
		return Event{}, fmt.Errorf("insert event: %w", err)
	}
}

func (p *Postgres) GetEvent(ctx context.Context, id string) (Event, error) {
	var (
		ev          Event
		headersText string
		bodyText    *string
	)
	err := p.pool.QueryRow(ctx, `
		SELECT id, tenant_id, endpoint_id, method, headers::text, body::text, idempotency_key, received_at
		FROM harborhook.events WHERE id = $1`, id,
	).Scan(&ev.ID, &ev.TenantID, &ev.EndpointID, &ev.Method, &headersText, &bodyText, &ev.IdempotencyKey, &ev.ReceivedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Event{}, ErrNotFound
		}
		return Event{}, fmt.Errorf("select event: %w", err)
	}
	if err := json.Unmarshal([]byte(headersText), &ev.Headers); err != nil {
		return Event{}, fmt.Errorf("decode headers: %w", err)
	}
	if bodyText != nil {
		ev.Body = json.RawMessage(*bodyText)
	}
	ev.Body = normalizeBody(ev.Body)
	return ev, nil
}

func (p *Postgres) RecordDelivery(ctx context.Context, rec DeliveryRecord) error {
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = time.Now().UTC()
	}
	_, err := p.pool.Exec(ctx, `
		INSERT INTO harborhook.deliveries(event_id, status, attempts, last_error, last_status_code, updated_at)
		VALUES ($1, $2, $3, NULLIF($4, ''), NULLIF($5, 0), $6)
		ON CONFLICT (event_id) DO UPDATE
		SET status = EXCLUDED.status,
		    attempts = EXCLUDED.attempts,
		    last_error = EXCLUDED.last_error,
		    last_status_code = EXCLUDED.last_status_code,
		    updated_at = EXCLUDED.updated_at`,
		rec.EventID, string(rec.Status), rec.Attempts, rec.LastError, rec.LastStatusCode, rec.UpdatedAt,
	)
	if err != nil {
		if constraintViolated(err, pgForeignKeyViolation, "") {
			return ErrNotFound
		}
		return fmt.Errorf("upsert delivery: %w", err)
	}
	return nil
}

func (p *Postgres) GetDelivery(ctx context.Context, eventID string) (DeliveryRecord, error) {
	var (
		rec     DeliveryRecord
		status  string
		lastErr *string
		code    *int32
	)
	err := p.pool.QueryRow(ctx, `
		SELECT event_id, status, attempts, last_error, last_status_code, updated_at
		FROM harborhook.deliveries WHERE event_id = $1`, eventID,
	).Scan(&rec.EventID, &status, &rec.Attempts, &lastErr, &code, &rec.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return DeliveryRecord{}, ErrNotFound
		}
		return DeliveryRecord{}, fmt.Errorf("select delivery: %w", err)
	}
	rec.Status = DeliveryStatus(status)
	if lastErr != nil {
		rec.LastError = *lastErr
	}
	if code != nil {
		rec.LastStatusCode = int(*code)
	}
	return rec, nil
}

func (p *Postgres) Close() {
	p.pool.Close()
}

// constraintViolated reports whether err is a Postgres error with the given
// SQLSTATE and, when constraint is non-empty, that constraint name.
func constraintViolated(err error, code, constraint string) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	if pgErr.Code != code {
		return false
	}
	return constraint == "" || pgErr.ConstraintName == constraint
}
