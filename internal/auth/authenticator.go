// Package auth holds the intake tenant-isolation boundary and the admin API
// token validator.
package auth

import (
	"context"
	"errors"
	"fmt"

	"github.com/austindbirch/harbor_intake/internal/store"
)

var (
	ErrMissingCredential = errors.New("missing credential")
	ErrInvalidCredential = errors.New("invalid credential")
	// ErrEndpointNotFound covers both an unknown endpoint and an endpoint
	// owned by another tenant.
	ErrEndpointNotFound = errors.New("endpoint not found or does not belong to this tenant")
)

// Resolution is the authenticated tenant and its target endpoint. Downstream
// writes take their tenant id from here and nowhere else.
type Resolution struct {
	Tenant   store.Tenant
	Endpoint store.Endpoint
}

type Authenticator struct {
	tenants   store.TenantDirectory
	endpoints store.EndpointIndex
}

func NewAuthenticator(tenants store.TenantDirectory, endpoints store.EndpointIndex) *Authenticator {
	return &Authenticator{tenants: tenants, endpoints: endpoints}
}

// Authenticate resolves credential to a tenant by exact match and then
// resolves endpointID within that tenant's scope.
func (a *Authenticator) Authenticate(ctx context.Context, credential, endpointID string) (Resolution, error) {
	if credential == "" {
		return Resolution{}, ErrMissingCredential
	}

	tenant, err := a.tenants.TenantByCredential(ctx, credential)
	if errors.Is(err, store.ErrNotFound) {
		return Resolution{}, ErrInvalidCredential
	}
	if err != nil {
		return Resolution{}, fmt.Errorf("resolve credential: %w", err)
	}

	if endpointID == "" {
		return Resolution{}, ErrEndpointNotFound
	}
	ep, err := a.endpoints.GetEndpoint(ctx, endpointID)
	if errors.Is(err, store.ErrNotFound) {
		return Resolution{}, ErrEndpointNotFound
	}
	if err != nil {
		return Resolution{}, fmt.Errorf("resolve endpoint: %w", err)
	}
	if ep.TenantID != tenant.ID {
		return Resolution{}, ErrEndpointNotFound
	}

	return Resolution{Tenant: tenant, Endpoint: ep}, nil
}
