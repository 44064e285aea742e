package ingest

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/austindbirch/harbor_intake/internal/logging"
	"github.com/austindbirch/harbor_intake/internal/queue"
	"github.com/austindbirch/harbor_intake/internal/store"
)

// Admin serves tenant provisioning and read-only queue inspection under /v1.
type Admin struct {
	store store.Store
	queue queue.Queue
	log   *logging.Logger
}

func NewAdmin(s store.Store, q queue.Queue, log *logging.Logger) *Admin {
	if log == nil {
		log = logging.Default()
	}
	return &Admin{store: s, queue: q, log: log}
}

// Mount registers the admin routes under /v1. mw, when non-nil, wraps every
// route (the bearer token check).
func (a *Admin) Mount(r chi.Router, mw func(http.Handler) http.Handler) {
	r.Route("/v1", func(r chi.Router) {
		if mw != nil {
			r.Use(mw)
		}
		r.Post("/tenants", a.createTenant)
		r.Get("/tenants/{tenantId}", a.getTenant)
		r.Delete("/tenants/{tenantId}", a.deleteTenant)
		r.Post("/tenants/{tenantId}/endpoints", a.createEndpoint)
		r.Get("/tenants/{tenantId}/endpoints", a.listEndpoints)
		r.Delete("/endpoints/{endpointId}", a.deleteEndpoint)
		r.Get("/events/{eventId}", a.getEvent)
		r.Get("/jobs/{jobId}", a.getJob)
		r.Get("/queue/stats", a.queueStats)
	})
}

type createTenantRequest struct {
	Name       string `json:"name"`
	Credential string `json:"credential"`
}

// tenantView omits the credential. It is only returned once, on creation.
type tenantView struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	CreatedAt string `json:"createdAt"`
}

type createTenantResponse struct {
	tenantView
	Credential string `json:"credential"`
}

type createEndpointRequest struct {
	URL  string `json:"url"`
	Name string `json:"name"`
}

type eventResponse struct {
	Event    store.Event           `json:"event"`
	Delivery *store.DeliveryRecord `json:"delivery,omitempty"`
}

func viewTenant(t store.Tenant) tenantView {
	return tenantView{ID: t.ID, Name: t.Name, CreatedAt: t.CreatedAt.UTC().Format(time.RFC3339Nano)}
}

func (a *Admin) createTenant(w http.ResponseWriter, r *http.Request) {
	var req createTenantRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}
	if req.Credential == "" {
		cred, err := generateCredential(24)
		if err != nil {
			a.internal(w, r, err)
			return
		}
		req.Credential = cred
	}

	t, err := a.store.CreateTenant(r.Context(), req.Name, req.Credential)
	if errors.Is(err, store.ErrDuplicateCredential) {
		writeError(w, http.StatusConflict, "credential already in use")
		return
	}
	if err != nil {
		a.internal(w, r, err)
		return
	}
	a.log.WithContext(r.Context()).WithTenant(t.ID).Info("tenant created")
	writeJSON(w, http.StatusCreated, createTenantResponse{tenantView: viewTenant(t), Credential: t.Credential})
}

func (a *Admin) getTenant(w http.ResponseWriter, r *http.Request) {
	t, err := a.store.GetTenant(r.Context(), chi.URLParam(r, "tenantId"))
	if a.notFound(w, r, err, "tenant not found") {
		return
	}
	writeJSON(w, http.StatusOK, viewTenant(t))
}

func (a *Admin) deleteTenant(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "tenantId")
	if a.notFound(w, r, a.store.DeleteTenant(r.Context(), id), "tenant not found") {
		return
	}
	a.log.WithContext(r.Context()).WithTenant(id).Info("tenant deleted")
	w.WriteHeader(http.StatusNoContent)
}

func (a *Admin) createEndpoint(w http.ResponseWriter, r *http.Request) {
	var req createEndpointRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	u, err := url.ParseRequestURI(req.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		writeError(w, http.StatusBadRequest, "url must be an absolute http(s) URL")
		return
	}

	tenantID := chi.URLParam(r, "tenantId")
	ep, err := a.store.CreateEndpoint(r.Context(), tenantID, req.URL, req.Name)
	if errors.Is(err, store.ErrDuplicateURL) {
		writeError(w, http.StatusConflict, "url already registered")
		return
	}
	if a.notFound(w, r, err, "tenant not found") {
		return
	}
	a.log.WithContext(r.Context()).WithTenant(tenantID).WithEndpoint(ep.ID).Info("endpoint created")
	writeJSON(w, http.StatusCreated, ep)
}

func (a *Admin) listEndpoints(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenantId")
	if _, err := a.store.GetTenant(r.Context(), tenantID); a.notFound(w, r, err, "tenant not found") {
		return
	}
	eps, err := a.store.ListEndpoints(r.Context(), tenantID)
	if err != nil {
		a.internal(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"endpoints": eps})
}

func (a *Admin) deleteEndpoint(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "endpointId")
	if a.notFound(w, r, a.store.DeleteEndpoint(r.Context(), id), "endpoint not found") {
		return
	}
	a.log.WithContext(r.Context()).WithEndpoint(id).Info("endpoint deleted")
	w.WriteHeader(http.StatusNoContent)
}

func (a *Admin) getEvent(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ev, err := a.store.GetEvent(ctx, chi.URLParam(r, "eventId"))
	if a.notFound(w, r, err, "event not found") {
		return
	}
	resp := eventResponse{Event: ev}
	rec, err := a.store.GetDelivery(ctx, ev.ID)
	switch {
	case err == nil:
		resp.Delivery = &rec
	case !errors.Is(err, store.ErrNotFound):
		a.internal(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *Admin) getJob(w http.ResponseWriter, r *http.Request) {
	job, err := a.queue.GetJob(r.Context(), chi.URLParam(r, "jobId"))
	if errors.Is(err, queue.ErrNotFound) {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	if err != nil {
		a.internal(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (a *Admin) queueStats(w http.ResponseWriter, r *http.Request) {
	c, err := a.queue.Counts(r.Context())
	if err != nil {
		a.internal(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

// notFound writes the response for a non-nil err and reports whether it did.
func (a *Admin) notFound(w http.ResponseWriter, r *http.Request, err error, msg string) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, msg)
		return true
	}
	a.internal(w, r, err)
	return true
}

func (a *Admin) internal(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, context.Canceled) {
		return
	}
	a.log.WithContext(r.Context()).WithError(err).WithField("path", r.URL.Path).Error("admin request failed")
	writeError(w, http.StatusInternalServerError, "internal error")
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, DefaultMaxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON body")
		return false
	}
	return true
}

// generateCredential returns a "pk_" project key with n random bytes.
func generateCredential(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return "pk_" + base64.RawURLEncoding.EncodeToString(b), nil
}
