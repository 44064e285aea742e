package ingest

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/austindbirch/harbor_intake/internal/auth"
	"github.com/austindbirch/harbor_intake/internal/logging"
	"github.com/austindbirch/harbor_intake/internal/store"
)

const (
	DefaultCredentialHeader = "X-Project-Key"
	IdempotencyKeyHeader    = "Idempotency-Key"
	DefaultMaxBodyBytes     = 1 << 20
)

const msgEndpointNotFound = "Webhook endpoint not found or does not belong to this project"

type HandlerOptions struct {
	CredentialHeader string
	MaxBodyBytes     int64
	Logger           *logging.Logger
}

// Handler is the HTTP face of Service.
type Handler struct {
	svc  *Service
	opts HandlerOptions
	log  *logging.Logger
}

func NewHandler(svc *Service, opts HandlerOptions) *Handler {
	if opts.CredentialHeader == "" {
		opts.CredentialHeader = DefaultCredentialHeader
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if opts.Logger == nil {
		opts.Logger = logging.Default()
	}
	return &Handler{svc: svc, opts: opts, log: opts.Logger}
}

// Mount registers the intake routes. Only endpoint-scoped intake is served;
// there is no project-wide route.
func (h *Handler) Mount(r chi.Router) {
	r.Post("/webhooks/{endpointId}", h.Receive)
}

type receiveResponse struct {
	Success    bool   `json:"success"`
	EventID    string `json:"eventId"`
	ReceivedAt string `json:"receivedAt"`
	Duplicate  bool   `json:"duplicate,omitempty"`
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func (h *Handler) Receive(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(w, r, h.opts.MaxBodyBytes)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "Request body exceeds the size limit")
			return
		}
		msg := "Failed to read request body"
		if errors.Is(err, errInvalidJSON) {
			msg = "Invalid JSON body"
		}
		writeError(w, http.StatusBadRequest, msg)
		return
	}

	res, err := h.svc.Receive(r.Context(), Request{
		Credential:     r.Header.Get(h.opts.CredentialHeader),
		EndpointID:     chi.URLParam(r, "endpointId"),
		Method:         r.Method,
		Headers:        requestHeaders(r, h.opts.CredentialHeader),
		Body:           body,
		IdempotencyKey: strings.TrimSpace(r.Header.Get(IdempotencyKeyHeader)),
	})
	switch {
	case errors.Is(err, auth.ErrMissingCredential):
		writeError(w, http.StatusUnauthorized, "Missing credential")
		return
	case errors.Is(err, auth.ErrInvalidCredential):
		writeError(w, http.StatusForbidden, "Invalid credential")
		return
	case errors.Is(err, auth.ErrEndpointNotFound):
		writeError(w, http.StatusNotFound, msgEndpointNotFound)
		return
	case errors.Is(err, ErrRateLimited):
		writeError(w, http.StatusTooManyRequests, "Rate limit exceeded for this project")
		return
	case err != nil:
		h.log.WithContext(r.Context()).WithError(err).Error("failed to receive webhook")
		writeError(w, http.StatusInternalServerError, "Failed to record webhook")
		return
	}

	status := http.StatusCreated
	if res.Duplicate {
		status = http.StatusOK
	}
	writeJSON(w, status, receiveResponse{
		Success:    true,
		EventID:    res.EventID,
		ReceivedAt: res.ReceivedAt.UTC().Format(time.RFC3339Nano),
		Duplicate:  res.Duplicate,
	})
}

var errInvalidJSON = errors.New("invalid json body")

// readBody returns nil for an empty body and the exact request bytes
// otherwise, after checking they are one JSON value.
func readBody(w http.ResponseWriter, r *http.Request, limit int64) (json.RawMessage, error) {
	b, err := io.ReadAll(http.MaxBytesReader(w, r.Body, limit))
	if err != nil {
		return nil, err
	}
	if len(bytes.TrimSpace(b)) == 0 {
		return nil, nil
	}
	if !json.Valid(b) {
		return nil, errInvalidJSON
	}
	return b, nil
}

// requestHeaders maps the request headers to the stored form: lower-case
// names, a JSON string for a single value and an array for repeated ones.
// The credential header is not stored.
func requestHeaders(r *http.Request, credentialHeader string) store.Headers {
	out := make(store.Headers, len(r.Header)+1)
	skip := strings.ToLower(credentialHeader)
	for name, values := range r.Header {
		key := strings.ToLower(name)
		if key == skip || len(values) == 0 {
			continue
		}
		var raw []byte
		if len(values) == 1 {
			raw, _ = json.Marshal(values[0])
		} else {
			raw, _ = json.Marshal(values)
		}
		out[key] = raw
	}
	if r.Host != "" {
		out["host"], _ = json.Marshal(r.Host)
	}
	return out
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Error: http.StatusText(status), Message: message})
}
