// Package delivery turns a stored event into an outbound HTTP request and
// classifies what went wrong when it fails.
package delivery

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/austindbirch/harbor_intake/internal/store"
)

var ErrInvalidPayload = errors.New("invalid delivery payload")

// Payload is the self-contained job payload. It carries everything needed to
// deliver, so a worker never reads the event store on the hot path.
type Payload struct {
	EventID      string            `json:"eventId"`
	TenantID     string            `json:"tenantId"`
	EndpointID   string            `json:"endpointId"`
	URL          string            `json:"url"`
	Method       string            `json:"method"`
	Headers      store.Headers     `json:"headers"`
	Body         json.RawMessage   `json:"body"`
	Attempt      int               `json:"attempt"`
	TraceHeaders map[string]string `json:"traceHeaders,omitempty"`
}

// NewPayload builds the payload for an event and the endpoint it targets.
func NewPayload(ev store.Event, ep store.Endpoint, traceHeaders map[string]string) Payload {
	return Payload{
		EventID:      ev.ID,
		TenantID:     ev.TenantID,
		EndpointID:   ev.EndpointID,
		URL:          ep.URL,
		Method:       ev.Method,
		Headers:      ev.Headers,
		Body:         ev.Body,
		TraceHeaders: traceHeaders,
	}
}

func (p Payload) Encode() (json.RawMessage, error) {
	b, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	return b, nil
}

func DecodePayload(raw json.RawMessage) (Payload, error) {
	var p Payload
	if err := json.Unmarshal(raw, &p); err != nil {
		return Payload{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if p.EventID == "" || p.URL == "" {
		return Payload{}, fmt.Errorf("%w: missing eventId or url", ErrInvalidPayload)
	}
	return p, nil
}
