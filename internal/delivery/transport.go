package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/austindbirch/harbor_intake/internal/tracing"
)

// Transport sends one delivery attempt. A nil error means the destination
// accepted the payload.
type Transport interface {
	Deliver(ctx context.Context, p Payload) (Result, error)
}

type Result struct {
	StatusCode int
	Latency    time.Duration
}

// StatusError reports a response outside 2xx.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("http %d", e.Code)
	}
	return fmt.Sprintf("http %d: %s", e.Code, e.Body)
}

// headers never replayed to the destination
var strippedHeaders = map[string]bool{
	"connection":          true,
	"keep-alive":          true,
	"proxy-authenticate":  true,
	"proxy-authorization": true,
	"proxy-connection":    true,
	"te":                  true,
	"trailer":             true,
	"transfer-encoding":   true,
	"upgrade":             true,
	"host":                true,
	"content-length":      true,
}

const maxErrorBody = 512

type HTTPOptions struct {
	Client           *http.Client
	CredentialHeader string // intake credential, never forwarded
	SigningSecret    string // empty disables signing
	UserAgent        string
	Now              func() time.Time
}

// HTTPTransport replays the stored request to the endpoint URL.
type HTTPTransport struct {
	client     *http.Client
	credential string
	secret     []byte
	userAgent  string
	now        func() time.Time
}

func NewHTTPTransport(opts HTTPOptions) *HTTPTransport {
	t := &HTTPTransport{
		client:     opts.Client,
		credential: strings.ToLower(opts.CredentialHeader),
		userAgent:  opts.UserAgent,
		now:        opts.Now,
	}
	if t.client == nil {
		// per-attempt deadlines come from the caller's context
		t.client = &http.Client{}
	}
	if opts.SigningSecret != "" {
		t.secret = []byte(opts.SigningSecret)
	}
	if t.userAgent == "" {
		t.userAgent = "harborhook-delivery/1"
	}
	if t.now == nil {
		t.now = time.Now
	}
	return t
}

func (t *HTTPTransport) Deliver(ctx context.Context, p Payload) (Result, error) {
	body := requestBody(p.Body)
	method := p.Method
	if method == "" {
		method = http.MethodPost
	}

	req, err := http.NewRequestWithContext(ctx, method, p.URL, bytes.NewReader(body))
	if err != nil {
		return Result{}, fmt.Errorf("build request: %w", err)
	}
	t.copyHeaders(req.Header, p)
	req.Header.Set("User-Agent", t.userAgent)
	req.Header.Set(EventIDHeader, p.EventID)
	req.Header.Set(AttemptHeader, strconv.Itoa(p.Attempt))
	if traceID := tracing.GetTraceID(ctx); traceID != "" {
		req.Header.Set(TraceIDHeader, traceID)
	}
	if t.secret != nil {
		ts := strconv.FormatInt(t.now().Unix(), 10)
		req.Header.Set(TimestampHeader, ts)
		req.Header.Set(SignatureHeader, Sign(t.secret, body, ts))
	}

	start := time.Now()
	resp, err := t.client.Do(req)
	res := Result{Latency: time.Since(start)}
	if err != nil {
		return res, err
	}
	defer resp.Body.Close()
	res.StatusCode = resp.StatusCode

	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	// drain so the connection can be reused
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return res, &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(snippet))}
	}
	return res, nil
}

func (t *HTTPTransport) copyHeaders(dst http.Header, p Payload) {
	for name, raw := range p.Headers {
		lower := strings.ToLower(name)
		if strippedHeaders[lower] || lower == t.credential || strings.HasPrefix(lower, "x-harborhook-") {
			continue
		}
		for _, v := range headerValues(raw) {
			dst.Add(name, v)
		}
	}
}

// headerValues accepts a JSON string or array of strings. Anything else is
// forwarded as its JSON text.
func headerValues(raw json.RawMessage) []string {
	var single string
	if err := json.Unmarshal(raw, &single); err == nil {
		return []string{single}
	}
	var many []string
	if err := json.Unmarshal(raw, &many); err == nil {
		return many
	}
	return []string{string(raw)}
}

// requestBody maps a stored JSON null back to an empty body.
func requestBody(b json.RawMessage) []byte {
	trimmed := bytes.TrimSpace(b)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil
	}
	return b
}
