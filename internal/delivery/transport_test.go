package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/austindbirch/harbor_intake/internal/store"
)

type captured struct {
	method string
	header http.Header
	body   []byte
}

func newReceiver(t *testing.T, status int) (*httptest.Server, chan captured) {
	t.Helper()
	ch := make(chan captured, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		ch <- captured{method: r.Method, header: r.Header.Clone(), body: b}
		w.WriteHeader(status)
		_, _ = w.Write([]byte("receiver says hi"))
	}))
	t.Cleanup(srv.Close)
	return srv, ch
}

func testPayload(url string) Payload {
	return Payload{
		EventID:    "evt-1",
		TenantID:   "tenant-1",
		EndpointID: "ep-1",
		URL:        url,
		Method:     http.MethodPost,
		Headers: store.Headers{
			"content-type":         json.RawMessage(`"application/json"`),
			"x-custom":             json.RawMessage(`["a","b"]`),
			"x-project-key":        json.RawMessage(`"pk_secret"`),
			"host":                 json.RawMessage(`"intake.local"`),
			"content-length":       json.RawMessage(`"99"`),
			"connection":           json.RawMessage(`"keep-alive"`),
			"x-harborhook-attempt": json.RawMessage(`"42"`),
		},
		Body:    json.RawMessage(`{"order": 1, "total": 10.50}`),
		Attempt: 2,
	}
}

func TestHTTPTransport_ReplaysRequest(t *testing.T) {
	srv, ch := newReceiver(t, http.StatusOK)
	tr := NewHTTPTransport(HTTPOptions{CredentialHeader: "X-Project-Key"})

	res, err := tr.Deliver(context.Background(), testPayload(srv.URL))
	if err != nil {
		t.Fatalf("Deliver() error = %v", err)
	}
	if res.StatusCode != http.StatusOK {
		t.Errorf("Deliver() StatusCode = %d, want 200", res.StatusCode)
	}

	got := <-ch
	if got.method != http.MethodPost {
		t.Errorf("method = %q, want POST", got.method)
	}
	if string(got.body) != `{"order": 1, "total": 10.50}` {
		t.Errorf("body = %q, want stored bytes", got.body)
	}
	if ct := got.header.Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q", ct)
	}
	if v := got.header.Values("X-Custom"); len(v) != 2 || v[0] != "a" || v[1] != "b" {
		t.Errorf("X-Custom = %v, want [a b]", v)
	}
	if v := got.header.Get("X-Project-Key"); v != "" {
		t.Errorf("credential header forwarded: %q", v)
	}
	if v := got.header.Get(EventIDHeader); v != "evt-1" {
		t.Errorf("%s = %q, want evt-1", EventIDHeader, v)
	}
	if v := got.header.Get(AttemptHeader); v != "2" {
		t.Errorf("%s = %q, want 2 (stored value must not override)", AttemptHeader, v)
	}
	if v := got.header.Get(SignatureHeader); v != "" {
		t.Errorf("unsigned transport sent %s = %q", SignatureHeader, v)
	}
}

func TestHTTPTransport_Signs(t *testing.T) {
	srv, ch := newReceiver(t, http.StatusNoContent)
	now := time.Unix(1700000000, 0)
	tr := NewHTTPTransport(HTTPOptions{SigningSecret: "s3cret", Now: func() time.Time { return now }})

	if _, err := tr.Deliver(context.Background(), testPayload(srv.URL)); err != nil {
		t.Fatalf("Deliver() error = %v", err)
	}
	got := <-ch
	ts := got.header.Get(TimestampHeader)
	if ts != "1700000000" {
		t.Errorf("%s = %q, want 1700000000", TimestampHeader, ts)
	}
	if err := Verify([]byte("s3cret"), got.body, ts, got.header.Get(SignatureHeader), now, time.Minute); err != nil {
		t.Errorf("Verify() on delivered request = %v", err)
	}
}

func TestHTTPTransport_NullBodyIsEmpty(t *testing.T) {
	srv, ch := newReceiver(t, http.StatusOK)
	p := testPayload(srv.URL)
	p.Body = json.RawMessage("null")

	if _, err := NewHTTPTransport(HTTPOptions{}).Deliver(context.Background(), p); err != nil {
		t.Fatalf("Deliver() error = %v", err)
	}
	if got := <-ch; len(got.body) != 0 {
		t.Errorf("body = %q, want empty", got.body)
	}
}

func TestHTTPTransport_Non2xx(t *testing.T) {
	tests := []struct {
		status     int
		wantReason string
	}{
		{status: http.StatusInternalServerError, wantReason: "http_5xx"},
		{status: http.StatusTooManyRequests, wantReason: "http_429"},
		{status: http.StatusNotFound, wantReason: "http_4xx"},
		{status: http.StatusMultipleChoices, wantReason: "other"},
	}

	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			srv, _ := newReceiver(t, tt.status)
			res, err := NewHTTPTransport(HTTPOptions{}).Deliver(context.Background(), testPayload(srv.URL))

			var se *StatusError
			if !errors.As(err, &se) {
				t.Fatalf("Deliver() error = %v, want *StatusError", err)
			}
			if se.Code != tt.status || res.StatusCode != tt.status {
				t.Errorf("status = %d/%d, want %d", se.Code, res.StatusCode, tt.status)
			}
			if !strings.Contains(se.Error(), "receiver says hi") {
				t.Errorf("StatusError = %q, want response snippet", se.Error())
			}
			if got := Reason(err); got != tt.wantReason {
				t.Errorf("Reason() = %q, want %q", got, tt.wantReason)
			}
			if got := StatusCode(err); got != tt.status {
				t.Errorf("StatusCode() = %d, want %d", got, tt.status)
			}
		})
	}
}

func TestHTTPTransport_Timeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := NewHTTPTransport(HTTPOptions{}).Deliver(ctx, testPayload(srv.URL))
	if err == nil {
		t.Fatal("Deliver() error = nil, want timeout")
	}
	if got := Reason(err); got != "timeout" {
		t.Errorf("Reason() = %q, want timeout", got)
	}
}

func TestHTTPTransport_ConnectionRefused(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := NewHTTPTransport(HTTPOptions{}).Deliver(context.Background(), testPayload(url))
	if err == nil {
		t.Fatal("Deliver() error = nil, want connection error")
	}
	if got := Reason(err); got != "connection_refused" {
		t.Errorf("Reason() = %q, want connection_refused", got)
	}
}

func TestHTTPTransport_BadURL(t *testing.T) {
	p := testPayload("://not a url")
	if _, err := NewHTTPTransport(HTTPOptions{}).Deliver(context.Background(), p); err == nil {
		t.Error("Deliver() error = nil, want build error")
	}
}

func TestHeaderValues(t *testing.T) {
	tests := []struct {
		raw  string
		want []string
	}{
		{raw: `"one"`, want: []string{"one"}},
		{raw: `["a","b"]`, want: []string{"a", "b"}},
		{raw: `12`, want: []string{"12"}},
	}
	for _, tt := range tests {
		got := headerValues(json.RawMessage(tt.raw))
		if strings.Join(got, ",") != strings.Join(tt.want, ",") {
			t.Errorf("headerValues(%s) = %v, want %v", tt.raw, got, tt.want)
		}
	}
}
