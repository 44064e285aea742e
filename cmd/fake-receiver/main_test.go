package main

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/austindbirch/harbor_intake/internal/config"
	"github.com/austindbirch/harbor_intake/internal/delivery"
	"github.com/austindbirch/harbor_intake/internal/logging"
)

func quietLogger() *logging.Logger { return logging.NewWithWriter("test", io.Discard) }

func send(r *receiver, body string, headers map[string]string) int {
	req := httptest.NewRequest(http.MethodPost, "/hook", strings.NewReader(body))
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	r.routes().ServeHTTP(w, req)
	return w.Code
}

func TestReceiver_FailFirstN(t *testing.T) {
	r := newReceiver(config.FakeReceiver{FailFirstN: 2}, quietLogger())

	want := []int{http.StatusInternalServerError, http.StatusInternalServerError, http.StatusOK, http.StatusOK}
	for i, code := range want {
		if got := send(r, `{}`, nil); got != code {
			t.Errorf("request %d status = %d, want %d", i+1, got, code)
		}
	}
}

func TestReceiver_ConcurrentCount(t *testing.T) {
	r := newReceiver(config.FakeReceiver{FailFirstN: 10}, quietLogger())

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		failures int
	)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if send(r, `{}`, nil) == http.StatusInternalServerError {
				mu.Lock()
				failures++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if failures != 10 {
		t.Errorf("failed requests = %d, want exactly 10", failures)
	}
}

func TestReceiver_Signature(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	r := newReceiver(config.FakeReceiver{EndpointSecret: "s3cret", SigningLeewaySeconds: 300}, quietLogger())
	r.now = func() time.Time { return now }

	body := `{"a":1}`
	ts := strconv.FormatInt(now.Unix(), 10)
	oldTS := strconv.FormatInt(now.Add(-10*time.Minute).Unix(), 10)

	tests := []struct {
		name       string
		headers    map[string]string
		wantStatus int
	}{
		{
			name: "valid",
			headers: map[string]string{
				delivery.TimestampHeader: ts,
				delivery.SignatureHeader: delivery.Sign([]byte("s3cret"), []byte(body), ts),
			},
			wantStatus: http.StatusOK,
		},
		{name: "unsigned", wantStatus: http.StatusUnauthorized},
		{
			name: "wrong secret",
			headers: map[string]string{
				delivery.TimestampHeader: ts,
				delivery.SignatureHeader: delivery.Sign([]byte("other"), []byte(body), ts),
			},
			wantStatus: http.StatusUnauthorized,
		},
		{
			name: "stale timestamp",
			headers: map[string]string{
				delivery.TimestampHeader: oldTS,
				delivery.SignatureHeader: delivery.Sign([]byte("s3cret"), []byte(body), oldTS),
			},
			wantStatus: http.StatusUnauthorized,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := send(r, body, tt.headers); got != tt.wantStatus {
				t.Errorf("status = %d, want %d", got, tt.wantStatus)
			}
		})
	}
}

func TestReceiver_Healthz(t *testing.T) {
	r := newReceiver(config.FakeReceiver{}, quietLogger())
	w := httptest.NewRecorder()
	r.routes().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if w.Code != http.StatusOK || w.Body.String() != `{"ok":true}` {
		t.Errorf("healthz = %d %q, want 200 {\"ok\":true}", w.Code, w.Body.String())
	}
}

func TestTruncate(t *testing.T) {
	tests := []struct {
		in   string
		n    int
		want string
	}{
		{in: "short", n: 10, want: "short"},
		{in: "exactly10!", n: 10, want: "exactly10!"},
		{in: "this is longer", n: 4, want: "this..."},
	}
	for _, tt := range tests {
		if got := truncate(tt.in, tt.n); got != tt.want {
			t.Errorf("truncate(%q, %d) = %q, want %q", tt.in, tt.n, got, tt.want)
		}
	}
}
