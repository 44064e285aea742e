package main

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/austindbirch/harbor_intake/internal/bootstrap"
	"github.com/austindbirch/harbor_intake/internal/config"
	"github.com/austindbirch/harbor_intake/internal/logging"
)

func quietLogger() *logging.Logger { return logging.NewWithWriter("test", io.Discard) }

func writePublicKey(t *testing.T) string {
	t.Helper()
	k, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}
	der, err := x509.MarshalPKIXPublicKey(&k.PublicKey)
	if err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(t.TempDir(), "admin.pub")
	if err := os.WriteFile(path, pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestAdminMiddleware(t *testing.T) {
	keyPath := writePublicKey(t)

	tests := []struct {
		name    string
		cfg     config.Auth
		wantMW  bool
		wantErr bool
	}{
		{name: "disabled", cfg: config.Auth{AdminDisabled: true}},
		{name: "no key configured", cfg: config.Auth{}, wantErr: true},
		{name: "missing key file", cfg: config.Auth{AdminPublicKeyPath: filepath.Join(t.TempDir(), "nope.pem")}, wantErr: true},
		{name: "valid key", cfg: config.Auth{AdminPublicKeyPath: keyPath, AdminIssuer: "harborhook", AdminAudience: "harborhook-admin"}, wantMW: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mw, err := adminMiddleware(tt.cfg, quietLogger())
			if (err != nil) != tt.wantErr {
				t.Fatalf("adminMiddleware() error = %v, wantErr %v", err, tt.wantErr)
			}
			if (mw != nil) != tt.wantMW {
				t.Errorf("adminMiddleware() returned middleware = %v, want %v", mw != nil, tt.wantMW)
			}
		})
	}
}

func TestNewRouter_MemoryBackend(t *testing.T) {
	cfg := config.FromEnv()
	cfg.Queue.Backend = "memory"
	cfg.Redis.Addr = ""
	cfg.Auth = config.Auth{AdminPublicKeyPath: writePublicKey(t)}

	deps, err := bootstrap.Open(context.Background(), cfg, quietLogger())
	if err != nil {
		t.Fatal(err)
	}
	defer deps.Close()

	h, err := newRouter(cfg, deps, prometheus.NewRegistry(), quietLogger())
	if err != nil {
		t.Fatalf("newRouter() error = %v", err)
	}

	tests := []struct {
		name       string
		method     string
		path       string
		wantStatus int
	}{
		{name: "health", method: http.MethodGet, path: "/healthz", wantStatus: http.StatusOK},
		{name: "metrics", method: http.MethodGet, path: "/metrics", wantStatus: http.StatusOK},
		{name: "admin requires token", method: http.MethodGet, path: "/v1/queue/stats", wantStatus: http.StatusUnauthorized},
		{name: "intake without credential", method: http.MethodPost, path: "/webhooks/ep", wantStatus: http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, tt.path, strings.NewReader("{}"))
			w := httptest.NewRecorder()
			h.ServeHTTP(w, req)
			if w.Code != tt.wantStatus {
				t.Errorf("%s %s = %d, want %d", tt.method, tt.path, w.Code, tt.wantStatus)
			}
		})
	}
}

func TestNewPool_UsesConfig(t *testing.T) {
	cfg := config.FromEnv()
	cfg.Queue.Backend = "memory"
	cfg.Redis.Addr = ""
	deps, err := bootstrap.Open(context.Background(), cfg, quietLogger())
	if err != nil {
		t.Fatal(err)
	}
	defer deps.Close()

	p := newPool(cfg, deps, quietLogger())
	if p == nil {
		t.Fatal("newPool() returned nil")
	}
	if _, err := p.ProcessNext(context.Background(), "w1"); err == nil {
		t.Error("ProcessNext() on an empty queue error = nil, want queue.ErrEmpty")
	}
}
