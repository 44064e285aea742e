package main

import (
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/austindbirch/harbor_intake/internal/config"
	"github.com/austindbirch/harbor_intake/internal/delivery"
	"github.com/austindbirch/harbor_intake/internal/logging"
)

// receiver is a flaky destination for local runs: it fails the first N
// requests and optionally checks delivery signatures.
type receiver struct {
	failFirstN int64
	secret     []byte
	leeway     time.Duration
	delay      time.Duration
	count      atomic.Int64
	log        *logging.Logger
	now        func() time.Time
}

func newReceiver(cfg config.FakeReceiver, log *logging.Logger) *receiver {
	r := &receiver{
		failFirstN: int64(cfg.FailFirstN),
		leeway:     time.Duration(cfg.SigningLeewaySeconds) * time.Second,
		delay:      time.Duration(cfg.ResponseDelayMS) * time.Millisecond,
		log:        log,
		now:        time.Now,
	}
	if cfg.EndpointSecret != "" {
		r.secret = []byte(cfg.EndpointSecret)
	}
	return r
}

func main() {
	logger := logging.New("fake-receiver")
	cfg := config.FromEnv().FakeReceiver
	r := newReceiver(cfg, logger)

	srv := &http.Server{
		Addr:         cfg.Port,
		Handler:      r.routes(),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	logger.Plain().WithFields(map[string]any{
		"addr":         cfg.Port,
		"fail_first_n": cfg.FailFirstN,
		"signed":       r.secret != nil,
	}).Info("fake-receiver listening")
	if err := srv.ListenAndServe(); err != nil {
		logger.Plain().WithError(err).Fatal("fake-receiver stopped")
	}
}

func (r *receiver) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) { _, _ = w.Write([]byte(`{"ok":true}`)) })
	mux.HandleFunc("/hook", r.handleHook)
	mux.HandleFunc("/hook/", r.handleHook)
	return mux
}

func (r *receiver) handleHook(w http.ResponseWriter, req *http.Request) {
	n := r.count.Add(1)
	b, _ := io.ReadAll(req.Body)
	defer req.Body.Close()

	entry := r.log.Plain().WithFields(map[string]any{
		"path":     req.URL.Path,
		"event_id": req.Header.Get(delivery.EventIDHeader),
		"attempt":  req.Header.Get(delivery.AttemptHeader),
		"request":  n,
	})

	if r.secret != nil {
		err := delivery.Verify(r.secret, b, req.Header.Get(delivery.TimestampHeader), req.Header.Get(delivery.SignatureHeader), r.now(), r.leeway)
		if err != nil {
			entry.WithError(err).Warn("signature verification failed")
			http.Error(w, "invalid signature: "+err.Error(), http.StatusUnauthorized)
			return
		}
	}

	if r.delay > 0 {
		time.Sleep(r.delay)
	}

	// first N requests fail
	if n <= r.failFirstN {
		entry.WithField("body", truncate(string(b), 160)).Info(fmt.Sprintf("failing (%d/%d)", n, r.failFirstN))
		http.Error(w, "temporary failure", http.StatusInternalServerError)
		return
	}

	entry.WithField("body", truncate(string(b), 160)).Info("ok")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`ok`))
}

// truncate truncates a string to the specified length and adds an ellipsis if truncated
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return fmt.Sprintf("%s...", s[:n])
}
