package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"
)

// Pinger is satisfied by *pgxpool.Pool and by the redis ping adapter.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingFunc adapts a function to Pinger.
type PingFunc func(ctx context.Context) error

func (f PingFunc) Ping(ctx context.Context) error { return f(ctx) }

type Status struct {
	OK      bool              `json:"ok"`
	Message string            `json:"message,omitempty"`
	Checks  map[string]string `json:"checks,omitempty"`
}

// Probe is a named dependency check. A nil Pinger is skipped.
type Probe struct {
	Name   string
	Pinger Pinger
}

// HTTPHandler returns an HTTP handler that reports the health status of the
// service. Any failing probe turns the response into a 503.
func HTTPHandler(probes ...Probe) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st := Check(r.Context(), probes...)
		w.Header().Set("Content-Type", "application/json")
		if !st.OK {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(st)
	}
}

// Check runs every probe with a one second budget each.
func Check(ctx context.Context, probes ...Probe) Status {
	st := Status{OK: true, Message: "ok"}
	for _, p := range probes {
		if p.Pinger == nil {
			continue
		}
		if st.Checks == nil {
			st.Checks = make(map[string]string, len(probes))
		}
		pctx, cancel := context.WithTimeout(ctx, 1*time.Second)
		err := p.Pinger.Ping(pctx)
		cancel()
		if err != nil {
			st.OK = false
			st.Message = p.Name + " ping failed"
			st.Checks[p.Name] = err.Error()
			continue
		}
		st.Checks[p.Name] = "ok"
	}
	return st
}
