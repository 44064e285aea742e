package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func decodeLines(t *testing.T, buf *bytes.Buffer) []LogEntry {
	t.Helper()
	var out []LogEntry
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var e LogEntry
		if err := json.Unmarshal([]byte(line), &e); err != nil {
			t.Fatalf("invalid JSON line %q: %v", line, err)
		}
		out = append(out, e)
	}
	return out
}

func TestNew(t *testing.T) {
	tests := []struct {
		name        string
		serviceName string
	}{
		{name: "with service name", serviceName: "harborhook-ingest"},
		{name: "empty service name", serviceName: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger := New(tt.serviceName)
			if logger == nil {
				t.Fatal("New() returned nil logger")
			}
			if logger.service != tt.serviceName {
				t.Errorf("New() service = %q, want %q", logger.service, tt.serviceName)
			}
		})
	}
}

func TestLogger_WithContext(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	tp := trace.NewTracerProvider(trace.WithSyncer(exporter))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	defer otel.SetTracerProvider(prev)

	tests := []struct {
		name     string
		hasTrace bool
	}{
		{name: "with trace context", hasTrace: true},
		{name: "without trace context", hasTrace: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger := New("test-service")
			ctx := context.Background()
			if tt.hasTrace {
				c, s := otel.Tracer("test").Start(ctx, "test-span")
				defer s.End()
				ctx = c
			}

			before := time.Now().UTC()
			entry := logger.WithContext(ctx)
			after := time.Now().UTC()

			if entry.Service != "test-service" {
				t.Errorf("WithContext() Service = %q, want %q", entry.Service, "test-service")
			}
			if entry.Time.Before(before) || entry.Time.After(after) {
				t.Errorf("WithContext() Time %v not between %v and %v", entry.Time, before, after)
			}
			if tt.hasTrace && (entry.TraceID == "" || entry.SpanID == "") {
				t.Errorf("WithContext() TraceID=%q SpanID=%q, want both set", entry.TraceID, entry.SpanID)
			}
			if !tt.hasTrace && entry.TraceID != "" {
				t.Errorf("WithContext() TraceID = %q, want empty", entry.TraceID)
			}
		})
	}
}

func TestLogEntry_FluentMethods(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter("harborhook-worker", &buf)

	logger.Plain().
		WithTenant("tenant-1").
		WithEndpoint("endpoint-1").
		WithEvent("event-1").
		WithJob("event-1").
		WithWorker("worker-3").
		WithTraceID("trace-1").
		WithField("attempt", 2).
		WithFields(map[string]any{"status": 503}).
		WithError(errors.New("http 503")).
		Warn("delivery failed")

	lines := decodeLines(t, &buf)
	if len(lines) != 1 {
		t.Fatalf("got %d lines, want 1", len(lines))
	}
	e := lines[0]
	checks := []struct {
		field string
		got   string
		want  string
	}{
		{"level", string(e.Level), "warn"},
		{"msg", e.Message, "delivery failed"},
		{"service", e.Service, "harborhook-worker"},
		{"tenant_id", e.TenantID, "tenant-1"},
		{"endpoint_id", e.EndpointID, "endpoint-1"},
		{"event_id", e.EventID, "event-1"},
		{"job_id", e.JobID, "event-1"},
		{"worker_id", e.WorkerID, "worker-3"},
		{"trace_id", e.TraceID, "trace-1"},
	}
	for _, c := range checks {
		if c.got != c.want {
			t.Errorf("%s = %q, want %q", c.field, c.got, c.want)
		}
	}
	if e.Fields["error"] != "http 503" {
		t.Errorf("fields.error = %v, want %q", e.Fields["error"], "http 503")
	}
	if e.Fields["attempt"] != float64(2) || e.Fields["status"] != float64(503) {
		t.Errorf("fields = %v", e.Fields)
	}
}

func TestLogEntry_WithError(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		wantSet bool
	}{
		{name: "non-nil error", err: errors.New("boom"), wantSet: true},
		{name: "nil error", err: nil, wantSet: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := New("svc").Plain().WithError(tt.err)
			_, ok := e.Fields["error"]
			if ok != tt.wantSet {
				t.Errorf("WithError() error field set = %v, want %v", ok, tt.wantSet)
			}
		})
	}
}

func TestLogEntry_LoggingMethods(t *testing.T) {
	tests := []struct {
		name          string
		logFn         func(*LogEntry)
		expectedLevel LogLevel
		expectedMsg   string
	}{
		{name: "Debug", logFn: func(e *LogEntry) { e.Debug("debug message") }, expectedLevel: LevelDebug, expectedMsg: "debug message"},
		{name: "Debugf", logFn: func(e *LogEntry) { e.Debugf("debug %s %d", "formatted", 123) }, expectedLevel: LevelDebug, expectedMsg: "debug formatted 123"},
		{name: "Info", logFn: func(e *LogEntry) { e.Info("info message") }, expectedLevel: LevelInfo, expectedMsg: "info message"},
		{name: "Infof", logFn: func(e *LogEntry) { e.Infof("info %s", "formatted") }, expectedLevel: LevelInfo, expectedMsg: "info formatted"},
		{name: "Warn", logFn: func(e *LogEntry) { e.Warn("warn message") }, expectedLevel: LevelWarn, expectedMsg: "warn message"},
		{name: "Warnf", logFn: func(e *LogEntry) { e.Warnf("warn %d", 456) }, expectedLevel: LevelWarn, expectedMsg: "warn 456"},
		{name: "Error", logFn: func(e *LogEntry) { e.Error("error message") }, expectedLevel: LevelError, expectedMsg: "error message"},
		{name: "Errorf", logFn: func(e *LogEntry) { e.Errorf("error %v", true) }, expectedLevel: LevelError, expectedMsg: "error true"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			logger := NewWithWriter("test-service", &buf)
			tt.logFn(logger.Plain().WithField("test", "value"))

			lines := decodeLines(t, &buf)
			if len(lines) != 1 {
				t.Fatalf("got %d lines, want 1", len(lines))
			}
			if lines[0].Level != tt.expectedLevel {
				t.Errorf("Level = %q, want %q", lines[0].Level, tt.expectedLevel)
			}
			if lines[0].Message != tt.expectedMsg {
				t.Errorf("Message = %q, want %q", lines[0].Message, tt.expectedMsg)
			}
		})
	}
}

func TestLogEntry_EmptyFieldsOmitted(t *testing.T) {
	var buf bytes.Buffer
	NewWithWriter("svc", &buf).Plain().Info("hello")

	if strings.Contains(buf.String(), `"fields"`) {
		t.Errorf("output %q contains empty fields object", buf.String())
	}
	if !strings.HasSuffix(buf.String(), "\n") {
		t.Error("output is not newline terminated")
	}
}

func TestLogger_ConcurrentWritesAreLineAtomic(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter("svc", &buf)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			logger.Plain().WithField("i", i).Info("concurrent")
		}(i)
	}
	wg.Wait()

	if lines := decodeLines(t, &buf); len(lines) != 20 {
		t.Errorf("got %d lines, want 20", len(lines))
	}
}

func TestSetOutput(t *testing.T) {
	var first, second bytes.Buffer
	logger := NewWithWriter("svc", &first)
	logger.Plain().Info("one")
	logger.SetOutput(&second)
	logger.Plain().Info("two")

	if !strings.Contains(first.String(), `"one"`) || strings.Contains(first.String(), `"two"`) {
		t.Errorf("first writer = %q", first.String())
	}
	if !strings.Contains(second.String(), `"two"`) {
		t.Errorf("second writer = %q", second.String())
	}
}

func TestGlobalFunctions(t *testing.T) {
	var buf bytes.Buffer
	original := defaultLogger.service
	defaultLogger.SetOutput(&buf)
	defer func() {
		defaultLogger.SetOutput(os.Stdout)
		defaultLogger.service = original
	}()

	SetDefaultService("harborhook-test")
	Plain().Info("plain")
	WithFields(map[string]any{"key": "value"}).Info("fields")
	WithContext(context.Background()).Info("ctx")

	lines := decodeLines(t, &buf)
	if len(lines) != 3 {
		t.Fatalf("got %d lines, want 3", len(lines))
	}
	for _, l := range lines {
		if l.Service != "harborhook-test" {
			t.Errorf("Service = %q, want harborhook-test", l.Service)
		}
	}
	if lines[1].Fields["key"] != "value" {
		t.Errorf("WithFields() key = %v, want value", lines[1].Fields["key"])
	}
	if Default() != defaultLogger {
		t.Error("Default() did not return the default logger")
	}
}
