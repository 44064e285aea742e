package store

import (
	"context"
	"encoding/json"
	"testing"
)

func TestEncodeHeaders(t *testing.T) {
	tests := []struct {
		name    string
		headers Headers
		want    string
		wantErr bool
	}{
		{name: "nil", headers: nil, want: `{}`},
		{name: "sorted keys", headers: Headers{"b": json.RawMessage(`"2"`), "a": json.RawMessage(`"1"`)}, want: `{"a":"1","b":"2"}`},
		{name: "whitespace kept", headers: Headers{"x-multi": json.RawMessage(`[ "a",  "b" ]`)}, want: `{"x-multi":[ "a",  "b" ]}`},
		{name: "empty value is null", headers: Headers{"x-empty": nil}, want: `{"x-empty":null}`},
		{name: "key escaped", headers: Headers{`x-"q"`: json.RawMessage(`1`)}, want: `{"x-\"q\"":1}`},
		{name: "invalid value", headers: Headers{"x-bad": json.RawMessage(`{nope`)}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := encodeHeaders(tt.headers)
			if (err != nil) != tt.wantErr {
				t.Fatalf("encodeHeaders() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && string(got) != tt.want {
				t.Errorf("encodeHeaders() = %s, want %s", got, tt.want)
			}
		})
	}
}

// assertHeadersVerbatim checks that header values come back from s exactly as
// they were written.
func assertHeadersVerbatim(t *testing.T, s Store, tenant Tenant, ep Endpoint) {
	t.Helper()
	ctx := context.Background()
	in := Headers{
		"x-multi":  json.RawMessage(`[ "a",  "b" ]`),
		"x-object": json.RawMessage(`{ "k" : 1 }`),
		"x-empty":  nil,
	}
	ev, err := s.CreateEvent(ctx, NewEvent{TenantID: tenant.ID, EndpointID: ep.ID, Method: "POST", Headers: in})
	if err != nil {
		t.Fatalf("CreateEvent() error = %v", err)
	}
	got, err := s.GetEvent(ctx, ev.ID)
	if err != nil {
		t.Fatalf("GetEvent() error = %v", err)
	}

	want := map[string]string{
		"x-multi":  `[ "a",  "b" ]`,
		"x-object": `{ "k" : 1 }`,
		"x-empty":  `null`,
	}
	for k, v := range want {
		if string(ev.Headers[k]) != v {
			t.Errorf("CreateEvent() header %s = %s, want %s", k, ev.Headers[k], v)
		}
		if string(got.Headers[k]) != v {
			t.Errorf("GetEvent() header %s = %s, want %s", k, got.Headers[k], v)
		}
	}
}

func TestMemory_CreateEvent_HeadersVerbatim(t *testing.T) {
	s := NewMemory()
	tenant, ep := seedTenant(t, s, "acme", "pk_abc", "https://x/y")
	assertHeadersVerbatim(t, s, tenant, ep)
}

func TestMemory_CreateEvent_InvalidHeader(t *testing.T) {
	s := NewMemory()
	tenant, ep := seedTenant(t, s, "acme", "pk_abc", "https://x/y")
	_, err := s.CreateEvent(context.Background(), NewEvent{
		TenantID: tenant.ID, EndpointID: ep.ID, Method: "POST",
		Headers: Headers{"x-bad": json.RawMessage(`{nope`)},
	})
	if err == nil {
		t.Error("CreateEvent() error = nil, want invalid header error")
	}
}
