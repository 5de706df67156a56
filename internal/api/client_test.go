package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestClient_ErrorIncludesBody(t *testing.T) {
	t.Parallel()

	s := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"success":false,"error":"configKey is required","code":"invalid"}`))
	}))
	defer s.Close()

	c := NewClient(s.URL)
	err := c.PushConfig(context.Background(), map[string]any{}, nil)
	if err == nil {
		t.Fatalf("expected error")
	}
	got := err.Error()
	if want := "400"; !strings.Contains(got, want) {
		t.Fatalf("error missing status: %q", got)
	}
	if want := "configKey is required"; !strings.Contains(got, want) {
		t.Fatalf("error missing body: %q", got)
	}
	if !IsCode(err, CodeInvalid) {
		t.Fatalf("code not surfaced: %v", err)
	}
}

func TestClient_PlainErrorBody(t *testing.T) {
	t.Parallel()

	s := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream down", http.StatusBadGateway)
	}))
	defer s.Close()

	err := NewClient(s.URL).FleetStatus(context.Background(), &struct{}{})
	if err == nil || !strings.Contains(err.Error(), "upstream down") {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestClient_UnwrapsDataAndSendsToken(t *testing.T) {
	t.Parallel()

	var auth, path string
	s := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		path = r.URL.Path
		_ = json.NewEncoder(w).Encode(Response{Success: true, Data: map[string]int{"total": 3}})
	}))
	defer s.Close()

	c := NewClient(strings.TrimPrefix(s.URL, "http://")).WithToken("secret")
	var out struct {
		Total int `json:"total"`
	}
	if err := c.FleetStatus(context.Background(), &out); err != nil {
		t.Fatalf("fleet status: %v", err)
	}
	if out.Total != 3 {
		t.Fatalf("total=%d", out.Total)
	}
	if auth != "Bearer secret" {
		t.Fatalf("authorization=%q", auth)
	}
	if path != "/api/v1/fleet" {
		t.Fatalf("path=%q", path)
	}
}

func TestClient_EnvelopeFailureOn200(t *testing.T) {
	t.Parallel()

	s := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(Response{Error: "neuron is retired", Code: CodeRetired})
	}))
	defer s.Close()

	err := NewClient(s.URL).Heartbeat(context.Background(), "n1")
	if !IsCode(err, CodeRetired) {
		t.Fatalf("expected retired error, got %v", err)
	}
}

func TestClient_ExportEventsStreamsBody(t *testing.T) {
	t.Parallel()

	var query string
	s := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		query = r.URL.RawQuery
		w.Header().Set("Content-Type", "text/csv")
		_, _ = w.Write([]byte("seq,id\n1,a\n"))
	}))
	defer s.Close()

	var buf bytes.Buffer
	if err := NewClient(s.URL).ExportEvents(context.Background(), &buf, EventQuery{NeuronID: "n1"}); err != nil {
		t.Fatalf("export: %v", err)
	}
	if buf.String() != "seq,id\n1,a\n" {
		t.Fatalf("body=%q", buf.String())
	}
	if query != "neuronId=n1" {
		t.Fatalf("query=%q", query)
	}
}
