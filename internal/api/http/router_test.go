package http

import (
	"bytes"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/mux"
)

type pingRegistrar struct{}

func (pingRegistrar) Register(r *mux.Router) {
	r.HandleFunc("/api/v1/ping", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}).Methods(http.MethodGet)
}

func TestRouter_HealthAndRegistrars(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	router := NewRouter(logger, pingRegistrar{}, nil)

	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if resp.Code != http.StatusOK || resp.Body.String() != "ok" {
		t.Fatalf("unexpected healthz: %d %q", resp.Code, resp.Body.String())
	}
	if resp.Header().Get(requestIDHeader) == "" {
		t.Fatalf("expected generated request id")
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/ping", nil)
	req.Header.Set(requestIDHeader, "req-42")
	resp = httptest.NewRecorder()
	router.ServeHTTP(resp, req)
	if resp.Code != http.StatusTeapot {
		t.Fatalf("expected registrar route, got %d", resp.Code)
	}
	if resp.Header().Get(requestIDHeader) != "req-42" {
		t.Fatalf("expected request id echoed")
	}
	if !strings.Contains(buf.String(), "request_id=req-42") || !strings.Contains(buf.String(), "status=418") {
		t.Fatalf("expected access log, got %q", buf.String())
	}
}

func TestRouter_Metrics(t *testing.T) {
	router := NewRouter(nil)
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
}
