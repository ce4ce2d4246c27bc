package main

import (
	"io"
	"log/slog"
	"net/http"
	"strings"
	"testing"

	"github.com/wilsonzlin/aero/proxy/devicelink/internal/metrics"
)

func TestStartMetricsServer_ServesOrchestratorCounters(t *testing.T) {
	m := metrics.New()
	m.Inc(metrics.SessionCreated)
	m.SessionOpened()

	addr, stop, err := startMetricsServer("127.0.0.1:0", m, slog.New(slog.DiscardHandler))
	if err != nil {
		t.Fatalf("startMetricsServer: %v", err)
	}
	defer stop()

	resp, err := http.Get("http://" + addr.String() + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status=%d, want %d", resp.StatusCode, http.StatusOK)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	for _, want := range []string{
		`devicelink_events_total{event="orchestrator_session_created"} 1`,
		`devicelink_orchestrator_sessions 1`,
	} {
		if !strings.Contains(string(body), want) {
			t.Fatalf("missing %q in:\n%s", want, body)
		}
	}

	resp2, err := http.Post("http://"+addr.String()+"/metrics", "text/plain", nil)
	if err != nil {
		t.Fatalf("POST /metrics: %v", err)
	}
	resp2.Body.Close()
	if resp2.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("POST status=%d, want %d", resp2.StatusCode, http.StatusMethodNotAllowed)
	}
}

func TestStartMetricsServer_ListenError(t *testing.T) {
	if _, _, err := startMetricsServer("256.0.0.1:0", metrics.New(), slog.New(slog.DiscardHandler)); err == nil {
		t.Fatalf("expected listen error for invalid address")
	}
}
