package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestHandler_ExposesEvents(t *testing.T) {
	m := New()
	m.Inc(TargetNotFound)
	m.Inc(TargetNotFound)
	m.Inc(SignalForwarded)
	m.ConnectionOpened("agent")

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rr := httptest.NewRecorder()
	Handler(m).ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status=%d, want %d", rr.Code, http.StatusOK)
	}
	body := rr.Body.String()
	if !strings.Contains(body, "# TYPE devicelink_events_total counter") {
		t.Fatalf("missing TYPE header: %s", body)
	}
	if !strings.Contains(body, `devicelink_events_total{event="relay_target_not_found"} 2`) {
		t.Fatalf("missing target_not_found counter: %s", body)
	}
	if !strings.Contains(body, `devicelink_relay_connections{role="agent"} 1`) {
		t.Fatalf("missing connections gauge: %s", body)
	}
}

func TestMetrics_Get(t *testing.T) {
	m := New()
	if got := m.Get(SessionCreated); got != 0 {
		t.Fatalf("Get=%d, want 0", got)
	}
	m.Inc(SessionCreated)
	if got := m.Get(SessionCreated); got != 1 {
		t.Fatalf("Get=%d, want 1", got)
	}
	if got := testutil.ToFloat64(m.events.WithLabelValues(SessionCreated)); got != 1 {
		t.Fatalf("counter=%v, want 1", got)
	}
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	m.Inc(SessionCreated)
	m.ConnectionOpened("browser")
	m.SetResidentActors(3)
	m.SessionOpened()
	if m.Get(SessionCreated) != 0 {
		t.Fatalf("nil metrics should report zero")
	}

	rr := httptest.NewRecorder()
	Handler(nil).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("status=%d", rr.Code)
	}
}

func TestMetrics_Gauges(t *testing.T) {
	m := New()
	m.SetResidentActors(4)
	m.SessionOpened()
	m.SessionOpened()
	m.SessionEnded()
	if got := testutil.ToFloat64(m.actors); got != 4 {
		t.Fatalf("actors=%v", got)
	}
	if got := testutil.ToFloat64(m.sessions); got != 1 {
		t.Fatalf("sessions=%v", got)
	}
}
