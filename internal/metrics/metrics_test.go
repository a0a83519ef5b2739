package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.ObservePairingCode(time.Second)
	m.Transition("CONNECTED")
	m.EventDropped()
	m.SetSessionCounts(map[string]int{"active": 1})
	if m.Registry() != nil {
		t.Fatalf("Registry() on nil metrics should be nil")
	}
}

func TestCountersAndHandler(t *testing.T) {
	m := New()
	m.ObservePairingCode(1500 * time.Millisecond)
	m.Command("task", "ok")
	m.Command("task", "ok")
	m.EventDropped()
	m.SetSessionCounts(map[string]int{"active": 2, "error": 1})

	if got := testutil.ToFloat64(m.pairingCodes); got != 1 {
		t.Fatalf("pairing codes = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.commands.WithLabelValues("task", "ok")); got != 2 {
		t.Fatalf("commands = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.sessions.WithLabelValues("active")); got != 2 {
		t.Fatalf("active sessions = %v, want 2", got)
	}

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "secondbrain_qr_events_dropped_total 1") {
		t.Fatalf("metrics output missing dropped counter:\n%s", rec.Body.String())
	}
}
