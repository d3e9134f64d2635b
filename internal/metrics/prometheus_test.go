package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecorder(t *testing.T) {
	r := New()

	r.RecordTrigger("kpis", false)
	r.RecordTrigger("kpis", true)
	r.RecordTrigger("kpis", true)
	r.RecordSession("kpis", 0.2, false)
	r.RecordOutcome("quote", "", 1)
	r.RecordOutcome("quote", "exhausted", 3)
	r.RecordQueueDepth(4)

	if got := testutil.ToFloat64(r.triggers.WithLabelValues("kpis", "coalesced")); got != 2 {
		t.Errorf("coalesced triggers = %v, want 2", got)
	}
	if got := testutil.ToFloat64(r.sessions.WithLabelValues("kpis", "complete")); got != 1 {
		t.Errorf("sessions = %v, want 1", got)
	}
	if got := testutil.ToFloat64(r.outcomes.WithLabelValues("quote", "ok")); got != 1 {
		t.Errorf("ok outcomes = %v, want 1", got)
	}
	if got := testutil.ToFloat64(r.queueDepth); got != 4 {
		t.Errorf("queue depth = %v, want 4", got)
	}
}

func TestRecorder_IndependentRegistries(t *testing.T) {
	// two recorders in one process must not collide on registration
	a, b := New(), New()
	a.RecordTrigger("x", false)
	if got := testutil.ToFloat64(b.triggers.WithLabelValues("x", "started")); got != 0 {
		t.Errorf("recorder b saw %v triggers from recorder a", got)
	}
}

func TestHandler(t *testing.T) {
	r := New()
	r.RecordOutcome("news", "timeout", 1)

	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), `terminal_fetch_outcomes_total{capability="news",kind="timeout"} 1`) {
		t.Errorf("metrics output missing outcome counter:\n%s", body)
	}
}
