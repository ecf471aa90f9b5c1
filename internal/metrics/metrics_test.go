package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
)

func TestHandlerExposesCounters(t *testing.T) {
	t.Parallel()
	m := New()
	m.Runs.WithLabelValues("backup", "success").Inc()
	m.Duration.WithLabelValues("backup").Observe(0.25)
	m.Deferred.Inc()
	m.Queued.Set(3)

	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, req)

	body := rec.Body.String()
	for _, want := range []string{
		`autocron_task_runs_total{outcome="success",task="backup"} 1`,
		"autocron_task_duration_seconds_bucket",
		"autocron_task_deferred_total 1",
		"autocron_pool_queue_depth 3",
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("exposition missing %q", want)
		}
	}
}

func TestInstancesAreIsolated(t *testing.T) {
	t.Parallel()
	// Two instances must not collide on registration.
	a, b := New(), New()
	a.Deferred.Inc()
	if a == b {
		t.Fatal("distinct instances expected")
	}
}
