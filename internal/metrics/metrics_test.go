package metrics_test

import (
	"fmt"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Paintersrp/flume/internal/metrics"
)

func TestRegistryExposesMetrics(t *testing.T) {
	pipeline := "metrics_test_pipeline"

	metrics.EmitBuildInfo()
	metrics.IncrementRun("success")
	metrics.IncrementRun("success")
	metrics.IncrementStageFailure("nonzero_exit")
	metrics.ObserveStageDuration(pipeline, 250*time.Millisecond)

	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()
	promhttp.HandlerFor(metrics.Registry(), promhttp.HandlerOpts{}).ServeHTTP(rec, req)

	if rec.Code != 200 {
		t.Fatalf("unexpected status code from metrics handler: %d", rec.Code)
	}

	body := rec.Body.String()
	runsLine := `flume_runs_total{verdict="success"} 2`
	if !strings.Contains(body, runsLine) {
		t.Fatalf("expected runs metric line %q in body:\n%s", runsLine, body)
	}

	failuresLine := `flume_stage_failures_total{cause="nonzero_exit"} 1`
	if !strings.Contains(body, failuresLine) {
		t.Fatalf("expected stage failure metric line %q in body:\n%s", failuresLine, body)
	}

	durationLine := fmt.Sprintf("flume_stage_duration_seconds_count{pipeline=%q} 1", pipeline)
	if !strings.Contains(body, durationLine) {
		t.Fatalf("expected stage duration metric line %q in body:\n%s", durationLine, body)
	}

	if !strings.Contains(body, "flume_build_info{") {
		t.Fatalf("expected build info metric in body:\n%s", body)
	}
	if !strings.Contains(body, "go_version=") {
		t.Fatalf("expected go_version label on build info metric:\n%s", body)
	}
}
