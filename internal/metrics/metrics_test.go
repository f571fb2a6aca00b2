package metrics_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"conveyor/internal/breaker"
	"conveyor/internal/metrics"
	"conveyor/internal/pipeline"
)

func scrape(t *testing.T, m *metrics.Metrics) string {
	t.Helper()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("scrape returned %d", rec.Code)
	}
	return rec.Body.String()
}

func mustContain(t *testing.T, body, line string) {
	t.Helper()

	if !strings.Contains(body, line) {
		t.Fatalf("exposition is missing %q", line)
	}
}

func TestMetricsCountsExecutionsAndSteps(t *testing.T) {
	m := metrics.New()
	m.ExecutionFinished(pipeline.ExecutionCompleted)
	m.ExecutionFinished(pipeline.ExecutionCompleted)
	m.ExecutionFinished(pipeline.ExecutionFailed)
	m.StepObserved("transcode", pipeline.StepSucceeded, 90*time.Second)
	m.StepObserved("transcode", pipeline.StepFailed, time.Second)
	m.StepObserved("notify", pipeline.StepSkipped, 10*time.Millisecond)

	body := scrape(t, m)
	mustContain(t, body, `conveyor_executions_total{status="COMPLETED"} 2`)
	mustContain(t, body, `conveyor_executions_total{status="FAILED"} 1`)
	mustContain(t, body, `conveyor_steps_total{outcome="SUCCEEDED",step_type="transcode"} 1`)
	mustContain(t, body, `conveyor_steps_total{outcome="FAILED",step_type="transcode"} 1`)
	mustContain(t, body, `conveyor_steps_total{outcome="SKIPPED",step_type="notify"} 1`)
	mustContain(t, body, `conveyor_step_duration_seconds_count{step_type="transcode"} 2`)
}

func TestMetricsSamplesLiveGauges(t *testing.T) {
	m := metrics.New()
	m.TrackActiveExecutions(func() int { return 3 })
	m.TrackConnectedEncoders(func() int { return 2 })
	m.TrackDeliveryDepth(func() (int, int) { return 5, 1 })

	body := scrape(t, m)
	mustContain(t, body, "conveyor_executions_active 3")
	mustContain(t, body, "conveyor_encoders_connected 2")
	mustContain(t, body, "conveyor_delivery_queued 5")
	mustContain(t, body, "conveyor_delivery_in_flight 1")
}

func TestMetricsCountsDeliveryLegs(t *testing.T) {
	m := metrics.New()
	m.DeliveryLegFinished("primary", true)
	m.DeliveryLegFinished("primary", true)
	m.DeliveryLegFinished("offsite", false)

	body := scrape(t, m)
	mustContain(t, body, `conveyor_delivery_legs_total{outcome="delivered",target="primary"} 2`)
	mustContain(t, body, `conveyor_delivery_legs_total{outcome="failed",target="offsite"} 1`)
}

func TestMetricsExposesBreakerStates(t *testing.T) {
	m := metrics.New()
	m.TrackBreakers(func(context.Context) ([]*breaker.Record, error) {
		return []*breaker.Record{
			{Service: "search:dropdir", State: breaker.StateClosed},
			{Service: "encoder:rack-1", State: breaker.StateOpen},
			{Service: "target:primary", State: breaker.StateHalfOpen},
		}, nil
	})

	body := scrape(t, m)
	mustContain(t, body, `conveyor_breaker_state{service="search:dropdir"} 0`)
	mustContain(t, body, `conveyor_breaker_state{service="encoder:rack-1"} 2`)
	mustContain(t, body, `conveyor_breaker_state{service="target:primary"} 1`)
}

func TestMetricsDropsBreakerFamilyOnSampleError(t *testing.T) {
	m := metrics.New()
	m.TrackBreakers(func(context.Context) ([]*breaker.Record, error) {
		return nil, errors.New("store closed")
	})

	if body := scrape(t, m); strings.Contains(body, "conveyor_breaker_state{") {
		t.Fatal("failed sample must not report states")
	}
}
