package telemetry

import (
	"context"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
)

func scrape(t *testing.T, m *Metrics) string {
	t.Helper()
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	return string(body)
}

func TestMetricsHandler(t *testing.T) {
	m := NewMetrics()
	m.OverlayReconcile.WithLabelValues("created").Inc()
	m.AgentInvocations.WithLabelValues("stream", "ok").Inc()
	m.SessionStoreSize.Set(3)

	body := scrape(t, m)

	for _, want := range []string{
		`overlay_reconcile_total{action="created"} 1`,
		`agent_invocations_total{mode="stream",result="ok"} 1`,
		`session_store_size 3`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("Expected metrics output to contain %q", want)
		}
	}
}

func TestMetricsIndependentRegistries(t *testing.T) {
	a := NewMetrics()
	b := NewMetrics()
	a.OverlayReconcile.WithLabelValues("none").Inc()

	if strings.Contains(scrape(t, b), `overlay_reconcile_total{action="none"} 1`) {
		t.Error("Expected isolated registries")
	}
}

func TestToolOps(t *testing.T) {
	m := NewMetrics()
	m.ToolOps(2, 1, 0, 1, false)
	m.ToolOps(0, 0, 0, 0, true)

	body := scrape(t, m)
	for _, want := range []string{
		`toolbridge_ops_total{op="add",result="ok"} 2`,
		`toolbridge_ops_total{op="sync",result="error"} 1`,
		`toolbridge_ops_total{op="cached",result="ok"} 1`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("Expected metrics output to contain %q", want)
		}
	}

	var nilMetrics *Metrics
	nilMetrics.ToolOps(1, 1, 1, 1, false)
}

func TestNoopTracer(t *testing.T) {
	tr, shutdown := NewTracer(TraceConfig{})
	ctx, span := tr.Start(context.Background(), "turn")
	if ctx == nil {
		t.Fatal("Expected context")
	}
	End(span, nil)
	if err := shutdown(context.Background()); err != nil {
		t.Errorf("Expected nil shutdown error, got %v", err)
	}

	_, span = NoopTracer().Start(context.Background(), "x")
	End(span, io.EOF)
}
