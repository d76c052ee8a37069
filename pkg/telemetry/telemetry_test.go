package telemetry

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestConfigValidate(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config invalid: %v", err)
	}

	bad := DefaultConfig()
	bad.Logging.Level = "verbose"
	if err := bad.Validate(); err == nil {
		t.Error("expected error for invalid log level")
	}

	bad = DefaultConfig()
	bad.Tracing.Enabled = true
	bad.Tracing.Exporter = "jaeger"
	if err := bad.Validate(); err == nil {
		t.Error("expected error for unsupported exporter")
	}

	bad = DefaultConfig()
	bad.Tracing.SamplingRate = 1.5
	if err := bad.Validate(); err == nil {
		t.Error("expected error for out-of-range sampling rate")
	}
}

func TestNewTelemetry(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Logging.Output = "stderr"

	tel, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if tel.Logger == nil || tel.Tracer == nil || tel.Metrics == nil {
		t.Fatal("telemetry components not initialized")
	}

	ctx := tel.WithContext(context.Background())
	if FromTelemetryContext(ctx) != tel {
		t.Error("telemetry not retrievable from context")
	}
	if FromContext(ctx) != tel.Logger {
		t.Error("logger not retrievable from context")
	}

	if err := tel.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown: %v", err)
	}
}

func TestFromContextFallback(t *testing.T) {
	if FromContext(context.Background()) == nil {
		t.Error("FromContext must return a usable default logger")
	}
	if FromTelemetryContext(context.Background()) != nil {
		t.Error("FromTelemetryContext must return nil without telemetry")
	}
}

func TestMetricsDisabledIsNoOp(t *testing.T) {
	m, err := NewMetrics(MetricsConfig{Enabled: false})
	if err != nil {
		t.Fatal(err)
	}

	// None of these may panic on a disabled instance.
	m.RecordRunStarted("full")
	m.RecordRunCompleted("complete", time.Second)
	m.RecordOperationAttempt("compose_up", "succeeded", time.Second)
	m.RecordFailureClassified("unknown")
	m.RecordRemediation("container_name_conflict", "remediated")
	m.RecordGateResolved("dependencies", "ready", time.Second)
}

func TestMetricsRecording(t *testing.T) {
	m, err := NewMetrics(MetricsConfig{Enabled: true, Namespace: "tierup"})
	if err != nil {
		t.Fatal(err)
	}

	m.RecordRunStarted("full")
	m.RecordRunCompleted("complete", 42*time.Second)
	m.RecordOperationAttempt("compose_up", "failed", 3*time.Second)
	m.RecordFailureClassified("disk_exhausted")
	m.RecordRemediation("network_unreachable_v6", "remediated")
	m.RecordGateResolved("workloads", "timed_out", 120*time.Second)

	families, err := m.Registry().Gather()
	if err != nil {
		t.Fatal(err)
	}
	if len(families) == 0 {
		t.Error("no metric families gathered after recording")
	}
}

func TestMetricsHandlerServesRecordedSeries(t *testing.T) {
	m, err := NewMetrics(MetricsConfig{Enabled: true, Namespace: "tierup"})
	if err != nil {
		t.Fatal(err)
	}
	m.RecordRunStarted("mini")

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(body), "tierup_runs_started_total") {
		t.Errorf("exposition missing run counter:\n%s", body)
	}
}

func TestMetricsHandlerNilWhenDisabled(t *testing.T) {
	m, err := NewMetrics(MetricsConfig{Enabled: false})
	if err != nil {
		t.Fatal(err)
	}
	if m.Handler() != nil {
		t.Error("disabled metrics must not expose a handler")
	}
}

func TestNopTelemetry(t *testing.T) {
	tel := Nop()
	tel.Logger.Info("discarded")
	tel.Metrics.RecordRunStarted("full")
	if err := tel.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown: %v", err)
	}
}
