package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
)

// ====================================
// Health
// ====================================

func TestReadiness_NotReady(t *testing.T) {
	h := NewHealthChecker()

	rec := httptest.NewRecorder()
	h.ReadinessHandler(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status: got %d, want 503", rec.Code)
	}
}

func TestReadiness_FailingCheck(t *testing.T) {
	h := NewHealthChecker()
	h.SetReady(true)
	h.Register("postgres", func(context.Context) error { return errors.New("connection refused") })
	h.Register("nats", func(context.Context) error { return nil })

	rec := httptest.NewRecorder()
	h.ReadinessHandler(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status: got %d, want 503", rec.Code)
	}

	var body struct {
		Status string            `json:"status"`
		Failed map[string]string `json:"failed"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Status != "degraded" {
		t.Errorf("status: got %s, want degraded", body.Status)
	}
	if len(body.Failed) != 1 || body.Failed["postgres"] != "connection refused" {
		t.Errorf("failed: got %v", body.Failed)
	}
}

func TestReadiness_Ready(t *testing.T) {
	h := NewHealthChecker()
	h.SetReady(true)
	h.Register("nats", func(context.Context) error { return nil })

	rec := httptest.NewRecorder()
	h.ReadinessHandler(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("status: got %d, want 200", rec.Code)
	}

	rec = httptest.NewRecorder()
	h.LivenessHandler(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("liveness: got %d, want 200", rec.Code)
	}
}

// ====================================
// Metrics
// ====================================

func TestNewMetrics_RegistersOnGivenRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.RingsSettled.Inc()
	m.SetChannelMetrics("persist", 25, 100)

	if got := testutil.ToFloat64(m.RingsSettled); got != 1 {
		t.Errorf("rings settled: got %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.ChannelUtilization.WithLabelValues("persist")); got != 0.25 {
		t.Errorf("utilization: got %v, want 0.25", got)
	}

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	if len(families) == 0 {
		t.Error("expected metric families on the registry")
	}

	// a second set on a fresh registry must not collide
	NewMetrics(prometheus.NewRegistry())
}

// ====================================
// Logging
// ====================================

func TestLogger_ComponentAndLevel(t *testing.T) {
	var buf bytes.Buffer
	log := NewLoggerTo(&buf, "core", zerolog.WarnLevel)

	log.Info().Msg("hidden")
	log.Warn().Str("ring_hash", "0x01").Msg("shown")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Error("info line should be filtered at warn level")
	}
	var line map[string]any
	if err := json.Unmarshal([]byte(strings.TrimSpace(out)), &line); err != nil {
		t.Fatalf("decode %q: %v", out, err)
	}
	if line["component"] != "core" || line["ring_hash"] != "0x01" {
		t.Errorf("fields: got %v", line)
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		in   string
		want zerolog.Level
	}{
		{"debug", zerolog.DebugLevel},
		{"", zerolog.InfoLevel},
		{"warn", zerolog.WarnLevel},
		{"error", zerolog.ErrorLevel},
		{"loud", zerolog.InfoLevel},
	}
	for _, tt := range tests {
		if got := ParseLogLevel(tt.in); got != tt.want {
			t.Errorf("ParseLogLevel(%q): got %s, want %s", tt.in, got, tt.want)
		}
	}
}
