package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/keithlinneman/sitedeploy/internal/version"
)

func gatherMetric(t *testing.T, reg *prometheus.Registry, name string) *dto.MetricFamily {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	for _, f := range families {
		if f.GetName() == name {
			return f
		}
	}
	return nil
}

// findMetric returns the sample in family name whose labels include want.
func findMetric(t *testing.T, reg *prometheus.Registry, name string, want map[string]string) *dto.Metric {
	t.Helper()
	f := gatherMetric(t, reg, name)
	if f == nil {
		t.Fatalf("metric %q not found", name)
	}
	for _, m := range f.GetMetric() {
		labels := map[string]string{}
		for _, lp := range m.GetLabel() {
			labels[lp.GetName()] = lp.GetValue()
		}
		match := true
		for k, v := range want {
			if labels[k] != v {
				match = false
				break
			}
		}
		if match {
			return m
		}
	}
	t.Fatalf("metric %q has no sample with labels %v", name, want)
	return nil
}

func labelsOf(m *dto.Metric) map[string]string {
	out := map[string]string{}
	for _, lp := range m.GetLabel() {
		out[lp.GetName()] = lp.GetValue()
	}
	return out
}

// New / Handler

func TestNew_RegistryPopulated(t *testing.T) {
	m := New()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	body := rec.Body.String()
	for _, name := range []string{
		"http_inflight_requests",
		"http_panic_total",
		"http_requests_rate_limited_total",
		"profiling_active",
		"deploy_inflight",
		"deploy_extracted_bytes",
		"go_goroutines",
	} {
		if !strings.Contains(body, name) {
			t.Errorf("metric %q not found in /metrics output", name)
		}
	}
}

func TestNew_IsolatedRegistries(t *testing.T) {
	a, b := New(), New()
	a.IncHttpPanic()

	if v := gatherMetric(t, b.reg, "http_panic_total").GetMetric()[0].GetCounter().GetValue(); v != 0 {
		t.Fatalf("second registry saw increment: %v", v)
	}
}

func TestHandler_OpenMetrics(t *testing.T) {
	m := New()
	req := httptest.NewRequest("GET", "/metrics", nil)
	req.Header.Set("Accept", "application/openmetrics-text; version=1.0.0")
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, req)

	if ct := rec.Header().Get("Content-Type"); !strings.Contains(ct, "openmetrics") {
		t.Fatalf("Content-Type = %q, want openmetrics", ct)
	}
	b, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(b), "# EOF") {
		t.Fatal("openmetrics body missing EOF marker")
	}
}

// Build info

func TestSetBuildInfoFromVersion(t *testing.T) {
	m := New()
	dirty := true
	m.SetBuildInfoFromVersion("sitedeploy", "server", version.Info{
		Version:   "1.2.3",
		Commit:    "abc123",
		BuildID:   "build-42",
		GoVersion: "go1.24.11",
		VCSDirty:  &dirty,
	})

	got := labelsOf(findMetric(t, m.reg, "build_info", nil))
	checks := map[string]string{
		"app":        "sitedeploy",
		"component":  "server",
		"version":    "1.2.3",
		"commit":     "abc123",
		"build_id":   "build-42",
		"go_version": "go1.24.11",
		"vcs_dirty":  "true",
	}
	for k, want := range checks {
		if got[k] != want {
			t.Errorf("build_info label %q = %q, want %q", k, got[k], want)
		}
	}
}

func TestSetBuildInfoFromVersion_NilVCSDirty(t *testing.T) {
	m := New()
	m.SetBuildInfoFromVersion("sitedeploy", "server", version.Info{Version: "dev"})
	if got := labelsOf(findMetric(t, m.reg, "build_info", nil))["vcs_dirty"]; got != "unknown" {
		t.Fatalf("vcs_dirty = %q, want unknown", got)
	}
}

// Counters and gauges

func TestRateLimitAndProfiling(t *testing.T) {
	m := New()
	m.IncRateLimitDenied()
	m.IncRateLimitDenied()
	m.IncRateLimitCapacity()
	m.SetProfilingActive(true)

	if v := findMetric(t, m.reg, "http_requests_rate_limited_total", nil).GetCounter().GetValue(); v != 2 {
		t.Errorf("rate limited = %v, want 2", v)
	}
	if v := findMetric(t, m.reg, "http_requests_rate_limited_capacity_total", nil).GetCounter().GetValue(); v != 1 {
		t.Errorf("capacity = %v, want 1", v)
	}
	if v := findMetric(t, m.reg, "profiling_active", nil).GetGauge().GetValue(); v != 1 {
		t.Errorf("profiling_active = %v, want 1", v)
	}
	m.SetProfilingActive(false)
	if v := findMetric(t, m.reg, "profiling_active", nil).GetGauge().GetValue(); v != 0 {
		t.Errorf("profiling_active = %v, want 0", v)
	}
}

// Deploy metrics

func TestObserveDeploy_Success(t *testing.T) {
	m := New()
	m.ObserveDeploy("canary", "ok", 1500*time.Millisecond, 4096)

	if v := findMetric(t, m.reg, "deploys_total", map[string]string{"channel": "canary", "result": "ok"}).GetCounter().GetValue(); v != 1 {
		t.Fatalf("deploys_total = %v, want 1", v)
	}
	h := findMetric(t, m.reg, "deploy_duration_seconds", map[string]string{"channel": "canary"}).GetHistogram()
	if h.GetSampleCount() != 1 || h.GetSampleSum() != 1.5 {
		t.Fatalf("duration count=%d sum=%v", h.GetSampleCount(), h.GetSampleSum())
	}
	if s := findMetric(t, m.reg, "deploy_extracted_bytes", nil).GetHistogram().GetSampleSum(); s != 4096 {
		t.Fatalf("extracted bytes sum = %v", s)
	}
	if ts := findMetric(t, m.reg, "deploy_last_success_timestamp_seconds", map[string]string{"channel": "canary"}).GetGauge().GetValue(); ts <= 0 {
		t.Fatal("last success timestamp not set")
	}
}

func TestObserveDeploy_FailureOnlyCounts(t *testing.T) {
	m := New()
	m.ObserveDeploy("pr", "invalid_credential", time.Second, 0)

	if v := findMetric(t, m.reg, "deploys_total", map[string]string{"channel": "pr", "result": "invalid_credential"}).GetCounter().GetValue(); v != 1 {
		t.Fatalf("deploys_total = %v, want 1", v)
	}
	if f := gatherMetric(t, m.reg, "deploy_duration_seconds"); f != nil {
		t.Fatal("failed deploys must not observe duration")
	}
}

func TestDeployStarted_Inflight(t *testing.T) {
	m := New()
	done := m.DeployStarted()
	if v := findMetric(t, m.reg, "deploy_inflight", nil).GetGauge().GetValue(); v != 1 {
		t.Fatalf("deploy_inflight = %v, want 1", v)
	}
	done()
	if v := findMetric(t, m.reg, "deploy_inflight", nil).GetGauge().GetValue(); v != 0 {
		t.Fatalf("deploy_inflight = %v, want 0", v)
	}
}

func TestPurgeMirrorAndChannels(t *testing.T) {
	m := New()
	m.IncPurge("ok")
	m.IncPurge("error")
	m.IncPurge("error")
	m.IncMirrorUpload("ok")
	m.SetChannelEnabled("stable", true)
	m.SetChannelEnabled("pr", false)

	if v := findMetric(t, m.reg, "cache_purge_total", map[string]string{"result": "error"}).GetCounter().GetValue(); v != 2 {
		t.Errorf("purge errors = %v, want 2", v)
	}
	if v := findMetric(t, m.reg, "archive_mirror_uploads_total", map[string]string{"result": "ok"}).GetCounter().GetValue(); v != 1 {
		t.Errorf("mirror ok = %v, want 1", v)
	}
	if v := findMetric(t, m.reg, "deploy_channel_enabled", map[string]string{"channel": "stable"}).GetGauge().GetValue(); v != 1 {
		t.Errorf("stable enabled = %v", v)
	}
	if v := findMetric(t, m.reg, "deploy_channel_enabled", map[string]string{"channel": "pr"}).GetGauge().GetValue(); v != 0 {
		t.Errorf("pr enabled = %v", v)
	}
}
