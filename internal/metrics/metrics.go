package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/keithlinneman/sitedeploy/internal/version"
)

type ServerMetrics struct {
	reg                    *prometheus.Registry
	handler                http.Handler
	inflight               prometheus.Gauge
	reqTotal               *prometheus.CounterVec
	reqDur                 *prometheus.HistogramVec
	respBytes              *prometheus.HistogramVec
	errorsTotal            *prometheus.CounterVec
	httpPanicTotal         prometheus.Counter
	buildInfo              *prometheus.GaugeVec
	ratelimitDeniedTotal   prometheus.Counter
	ratelimitCapacityTotal prometheus.Counter
	profilingActive        prometheus.Gauge

	// deploy pipeline
	deploysTotal    *prometheus.CounterVec
	deployDuration  *prometheus.HistogramVec
	deployBytes     prometheus.Histogram
	deployInflight  prometheus.Gauge
	purgeTotal      *prometheus.CounterVec
	mirrorUploads   *prometheus.CounterVec
	channelsEnabled *prometheus.GaugeVec
	lastDeployTs    *prometheus.GaugeVec
}

// New returns a fresh registry + standard collectors + HTTP and deploy metrics
// safe labels only (method, route, code, channel) to avoid cardinality explosions
func New() *ServerMetrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &ServerMetrics{
		inflight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "http_inflight_requests",
			Help: "Current number of in-flight HTTP requests",
		}),
		reqTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total HTTP requests by method, route, and status",
		}, []string{"method", "route", "status"}),
		reqDur: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Request latency by method and route",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 120},
		}, []string{"method", "route"}),
		respBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_response_size_bytes",
			Help:    "Response size by method and route",
			Buckets: []float64{256, 1024, 4096, 16384, 65536, 262144, 1048576, 4194304, 16777216, 52428800},
		}, []string{"method", "route"}),
		errorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_errors_total",
			Help: "Total 5xx HTTP server errors by method and route (SLI)",
		}, []string{"method", "route"}),
		httpPanicTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "http_panic_total",
			Help: "Total number of recovered httpserver panics",
		}),
		buildInfo: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "build_info",
			Help: "Build metadata (value is always 1)",
		}, []string{"app", "component", "version", "commit", "commit_date", "build_id", "build_date", "vcs_dirty", "go_version"}),
		ratelimitDeniedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "http_requests_rate_limited_total",
			Help: "Total requests rejected by rate limiter",
		}),
		ratelimitCapacityTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "http_requests_rate_limited_capacity_total",
			Help: "Total number of times rate limiter capacity reached",
		}),
		profilingActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "profiling_active",
			Help: "Whether continuous profiling is active (1) or disabled/failed (0)",
		}),
		deploysTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "deploys_total",
			Help: "Deploy attempts by channel and result (ok or an error kind)",
		}, []string{"channel", "result"}),
		deployDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "deploy_duration_seconds",
			Help:    "Time from authenticated request to published content, by channel",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		}, []string{"channel"}),
		deployBytes: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "deploy_extracted_bytes",
			Help:    "Bytes of file content extracted per successful deploy",
			Buckets: prometheus.ExponentialBuckets(4096, 4, 10),
		}),
		deployInflight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "deploy_inflight",
			Help: "Deploys currently extracting or publishing",
		}),
		purgeTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cache_purge_total",
			Help: "CDN cache purges by result (ok, error, disabled)",
		}, []string{"result"}),
		mirrorUploads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "archive_mirror_uploads_total",
			Help: "Archive uploads to the S3 mirror by result",
		}, []string{"result"}),
		channelsEnabled: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "deploy_channel_enabled",
			Help: "Whether deploys to a channel are configured (1) or disabled (0)",
		}, []string{"channel"}),
		lastDeployTs: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "deploy_last_success_timestamp_seconds",
			Help: "Unix timestamp of the last successful deploy per channel",
		}, []string{"channel"}),
	}
	reg.MustRegister(
		m.inflight,
		m.reqTotal,
		m.reqDur,
		m.respBytes,
		m.errorsTotal,
		m.httpPanicTotal,
		m.buildInfo,
		m.ratelimitDeniedTotal,
		m.ratelimitCapacityTotal,
		m.profilingActive,
		m.deploysTotal,
		m.deployDuration,
		m.deployBytes,
		m.deployInflight,
		m.purgeTotal,
		m.mirrorUploads,
		m.channelsEnabled,
		m.lastDeployTs,
	)

	m.handler = promhttp.HandlerFor(reg, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
	m.reg = reg
	return m
}

func (m *ServerMetrics) IncHttpPanic() {
	m.httpPanicTotal.Inc()
}

func (m *ServerMetrics) Handler() http.Handler {
	return m.handler
}

// set once at startup.
func (m *ServerMetrics) SetBuildInfoFromVersion(app, component string, vi version.Info) {
	dirty := "unknown"
	if vi.VCSDirty != nil {
		dirty = strconv.FormatBool(*vi.VCSDirty)
	}
	m.buildInfo.With(prometheus.Labels{
		"app":         app,
		"component":   component,
		"version":     vi.Version,
		"commit":      vi.Commit,
		"commit_date": vi.CommitDate,
		"build_id":    vi.BuildID,
		"build_date":  vi.BuildDate,
		"go_version":  vi.GoVersion,
		"vcs_dirty":   dirty,
	}).Set(1)
}

func (m *ServerMetrics) IncRateLimitDenied() {
	m.ratelimitDeniedTotal.Inc()
}

func (m *ServerMetrics) IncRateLimitCapacity() {
	m.ratelimitCapacityTotal.Inc()
}

func (m *ServerMetrics) SetProfilingActive(active bool) {
	if active {
		m.profilingActive.Set(1)
	} else {
		m.profilingActive.Set(0)
	}
}

// DeployStarted bumps the in-flight gauge; call the returned func when done.
func (m *ServerMetrics) DeployStarted() func() {
	m.deployInflight.Inc()
	return m.deployInflight.Dec
}

// ObserveDeploy records one finished deploy. result is "ok" or an error kind.
func (m *ServerMetrics) ObserveDeploy(channel, result string, d time.Duration, bytes int64) {
	m.deploysTotal.WithLabelValues(channel, result).Inc()
	if result != "ok" {
		return
	}
	m.deployDuration.WithLabelValues(channel).Observe(d.Seconds())
	m.deployBytes.Observe(float64(bytes))
	m.lastDeployTs.WithLabelValues(channel).Set(float64(time.Now().Unix()))
}

func (m *ServerMetrics) IncPurge(result string) {
	m.purgeTotal.WithLabelValues(result).Inc()
}

func (m *ServerMetrics) IncMirrorUpload(result string) {
	m.mirrorUploads.WithLabelValues(result).Inc()
}

func (m *ServerMetrics) SetChannelEnabled(channel string, enabled bool) {
	v := 0.0
	if enabled {
		v = 1
	}
	m.channelsEnabled.WithLabelValues(channel).Set(v)
}
