package cfg

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/spf13/pflag"

	"github.com/keithlinneman/sitedeploy/internal/log"
)

type App struct {
	LogJSON           bool
	LogLevel          string
	StacktraceLevel   string
	IncludeErrorLinks bool
	MaxErrorLinks     int

	HTTPPort    int
	AdminPort   int
	TLSPort     int
	TLSCertFile string
	TLSKeyFile  string

	TrustedProxyHops int
	ShutdownDrain    time.Duration

	ContentRoot    string
	BaseDomain     string
	LocalDev       bool
	MaxDeployBytes int64
	DeployTimeout  time.Duration
	DeployRPS      float64
	DeployBurst    int

	StableDeployHash         string
	StableDeployHashFile     string
	StableDeployHashSSMParam string
	CanaryDeployHash         string
	CanaryDeployHashFile     string
	CanaryDeployHashSSMParam string
	PRDeployHash             string
	PRDeployHashFile         string
	PRDeployHashSSMParam     string

	CloudflareZone  string
	CloudflareToken string

	RedisURL       string
	HistoryDB      string
	MirrorS3Bucket string
	MirrorS3Prefix string

	EnablePprof     bool
	EnablePyroscope bool
	EnableTracing   bool
	PyroServer      string
	PyroTenantID    string
	OTLPEndpoint    string
	TraceSample     float64
}

// Register binds all config fields to the given FlagSet with defaults inline
func Register(fs *pflag.FlagSet, c *App) {
	fs.BoolVar(&c.LogJSON, "log-json", true, "JSON logs (true) or logfmt (false)")
	fs.StringVar(&c.LogLevel, "log-level", "info", "debug|info|warn|error")
	fs.StringVar(&c.StacktraceLevel, "stacktrace-level", "error", "debug|info|warn|error")
	fs.BoolVar(&c.IncludeErrorLinks, "include-error-links", true, "Include error links in log messages")
	fs.IntVar(&c.MaxErrorLinks, "max-error-links", 5, "max error chain depth (1..64)")

	fs.IntVar(&c.HTTPPort, "http-port", 8080, "listen TCP port (1..65535)")
	fs.IntVar(&c.AdminPort, "admin-port", 9000, "admin listen TCP port (1..65535)")
	fs.IntVar(&c.TLSPort, "tls-port", 0, "TLS listen TCP port, 0 disables TLS (1..65535)")
	fs.StringVar(&c.TLSCertFile, "tls-cert-file", "", "PEM certificate chain for the TLS listener")
	fs.StringVar(&c.TLSKeyFile, "tls-key-file", "", "PEM private key for the TLS listener")
	fs.IntVar(&c.TrustedProxyHops, "trusted-proxy-hops", 0, "reverse proxies in front of the server whose X-Forwarded-For is trusted")
	fs.DurationVar(&c.ShutdownDrain, "shutdown-drain", 60*time.Second, "how long readiness fails before listeners close on shutdown")

	fs.StringVar(&c.ContentRoot, "content-root", "/srv/sites", "directory holding the channel trees")
	fs.StringVar(&c.BaseDomain, "base-domain", "", "public domain the channel hostnames live under")
	fs.BoolVar(&c.LocalDev, "local-dev", true, "Serve the local-development rewrite on localhost hosts")
	fs.Int64Var(&c.MaxDeployBytes, "max-deploy-bytes", 1<<30, "max extracted bytes per deploy, 0 for unbounded")
	fs.DurationVar(&c.DeployTimeout, "deploy-timeout", 10*time.Minute, "read/write deadline for a single deploy request")
	fs.Float64Var(&c.DeployRPS, "deploy-rps", 1, "deploy requests per second allowed per client IP")
	fs.IntVar(&c.DeployBurst, "deploy-burst", 5, "deploy burst allowed per client IP")

	fs.StringVar(&c.StableDeployHash, "stable-deploy-hash", "", "sha256 hex digest of the stable deploy token")
	fs.StringVar(&c.StableDeployHashFile, "stable-deploy-hash-file", "", "file containing the stable deploy token digest")
	fs.StringVar(&c.StableDeployHashSSMParam, "stable-deploy-hash-ssm-param", "", "ssm parameter holding the stable deploy token digest")
	fs.StringVar(&c.CanaryDeployHash, "canary-deploy-hash", "", "sha256 hex digest of the canary deploy token")
	fs.StringVar(&c.CanaryDeployHashFile, "canary-deploy-hash-file", "", "file containing the canary deploy token digest")
	fs.StringVar(&c.CanaryDeployHashSSMParam, "canary-deploy-hash-ssm-param", "", "ssm parameter holding the canary deploy token digest")
	fs.StringVar(&c.PRDeployHash, "pr-deploy-hash", "", "sha256 hex digest of the pr deploy token")
	fs.StringVar(&c.PRDeployHashFile, "pr-deploy-hash-file", "", "file containing the pr deploy token digest")
	fs.StringVar(&c.PRDeployHashSSMParam, "pr-deploy-hash-ssm-param", "", "ssm parameter holding the pr deploy token digest")

	fs.StringVar(&c.CloudflareZone, "cf-zone", "", "cloudflare zone id for cache purges")
	fs.StringVar(&c.CloudflareToken, "cf-token", "", "cloudflare api token for cache purges")

	fs.StringVar(&c.RedisURL, "redis-url", "", "redis url for cross-instance deploy locks, empty for in-process locks")
	fs.StringVar(&c.HistoryDB, "history-db", "", "sqlite file recording deploys, empty disables history")
	fs.StringVar(&c.MirrorS3Bucket, "mirror-s3-bucket", "", "s3 bucket to mirror deployed archives into, empty disables")
	fs.StringVar(&c.MirrorS3Prefix, "mirror-s3-prefix", "sitedeploy/archives", "s3 prefix (key) for mirrored archives")

	fs.BoolVar(&c.EnablePprof, "enable-pprof", true, "Enable pprof profiling (on admin port only)")
	fs.BoolVar(&c.EnableTracing, "enable-tracing", false, "Enable OTLP tracing and push to otlp-endpoint")
	fs.BoolVar(&c.EnablePyroscope, "enable-pyroscope", false, "Enable pushing Pyroscope data to server set in --pyro-server")
	fs.StringVar(&c.PyroServer, "pyro-server", "", "pyroscope server url to push to")
	fs.StringVar(&c.PyroTenantID, "pyro-tenant", "", "tenant (x-scope-orgid) to use for pyro-server")
	fs.StringVar(&c.OTLPEndpoint, "otlp-endpoint", "", "OTLP endpoint to push to (gRPC) (host:port)")
	fs.Float64Var(&c.TraceSample, "trace-sample", 0.0, "trace sampling ratio (0..1)")
}

// FillFromEnv sets any flag not explicitly passed on the CLI from
// environment variables. Flag "foo-bar" maps to PREFIX_FOO_BAR.
// Precedence: cli flag > env var > default.
func FillFromEnv(fs *pflag.FlagSet, prefix string, logf func(string, ...any)) {
	explicit := make(map[string]bool)
	fs.Visit(func(f *pflag.Flag) { explicit[f.Name] = true })

	fs.VisitAll(func(f *pflag.Flag) {
		key := prefix + strings.ReplaceAll(strings.ToUpper(f.Name), "-", "_")
		envVal, envSet := os.LookupEnv(key)
		if !envSet {
			return
		}
		if explicit[f.Name] {
			if logf != nil {
				logf("flag --%s: cli value %q overrides env %s=%q", f.Name, f.Value.String(), key, envVal)
			}
			return
		}
		prev := f.Value.String()
		if err := fs.Set(f.Name, envVal); err != nil {
			_ = fs.Set(f.Name, prev)
			if logf != nil {
				logf("flag --%s: ignoring invalid env %s=%q: %v", f.Name, key, envVal, err)
			}
		}
	})
}

func validPort(p int) bool { return p >= 1 && p <= 65535 }

// Validate checks that config values are within expected ranges and formats.
// Returns an error describing all invalid fields, or nil if all valid.
func Validate(c App) error {
	var errs []error

	// Ports
	if !validPort(c.HTTPPort) {
		errs = append(errs, fmt.Errorf("invalid HTTP_PORT %d (must be 1..65535)", c.HTTPPort))
	}
	if !validPort(c.AdminPort) {
		errs = append(errs, fmt.Errorf("invalid ADMIN_PORT %d (must be 1..65535)", c.AdminPort))
	}
	if c.AdminPort == c.HTTPPort {
		errs = append(errs, fmt.Errorf("ADMIN_PORT and HTTP_PORT must differ (both %d)", c.HTTPPort))
	}

	// TLS
	if c.TLSPort != 0 {
		if !validPort(c.TLSPort) {
			errs = append(errs, fmt.Errorf("invalid TLS_PORT %d (must be 1..65535)", c.TLSPort))
		}
		if c.TLSPort == c.HTTPPort || c.TLSPort == c.AdminPort {
			errs = append(errs, fmt.Errorf("TLS_PORT %d collides with another listener", c.TLSPort))
		}
		if c.TLSCertFile == "" || c.TLSKeyFile == "" {
			errs = append(errs, fmt.Errorf("TLS_CERT_FILE and TLS_KEY_FILE required when TLS_PORT is set"))
		}
	}

	if c.TrustedProxyHops < 0 {
		errs = append(errs, fmt.Errorf("TRUSTED_PROXY_HOPS must be >= 0 (got %d)", c.TrustedProxyHops))
	}
	if c.ShutdownDrain < 0 {
		errs = append(errs, fmt.Errorf("SHUTDOWN_DRAIN must be >= 0 (got %s)", c.ShutdownDrain))
	}

	// Sites
	if strings.TrimSpace(c.ContentRoot) == "" {
		errs = append(errs, fmt.Errorf("CONTENT_ROOT is required"))
	}
	if c.BaseDomain == "" {
		errs = append(errs, fmt.Errorf("BASE_DOMAIN is required"))
	} else if strings.ContainsAny(c.BaseDomain, "/: ") || strings.HasPrefix(c.BaseDomain, ".") {
		errs = append(errs, fmt.Errorf("BASE_DOMAIN must be a bare hostname (got %q)", c.BaseDomain))
	}
	if c.MaxDeployBytes < 0 {
		errs = append(errs, fmt.Errorf("MAX_DEPLOY_BYTES must be >= 0 (got %d)", c.MaxDeployBytes))
	}
	if c.DeployTimeout <= 0 {
		errs = append(errs, fmt.Errorf("DEPLOY_TIMEOUT must be positive (got %s)", c.DeployTimeout))
	}
	if c.DeployRPS <= 0 || c.DeployBurst < 1 {
		errs = append(errs, fmt.Errorf("DEPLOY_RPS must be > 0 and DEPLOY_BURST >= 1 (got %v, %d)", c.DeployRPS, c.DeployBurst))
	}

	// Purge needs both halves or neither
	if (c.CloudflareZone == "") != (c.CloudflareToken == "") {
		errs = append(errs, fmt.Errorf("CF_ZONE and CF_TOKEN must be set together"))
	}

	if c.RedisURL != "" {
		if u, err := url.Parse(c.RedisURL); err != nil || (u.Scheme != "redis" && u.Scheme != "rediss") {
			errs = append(errs, fmt.Errorf("REDIS_URL must be a redis:// or rediss:// URL (got %q)", c.RedisURL))
		}
	}

	// Log levels
	if _, err := log.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("invalid LOG_LEVEL %q: %w", c.LogLevel, err))
	}
	if c.StacktraceLevel != "" {
		if _, err := log.ParseLevel(c.StacktraceLevel); err != nil {
			errs = append(errs, fmt.Errorf("invalid STACKTRACE_LEVEL %q: %w", c.StacktraceLevel, err))
		}
	}

	// Tracing sample
	if c.TraceSample < 0 || c.TraceSample > 1 {
		errs = append(errs, fmt.Errorf("invalid TRACE_SAMPLE %.3f (must be 0..1)", c.TraceSample))
	}

	// Pyroscope (URL, scheme and tenant)
	if c.EnablePyroscope {
		if c.PyroServer == "" {
			errs = append(errs, fmt.Errorf("PYRO_SERVER required when ENABLE_PYROSCOPE=true"))
		} else if u, err := url.Parse(c.PyroServer); err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("PYRO_SERVER must be a URL (got %q)", c.PyroServer))
		}
		if c.PyroTenantID == "" {
			errs = append(errs, fmt.Errorf("PYRO_TENANT required when ENABLE_PYROSCOPE=true"))
		}
	}

	// OTLP tracing (grpc exporter wants host:port, no scheme)
	if c.EnableTracing {
		if c.OTLPEndpoint == "" {
			errs = append(errs, fmt.Errorf("OTLP_ENDPOINT required when ENABLE_TRACING=true"))
		} else if _, _, err := net.SplitHostPort(c.OTLPEndpoint); err != nil {
			errs = append(errs, fmt.Errorf("OTLP_ENDPOINT must be host:port (got %q): %v", c.OTLPEndpoint, err))
		}
	}

	// Error link limits
	if c.IncludeErrorLinks {
		if c.MaxErrorLinks < 1 || c.MaxErrorLinks > 64 {
			errs = append(errs, fmt.Errorf("MAX_ERROR_LINKS must be 1..64 (got %d)", c.MaxErrorLinks))
		}
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}
