package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/keithlinneman/sitedeploy/internal/archivestore"
	"github.com/keithlinneman/sitedeploy/internal/cfg"
	"github.com/keithlinneman/sitedeploy/internal/channel"
	"github.com/keithlinneman/sitedeploy/internal/deploy"
	"github.com/keithlinneman/sitedeploy/internal/health"
	"github.com/keithlinneman/sitedeploy/internal/history"
	"github.com/keithlinneman/sitedeploy/internal/httpmw"
	"github.com/keithlinneman/sitedeploy/internal/httpserver"
	"github.com/keithlinneman/sitedeploy/internal/lock"
	"github.com/keithlinneman/sitedeploy/internal/log"
	"github.com/keithlinneman/sitedeploy/internal/metrics"
	"github.com/keithlinneman/sitedeploy/internal/opshttp"
	"github.com/keithlinneman/sitedeploy/internal/otelx"
	"github.com/keithlinneman/sitedeploy/internal/prof"
	"github.com/keithlinneman/sitedeploy/internal/purge"
	"github.com/keithlinneman/sitedeploy/internal/ratelimit"
	"github.com/keithlinneman/sitedeploy/internal/router"
	"github.com/keithlinneman/sitedeploy/internal/sitehandler"
	"github.com/keithlinneman/sitedeploy/internal/version"
)

const pingTimeout = 2 * time.Second

func newServeCmd() *cobra.Command {
	var conf cfg.App
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve channel sites and accept deploys",
		Long: `Starts the public listener (sites and deploy.<base>) and the admin
listener (metrics, health, pprof, deploy history).

Every flag can also be set as SITEDEPLOY_<FLAG_NAME>, e.g. --base-domain as
SITEDEPLOY_BASE_DOMAIN. Flags given on the command line win.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg.FillFromEnv(cmd.Flags(), envPrefix, func(format string, args ...any) {
				fmt.Fprintf(cmd.ErrOrStderr(), format+"\n", args...)
			})
			if err := cfg.Validate(conf); err != nil {
				return fmt.Errorf("config error: %w", err)
			}
			return runServe(cmd.Context(), conf)
		},
	}
	cfg.Register(cmd.Flags(), &conf)
	return cmd
}

func newLogger(conf cfg.App, vi version.Info) (log.Logger, error) {
	lvl, err := log.ParseLevel(conf.LogLevel)
	if err != nil {
		return nil, err
	}
	stack := slog.LevelError
	if conf.StacktraceLevel != "" {
		if stack, err = log.ParseLevel(conf.StacktraceLevel); err != nil {
			return nil, err
		}
	}
	return log.New(log.Options{
		App:               vi.AppName,
		Version:           vi.Version,
		Commit:            vi.Commit,
		Level:             lvl,
		StacktraceLevel:   stack,
		JSON:              conf.LogJSON,
		IncludeErrorLinks: conf.IncludeErrorLinks,
		MaxErrorLinks:     conf.MaxErrorLinks,
	})
}

// redisPinger adapts a go-redis client to health.Pinger.
type redisPinger struct{ c *redis.Client }

func (p redisPinger) Ping(ctx context.Context) error { return p.c.Ping(ctx).Err() }

func runServe(parent context.Context, conf cfg.App) error {
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	vi := version.Get()

	lg, err := newLogger(conf, vi)
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	// no-op for slog, kept for backends that buffer
	defer lg.Sync()
	L := lg.With("component", "server")
	ctx = log.WithContext(ctx, L)

	L.Info(ctx, "initializing application",
		"version", vi.Version,
		"commit", vi.Commit,
		"commit_date", vi.CommitDate,
		"build_id", vi.BuildID,
		"build_date", vi.BuildDate,
		"go_version", vi.GoVersion,
		"vcs_dirty", vi.VCSDirty,
		"http_port", conf.HTTPPort,
		"admin_port", conf.AdminPort,
		"tls_port", conf.TLSPort,
		"content_root", conf.ContentRoot,
		"base_domain", conf.BaseDomain,
		"local_dev", conf.LocalDev,
		"max_deploy_bytes", conf.MaxDeployBytes,
		"deploy_timeout", conf.DeployTimeout.String(),
		"enable_pprof", conf.EnablePprof,
		"enable_pyroscope", conf.EnablePyroscope,
		"enable_tracing", conf.EnableTracing,
		"otlp_endpoint", conf.OTLPEndpoint,
		"trace_sample", conf.TraceSample,
		"history_db", conf.HistoryDB,
		"mirror_s3_bucket", conf.MirrorS3Bucket,
		"redis_locks", conf.RedisURL != "",
		"cache_purge", conf.CloudflareZone != "",
	)

	m := metrics.New()
	m.SetBuildInfoFromVersion(vi.AppName, "server", vi)

	stopProf, err := prof.Start(ctx, prof.Options{
		Enabled:       conf.EnablePyroscope,
		AppName:       vi.AppName,
		ServerAddress: conf.PyroServer,
		TenantID:      conf.PyroTenantID,
		Tags: map[string]string{
			"version": vi.Version,
			"commit":  vi.Commit,
		},
		OnActive: m.SetProfilingActive,
	})
	if err != nil {
		// profiling is optional, keep serving without it
		L.Warn(ctx, "continuing without pyroscope", "error", err.Error())
	}

	shutdownOTEL, err := otelx.Init(ctx, otelx.Options{
		Enabled:   conf.EnableTracing,
		Endpoint:  conf.OTLPEndpoint,
		Insecure:  true,
		Sample:    conf.TraceSample,
		Service:   vi.AppName,
		Component: "server",
		Version:   vi.Version,
	})
	if err != nil {
		L.Error(ctx, err, "otel init failed")
		return err
	}

	// aws clients only when something is sourced from aws
	var params cfg.ParamGetter
	var s3Client *s3.Client
	if conf.NeedsSSM() || conf.MirrorS3Bucket != "" {
		awsCfg, err := config.LoadDefaultConfig(ctx)
		if err != nil {
			L.Error(ctx, err, "failed to load aws config")
			return err
		}
		if conf.NeedsSSM() {
			params = ssm.NewFromConfig(awsCfg)
		}
		if conf.MirrorS3Bucket != "" {
			s3Client = s3.NewFromConfig(awsCfg)
		}
	}

	digests, err := cfg.LoadDigests(ctx, conf, params, func(ch channel.Name) {
		L.Warn(ctx, "no deploy token digest configured, deploys to this channel are disabled", "channel", string(ch))
	})
	if err != nil {
		L.Error(ctx, err, "failed to load deploy token digests")
		return err
	}
	for _, n := range []channel.Name{channel.Stable, channel.Canary, channel.PR} {
		m.SetChannelEnabled(string(n), digests.For(n) != "")
	}

	fsys := afero.NewOsFs()
	for _, d := range channel.Dirs() {
		if err := fsys.MkdirAll(filepath.Join(conf.ContentRoot, d), 0o755); err != nil {
			L.Error(ctx, err, "failed to create channel directory", "dir", d)
			return err
		}
	}

	var locker lock.Locker = lock.NewLocal()
	var redisCheck health.Pinger
	if conf.RedisURL != "" {
		// a lease must outlive the slowest deploy the handler allows
		rl, rdb, err := lock.NewRedisFromURL(ctx, conf.RedisURL, conf.DeployTimeout+time.Minute)
		if err != nil {
			L.Error(ctx, err, "failed to connect to redis for deploy locks")
			return err
		}
		defer rdb.Close()
		locker = rl
		redisCheck = redisPinger{rdb}
		L.Info(ctx, "using redis deploy locks")
	}

	var recorder deploy.Recorder
	var deploys opshttp.DeployLister
	var historyCheck health.Pinger
	if conf.HistoryDB != "" {
		store, err := history.Open(ctx, conf.HistoryDB)
		if err != nil {
			L.Error(ctx, err, "failed to open deploy history", "path", conf.HistoryDB)
			return err
		}
		defer store.Close()
		recorder, deploys, historyCheck = store, store, store
	}

	var mirror *archivestore.Mirror
	if s3Client != nil {
		mirror = archivestore.New(s3Client, conf.MirrorS3Bucket, conf.MirrorS3Prefix)
	}

	var purger purge.Purger = purge.Nop{}
	if conf.CloudflareZone != "" {
		purger = purge.NewCloudflare(conf.CloudflareZone, conf.CloudflareToken)
	} else {
		L.Warn(ctx, "cloudflare purge not configured, service worker caches will not be purged on deploy")
	}

	svc, err := deploy.NewService(deploy.Options{
		FS:         fsys,
		Root:       conf.ContentRoot,
		BaseDomain: conf.BaseDomain,
		Digests:    digests,
		MaxBytes:   conf.MaxDeployBytes,
		Locker:     locker,
		Purger:     purger,
		Mirror:     mirror,
		History:    recorder,
		Metrics:    m,
	})
	if err != nil {
		L.Error(ctx, err, "failed to create deploy service")
		return err
	}

	limiter := ratelimit.New(ctx,
		ratelimit.WithRate(conf.DeployRPS, conf.DeployBurst),
		ratelimit.WithOnDenied(func(ip string) {
			m.IncRateLimitDenied()
		}),
		// only the first denial per visitor lifetime is logged
		ratelimit.WithOnFirstDenied(func(ip string) {
			L.Warn(ctx, "deploy rate limit triggered", "ip", ip)
		}),
		ratelimit.WithOnCapacity(func() {
			m.IncRateLimitCapacity()
			L.Warn(ctx, "rate limit capacity reached, rejecting new visitors until some are evicted")
		}),
	)

	deployHandler := deploy.NewHandler(svc, deploy.HandlerOptions{
		Timeout: conf.DeployTimeout,
		Middlewares: []httpmw.Middleware{
			limiter.Middleware,
			httpmw.MaxBody(conf.MaxDeployBytes),
		},
	})

	site, err := sitehandler.New(sitehandler.Options{
		Logger: L,
		FS:     fsys,
		Root:   conf.ContentRoot,
	})
	if err != nil {
		L.Error(ctx, err, "failed to create site handler")
		return err
	}

	rt, err := router.New(router.Options{
		BaseDomain: conf.BaseDomain,
		LocalDev:   conf.LocalDev,
		Deploy:     deployHandler,
		Site:       site,
	})
	if err != nil {
		L.Error(ctx, err, "failed to create host router")
		return err
	}

	var gate health.ShutdownGate
	readiness := health.All(
		gate.Probe(),
		health.WritableDir(fsys, conf.ContentRoot),
		health.Ping("history", historyCheck, pingTimeout),
		health.Ping("redis", redisCheck, pingTimeout),
	)

	siteOpts := &httpserver.Options{
		Logger:       L,
		Port:         conf.HTTPPort,
		UseRecoverMW: true,
		OnPanic:      m.IncHttpPanic,
		MetricsMW:    m.Middleware,
		ClientIPOpts: httpmw.ClientIPOptions{TrustedHops: conf.TrustedProxyHops},
		Health:       health.Fixed(true, ""),
		Readiness:    readiness,
		Handler:      rt,
	}
	if conf.TLSPort != 0 {
		siteOpts.TLSPort = conf.TLSPort
		siteOpts.TLSCertFile = conf.TLSCertFile
		siteOpts.TLSKeyFile = conf.TLSKeyFile
	}
	siteHTTPStop, err := httpserver.Start(ctx, siteOpts)
	if err != nil {
		L.Error(ctx, err, "failed to start site http listener")
		return err
	}
	defer func() { _ = siteHTTPStop(context.Background()) }()

	// the admin listener also rejects public peers in middleware
	opsHTTPStop, err := opshttp.Start(ctx, L, &opshttp.Options{
		Port:         conf.AdminPort,
		Metrics:      m.Handler(),
		EnablePprof:  conf.EnablePprof,
		Health:       health.Fixed(true, ""),
		Readiness:    readiness,
		Deploys:      deploys,
		UseRecoverMW: true,
		OnPanic:      m.IncHttpPanic,
	})
	if err != nil {
		L.Error(ctx, err, "failed to start ops http listener")
		return err
	}
	defer func() { _ = opsHTTPStop(context.Background()) }()

	L.Info(ctx, "serving channels", "hosts", router.Hosts(conf.BaseDomain))

	if err := notifySystemd(); err != nil {
		// worst case systemd kills us after its start timeout
		L.Warn(ctx, "failed to notify systemd of readiness", "error", err.Error())
	}

	<-ctx.Done()
	L.Info(context.Background(), "shutdown signal received")

	// fail readiness so the load balancer stops sending new requests
	gate.Set("draining")
	L.Info(context.Background(), "shutdown gate closed", "drain", conf.ShutdownDrain.String())
	drain(L, conf.ShutdownDrain)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := siteHTTPStop(shutdownCtx); err != nil {
		L.Error(context.Background(), err, "site http server shutdown")
	}
	if err := opsHTTPStop(shutdownCtx); err != nil {
		L.Error(context.Background(), err, "ops http server shutdown")
	}
	if err := shutdownOTEL(shutdownCtx); err != nil {
		L.Error(context.Background(), err, "otel shutdown")
	}
	stopProf()

	L.Info(context.Background(), "shutdown complete")
	return nil
}

// drain waits d for in-flight requests and health checks, cut short by a
// second signal.
func drain(L log.Logger, d time.Duration) {
	if d <= 0 {
		return
	}
	forceCh := make(chan os.Signal, 1)
	signal.Notify(forceCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(forceCh)

	select {
	case <-time.After(d):
		L.Info(context.Background(), "drain period complete")
	case <-forceCh:
		L.Warn(context.Background(), "second signal received, skipping drain")
	}
}

func notifySystemd() error {
	// systemd sets NOTIFY_SOCKET when started with Type=notify
	addr := os.Getenv("NOTIFY_SOCKET")
	if addr == "" {
		return nil
	}
	conn, err := net.Dial("unixgram", addr)
	if err != nil {
		return fmt.Errorf("systemd notify failed: dial failed: %w", err)
	}
	if _, err := conn.Write([]byte("READY=1")); err != nil {
		_ = conn.Close()
		return fmt.Errorf("systemd notify failed: write failed: %w", err)
	}
	if err := conn.Close(); err != nil {
		return fmt.Errorf("systemd notify failed: close failed: %w", err)
	}
	return nil
}
