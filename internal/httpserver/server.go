package httpserver

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/keithlinneman/sitedeploy/internal/health"
	"github.com/keithlinneman/sitedeploy/internal/httpmw"
	"github.com/keithlinneman/sitedeploy/internal/xerrors"
)

// NewHandler builds the public handler: health routes, the host router as
// fallback, and the middleware stack around both.
// main() owns *http.Server so it can do graceful shutdown
func NewHandler(opts *Options) http.Handler {
	r := chi.NewRouter()

	// Compress text responses (HTML/CSS/JS/JSON/SVG)
	r.Use(middleware.Compress(5,
		"text/html",
		"text/css",
		"text/plain",
		"application/javascript",
		"text/javascript",
		"application/json",
		"image/svg+xml",
		"image/x-icon",
	))

	// Annotate logger and tracer with http.route if trace is recording
	r.Use(httpmw.AnnotateHTTPRoute)

	r.Use(httpmw.AccessLog())

	if opts.Health != nil {
		r.Get("/-/healthy", probeHostOnly(health.HealthzHandler(opts.Health), opts.Handler))
	}
	if opts.Readiness != nil {
		r.Get("/-/ready", probeHostOnly(health.ReadyzHandler(opts.Readiness), opts.Handler))
	}

	if opts.Handler != nil {
		r.NotFound(opts.Handler.ServeHTTP)
		r.MethodNotAllowed(opts.Handler.ServeHTTP)
	}

	// Middleware (outermost first in wrapping order)
	var h http.Handler = r

	// Request-scoped logging (inner so it sees trace_id, etc)
	h = httpmw.WithLogger(opts.Logger)(h)

	if opts.MetricsMW != nil {
		h = opts.MetricsMW(h)
	}

	h = httpmw.TraceResponseHeaders("X-Trace-Id", "X-Span-Id")(h)

	h = otelhttp.NewHandler(
		h,
		"http.server",
		otelhttp.WithFilter(func(r *http.Request) bool {
			return shouldTrace(r.URL.Path)
		}),
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			// AnnotateHTTPRoute renames the span once the route is known
			return r.Method + " " + r.URL.Path
		}),
		otelhttp.WithPublicEndpointFn(func(r *http.Request) bool { return true }),
	)

	// Client IP resolution (before logging and the deploy rate limiter)
	h = httpmw.ClientIPWithOptions(opts.ClientIPOpts)(h)

	// Request ID (outer so everything downstream sees it)
	h = httpmw.RequestID("X-Request-Id")(h)

	if opts.UseRecoverMW {
		h = httpmw.Recover(opts.Logger, opts.OnPanic)(h)
	}

	// outermost so every response carries them
	h = httpmw.SiteHeaders(opts.TLSEnabled())(h)

	return h
}

// probeHostOnly answers health probes addressed by IP or localhost. Named
// hosts fall through to site, where the same path may be a published file.
func probeHostOnly(probe, site http.Handler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if site == nil || isProbeHost(r.Host) {
			probe.ServeHTTP(w, r)
			return
		}
		site.ServeHTTP(w, r)
	}
}

func isProbeHost(hostport string) bool {
	host := hostport
	if h, _, err := net.SplitHostPort(hostport); err == nil {
		host = h
	}
	host = strings.Trim(host, "[]")
	if host == "" || strings.EqualFold(host, "localhost") {
		return true
	}
	return net.ParseIP(host) != nil
}

// shouldTrace skips health checks and static assets.
func shouldTrace(p string) bool {
	if p == "/favicon.ico" || p == "/favicon.svg" || p == "/robots.txt" || p == "/sw.js" {
		return false
	}
	if p == "/-/healthy" || p == "/-/ready" {
		return false
	}
	switch strings.ToLower(path.Ext(p)) {
	case ".css", ".js", ".png", ".jpg", ".jpeg", ".webp", ".svg", ".ico", ".woff", ".woff2", ".map":
		return false
	}
	return true
}

// RedirectHandler sends every request to the same host and path over
// https on tlsPort.
func RedirectHandler(tlsPort int) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		host := r.Host
		if h, _, err := net.SplitHostPort(host); err == nil {
			host = h
		}
		host = strings.Trim(host, "[]")

		target := host
		if strings.Contains(host, ":") {
			target = "[" + host + "]"
		}
		if tlsPort != 0 && tlsPort != 443 {
			target = net.JoinHostPort(host, strconv.Itoa(tlsPort))
		}
		http.Redirect(w, r, "https://"+target+r.URL.RequestURI(), http.StatusMovedPermanently)
	})
}

// Server timeout defaults, shared with opshttp. Deploy requests extend
// their own deadlines.
const (
	DefaultReadHeaderTimeout = 5 * time.Second
	DefaultReadTimeout       = 10 * time.Second
	DefaultWriteTimeout      = 10 * time.Second
	DefaultIdleTimeout       = 60 * time.Second
	DefaultMaxHeaderBytes    = 1 << 20 // 1 MB
)

func NewServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: DefaultReadHeaderTimeout,
		ReadTimeout:       DefaultReadTimeout,
		WriteTimeout:      DefaultWriteTimeout,
		IdleTimeout:       DefaultIdleTimeout,
		MaxHeaderBytes:    DefaultMaxHeaderBytes,
	}
}

type listener struct {
	name string
	srv  *http.Server
	ln   net.Listener
	tls  bool
}

// Start the public listeners. With TLS configured the site is served on
// TLSPort and Port only redirects.
// Returns stop(ctx) for graceful shutdown
func Start(ctx context.Context, opts *Options) (func(context.Context) error, error) {
	port := opts.Port
	if port == 0 {
		port = 8080
	}

	handler := NewHandler(opts)

	var specs []listener
	if opts.TLSEnabled() {
		// fail startup on a bad key pair
		cert, err := tls.LoadX509KeyPair(opts.TLSCertFile, opts.TLSKeyFile)
		if err != nil {
			return nil, xerrors.E(xerrors.KindConfig, "load tls key pair", err)
		}
		tlsPort := opts.TLSPort
		if tlsPort == 0 {
			tlsPort = 8443
		}
		tlsSrv := NewServer(fmt.Sprintf(":%d", tlsPort), handler)
		tlsSrv.TLSConfig = &tls.Config{
			MinVersion:   tls.VersionTLS12,
			Certificates: []tls.Certificate{cert},
		}
		specs = append(specs,
			listener{name: "https", srv: tlsSrv, tls: true},
			listener{name: "http-redirect", srv: NewServer(fmt.Sprintf(":%d", port), RedirectHandler(tlsPort))},
		)
	} else {
		specs = append(specs, listener{name: "http", srv: NewServer(fmt.Sprintf(":%d", port), handler)})
	}

	for i := range specs {
		ln, err := (&net.ListenConfig{}).Listen(ctx, "tcp", specs[i].srv.Addr)
		if err != nil {
			for _, prev := range specs[:i] {
				_ = prev.ln.Close()
			}
			return nil, xerrors.Wrapf(err, "listen %s", specs[i].srv.Addr)
		}
		specs[i].ln = ln
	}

	for _, l := range specs {
		go func() {
			opts.Logger.Info(ctx, "http server listening", "addr", l.srv.Addr, "listener", l.name)
			var err error
			if l.tls {
				err = l.srv.ServeTLS(l.ln, "", "")
			} else {
				err = l.srv.Serve(l.ln)
			}
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				opts.Logger.Error(ctx, err, "http server error", "listener", l.name)
			}
		}()
	}

	var once sync.Once
	stop := func(sctx context.Context) (retErr error) {
		once.Do(func() {
			opts.Logger.Info(sctx, "http server shutting down")
			c, cancel := context.WithTimeout(sctx, 5*time.Second)
			defer cancel()
			var errs []error
			for _, l := range specs {
				if err := l.srv.Shutdown(c); err != nil {
					errs = append(errs, xerrors.Wrapf(err, "shutdown %s", l.name))
				}
			}
			retErr = errors.Join(errs...)
		})
		return retErr
	}
	return stop, nil
}
