package httpserver

import (
	"net/http"

	"github.com/keithlinneman/sitedeploy/internal/health"
	"github.com/keithlinneman/sitedeploy/internal/httpmw"
	"github.com/keithlinneman/sitedeploy/internal/log"
)

type Options struct {
	Logger log.Logger

	// Port is the plain HTTP listener. With TLS configured it only
	// redirects to https.
	Port        int
	TLSPort     int
	TLSCertFile string
	TLSKeyFile  string

	UseRecoverMW bool
	OnPanic      func()
	MetricsMW    httpmw.Middleware
	ClientIPOpts httpmw.ClientIPOptions

	Health    health.Probe
	Readiness health.Probe

	// Handler receives every request not matched by the health routes,
	// normally the host router.
	Handler http.Handler
}

// TLSEnabled reports whether both halves of a key pair are configured.
func (o *Options) TLSEnabled() bool {
	return o.TLSCertFile != "" && o.TLSKeyFile != ""
}
