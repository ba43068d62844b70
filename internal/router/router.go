package router

import (
	"net/http"

	"github.com/keithlinneman/sitedeploy/internal/httperr"
	"github.com/keithlinneman/sitedeploy/internal/log"
	"github.com/keithlinneman/sitedeploy/internal/metrics"
	"github.com/keithlinneman/sitedeploy/internal/xerrors"
)

// SiteServer serves one channel tree relative to the content root.
type SiteServer interface {
	Serve(w http.ResponseWriter, r *http.Request, servingPath string)
}

type Options struct {
	BaseDomain string

	// LocalDev enables /<url> rewriting and the index page on loopback hosts.
	LocalDev bool

	Deploy http.Handler
	Site   SiteServer
}

// Router is the public entry point: it classifies the Host and dispatches.
type Router struct {
	base     string
	localDev bool
	deploy   http.Handler
	site     SiteServer
}

func New(opts Options) (*Router, error) {
	base := normHost(opts.BaseDomain)
	if base == "" {
		return nil, xerrors.E(xerrors.KindConfig, "router: base domain is required", nil)
	}
	if opts.Deploy == nil || opts.Site == nil {
		return nil, xerrors.E(xerrors.KindConfig, "router: deploy and site handlers are required", nil)
	}
	return &Router{
		base:     base,
		localDev: opts.LocalDev,
		deploy:   opts.Deploy,
		site:     opts.Site,
	}, nil
}

func (rt *Router) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if rt.localDev && IsLocalHost(r.Host) {
		if r.URL.Path == "/" {
			metrics.SetRoute(ctx, "local:index")
			serveLocalIndex(w, r, rt.base)
			return
		}
		rewritten, err := RewriteLocal(r)
		if err != nil {
			metrics.SetRoute(ctx, "local:invalid")
			httperr.Write(w, r, err)
			return
		}
		log.FromContext(ctx).Debug(ctx, "local request rewritten", "url", rewritten.URL.String())
		r = rewritten
	}

	route, err := Classify(r.Host, rt.base)
	if err != nil {
		httperr.Write(w, r, err)
		return
	}

	if route.Kind == KindDeploy {
		metrics.SetRoute(ctx, "deploy")
		rt.deploy.ServeHTTP(w, r)
		return
	}

	metrics.SetRoute(ctx, "site:"+route.Kind.String())
	rt.site.Serve(w, r, route.Channel.ServingPath())
}

// Hosts lists the hostnames served under base, for startup logging.
func Hosts(base string) []string {
	base = normHost(base)
	return []string{
		base,
		canarySub + "." + base,
		deploySub + "." + base,
		prPrefix + "<id>." + base,
		commitPrefix + "<hash>." + base,
	}
}
