package deploy

import (
	"context"
	"errors"
	"io"
	"net/http"
	"path"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/keithlinneman/sitedeploy/internal/channel"
	"github.com/keithlinneman/sitedeploy/internal/httperr"
	"github.com/keithlinneman/sitedeploy/internal/httpmw"
	"github.com/keithlinneman/sitedeploy/internal/log"
	"github.com/keithlinneman/sitedeploy/internal/token"
	"github.com/keithlinneman/sitedeploy/internal/xerrors"
)

// DeployIDHeader carries the deploy id on every response that reached the pipeline.
const DeployIDHeader = "X-Deploy-Id"

// HandlerOptions configures the deploy HTTP surface.
type HandlerOptions struct {
	// Timeout replaces the server read/write deadlines for one deploy
	// request. Zero keeps the server defaults.
	Timeout time.Duration

	// Middlewares run after the POST check and before routing, e.g. the
	// rate limiter and body cap.
	Middlewares []httpmw.Middleware
}

// NewHandler mounts the deploy endpoints:
//
//	POST /stable, /production  ?version=vX.Y.Z
//	POST /canary               ?commit=<hash>
//	POST /pr                   ?id=<n>
func NewHandler(svc *Service, opts HandlerOptions) http.Handler {
	h := &handler{svc: svc, timeout: opts.Timeout}

	r := chi.NewRouter()
	for _, mw := range opts.Middlewares {
		if mw != nil {
			r.Use(mw)
		}
	}
	r.Post("/stable", h.deploy(h.planStable))
	r.Post("/production", h.deploy(h.planStable))
	r.Post("/canary", h.deploy(h.planCanary))
	r.Post("/pr", h.deploy(h.planPR))
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		httperr.Write(w, r, xerrors.E(xerrors.KindNotFound, "Release channel not found", nil))
	})
	r.MethodNotAllowed(notPost)

	return postOnly(r)
}

// postOnly answers every non-POST with 405, whatever the path.
func postOnly(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			notPost(w, r)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func notPost(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Allow", http.MethodPost)
	httperr.Write(w, r, xerrors.E(xerrors.KindMethodNotAllowed, "Deploy needs to be a POST request.", nil))
}

type handler struct {
	svc     *Service
	timeout time.Duration
}

type planFunc func(r *http.Request) (Plan, error)

func (h *handler) deploy(plan planFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		p, err := plan(r)
		if err != nil {
			httperr.Write(w, r, err)
			return
		}

		tok, err := token.FromRequest(r)
		if err != nil {
			httperr.Write(w, r, err)
			return
		}

		id := uuid.NewString()
		w.Header().Set(DeployIDHeader, id)
		ctx = log.WithContext(ctx, log.FromContext(ctx).With("deploy_id", id))

		if h.timeout > 0 {
			extendDeadlines(ctx, w, h.timeout)
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, h.timeout)
			defer cancel()
		}
		r = r.WithContext(ctx)

		_, err = h.svc.Deploy(ctx, Request{
			ID:       id,
			Plan:     p,
			Token:    tok,
			Body:     r.Body,
			ClientIP: httpmw.ClientIPFromContext(ctx),
		})
		if err != nil {
			httperr.Write(w, r, err)
			return
		}

		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.Header().Set("Cache-Control", "no-store")
		w.WriteHeader(http.StatusOK)
		_, _ = io.WriteString(w, "ok")
	}
}

// extendDeadlines lifts the server-wide timeouts for a long upload.
// Writers that cannot do it (tests, some wrappers) are left alone.
func extendDeadlines(ctx context.Context, w http.ResponseWriter, d time.Duration) {
	rc := http.NewResponseController(w)
	deadline := time.Now().Add(d)
	for _, set := range []func(time.Time) error{rc.SetReadDeadline, rc.SetWriteDeadline} {
		if err := set(deadline); err != nil && !errors.Is(err, http.ErrNotSupported) {
			log.FromContext(ctx).Warn(ctx, "extend deploy deadline failed", "error", err.Error())
		}
	}
}

func (h *handler) planStable(r *http.Request) (Plan, error) {
	ch := channel.Channel{Name: channel.Stable}
	targets := []string{ch.ServingPath()}
	if v := r.URL.Query().Get("version"); v != "" {
		vp := channel.VersionPath(v)
		if vp == "" {
			return Plan{}, xerrors.E(xerrors.KindBadRequest, "Invalid version.", nil)
		}
		targets = append(targets, vp)
	}
	return Plan{Channel: ch, Targets: targets, PurgeHost: ch.Host(h.svc.opts.BaseDomain)}, nil
}

func (h *handler) planCanary(r *http.Request) (Plan, error) {
	ch := channel.Channel{Name: channel.Canary}
	targets := []string{ch.ServingPath()}
	if c := r.URL.Query().Get("commit"); c != "" {
		hash, ok := channel.CommitHash(c)
		if !ok {
			return Plan{}, xerrors.E(xerrors.KindBadRequest, "Invalid commit hash.", nil)
		}
		targets = append(targets, path.Join(channel.CommitsDir, hash))
	}
	return Plan{Channel: ch, Targets: targets, PurgeHost: ch.Host(h.svc.opts.BaseDomain)}, nil
}

func (h *handler) planPR(r *http.Request) (Plan, error) {
	id, err := strconv.Atoi(r.URL.Query().Get("id"))
	if err != nil || id <= 0 {
		return Plan{}, xerrors.E(xerrors.KindBadRequest, "Invalid PR id.", err)
	}
	ch := channel.Channel{Name: channel.PR, PRID: id}
	return Plan{Channel: ch, Targets: []string{ch.ServingPath()}, PurgeHost: ch.Host(h.svc.opts.BaseDomain)}, nil
}
