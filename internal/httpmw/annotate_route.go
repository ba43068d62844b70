package httpmw

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/keithlinneman/sitedeploy/internal/metrics"
)

// routeName prefers the chi pattern, then the label the hostname router
// set, then "unmatched". Raw paths are never used; they are unbounded.
func routeName(r *http.Request) string {
	ctx := r.Context()
	if rc := chi.RouteContext(ctx); rc != nil {
		if p := rc.RoutePattern(); p != "" {
			return p
		}
	}
	if l := metrics.RouteFromContext(ctx); l != "" {
		return l
	}
	return "unmatched"
}

// withRouteContext installs an empty chi route context when none exists so
// a chi router further down fills in one this middleware can read back.
func withRouteContext(r *http.Request) *http.Request {
	if chi.RouteContext(r.Context()) != nil {
		return r
	}
	return r.WithContext(context.WithValue(r.Context(), chi.RouteCtxKey, chi.NewRouteContext()))
}

// AnnotateHTTPRoute names the server span after the route once the
// handler has run and the route is known.
func AnnotateHTTPRoute(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r = withRouteContext(r)
		next.ServeHTTP(w, r)

		span := trace.SpanFromContext(r.Context())
		if !span.IsRecording() {
			return
		}
		route := routeName(r)
		span.SetAttributes(attribute.String("http.route", route))
		span.SetName(r.Method + " " + route)
	})
}
