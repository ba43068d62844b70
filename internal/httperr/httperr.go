// Package httperr maps classified errors to HTTP responses. It is the only
// place that turns an xerrors.Kind into a status code.
package httperr

import (
	"net/http"
	"strings"

	"github.com/keithlinneman/sitedeploy/internal/log"
	"github.com/keithlinneman/sitedeploy/internal/token"
	"github.com/keithlinneman/sitedeploy/internal/xerrors"
)

// GenericDeployFailure is the body sent for server-side deploy failures.
const GenericDeployFailure = "Failed to deploy, check the server logs for details."

// Status returns the HTTP status for err's kind.
func Status(err error) int {
	switch xerrors.KindOf(err) {
	case xerrors.KindMissingCredential, xerrors.KindInvalidCredential:
		return http.StatusUnauthorized
	case xerrors.KindBadAuthFormat, xerrors.KindBadRequest,
		xerrors.KindNotGzipped, xerrors.KindPathTraversal:
		return http.StatusBadRequest
	case xerrors.KindNotFound:
		return http.StatusNotFound
	case xerrors.KindMethodNotAllowed:
		return http.StatusMethodNotAllowed
	case xerrors.KindConflict:
		return http.StatusConflict
	case xerrors.KindTooLarge:
		return http.StatusRequestEntityTooLarge
	case xerrors.KindRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// Body returns the client-facing text for err. Classified messages are
// written to be shown; server failures without one get a generic line.
func Body(err error) string {
	kind := xerrors.KindOf(err)
	msg := xerrors.Message(err)
	switch kind {
	case xerrors.KindInternal, xerrors.KindExtractionFailed, xerrors.KindPublishFailed:
		return GenericDeployFailure
	}
	if msg == "" {
		return http.StatusText(Status(err))
	}
	return msg
}

// Write sends err as a plain-text response and logs it. 5xx errors are
// logged at error level with the full chain; client errors at info.
func Write(w http.ResponseWriter, r *http.Request, err error) {
	if err == nil {
		return
	}
	ctx := r.Context()
	L := log.FromContext(ctx)
	status := Status(err)
	kind := xerrors.KindOf(err)

	h := w.Header()
	switch kind {
	case xerrors.KindMissingCredential, xerrors.KindInvalidCredential:
		h.Set("WWW-Authenticate", token.Scheme)
	case xerrors.KindMethodNotAllowed:
		if h.Get("Allow") == "" {
			h.Set("Allow", http.MethodPost)
		}
	case xerrors.KindRateLimited:
		if h.Get("Retry-After") == "" {
			h.Set("Retry-After", "30")
		}
	}
	h.Set("Content-Type", "text/plain; charset=utf-8")
	h.Set("X-Content-Type-Options", "nosniff")
	h.Set("Cache-Control", "no-store")
	w.WriteHeader(status)

	body := Body(err)
	if !strings.HasSuffix(body, "\n") {
		body += "\n"
	}
	_, _ = w.Write([]byte(body))

	if status >= 500 {
		L.Error(ctx, err, "request failed", "status", status, "kind", kind.String())
		return
	}
	L.Info(ctx, "request rejected", "status", status, "kind", kind.String(), "error", err.Error())
}
