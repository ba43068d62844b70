package sitehandler

import (
	"mime"
	"net/http"
	"path"
	"strings"
)

// cacheWriter decides Cache-Control once the file server has picked a
// Content-Type: anything that is not HTML gets the long asset policy.
// Only 2xx and 304 are cached; errors never are. A 304 carries no
// Content-Type, so the file extension decides there.
type cacheWriter struct {
	http.ResponseWriter
	policy      string
	file        string
	wroteHeader bool
}

func (w *cacheWriter) WriteHeader(code int) {
	if !w.wroteHeader {
		w.wroteHeader = true
		h := w.Header()
		ct := h.Get("Content-Type")
		if ct == "" {
			ct = mime.TypeByExtension(path.Ext(w.file))
		}
		if cacheable(code) && !isHTML(ct) && h.Get("Cache-Control") == "" {
			h.Set("Cache-Control", w.policy)
		}
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *cacheWriter) Write(p []byte) (int, error) {
	if !w.wroteHeader {
		w.WriteHeader(http.StatusOK)
	}
	return w.ResponseWriter.Write(p)
}

func (w *cacheWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }

func cacheable(code int) bool {
	return code == http.StatusNotModified || (code >= 200 && code < 300)
}

func isHTML(contentType string) bool {
	return strings.HasPrefix(strings.ToLower(strings.TrimSpace(contentType)), "text/html")
}

// statusOverrideWriter forces the status of the first WriteHeader; used to
// serve a 404 page through http.ServeFileFS, which always writes 200.
type statusOverrideWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (w *statusOverrideWriter) WriteHeader(code int) {
	if w.wroteHeader {
		w.ResponseWriter.WriteHeader(code)
		return
	}
	w.wroteHeader = true
	w.ResponseWriter.WriteHeader(w.status)
}

func (w *statusOverrideWriter) Write(p []byte) (int, error) {
	if !w.wroteHeader {
		w.WriteHeader(http.StatusOK)
	}
	return w.ResponseWriter.Write(p)
}
