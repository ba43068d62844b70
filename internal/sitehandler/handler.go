// Package sitehandler serves a channel's published tree: index files,
// directory listings, a per-site 404 page and the asset cache policy.
package sitehandler

import (
	"io/fs"
	"net/http"
	"path"

	"github.com/spf13/afero"
)

type Handler struct {
	opts Options
}

func New(opts Options) (*Handler, error) {
	opts.setDefaults()
	if err := opts.validate(); err != nil {
		return nil, err
	}
	return &Handler{opts: opts}, nil
}

// For returns a handler serving the tree at servingPath under Root.
func (h *Handler) For(servingPath string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h.Serve(w, r, servingPath)
	})
}

// Serve answers r from the channel directory servingPath.
func (h *Handler) Serve(w http.ResponseWriter, r *http.Request, servingPath string) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.Header().Set("Allow", "GET, HEAD")
		w.Header().Set("Cache-Control", "no-store")
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	siteDir := path.Join(h.opts.Root, servingPath)
	if ok, err := afero.DirExists(h.opts.FS, siteDir); err != nil || !ok {
		// channel never deployed (or a PR/commit that does not exist)
		h.plainNotFound(w)
		return
	}
	siteFs := afero.NewBasePathFs(h.opts.FS, siteDir)
	siteFS := afero.NewIOFS(siteFs)

	res, ok := resolvePath(r.URL.Path, siteFS)
	switch {
	case !ok:
		h.serveNotFound(w, r, siteFS)
	case res.Redirect != "":
		target := res.Redirect
		if q := r.URL.RawQuery; q != "" {
			target += "?" + q
		}
		http.Redirect(w, r, target, http.StatusPermanentRedirect)
	case res.Dir != "":
		if h.opts.DisableListing {
			h.serveNotFound(w, r, siteFS)
			return
		}
		h.serveListing(w, r, siteFs, res.Dir)
	default:
		cw := &cacheWriter{ResponseWriter: w, policy: h.opts.AssetCacheControl, file: res.File}
		http.ServeFileFS(cw, r, siteFS, res.File)
	}
}

// serveListing renders an index-less directory with the stdlib file
// server over afero's http.FileSystem adapter.
func (h *Handler) serveListing(w http.ResponseWriter, r *http.Request, siteFs afero.Fs, dir string) {
	r2 := r.Clone(r.Context())
	r2.URL.Path = dir
	r2.URL.RawPath = ""
	w.Header().Set("Cache-Control", "no-cache")
	http.FileServer(afero.NewHttpFs(siteFs)).ServeHTTP(w, r2)
}

func (h *Handler) serveNotFound(w http.ResponseWriter, r *http.Request, siteFS fs.FS) {
	w.Header().Set("Cache-Control", "no-store")
	if isFile(siteFS, h.opts.Site404File) {
		sw := &statusOverrideWriter{ResponseWriter: w, status: http.StatusNotFound}
		http.ServeFileFS(sw, r, siteFS, h.opts.Site404File)
		return
	}
	h.plainNotFound(w)
}

func (h *Handler) plainNotFound(w http.ResponseWriter) {
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusNotFound)
	_, _ = w.Write([]byte("404 page not found\n"))
}
