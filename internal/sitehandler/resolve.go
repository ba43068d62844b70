package sitehandler

import (
	"io/fs"
	"path"
	"strings"

	"github.com/keithlinneman/sitedeploy/internal/pathutil"
)

// resolution is what a URL path maps to inside a channel tree. Exactly
// one field is set.
type resolution struct {
	File     string // file to serve, relative, no leading slash
	Redirect string // canonical URL path to redirect to
	Dir      string // directory without an index, as a slash-rooted path
}

// resolvePath maps a URL path to a file, a redirect or a directory
// listing. ok is false for unsafe paths and missing entries.
func resolvePath(urlPath string, fsys fs.FS) (res resolution, ok bool) {
	p := urlPath
	if p == "" {
		p = "/"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}

	if strings.Contains(p, "\x00") || strings.Contains(p, "\\") {
		return resolution{}, false
	}
	if pathutil.HasDotSegments(p) {
		return resolution{}, false
	}

	trailingSlash := strings.HasSuffix(p, "/")
	clean := path.Clean(p)
	rel := strings.TrimPrefix(clean, "/")

	if trailingSlash || clean == "/" {
		dir := rel
		if dir == "" {
			dir = "."
		}
		if !isDir(fsys, dir) {
			return resolution{}, false
		}
		if index := path.Join(rel, "index.html"); isFile(fsys, index) {
			return resolution{File: index}, true
		}
		d := clean
		if d != "/" {
			d += "/"
		}
		return resolution{Dir: d}, true
	}

	if isFile(fsys, rel) {
		return resolution{File: rel}, true
	}
	// directory named without its slash: redirect to the canonical form
	if isDir(fsys, rel) {
		return resolution{Redirect: clean + "/"}, true
	}
	return resolution{}, false
}

func isFile(fsys fs.FS, name string) bool {
	if name == "" || !fs.ValidPath(name) {
		return false
	}
	info, err := fs.Stat(fsys, name)
	return err == nil && !info.IsDir()
}

func isDir(fsys fs.FS, name string) bool {
	if !fs.ValidPath(name) {
		return false
	}
	info, err := fs.Stat(fsys, name)
	return err == nil && info.IsDir()
}
