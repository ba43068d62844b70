package router

import (
	"html/template"
	"net/http"
	"net/url"
	"strings"

	"github.com/keithlinneman/sitedeploy/internal/xerrors"
)

// IsLocalHost reports whether host (optionally with a port) is a loopback
// name used during development.
func IsLocalHost(host string) bool {
	h := normHost(host)
	switch h {
	case "localhost", "127.0.0.1", "::1":
		return true
	}
	return strings.HasSuffix(h, ".localhost")
}

// RewriteLocal turns a request for /<scheme>://<host>/<rest> into one for
// that URL so channels can be reached without spoofing the Host header.
// The original query string is kept.
func RewriteLocal(r *http.Request) (*http.Request, error) {
	p := strings.TrimPrefix(r.URL.Path, "/")
	u, err := url.Parse(p)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, xerrors.E(xerrors.KindBadRequest, `"`+p+`" is not a valid URL`, err)
	}
	if u.Path == "" {
		u.Path = "/"
	}
	u.RawQuery = r.URL.RawQuery

	out := r.Clone(r.Context())
	out.URL = u
	out.Host = u.Host
	out.RequestURI = u.RequestURI()
	return out, nil
}

var indexTmpl = template.Must(template.New("index").Parse(`<!DOCTYPE html>
<html>
	<head><title>sitedeploy</title></head>
	<body>
		<p>To visit (sub)domains you can place them in the path next to {{.Self}}</p>
		<ul>
		{{- range .Links}}
			<li><a href="{{.}}">{{.}}</a></li>
		{{- end}}
		</ul>
	</body>
</html>
`))

// localLinks lists the example hosts shown on the local index page.
func localLinks(self, base string) []string {
	hosts := []string{base, canarySub + "." + base, deploySub + "." + base, prPrefix + "1." + base}
	out := make([]string, 0, len(hosts))
	for _, h := range hosts {
		out = append(out, self+"https://"+h+"/")
	}
	return out
}

func serveLocalIndex(w http.ResponseWriter, r *http.Request, base string) {
	self := "http://" + r.Host + "/"
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	if r.Method == http.MethodHead {
		return
	}
	_ = indexTmpl.Execute(w, struct {
		Self  string
		Links []string
	}{self, localLinks(self, base)})
}
