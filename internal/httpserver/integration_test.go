package httpserver_test

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/spf13/afero"

	"github.com/keithlinneman/sitedeploy/internal/deploy"
	"github.com/keithlinneman/sitedeploy/internal/httpmw"
	"github.com/keithlinneman/sitedeploy/internal/httpserver"
	"github.com/keithlinneman/sitedeploy/internal/log"
	"github.com/keithlinneman/sitedeploy/internal/metrics"
	"github.com/keithlinneman/sitedeploy/internal/ratelimit"
	"github.com/keithlinneman/sitedeploy/internal/router"
	"github.com/keithlinneman/sitedeploy/internal/sitehandler"
	"github.com/keithlinneman/sitedeploy/internal/token"
)

func archive(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	for name, body := range files {
		if err := tw.WriteHeader(&tar.Header{Name: name, Typeflag: tar.TypeReg, Mode: 0o644, Size: int64(len(body))}); err != nil {
			t.Fatal(err)
		}
		if _, err := io.WriteString(tw, body); err != nil {
			t.Fatal(err)
		}
	}
	if err := tw.Close(); err != nil {
		t.Fatal(err)
	}
	if err := gz.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

// TestIntegration_FullStack wires httpserver.NewHandler around the host
// router, a real deploy service and the site handler on a temp content
// root, then deploys and browses through every middleware layer.
func TestIntegration_FullStack(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	root := t.TempDir()
	fsys := afero.NewOsFs()
	m := metrics.New()

	svc, err := deploy.NewService(deploy.Options{
		FS:         fsys,
		Root:       root,
		BaseDomain: "example.test",
		Digests:    token.Digests{Stable: token.Digest("prod-token")},
		Metrics:    m,
	})
	if err != nil {
		t.Fatalf("deploy.NewService: %v", err)
	}
	limiter := ratelimit.New(ctx, ratelimit.WithRate(1, 3))
	deployH := deploy.NewHandler(svc, deploy.HandlerOptions{
		Middlewares: []httpmw.Middleware{limiter.Middleware, httpmw.MaxBody(1 << 20)},
	})

	site, err := sitehandler.New(sitehandler.Options{Logger: log.Nop(), FS: fsys, Root: root})
	if err != nil {
		t.Fatalf("sitehandler.New: %v", err)
	}
	rt, err := router.New(router.Options{BaseDomain: "example.test", Deploy: deployH, Site: site})
	if err != nil {
		t.Fatalf("router.New: %v", err)
	}

	handler := httpserver.NewHandler(&httpserver.Options{
		Logger:       log.Nop(),
		UseRecoverMW: true,
		MetricsMW:    m.Middleware,
		Handler:      rt,
	})

	do := func(method, url string, body []byte, hdr map[string]string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(method, url, bytes.NewReader(body))
		for k, v := range hdr {
			req.Header.Set(k, v)
		}
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec
	}

	t.Run("empty stable is 404", func(t *testing.T) {
		rec := do("GET", "http://example.test/", nil, nil)
		if rec.Code != http.StatusNotFound {
			t.Fatalf("status = %d, want 404", rec.Code)
		}
	})

	t.Run("deploy stable with version", func(t *testing.T) {
		body := archive(t, map[string]string{
			"index.html": "<html><body>Release 1.4.0</body></html>",
			"style.css":  "body { color: red; }",
			"404.html":   "<html><body>Custom 404</body></html>",
		})
		rec := do("POST", "http://deploy.example.test/production?version=v1.4.0", body, map[string]string{
			"Authorization": "DeployToken prod-token",
		})
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d body = %q", rec.Code, rec.Body.String())
		}
		if rec.Body.String() != "ok" {
			t.Fatalf("body = %q, want ok", rec.Body.String())
		}
		if rec.Header().Get(deploy.DeployIDHeader) == "" {
			t.Fatal("deploy id header missing")
		}
	})

	t.Run("serves deployed index with site headers", func(t *testing.T) {
		rec := do("GET", "http://example.test/", nil, nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d", rec.Code)
		}
		if !strings.Contains(rec.Body.String(), "Release 1.4.0") {
			t.Fatalf("body = %q", rec.Body.String())
		}
		if rec.Header().Get("X-Content-Type-Options") != "nosniff" {
			t.Fatal("nosniff missing")
		}
		if rec.Header().Get("X-Request-Id") == "" {
			t.Fatal("request id missing")
		}
		if cc := rec.Header().Get("Cache-Control"); cc == sitehandler.DefaultAssetCacheControl {
			t.Fatal("html must not get the asset cache policy")
		}
	})

	t.Run("asset gets cache policy and compression", func(t *testing.T) {
		rec := do("GET", "http://example.test/style.css", nil, map[string]string{"Accept-Encoding": "gzip"})
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d", rec.Code)
		}
		if got := rec.Header().Get("Cache-Control"); got != sitehandler.DefaultAssetCacheControl {
			t.Fatalf("Cache-Control = %q", got)
		}
	})

	t.Run("site 404 page", func(t *testing.T) {
		rec := do("GET", "http://example.test/missing", nil, nil)
		if rec.Code != http.StatusNotFound {
			t.Fatalf("status = %d", rec.Code)
		}
		if !strings.Contains(rec.Body.String(), "Custom 404") {
			t.Fatalf("body = %q", rec.Body.String())
		}
	})

	t.Run("versioned host path exists on disk", func(t *testing.T) {
		ok, err := afero.Exists(fsys, root+"/versions/1-4-0/index.html")
		if err != nil || !ok {
			t.Fatalf("versions/1-4-0 not published: %v", err)
		}
	})

	t.Run("unknown host", func(t *testing.T) {
		rec := do("GET", "http://nope.example.test/", nil, nil)
		if rec.Code != http.StatusNotFound {
			t.Fatalf("status = %d", rec.Code)
		}
	})

	t.Run("deploy GET is 405", func(t *testing.T) {
		rec := do("GET", "http://deploy.example.test/stable", nil, nil)
		if rec.Code != http.StatusMethodNotAllowed {
			t.Fatalf("status = %d", rec.Code)
		}
	})

	t.Run("deploy surface is rate limited", func(t *testing.T) {
		var last int
		for i := 0; i < 10; i++ {
			last = do("POST", "http://deploy.example.test/stable", nil, map[string]string{
				"Authorization": "DeployToken wrong",
			}).Code
			if last == http.StatusTooManyRequests {
				break
			}
		}
		if last != http.StatusTooManyRequests {
			t.Fatalf("last status = %d, want 429", last)
		}
		// browsing is not limited
		if rec := do("GET", "http://example.test/", nil, nil); rec.Code != http.StatusOK {
			t.Fatalf("site status = %d after deploy limit", rec.Code)
		}
	})

	t.Run("metrics recorded the deploy", func(t *testing.T) {
		rec := httptest.NewRecorder()
		m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
		body := rec.Body.String()
		if !strings.Contains(body, `deploys_total{channel="stable",result="ok"} 1`) {
			t.Fatalf("deploys_total missing:\n%s", body)
		}
		if !strings.Contains(body, `route="site:stable"`) {
			t.Fatal("site route label missing")
		}
	})
}
