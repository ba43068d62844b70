// Package purge invalidates edge caches after a publish.
package purge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/keithlinneman/sitedeploy/internal/xerrors"
)

const (
	DefaultEndpoint = "https://api.cloudflare.com/client/v4"
	DefaultTimeout  = 5 * time.Second

	maxResponseBytes = 1 << 20
)

// Purger evicts a single URL from the CDN cache.
type Purger interface {
	Purge(ctx context.Context, url string) error
}

// ServiceWorkerURL is the URL purged after deploying to host. Clients pick
// up new releases through the service worker, so it is the only file that
// must not be served stale.
func ServiceWorkerURL(host string) string {
	return "https://" + host + "/sw.js"
}

// Cloudflare purges files through the zone purge_cache API. With no zone
// or token configured it is a no-op.
type Cloudflare struct {
	zone     string
	token    string
	endpoint string
	timeout  time.Duration
	client   *http.Client
}

type Option func(*Cloudflare)

// WithEndpoint overrides the API base URL.
func WithEndpoint(u string) Option {
	return func(c *Cloudflare) { c.endpoint = strings.TrimRight(u, "/") }
}

// WithTimeout overrides the per-purge deadline.
func WithTimeout(d time.Duration) Option {
	return func(c *Cloudflare) { c.timeout = d }
}

// WithHTTPClient replaces the traced default client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Cloudflare) { c.client = hc }
}

func NewCloudflare(zone, token string, opts ...Option) *Cloudflare {
	c := &Cloudflare{
		zone:     strings.TrimSpace(zone),
		token:    strings.TrimSpace(token),
		endpoint: DefaultEndpoint,
		timeout:  DefaultTimeout,
		client:   &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Enabled reports whether purges are sent.
func (c *Cloudflare) Enabled() bool {
	return c != nil && c.zone != "" && c.token != ""
}

type purgeRequest struct {
	Files []string `json:"files"`
}

type apiMessage struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type purgeResponse struct {
	Success bool         `json:"success"`
	Errors  []apiMessage `json:"errors"`
}

// Purge evicts url. Failures are KindPurgeFailed.
func (c *Cloudflare) Purge(ctx context.Context, url string) error {
	if !c.Enabled() {
		return nil
	}
	if err := c.purge(ctx, url); err != nil {
		return xerrors.E(xerrors.KindPurgeFailed, "Failed to purge Cloudflare cache. check the server logs for details.", err)
	}
	return nil
}

func (c *Cloudflare) purge(ctx context.Context, url string) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	body, err := json.Marshal(purgeRequest{Files: []string{url}})
	if err != nil {
		return xerrors.Wrap(err, "encode purge request")
	}

	endpoint := fmt.Sprintf("%s/zones/%s/purge_cache", c.endpoint, c.zone)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return xerrors.Wrap(err, "build purge request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.client.Do(req)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return xerrors.Newf("cloudflare timed out after %s while purging %s", c.timeout, url)
		}
		return xerrors.Wrapf(err, "purge %s", url)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return xerrors.Newf("cloudflare returned status %d purging %s", resp.StatusCode, url)
	}

	var out purgeResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(&out); err != nil {
		return xerrors.Wrap(err, "decode purge response")
	}
	if !out.Success {
		msgs := make([]string, 0, len(out.Errors))
		for _, e := range out.Errors {
			msgs = append(msgs, fmt.Sprintf("%d: %s", e.Code, e.Message))
		}
		return xerrors.Newf("cloudflare responded with an error: %s", strings.Join(msgs, "; "))
	}
	return nil
}

// Nop never purges.
type Nop struct{}

func (Nop) Purge(context.Context, string) error { return nil }
