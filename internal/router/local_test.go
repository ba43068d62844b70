package router

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keithlinneman/sitedeploy/internal/xerrors"
)

func TestIsLocalHost(t *testing.T) {
	for _, h := range []string{"localhost", "localhost:8080", "127.0.0.1:80", "[::1]:8080", "::1", "app.localhost"} {
		assert.True(t, IsLocalHost(h), h)
	}
	for _, h := range []string{"example.test", "localhost.example.test", "10.0.0.1", ""} {
		assert.False(t, IsLocalHost(h), h)
	}
}

func TestRewriteLocal(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "http://localhost:8080/https://canary.example.test/assets/app.js?v=2", nil)
	got, err := RewriteLocal(r)
	require.NoError(t, err)
	assert.Equal(t, "canary.example.test", got.Host)
	assert.Equal(t, "/assets/app.js", got.URL.Path)
	assert.Equal(t, "v=2", got.URL.RawQuery)
	assert.Equal(t, "/assets/app.js?v=2", got.RequestURI)
	assert.Equal(t, "localhost:8080", r.Host, "original request untouched")
}

func TestRewriteLocal_BareHost(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "http://localhost/https://example.test", nil)
	got, err := RewriteLocal(r)
	require.NoError(t, err)
	assert.Equal(t, "/", got.URL.Path)
}

func TestRewriteLocal_Invalid(t *testing.T) {
	for _, p := range []string{"/nope", "/ftp://example.test/", "/https:///x"} {
		r := httptest.NewRequest(http.MethodGet, "http://localhost"+p, nil)
		_, err := RewriteLocal(r)
		require.Error(t, err, p)
		assert.Equal(t, xerrors.KindBadRequest, xerrors.KindOf(err))
		assert.Equal(t, `"`+p[1:]+`" is not a valid URL`, xerrors.Message(err))
	}
}

func TestLocalLinks(t *testing.T) {
	got := localLinks("http://localhost:8080/", base)
	assert.Equal(t, []string{
		"http://localhost:8080/https://example.test/",
		"http://localhost:8080/https://canary.example.test/",
		"http://localhost:8080/https://deploy.example.test/",
		"http://localhost:8080/https://pr-1.example.test/",
	}, got)
}
