package sitehandler

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestCacheWriter(t *testing.T) {
	tests := []struct {
		name   string
		ct     string
		file   string
		status int
		want   string
	}{
		{"js", "text/javascript; charset=utf-8", "app.js", 200, "P"},
		{"html", "text/html; charset=utf-8", "index.html", 200, ""},
		{"html uppercase", "TEXT/HTML", "x", 200, ""},
		{"partial content", "video/mp4", "a.mp4", 206, "P"},
		{"304 asset by extension", "", "app.css", 304, "P"},
		{"304 html by extension", "", "index.html", 304, ""},
		{"error", "text/plain", "x.txt", 500, ""},
		{"not found", "text/plain", "x.txt", 404, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			cw := &cacheWriter{ResponseWriter: rec, policy: "P", file: tt.file}
			if tt.ct != "" {
				cw.Header().Set("Content-Type", tt.ct)
			}
			cw.WriteHeader(tt.status)
			if got := rec.Header().Get("Cache-Control"); got != tt.want {
				t.Fatalf("Cache-Control = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestCacheWriter_ImplicitHeaderAndExisting(t *testing.T) {
	rec := httptest.NewRecorder()
	cw := &cacheWriter{ResponseWriter: rec, policy: "P", file: "a.png"}
	cw.Header().Set("Content-Type", "image/png")
	_, _ = cw.Write([]byte("png"))
	if rec.Header().Get("Cache-Control") != "P" || rec.Code != http.StatusOK {
		t.Fatalf("implicit write: %d %q", rec.Code, rec.Header().Get("Cache-Control"))
	}

	rec = httptest.NewRecorder()
	cw = &cacheWriter{ResponseWriter: rec, policy: "P"}
	cw.Header().Set("Cache-Control", "no-cache")
	cw.WriteHeader(200)
	if got := rec.Header().Get("Cache-Control"); got != "no-cache" {
		t.Fatalf("existing header overwritten: %q", got)
	}
	if cw.Unwrap() != rec {
		t.Fatal("Unwrap")
	}
}

func TestStatusOverrideWriter(t *testing.T) {
	rec := httptest.NewRecorder()
	sw := &statusOverrideWriter{ResponseWriter: rec, status: http.StatusNotFound}
	_, _ = sw.Write([]byte("page"))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}
