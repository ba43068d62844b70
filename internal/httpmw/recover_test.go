package httpmw

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestRecover(t *testing.T) {
	tests := []struct {
		name  string
		panic any
	}{
		{"string", "something broke"},
		{"error", errors.New("disk gone")},
		{"int", 42},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			L := &captureLogger{}
			panics := 0
			h := Recover(L, func() { panics++ })(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
				panic(tt.panic)
			}))
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/canary", http.NoBody))

			if rec.Code != http.StatusInternalServerError {
				t.Fatalf("status = %d, want 500", rec.Code)
			}
			if panics != 1 {
				t.Fatalf("onPanic called %d times", panics)
			}
			if len(L.errors) != 1 || L.errors[0].msg != "httpserver panic recovered" || L.errors[0].err == nil {
				t.Fatalf("errors = %+v", L.errors)
			}
			if v, _ := field(L.withs, "url.path"); v != "/canary" {
				t.Fatalf("url.path = %v", v)
			}
			if _, ok := field(L.withs, "stack"); !ok {
				t.Fatal("stack not logged")
			}
		})
	}
}

func TestRecover_NoPanic(t *testing.T) {
	L := &captureLogger{}
	h := Recover(L, nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Custom", "value")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte("created"))
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/", http.NoBody))

	if rec.Code != http.StatusCreated || rec.Body.String() != "created" || rec.Header().Get("X-Custom") != "value" {
		t.Fatalf("response altered: %d %q", rec.Code, rec.Body.String())
	}
	if len(L.errors) != 0 {
		t.Fatal("error logged without a panic")
	}
}

func TestRecover_NilLoggerAndCallback(t *testing.T) {
	h := Recover(nil, nil)(http.HandlerFunc(func(http.ResponseWriter, *http.Request) { panic("boom") }))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", http.NoBody))
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestRecover_AbortHandlerRepanics(t *testing.T) {
	h := Recover(&captureLogger{}, nil)(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic(http.ErrAbortHandler)
	}))
	defer func() {
		if rec := recover(); rec != http.ErrAbortHandler {
			t.Fatalf("recovered %v, want ErrAbortHandler", rec)
		}
	}()
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", http.NoBody))
}
