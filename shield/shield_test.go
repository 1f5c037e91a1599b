// WHAT: the middleware stack pieces: security headers, the DB-driven rate
// limiter, IP extraction, JSON body caps and HEAD conversion.
// WHY: the chat endpoint is public and unauthenticated; the limiter and the
// body cap are the only things between it and an abusive client.
package shield

import (
	"database/sql"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	_ "modernc.org/sqlite"
)

func setupDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	if err := Init(db); err != nil {
		t.Fatal(err)
	}
	return db
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestSecurityHeaders(t *testing.T) {
	h := SecurityHeaders(DefaultHeaders())(okHandler())
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/api/chat", nil))

	if got := rec.Header().Get("X-Content-Type-Options"); got != "nosniff" {
		t.Errorf("X-Content-Type-Options = %q", got)
	}
	if got := rec.Header().Get("Content-Security-Policy"); !strings.Contains(got, "default-src 'none'") {
		t.Errorf("CSP = %q", got)
	}
}

func TestRateLimiterUnconfiguredEndpointUnlimited(t *testing.T) {
	rl := NewRateLimiter(setupDB(t))
	h := rl.Middleware(okHandler())

	for i := 0; i < 100; i++ {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest("GET", "/health", nil))
		if rec.Code != http.StatusOK {
			t.Fatalf("request %d: code = %d", i, rec.Code)
		}
	}
}

func TestRateLimiterBlocksPastLimit(t *testing.T) {
	db := setupDB(t)
	if _, err := db.Exec(
		`INSERT INTO rate_limits (endpoint, max_requests, window_seconds, enabled) VALUES ('POST /api/chat', 2, 60, 1)`,
	); err != nil {
		t.Fatal(err)
	}
	rl := NewRateLimiter(db)
	h := rl.Middleware(okHandler())

	req := func() *http.Request {
		r := httptest.NewRequest("POST", "/api/chat", nil)
		r.RemoteAddr = "203.0.113.9:1234"
		return r
	}
	for i := 0; i < 2; i++ {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req())
		if rec.Code != http.StatusOK {
			t.Fatalf("request %d: code = %d, want 200", i, rec.Code)
		}
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req())
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("third request: code = %d, want 429", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("429 should carry Retry-After")
	}

	// A different IP has its own bucket.
	other := httptest.NewRequest("POST", "/api/chat", nil)
	other.RemoteAddr = "198.51.100.7:9999"
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, other)
	if rec.Code != http.StatusOK {
		t.Errorf("other ip: code = %d, want 200", rec.Code)
	}
}

func TestRateLimiterExcludedPrefix(t *testing.T) {
	db := setupDB(t)
	if _, err := db.Exec(
		`INSERT INTO rate_limits (endpoint, max_requests, window_seconds, enabled) VALUES ('GET /health', 1, 60, 1)`,
	); err != nil {
		t.Fatal(err)
	}
	rl := NewRateLimiter(db, "/health")
	h := rl.Middleware(okHandler())

	for i := 0; i < 5; i++ {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest("GET", "/health", nil))
		if rec.Code != http.StatusOK {
			t.Fatalf("excluded path limited on request %d", i)
		}
	}
}

func TestExtractIP(t *testing.T) {
	r := httptest.NewRequest("GET", "/", nil)
	r.RemoteAddr = "192.0.2.1:5555"
	if got := ExtractIP(r); got != "192.0.2.1" {
		t.Errorf("ExtractIP = %q", got)
	}

	r.Header.Set("X-Forwarded-For", "203.0.113.5, 10.0.0.1")
	if got := ExtractIP(r); got != "203.0.113.5" {
		t.Errorf("ExtractIP with XFF = %q", got)
	}
}

func TestMaxJSONBody(t *testing.T) {
	h := MaxJSONBody(16)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, err := io.ReadAll(r.Body); err != nil {
			w.WriteHeader(http.StatusRequestEntityTooLarge)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))

	big := httptest.NewRequest("POST", "/api/chat", strings.NewReader(strings.Repeat("x", 64)))
	big.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, big)
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("oversized JSON body: code = %d, want 413", rec.Code)
	}
}

func TestHeadToGet(t *testing.T) {
	var method string
	h := HeadToGet(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		method = r.Method
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("HEAD", "/health", nil))
	if method != http.MethodGet {
		t.Errorf("method = %q, want GET", method)
	}
}

func TestGetLoggerFallback(t *testing.T) {
	req := httptest.NewRequest("GET", "/", nil)
	if GetLogger(req.Context()) == nil {
		t.Error("GetLogger must fall back to the default logger")
	}
}
