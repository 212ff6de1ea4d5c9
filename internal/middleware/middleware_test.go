package middleware

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"

	"github.com/ashureev/myopenclawagent/internal/abuse"
	"github.com/ashureev/myopenclawagent/internal/cache"
	"github.com/ashureev/myopenclawagent/internal/metrics"
	"github.com/ashureev/myopenclawagent/internal/ratelimit"
	"github.com/ashureev/myopenclawagent/internal/tasks"
	"github.com/ashureev/myopenclawagent/internal/traffic"
)

var okHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
})

func newCache(t *testing.T) (*cache.Accessor, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return cache.NewFromClient(client, time.Second), mr
}

func TestCORS(t *testing.T) {
	h := CORS([]string{"http://localhost:3000"})(okHandler)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/status", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("no-origin request should pass, got %d", rec.Code)
	}

	req.Header.Set("Origin", "http://localhost:3000")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Header().Get("Access-Control-Allow-Origin") != "http://localhost:3000" ||
		rec.Header().Get("Access-Control-Allow-Credentials") != "true" {
		t.Fatalf("missing CORS headers: %v", rec.Header())
	}

	req.Header.Set("Origin", "https://evil.example")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for disallowed origin, got %d", rec.Code)
	}

	pre := httptest.NewRequest(http.MethodOptions, "/api/v1/chat", nil)
	pre.Header.Set("Origin", "http://localhost:3000")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, pre)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected preflight 204, got %d", rec.Code)
	}
}

func TestSecurityHeaders(t *testing.T) {
	rec := httptest.NewRecorder()
	SecurityHeaders(true)(okHandler).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	for header, want := range map[string]string{
		"X-Frame-Options":                   "DENY",
		"X-Download-Options":                "noopen",
		"X-Permitted-Cross-Domain-Policies": "none",
		"X-Content-Type-Options":            "nosniff",
	} {
		if got := rec.Header().Get(header); got != want {
			t.Fatalf("%s: expected %q, got %q", header, want, got)
		}
	}
	if rec.Header().Get("Strict-Transport-Security") == "" {
		t.Fatal("expected HSTS in production")
	}
}

func TestRateLimitMiddleware(t *testing.T) {
	l := ratelimit.NewLimiter(nil, ratelimit.NewMemoryCounter(0), nil, nil)
	defer l.Close()
	rt := ratelimit.Router{General: ratelimit.GeneralPolicy(time.Minute, 3), Exempt: ratelimit.DefaultExempt}
	m := metrics.New()
	h := RateLimit(l, rt, m)(okHandler)

	do := func(path string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		req.RemoteAddr = "192.0.2.1:1234"
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec
	}

	for i := 0; i < 3; i++ {
		if rec := do("/api/v1/chat"); rec.Code != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d", i+1, rec.Code)
		}
	}
	rec := do("/api/v1/chat")
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
	var body struct {
		Error      string `json:"error"`
		RetryAfter int    `json:"retryAfter"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Error == "" || body.RetryAfter != 60 || rec.Header().Get("Retry-After") != "60" {
		t.Fatalf("unexpected 429 response: %+v headers=%v", body, rec.Header())
	}
	if got := testutil.ToFloat64(m.RateLimited.WithLabelValues("general")); got != 1 {
		t.Fatalf("expected rate limited metric 1, got %v", got)
	}

	for i := 0; i < 10; i++ {
		if rec := do("/health"); rec.Code != http.StatusOK {
			t.Fatal("health checks must be exempt")
		}
	}
}

func TestSlowDownDisabled(t *testing.T) {
	l := ratelimit.NewLimiter(nil, ratelimit.NewMemoryCounter(0), nil, nil)
	defer l.Close()
	rt := ratelimit.Router{General: ratelimit.GeneralPolicy(time.Minute, 100)}

	h := SlowDown(l, rt, 0)(okHandler)
	start := time.Now()
	for i := 0; i < 20; i++ {
		h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	}
	if time.Since(start) > time.Second {
		t.Fatal("disabled slow-down must not delay")
	}
}

func TestSlowDownStopsOnCancel(t *testing.T) {
	l := ratelimit.NewLimiter(nil, ratelimit.NewMemoryCounter(0), nil, nil)
	defer l.Close()
	rt := ratelimit.Router{General: ratelimit.GeneralPolicy(time.Minute, 100)}

	called := 0
	h := SlowDown(l, rt, 1)(http.HandlerFunc(func(http.ResponseWriter, *http.Request) { called++ }))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil).WithContext(ctx))
	if called != 1 {
		t.Fatalf("delayed request with cancelled context must not reach the handler, called=%d", called)
	}
}

func TestAbuseMiddleware(t *testing.T) {
	acc, mr := newCache(t)
	d := abuse.NewDetector(acc, nil)
	q := tasks.NewQueue(1, 8, nil)
	m := metrics.New()

	var gotScore int
	var gotBody string
	h := Abuse(d, q, m)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		res, _ := abuse.ResultFromContext(r.Context())
		gotScore = res.Score
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
	}))

	body := `{"message":"<script>alert(1)</script>"}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/chat", strings.NewReader(body))
	req.RemoteAddr = "198.51.100.7:999"
	req.Header.Set("User-Agent", "Mozilla/5.0")
	h.ServeHTTP(httptest.NewRecorder(), req)

	if gotScore != 5 {
		t.Fatalf("expected score 5, got %d", gotScore)
	}
	if gotBody != body {
		t.Fatalf("handler must see the full body, got %q", gotBody)
	}
	if err := q.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if items, _ := mr.List("abuse:log"); len(items) != 1 {
		t.Fatalf("expected one abuse log entry, got %d", len(items))
	}
	if got := testutil.ToFloat64(m.AbuseFlagged); got != 1 {
		t.Fatalf("expected abuse metric 1, got %v", got)
	}

	if err := d.Block(context.Background(), "198.51.100.7"); err != nil {
		t.Fatalf("Block: %v", err)
	}
	rec := httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/health", nil)
	req.RemoteAddr = "198.51.100.7:999"
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for blocked ip, got %d", rec.Code)
	}
}

func TestTrafficUsesRoutePattern(t *testing.T) {
	acc, mr := newCache(t)
	q := tasks.NewQueue(1, 8, nil)

	r := chi.NewRouter()
	r.Use(Traffic(traffic.NewLogger(acc), q))
	r.Get("/api/v1/agent/{id}", func(w http.ResponseWriter, _ *http.Request) {})

	for _, id := range []string{"a", "b"} {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/agent/"+id, nil)
		r.ServeHTTP(httptest.NewRecorder(), req)
	}
	if err := q.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if got, _ := mr.Get("traffic:path:/api/v1/agent/{id}"); got != "2" {
		t.Fatalf("expected pattern counter 2, got %q", got)
	}
	if got, _ := mr.Get("traffic:total"); got != "2" {
		t.Fatalf("expected total 2, got %q", got)
	}
}

func TestMetricsMiddleware(t *testing.T) {
	m := metrics.New()
	r := chi.NewRouter()
	r.Use(Metrics(m))
	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })

	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/health", nil))
	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/nope", nil))

	if got := testutil.ToFloat64(m.HTTPRequests.WithLabelValues("GET", "/health", "200")); got != 1 {
		t.Fatalf("expected 1 health request, got %v", got)
	}
	if got := testutil.ToFloat64(m.HTTPRequests.WithLabelValues("GET", "unmatched", "404")); got != 1 {
		t.Fatalf("expected 1 unmatched request, got %v", got)
	}
	if active, total := m.Requests(); active != 0 || total != 2 {
		t.Fatalf("expected active=0 total=2, got %d %d", active, total)
	}
}
