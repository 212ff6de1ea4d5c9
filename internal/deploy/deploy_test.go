package deploy

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
)

func TestVerifySignature(t *testing.T) {
	body := []byte(`{"ref":"refs/heads/main"}`)
	sig := Sign("topsecret", body)

	if !VerifySignature("topsecret", body, sig) {
		t.Fatal("expected valid signature")
	}
	for name, tc := range map[string]struct {
		secret, header string
	}{
		"wrong secret":   {"other", sig},
		"missing prefix": {"topsecret", strings.TrimPrefix(sig, "sha256=")},
		"empty header":   {"topsecret", ""},
		"empty secret":   {"", Sign("", body)},
		"truncated":      {"topsecret", sig[:len(sig)-2]},
	} {
		if VerifySignature(tc.secret, body, tc.header) {
			t.Errorf("%s: expected rejection", name)
		}
	}
}

func TestParsePushEvent(t *testing.T) {
	ev, err := ParsePushEvent([]byte(`{"ref":"refs/heads/main","after":"abc"}`))
	if err != nil || ev.Ref != MainRef || ev.After != "abc" {
		t.Fatalf("json: %+v %v", ev, err)
	}

	form := "payload=" + url.QueryEscape(`{"ref":"refs/heads/dev"}`)
	ev, err = ParsePushEvent([]byte(form))
	if err != nil || ev.Ref != "refs/heads/dev" {
		t.Fatalf("form: %+v %v", ev, err)
	}

	if _, err := ParsePushEvent([]byte("garbage")); !errors.Is(err, ErrInvalidJSON) {
		t.Fatalf("expected ErrInvalidJSON, got %v", err)
	}
	if _, err := ParsePushEvent([]byte("payload=%7Bnope")); !errors.Is(err, ErrInvalidPayload) {
		t.Fatalf("expected ErrInvalidPayload, got %v", err)
	}
}

type countingTrigger struct{ n atomic.Int32 }

func (c *countingTrigger) Trigger() bool { c.n.Add(1); return true }

func TestHandler(t *testing.T) {
	const secret = "s"
	trig := &countingTrigger{}
	router := NewHandler(secret, trig, nil).Router()

	send := func(method, path, body, sig string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(method, path, strings.NewReader(body))
		if sig != "" {
			req.Header.Set(SignatureHeader, sig)
		}
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		return w
	}

	main := `{"ref":"refs/heads/main"}`
	tests := []struct {
		name   string
		method string
		path   string
		body   string
		sig    string
		code   int
		want   string
	}{
		{"wrong path", http.MethodPost, "/other", main, Sign(secret, []byte(main)), http.StatusNotFound, "Not found"},
		{"wrong method", http.MethodGet, Path, "", "", http.StatusNotFound, "Not found"},
		{"bad signature", http.MethodPost, Path, main, "sha256=00", http.StatusUnauthorized, "Invalid signature"},
		{"bad json", http.MethodPost, Path, "nope", Sign(secret, []byte("nope")), http.StatusBadRequest, "Invalid JSON"},
		{"other branch", http.MethodPost, Path, `{"ref":"refs/heads/dev"}`, Sign(secret, []byte(`{"ref":"refs/heads/dev"}`)), http.StatusOK, `"skipped":"not main"`},
		{"main", http.MethodPost, Path, main, Sign(secret, []byte(main)), http.StatusOK, `"pulled":"scheduled"`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := send(tt.method, tt.path, tt.body, tt.sig)
			if w.Code != tt.code || !strings.Contains(w.Body.String(), tt.want) {
				t.Fatalf("got %d %q", w.Code, w.Body.String())
			}
		})
	}
	if trig.n.Load() != 1 {
		t.Fatalf("expected exactly one deploy trigger, got %d", trig.n.Load())
	}
}

type stepLog struct {
	mu    sync.Mutex
	steps []string
}

func (l *stepLog) add(s string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.steps = append(l.steps, s)
}

func (l *stepLog) get() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.steps...)
}

type fakePuller struct {
	log   *stepLog
	err   error
	block chan struct{}
}

func (p *fakePuller) Pull(context.Context) error {
	if p.block != nil {
		<-p.block
	}
	p.log.add("pull")
	return p.err
}

type fakeComposer struct{ log *stepLog }

func (c *fakeComposer) Up(context.Context) error { c.log.add("up"); return nil }

type fakeReporter struct{ log *stepLog }

func (r *fakeReporter) Report(context.Context) ([]ServiceStatus, error) {
	r.log.add("status")
	return []ServiceStatus{{Service: "api", State: "running"}}, nil
}

func TestDeployerRunsStepsInOrder(t *testing.T) {
	log := &stepLog{}
	d := NewDeployer(&fakePuller{log: log}, &fakeComposer{log: log}, &fakeReporter{log: log}, nil)

	if !d.Trigger() {
		t.Fatal("expected a new run")
	}
	d.Wait()
	if got := strings.Join(log.get(), ","); got != "pull,up,status" {
		t.Fatalf("unexpected steps %s", got)
	}
}

func TestDeployerStopsWhenPullFails(t *testing.T) {
	log := &stepLog{}
	d := NewDeployer(&fakePuller{log: log, err: errors.New("auth")}, &fakeComposer{log: log}, nil, nil)
	d.Trigger()
	d.Wait()
	if got := strings.Join(log.get(), ","); got != "pull" {
		t.Fatalf("compose must not run after a failed pull, got %s", got)
	}
}

func TestDeployerCoalescesTriggers(t *testing.T) {
	log := &stepLog{}
	block := make(chan struct{})
	d := NewDeployer(&fakePuller{log: log, block: block}, &fakeComposer{log: log}, nil, nil)

	if !d.Trigger() {
		t.Fatal("first trigger must start a run")
	}
	for i := 0; i < 3; i++ {
		if d.Trigger() {
			t.Fatal("triggers during a run must not start another")
		}
	}
	close(block)
	d.Wait()

	if got := strings.Join(log.get(), ","); got != "pull,up,pull,up" {
		t.Fatalf("expected one follow-up run, got %s", got)
	}
}

func TestComposeRunner(t *testing.T) {
	var gotDir, gotName string
	var gotArgs []string
	c := NewComposeRunner("/repo", "/root/myopenclawagent")
	c.Run = func(_ context.Context, dir, name string, args ...string) ([]byte, error) {
		gotDir, gotName, gotArgs = dir, name, args
		return nil, nil
	}

	if err := c.Up(context.Background()); err != nil {
		t.Fatalf("Up: %v", err)
	}
	want := "compose -p myopenclawagent -f docker-compose.yml up -d --build --no-deps nginx api redis"
	if gotDir != "/repo" || gotName != "docker" || strings.Join(gotArgs, " ") != want {
		t.Fatalf("unexpected command %s %s in %s", gotName, gotArgs, gotDir)
	}

	c.Run = func(context.Context, string, string, ...string) ([]byte, error) {
		return []byte("no such service"), errors.New("exit status 1")
	}
	if err := c.Up(context.Background()); err == nil || !strings.Contains(err.Error(), "no such service") {
		t.Fatalf("expected output in error, got %v", err)
	}
}

type fakeDocker struct {
	list []container.Summary
	err  error
	opts container.ListOptions
}

func (f *fakeDocker) ContainerList(_ context.Context, opts container.ListOptions) ([]container.Summary, error) {
	f.opts = opts
	return f.list, f.err
}

func TestStatusReporter(t *testing.T) {
	docker := &fakeDocker{list: []container.Summary{
		{Names: []string{"/site-redis-1"}, State: "running", Status: "Up 2 minutes", Labels: map[string]string{composeServiceLabel: "redis"}},
		{Names: []string{"/site-api-1"}, State: "running", Status: "Up 1 minute", Labels: map[string]string{composeServiceLabel: "api"}},
	}}
	r := NewStatusReporter(docker, "site")

	got, err := r.Report(context.Background())
	if err != nil {
		t.Fatalf("Report: %v", err)
	}
	if len(got) != 2 || got[0].Service != "api" || got[0].Name != "site-api-1" || got[1].State != "running" {
		t.Fatalf("unexpected report %+v", got)
	}
	if !docker.opts.All || !docker.opts.Filters.ExactMatch("label", composeProjectLabel+"=site") {
		t.Fatalf("expected project label filter, got %+v", docker.opts)
	}

	docker.err = errdefs.ErrNotFound
	if got, err := r.Report(context.Background()); err != nil || len(got) != 0 {
		t.Fatalf("not found must yield an empty report, got %+v %v", got, err)
	}

	docker.err = errors.New("daemon down")
	if _, err := r.Report(context.Background()); err == nil {
		t.Fatal("expected error")
	}
}

func TestDeployerTimeoutBounded(t *testing.T) {
	d := NewDeployer(&fakePuller{log: &stepLog{}}, &fakeComposer{log: &stepLog{}}, nil, nil)
	if d.timeout <= 0 || d.timeout > 10*time.Minute {
		t.Fatalf("unexpected deploy timeout %v", d.timeout)
	}
}
