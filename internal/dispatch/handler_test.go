package dispatch

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/offgate/offgate/internal/clients"
	"github.com/offgate/offgate/internal/lazypattern"
	"github.com/offgate/offgate/internal/server"
	"github.com/offgate/offgate/internal/snapshot"

	"github.com/gofiber/fiber/v3"
)

type checkRecorder struct {
	calls atomic.Int32
}

func (r *checkRecorder) Check(ctx context.Context) error {
	r.calls.Add(1)
	return nil
}

type dispatchHarness struct {
	app          *fiber.App
	store        snapshot.Store
	patterns     *lazypattern.Store
	tracker      *clients.Tracker
	trigger      *checkRecorder
	upstreamHits atomic.Int32
	upstream     *httptest.Server
}

func newDispatchHarness(t *testing.T) *dispatchHarness {
	t.Helper()
	h := &dispatchHarness{trigger: &checkRecorder{}}

	h.upstream = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h.upstreamHits.Add(1)
		w.Header().Set("X-Origin", "true")
		io.WriteString(w, "origin "+r.URL.Path)
	}))
	t.Cleanup(h.upstream.Close)

	store, err := snapshot.NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("store error: %v", err)
	}
	h.store = store

	staging, err := store.Stage(context.Background(), "offgate-app--v1")
	if err != nil {
		t.Fatalf("stage error: %v", err)
	}
	for _, key := range []snapshot.Key{{Path: "/app/"}, {Path: "/app/cached.txt"}} {
		err := staging.Put(context.Background(), key, &snapshot.Captured{
			Status: http.StatusOK,
			Header: http.Header{"Content-Type": []string{"text/plain"}},
			Body:   []byte("snapshot " + key.Path),
		})
		if err != nil {
			t.Fatalf("staging put error: %v", err)
		}
	}
	if err := staging.Commit(context.Background()); err != nil {
		t.Fatalf("commit error: %v", err)
	}

	h.patterns, err = lazypattern.Open(t.TempDir(), "app", nil)
	if err != nil {
		t.Fatalf("pattern store error: %v", err)
	}
	t.Cleanup(func() { h.patterns.Close() })

	h.tracker = clients.NewTracker(0)

	upstreamURL, err := url.Parse(h.upstream.URL)
	if err != nil {
		t.Fatalf("parse upstream: %v", err)
	}

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	handler := New(Options{
		Store:    store,
		Registry: snapshot.NewRegistry(store, "/app/", "", 0, nil),
		Patterns: h.patterns,
		Tracker:  h.tracker,
		Trigger:  h.trigger,
		Client:   h.upstream.Client(),
		Upstream: upstreamURL,
		Scope:    "/app/",
		Logger:   logger,
	})

	app, err := server.NewApp(server.AppOptions{
		Logger:     logger,
		Dispatcher: handler,
		ListenPort: 5000,
	})
	if err != nil {
		t.Fatalf("app error: %v", err)
	}
	h.app = app
	return h
}

func (h *dispatchHarness) get(t *testing.T, target string, header map[string]string) *http.Response {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, target, nil)
	for key, value := range header {
		req.Header.Set(key, value)
	}
	resp, err := h.app.Test(req)
	if err != nil {
		t.Fatalf("request %s error: %v", target, err)
	}
	return resp
}

func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return string(body)
}

func TestHandleServesSnapshotHit(t *testing.T) {
	h := newDispatchHarness(t)

	resp := h.get(t, "/app/cached.txt", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected status: %d", resp.StatusCode)
	}
	if resp.Header.Get("X-Offgate-Cache-Hit") != "true" {
		t.Fatal("expected cache hit header")
	}
	if got := readBody(t, resp); got != "snapshot /app/cached.txt" {
		t.Fatalf("unexpected body: %q", got)
	}
	if h.upstreamHits.Load() != 0 {
		t.Fatal("snapshot hit must not reach upstream")
	}
}

func TestHandleMissFallsBackToUpstream(t *testing.T) {
	h := newDispatchHarness(t)

	resp := h.get(t, "/app/other.txt", nil)
	if got := readBody(t, resp); got != "origin /app/other.txt" {
		t.Fatalf("unexpected body: %q", got)
	}
	if resp.Header.Get("X-Offgate-Cache-Hit") != "" {
		t.Fatal("miss must not claim a cache hit")
	}
	if resp.Header.Get("X-Origin") != "true" {
		t.Fatal("upstream headers must pass through")
	}

	// 未命中按需模式的响应不得落盘。
	resp = h.get(t, "/app/other.txt", nil)
	readBody(t, resp)
	if h.upstreamHits.Load() != 2 {
		t.Fatalf("expected both requests to reach upstream, hits=%d", h.upstreamHits.Load())
	}
}

func TestHandleLazyCachesMatchingMiss(t *testing.T) {
	h := newDispatchHarness(t)
	if err := h.patterns.Save([]string{"^/app/api/"}); err != nil {
		t.Fatalf("save patterns: %v", err)
	}

	resp := h.get(t, "/app/api/data?x=1", nil)
	if got := readBody(t, resp); got != "origin /app/api/data" {
		t.Fatalf("unexpected body: %q", got)
	}

	resp = h.get(t, "/app/api/data?x=1", nil)
	if resp.Header.Get("X-Offgate-Cache-Hit") != "true" {
		t.Fatal("second request must be served from snapshot")
	}
	if got := readBody(t, resp); got != "origin /app/api/data" {
		t.Fatalf("cached copy must match original body: %q", got)
	}
	if h.upstreamHits.Load() != 1 {
		t.Fatalf("expected one upstream fetch, hits=%d", h.upstreamHits.Load())
	}

	// 相同路径不同查询串是另一个条目，需要再次回源。
	resp = h.get(t, "/app/api/data?x=2", nil)
	readBody(t, resp)
	if h.upstreamHits.Load() != 2 {
		t.Fatalf("distinct query must miss, hits=%d", h.upstreamHits.Load())
	}
}

func TestHandlePassthroughOutsideScope(t *testing.T) {
	h := newDispatchHarness(t)

	resp := h.get(t, "/other/page", nil)
	if got := readBody(t, resp); got != "origin /other/page" {
		t.Fatalf("unexpected body: %q", got)
	}
	if resp.Header.Get("X-Offgate-Cache-Hit") != "" {
		t.Fatal("out-of-scope request must never hit the cache")
	}
}

func TestHandleNavigationTriggersUpdateCheck(t *testing.T) {
	h := newDispatchHarness(t)

	resp := h.get(t, "/app/", map[string]string{"Sec-Fetch-Mode": "navigate"})
	if resp.Header.Get("X-Offgate-Cache-Hit") != "true" {
		t.Fatal("navigation must be served from snapshot")
	}
	readBody(t, resp)

	deadline := time.Now().Add(2 * time.Second)
	for h.trigger.calls.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if h.trigger.calls.Load() == 0 {
		t.Fatal("navigation must trigger an update check")
	}
}

func TestHandleSubresourceDoesNotTriggerUpdateCheck(t *testing.T) {
	h := newDispatchHarness(t)

	resp := h.get(t, "/app/cached.txt", map[string]string{"Sec-Fetch-Mode": "no-cors"})
	readBody(t, resp)

	time.Sleep(50 * time.Millisecond)
	if h.trigger.calls.Load() != 0 {
		t.Fatal("subresource request must not trigger an update check")
	}
}

func TestHandleUpstreamErrorReturnsBadGateway(t *testing.T) {
	h := newDispatchHarness(t)
	if err := h.store.Delete(context.Background(), "offgate-app--v1"); err != nil {
		t.Fatalf("delete snapshot: %v", err)
	}
	h.upstream.Close()

	resp := h.get(t, "/app/anything", nil)
	if resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("unexpected status: %d", resp.StatusCode)
	}
	readBody(t, resp)
}

func TestIsNavigationRequestAcceptFallback(t *testing.T) {
	h := newDispatchHarness(t)

	resp := h.get(t, "/app/", map[string]string{"Accept": "text/html,application/xhtml+xml"})
	readBody(t, resp)

	deadline := time.Now().Add(2 * time.Second)
	for h.trigger.calls.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if h.trigger.calls.Load() == 0 {
		t.Fatal("Accept header heuristic must classify the request as navigation")
	}
}
