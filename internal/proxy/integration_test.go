package proxy

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gofiber/fiber/v3"

	"github.com/offline-agent/offline-agent/internal/agent"
	"github.com/offline-agent/offline-agent/internal/cache"
	"github.com/offline-agent/offline-agent/internal/config"
	"github.com/offline-agent/offline-agent/internal/fetch"
	"github.com/offline-agent/offline-agent/internal/lifecycle"
	"github.com/offline-agent/offline-agent/internal/logging"
	"github.com/offline-agent/offline-agent/internal/server"
)

type stack struct {
	app     *fiber.App
	agent   *agent.Agent
	storage cache.Storage
	hits    *atomic.Int64
}

// newStack wires an origin server, the network client, a runtime with one
// registered agent and the Fiber app.
func newStack(t *testing.T) *stack {
	t.Helper()

	var originHits atomic.Int64
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		originHits.Add(1)
		switch r.URL.Path {
		case "/index.html":
			w.Header().Set("Content-Type", "text/html")
			_, _ = w.Write([]byte("<h1>app</h1>"))
		case "/manifest.json":
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"name":"app"}`))
		case "/account":
			user := "guest"
			if cookie, err := r.Cookie("session"); err == nil {
				user = cookie.Value
				w.Header().Set("Set-Cookie", "token=secret-of-"+user)
			}
			w.Header().Set("Cache-Control", "private, no-store")
			_, _ = w.Write([]byte("account of " + user))
		case "/profile":
			_, _ = w.Write([]byte("profile of " + r.Header.Get("Authorization")))
		case "/late.js":
			_, _ = w.Write([]byte("console.log(1)"))
		case "/api/items":
			body, _ := io.ReadAll(r.Body)
			w.WriteHeader(http.StatusCreated)
			_, _ = w.Write(body)
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(origin.Close)

	cfg := &config.Config{
		Global: config.GlobalConfig{UpstreamTimeout: config.Duration(5 * time.Second)},
		Agent: config.AgentConfig{
			Origin:    origin.URL,
			CacheName: "app-cache-v1",
			Assets:    []string{"./index.html", "/missing.png", "/manifest.json"},
		},
	}
	opts, err := agent.OptionsFromConfig(cfg)
	if err != nil {
		t.Fatalf("options: %v", err)
	}

	logger := logging.Discard()
	storage := cache.NewMemoryStorage()
	network := fetch.NewClient(cfg)
	rt := lifecycle.NewRuntime(network, logger)
	a, err := agent.New(opts, storage, network, logger)
	if err != nil {
		t.Fatalf("agent: %v", err)
	}
	if err := rt.Register(context.Background(), opts.CacheName, a); err != nil {
		t.Fatalf("register: %v", err)
	}
	t.Cleanup(func() { _ = rt.Close(context.Background()) })

	app, err := server.NewApp(server.AppOptions{
		Logger:     logger,
		Proxy:      NewHandler(rt, cfg.Agent.OriginURL(), logger),
		ListenPort: 5000,
	})
	if err != nil {
		t.Fatalf("app: %v", err)
	}
	return &stack{app: app, agent: a, storage: storage, hits: &originHits}
}

func (s *stack) do(t *testing.T, method, target string, body io.Reader) (*http.Response, string) {
	t.Helper()
	resp, err := s.app.Test(httptest.NewRequest(method, "http://agent.local"+target, body))
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	raw, _ := io.ReadAll(resp.Body)
	return resp, string(raw)
}

func TestProxyServesPrecachedAssets(t *testing.T) {
	s := newStack(t)
	afterInstall := s.hits.Load()

	resp, body := s.do(t, http.MethodGet, "/index.html", nil)
	if resp.StatusCode != http.StatusOK || body != "<h1>app</h1>" {
		t.Fatalf("unexpected response %d %s", resp.StatusCode, body)
	}
	if resp.Header.Get(HeaderCacheStatus) != CacheHit || resp.Header.Get(HeaderGeneration) != "app-cache-v1" {
		t.Fatalf("expected hit from app-cache-v1, got %q %q",
			resp.Header.Get(HeaderCacheStatus), resp.Header.Get(HeaderGeneration))
	}
	if resp.Header.Get("X-Request-ID") == "" {
		t.Fatalf("missing request id")
	}
	if s.hits.Load() != afterInstall {
		t.Fatalf("cache hit must not reach the origin")
	}
}

func TestProxyStoresMissesForLaterHits(t *testing.T) {
	s := newStack(t)

	resp, body := s.do(t, http.MethodGet, "/late.js", nil)
	if resp.Header.Get(HeaderCacheStatus) != CacheMiss || body != "console.log(1)" {
		t.Fatalf("first request should miss, got %q %s", resp.Header.Get(HeaderCacheStatus), body)
	}
	if err := s.agent.Flush(context.Background()); err != nil {
		t.Fatalf("flush: %v", err)
	}

	resp, body = s.do(t, http.MethodGet, "/late.js", nil)
	if resp.Header.Get(HeaderCacheStatus) != CacheHit || body != "console.log(1)" {
		t.Fatalf("second request should hit, got %q %s", resp.Header.Get(HeaderCacheStatus), body)
	}
}

func TestProxyNeverStoresNotFound(t *testing.T) {
	s := newStack(t)

	resp, _ := s.do(t, http.MethodGet, "/missing.png", nil)
	if resp.StatusCode != http.StatusNotFound || resp.Header.Get(HeaderCacheStatus) != CacheMiss {
		t.Fatalf("expected relayed 404 miss, got %d %q", resp.StatusCode, resp.Header.Get(HeaderCacheStatus))
	}
	_ = s.agent.Flush(context.Background())

	store, _ := s.storage.Open(context.Background(), "app-cache-v1")
	keys, _ := store.Keys(context.Background())
	for _, key := range keys {
		if strings.HasSuffix(key, "/missing.png") {
			t.Fatalf("404 response must not be stored")
		}
	}
	if len(keys) != 2 {
		t.Fatalf("expected only the precached assets, got %v", keys)
	}
}

func TestProxyForwardsNonGET(t *testing.T) {
	s := newStack(t)

	resp, body := s.do(t, http.MethodPost, "/api/items", strings.NewReader(`{"a":1}`))
	if resp.StatusCode != http.StatusCreated || body != `{"a":1}` {
		t.Fatalf("unexpected POST response %d %s", resp.StatusCode, body)
	}
	if resp.Header.Get(HeaderCacheStatus) != CacheBypass {
		t.Fatalf("POST should bypass the cache")
	}
}

func TestProxyNeverSharesPersonalResponses(t *testing.T) {
	s := newStack(t)

	alice := httptest.NewRequest(http.MethodGet, "http://agent.local/account", nil)
	alice.Header.Set("Cookie", "session=alice")
	resp, err := s.app.Test(alice)
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	raw, _ := io.ReadAll(resp.Body)
	if string(raw) != "account of alice" {
		t.Fatalf("unexpected body for alice: %s", raw)
	}
	if err := s.agent.Flush(context.Background()); err != nil {
		t.Fatalf("flush: %v", err)
	}

	resp, body := s.do(t, http.MethodGet, "/account", nil)
	if body != "account of guest" || resp.Header.Get(HeaderCacheStatus) != CacheMiss {
		t.Fatalf("second client got %q (cache %s)", body, resp.Header.Get(HeaderCacheStatus))
	}
	if cookie := resp.Header.Get("Set-Cookie"); strings.Contains(cookie, "alice") {
		t.Fatalf("second client received another user's cookie: %s", cookie)
	}
}

func TestProxyNeverSharesAuthorizedResponses(t *testing.T) {
	s := newStack(t)

	carol := httptest.NewRequest(http.MethodGet, "http://agent.local/profile", nil)
	carol.Header.Set("Authorization", "Bearer carol")
	if _, err := s.app.Test(carol); err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	_ = s.agent.Flush(context.Background())

	resp, body := s.do(t, http.MethodGet, "/profile", nil)
	if strings.Contains(body, "carol") || resp.Header.Get(HeaderCacheStatus) != CacheMiss {
		t.Fatalf("anonymous client got %q (cache %s)", body, resp.Header.Get(HeaderCacheStatus))
	}
}
