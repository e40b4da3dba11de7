package fetch

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/offline-agent/offline-agent/internal/cache"
	"github.com/offline-agent/offline-agent/internal/config"
)

func newTestClient(origin string) *Client {
	return NewClient(&config.Config{
		Global: config.GlobalConfig{UpstreamTimeout: config.Duration(5 * time.Second)},
		Agent:  config.AgentConfig{Origin: origin},
	})
}

func getRequest(t *testing.T, raw string) *http.Request {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, raw, nil)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	return req
}

func TestNewClientUsesConfigTimeout(t *testing.T) {
	cfg := &config.Config{
		Global: config.GlobalConfig{
			UpstreamTimeout: config.Duration(45 * time.Second),
		},
	}

	client := NewClient(cfg)
	if client.Timeout() != 45*time.Second {
		t.Fatalf("expected timeout 45s, got %s", client.Timeout())
	}
	if NewClient(nil).Timeout() != 30*time.Second {
		t.Fatalf("expected default timeout 30s")
	}
}

func TestFetchSameOriginIsBasic(t *testing.T) {
	var seen http.Header
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = r.Header.Clone()
		w.Header().Set("Content-Type", "text/html")
		w.Header().Set("Keep-Alive", "timeout=5")
		_, _ = w.Write([]byte("<h1>app</h1>"))
	}))
	defer origin.Close()

	req := getRequest(t, origin.URL+"/index.html")
	req.Header.Set("Accept-Encoding", "br")
	req.Header.Set("Proxy-Authorization", "secret")
	req.Header.Set("X-Custom", "1")

	resp, err := newTestClient(origin.URL).Fetch(context.Background(), req)
	if err != nil {
		t.Fatalf("fetch failed: %v", err)
	}
	if resp.Type != cache.TypeBasic || resp.Status != http.StatusOK {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if string(resp.Body) != "<h1>app</h1>" {
		t.Fatalf("unexpected body: %q", resp.Body)
	}
	if resp.Redirected {
		t.Fatalf("direct response should not be marked redirected")
	}
	if resp.Header.Get("Keep-Alive") != "" || resp.Header.Get("Content-Length") != "" {
		t.Fatalf("hop-by-hop and length headers should be dropped: %v", resp.Header)
	}

	if seen.Get("Proxy-Authorization") != "" {
		t.Fatalf("hop-by-hop request header leaked upstream")
	}
	if seen.Get("Accept-Encoding") == "br" {
		t.Fatalf("client Accept-Encoding should not be forwarded")
	}
	if seen.Get("X-Custom") != "1" {
		t.Fatalf("end-to-end header should be forwarded")
	}
	if seen.Get("Origin") != "" {
		t.Fatalf("same-origin requests should not carry Origin")
	}
	if !strings.HasPrefix(seen.Get("User-Agent"), "offline-agent/") {
		t.Fatalf("missing agent user agent, got %q", seen.Get("User-Agent"))
	}
}

func TestFetchClassifiesCrossOrigin(t *testing.T) {
	var seenOrigin string
	cdn := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seenOrigin = r.Header.Get("Origin")
		if r.URL.Path == "/cors.js" {
			w.Header().Set("Access-Control-Allow-Origin", "*")
		}
		_, _ = w.Write([]byte("lib"))
	}))
	defer cdn.Close()

	client := newTestClient("https://app.example")

	corsResp, err := client.Fetch(context.Background(), getRequest(t, cdn.URL+"/cors.js"))
	if err != nil {
		t.Fatalf("fetch failed: %v", err)
	}
	if corsResp.Type != cache.TypeCORS {
		t.Fatalf("expected cors, got %s", corsResp.Type)
	}
	if seenOrigin != "https://app.example" {
		t.Fatalf("cross-origin requests should carry Origin, got %q", seenOrigin)
	}

	opaqueResp, err := client.Fetch(context.Background(), getRequest(t, cdn.URL+"/plain.js"))
	if err != nil {
		t.Fatalf("fetch failed: %v", err)
	}
	if opaqueResp.Type != cache.TypeOpaque || cache.Storable(opaqueResp) {
		t.Fatalf("expected non-storable opaque response, got %s", opaqueResp.Type)
	}
}

func TestFetchMarksRedirects(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/old" {
			http.Redirect(w, r, "/new", http.StatusFound)
			return
		}
		_, _ = w.Write([]byte("new"))
	}))
	defer origin.Close()

	resp, err := newTestClient(origin.URL).Fetch(context.Background(), getRequest(t, origin.URL+"/old"))
	if err != nil {
		t.Fatalf("fetch failed: %v", err)
	}
	if !resp.Redirected || !strings.HasSuffix(resp.URL, "/new") {
		t.Fatalf("expected redirected response to /new, got %+v", resp)
	}
}

func TestFetchReturnsNotFoundWithoutError(t *testing.T) {
	origin := httptest.NewServer(http.NotFoundHandler())
	defer origin.Close()

	resp, err := newTestClient(origin.URL).Fetch(context.Background(), getRequest(t, origin.URL+"/missing.png"))
	if err != nil {
		t.Fatalf("non-2xx status should not be an error: %v", err)
	}
	if resp.Status != http.StatusNotFound || cache.Storable(resp) {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestFetchPropagatesTransportError(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := listener.Addr().String()
	_ = listener.Close()

	_, err = newTestClient("http://"+addr).Fetch(context.Background(), getRequest(t, "http://"+addr+"/"))
	var urlErr *url.Error
	if !errors.As(err, &urlErr) {
		t.Fatalf("expected transport error, got %v", err)
	}
}

func TestFetchForwardsRequestBody(t *testing.T) {
	var got string
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		buf := new(strings.Builder)
		_, _ = io.Copy(buf, r.Body)
		got = buf.String()
		w.WriteHeader(http.StatusCreated)
	}))
	defer origin.Close()

	req, _ := http.NewRequest(http.MethodPost, origin.URL+"/api", strings.NewReader(`{"a":1}`))
	resp, err := newTestClient(origin.URL).Fetch(context.Background(), req)
	if err != nil {
		t.Fatalf("fetch failed: %v", err)
	}
	if resp.Status != http.StatusCreated || got != `{"a":1}` {
		t.Fatalf("unexpected upstream body %q / status %d", got, resp.Status)
	}
}
