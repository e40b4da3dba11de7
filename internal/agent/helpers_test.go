package agent

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/offline-agent/offline-agent/internal/cache"
)

const (
	origin      = "https://app.example"
	indexURL    = origin + "/index.html"
	missingURL  = origin + "/missing.png"
	manifestURL = origin + "/manifest.json"
)

var errOffline = errors.New("dial tcp: network is unreachable")

// fakeNetwork 按 URL 返回预置响应，记录每个 URL 的请求次数。
type fakeNetwork struct {
	mu        sync.Mutex
	responses map[string]*cache.Response
	calls     map[string]int
	offline   bool
}

func newFakeNetwork() *fakeNetwork {
	return &fakeNetwork{
		responses: map[string]*cache.Response{
			indexURL:    page(indexURL, http.StatusOK, cache.TypeBasic, "<h1>app</h1>"),
			manifestURL: page(manifestURL, http.StatusOK, cache.TypeBasic, `{"name":"app"}`),
		},
		calls: map[string]int{},
	}
}

func page(url string, status int, typ cache.ResponseType, body string) *cache.Response {
	header := http.Header{}
	header.Set("Content-Type", "text/html")
	return &cache.Response{URL: url, Status: status, Header: header, Body: []byte(body), Type: typ}
}

func (n *fakeNetwork) set(url string, resp *cache.Response) {
	n.mu.Lock()
	n.responses[url] = resp
	n.mu.Unlock()
}

func (n *fakeNetwork) goOffline() {
	n.mu.Lock()
	n.offline = true
	n.mu.Unlock()
}

func (n *fakeNetwork) Fetch(ctx context.Context, req *http.Request) (*cache.Response, error) {
	url := req.URL.String()
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls[url]++
	if n.offline {
		return nil, errOffline
	}
	if resp, ok := n.responses[url]; ok {
		return resp.Clone(), nil
	}
	return page(url, http.StatusNotFound, cache.TypeBasic, "not found"), nil
}

func (n *fakeNetwork) Calls(url string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.calls[url]
}

func (n *fakeNetwork) Total() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	total := 0
	for _, count := range n.calls {
		total += count
	}
	return total
}

type fakeHost struct {
	skipped bool
	claimed bool
}

func (h *fakeHost) SkipWaiting()  { h.skipped = true }
func (h *fakeHost) ClaimClients() { h.claimed = true }

func newAgent(t *testing.T, storage cache.Storage, network cache.Fetcher, opts Options) *Agent {
	t.Helper()
	a, err := New(opts, storage, network, nil)
	if err != nil {
		t.Fatalf("new agent: %v", err)
	}
	t.Cleanup(func() { _ = a.Close(context.Background()) })
	return a
}

func installed(t *testing.T, storage cache.Storage, network cache.Fetcher, opts Options) *Agent {
	t.Helper()
	a := newAgent(t, storage, network, opts)
	if err := a.Install(context.Background(), &fakeHost{}); err != nil {
		t.Fatalf("install: %v", err)
	}
	return a
}

func getRequest(url string) *http.Request {
	return httptest.NewRequest(http.MethodGet, url, nil)
}

func flush(t *testing.T, a *Agent) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := a.Flush(ctx); err != nil {
		t.Fatalf("flush: %v", err)
	}
}

func storeKeys(t *testing.T, storage cache.Storage, name string) []string {
	t.Helper()
	store, err := storage.Open(context.Background(), name)
	if err != nil {
		t.Fatalf("open %s: %v", name, err)
	}
	keys, err := store.Keys(context.Background())
	if err != nil {
		t.Fatalf("keys %s: %v", name, err)
	}
	return keys
}
