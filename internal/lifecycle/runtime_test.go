package lifecycle

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

type fakeHandler struct {
	skipWaiting  bool
	claim        bool
	installErr   error
	activateErr  error
	fetchPanic   bool
	activateGate chan struct{}

	mu     sync.Mutex
	events []string
	closed int
}

func (h *fakeHandler) record(event string) {
	h.mu.Lock()
	h.events = append(h.events, event)
	h.mu.Unlock()
}

func (h *fakeHandler) Events() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.events...)
}

func (h *fakeHandler) Install(ctx context.Context, host Host) error {
	h.record("install")
	if h.installErr != nil {
		return h.installErr
	}
	if h.skipWaiting {
		host.SkipWaiting()
	}
	return nil
}

func (h *fakeHandler) Activate(ctx context.Context, host Host) error {
	h.record("activate")
	if h.activateGate != nil {
		<-h.activateGate
	}
	if h.claim {
		host.ClaimClients()
	}
	return h.activateErr
}

func (h *fakeHandler) Fetch(ctx context.Context, req *http.Request) (*cache.Response, error) {
	h.record("fetch")
	if h.fetchPanic {
		panic("boom")
	}
	return &cache.Response{URL: req.URL.String(), Status: http.StatusOK, Type: cache.TypeBasic, Cached: true}, nil
}

func (h *fakeHandler) Close(ctx context.Context) error {
	h.mu.Lock()
	h.closed++
	h.mu.Unlock()
	return nil
}

type countingNetwork struct {
	mu    sync.Mutex
	calls int
}

func (n *countingNetwork) Fetch(ctx context.Context, req *http.Request) (*cache.Response, error) {
	n.mu.Lock()
	n.calls++
	n.mu.Unlock()
	return &cache.Response{URL: req.URL.String(), Status: http.StatusOK, Type: cache.TypeBasic}, nil
}

func (n *countingNetwork) Calls() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.calls
}

func navigationRequest() *http.Request {
	req := httptest.NewRequest(http.MethodGet, "https://app.example/", nil)
	req.Header.Set("Sec-Fetch-Mode", "navigate")
	return req
}

func assetRequest() *http.Request {
	req := httptest.NewRequest(http.MethodGet, "https://app.example/app.js", nil)
	req.Header.Set("Sec-Fetch-Mode", "no-cors")
	return req
}

func TestRegisterActivatesFirstWorker(t *testing.T) {
	rt := NewRuntime(&countingNetwork{}, nil)
	h := &fakeHandler{claim: true}

	if err := rt.Register(context.Background(), "v1", h); err != nil {
		t.Fatalf("register failed: %v", err)
	}
	events := h.Events()
	if len(events) != 2 || events[0] != "install" || events[1] != "activate" {
		t.Fatalf("install must complete before activate, got %v", events)
	}

	status := rt.Status()
	if status.Active == nil || status.Active.Name != "v1" || status.Active.State != StateActivated {
		t.Fatalf("unexpected status: %+v", status.Active)
	}
	if !status.Active.Claimed {
		t.Fatalf("claim flag should be reported")
	}
}

func TestRegisterInstallFailure(t *testing.T) {
	rt := NewRuntime(&countingNetwork{}, nil)
	h := &fakeHandler{installErr: errors.New("open store: disk full")}

	err := rt.Register(context.Background(), "v1", h)
	var phaseErr *PhaseError
	if !errors.As(err, &phaseErr) || phaseErr.Phase != PhaseInstall || phaseErr.Worker != "v1" {
		t.Fatalf("expected install phase error, got %v", err)
	}
	if rt.Status().Active != nil {
		t.Fatalf("failed worker must not become active")
	}
	if h.closed != 1 {
		t.Fatalf("redundant worker should be released")
	}
}

func TestSecondWorkerWaitsUntilPromote(t *testing.T) {
	rt := NewRuntime(&countingNetwork{}, nil)
	first := &fakeHandler{claim: true}
	second := &fakeHandler{claim: true}

	if err := rt.Register(context.Background(), "v1", first); err != nil {
		t.Fatalf("register v1: %v", err)
	}
	if err := rt.Register(context.Background(), "v2", second); err != nil {
		t.Fatalf("register v2: %v", err)
	}

	status := rt.Status()
	if status.Active.Name != "v1" || status.Waiting == nil || status.Waiting.State != StateInstalled {
		t.Fatalf("v2 should be waiting, got %+v / %+v", status.Active, status.Waiting)
	}

	if err := rt.Promote(context.Background()); err != nil {
		t.Fatalf("promote: %v", err)
	}
	status = rt.Status()
	if status.Active.Name != "v2" || status.Waiting != nil {
		t.Fatalf("v2 should be active after promote, got %+v", status)
	}
	if first.closed != 1 {
		t.Fatalf("previous worker should be drained, closed=%d", first.closed)
	}
	if err := rt.Promote(context.Background()); !errors.Is(err, ErrNoWaitingWorker) {
		t.Fatalf("expected ErrNoWaitingWorker, got %v", err)
	}
}

func TestSkipWaitingActivatesImmediately(t *testing.T) {
	rt := NewRuntime(&countingNetwork{}, nil)
	first := &fakeHandler{}
	second := &fakeHandler{skipWaiting: true}

	_ = rt.Register(context.Background(), "v1", first)
	if err := rt.Register(context.Background(), "v2", second); err != nil {
		t.Fatalf("register v2: %v", err)
	}
	if status := rt.Status(); status.Active.Name != "v2" || !status.Active.SkipWaiting {
		t.Fatalf("skip-waiting worker should be active, got %+v", status.Active)
	}
}

func TestActivateFailureKeepsController(t *testing.T) {
	rt := NewRuntime(&countingNetwork{}, nil)
	h := &fakeHandler{claim: true, activateErr: errors.New("delete stale store")}

	err := rt.Register(context.Background(), "v1", h)
	var phaseErr *PhaseError
	if !errors.As(err, &phaseErr) || phaseErr.Phase != PhaseActivate {
		t.Fatalf("expected activate phase error, got %v", err)
	}
	outcome, err := rt.Dispatch(context.Background(), assetRequest())
	if err != nil || outcome.Controller != "v1" {
		t.Fatalf("worker should still control requests, got %+v (%v)", outcome, err)
	}
}

func TestDispatchWithoutWorkerUsesNetwork(t *testing.T) {
	network := &countingNetwork{}
	rt := NewRuntime(network, nil)

	outcome, err := rt.Dispatch(context.Background(), navigationRequest())
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if outcome.Controller != "" || network.Calls() != 1 {
		t.Fatalf("expected direct network fetch, got %+v calls=%d", outcome, network.Calls())
	}
}

func TestUnclaimedWorkerControlsOnlyNavigations(t *testing.T) {
	network := &countingNetwork{}
	rt := NewRuntime(network, nil)
	h := &fakeHandler{}
	_ = rt.Register(context.Background(), "v1", h)

	outcome, _ := rt.Dispatch(context.Background(), assetRequest())
	if outcome.Controller != "" || network.Calls() != 1 {
		t.Fatalf("subresource should bypass an unclaimed worker")
	}
	outcome, _ = rt.Dispatch(context.Background(), navigationRequest())
	if outcome.Controller != "v1" || !outcome.Response.Cached {
		t.Fatalf("navigation should be controlled, got %+v", outcome)
	}
}

func TestDispatchRecoversHandlerPanic(t *testing.T) {
	rt := NewRuntime(&countingNetwork{}, nil)
	_ = rt.Register(context.Background(), "v1", &fakeHandler{claim: true, fetchPanic: true})

	_, err := rt.Dispatch(context.Background(), assetRequest())
	if !errors.Is(err, ErrHandlerPanic) {
		t.Fatalf("expected ErrHandlerPanic, got %v", err)
	}
}

func TestActivationBlocksDispatch(t *testing.T) {
	rt := NewRuntime(&countingNetwork{}, nil)
	_ = rt.Register(context.Background(), "v1", &fakeHandler{claim: true})

	gate := make(chan struct{})
	next := &fakeHandler{claim: true, skipWaiting: true, activateGate: gate}
	registered := make(chan error, 1)
	go func() { registered <- rt.Register(context.Background(), "v2", next) }()

	deadline := time.Now().Add(2 * time.Second)
	for rt.Status().Active == nil || rt.Status().Active.State != StateActivating {
		if time.Now().After(deadline) {
			t.Fatalf("v2 never started activating")
		}
		time.Sleep(5 * time.Millisecond)
	}

	dispatched := make(chan Outcome, 1)
	go func() {
		outcome, _ := rt.Dispatch(context.Background(), assetRequest())
		dispatched <- outcome
	}()

	select {
	case <-dispatched:
		t.Fatalf("dispatch must wait for activation to finish")
	case <-time.After(50 * time.Millisecond):
	}

	close(gate)
	if err := <-registered; err != nil {
		t.Fatalf("register v2: %v", err)
	}
	select {
	case outcome := <-dispatched:
		if outcome.Controller != "v2" {
			t.Fatalf("queued fetch should be handled by v2, got %q", outcome.Controller)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("dispatch never completed")
	}
}

func TestCloseDrainsWorkers(t *testing.T) {
	network := &countingNetwork{}
	rt := NewRuntime(network, nil)
	h := &fakeHandler{claim: true}
	_ = rt.Register(context.Background(), "v1", h)

	if err := rt.Close(context.Background()); err != nil {
		t.Fatalf("close: %v", err)
	}
	if h.closed != 1 {
		t.Fatalf("active worker should be drained")
	}
	outcome, _ := rt.Dispatch(context.Background(), assetRequest())
	if outcome.Controller != "" || network.Calls() != 1 {
		t.Fatalf("closed runtime should fall through to the network")
	}
}
