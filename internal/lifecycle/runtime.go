package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"

	"github.com/offline-agent/offline-agent/internal/cache"
	"github.com/offline-agent/offline-agent/internal/logging"
)

// worker 绑定一个 Handler 与其生命周期状态，同时作为 Host 传给 Handler。
type worker struct {
	name         string
	handler      Handler
	registeredAt time.Time
	state        State // guarded by Runtime.mu
	skipWaiting  atomic.Bool
	claimed      atomic.Bool
}

func (w *worker) SkipWaiting() {
	w.skipWaiting.Store(true)
}

func (w *worker) ClaimClients() {
	w.claimed.Store(true)
}

// Outcome 是一次 fetch 事件的结果；Controller 为空表示请求直接走网络。
type Outcome struct {
	Response   *cache.Response
	Controller string
}

// Runtime 调度 Handler 的 install/activate 事件，并把 fetch 事件派发给当前控制者。
type Runtime struct {
	network cache.Fetcher
	logger  *logrus.Logger

	// lifecycleMu 串行化 Register/Promote/Close，保证同一时刻只有一个生命周期事件。
	lifecycleMu sync.Mutex
	// dispatchMu 在激活期间独占持有，使 fetch 事件等待新 worker 就绪。
	dispatchMu sync.RWMutex

	mu         sync.Mutex
	active     *worker
	waiting    *worker
	installing *worker
}

// NewRuntime 创建 Runtime，network 用于没有控制者时直接发起请求。
func NewRuntime(network cache.Fetcher, logger *logrus.Logger) *Runtime {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Runtime{network: network, logger: logger}
}

// Register 安装 handler；安装成功后若当前无活动 worker 或 handler 调用了
// SkipWaiting 则立即激活，否则进入等待状态直至 Promote。
func (r *Runtime) Register(ctx context.Context, name string, handler Handler) error {
	if handler == nil {
		return errors.New("lifecycle handler is required")
	}
	r.lifecycleMu.Lock()
	defer r.lifecycleMu.Unlock()

	w := &worker{name: name, handler: handler, registeredAt: time.Now().UTC()}
	r.mu.Lock()
	w.state = StateInstalling
	r.installing = w
	r.mu.Unlock()
	r.logEvent("worker_installing", w, nil)

	err := invoke(PhaseInstall, func() error { return handler.Install(ctx, w) })

	r.mu.Lock()
	r.installing = nil
	if err != nil {
		w.state = StateRedundant
	} else {
		w.state = StateInstalled
	}
	hasActive := r.active != nil
	r.mu.Unlock()

	if err != nil {
		r.logEvent("worker_install_failed", w, err)
		r.release(ctx, w)
		return &PhaseError{Phase: PhaseInstall, Worker: name, Err: err}
	}
	r.logEvent("worker_installed", w, nil)

	if !hasActive || w.skipWaiting.Load() {
		return r.activate(ctx, w)
	}

	r.mu.Lock()
	replaced := r.waiting
	r.waiting = w
	if replaced != nil {
		replaced.state = StateRedundant
	}
	r.mu.Unlock()
	if replaced != nil {
		r.release(ctx, replaced)
	}
	r.logEvent("worker_waiting", w, nil)
	return nil
}

// Promote 激活处于等待状态的 worker。
func (r *Runtime) Promote(ctx context.Context) error {
	r.lifecycleMu.Lock()
	defer r.lifecycleMu.Unlock()

	r.mu.Lock()
	w := r.waiting
	r.mu.Unlock()
	if w == nil {
		return ErrNoWaitingWorker
	}
	return r.activate(ctx, w)
}

// activate 必须在持有 lifecycleMu 时调用。
func (r *Runtime) activate(ctx context.Context, w *worker) error {
	r.dispatchMu.Lock()
	defer r.dispatchMu.Unlock()

	r.mu.Lock()
	prev := r.active
	stale := r.waiting
	r.mu.Unlock()

	if prev != nil && prev != w {
		r.release(ctx, prev)
	}
	if stale != nil && stale != w {
		r.release(ctx, stale)
	}

	r.mu.Lock()
	if prev != nil && prev != w {
		prev.state = StateRedundant
	}
	if stale != nil && stale != w {
		stale.state = StateRedundant
	}
	r.waiting = nil
	w.state = StateActivating
	r.active = w
	r.mu.Unlock()
	r.logEvent("worker_activating", w, nil)

	err := invoke(PhaseActivate, func() error { return w.handler.Activate(ctx, w) })

	r.mu.Lock()
	w.state = StateActivated
	r.mu.Unlock()

	if err != nil {
		r.logEvent("worker_activate_failed", w, err)
		return &PhaseError{Phase: PhaseActivate, Worker: w.name, Err: err}
	}
	r.logEvent("worker_activated", w, nil)
	return nil
}

// Dispatch 把 fetch 事件交给控制请求的 worker；无控制者时直接走网络。
func (r *Runtime) Dispatch(ctx context.Context, req *http.Request) (Outcome, error) {
	r.dispatchMu.RLock()
	defer r.dispatchMu.RUnlock()

	w := r.controller(req)
	if w == nil {
		if r.network == nil {
			return Outcome{}, errors.New("network fetcher is not configured")
		}
		resp, err := r.network.Fetch(ctx, req)
		return Outcome{Response: resp}, err
	}

	var resp *cache.Response
	err := invoke(PhaseFetch, func() error {
		var fetchErr error
		resp, fetchErr = w.handler.Fetch(ctx, req)
		return fetchErr
	})
	if errors.Is(err, ErrHandlerPanic) {
		r.logEvent("worker_fetch_panic", w, err)
	}
	return Outcome{Response: resp, Controller: w.name}, err
}

// controller 返回应处理 req 的 worker；未 claim 时仅接管页面导航。
func (r *Runtime) controller(req *http.Request) *worker {
	r.mu.Lock()
	w := r.active
	r.mu.Unlock()
	if w == nil {
		return nil
	}
	if !w.claimed.Load() && !cache.IsNavigationRequest(req) {
		return nil
	}
	return w
}

// Status 返回当前 worker 快照。
func (r *Runtime) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Status{
		Active:     snapshot(r.active),
		Waiting:    snapshot(r.waiting),
		Installing: snapshot(r.installing),
	}
}

// Close 等待活动与等待中的 worker 释放后台任务，之后请求直接走网络。
func (r *Runtime) Close(ctx context.Context) error {
	r.lifecycleMu.Lock()
	defer r.lifecycleMu.Unlock()
	r.dispatchMu.Lock()
	defer r.dispatchMu.Unlock()

	r.mu.Lock()
	workers := []*worker{r.active, r.waiting}
	r.active = nil
	r.waiting = nil
	r.mu.Unlock()

	var errs error
	for _, w := range workers {
		if w == nil {
			continue
		}
		if d, ok := w.handler.(Drainer); ok {
			errs = multierr.Append(errs, d.Close(ctx))
		}
	}
	return errs
}

// release 让被替换的 worker 完成后台写入。失败仅记录日志。
func (r *Runtime) release(ctx context.Context, w *worker) {
	d, ok := w.handler.(Drainer)
	if !ok {
		return
	}
	if err := d.Close(ctx); err != nil {
		r.logEvent("worker_drain_failed", w, err)
	}
}

func (r *Runtime) logEvent(action string, w *worker, err error) {
	r.mu.Lock()
	state := w.state
	r.mu.Unlock()

	entry := r.logger.WithFields(logging.GenerationFields(action, w.name, string(state)))
	if err != nil {
		entry.WithError(err).Warn("lifecycle event failed")
		return
	}
	entry.Info("lifecycle event")
}

// invoke 执行 fn 并把 panic 转换为 ErrHandlerPanic。
func invoke(phase Phase, fn func() error) (err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			err = fmt.Errorf("%w during %s: %v", ErrHandlerPanic, phase, recovered)
		}
	}()
	return fn()
}

func snapshot(w *worker) *WorkerStatus {
	if w == nil {
		return nil
	}
	return &WorkerStatus{
		Name:         w.name,
		State:        w.state,
		SkipWaiting:  w.skipWaiting.Load(),
		Claimed:      w.claimed.Load(),
		RegisteredAt: w.registeredAt,
	}
}
