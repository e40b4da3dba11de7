// Package agent implements the offline cache agent: it pre-caches a fixed
// asset list into a versioned cache store, evicts stale generations on
// activation and serves requests cache-first with network fallback.
package agent

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"

	"github.com/offline-agent/offline-agent/internal/cache"
	"github.com/offline-agent/offline-agent/internal/lifecycle"
	"github.com/offline-agent/offline-agent/internal/logging"
)

// Agent 实现 lifecycle.Handler，由 lifecycle.Runtime 调度。
type Agent struct {
	opts    Options
	storage cache.Storage
	network cache.Fetcher
	logger  *logrus.Logger
	writer  *storeWriter

	mu    sync.RWMutex
	store cache.Store
}

var (
	_ lifecycle.Handler = (*Agent)(nil)
	_ lifecycle.Drainer = (*Agent)(nil)
)

// New 创建 Agent。opts 会被复制，调用方之后修改原值不会影响 Agent。
func New(opts Options, storage cache.Storage, network cache.Fetcher, logger *logrus.Logger) (*Agent, error) {
	if storage == nil {
		return nil, errors.New("cache storage is required")
	}
	if network == nil {
		return nil, errors.New("network fetcher is required")
	}
	if err := cache.ValidateStoreName(opts.CacheName); err != nil {
		return nil, fmt.Errorf("cache name %q: %w", opts.CacheName, err)
	}
	if logger == nil {
		logger = logging.Discard()
	}

	copied := opts.clone()
	if copied.OfflineFallback != "" {
		key, err := cache.KeyForURL(copied.OfflineFallback)
		if err != nil {
			return nil, fmt.Errorf("offline fallback: %w", err)
		}
		copied.OfflineFallback = key
	}
	return &Agent{
		opts:    copied,
		storage: storage,
		network: network,
		logger:  logger,
		writer:  newStoreWriter(copied.QueueSize, copied.WriteTimeout, logger),
	}, nil
}

// Options 返回 Agent 生效配置的副本。
func (a *Agent) Options() Options {
	return a.opts.clone()
}

// CacheName 返回当前缓存代际。
func (a *Agent) CacheName() string {
	return a.opts.CacheName
}

// Install 打开当前代际的 Store 并尽力预缓存全部资源，单个资源失败只记录日志。
func (a *Agent) Install(ctx context.Context, host lifecycle.Host) error {
	store, err := a.storage.Open(ctx, a.opts.CacheName)
	if err != nil {
		return fmt.Errorf("open cache %s: %w", a.opts.CacheName, err)
	}
	a.setStore(store)

	err = cache.AddAll(ctx, store, a.network, a.opts.Assets, cache.AddAllOptions{
		Concurrency: a.opts.InstallConcurrency,
	})
	failures := cache.AssetErrors(err)
	for _, failure := range failures {
		fields := logging.GenerationFields("precache", a.opts.CacheName, "")
		fields["url"] = failure.URL
		a.logger.WithFields(fields).WithError(failure.Err).Warn("precache asset failed")
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("install %s: %w", a.opts.CacheName, ctxErr)
	}

	fields := logging.GenerationFields("precache_complete", a.opts.CacheName, "")
	fields["assets"] = len(a.opts.Assets)
	fields["failed"] = len(failures)
	a.logger.WithFields(fields).Info("precache finished")

	host.SkipWaiting()
	return nil
}

// Activate 删除除当前代际以外的全部 Store，然后接管所有客户端。
// 删除失败会在尝试完其余 Store 后汇总返回。
func (a *Agent) Activate(ctx context.Context, host lifecycle.Host) error {
	names, err := a.storage.Keys(ctx)
	if err != nil {
		return fmt.Errorf("list caches: %w", err)
	}

	var errs error
	for _, name := range names {
		if name == a.opts.CacheName {
			continue
		}
		deleted, err := a.storage.Delete(ctx, name)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("delete cache %s: %w", name, err))
			continue
		}
		if deleted {
			a.logger.WithFields(logging.GenerationFields("generation_evicted", name, "")).
				Info("stale cache generation deleted")
		}
	}

	host.ClaimClients()
	return errs
}

// Fetch 优先返回缓存内容；未命中时请求网络，并在响应可缓存时异步写入克隆副本。
func (a *Agent) Fetch(ctx context.Context, req *http.Request) (*cache.Response, error) {
	if req.Method != http.MethodGet {
		return a.network.Fetch(ctx, req)
	}

	store := a.currentStore()
	if store == nil {
		return a.network.Fetch(ctx, req)
	}

	key := cache.RequestKey(req)
	cached, err := store.Match(ctx, key)
	if err == nil {
		return cached, nil
	}
	if !errors.Is(err, cache.ErrNotFound) {
		fields := logging.GenerationFields("cache_match_failed", a.opts.CacheName, "")
		fields["url"] = key
		a.logger.WithFields(fields).WithError(err).Warn("cache lookup failed, using network")
	}

	resp, err := a.network.Fetch(ctx, req)
	if err != nil {
		if fallback := a.offlineFallback(ctx, store, req); fallback != nil {
			fields := logging.GenerationFields("offline_fallback", a.opts.CacheName, "")
			fields["url"] = key
			a.logger.WithFields(fields).WithError(err).Info("serving offline fallback")
			return fallback, nil
		}
		return nil, err
	}
	if err := storeDecision(req, resp); err != nil {
		fields := logging.GenerationFields("store_skipped", a.opts.CacheName, "")
		fields["url"] = key
		a.logger.WithFields(fields).WithError(err).Debug("response not stored")
		return resp, nil
	}

	a.writer.enqueue(ctx, store, key, resp.Clone())
	return resp, nil
}

// storeDecision 依次检查请求与响应，两者都允许时才写入共享缓存。
func storeDecision(req *http.Request, resp *cache.Response) error {
	if err := cache.CheckRequestStorable(req); err != nil {
		return err
	}
	return cache.CheckStorable(resp)
}

// Flush 等待所有已入队的缓存写入完成。
func (a *Agent) Flush(ctx context.Context) error {
	return a.writer.flush(ctx)
}

// Close 排空写入队列并停止后台写入 goroutine。
func (a *Agent) Close(ctx context.Context) error {
	return a.writer.close(ctx)
}

func (a *Agent) offlineFallback(ctx context.Context, store cache.Store, req *http.Request) *cache.Response {
	if a.opts.OfflineFallback == "" || !cache.IsNavigationRequest(req) {
		return nil
	}
	resp, err := store.Match(ctx, a.opts.OfflineFallback)
	if err != nil {
		return nil
	}
	return resp
}

func (a *Agent) setStore(store cache.Store) {
	a.mu.Lock()
	a.store = store
	a.mu.Unlock()
}

func (a *Agent) currentStore() cache.Store {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.store
}
