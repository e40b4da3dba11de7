package agent

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/offline-agent/offline-agent/internal/cache"
	"github.com/offline-agent/offline-agent/internal/logging"
)

// writeOp 是一次排队的写入；barrier 非空时仅作为 Flush 的同步点。
type writeOp struct {
	ctx     context.Context
	store   cache.Store
	key     string
	resp    *cache.Response
	barrier chan struct{}
}

// storeWriter 由单个 goroutine 按入队顺序应用写入，同 key 的最后一次写入生效。
type storeWriter struct {
	ops     chan writeOp
	done    chan struct{}
	timeout time.Duration
	logger  *logrus.Logger

	mu     sync.RWMutex
	closed bool
}

func newStoreWriter(queueSize int, timeout time.Duration, logger *logrus.Logger) *storeWriter {
	w := &storeWriter{
		ops:     make(chan writeOp, queueSize),
		done:    make(chan struct{}),
		timeout: timeout,
		logger:  logger,
	}
	go w.loop()
	return w
}

// enqueue 不会阻塞调用方；队列已满或已关闭时丢弃写入并返回 false。
func (w *storeWriter) enqueue(ctx context.Context, store cache.Store, key string, resp *cache.Response) bool {
	w.mu.RLock()
	defer w.mu.RUnlock()

	if w.closed {
		w.logDrop(store, key, "writer closed")
		return false
	}
	op := writeOp{ctx: context.WithoutCancel(ctx), store: store, key: key, resp: resp}
	select {
	case w.ops <- op:
		return true
	default:
		w.logDrop(store, key, "queue full")
		return false
	}
}

// flush 等待此前入队的全部写入完成。
func (w *storeWriter) flush(ctx context.Context) error {
	w.mu.RLock()
	if w.closed {
		w.mu.RUnlock()
		return w.wait(ctx)
	}
	barrier := make(chan struct{})
	select {
	case w.ops <- writeOp{barrier: barrier}:
	case <-ctx.Done():
		w.mu.RUnlock()
		return ctx.Err()
	}
	w.mu.RUnlock()

	select {
	case <-barrier:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// close 停止接收新写入，并等待队列排空。
func (w *storeWriter) close(ctx context.Context) error {
	w.mu.Lock()
	if !w.closed {
		w.closed = true
		close(w.ops)
	}
	w.mu.Unlock()
	return w.wait(ctx)
}

func (w *storeWriter) wait(ctx context.Context) error {
	select {
	case <-w.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *storeWriter) loop() {
	defer close(w.done)
	for op := range w.ops {
		if op.barrier != nil {
			close(op.barrier)
			continue
		}
		w.apply(op)
	}
}

func (w *storeWriter) apply(op writeOp) {
	ctx, cancel := context.WithTimeout(op.ctx, w.timeout)
	defer cancel()

	err := op.store.Put(ctx, op.key, op.resp)
	if err == nil {
		return
	}
	fields := logging.GenerationFields("store_write_failed", op.store.Name(), "")
	fields["url"] = op.key
	entry := w.logger.WithFields(fields).WithError(err)
	if errors.Is(err, cache.ErrStoreDeleted) {
		entry.Info("cache store removed before write")
		return
	}
	entry.Warn("cache store write failed")
}

func (w *storeWriter) logDrop(store cache.Store, key, reason string) {
	fields := logging.GenerationFields("store_write_dropped", store.Name(), "")
	fields["url"] = key
	fields["reason"] = reason
	w.logger.WithFields(fields).Warn("cache store write dropped")
}
