// Package lifecycle hosts lifecycle handlers: it installs and activates
// them one at a time and routes fetch events to the controlling handler.
package lifecycle

import (
	"context"
	"net/http"

	"github.com/offline-agent/offline-agent/internal/cache"
)

// Host 暴露给 Handler 的生命周期信号。
type Host interface {
	// SkipWaiting 表示安装完成后立即激活，不再等待旧 worker 退场。
	SkipWaiting()
	// ClaimClients 表示激活后立即接管所有客户端请求，而不仅是新的页面导航。
	ClaimClients()
}

// Handler 是由 Runtime 调度的三个生命周期事件处理器。
type Handler interface {
	Install(ctx context.Context, host Host) error
	Activate(ctx context.Context, host Host) error
	Fetch(ctx context.Context, req *http.Request) (*cache.Response, error)
}

// Drainer 由持有后台任务的 Handler 实现；worker 被替换或 Runtime 关闭时调用。
type Drainer interface {
	Close(ctx context.Context) error
}
