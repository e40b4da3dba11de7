package agent

import (
	"time"

	"github.com/offline-agent/offline-agent/internal/config"
)

// Options 是 Agent 的不可变配置，构造时复制，之后不再修改。
type Options struct {
	// CacheName 是当前缓存代际，也是唯一保留的 Store 名称。
	CacheName string
	// Assets 为安装阶段预缓存的绝对 URL，按顺序发起请求。
	Assets []string
	// OfflineFallback 为网络失败时导航请求使用的兜底页面，空串表示关闭。
	OfflineFallback    string
	InstallConcurrency int
	WriteTimeout       time.Duration
	QueueSize          int
}

const (
	defaultInstallConcurrency = 4
	defaultWriteTimeout       = 10 * time.Second
	defaultQueueSize          = 256
)

// OptionsFromConfig 根据配置构建 Options，并把资源清单解析为绝对 URL。
func OptionsFromConfig(cfg *config.Config) (Options, error) {
	assets, err := cfg.Agent.ResolveAssets()
	if err != nil {
		return Options{}, err
	}
	fallback, err := cfg.Agent.ResolveOfflineFallback()
	if err != nil {
		return Options{}, err
	}
	return Options{
		CacheName:          cfg.Agent.CacheName,
		Assets:             assets,
		OfflineFallback:    fallback,
		InstallConcurrency: cfg.Global.InstallConcurrency,
		WriteTimeout:       cfg.Global.StoreWriteTimeout.DurationValue(),
		QueueSize:          cfg.Global.StoreQueueSize,
	}, nil
}

func (o Options) clone() Options {
	copied := o
	copied.Assets = append([]string(nil), o.Assets...)
	if copied.InstallConcurrency <= 0 {
		copied.InstallConcurrency = defaultInstallConcurrency
	}
	if copied.WriteTimeout <= 0 {
		copied.WriteTimeout = defaultWriteTimeout
	}
	if copied.QueueSize <= 0 {
		copied.QueueSize = defaultQueueSize
	}
	return copied
}
