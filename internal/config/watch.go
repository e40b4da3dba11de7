package config

import (
	"fmt"
	"slices"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// ReloadPlan 描述新旧配置之间的差异及处理方式。
type ReloadPlan struct {
	// NewGeneration 为 true 表示 CacheName 发生变化，需要注册新的 Agent。
	NewGeneration bool
	// AssetsChanged 表示资源清单变化；CacheName 未变时该变更会被拒绝。
	AssetsChanged bool
	// RestartRequired 列出需要重启进程才能生效的字段。
	RestartRequired []string
}

// Rejected 表示资源清单被修改但缓存代际未更新。
func (p ReloadPlan) Rejected() bool {
	return p.AssetsChanged && !p.NewGeneration
}

// Diff 比较两份配置并给出重载计划。
func Diff(prev, next *Config) ReloadPlan {
	var plan ReloadPlan
	if prev == nil || next == nil {
		return plan
	}

	plan.NewGeneration = prev.Agent.CacheName != next.Agent.CacheName
	plan.AssetsChanged = !slices.Equal(prev.Agent.Assets, next.Agent.Assets) ||
		prev.Agent.OfflineFallback != next.Agent.OfflineFallback

	restart := []struct {
		field   string
		changed bool
	}{
		{agentField("Origin"), prev.Agent.Origin != next.Agent.Origin},
		{"Global.ListenPort", prev.Global.ListenPort != next.Global.ListenPort},
		{"Global.StoragePath", prev.Global.StoragePath != next.Global.StoragePath},
		{"Global.StorageDriver", prev.Global.StorageDriver != next.Global.StorageDriver},
		{"Global.UpstreamTimeout", prev.Global.UpstreamTimeout != next.Global.UpstreamTimeout},
		{"Global.LogFilePath", prev.Global.LogFilePath != next.Global.LogFilePath},
		{"Global.LogLevel", prev.Global.LogLevel != next.Global.LogLevel},
	}
	for _, item := range restart {
		if item.changed {
			plan.RestartRequired = append(plan.RestartRequired, item.field)
		}
	}
	return plan
}

// Watcher 监听配置文件写入，重新加载后回调 onChange；加载失败时回调 onError。
type Watcher struct {
	path     string
	onChange func(*Config)
	onError  func(error)
}

// Watch 基于 viper.WatchConfig 启动配置文件监听，监听在进程生命周期内持续生效。
func Watch(path string, onChange func(*Config), onError func(error)) (*Watcher, error) {
	if path == "" {
		path = "config.toml"
	}
	w := &Watcher{path: path, onChange: onChange, onError: onError}

	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("读取配置失败: %w", err)
	}
	v.OnConfigChange(w.handle)
	v.WatchConfig()
	return w, nil
}

func (w *Watcher) handle(event fsnotify.Event) {
	if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
		return
	}
	w.Reload()
}

// Reload 立即重新加载配置文件并触发回调。
func (w *Watcher) Reload() {
	cfg, err := Load(w.path)
	if err != nil {
		if w.onError != nil {
			w.onError(err)
		}
		return
	}
	if w.onChange != nil {
		w.onChange(cfg)
	}
}
