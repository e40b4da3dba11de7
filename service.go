package main

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"

	"github.com/offline-agent/offline-agent/internal/agent"
	"github.com/offline-agent/offline-agent/internal/cache"
	"github.com/offline-agent/offline-agent/internal/config"
	"github.com/offline-agent/offline-agent/internal/fetch"
	"github.com/offline-agent/offline-agent/internal/lifecycle"
	"github.com/offline-agent/offline-agent/internal/logging"
)

// service 持有进程级共享组件，并在配置重载时注册新的缓存代际。
type service struct {
	configPath string
	logger     *logrus.Logger
	storage    cache.Storage
	network    *fetch.Client
	runtime    *lifecycle.Runtime

	mu      sync.Mutex
	current *config.Config
}

func newService(cfg *config.Config, configPath string, logger *logrus.Logger) (*service, error) {
	storage, err := cache.Open(cfg.Global.StorageDriver, cfg.Global.StoragePath)
	if err != nil {
		return nil, err
	}
	network := fetch.NewClient(cfg)
	return &service{
		configPath: configPath,
		logger:     logger,
		storage:    storage,
		network:    network,
		runtime:    lifecycle.NewRuntime(network, logger),
		current:    cfg,
	}, nil
}

// Start 注册当前配置对应的 Agent，完成首次 install 与 activate。
func (s *service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.register(ctx, s.current)
}

func (s *service) register(ctx context.Context, cfg *config.Config) error {
	opts, err := agent.OptionsFromConfig(cfg)
	if err != nil {
		return err
	}
	a, err := agent.New(opts, s.storage, s.network, s.logger)
	if err != nil {
		return err
	}
	return s.runtime.Register(ctx, opts.CacheName, a)
}

// Reload 处理配置热重载：只有 CacheName 变化才会注册新代际。
func (s *service) Reload(next *config.Config) {
	s.mu.Lock()
	defer s.mu.Unlock()

	plan := config.Diff(s.current, next)
	fields := logging.BaseFields("config_reload", s.configPath)
	fields["cache_name"] = next.Agent.CacheName

	if len(plan.RestartRequired) > 0 {
		s.logger.WithFields(fields).WithField("fields", plan.RestartRequired).
			Warn("以下配置需要重启进程才能生效")
	}
	if plan.Rejected() {
		s.logger.WithFields(fields).Warn("资源清单已变化但 CacheName 未更新，忽略本次变更")
		return
	}
	if !plan.NewGeneration {
		return
	}

	// 重启类字段仍沿用旧值，只切换 Agent 相关配置。
	merged := *s.current
	merged.Agent = next.Agent
	merged.Agent.Origin = s.current.Agent.Origin
	merged.Global.InstallConcurrency = next.Global.InstallConcurrency
	merged.Global.StoreWriteTimeout = next.Global.StoreWriteTimeout
	merged.Global.StoreQueueSize = next.Global.StoreQueueSize

	if err := s.register(context.Background(), &merged); err != nil {
		s.logger.WithFields(fields).WithError(err).Error("注册新缓存代际失败")
		if !isActivateError(err) {
			return
		}
	}
	s.current = &merged
	s.logger.WithFields(fields).Info("新缓存代际已注册")
}

func (s *service) reloadFailed(err error) {
	s.logger.WithFields(logging.BaseFields("config_reload", s.configPath)).
		WithError(err).Warn("配置重载失败，继续使用旧配置")
}

// Close 排空所有 Agent 的后台写入并关闭存储。
func (s *service) Close(ctx context.Context) error {
	err := s.runtime.Close(ctx)
	if closeErr := s.storage.Close(); closeErr != nil {
		err = multierr.Append(err, fmt.Errorf("close storage: %w", closeErr))
	}
	return err
}

func isActivateError(err error) bool {
	var phaseErr *lifecycle.PhaseError
	return errors.As(err, &phaseErr) && phaseErr.Phase == lifecycle.PhaseActivate
}
