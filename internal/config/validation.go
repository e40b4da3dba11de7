package config

import (
	"errors"
	"fmt"
	"net/url"
	"slices"
	"strings"

	"github.com/offline-agent/offline-agent/internal/cache"
)

// Validate 针对语义级别做进一步校验，防止非法配置启动服务。
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("配置为空")
	}

	g := c.Global
	if g.ListenPort <= 0 || g.ListenPort > 65535 {
		return newFieldError("Global.ListenPort", "必须在 1-65535")
	}
	if g.StoragePath == "" {
		return newFieldError("Global.StoragePath", "不能为空")
	}
	if !slices.Contains(cache.Drivers(), g.StorageDriver) {
		return newFieldError("Global.StorageDriver", "仅支持 "+strings.Join(cache.Drivers(), "/"))
	}
	if g.UpstreamTimeout.DurationValue() <= 0 {
		return newFieldError("Global.UpstreamTimeout", "必须大于 0")
	}
	if g.StoreWriteTimeout.DurationValue() <= 0 {
		return newFieldError("Global.StoreWriteTimeout", "必须大于 0")
	}
	if g.InstallConcurrency <= 0 {
		return newFieldError("Global.InstallConcurrency", "必须大于 0")
	}
	if g.StoreQueueSize <= 0 {
		return newFieldError("Global.StoreQueueSize", "必须大于 0")
	}

	a := c.Agent
	if err := validateOrigin(a.Origin); err != nil {
		return fmt.Errorf("%s: %w", agentField("Origin"), err)
	}
	if a.CacheName == "" {
		return newFieldError(agentField("CacheName"), "不能为空")
	}
	if err := cache.ValidateStoreName(a.CacheName); err != nil {
		return newFieldError(agentField("CacheName"), "不能包含首尾空白、以 . 开头或包含 NUL")
	}
	for i, asset := range a.Assets {
		if err := validateAsset(asset); err != nil {
			return fmt.Errorf("%s: %w", assetField(i), err)
		}
	}
	if a.OfflineFallback != "" {
		if err := validateAsset(a.OfflineFallback); err != nil {
			return fmt.Errorf("%s: %w", agentField("OfflineFallback"), err)
		}
	}

	return nil
}

func validateOrigin(raw string) error {
	if raw == "" {
		return errors.New("缺少源站地址")
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("仅支持 http/https，源站: %s", raw)
	}
	if parsed.Host == "" {
		return fmt.Errorf("源站缺少 Host: %s", raw)
	}
	if parsed.Path != "" && parsed.Path != "/" {
		return fmt.Errorf("源站不允许包含路径: %s", raw)
	}
	return nil
}

func validateAsset(raw string) error {
	if raw == "" {
		return errors.New("不能为空")
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if parsed.IsAbs() && parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("仅支持 http/https 资源: %s", raw)
	}
	return nil
}

// ResolveAssets 将 Assets 解析为绝对 URL：相对路径基于 Origin，绝对地址保持不变，
// 重复项仅保留首次出现的位置。
func (a AgentConfig) ResolveAssets() ([]string, error) {
	base := a.OriginURL()
	seen := make(map[string]struct{}, len(a.Assets))
	resolved := make([]string, 0, len(a.Assets))
	for i, raw := range a.Assets {
		abs, err := resolveAgainst(base, raw)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", assetField(i), err)
		}
		if _, dup := seen[abs]; dup {
			continue
		}
		seen[abs] = struct{}{}
		resolved = append(resolved, abs)
	}
	return resolved, nil
}

// ResolveOfflineFallback 返回离线兜底页的绝对 URL，未配置时返回空串。
func (a AgentConfig) ResolveOfflineFallback() (string, error) {
	if !a.HasOfflineFallback() {
		return "", nil
	}
	return resolveAgainst(a.OriginURL(), a.OfflineFallback)
}

func resolveAgainst(base *url.URL, raw string) (string, error) {
	ref, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	root := *base
	if root.Path == "" {
		root.Path = "/"
	}
	abs := root.ResolveReference(ref)
	abs.Fragment = ""
	abs.RawFragment = ""
	return cache.KeyForURL(abs.String())
}
