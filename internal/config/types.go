package config

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Duration 提供更灵活的反序列化能力，同时兼容纯秒整数与 Go Duration 字符串。
type Duration time.Duration

// UnmarshalText 使 Viper 可以识别诸如 "30s"、"5m" 或纯数字秒值等配置写法。
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		*d = Duration(0)
		return nil
	}

	if seconds, err := time.ParseDuration(raw); err == nil {
		*d = Duration(seconds)
		return nil
	}

	if intVal, err := parseInt(raw); err == nil {
		*d = Duration(time.Duration(intVal) * time.Second)
		return nil
	}

	return fmt.Errorf("invalid duration value: %s", raw)
}

// DurationValue 返回真实的 time.Duration，便于调用方计算。
func (d Duration) DurationValue() time.Duration {
	return time.Duration(d)
}

// parseInt 支持十进制或 0x 前缀的十六进制字符串解析。
func parseInt(value string) (int64, error) {
	if strings.HasPrefix(value, "0x") || strings.HasPrefix(value, "0X") {
		return strconv.ParseInt(value, 0, 64)
	}
	return strconv.ParseInt(value, 10, 64)
}

// GlobalConfig 描述进程级运行参数：监听端口、日志、存储驱动与写入队列。
type GlobalConfig struct {
	ListenPort         int      `mapstructure:"ListenPort"`
	LogLevel           string   `mapstructure:"LogLevel"`
	LogFilePath        string   `mapstructure:"LogFilePath"`
	LogMaxSize         int      `mapstructure:"LogMaxSize"`
	LogMaxBackups      int      `mapstructure:"LogMaxBackups"`
	LogCompress        bool     `mapstructure:"LogCompress"`
	StoragePath        string   `mapstructure:"StoragePath"`
	StorageDriver      string   `mapstructure:"StorageDriver"`
	UpstreamTimeout    Duration `mapstructure:"UpstreamTimeout"`
	StoreWriteTimeout  Duration `mapstructure:"StoreWriteTimeout"`
	InstallConcurrency int      `mapstructure:"InstallConcurrency"`
	StoreQueueSize     int      `mapstructure:"StoreQueueSize"`
}

// AgentConfig 描述离线缓存代理的缓存代际、预缓存清单与源站。
type AgentConfig struct {
	Origin          string   `mapstructure:"Origin"`
	CacheName       string   `mapstructure:"CacheName"`
	Assets          []string `mapstructure:"Assets"`
	AssetManifest   string   `mapstructure:"AssetManifest"`
	OfflineFallback string   `mapstructure:"OfflineFallback"`
}

// Config 是 TOML 文件映射的整体结构。
type Config struct {
	Global GlobalConfig `mapstructure:",squash"`
	Agent  AgentConfig  `mapstructure:"Agent"`
}

// OriginURL 返回解析后的源站地址，假定 Validate 已经通过。
func (a AgentConfig) OriginURL() *url.URL {
	parsed, err := url.Parse(strings.TrimRight(a.Origin, "/"))
	if err != nil {
		return &url.URL{}
	}
	return parsed
}

// HasOfflineFallback 表示是否启用了导航请求的离线兜底页面。
func (a AgentConfig) HasOfflineFallback() bool {
	return strings.TrimSpace(a.OfflineFallback) != ""
}
