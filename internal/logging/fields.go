package logging

import "github.com/sirupsen/logrus"

// BaseFields 构建 action + 配置路径等基础字段，便于不同入口复用。
func BaseFields(action, configPath string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"configPath": configPath,
	}
}

// RequestFields 提供缓存代际/请求/命中状态字段，供代理请求日志复用。
func RequestFields(cacheName, method, url, cacheStatus string) logrus.Fields {
	return logrus.Fields{
		"cache_name":   cacheName,
		"method":       method,
		"url":          url,
		"cache_status": cacheStatus,
	}
}

// GenerationFields 描述生命周期事件涉及的缓存代际与 worker 状态。
func GenerationFields(action, cacheName, state string) logrus.Fields {
	fields := logrus.Fields{
		"action":     action,
		"cache_name": cacheName,
	}
	if state != "" {
		fields["state"] = state
	}
	return fields
}
