package cache

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

// RequestKey 计算请求在 Store 中的 key：去掉 fragment 的绝对 URL。
func RequestKey(req *http.Request) string {
	if req == nil || req.URL == nil {
		return ""
	}
	return urlKey(req.URL)
}

// KeyForURL 解析原始 URL 并返回对应的缓存 key，要求为绝对地址。
func KeyForURL(raw string) (string, error) {
	parsed, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	if !parsed.IsAbs() || parsed.Host == "" {
		return "", fmt.Errorf("cache key requires absolute url: %s", raw)
	}
	return urlKey(parsed), nil
}

func urlKey(u *url.URL) string {
	normalized := *u
	normalized.Fragment = ""
	normalized.RawFragment = ""
	normalized.Scheme = strings.ToLower(normalized.Scheme)
	normalized.Host = strings.ToLower(normalized.Host)
	if normalized.Path == "" && normalized.Opaque == "" {
		normalized.Path = "/"
		normalized.RawPath = ""
	}
	return normalized.String()
}

// IsNavigationRequest 判断请求是否为页面导航（新客户端打开页面）。
func IsNavigationRequest(req *http.Request) bool {
	if req == nil || req.Method != http.MethodGet {
		return false
	}
	if mode := req.Header.Get("Sec-Fetch-Mode"); mode != "" {
		return strings.EqualFold(mode, "navigate")
	}
	accept := req.Header.Get("Accept")
	return strings.Contains(accept, "text/html")
}
