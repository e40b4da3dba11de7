// Package fetch issues network requests on behalf of the agent and captures
// the full response so it can be inspected, cloned and stored.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/offline-agent/offline-agent/internal/cache"
	"github.com/offline-agent/offline-agent/internal/config"
	"github.com/offline-agent/offline-agent/internal/version"
)

// Shared HTTP transport tunings，复用长连接并集中配置超时。
var defaultTransport = &http.Transport{
	Proxy:                 http.ProxyFromEnvironment,
	MaxIdleConns:          100,
	MaxIdleConnsPerHost:   100,
	IdleConnTimeout:       90 * time.Second,
	TLSHandshakeTimeout:   10 * time.Second,
	ExpectContinueTimeout: 1 * time.Second,
	ForceAttemptHTTP2:     true,
	DialContext: (&net.Dialer{
		Timeout:   30 * time.Second,
		KeepAlive: 30 * time.Second,
	}).DialContext,
}

// Client 实现 cache.Fetcher：发起网络请求并按源站判定响应类型。
type Client struct {
	http   *http.Client
	origin *url.URL
}

var _ cache.Fetcher = (*Client)(nil)

// NewClient 返回共享 Transport 的网络客户端，超时取自 UpstreamTimeout。
func NewClient(cfg *config.Config) *Client {
	timeout := 30 * time.Second
	origin := &url.URL{}
	if cfg != nil {
		if cfg.Global.UpstreamTimeout.DurationValue() > 0 {
			timeout = cfg.Global.UpstreamTimeout.DurationValue()
		}
		origin = cfg.Agent.OriginURL()
	}

	return &Client{
		http: &http.Client{
			Timeout:   timeout,
			Transport: defaultTransport.Clone(),
		},
		origin: origin,
	}
}

// Timeout 返回单次请求的整体超时。
func (c *Client) Timeout() time.Duration {
	return c.http.Timeout
}

// Fetch 以 req 为模板构造出站请求并完整读取响应体。传输层错误原样返回，
// 非 2xx 状态不视为错误。
func (c *Client) Fetch(ctx context.Context, req *http.Request) (*cache.Response, error) {
	if req == nil || req.URL == nil {
		return nil, errors.New("fetch: request is required")
	}
	target := req.URL.String()

	var body io.Reader
	if req.Body != nil && req.Body != http.NoBody {
		body = req.Body
	}
	out, err := http.NewRequestWithContext(ctx, req.Method, target, body)
	if err != nil {
		return nil, err
	}
	if body != nil {
		out.ContentLength = req.ContentLength
	}

	CopyHeaders(out.Header, req.Header)
	// Transport 自行协商 gzip 并解压，缓存中只保存解码后的内容。
	out.Header.Del("Accept-Encoding")
	out.Header.Del("Host")
	if out.Header.Get("User-Agent") == "" {
		out.Header.Set("User-Agent", version.UserAgent())
	}
	if !c.sameOrigin(req.URL) && c.origin.Host != "" {
		out.Header.Set("Origin", c.originString())
	}

	resp, err := c.http.Do(out)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}

	final := req.URL
	if resp.Request != nil && resp.Request.URL != nil {
		final = resp.Request.URL
	}
	header := http.Header{}
	CopyHeaders(header, resp.Header)
	header.Del("Content-Length")

	return &cache.Response{
		URL:        final.String(),
		Status:     resp.StatusCode,
		Header:     header,
		Body:       data,
		Type:       c.classify(final, resp.Header),
		Redirected: final.String() != target,
	}, nil
}

// classify 根据最终 URL 与 CORS 响应头判定 basic/cors/opaque。
func (c *Client) classify(final *url.URL, header http.Header) cache.ResponseType {
	if c.sameOrigin(final) {
		return cache.TypeBasic
	}
	allow := strings.TrimSpace(header.Get("Access-Control-Allow-Origin"))
	if allow == "*" || (allow != "" && strings.EqualFold(allow, c.originString())) {
		return cache.TypeCORS
	}
	return cache.TypeOpaque
}

func (c *Client) sameOrigin(u *url.URL) bool {
	if u == nil || c.origin.Host == "" {
		return false
	}
	return strings.EqualFold(u.Scheme, c.origin.Scheme) && strings.EqualFold(u.Host, c.origin.Host)
}

func (c *Client) originString() string {
	return strings.ToLower(c.origin.Scheme + "://" + c.origin.Host)
}
