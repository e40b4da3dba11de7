package proxy

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/offline-agent/offline-agent/internal/fetch"
	"github.com/offline-agent/offline-agent/internal/lifecycle"
	"github.com/offline-agent/offline-agent/internal/logging"
	"github.com/offline-agent/offline-agent/internal/server"
)

// 响应头：缓存命中状态与控制请求的缓存代际。
const (
	HeaderCacheStatus = "X-Offline-Agent-Cache"
	HeaderGeneration  = "X-Offline-Agent-Generation"
)

// 缓存命中状态取值。
const (
	CacheHit    = "hit"
	CacheMiss   = "miss"
	CacheBypass = "bypass"
)

// Dispatcher 把 fetch 事件交给当前控制者，通常由 lifecycle.Runtime 实现。
type Dispatcher interface {
	Dispatch(ctx context.Context, req *http.Request) (lifecycle.Outcome, error)
}

// Handler 把每个入站请求转换为 fetch 事件，并把结果写回客户端。
type Handler struct {
	dispatcher Dispatcher
	origin     *url.URL
	logger     *logrus.Logger
}

var _ server.ProxyHandler = (*Handler)(nil)

// NewHandler constructs a proxy handler that resolves request paths against origin.
func NewHandler(dispatcher Dispatcher, origin *url.URL, logger *logrus.Logger) *Handler {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Handler{
		dispatcher: dispatcher,
		origin:     origin,
		logger:     logger,
	}
}

// Handle 构造绝对地址请求并派发，派发失败时返回 502，任何结果都会输出结构化日志。
func (h *Handler) Handle(c fiber.Ctx) error {
	started := time.Now()
	requestID := server.RequestID(c)

	ctx := c.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	req, err := h.buildRequest(ctx, c)
	if err != nil {
		h.logResult(c.Method(), c.OriginalURL(), requestID, "", CacheBypass, 0, started, err)
		return h.writeError(c, fiber.StatusBadRequest, "invalid_request")
	}

	outcome, err := h.dispatcher.Dispatch(ctx, req)
	if err == nil && outcome.Response == nil {
		err = errors.New("empty fetch response")
	}
	status := cacheStatus(req.Method, outcome)
	if err != nil {
		h.logResult(req.Method, req.URL.String(), requestID, outcome.Controller, status, 0, started, err)
		return h.writeError(c, fiber.StatusBadGateway, "upstream_failed")
	}

	resp := outcome.Response
	copyResponseHeaders(c, resp.Header)
	c.Set(HeaderCacheStatus, status)
	if outcome.Controller != "" {
		c.Set(HeaderGeneration, outcome.Controller)
	}
	c.Status(resp.Status)

	h.logResult(req.Method, req.URL.String(), requestID, outcome.Controller, status, resp.Status, started, nil)
	if req.Method == http.MethodHead {
		c.Response().SkipBody = true
		return nil
	}
	return c.Send(resp.Body)
}

// buildRequest 将 Fiber 请求还原为指向源站的 http.Request，保留方法、头与请求体。
func (h *Handler) buildRequest(ctx context.Context, c fiber.Ctx) (*http.Request, error) {
	target := resolveTarget(h.origin, c)

	var body io.Reader = http.NoBody
	if raw := c.Body(); len(raw) > 0 {
		body = bytes.NewReader(append([]byte(nil), raw...))
	}
	req, err := http.NewRequestWithContext(ctx, c.Method(), target.String(), body)
	if err != nil {
		return nil, err
	}

	fetch.CopyHeaders(req.Header, fiberHeadersAsHTTP(c))
	req.Header.Del("Host")
	req.Host = target.Host
	req.Header.Set("X-Forwarded-Host", c.Hostname())
	if ip := c.IP(); ip != "" {
		if prior := req.Header.Get("X-Forwarded-For"); prior != "" {
			req.Header.Set("X-Forwarded-For", prior+", "+ip)
		} else {
			req.Header.Set("X-Forwarded-For", ip)
		}
	}
	req.Header.Set("X-Forwarded-Proto", c.Protocol())
	return req, nil
}

func (h *Handler) writeError(c fiber.Ctx, status int, code string) error {
	c.Set(HeaderCacheStatus, CacheBypass)
	return c.Status(status).JSON(fiber.Map{"error": code})
}

func (h *Handler) logResult(
	method string,
	target string,
	requestID string,
	controller string,
	status string,
	upstreamStatus int,
	started time.Time,
	err error,
) {
	fields := logging.RequestFields(controller, method, target, status)
	fields["action"] = "proxy"
	fields["status"] = upstreamStatus
	fields["elapsed_ms"] = time.Since(started).Milliseconds()
	if requestID != "" {
		fields["request_id"] = requestID
	}
	if err != nil {
		fields["error"] = err.Error()
		h.logger.WithFields(fields).Error("proxy_failed")
		return
	}
	h.logger.WithFields(fields).Info("proxy_complete")
}

// cacheStatus 仅 GET 请求参与缓存；非 GET 或无控制者的请求标记为 bypass。
func cacheStatus(method string, outcome lifecycle.Outcome) string {
	switch {
	case outcome.Controller == "" || method != http.MethodGet:
		return CacheBypass
	case outcome.Response != nil && outcome.Response.Cached:
		return CacheHit
	default:
		return CacheMiss
	}
}

// resolveTarget 拼接源站与请求路径/查询串，路径经过清理但保留末尾斜杠。
func resolveTarget(origin *url.URL, c fiber.Ctx) *url.URL {
	uri := c.Request().URI()
	clean := normalizeRequestPath(string(uri.Path()))
	target := &url.URL{
		Scheme:   origin.Scheme,
		Host:     origin.Host,
		Path:     clean,
		RawQuery: string(uri.QueryString()),
	}
	return target
}

func normalizeRequestPath(raw string) string {
	if raw == "" {
		return "/"
	}
	clean := path.Clean("/" + raw)
	if strings.HasSuffix(raw, "/") && clean != "/" {
		clean += "/"
	}
	return clean
}

func fiberHeadersAsHTTP(c fiber.Ctx) http.Header {
	header := http.Header{}
	c.Request().Header.VisitAll(func(key, value []byte) {
		header.Add(string(key), string(value))
	})
	return header
}

// copyResponseHeaders 透传端到端响应头；Content-Length 由 Fiber 根据实际 body 计算。
func copyResponseHeaders(c fiber.Ctx, headers http.Header) {
	for key, values := range headers {
		if fetch.IsHopByHopHeader(key) || strings.EqualFold(key, fiber.HeaderContentLength) {
			continue
		}
		for i, value := range values {
			if i == 0 {
				c.Set(key, value)
				continue
			}
			c.Response().Header.Add(key, value)
		}
	}
}
