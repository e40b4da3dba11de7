package cache

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// ResponseType 描述响应内容能否被调用方校验，对应 basic/cors/opaque 三类。
type ResponseType string

const (
	// TypeBasic 表示同源响应。
	TypeBasic ResponseType = "basic"
	// TypeCORS 表示跨域但源站通过 Access-Control-Allow-Origin 明确授权的响应。
	TypeCORS ResponseType = "cors"
	// TypeOpaque 表示未授权的跨域响应，内容不可校验。
	TypeOpaque ResponseType = "opaque"
)

// ErrNotStorable 表示响应不满足写入缓存的条件（非 2xx、opaque 等）。
var ErrNotStorable = errors.New("response not storable")

// Response 是一次完整捕获的 HTTP 响应（状态码、头部、正文）。
type Response struct {
	// URL 为最终响应地址（跟随重定向之后）。
	URL        string
	Status     int
	Header     http.Header
	Body       []byte
	Type       ResponseType
	Redirected bool
	StoredAt   time.Time

	// Cached 仅在 Match 返回的响应上为 true，不会被持久化。
	Cached bool
}

// Clone 深拷贝响应，供“一份写缓存、一份返回调用方”的场景使用。
func (r *Response) Clone() *Response {
	if r == nil {
		return nil
	}
	cloned := *r
	cloned.Header = r.Header.Clone()
	if cloned.Header == nil {
		cloned.Header = http.Header{}
	}
	if r.Body != nil {
		cloned.Body = append([]byte(nil), r.Body...)
	}
	return &cloned
}

// OK 与 fetch 语义一致：状态码位于 200-299。
func (r *Response) OK() bool {
	return r != nil && r.Status >= 200 && r.Status <= 299
}

// CheckStorable 返回 nil 表示响应可以写入缓存，否则返回包装 ErrNotStorable 的原因。
//
// 同一代际的缓存由所有客户端共享，因此带有 Cache-Control: private/no-store、
// Set-Cookie 或按 Accept-Encoding 以外的请求头区分内容的响应一律不写入。
func CheckStorable(resp *Response) error {
	switch {
	case resp == nil:
		return fmt.Errorf("%w: empty response", ErrNotStorable)
	case resp.Type != TypeBasic && resp.Type != TypeCORS:
		return fmt.Errorf("%w: %s response", ErrNotStorable, resp.typeName())
	case !resp.OK():
		return fmt.Errorf("%w: status %d", ErrNotStorable, resp.Status)
	case resp.Status == http.StatusPartialContent:
		return fmt.Errorf("%w: partial content", ErrNotStorable)
	case hasCacheDirective(resp.Header, "no-store"):
		return fmt.Errorf("%w: Cache-Control: no-store", ErrNotStorable)
	case hasCacheDirective(resp.Header, "private"):
		return fmt.Errorf("%w: Cache-Control: private", ErrNotStorable)
	case len(resp.Header.Values("Set-Cookie")) > 0:
		return fmt.Errorf("%w: Set-Cookie", ErrNotStorable)
	}
	if field := unsupportedVary(resp.Header); field != "" {
		return fmt.Errorf("%w: Vary: %s", ErrNotStorable, field)
	}
	return nil
}

// CheckRequestStorable 拒绝携带凭据的请求：其响应可能属于单个用户，不能进入共享缓存。
func CheckRequestStorable(req *http.Request) error {
	switch {
	case req == nil:
		return fmt.Errorf("%w: empty request", ErrNotStorable)
	case req.Method != http.MethodGet:
		return fmt.Errorf("%w: method %s", ErrNotStorable, req.Method)
	case req.Header.Get("Authorization") != "":
		return fmt.Errorf("%w: request carries Authorization", ErrNotStorable)
	case len(req.Header.Values("Cookie")) > 0:
		return fmt.Errorf("%w: request carries Cookie", ErrNotStorable)
	}
	return nil
}

// Storable 判断响应是否允许进入缓存：成功、可校验（basic/cors）且不属于单个用户。
func Storable(resp *Response) bool {
	return CheckStorable(resp) == nil
}

func (r *Response) typeName() string {
	if r.Type == "" {
		return "untyped"
	}
	return string(r.Type)
}

// unsupportedVary 返回第一个 Accept-Encoding 以外的 Vary 字段（含 *），全部允许时返回空串。
// 出站请求不透传 Accept-Encoding，因此该字段不会让同一 key 出现多种内容。
func unsupportedVary(header http.Header) string {
	for _, value := range header.Values("Vary") {
		for _, field := range strings.Split(value, ",") {
			field = strings.TrimSpace(field)
			if field != "" && !strings.EqualFold(field, "Accept-Encoding") {
				return field
			}
		}
	}
	return ""
}

func hasCacheDirective(header http.Header, directive string) bool {
	for _, value := range header.Values("Cache-Control") {
		for _, part := range strings.Split(value, ",") {
			name, _, _ := strings.Cut(strings.TrimSpace(part), "=")
			if strings.EqualFold(strings.TrimSpace(name), directive) {
				return true
			}
		}
	}
	return false
}
