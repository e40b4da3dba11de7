package cache

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"
)

// 元数据以附加头的形式写入 HTTP/1.1 报文，读取时剥离。
const (
	metaKeyHeader        = "X-Offline-Agent-Key"
	metaURLHeader        = "X-Offline-Agent-Url"
	metaTypeHeader       = "X-Offline-Agent-Type"
	metaRedirectedHeader = "X-Offline-Agent-Redirected"
	metaStoredAtHeader   = "X-Offline-Agent-Stored-At"
)

var metaHeaders = []string{
	metaKeyHeader,
	metaURLHeader,
	metaTypeHeader,
	metaRedirectedHeader,
	metaStoredAtHeader,
}

// encodeWire 将条目序列化为 HTTP/1.1 响应报文。
func encodeWire(key string, resp *Response) ([]byte, error) {
	header := resp.Header.Clone()
	if header == nil {
		header = http.Header{}
	}
	header.Del("Content-Length")
	header.Set(metaKeyHeader, key)
	header.Set(metaURLHeader, resp.URL)
	header.Set(metaTypeHeader, string(resp.Type))
	header.Set(metaRedirectedHeader, strconv.FormatBool(resp.Redirected))
	header.Set(metaStoredAtHeader, resp.StoredAt.UTC().Format(time.RFC3339Nano))

	wire := &http.Response{
		StatusCode:    resp.Status,
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(resp.Body)),
		ContentLength: int64(len(resp.Body)),
	}

	buf := &bytes.Buffer{}
	if err := wire.Write(buf); err != nil {
		return nil, fmt.Errorf("encode entry: %w", err)
	}
	return buf.Bytes(), nil
}

// decodeWire 解析 encodeWire 产出的报文，返回条目 key 与响应。
func decodeWire(data []byte) (string, *Response, error) {
	wire, err := http.ReadResponse(bufio.NewReader(bytes.NewReader(data)), nil)
	if err != nil {
		return "", nil, fmt.Errorf("decode entry: %w", err)
	}
	defer wire.Body.Close()

	body, err := io.ReadAll(wire.Body)
	if err != nil {
		return "", nil, fmt.Errorf("decode entry body: %w", err)
	}

	header := wire.Header
	key := header.Get(metaKeyHeader)
	if key == "" {
		return "", nil, fmt.Errorf("decode entry: missing %s", metaKeyHeader)
	}

	resp := &Response{
		URL:        header.Get(metaURLHeader),
		Status:     wire.StatusCode,
		Type:       ResponseType(header.Get(metaTypeHeader)),
		Redirected: header.Get(metaRedirectedHeader) == "true",
		Body:       body,
	}
	if raw := header.Get(metaStoredAtHeader); raw != "" {
		if storedAt, err := time.Parse(time.RFC3339Nano, raw); err == nil {
			resp.StoredAt = storedAt
		}
	}

	for _, name := range metaHeaders {
		header.Del(name)
	}
	header.Del("Content-Length")
	resp.Header = header
	return key, resp, nil
}
