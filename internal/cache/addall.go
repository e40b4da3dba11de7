package cache

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/sourcegraph/conc/pool"
	"go.uber.org/multierr"
)

// Fetcher 抽象网络请求能力，返回完整捕获的响应；传输失败时返回 error。
type Fetcher interface {
	Fetch(ctx context.Context, req *http.Request) (*Response, error)
}

// AssetError 记录单个资源预缓存失败的地址与原因。
type AssetError struct {
	URL string
	Err error
}

func (e *AssetError) Error() string {
	return fmt.Sprintf("precache %s: %v", e.URL, e.Err)
}

func (e *AssetError) Unwrap() error {
	return e.Err
}

// AddAllOptions 控制批量预缓存的并发度。
type AddAllOptions struct {
	Concurrency int
}

const defaultAddAllConcurrency = 4

// AddAll 按顺序发起 urls 的抓取并写入 store。单个资源失败不会中断其它资源；
// 全部成功时返回 nil，否则返回由 *AssetError 组成的 multierr。
func AddAll(ctx context.Context, store Store, fetcher Fetcher, urls []string, opts AddAllOptions) error {
	if store == nil {
		return errors.New("store is required")
	}
	if fetcher == nil {
		return errors.New("fetcher is required")
	}

	limit := opts.Concurrency
	if limit <= 0 {
		limit = defaultAddAllConcurrency
	}

	errs := make([]error, len(urls))
	p := pool.New().WithMaxGoroutines(limit)
	for i, raw := range urls {
		p.Go(func() {
			errs[i] = addOne(ctx, store, fetcher, raw)
		})
	}
	p.Wait()

	return multierr.Combine(errs...)
}

func addOne(ctx context.Context, store Store, fetcher Fetcher, raw string) error {
	key, err := KeyForURL(raw)
	if err != nil {
		return &AssetError{URL: raw, Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, raw, nil)
	if err != nil {
		return &AssetError{URL: raw, Err: err}
	}

	resp, err := fetcher.Fetch(ctx, req)
	if err != nil {
		return &AssetError{URL: raw, Err: err}
	}
	if err := CheckStorable(resp); err != nil {
		return &AssetError{URL: raw, Err: err}
	}
	if err := store.Put(ctx, key, resp); err != nil {
		return &AssetError{URL: raw, Err: err}
	}
	return nil
}

// AssetErrors 从 AddAll 的返回值中提取逐个资源的失败记录。
func AssetErrors(err error) []*AssetError {
	var result []*AssetError
	for _, item := range multierr.Errors(err) {
		var assetErr *AssetError
		if errors.As(item, &assetErr) {
			result = append(result, assetErr)
		}
	}
	return result
}
