package cache

import (
	"context"
	"errors"
	"strings"
)

// Storage 管理按名称区分的多个 Store，每个缓存代际（generation）对应一个 Store。
type Storage interface {
	// Open 返回指定名称的 Store，不存在时自动创建。
	Open(ctx context.Context, name string) (Store, error)

	// Lookup 返回已存在的 Store，不存在时返回 ErrNotFound；与 Open 不同，它从不创建 Store。
	Lookup(ctx context.Context, name string) (Store, error)

	// Has 判断名称对应的 Store 是否存在。
	Has(ctx context.Context, name string) (bool, error)

	// Keys 按字典序返回当前存在的全部 Store 名称。
	Keys(ctx context.Context) ([]string, error)

	// Delete 删除整个 Store 及其全部条目，返回删除前是否存在。
	Delete(ctx context.Context, name string) (bool, error)

	// Close 释放底层资源（文件句柄、数据库连接等）。
	Close() error
}

// Store 表示单个缓存代际中的 请求 key → 响应 映射。
//
// 实现必须是并发安全的；同一 key 的写入需串行化，最后完成的写入生效。
type Store interface {
	// Name 返回 Store 名称（即缓存代际名）。
	Name() string

	// Match 查找 key 对应的响应，未命中返回 ErrNotFound。
	Match(ctx context.Context, key string) (*Response, error)

	// Put 写入或覆盖 key 对应的响应。Store 已被删除时返回 ErrStoreDeleted。
	Put(ctx context.Context, key string, resp *Response) error

	// Delete 删除单个条目，返回删除前是否存在。
	Delete(ctx context.Context, key string) (bool, error)

	// Keys 按字典序返回 Store 中的全部 key。
	Keys(ctx context.Context) ([]string, error)
}

var (
	// ErrNotFound 表示缓存条目不存在。
	ErrNotFound = errors.New("cache entry not found")

	// ErrStoreDeleted 表示 Store 已被删除，旧句柄不再接受写入。
	ErrStoreDeleted = errors.New("cache store deleted")

	// ErrInvalidStoreName 表示 Store 名称为空或包含非法路径片段。
	ErrInvalidStoreName = errors.New("invalid cache store name")
)

// ValidateStoreName 校验 Store 名称，非法时返回 ErrInvalidStoreName。
func ValidateStoreName(name string) error {
	trimmed := strings.TrimSpace(name)
	if trimmed == "" || trimmed != name {
		return ErrInvalidStoreName
	}
	if strings.HasPrefix(name, ".") || strings.ContainsAny(name, "\x00") {
		return ErrInvalidStoreName
	}
	return nil
}

func checkContext(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return nil
	}
}
