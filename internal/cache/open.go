package cache

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// 支持的存储驱动。
const (
	DriverFS      = "fs"
	DriverLevelDB = "leveldb"
	DriverSQLite  = "sqlite"
	DriverMemory  = "memory"
)

// Drivers 返回全部驱动名称，供配置校验使用。
func Drivers() []string {
	return []string{DriverFS, DriverLevelDB, DriverSQLite, DriverMemory}
}

// Open 根据驱动名构建 Storage，basePath 为 StoragePath 根目录。
func Open(driver, basePath string) (Storage, error) {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "", DriverFS:
		return NewFileStorage(basePath)
	case DriverLevelDB:
		if err := os.MkdirAll(basePath, 0o755); err != nil {
			return nil, fmt.Errorf("create storage path: %w", err)
		}
		return NewLevelDBStorage(filepath.Join(basePath, "leveldb"))
	case DriverSQLite:
		if err := os.MkdirAll(basePath, 0o755); err != nil {
			return nil, fmt.Errorf("create storage path: %w", err)
		}
		return NewSQLiteStorage(filepath.Join(basePath, "cache.db"))
	case DriverMemory:
		return NewMemoryStorage(), nil
	default:
		return nil, fmt.Errorf("unsupported storage driver: %s", driver)
	}
}
