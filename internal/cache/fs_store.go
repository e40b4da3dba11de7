package cache

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

const entrySuffix = ".entry"

// NewFileStorage 以 basePath 为根目录构建磁盘缓存，每个 Store 占用一个子目录。
// 条目文件名取完整 key 的 sha256，任意两个不同 key 都不会落到同一文件：
//
//	<basePath>/<store>/<scheme>/<host>/<sha256[:2]>/<sha256>.entry
func NewFileStorage(basePath string) (Storage, error) {
	if basePath == "" {
		return nil, errors.New("storage path required")
	}

	abs, err := filepath.Abs(basePath)
	if err != nil {
		return nil, fmt.Errorf("resolve storage path: %w", err)
	}

	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create storage path: %w", err)
	}

	return &fileStorage{
		basePath: abs,
		states:   make(map[string]*storeState),
		locks:    make(map[string]*entryLock),
	}, nil
}

// fileStorage 通过 dirMu 协调 Store 删除与写入，entryLock 避免同一条目并发写入。
type fileStorage struct {
	basePath string

	// dirMu 保护 states；Delete 持写锁标记删除并移除目录，Put 持读锁检查标记。
	dirMu  sync.RWMutex
	states map[string]*storeState

	mu    sync.Mutex
	locks map[string]*entryLock
}

type entryLock struct {
	mu   sync.Mutex
	refs int
}

// storeState 由同名 Store 的全部句柄共享，Delete 后旧句柄据此拒绝写入。
type storeState struct {
	deleted bool
}

type fileStore struct {
	storage *fileStorage
	name    string
	dir     string
	state   *storeState
}

func (s *fileStorage) Open(ctx context.Context, name string) (Store, error) {
	if err := checkContext(ctx); err != nil {
		return nil, err
	}
	dir, err := s.storeDir(name)
	if err != nil {
		return nil, err
	}

	s.dirMu.RLock()
	state := s.states[name]
	s.dirMu.RUnlock()
	if state != nil {
		return &fileStore{storage: s, name: name, dir: dir, state: state}, nil
	}

	s.dirMu.Lock()
	defer s.dirMu.Unlock()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create store %s: %w", name, err)
	}
	return &fileStore{storage: s, name: name, dir: dir, state: s.stateLocked(name)}, nil
}

// Lookup 返回已存在的 Store，不存在时返回 ErrNotFound，不会创建目录。
func (s *fileStorage) Lookup(ctx context.Context, name string) (Store, error) {
	if err := checkContext(ctx); err != nil {
		return nil, err
	}
	dir, err := s.storeDir(name)
	if err != nil {
		return nil, err
	}

	s.dirMu.Lock()
	defer s.dirMu.Unlock()
	exists, err := dirExists(dir)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, ErrNotFound
	}
	return &fileStore{storage: s, name: name, dir: dir, state: s.stateLocked(name)}, nil
}

// stateLocked 必须在持有 dirMu 写锁时调用。
func (s *fileStorage) stateLocked(name string) *storeState {
	state := s.states[name]
	if state == nil {
		state = &storeState{}
		s.states[name] = state
	}
	return state
}

func (s *fileStorage) Has(ctx context.Context, name string) (bool, error) {
	if err := checkContext(ctx); err != nil {
		return false, err
	}
	dir, err := s.storeDir(name)
	if err != nil {
		return false, err
	}
	return dirExists(dir)
}

func (s *fileStorage) Keys(ctx context.Context) ([]string, error) {
	if err := checkContext(ctx); err != nil {
		return nil, err
	}
	s.dirMu.RLock()
	entries, err := os.ReadDir(s.basePath)
	s.dirMu.RUnlock()
	if err != nil {
		return nil, err
	}

	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		name, err := url.PathUnescape(entry.Name())
		if err != nil {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (s *fileStorage) Delete(ctx context.Context, name string) (bool, error) {
	if err := checkContext(ctx); err != nil {
		return false, err
	}
	dir, err := s.storeDir(name)
	if err != nil {
		return false, err
	}

	s.dirMu.Lock()
	defer s.dirMu.Unlock()
	if state := s.states[name]; state != nil {
		state.deleted = true
		delete(s.states, name)
	}
	exists, err := dirExists(dir)
	if err != nil || !exists {
		return false, err
	}
	if err := os.RemoveAll(dir); err != nil {
		return false, fmt.Errorf("delete store %s: %w", name, err)
	}
	return true, nil
}

func (s *fileStorage) Close() error {
	return nil
}

func (s *fileStorage) storeDir(name string) (string, error) {
	if err := ValidateStoreName(name); err != nil {
		return "", err
	}
	return filepath.Join(s.basePath, url.PathEscape(name)), nil
}

func (s *fileStorage) lockEntry(key string) func() {
	s.mu.Lock()
	lock := s.locks[key]
	if lock == nil {
		lock = &entryLock{}
		s.locks[key] = lock
	}
	lock.refs++
	s.mu.Unlock()

	lock.mu.Lock()
	return func() {
		lock.mu.Unlock()
		s.mu.Lock()
		lock.refs--
		if lock.refs == 0 {
			delete(s.locks, key)
		}
		s.mu.Unlock()
	}
}

func (f *fileStore) Name() string {
	return f.name
}

func (f *fileStore) Match(ctx context.Context, key string) (*Response, error) {
	if err := checkContext(ctx); err != nil {
		return nil, err
	}

	filePath, err := f.entryPath(key)
	if err != nil {
		return nil, err
	}

	info, err := os.Stat(filePath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if info.IsDir() {
		return nil, ErrNotFound
	}

	data, err := os.ReadFile(filePath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	storedKey, resp, err := decodeWire(data)
	if err != nil {
		return nil, err
	}
	if storedKey != key {
		return nil, fmt.Errorf("cache entry %s holds key %s", filePath, storedKey)
	}
	resp.Cached = true
	return resp, nil
}

func (f *fileStore) Put(ctx context.Context, key string, resp *Response) error {
	if resp == nil {
		return ErrNotStorable
	}

	f.storage.dirMu.RLock()
	defer f.storage.dirMu.RUnlock()
	if f.state.deleted {
		return ErrStoreDeleted
	}

	unlock := f.storage.lockEntry(f.name + "::" + key)
	defer unlock()

	filePath, err := f.entryPath(key)
	if err != nil {
		return err
	}

	stored := resp.Clone()
	if stored.StoredAt.IsZero() {
		stored.StoredAt = time.Now().UTC()
	}
	data, err := encodeWire(key, stored)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(filePath), 0o755); err != nil {
		return err
	}

	tempFile, err := os.CreateTemp(filepath.Dir(filePath), ".cache-*")
	if err != nil {
		return err
	}
	tempName := tempFile.Name()

	_, err = copyWithContext(ctx, tempFile, bytes.NewReader(data))
	closeErr := tempFile.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tempName)
		return err
	}

	if err := os.Rename(tempName, filePath); err != nil {
		os.Remove(tempName)
		return err
	}

	return os.Chtimes(filePath, stored.StoredAt, stored.StoredAt)
}

func (f *fileStore) Delete(ctx context.Context, key string) (bool, error) {
	if err := checkContext(ctx); err != nil {
		return false, err
	}
	unlock := f.storage.lockEntry(f.name + "::" + key)
	defer unlock()

	filePath, err := f.entryPath(key)
	if err != nil {
		return false, err
	}
	if err := os.Remove(filePath); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (f *fileStore) Keys(ctx context.Context) ([]string, error) {
	if err := checkContext(ctx); err != nil {
		return nil, err
	}

	var keys []string
	err := filepath.WalkDir(f.dir, func(p string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			if errors.Is(walkErr, fs.ErrNotExist) {
				return nil
			}
			return walkErr
		}
		if d.IsDir() || !strings.HasSuffix(d.Name(), entrySuffix) {
			return nil
		}
		data, err := os.ReadFile(p)
		if err != nil {
			return nil
		}
		key, _, err := decodeWire(data)
		if err != nil {
			return nil
		}
		keys = append(keys, key)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(keys)
	return keys, nil
}

func (f *fileStore) entryPath(key string) (string, error) {
	parsed, err := url.Parse(key)
	if err != nil {
		return "", fmt.Errorf("invalid cache key %q: %w", key, err)
	}

	scheme := parsed.Scheme
	if scheme == "" {
		scheme = "_"
	}
	host := parsed.Host
	if host == "" {
		host = "_"
	}

	sum := sha256.Sum256([]byte(key))
	name := hex.EncodeToString(sum[:])

	filePath := filepath.Join(f.dir, url.PathEscape(scheme), url.PathEscape(host), name[:2], name+entrySuffix)
	if !strings.HasPrefix(filePath, f.dir+string(os.PathSeparator)) {
		return "", errors.New("invalid cache path")
	}
	return filePath, nil
}

func dirExists(dir string) (bool, error) {
	info, err := os.Stat(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	return info.IsDir(), nil
}

func copyWithContext(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	var copied int64
	buf := make([]byte, 32*1024)
	for {
		if err := ctx.Err(); err != nil {
			return copied, err
		}
		n, err := src.Read(buf)
		if n > 0 {
			w, wErr := dst.Write(buf[:n])
			copied += int64(w)
			if wErr != nil {
				return copied, wErr
			}
			if w < n {
				return copied, io.ErrShortWrite
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return copied, nil
			}
			return copied, err
		}
	}
}
