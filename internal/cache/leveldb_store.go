package cache

import (
	"bytes"
	"context"
	"encoding/gob"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// LevelDB 键空间：
//
//	n:<store>                 Store 标记（值为创建时间）
//	e:<store>\x00<key>        gob 编码的 levelEntry
const (
	levelStorePrefix = "n:"
	levelEntryPrefix = "e:"
)

// NewLevelDBStorage 打开（或创建）path 处的 LevelDB，全部 Store 共用一个库。
func NewLevelDBStorage(path string) (Storage, error) {
	if path == "" {
		return nil, errors.New("leveldb path required")
	}
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("open leveldb: %w", err)
	}
	return &levelStorage{db: db}, nil
}

type levelStorage struct {
	db *leveldb.DB

	// mu 保证 Store 删除与写入互斥，避免删除后被写入复活。
	mu sync.RWMutex
}

type levelStore struct {
	storage *levelStorage
	name    string
	// created 是 Open 时读到的 Store 标记值，同名 Store 被删除重建后标记值不同。
	created []byte
}

type levelEntry struct {
	URL        string
	Status     int
	Header     http.Header
	Body       []byte
	Type       string
	Redirected bool
	StoredAt   int64 // unix nanoseconds
}

func (s *levelStorage) Open(ctx context.Context, name string) (Store, error) {
	if err := checkContext(ctx); err != nil {
		return nil, err
	}
	if err := ValidateStoreName(name); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	marker := []byte(levelStorePrefix + name)
	created, err := s.db.Get(marker, nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		created, _ = time.Now().UTC().MarshalBinary()
		if err := s.db.Put(marker, created, nil); err != nil {
			return nil, fmt.Errorf("create store %s: %w", name, err)
		}
	} else if err != nil {
		return nil, err
	}
	return &levelStore{storage: s, name: name, created: created}, nil
}

func (s *levelStorage) Lookup(ctx context.Context, name string) (Store, error) {
	if err := checkContext(ctx); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	created, err := s.db.Get([]byte(levelStorePrefix+name), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &levelStore{storage: s, name: name, created: created}, nil
}

func (s *levelStorage) Has(ctx context.Context, name string) (bool, error) {
	if err := checkContext(ctx); err != nil {
		return false, err
	}
	return s.db.Has([]byte(levelStorePrefix+name), nil)
}

func (s *levelStorage) Keys(ctx context.Context) ([]string, error) {
	if err := checkContext(ctx); err != nil {
		return nil, err
	}
	it := s.db.NewIterator(util.BytesPrefix([]byte(levelStorePrefix)), nil)
	defer it.Release()

	var names []string
	for it.Next() {
		names = append(names, string(bytes.TrimPrefix(it.Key(), []byte(levelStorePrefix))))
	}
	if err := it.Error(); err != nil {
		return nil, err
	}
	sort.Strings(names)
	return names, nil
}

func (s *levelStorage) Delete(ctx context.Context, name string) (bool, error) {
	if err := checkContext(ctx); err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	marker := []byte(levelStorePrefix + name)
	exists, err := s.db.Has(marker, nil)
	if err != nil || !exists {
		return false, err
	}

	batch := new(leveldb.Batch)
	it := s.db.NewIterator(util.BytesPrefix(entryPrefix(name)), nil)
	for it.Next() {
		batch.Delete(append([]byte(nil), it.Key()...))
	}
	it.Release()
	if err := it.Error(); err != nil {
		return false, err
	}
	batch.Delete(marker)

	if err := s.db.Write(batch, nil); err != nil {
		return false, fmt.Errorf("delete store %s: %w", name, err)
	}
	return true, nil
}

func (s *levelStorage) Close() error {
	return s.db.Close()
}

func entryPrefix(name string) []byte {
	return []byte(levelEntryPrefix + name + "\x00")
}

func (l *levelStore) Name() string {
	return l.name
}

func (l *levelStore) entryKey(key string) []byte {
	return append(entryPrefix(l.name), key...)
}

func (l *levelStore) Match(ctx context.Context, key string) (*Response, error) {
	if err := checkContext(ctx); err != nil {
		return nil, err
	}
	raw, err := l.storage.db.Get(l.entryKey(key), nil)
	if err != nil {
		if errors.Is(err, leveldb.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	var ent levelEntry
	if err := decodeGob(raw, &ent); err != nil {
		return nil, fmt.Errorf("decode entry: %w", err)
	}
	if ent.Header == nil {
		ent.Header = http.Header{}
	}
	return &Response{
		URL:        ent.URL,
		Status:     ent.Status,
		Header:     ent.Header,
		Body:       ent.Body,
		Type:       ResponseType(ent.Type),
		Redirected: ent.Redirected,
		StoredAt:   time.Unix(0, ent.StoredAt).UTC(),
		Cached:     true,
	}, nil
}

func (l *levelStore) Put(ctx context.Context, key string, resp *Response) error {
	if err := checkContext(ctx); err != nil {
		return err
	}
	if resp == nil {
		return ErrNotStorable
	}

	storedAt := resp.StoredAt
	if storedAt.IsZero() {
		storedAt = time.Now().UTC()
	}
	header := resp.Header.Clone()
	if header == nil {
		header = http.Header{}
	}
	raw, err := encodeGob(levelEntry{
		URL:        resp.URL,
		Status:     resp.Status,
		Header:     header,
		Body:       resp.Body,
		Type:       string(resp.Type),
		Redirected: resp.Redirected,
		StoredAt:   storedAt.UnixNano(),
	})
	if err != nil {
		return fmt.Errorf("encode entry: %w", err)
	}

	l.storage.mu.RLock()
	defer l.storage.mu.RUnlock()
	marker, err := l.storage.db.Get([]byte(levelStorePrefix+l.name), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return ErrStoreDeleted
	}
	if err != nil {
		return err
	}
	if !bytes.Equal(marker, l.created) {
		return ErrStoreDeleted
	}
	return l.storage.db.Put(l.entryKey(key), raw, nil)
}

func (l *levelStore) Delete(ctx context.Context, key string) (bool, error) {
	if err := checkContext(ctx); err != nil {
		return false, err
	}
	entryKey := l.entryKey(key)
	exists, err := l.storage.db.Has(entryKey, nil)
	if err != nil || !exists {
		return false, err
	}
	if err := l.storage.db.Delete(entryKey, nil); err != nil {
		return false, err
	}
	return true, nil
}

func (l *levelStore) Keys(ctx context.Context) ([]string, error) {
	if err := checkContext(ctx); err != nil {
		return nil, err
	}
	prefix := entryPrefix(l.name)
	it := l.storage.db.NewIterator(util.BytesPrefix(prefix), nil)
	defer it.Release()

	var keys []string
	for it.Next() {
		keys = append(keys, string(bytes.TrimPrefix(it.Key(), prefix)))
	}
	if err := it.Error(); err != nil {
		return nil, err
	}
	sort.Strings(keys)
	return keys, nil
}

func encodeGob(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := gob.NewEncoder(&buf)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeGob(b []byte, v any) error {
	dec := gob.NewDecoder(bytes.NewReader(b))
	return dec.Decode(v)
}
