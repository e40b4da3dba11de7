package cache

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	_ "github.com/glebarez/go-sqlite"
)

// NewSQLiteStorage 以 filename 作为 SQLite 数据库构建缓存存储；filename 为空时使用内存库。
func NewSQLiteStorage(filename string) (Storage, error) {
	if filename == "" {
		filename = "file::memory:?cache=shared"
	}
	db, err := sql.Open("sqlite", filename)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	statements := []string{
		`CREATE TABLE IF NOT EXISTS stores (
			name TEXT PRIMARY KEY,
			created_at INTEGER
		)`,
		`CREATE TABLE IF NOT EXISTS entries (
			store TEXT NOT NULL,
			key TEXT NOT NULL,
			url TEXT,
			status INTEGER,
			type TEXT,
			redirected INTEGER,
			header BLOB,
			body BLOB,
			stored_at INTEGER,
			PRIMARY KEY (store, key)
		)`,
		"PRAGMA journal_mode=WAL",
	}
	for _, stmt := range statements {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("init sqlite schema: %w", err)
		}
	}

	return &sqliteStorage{db: db}, nil
}

// sqliteStorage 与 SQLite 的单写者模型一致，所有写操作经 writeMutex 串行化。
type sqliteStorage struct {
	db         *sql.DB
	writeMutex sync.Mutex
}

type sqliteStore struct {
	storage *sqliteStorage
	name    string
	// created 区分同名 Store 的不同实例，删除后重建的 Store 不接受旧句柄写入。
	created int64
}

func (s *sqliteStorage) Open(ctx context.Context, name string) (Store, error) {
	if err := ValidateStoreName(name); err != nil {
		return nil, err
	}
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	_, err := s.db.ExecContext(ctx,
		"INSERT OR IGNORE INTO stores (name, created_at) VALUES (?, ?)",
		name, time.Now().UTC().UnixNano())
	if err != nil {
		return nil, fmt.Errorf("create store %s: %w", name, err)
	}
	created, err := s.createdAt(ctx, name)
	if err != nil {
		return nil, err
	}
	return &sqliteStore{storage: s, name: name, created: created}, nil
}

func (s *sqliteStorage) Lookup(ctx context.Context, name string) (Store, error) {
	created, err := s.createdAt(ctx, name)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &sqliteStore{storage: s, name: name, created: created}, nil
}

func (s *sqliteStorage) Has(ctx context.Context, name string) (bool, error) {
	_, err := s.createdAt(ctx, name)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// createdAt 返回 Store 的创建时间戳，Store 不存在时返回 sql.ErrNoRows。
func (s *sqliteStorage) createdAt(ctx context.Context, name string) (int64, error) {
	var created int64
	err := s.db.QueryRowContext(ctx, "SELECT created_at FROM stores WHERE name = ?", name).Scan(&created)
	return created, err
}

func (s *sqliteStorage) Keys(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT name FROM stores ORDER BY name")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

func (s *sqliteStorage) Delete(ctx context.Context, name string) (bool, error) {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM entries WHERE store = ?", name); err != nil {
		return false, fmt.Errorf("delete store %s: %w", name, err)
	}
	res, err := tx.ExecContext(ctx, "DELETE FROM stores WHERE name = ?", name)
	if err != nil {
		return false, fmt.Errorf("delete store %s: %w", name, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}
	return affected > 0, nil
}

func (s *sqliteStorage) Close() error {
	return s.db.Close()
}

func (q *sqliteStore) Name() string {
	return q.name
}

func (q *sqliteStore) Match(ctx context.Context, key string) (*Response, error) {
	var (
		resp       Response
		typ        string
		redirected int
		header     []byte
		storedAt   int64
	)
	err := q.storage.db.QueryRowContext(ctx, `SELECT url, status, type, redirected, header, body, stored_at
		FROM entries WHERE store = ? AND key = ?`, q.name, key).
		Scan(&resp.URL, &resp.Status, &typ, &redirected, &header, &resp.Body, &storedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	resp.Header = http.Header{}
	if len(header) > 0 {
		if err := json.Unmarshal(header, &resp.Header); err != nil {
			return nil, fmt.Errorf("decode entry header: %w", err)
		}
		if resp.Header == nil {
			resp.Header = http.Header{}
		}
	}
	resp.Type = ResponseType(typ)
	resp.Redirected = redirected != 0
	resp.StoredAt = time.Unix(0, storedAt).UTC()
	resp.Cached = true
	return &resp, nil
}

func (q *sqliteStore) Put(ctx context.Context, key string, resp *Response) error {
	if resp == nil {
		return ErrNotStorable
	}
	header, err := json.Marshal(resp.Header)
	if err != nil {
		return fmt.Errorf("encode entry header: %w", err)
	}
	storedAt := resp.StoredAt
	if storedAt.IsZero() {
		storedAt = time.Now().UTC()
	}
	redirected := 0
	if resp.Redirected {
		redirected = 1
	}
	body := resp.Body
	if body == nil {
		body = []byte{}
	}

	q.storage.writeMutex.Lock()
	defer q.storage.writeMutex.Unlock()

	created, err := q.storage.createdAt(ctx, q.name)
	if errors.Is(err, sql.ErrNoRows) || (err == nil && created != q.created) {
		return ErrStoreDeleted
	}
	if err != nil {
		return err
	}

	_, err = q.storage.db.ExecContext(ctx, `INSERT OR REPLACE INTO entries
		(store, key, url, status, type, redirected, header, body, stored_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		q.name, key, resp.URL, resp.Status, string(resp.Type), redirected, header, body, storedAt.UnixNano())
	return err
}

func (q *sqliteStore) Delete(ctx context.Context, key string) (bool, error) {
	q.storage.writeMutex.Lock()
	defer q.storage.writeMutex.Unlock()
	res, err := q.storage.db.ExecContext(ctx, "DELETE FROM entries WHERE store = ? AND key = ?", q.name, key)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

func (q *sqliteStore) Keys(ctx context.Context) ([]string, error) {
	rows, err := q.storage.db.QueryContext(ctx, "SELECT key FROM entries WHERE store = ? ORDER BY key", q.name)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}
