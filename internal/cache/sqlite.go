package cache

import (
	"database/sql"
	"fmt"
	"sync/atomic"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"lightkeyd/pkg/types"
)

// Store is the SQLite-backed result cache.
type Store struct {
	db   *sql.DB
	opts Options

	hits   atomic.Uint64
	misses atomic.Uint64
}

// Open opens (or creates) the cache database at path.
// Connection parameters follow the usual SQLite single-writer setup:
// WAL for concurrent readers, busy timeout instead of immediate SQLITE_BUSY.
func Open(path string, opts Options) (*Store, error) {
	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_busy_timeout=10000&_synchronous=NORMAL", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open cache db: %w", err)
	}
	// Serialize writes; SQLite holds a single write lock anyway.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(30 * time.Minute)

	s := &Store{db: db, opts: opts}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init cache schema: %w", err)
	}
	// Age-based eviction on open keeps restarts from resurrecting stale entries.
	_ = s.evict()
	return s, nil
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS results (
		key        TEXT PRIMARY KEY,
		model      TEXT NOT NULL,
		param_hash TEXT NOT NULL,
		result     TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		last_used  INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_results_last_used ON results(last_used);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Lookup returns the entry for key if one exists and was stored under the
// same model id and parameter hash. A mismatch is a miss, not an error.
func (s *Store) Lookup(key, model, paramHash string) (*Entry, bool, error) {
	var e Entry
	var created, used int64
	err := s.db.QueryRow(`
		SELECT key, model, param_hash, result, created_at, last_used
		FROM results WHERE key = ?
	`, key).Scan(&e.Key, &e.Model, &e.ParamHash, &e.Result, &created, &used)
	if err == sql.ErrNoRows {
		s.misses.Add(1)
		return nil, false, nil
	}
	if err != nil {
		s.misses.Add(1)
		return nil, false, ioError{err: err}
	}
	if e.Model != model || e.ParamHash != paramHash {
		s.misses.Add(1)
		return nil, false, nil
	}
	e.CreatedAt = time.Unix(created, 0)
	e.LastUsed = time.Unix(used, 0)
	if s.opts.MaxAge > 0 && time.Since(e.CreatedAt) > s.opts.MaxAge {
		s.misses.Add(1)
		return nil, false, nil
	}
	// Touch for LRU ordering; best effort.
	_, _ = s.db.Exec(`UPDATE results SET last_used = ? WHERE key = ?`, time.Now().Unix(), key)
	s.hits.Add(1)
	return &e, true, nil
}

// Put upserts an entry. Concurrent writers for the same key are
// last-writer-wins; SQLite's REPLACE is atomic so readers never observe a
// partially written row.
func (s *Store) Put(e Entry) error {
	now := time.Now()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO results (key, model, param_hash, result, created_at, last_used)
		VALUES (?, ?, ?, ?, ?, ?)
	`, e.Key, e.Model, e.ParamHash, e.Result, e.CreatedAt.Unix(), now.Unix())
	if err != nil {
		return ioError{err: err}
	}
	return s.evict()
}

// Invalidate removes the entry for key, if present.
func (s *Store) Invalidate(key string) error {
	if _, err := s.db.Exec(`DELETE FROM results WHERE key = ?`, key); err != nil {
		return ioError{err: err}
	}
	return nil
}

// InvalidateAll empties the cache. Used by force-reprocess requests.
func (s *Store) InvalidateAll() error {
	if _, err := s.db.Exec(`DELETE FROM results`); err != nil {
		return ioError{err: err}
	}
	return nil
}

// evict enforces the age and count budgets, oldest-used entries first.
func (s *Store) evict() error {
	if s.opts.MaxAge > 0 {
		cutoff := time.Now().Add(-s.opts.MaxAge).Unix()
		if _, err := s.db.Exec(`DELETE FROM results WHERE created_at < ?`, cutoff); err != nil {
			return ioError{err: err}
		}
	}
	if s.opts.MaxEntries > 0 {
		_, err := s.db.Exec(`
			DELETE FROM results WHERE key IN (
				SELECT key FROM results ORDER BY last_used DESC LIMIT -1 OFFSET ?
			)
		`, s.opts.MaxEntries)
		if err != nil {
			return ioError{err: err}
		}
	}
	return nil
}

// Stats reports entry count and hit/miss counters since process start.
func (s *Store) Stats() types.CacheStats {
	var n int64
	_ = s.db.QueryRow(`SELECT COUNT(*) FROM results`).Scan(&n)
	return types.CacheStats{Entries: n, Hits: s.hits.Load(), Misses: s.misses.Load()}
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }
