// Package cache is a bounded on-disk cache of decrypted message payloads,
// indexed in a local SQLite database. It sits in front of the object store
// so repeated reads of the same message do not pay a download and a
// decryption each time.
package cache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/ternmail/tern/config"
	"github.com/ternmail/tern/logger"
	"github.com/ternmail/tern/pkg/metrics"
	_ "modernc.org/sqlite"
)

const (
	dataDir        = "data"
	indexDB        = "cache_index.db"
	purgeBatchSize = 500
)

// ErrNotCached is returned by Get when the payload is not present.
var ErrNotCached = errors.New("payload not cached")

type Cache struct {
	basePath      string
	capacity      int64
	maxObjectSize int64
	purgeInterval time.Duration

	mu sync.Mutex
	db *sql.DB
}

func New(cfg config.LocalCacheConfig) (*Cache, error) {
	basePath := filepath.Clean(strings.TrimSpace(cfg.Path))
	if basePath == "" || basePath == "." {
		return nil, fmt.Errorf("cache path cannot be empty")
	}
	if err := os.MkdirAll(filepath.Join(basePath, dataDir), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create cache data path: %w", err)
	}

	purgeInterval, err := cfg.GetPurgeInterval()
	if err != nil {
		return nil, fmt.Errorf("invalid cache purge_interval: %w", err)
	}

	db, err := sql.Open("sqlite", filepath.Join(basePath, indexDB))
	if err != nil {
		return nil, fmt.Errorf("failed to open cache index: %w", err)
	}

	if _, err := db.Exec(`PRAGMA journal_mode = WAL;`); err != nil {
		logger.Warn("Cache: failed to enable WAL journal mode", "error", err)
	}

	schema := `
	CREATE TABLE IF NOT EXISTS cache_index (
		path TEXT PRIMARY KEY,
		account_id INTEGER NOT NULL,
		size INTEGER NOT NULL,
		accessed_at TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_cache_accessed ON cache_index(accessed_at);
	CREATE INDEX IF NOT EXISTS idx_cache_account ON cache_index(account_id);
	`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create cache schema: %w", err)
	}

	return &Cache{
		basePath:      basePath,
		capacity:      cfg.Capacity,
		maxObjectSize: cfg.MaxObjectSize,
		purgeInterval: purgeInterval,
		db:            db,
	}, nil
}

func (c *Cache) Close() error {
	if c.db != nil {
		return c.db.Close()
	}
	return nil
}

// pathFor shards objects into two-level hash-prefix directories so no single
// directory grows unbounded.
func (c *Cache) pathFor(accountID int64, contentHash string) string {
	prefix1, prefix2 := "xx", "xx"
	if len(contentHash) >= 4 {
		prefix1, prefix2 = contentHash[0:2], contentHash[2:4]
	}
	return filepath.Join(c.basePath, dataDir, fmt.Sprintf("%d", accountID), prefix1, prefix2, contentHash)
}

func (c *Cache) Get(accountID int64, contentHash string) ([]byte, error) {
	path := c.pathFor(accountID, contentHash)
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			metrics.CacheHitsTotal.WithLabelValues("miss").Inc()
			return nil, ErrNotCached
		}
		return nil, fmt.Errorf("failed to read cached payload: %w", err)
	}

	metrics.CacheHitsTotal.WithLabelValues("hit").Inc()

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, err := c.db.Exec(`UPDATE cache_index SET accessed_at = ? WHERE path = ?`, time.Now(), path); err != nil {
		logger.Warn("Cache: failed to touch index entry", "path", path, "error", err)
	}
	return data, nil
}

func (c *Cache) Put(accountID int64, contentHash string, data []byte) error {
	if c.maxObjectSize > 0 && int64(len(data)) > c.maxObjectSize {
		// Oversized payloads are simply not cached.
		return nil
	}

	path := c.pathFor(accountID, contentHash)
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create cache directory: %w", err)
	}

	// Write-then-rename keeps a concurrent reader from seeing a torn file.
	tempFile, err := os.CreateTemp(dir, "put-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temporary cache file: %w", err)
	}
	defer os.Remove(tempFile.Name())

	if _, err := tempFile.Write(data); err != nil {
		tempFile.Close()
		return fmt.Errorf("failed to write temporary cache file: %w", err)
	}
	if err := tempFile.Close(); err != nil {
		return fmt.Errorf("failed to close temporary cache file: %w", err)
	}
	if err := os.Rename(tempFile.Name(), path); err != nil && !os.IsExist(err) {
		return fmt.Errorf("failed to move payload into cache: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	_, err = c.db.Exec(`
		INSERT OR REPLACE INTO cache_index (path, account_id, size, accessed_at)
		VALUES (?, ?, ?, ?)
	`, path, accountID, int64(len(data)), time.Now())
	if err != nil {
		return fmt.Errorf("failed to index cached payload: %w", err)
	}
	return nil
}

func (c *Cache) Delete(accountID int64, contentHash string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	path := c.pathFor(accountID, contentHash)
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove cached payload: %w", err)
	}
	if _, err := c.db.Exec(`DELETE FROM cache_index WHERE path = ?`, path); err != nil {
		return fmt.Errorf("failed to remove cache index entry: %w", err)
	}
	return nil
}

// InvalidateAccount drops every cached payload for one account. Used when an
// account's configuration changes mid-run.
func (c *Cache) InvalidateAccount(accountID int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	rows, err := c.db.Query(`SELECT path FROM cache_index WHERE account_id = ?`, accountID)
	if err != nil {
		return fmt.Errorf("failed to list account cache entries: %w", err)
	}
	var paths []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			rows.Close()
			return fmt.Errorf("failed to scan cache entry: %w", err)
		}
		paths = append(paths, p)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("failed reading cache entries: %w", err)
	}

	for _, p := range paths {
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			logger.Warn("Cache: failed to remove payload during invalidation", "path", p, "error", err)
		}
	}
	if _, err := c.db.Exec(`DELETE FROM cache_index WHERE account_id = ?`, accountID); err != nil {
		return fmt.Errorf("failed to clear account cache index: %w", err)
	}
	logger.Info("Cache: account invalidated", "account_id", accountID, "entries", len(paths))
	return nil
}

// StartPurgeLoop evicts least-recently-used entries in the background until
// the context is cancelled.
func (c *Cache) StartPurgeLoop(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(c.purgeInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := c.purge(); err != nil {
					logger.Warn("Cache: purge failed", "error", err)
				}
			}
		}
	}()
}

func (c *Cache) purge() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var total int64
	if err := c.db.QueryRow(`SELECT COALESCE(SUM(size), 0) FROM cache_index`).Scan(&total); err != nil {
		return fmt.Errorf("failed to compute cache size: %w", err)
	}
	if c.capacity <= 0 || total <= c.capacity {
		return nil
	}

	for total > c.capacity {
		rows, err := c.db.Query(`
			SELECT path, size FROM cache_index
			ORDER BY accessed_at ASC
			LIMIT ?
		`, purgeBatchSize)
		if err != nil {
			return fmt.Errorf("failed to select purge candidates: %w", err)
		}

		type victim struct {
			path string
			size int64
		}
		var victims []victim
		for rows.Next() {
			var v victim
			if err := rows.Scan(&v.path, &v.size); err != nil {
				rows.Close()
				return fmt.Errorf("failed to scan purge candidate: %w", err)
			}
			victims = append(victims, v)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return fmt.Errorf("failed reading purge candidates: %w", err)
		}
		if len(victims) == 0 {
			return nil
		}

		for _, v := range victims {
			if err := os.Remove(v.path); err != nil && !errors.Is(err, os.ErrNotExist) {
				logger.Warn("Cache: failed to evict payload", "path", v.path, "error", err)
				continue
			}
			if _, err := c.db.Exec(`DELETE FROM cache_index WHERE path = ?`, v.path); err != nil {
				return fmt.Errorf("failed to delete evicted index entry: %w", err)
			}
			total -= v.size
			if total <= c.capacity {
				break
			}
		}
	}

	logger.Debug("Cache: purge complete", "size_bytes", total, "capacity_bytes", c.capacity)
	return nil
}
