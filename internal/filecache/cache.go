// Package filecache is the bounded local cache of remotely stored
// documents: an index table plus the actual bytes on disk, evicted
// least-recently-used under a size budget.
package filecache

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/oversightlabs/fieldsync/internal/types"
)

const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// evictTargetNum/Den give the 80% hysteresis target: once the budget is
// hit, eviction frees down to this fraction so near-limit caches do not
// evict on every single insert.
const (
	evictTargetNum = 8
	evictTargetDen = 10
)

// Metadata describes a document being cached. FileSize is the expected
// byte count when the caller knows it, zero otherwise.
type Metadata struct {
	FileName     string
	OriginalName string
	FileType     string
	Category     string
	FileSize     int64
}

// Cache is the bounded file cache. The mutex serializes eviction and
// download so two concurrent downloads cannot both evict against a
// stale size estimate.
type Cache struct {
	db       *sql.DB
	dir      string
	maxBytes int64
	source   Source

	mu sync.Mutex
}

// New creates a Cache storing bytes under dir and its index rows in db
// (the cached_files table created by the store migrations).
func New(db *sql.DB, dir string, maxBytes int64, source Source) (*Cache, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create cache directory: %w", err)
	}
	return &Cache{db: db, dir: dir, maxBytes: maxBytes, source: source}, nil
}

// IsCached reports whether the document is usable offline. It verifies
// the on-disk bytes, not just the index row: a row whose file is gone or
// truncated is deleted on the spot and reported as a miss.
func (c *Cache) IsCached(ctx context.Context, documentID int64) bool {
	_, ok := c.verify(ctx, documentID, true)
	return ok
}

// CachedPath returns the local path of a fully downloaded document,
// touching its access time, or "" when not cached.
func (c *Cache) CachedPath(ctx context.Context, documentID int64) string {
	path, _ := c.verify(ctx, documentID, true)
	return path
}

// verify loads the index row, checks the file on disk, self-heals a
// stale row, and optionally touches the access time on a hit.
func (c *Cache) verify(ctx context.Context, documentID int64, touch bool) (string, bool) {
	entry, err := c.get(ctx, documentID)
	if err != nil {
		if err != sql.ErrNoRows {
			slog.Warn("cache index read failed",
				"component", "filecache",
				"document_id", documentID,
				"error", err,
			)
		}
		return "", false
	}

	if !entry.FullyDownloaded {
		return "", false
	}

	info, err := os.Stat(entry.LocalPath)
	if err != nil || info.Size() != entry.FileSize {
		// Bytes deleted or truncated out from under the index.
		slog.Warn("stale cache entry, self-healing",
			"component", "filecache",
			"document_id", documentID,
			"path", entry.LocalPath,
		)
		c.removeEntry(ctx, entry)
		return "", false
	}

	if touch {
		c.touch(ctx, documentID)
	}
	return entry.LocalPath, true
}

// DownloadAndCache fetches the document body and records it in the
// cache, evicting older entries first if the budget demands it. A hit
// on an already cached copy short-circuits to a touch. Any network or
// I/O failure leaves the document "not cached" and is returned for the
// caller to fall back to online-only viewing; a partially written file
// is never recorded.
func (c *Cache) DownloadAndCache(ctx context.Context, documentID int64, fileURL string, meta Metadata, authToken string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if path, ok := c.verify(ctx, documentID, true); ok {
		return path, nil
	}

	if err := c.ensureSpace(ctx, meta.FileSize); err != nil {
		return "", fmt.Errorf("ensure cache space: %w", err)
	}

	body, err := c.source.Fetch(ctx, fileURL, authToken)
	if err != nil {
		return "", fmt.Errorf("fetch document: %w", err)
	}
	defer body.Close()

	localName := ulid.Make().String() + filepath.Ext(meta.FileName)
	localPath := filepath.Join(c.dir, localName)

	written, err := streamToFile(localPath, body)
	if err != nil {
		os.Remove(localPath)
		return "", fmt.Errorf("write cache file: %w", err)
	}
	// Verification happens strictly after the stream completes: an empty
	// body means the download was interrupted or the document is bogus.
	if written == 0 {
		os.Remove(localPath)
		return "", fmt.Errorf("downloaded file is empty: %s", fileURL)
	}

	now := time.Now().UTC().Format(timeLayout)
	_, err = c.db.ExecContext(ctx, `
		INSERT INTO cached_files (document_id, file_url, local_path, file_name, original_name, file_size, file_type, category, cached_at, last_accessed_at, fully_downloaded)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1)
		ON CONFLICT (document_id) DO UPDATE SET
			file_url = excluded.file_url,
			local_path = excluded.local_path,
			file_name = excluded.file_name,
			original_name = excluded.original_name,
			file_size = excluded.file_size,
			file_type = excluded.file_type,
			category = excluded.category,
			cached_at = excluded.cached_at,
			last_accessed_at = excluded.last_accessed_at,
			fully_downloaded = 1
	`, documentID, fileURL, localPath, meta.FileName, meta.OriginalName, written, meta.FileType, meta.Category, now, now)
	if err != nil {
		os.Remove(localPath)
		return "", fmt.Errorf("record cache entry: %w", err)
	}

	slog.Info("document cached",
		"component", "filecache",
		"document_id", documentID,
		"size_bytes", written,
	)
	return localPath, nil
}

// ensureSpace evicts least-recently-used entries until the incoming
// download fits under the hysteresis target. No-op while the cache plus
// the incoming bytes stay under the budget.
func (c *Cache) ensureSpace(ctx context.Context, incoming int64) error {
	total, err := c.totalSize(ctx)
	if err != nil {
		return err
	}
	if total+incoming < c.maxBytes {
		return nil
	}

	target := c.maxBytes * evictTargetNum / evictTargetDen

	rows, err := c.db.QueryContext(ctx, selectCachedFile+`ORDER BY last_accessed_at ASC`)
	if err != nil {
		return fmt.Errorf("query eviction candidates: %w", err)
	}
	entries, err := collectEntries(rows)
	if err != nil {
		return err
	}

	var freed int64
	for i := range entries {
		if total-freed+incoming <= target {
			break
		}
		entry := &entries[i]
		c.removeEntry(ctx, entry)
		freed += entry.FileSize
		slog.Info("evicted cached document",
			"component", "filecache",
			"document_id", entry.DocumentID,
			"size_bytes", entry.FileSize,
			"last_accessed_at", entry.LastAccessedAt,
		)
	}
	return nil
}

// Delete removes one cached document, bytes and index row.
func (c *Cache) Delete(ctx context.Context, documentID int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, err := c.get(ctx, documentID)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil
		}
		return fmt.Errorf("read cache entry: %w", err)
	}
	c.removeEntry(ctx, entry)
	return nil
}

// ClearAll empties the cache.
func (c *Cache) ClearAll(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	rows, err := c.db.QueryContext(ctx, selectCachedFile)
	if err != nil {
		return fmt.Errorf("query cache entries: %w", err)
	}
	entries, err := collectEntries(rows)
	if err != nil {
		return err
	}
	for i := range entries {
		c.removeEntry(ctx, &entries[i])
	}
	return nil
}

// ClearOlderThan removes entries not accessed within age, returning how
// many were removed.
func (c *Cache) ClearOlderThan(ctx context.Context, age time.Duration) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	cutoff := time.Now().UTC().Add(-age).Format(timeLayout)
	rows, err := c.db.QueryContext(ctx, selectCachedFile+`WHERE last_accessed_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("query aged entries: %w", err)
	}
	entries, err := collectEntries(rows)
	if err != nil {
		return 0, err
	}
	for i := range entries {
		c.removeEntry(ctx, &entries[i])
	}
	return len(entries), nil
}

// Stats returns entry count and total cached bytes.
func (c *Cache) Stats(ctx context.Context) (*types.CacheStats, error) {
	var stats types.CacheStats
	err := c.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(file_size), 0) FROM cached_files
	`).Scan(&stats.Entries, &stats.TotalBytes)
	if err != nil {
		return nil, fmt.Errorf("cache stats: %w", err)
	}
	stats.MaxBytes = c.maxBytes
	return &stats, nil
}

// List returns all index rows ordered most-recently-used first.
func (c *Cache) List(ctx context.Context) ([]types.CachedFile, error) {
	rows, err := c.db.QueryContext(ctx, selectCachedFile+`ORDER BY last_accessed_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("query cache entries: %w", err)
	}
	return collectEntries(rows)
}

func (c *Cache) totalSize(ctx context.Context) (int64, error) {
	var total int64
	err := c.db.QueryRowContext(ctx, `SELECT COALESCE(SUM(file_size), 0) FROM cached_files`).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("sum cache size: %w", err)
	}
	return total, nil
}

func (c *Cache) touch(ctx context.Context, documentID int64) {
	now := time.Now().UTC().Format(timeLayout)
	if _, err := c.db.ExecContext(ctx,
		`UPDATE cached_files SET last_accessed_at = ? WHERE document_id = ?`, now, documentID); err != nil {
		slog.Warn("failed to touch cache entry",
			"component", "filecache",
			"document_id", documentID,
			"error", err,
		)
	}
}

// removeEntry deletes the bytes and the index row. A missing file is
// fine; the row going away is the point.
func (c *Cache) removeEntry(ctx context.Context, entry *types.CachedFile) {
	if err := os.Remove(entry.LocalPath); err != nil && !os.IsNotExist(err) {
		slog.Warn("failed to remove cached file",
			"component", "filecache",
			"path", entry.LocalPath,
			"error", err,
		)
	}
	if _, err := c.db.ExecContext(ctx,
		`DELETE FROM cached_files WHERE id = ?`, entry.ID); err != nil {
		slog.Warn("failed to remove cache index row",
			"component", "filecache",
			"document_id", entry.DocumentID,
			"error", err,
		)
	}
}

func (c *Cache) get(ctx context.Context, documentID int64) (*types.CachedFile, error) {
	row := c.db.QueryRowContext(ctx, selectCachedFile+`WHERE document_id = ?`, documentID)
	return scanEntry(row)
}

func streamToFile(path string, r io.Reader) (int64, error) {
	f, err := os.Create(path)
	if err != nil {
		return 0, err
	}
	written, err := io.Copy(f, r)
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	return written, err
}

const selectCachedFile = `
	SELECT id, document_id, file_url, local_path, file_name, original_name, file_size, file_type, category, cached_at, last_accessed_at, fully_downloaded
	FROM cached_files
`

func scanEntry(scanner interface{ Scan(...any) error }) (*types.CachedFile, error) {
	var entry types.CachedFile
	var cachedAt, lastAccessedAt string

	err := scanner.Scan(
		&entry.ID,
		&entry.DocumentID,
		&entry.FileURL,
		&entry.LocalPath,
		&entry.FileName,
		&entry.OriginalName,
		&entry.FileSize,
		&entry.FileType,
		&entry.Category,
		&cachedAt,
		&lastAccessedAt,
		&entry.FullyDownloaded,
	)
	if err != nil {
		return nil, err
	}

	if entry.CachedAt, err = time.Parse(timeLayout, cachedAt); err != nil {
		return nil, fmt.Errorf("parse cached_at: %w", err)
	}
	if entry.LastAccessedAt, err = time.Parse(timeLayout, lastAccessedAt); err != nil {
		return nil, fmt.Errorf("parse last_accessed_at: %w", err)
	}
	return &entry, nil
}

func collectEntries(rows *sql.Rows) ([]types.CachedFile, error) {
	defer rows.Close()

	var entries []types.CachedFile
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan cache entry: %w", err)
		}
		entries = append(entries, *entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	return entries, nil
}
