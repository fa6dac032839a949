package priceoracle

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"qntropy/internal/qerr"
)

// DiskCache is the append-only, content-addressed on-disk price cache
// described in §4.2/§6: one shard file per (asset, year-month), lines of
// "YYYY-MM-DD,ASSET,price_eur,source_tag". Writes are committed with the
// same write-tmp/fsync/rename discipline the teacher used for every
// state-changing database transaction (internal/data/conn.go) — here
// applied to a file instead of a SQL commit, since the cache is the only
// piece of durable state this module owns directly (§9 "Global state").
type DiskCache struct {
	dir string

	mu      sync.Mutex
	entries map[string]cacheEntry // key: ASSET|YYYY-MM-DD
	loaded  map[string]bool       // shard files already read into entries
}

type cacheEntry struct {
	Price     decimal.Decimal
	Source    string
	FetchedAt time.Time
}

func NewDiskCache(dir string) *DiskCache {
	return &DiskCache{
		dir:     dir,
		entries: make(map[string]cacheEntry),
		loaded:  make(map[string]bool),
	}
}

func shardKey(asset string, day time.Time) string {
	return fmt.Sprintf("%s|%s", asset, day.Format("2006-01-02"))
}

func shardPath(dir, asset string, day time.Time) string {
	return filepath.Join(dir, fmt.Sprintf("%s-%s.csv", asset, day.Format("2006-01")))
}

// Get returns the cached entry for (asset, day), lazily loading that
// shard's file from disk on first access. A cache miss is not an error.
func (c *DiskCache) Get(asset string, day time.Time) (cacheEntry, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.ensureShardLoadedLocked(asset, day); err != nil {
		return cacheEntry{}, false, err
	}
	e, ok := c.entries[shardKey(asset, day)]
	return e, ok, nil
}

func (c *DiskCache) ensureShardLoadedLocked(asset string, day time.Time) error {
	path := shardPath(c.dir, asset, day)
	if c.loaded[path] {
		return nil
	}
	c.loaded[path] = true

	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return &qerr.CacheIOError{Path: path, Cause: err}
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		fields := strings.SplitN(line, ",", 4)
		if len(fields) != 4 {
			continue
		}
		dateStr, assetSym, priceStr, source := fields[0], fields[1], fields[2], fields[3]
		d, err := time.Parse("2006-01-02", dateStr)
		if err != nil {
			continue
		}
		price, err := decimal.NewFromString(priceStr)
		if err != nil {
			continue
		}
		key := shardKey(assetSym, d)
		// Duplicates for the same (asset, day) resolve to the first line
		// (insertion-stable), §6 — so only set if absent.
		if _, exists := c.entries[key]; !exists {
			c.entries[key] = cacheEntry{Price: price, Source: source, FetchedAt: d}
		}
	}
	if err := scanner.Err(); err != nil {
		return &qerr.CacheIOError{Path: path, Cause: err}
	}
	return nil
}

// Put appends a new entry for (asset, day) unless one already exists (the
// first-line-wins rule applies on write too, so a racing second writer
// never overwrites the winner). The shard file is rewritten via a
// write-tmp/rename so a concurrent reader never observes a partial file.
func (c *DiskCache) Put(asset string, day time.Time, price decimal.Decimal, source string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.ensureShardLoadedLocked(asset, day); err != nil {
		return err
	}
	key := shardKey(asset, day)
	if _, exists := c.entries[key]; exists {
		return nil
	}
	c.entries[key] = cacheEntry{Price: price, Source: source, FetchedAt: time.Now().UTC()}

	return c.flushShardLocked(asset, day)
}

// flushShardLocked rewrites the whole shard file from the in-memory
// entries it holds for that (asset, month), appending only ever in the
// sense that no existing (asset, day) row is ever dropped or changed —
// new rows are added and the file is atomically replaced.
func (c *DiskCache) flushShardLocked(asset string, day time.Time) error {
	if err := os.MkdirAll(c.dir, 0o755); err != nil {
		return &qerr.CacheIOError{Path: c.dir, Cause: err}
	}
	path := shardPath(c.dir, asset, day)
	month := day.Format("2006-01")

	var lines []string
	for key, e := range c.entries {
		parts := strings.SplitN(key, "|", 2)
		if len(parts) != 2 || parts[0] != asset {
			continue
		}
		d, err := time.Parse("2006-01-02", parts[1])
		if err != nil || d.Format("2006-01") != month {
			continue
		}
		lines = append(lines, fmt.Sprintf("%s,%s,%s,%s", parts[1], asset, e.Price.String(), e.Source))
	}
	sort.Strings(lines)

	tmp, err := os.CreateTemp(c.dir, "shard-*.tmp")
	if err != nil {
		return &qerr.CacheIOError{Path: path, Cause: err}
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	w := bufio.NewWriter(tmp)
	for _, l := range lines {
		if _, err := w.WriteString(l + "\n"); err != nil {
			tmp.Close()
			return &qerr.CacheIOError{Path: path, Cause: err}
		}
	}
	if err := w.Flush(); err != nil {
		tmp.Close()
		return &qerr.CacheIOError{Path: path, Cause: err}
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return &qerr.CacheIOError{Path: path, Cause: err}
	}
	if err := tmp.Close(); err != nil {
		return &qerr.CacheIOError{Path: path, Cause: err}
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return &qerr.CacheIOError{Path: path, Cause: err}
	}
	return nil
}
