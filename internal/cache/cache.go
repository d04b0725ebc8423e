// Package cache holds static file contents in memory so repeated
// requests for the same document skip the disk.
package cache

import (
	"container/list"
	"sync"
	"time"

	"github.com/nesta-server/nesta/internal/metrics"
)

// entry is one cached file. The modification time and size recorded at
// load time validate the entry on every read; a file that changed on
// disk never serves stale bytes.
type entry struct {
	path    string
	modTime time.Time
	size    int64
	data    []byte
	elem    *list.Element
}

// FileCache is a byte-capacity bounded cache of file contents keyed by
// absolute path. Reads are validated against the file's current
// modification time and size; eviction is least-recently-used.
type FileCache struct {
	mu       sync.Mutex
	capacity int64
	used     int64
	entries  map[string]*entry
	lru      *list.List // front = most recently used
}

// New creates a file cache bounded to capacity bytes. A capacity of
// zero or less disables caching and New returns nil; callers treat a
// nil cache as absent.
func New(capacity int64) *FileCache {
	if capacity <= 0 {
		return nil
	}
	return &FileCache{
		capacity: capacity,
		entries:  make(map[string]*entry),
		lru:      list.New(),
	}
}

// Get returns the cached contents of path when the recorded validator
// still matches modTime and size. A mismatch drops the stale entry and
// reports a miss.
func (c *FileCache) Get(path string, modTime time.Time, size int64) ([]byte, bool) {
	if c == nil {
		return nil, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[path]
	if !ok {
		metrics.CacheMissesTotal.Inc()
		return nil, false
	}
	if !e.modTime.Equal(modTime) || e.size != size {
		c.removeLocked(e)
		metrics.CacheMissesTotal.Inc()
		return nil, false
	}
	c.lru.MoveToFront(e.elem)
	metrics.CacheHitsTotal.Inc()
	return e.data, true
}

// Set stores the contents of path together with its validator. Files
// larger than the whole cache are not cached. Older entries are evicted
// until the new one fits.
func (c *FileCache) Set(path string, modTime time.Time, size int64, data []byte) {
	if c == nil || int64(len(data)) > c.capacity {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.entries[path]; ok {
		c.removeLocked(e)
	}
	for c.used+int64(len(data)) > c.capacity {
		oldest := c.lru.Back()
		if oldest == nil {
			break
		}
		c.removeLocked(oldest.Value.(*entry))
	}

	e := &entry{path: path, modTime: modTime, size: size, data: data}
	e.elem = c.lru.PushFront(e)
	c.entries[path] = e
	c.used += int64(len(data))
	metrics.CacheBytesGauge.Set(float64(c.used))
}

// Len returns the number of cached files.
func (c *FileCache) Len() int {
	if c == nil {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Used returns the bytes of file content currently held.
func (c *FileCache) Used() int64 {
	if c == nil {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.used
}

// Capacity returns the configured byte capacity.
func (c *FileCache) Capacity() int64 {
	if c == nil {
		return 0
	}
	return c.capacity
}

func (c *FileCache) removeLocked(e *entry) {
	c.lru.Remove(e.elem)
	delete(c.entries, e.path)
	c.used -= int64(len(e.data))
	metrics.CacheBytesGauge.Set(float64(c.used))
}
