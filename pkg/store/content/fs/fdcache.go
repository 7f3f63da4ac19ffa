package fs

import (
	"container/list"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/marmos91/edgeflow/pkg/claim"
)

// FDCache provides an LRU cache for open file descriptors.
//
// Readers and the single writer of a claim share one descriptor and use
// positional I/O (ReadAt/WriteAt), so no seek offset is shared. Entries in
// use are never evicted; the cache may temporarily exceed maxSize when
// every entry is in use.
type FDCache struct {
	maxSize   int
	mu        sync.Mutex
	cache     map[claim.ID]*list.Element
	lru       *list.List
	fileLocks sync.Map // claim.ID -> *sync.Mutex (writer lock)
	now       func() time.Time
}

type cacheEntry struct {
	id         claim.ID
	file       *os.File
	path       string
	refs       int
	lastAccess time.Time
}

func NewFDCache(maxSize int) *FDCache {
	if maxSize < 1 {
		maxSize = 256
	}
	return &FDCache{
		maxSize: maxSize,
		cache:   make(map[claim.ID]*list.Element),
		lru:     list.New(),
		now:     time.Now,
	}
}

// Acquire returns the cached descriptor for id, opening it with open on a
// miss. Every successful Acquire must be paired with Release.
func (c *FDCache) Acquire(id claim.ID, path string, open func(path string) (*os.File, error)) (*os.File, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, exists := c.cache[id]; exists {
		c.lru.MoveToFront(elem)
		entry := elem.Value.(*cacheEntry)
		entry.refs++
		entry.lastAccess = c.now()
		return entry.file, nil
	}

	file, err := open(path)
	if err != nil {
		return nil, err
	}

	if c.lru.Len() >= c.maxSize {
		if err := c.evictLRU(); err != nil {
			_ = file.Close()
			return nil, fmt.Errorf("evict LRU: %w", err)
		}
	}

	entry := &cacheEntry{
		id:         id,
		file:       file,
		path:       path,
		refs:       1,
		lastAccess: c.now(),
	}
	c.cache[id] = c.lru.PushFront(entry)

	return file, nil
}

// Release drops a reference taken by Acquire and stamps the last access.
func (c *FDCache) Release(id claim.ID) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, exists := c.cache[id]
	if !exists {
		return
	}
	entry := elem.Value.(*cacheEntry)
	if entry.refs > 0 {
		entry.refs--
	}
	entry.lastAccess = c.now()
}

// Remove closes and forgets the descriptor for id.
func (c *FDCache) Remove(id claim.ID) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.fileLocks.Delete(id)

	elem, exists := c.cache[id]
	if !exists {
		return nil
	}

	entry := elem.Value.(*cacheEntry)
	c.lru.Remove(elem)
	delete(c.cache, id)

	if err := entry.file.Close(); err != nil {
		return fmt.Errorf("close file: %w", err)
	}
	return nil
}

// EvictIdle closes unused descriptors whose last access is older than idle.
func (c *FDCache) EvictIdle(idle time.Duration) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	cutoff := c.now().Add(-idle)
	evicted := 0

	for elem := c.lru.Back(); elem != nil; {
		prev := elem.Prev()
		entry := elem.Value.(*cacheEntry)
		if entry.refs == 0 && entry.lastAccess.Before(cutoff) {
			_ = entry.file.Close()
			c.lru.Remove(elem)
			delete(c.cache, entry.id)
			evicted++
		}
		elem = prev
	}

	return evicted
}

func (c *FDCache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var firstErr error
	for c.lru.Len() > 0 {
		elem := c.lru.Back()
		entry := elem.Value.(*cacheEntry)

		if err := entry.file.Close(); err != nil && firstErr == nil {
			firstErr = err
		}

		c.lru.Remove(elem)
		delete(c.cache, entry.id)
	}

	return firstErr
}

// evictLRU closes the least recently used descriptor that is not in use.
func (c *FDCache) evictLRU() error {
	for elem := c.lru.Back(); elem != nil; elem = elem.Prev() {
		entry := elem.Value.(*cacheEntry)
		if entry.refs > 0 {
			continue
		}

		c.lru.Remove(elem)
		delete(c.cache, entry.id)

		if err := entry.file.Close(); err != nil {
			return fmt.Errorf("close evicted file %s: %w", entry.path, err)
		}
		return nil
	}
	return nil
}

// TryLockFile takes the writer lock for id without blocking.
func (c *FDCache) TryLockFile(id claim.ID) bool {
	value, _ := c.fileLocks.LoadOrStore(id, &sync.Mutex{})
	mu := value.(*sync.Mutex)
	return mu.TryLock()
}

func (c *FDCache) UnlockFile(id claim.ID) {
	value, exists := c.fileLocks.Load(id)
	if !exists {
		return
	}
	mu := value.(*sync.Mutex)
	mu.Unlock()
}

func (c *FDCache) Stats() (size int, maxSize int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len(), c.maxSize
}
