package dataset

import (
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/pkg/errors"

	"github.com/tsawler/stance-cnn/tensor"
)

// CacheManager keeps recently loaded arrays in memory. Entries are keyed by
// absolute path together with size and modification time, so a rewritten
// file is read again.
type CacheManager struct {
	cache *lru.Cache[string, *tensor.Tensor]

	hits   atomic.Int64
	misses atomic.Int64
}

// NewCacheManager creates a cache holding at most maxEntries arrays.
func NewCacheManager(maxEntries int) (*CacheManager, error) {
	c, err := lru.New[string, *tensor.Tensor](maxEntries)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create array cache")
	}
	return &CacheManager{cache: c}, nil
}

func cacheKey(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	info, err := os.Stat(abs)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s|%d|%d", abs, info.Size(), info.ModTime().UnixNano()), nil
}

// Load returns the array at path, reading it on a miss. Callers get a
// clone and may modify it freely.
func (cm *CacheManager) Load(path string) (*tensor.Tensor, error) {
	key, err := cacheKey(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to stat %s", path)
	}
	if t, ok := cm.cache.Get(key); ok {
		cm.hits.Add(1)
		return t.Clone(), nil
	}

	cm.misses.Add(1)
	t, err := LoadNPY(path)
	if err != nil {
		return nil, err
	}
	cm.cache.Add(key, t)
	return t.Clone(), nil
}

// Purge drops every cached array.
func (cm *CacheManager) Purge() {
	cm.cache.Purge()
}

// CacheStats reports cache effectiveness
type CacheStats struct {
	Entries int
	Hits    int64
	Misses  int64
}

// Stats returns the current counters.
func (cm *CacheManager) Stats() CacheStats {
	return CacheStats{
		Entries: cm.cache.Len(),
		Hits:    cm.hits.Load(),
		Misses:  cm.misses.Load(),
	}
}

func (s CacheStats) String() string {
	total := s.Hits + s.Misses
	rate := 0.0
	if total > 0 {
		rate = float64(s.Hits) / float64(total) * 100
	}
	return fmt.Sprintf("Cache{entries: %d, hits: %d, misses: %d, hit rate: %.1f%%}", s.Entries, s.Hits, s.Misses, rate)
}
