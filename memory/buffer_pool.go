package memory

import (
	"fmt"
	"sort"
	"sync"
)

// BufferPool hands out reusable float64 scratch buffers bucketed by
// power-of-two capacity.
type BufferPool struct {
	mu    sync.Mutex
	pools map[int]*sync.Pool
	stats map[int]*PoolStats
}

// PoolStats tracks statistics for a buffer pool
type PoolStats struct {
	Gets     int64
	Puts     int64
	Misses   int64
	InUse    int64
	MaxInUse int64
}

// NewBufferPool creates a new buffer pool
func NewBufferPool() *BufferPool {
	return &BufferPool{
		pools: make(map[int]*sync.Pool),
		stats: make(map[int]*PoolStats),
	}
}

// Get returns a zeroed buffer of exactly size elements.
func (bp *BufferPool) Get(size int) []float64 {
	poolSize := roundUpToPowerOf2(size)

	bp.mu.Lock()
	pool, exists := bp.pools[poolSize]
	if !exists {
		pool = &sync.Pool{
			New: func() interface{} {
				return make([]float64, poolSize)
			},
		}
		bp.pools[poolSize] = pool
		bp.stats[poolSize] = &PoolStats{}
	}

	stats := bp.stats[poolSize]
	stats.Gets++
	stats.InUse++
	if stats.InUse > stats.MaxInUse {
		stats.MaxInUse = stats.InUse
	}
	bp.mu.Unlock()

	buf := pool.Get().([]float64)
	if cap(buf) < size {
		bp.mu.Lock()
		stats.Misses++
		bp.mu.Unlock()
		buf = make([]float64, poolSize)
	}

	buf = buf[:size]
	for i := range buf {
		buf[i] = 0
	}
	return buf
}

// Put returns a buffer obtained from Get.
func (bp *BufferPool) Put(buf []float64) {
	if cap(buf) == 0 {
		return
	}

	poolSize := roundUpToPowerOf2(cap(buf))

	bp.mu.Lock()
	pool, exists := bp.pools[poolSize]
	if !exists {
		bp.mu.Unlock()
		return
	}
	stats := bp.stats[poolSize]
	stats.Puts++
	stats.InUse--
	bp.mu.Unlock()

	pool.Put(buf[:cap(buf)])
}

// Stats returns a copy of the per-bucket statistics.
func (bp *BufferPool) Stats() map[int]PoolStats {
	bp.mu.Lock()
	defer bp.mu.Unlock()

	out := make(map[int]PoolStats, len(bp.stats))
	for size, stats := range bp.stats {
		out[size] = *stats
	}
	return out
}

func (bp *BufferPool) String() string {
	stats := bp.Stats()
	sizes := make([]int, 0, len(stats))
	for size := range stats {
		sizes = append(sizes, size)
	}
	sort.Ints(sizes)

	result := "BufferPool Statistics:\n"
	for _, size := range sizes {
		stat := stats[size]
		hitRate := float64(0)
		if stat.Gets > 0 {
			hitRate = float64(stat.Gets-stat.Misses) / float64(stat.Gets) * 100
		}
		result += fmt.Sprintf("  Size %d: Gets=%d, Puts=%d, InUse=%d, MaxInUse=%d, HitRate=%.1f%%\n",
			size, stat.Gets, stat.Puts, stat.InUse, stat.MaxInUse, hitRate)
	}
	return result
}

// roundUpToPowerOf2 rounds a number up to the nearest power of 2
func roundUpToPowerOf2(n int) int {
	if n <= 0 {
		return 1
	}
	if n&(n-1) == 0 {
		return n
	}

	power := 1
	for power < n {
		power <<= 1
	}
	return power
}
