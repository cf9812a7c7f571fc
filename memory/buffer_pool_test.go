package memory

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRoundUpToPowerOf2(t *testing.T) {
	tests := []struct {
		in, want int
	}{
		{0, 1},
		{1, 1},
		{3, 4},
		{8, 8},
		{314, 512},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, roundUpToPowerOf2(tt.in), "roundUpToPowerOf2(%d)", tt.in)
	}
}

func TestGetReturnsZeroedBufferOfRequestedSize(t *testing.T) {
	bp := NewBufferPool()

	buf := bp.Get(100)
	assert.Len(t, buf, 100)
	for i := range buf {
		buf[i] = float64(i)
	}
	bp.Put(buf)

	again := bp.Get(100)
	assert.Len(t, again, 100)
	for i, v := range again {
		if v != 0 {
			t.Fatalf("buffer not zeroed at %d: %v", i, v)
		}
	}
}

func TestStatsTrackUsage(t *testing.T) {
	bp := NewBufferPool()

	a := bp.Get(10)
	b := bp.Get(12)
	bp.Put(a)

	stats := bp.Stats()[16]
	assert.Equal(t, int64(2), stats.Gets)
	assert.Equal(t, int64(1), stats.Puts)
	assert.Equal(t, int64(1), stats.InUse)
	assert.Equal(t, int64(2), stats.MaxInUse)

	bp.Put(b)
	assert.True(t, strings.Contains(bp.String(), "Size 16"))
}

func TestPutIgnoresForeignBuffers(t *testing.T) {
	bp := NewBufferPool()
	bp.Put(nil)
	bp.Put(make([]float64, 7))
	assert.Empty(t, bp.Stats())
}
