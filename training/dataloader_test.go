package training

import (
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tsawler/stance-cnn/tensor"
)

func sequentialDataset(t *testing.T, n int) *TensorDataset {
	t.Helper()
	x := make([][]float64, n)
	y := make([][]float64, n)
	for i := range x {
		x[i] = []float64{float64(i), float64(i) * 10}
		y[i] = []float64{1, 0}
	}
	xt, err := tensor.FromRows(x)
	require.NoError(t, err)
	yt, err := tensor.FromRows(y)
	require.NoError(t, err)
	ds, err := NewTensorDataset(xt, yt)
	require.NoError(t, err)
	return ds
}

func TestDataLoaderKeepsOrderWithoutShuffle(t *testing.T) {
	dl := NewDataLoader(sequentialDataset(t, 10), 4, false, 1)
	assert.Equal(t, 3, dl.Len())

	var sizes []int
	var firsts []float64
	for epoch := 0; epoch < 2; epoch++ {
		dl.Reset()
		sizes, firsts = sizes[:0], firsts[:0]
		for dl.HasNext() {
			batch, err := dl.Next()
			require.NoError(t, err)
			require.NotNil(t, batch)
			sizes = append(sizes, batch.Size())
			firsts = append(firsts, batch.Data.At(0, 0))
			r, c := batch.Labels.Dims()
			assert.Equal(t, batch.Size(), r)
			assert.Equal(t, 2, c)
		}
		assert.Equal(t, []int{4, 4, 2}, sizes)
		assert.Equal(t, []float64{0, 4, 8}, firsts)
	}

	batch, err := dl.Next()
	require.NoError(t, err)
	assert.Nil(t, batch, "exhausted loader returns nil")
}

func TestDataLoaderShuffleIsSeededPermutation(t *testing.T) {
	collect := func(seed int64) []int {
		dl := NewDataLoader(sequentialDataset(t, 20), 6, true, seed)
		dl.Reset()
		var order []int
		for {
			batch, err := dl.Next()
			require.NoError(t, err)
			if batch == nil {
				return order
			}
			for i, idx := range batch.Indices {
				assert.Equal(t, float64(idx), batch.Data.At(i, 0))
			}
			order = append(order, batch.Indices...)
		}
	}

	a, b := collect(3), collect(3)
	assert.Equal(t, a, b)

	sorted := append([]int(nil), a...)
	sort.Ints(sorted)
	for i, v := range sorted {
		assert.Equal(t, i, v)
	}
}

func TestNewTensorDatasetValidation(t *testing.T) {
	x, _ := tensor.Zeros(3, 2)
	y, _ := tensor.Zeros(4, 2)
	_, err := NewTensorDataset(x, y)
	assert.Error(t, err)

	_, err = NewTensorDataset(nil, y)
	assert.Error(t, err)
}
