package training

import (
	"math/rand"
	"sync"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"github.com/tsawler/stance-cnn/tensor"
)

// Dataset is an indexable collection of (features, label) rows.
type Dataset interface {
	Len() int
	Features() *tensor.Tensor
	Labels() *tensor.Tensor
}

// TensorDataset pairs a feature tensor with a label tensor row by row.
type TensorDataset struct {
	x, y *tensor.Tensor
}

// NewTensorDataset validates that x and y have the same number of rows.
func NewTensorDataset(x, y *tensor.Tensor) (*TensorDataset, error) {
	if x == nil || y == nil {
		return nil, errors.New("dataset needs both features and labels")
	}
	if x.Rows() != y.Rows() {
		return nil, errors.Errorf("features have %d rows, labels have %d", x.Rows(), y.Rows())
	}
	if x.Rows() == 0 {
		return nil, errors.New("dataset is empty")
	}
	return &TensorDataset{x: x, y: y}, nil
}

func (ds *TensorDataset) Len() int                 { return ds.x.Rows() }
func (ds *TensorDataset) Features() *tensor.Tensor { return ds.x }
func (ds *TensorDataset) Labels() *tensor.Tensor   { return ds.y }

// DataLoader provides batching and optional shuffling
type DataLoader struct {
	dataset   Dataset
	batchSize int
	shuffle   bool
	rng       *rand.Rand
	indices   []int
	position  int
	mutex     sync.Mutex
}

// NewDataLoader creates a new DataLoader. With shuffle disabled, batches
// follow dataset order exactly.
func NewDataLoader(dataset Dataset, batchSize int, shuffle bool, seed int64) *DataLoader {
	if batchSize <= 0 {
		batchSize = 32
	}
	indices := make([]int, dataset.Len())
	for i := range indices {
		indices[i] = i
	}

	return &DataLoader{
		dataset:   dataset,
		batchSize: batchSize,
		shuffle:   shuffle,
		rng:       rand.New(rand.NewSource(seed)),
		indices:   indices,
	}
}

// Batch represents a batch of data and labels
type Batch struct {
	Data    *mat.Dense
	Labels  *mat.Dense
	Indices []int
}

// Size returns the number of examples in the batch.
func (b *Batch) Size() int {
	return len(b.Indices)
}

// Len returns the number of batches in an epoch
func (dl *DataLoader) Len() int {
	return (dl.dataset.Len() + dl.batchSize - 1) / dl.batchSize
}

// Reset resets the data loader for a new epoch
func (dl *DataLoader) Reset() {
	dl.mutex.Lock()
	defer dl.mutex.Unlock()

	dl.position = 0
	if dl.shuffle {
		dl.rng.Shuffle(len(dl.indices), func(i, j int) {
			dl.indices[i], dl.indices[j] = dl.indices[j], dl.indices[i]
		})
	}
}

// Next returns the next batch or nil if the epoch is complete
func (dl *DataLoader) Next() (*Batch, error) {
	dl.mutex.Lock()
	defer dl.mutex.Unlock()

	if dl.position >= len(dl.indices) {
		return nil, nil
	}

	end := dl.position + dl.batchSize
	if end > len(dl.indices) {
		end = len(dl.indices)
	}
	indices := append([]int(nil), dl.indices[dl.position:end]...)
	dl.position = end

	x, err := dl.dataset.Features().Gather(indices)
	if err != nil {
		return nil, errors.Wrap(err, "failed to gather features")
	}
	y, err := dl.dataset.Labels().Gather(indices)
	if err != nil {
		return nil, errors.Wrap(err, "failed to gather labels")
	}

	return &Batch{Data: x.Matrix(), Labels: y.Matrix(), Indices: indices}, nil
}

// HasNext returns true if there are more batches in the current epoch
func (dl *DataLoader) HasNext() bool {
	dl.mutex.Lock()
	defer dl.mutex.Unlock()
	return dl.position < len(dl.indices)
}
