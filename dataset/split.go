package dataset

import (
	"path/filepath"

	"github.com/pkg/errors"

	"github.com/tsawler/stance-cnn/tensor"
)

// File names of the four arrays inside a data directory.
const (
	TrainFeaturesFile = "flat_train_x.npy"
	TrainLabelsFile   = "flat_train_y.npy"
	DevFeaturesFile   = "flat_dev_x.npy"
	DevLabelsFile     = "flat_dev_y.npy"
)

// NumClasses is the width of the stance label arrays in the reference
// data.
const NumClasses = 4

// Split holds the training and held-out arrays.
type Split struct {
	TrainX, TrainY *tensor.Tensor
	DevX, DevY     *tensor.Tensor
}

// Loader reads splits, optionally through a cache.
type Loader struct {
	cache *CacheManager
}

// NewLoader returns a loader. cache may be nil.
func NewLoader(cache *CacheManager) *Loader {
	return &Loader{cache: cache}
}

func (l *Loader) load(path string) (*tensor.Tensor, error) {
	if l.cache != nil {
		return l.cache.Load(path)
	}
	return LoadNPY(path)
}

// LoadSplit reads the four arrays from dir and validates their shapes
// against numClasses label columns.
func (l *Loader) LoadSplit(dir string, numClasses int) (*Split, error) {
	var s Split
	targets := []struct {
		name string
		dst  **tensor.Tensor
	}{
		{TrainFeaturesFile, &s.TrainX},
		{TrainLabelsFile, &s.TrainY},
		{DevFeaturesFile, &s.DevX},
		{DevLabelsFile, &s.DevY},
	}
	for _, target := range targets {
		t, err := l.load(filepath.Join(dir, target.name))
		if err != nil {
			return nil, err
		}
		*target.dst = t
	}

	if err := s.Validate(numClasses); err != nil {
		return nil, err
	}
	return &s, nil
}

// LoadSplit reads a split without caching.
func LoadSplit(dir string, numClasses int) (*Split, error) {
	return NewLoader(nil).LoadSplit(dir, numClasses)
}

// Validate checks row alignment, label width and that train and dev share
// the same feature width.
func (s *Split) Validate(numClasses int) error {
	if s.TrainX.Rows() != s.TrainY.Rows() {
		return errors.Wrapf(ErrShapeMismatch, "train features have %d rows, labels %d", s.TrainX.Rows(), s.TrainY.Rows())
	}
	if s.DevX.Rows() != s.DevY.Rows() {
		return errors.Wrapf(ErrShapeMismatch, "dev features have %d rows, labels %d", s.DevX.Rows(), s.DevY.Rows())
	}
	if s.TrainY.RowSize() != numClasses || s.DevY.RowSize() != numClasses {
		return errors.Wrapf(ErrShapeMismatch, "labels must have %d columns, got train %d, dev %d",
			numClasses, s.TrainY.RowSize(), s.DevY.RowSize())
	}
	if s.TrainX.RowSize() != s.DevX.RowSize() {
		return errors.Wrapf(ErrShapeMismatch, "train has %d features, dev %d", s.TrainX.RowSize(), s.DevX.RowSize())
	}
	return nil
}

// SequenceLength is the per-example feature count, taken from the
// training array.
func (s *Split) SequenceLength() int {
	return s.TrainX.RowSize()
}
