package dataset

import (
	"github.com/pkg/errors"

	"github.com/tsawler/stance-cnn/tensor"
)

// OneHotToIndices returns the argmax of every label row. Malformed rows
// (no 1, or several) still map to a class: the first maximum wins.
func OneHotToIndices(labels *tensor.Tensor) []int {
	idx, _ := labels.ArgMax()
	return idx
}

// IndicesToOneHot builds [len(indices), numClasses] one-hot rows.
func IndicesToOneHot(indices []int, numClasses int) (*tensor.Tensor, error) {
	if len(indices) == 0 {
		return nil, errors.New("no labels")
	}
	t, err := tensor.Zeros(len(indices), numClasses)
	if err != nil {
		return nil, err
	}
	for i, c := range indices {
		if c < 0 || c >= numClasses {
			return nil, errors.Errorf("label %d at row %d outside [0, %d)", c, i, numClasses)
		}
		t.Data[i*numClasses+c] = 1
	}
	return t, nil
}

// ValidateOneHot checks that every row holds exactly one 1 and zeros
// elsewhere. It reports the first offending row.
func ValidateOneHot(labels *tensor.Tensor) error {
	for i := 0; i < labels.Rows(); i++ {
		ones := 0
		for j, v := range labels.Row(i) {
			switch v {
			case 1:
				ones++
			case 0:
			default:
				return errors.Errorf("row %d: value %v at column %d is not 0 or 1", i, v, j)
			}
		}
		if ones != 1 {
			return errors.Errorf("row %d has %d ones", i, ones)
		}
	}
	return nil
}
