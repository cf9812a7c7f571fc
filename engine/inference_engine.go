package engine

import (
	"context"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"github.com/tsawler/stance-cnn/tensor"
)

// Predict runs the model over every example in x with dropout disabled,
// batchSize examples at a time. x may be [N, length, channels] or already
// flattened to [N, features].
func Predict(ctx context.Context, mte *ModelTrainingEngine, x *tensor.Tensor, batchSize int) (*tensor.Tensor, error) {
	if batchSize <= 0 {
		return nil, errors.Errorf("invalid batch size %d", batchSize)
	}
	n := x.Rows()
	if n == 0 {
		return nil, errors.Wrap(ErrInputShape, "no examples to predict")
	}
	if x.RowSize() != mte.inputSize {
		return nil, errors.Wrapf(ErrInputShape, "input %v does not match model input %v", x.Shape, mte.modelSpec.InputShape)
	}

	outSize := featureSize(mte.modelSpec.OutputShape)
	out := make([]float64, 0, n*outSize)
	flat := x.Matrix()

	for start := 0; start < n; start += batchSize {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		end := start + batchSize
		if end > n {
			end = n
		}

		batch := flat.Slice(start, end, 0, mte.inputSize).(*mat.Dense)
		probs, err := mte.Forward(batch, false)
		if err != nil {
			return nil, errors.Wrapf(err, "batch starting at %d", start)
		}
		out = append(out, denseData(probs)...)
	}

	return tensor.New([]int{n, outSize}, out)
}
