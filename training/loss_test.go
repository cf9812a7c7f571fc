package training

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

func TestCategoricalCrossEntropyForward(t *testing.T) {
	loss := NewCategoricalCrossEntropyLoss()
	pred := mat.NewDense(2, 3, []float64{
		0.7, 0.2, 0.1,
		0.1, 0.1, 0.8,
	})
	target := mat.NewDense(2, 3, []float64{
		1, 0, 0,
		0, 1, 0,
	})

	value, err := loss.Forward(pred, target)
	require.NoError(t, err)
	assert.InDelta(t, -(math.Log(0.7)+math.Log(0.1))/2, value, 1e-12)
	assert.Equal(t, "categorical_crossentropy", loss.Name())
}

func TestCategoricalCrossEntropyClipsZeroProbability(t *testing.T) {
	loss := NewCategoricalCrossEntropyLoss()
	pred := mat.NewDense(1, 2, []float64{0, 1})
	target := mat.NewDense(1, 2, []float64{1, 0})

	value, err := loss.Forward(pred, target)
	require.NoError(t, err)
	assert.InDelta(t, -math.Log(DefaultEpsilon), value, 1e-9)
	assert.False(t, math.IsInf(value, 0))

	grad, err := loss.Backward(pred, target)
	require.NoError(t, err)
	assert.Equal(t, []float64{0, 0}, grad.RawRowView(0), "clipped entries carry no gradient")
}

func TestCategoricalCrossEntropyBackwardMatchesFiniteDifferences(t *testing.T) {
	loss := NewCategoricalCrossEntropyLoss()
	pred := mat.NewDense(2, 3, []float64{
		0.5, 0.3, 0.2,
		0.25, 0.25, 0.5,
	})
	target := mat.NewDense(2, 3, []float64{
		0, 1, 0,
		0, 0, 1,
	})

	grad, err := loss.Backward(pred, target)
	require.NoError(t, err)

	const eps = 1e-6
	for i := 0; i < 2; i++ {
		for j := 0; j < 3; j++ {
			orig := pred.At(i, j)
			pred.Set(i, j, orig+eps)
			plus, _ := loss.Forward(pred, target)
			pred.Set(i, j, orig-eps)
			minus, _ := loss.Forward(pred, target)
			pred.Set(i, j, orig)
			assert.InDelta(t, (plus-minus)/(2*eps), grad.At(i, j), 1e-6, "(%d,%d)", i, j)
		}
	}
}

func TestLossRejectsShapeMismatch(t *testing.T) {
	loss := NewCategoricalCrossEntropyLoss()
	_, err := loss.Forward(mat.NewDense(2, 3, nil), mat.NewDense(2, 4, nil))
	assert.Error(t, err)
	_, err = loss.Backward(mat.NewDense(1, 3, nil), mat.NewDense(2, 3, nil))
	assert.Error(t, err)
}

func TestCountCorrect(t *testing.T) {
	pred := mat.NewDense(3, 2, []float64{
		0.9, 0.1,
		0.4, 0.6,
		0.5, 0.5, // ties go to the first class
	})
	target := mat.NewDense(3, 2, []float64{
		1, 0,
		1, 0,
		1, 0,
	})
	assert.Equal(t, 2, CountCorrect(pred, target))
}
