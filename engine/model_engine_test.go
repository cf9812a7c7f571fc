package engine

import (
	"context"
	"math"
	"math/rand"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"github.com/tsawler/stance-cnn/checkpoints"
	"github.com/tsawler/stance-cnn/layers"
	"github.com/tsawler/stance-cnn/tensor"
)

func randomDense(rng *rand.Rand, rows, cols int) *mat.Dense {
	data := make([]float64, rows*cols)
	for i := range data {
		data[i] = rng.NormFloat64()
	}
	return mat.NewDense(rows, cols, data)
}

// checkGradients compares analytic parameter gradients against central
// differences of the scalar loss sum(coeff .* output).
func checkGradients(t *testing.T, spec *layers.ModelSpec) {
	t.Helper()

	mte, err := NewModelTrainingEngine(spec, WithSeed(7))
	require.NoError(t, err)

	rng := rand.New(rand.NewSource(3))
	batch := spec.InputShape[0]
	x := randomDense(rng, batch, featureSize(spec.InputShape))
	coeff := randomDense(rng, batch, featureSize(spec.OutputShape))

	loss := func() float64 {
		y, err := mte.Forward(x, false)
		require.NoError(t, err)
		var prod mat.Dense
		prod.MulElem(y, coeff)
		return mat.Sum(&prod)
	}

	mte.ZeroGrad()
	loss()
	require.NoError(t, mte.Backward(coeff))

	const eps = 1e-6
	for _, p := range mte.GetParameters() {
		for i := range p.Value {
			orig := p.Value[i]
			p.Value[i] = orig + eps
			plus := loss()
			p.Value[i] = orig - eps
			minus := loss()
			p.Value[i] = orig

			numeric := (plus - minus) / (2 * eps)
			assert.InDelta(t, numeric, p.Grad[i], 1e-5+1e-4*math.Abs(numeric), "%s[%d]", p.Name, i)
		}
	}
}

func TestGradientsConvPoolDense(t *testing.T) {
	spec, err := layers.NewModelBuilder([]int{3, 7, 2}).
		AddConv1D(3, 3, 1, 1, true, "conv").
		AddReLU("relu").
		AddMaxPool1D(2, 0, "pool").
		AddFlatten("flat").
		AddDense(4, true, "hidden").
		AddReLU("hidden_relu").
		AddDense(3, true, "out").
		AddSoftmax(-1, "softmax").
		Compile()
	require.NoError(t, err)
	checkGradients(t, spec)
}

func TestGradientsStridedConvWithoutBias(t *testing.T) {
	spec, err := layers.NewModelBuilder([]int{2, 9, 1}).
		AddConv1D(2, 3, 2, 0, false, "conv").
		AddDense(2, false, "out").
		Compile()
	require.NoError(t, err)
	checkGradients(t, spec)
}

func TestGradientsConcatenate(t *testing.T) {
	f := layers.NewFactory()
	branch := func(k int, name string) []layers.LayerSpec {
		return []layers.LayerSpec{
			f.CreateConv1DSpec(2, k, 1, 0, true, name),
			f.CreateReLUSpec(name + "_relu"),
			f.CreateFlattenSpec(name + "_flat"),
		}
	}
	spec, err := layers.NewModelBuilder([]int{2, 5, 1}).
		AddConcatenate("concat", branch(2, "a"), branch(5, "b")).
		AddDense(3, true, "out").
		AddSoftmax(-1, "softmax").
		Compile()
	require.NoError(t, err)
	checkGradients(t, spec)
}

func TestConvForwardKnownValues(t *testing.T) {
	spec, err := layers.NewModelBuilder([]int{1, 3, 1}).
		AddConv1D(1, 2, 1, 0, true, "conv").
		AddFlatten("flat").
		Compile()
	require.NoError(t, err)

	mte, err := NewModelTrainingEngine(spec)
	require.NoError(t, err)
	require.NoError(t, mte.LoadWeights([]checkpoints.WeightTensor{
		{Name: "conv.weight", Shape: []int{2, 1, 1}, Data: []float64{1, 10}},
		{Name: "conv.bias", Shape: []int{1}, Data: []float64{0.5}},
	}))

	y, err := mte.Forward(mat.NewDense(1, 3, []float64{1, 2, 3}), false)
	require.NoError(t, err)
	assert.Equal(t, []float64{21.5, 32.5}, y.RawRowView(0))
}

func TestForwardRejectsWrongInputSize(t *testing.T) {
	spec, err := layers.NewModelBuilder([]int{1, 4, 1}).AddFlatten("f").AddDense(2, true, "d").Compile()
	require.NoError(t, err)
	mte, err := NewModelTrainingEngine(spec)
	require.NoError(t, err)

	_, err = mte.Forward(mat.NewDense(2, 5, nil), false)
	assert.True(t, errors.Is(err, ErrInputShape))

	err = mte.Backward(mat.NewDense(2, 3, nil))
	assert.True(t, errors.Is(err, ErrInputShape))
}

func TestSeededEnginesAreIdentical(t *testing.T) {
	spec, err := layers.NewModelBuilder([]int{2, 6, 1}).
		AddConv1D(4, 6, 1, 0, true, "conv").
		AddFlatten("flat").
		AddDropout(0.5, "drop").
		AddDense(3, true, "out").
		Compile()
	require.NoError(t, err)

	a, err := NewModelTrainingEngine(spec, WithSeed(42))
	require.NoError(t, err)
	b, err := NewModelTrainingEngine(spec, WithSeed(42))
	require.NoError(t, err)
	assert.Equal(t, a.ExtractWeights(), b.ExtractWeights())

	x := mat.NewDense(2, 6, []float64{1, 2, 3, 4, 5, 6, 6, 5, 4, 3, 2, 1})
	ya, err := a.Forward(x, true)
	require.NoError(t, err)
	yb, err := b.Forward(x, true)
	require.NoError(t, err)
	assert.True(t, mat.Equal(ya, yb), "same seed must give the same dropout masks")

	SetRandomSeed(5)
	c, err := NewModelTrainingEngine(spec)
	require.NoError(t, err)
	SetRandomSeed(5)
	d, err := NewModelTrainingEngine(spec)
	require.NoError(t, err)
	assert.Equal(t, c.ExtractWeights(), d.ExtractWeights())
}

func TestGlorotInitBounds(t *testing.T) {
	spec, err := layers.NewModelBuilder([]int{1, 10, 1}).
		AddConv1D(8, 10, 1, 0, true, "conv").
		AddFlatten("flat").
		AddDense(5, true, "out").
		Compile()
	require.NoError(t, err)
	mte, err := NewModelTrainingEngine(spec, WithSeed(1))
	require.NoError(t, err)

	convLimit := math.Sqrt(6.0 / float64(10+80))
	denseLimit := math.Sqrt(6.0 / float64(8+5))
	for _, p := range mte.GetParameters() {
		limit := denseLimit
		if p.Layer == "conv" {
			limit = convLimit
		}
		for _, v := range p.Value {
			if p.Type == "bias" {
				assert.Zero(t, v)
			} else {
				assert.LessOrEqual(t, math.Abs(v), limit)
			}
		}
	}
}

func TestDropoutOnlyInTraining(t *testing.T) {
	spec, err := layers.NewModelBuilder([]int{1, 1000}).AddDropout(0.7, "drop").Compile()
	require.NoError(t, err)
	mte, err := NewModelTrainingEngine(spec, WithSeed(9))
	require.NoError(t, err)

	ones := make([]float64, 1000)
	for i := range ones {
		ones[i] = 1
	}
	x := mat.NewDense(1, 1000, ones)

	y, err := mte.Forward(x, false)
	require.NoError(t, err)
	assert.True(t, mat.Equal(x, y))

	y, err = mte.Forward(x, true)
	require.NoError(t, err)
	kept := 0
	for _, v := range y.RawRowView(0) {
		if v != 0 {
			kept++
			assert.InDelta(t, 1/0.3, v, 1e-12)
		}
	}
	assert.InDelta(t, 300, kept, 60)
}

func TestSoftmaxRowsSumToOne(t *testing.T) {
	spec, err := layers.NewModelBuilder([]int{4, 5}).AddSoftmax(-1, "sm").Compile()
	require.NoError(t, err)
	mte, err := NewModelTrainingEngine(spec)
	require.NoError(t, err)

	x := randomDense(rand.New(rand.NewSource(1)), 4, 5)
	x.Set(0, 0, 1000) // must not overflow
	y, err := mte.Forward(x, false)
	require.NoError(t, err)
	for i := 0; i < 4; i++ {
		assert.InDelta(t, 1, mat.Sum(y.RowView(i)), 1e-12)
	}
	assert.InDelta(t, 1, y.At(0, 0), 1e-12)
}

func TestLoadWeightsRejectsMismatch(t *testing.T) {
	spec, err := layers.NewModelBuilder([]int{1, 4}).AddDense(2, true, "d").Compile()
	require.NoError(t, err)
	mte, err := NewModelTrainingEngine(spec)
	require.NoError(t, err)

	err = mte.LoadWeights([]checkpoints.WeightTensor{{Name: "d.weight", Shape: []int{4, 2}, Data: make([]float64, 8)}})
	assert.True(t, errors.Is(err, checkpoints.ErrIncompatible), "missing bias")

	err = mte.LoadWeights([]checkpoints.WeightTensor{
		{Name: "d.weight", Shape: []int{2, 4}, Data: make([]float64, 8)},
		{Name: "d.bias", Shape: []int{2}, Data: make([]float64, 2)},
	})
	assert.True(t, errors.Is(err, checkpoints.ErrIncompatible), "transposed weight")

	before := mte.ExtractWeights()
	other, err := NewModelTrainingEngine(spec, WithSeed(99))
	require.NoError(t, err)
	require.NoError(t, mte.LoadWeights(other.ExtractWeights()))
	assert.Equal(t, other.ExtractWeights(), mte.ExtractWeights())
	assert.NotEqual(t, before, mte.ExtractWeights())
}

func TestPredictMatchesSingleForward(t *testing.T) {
	spec, err := layers.NewModelBuilder([]int{32, 6, 1}).
		AddConv1D(3, 2, 1, 0, true, "conv").
		AddFlatten("flat").
		AddDense(4, true, "out").
		AddSoftmax(-1, "sm").
		Compile()
	require.NoError(t, err)
	mte, err := NewModelTrainingEngine(spec, WithSeed(3))
	require.NoError(t, err)

	data := randomDense(rand.New(rand.NewSource(2)), 70, 6)
	x, err := tensor.New([]int{70, 6, 1}, data.RawMatrix().Data)
	require.NoError(t, err)

	probs, err := Predict(context.Background(), mte, x, 32)
	require.NoError(t, err)
	assert.Equal(t, []int{70, 4}, probs.Shape)

	full, err := mte.Forward(data, false)
	require.NoError(t, err)
	assert.InDeltaSlice(t, full.RawMatrix().Data, probs.Data, 1e-12)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = Predict(ctx, mte, x, 32)
	assert.ErrorIs(t, err, context.Canceled)

	bad, err := tensor.Zeros(3, 5, 1)
	require.NoError(t, err)
	_, err = Predict(context.Background(), mte, bad, 32)
	assert.True(t, errors.Is(err, ErrInputShape))
}
