package optimizer

import (
	"encoding/json"
	"math"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tsawler/stance-cnn/checkpoints"
	"github.com/tsawler/stance-cnn/engine"
)

func param(name string, values, grads []float64) *engine.Parameter {
	return &engine.Parameter{
		Name:  name,
		Layer: "l",
		Type:  "weight",
		Shape: []int{len(values)},
		Value: values,
		Grad:  grads,
	}
}

func TestExtractBufferIndex(t *testing.T) {
	tests := []struct {
		name string
		want int
	}{
		{"momentum_0", 0},
		{"variance_12", 12},
		{"squared_grad_avg_3", 3},
		{"nounderscore", -1},
		{"momentum_x", -1},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, extractBufferIndex(tt.name), tt.name)
	}
}

func TestAdamStepMatchesKerasUpdate(t *testing.T) {
	cfg := DefaultAdamConfig()
	adam := NewAdamOptimizer(cfg)
	p := param("w", []float64{0.5}, []float64{0.2})

	require.NoError(t, adam.Step([]*engine.Parameter{p}))

	// t=1: m=0.02, v=0.00004, lr_t = 0.001*sqrt(0.001)/0.1
	m := 0.1 * 0.2
	v := 0.001 * 0.2 * 0.2
	lrT := 0.001 * math.Sqrt(1-0.999) / (1 - 0.9)
	want := 0.5 - lrT*m/(math.Sqrt(v)+1e-8)
	assert.InDelta(t, want, p.Value[0], 1e-15)
	assert.Equal(t, uint64(1), adam.GetStepCount())

	// second step with a different gradient
	p.Grad[0] = -0.1
	require.NoError(t, adam.Step([]*engine.Parameter{p}))
	m = 0.9*m + 0.1*-0.1
	v = 0.999*v + 0.001*0.01
	lrT = 0.001 * math.Sqrt(1-math.Pow(0.999, 2)) / (1 - math.Pow(0.9, 2))
	want -= lrT * m / (math.Sqrt(v) + 1e-8)
	assert.InDelta(t, want, p.Value[0], 1e-15)
}

func TestAdamFirstStepMovesByLearningRate(t *testing.T) {
	// with bias correction the first step is ~lr*sign(g) regardless of scale
	adam := NewAdamOptimizer(DefaultAdamConfig())
	p := param("w", []float64{0, 0}, []float64{1000, -0.001})
	require.NoError(t, adam.Step([]*engine.Parameter{p}))
	assert.InDelta(t, -0.001, p.Value[0], 1e-6)
	assert.InDelta(t, 0.001, p.Value[1], 1e-6)
}

func TestAdamRejectsChangedParameters(t *testing.T) {
	adam := NewAdamOptimizer(DefaultAdamConfig())
	require.NoError(t, adam.Step([]*engine.Parameter{param("w", []float64{1}, []float64{1})}))
	assert.Error(t, adam.Step([]*engine.Parameter{param("w", []float64{1, 2}, []float64{1, 1})}))
	assert.Error(t, adam.Step(nil))
}

func TestAdamStateRoundTrip(t *testing.T) {
	adam := NewAdamOptimizer(DefaultAdamConfig())
	params := []*engine.Parameter{
		param("a", []float64{1, 2, 3}, []float64{0.1, 0.2, 0.3}),
		param("b", []float64{4}, []float64{-1}),
	}
	for i := 0; i < 3; i++ {
		require.NoError(t, adam.Step(params))
	}

	state, err := adam.GetState()
	require.NoError(t, err)
	assert.Equal(t, "Adam", state.Type)
	assert.Len(t, state.StateData, 4)

	// go through JSON as a checkpoint would
	raw, err := json.Marshal(state)
	require.NoError(t, err)
	var decoded checkpoints.OptimizerState
	require.NoError(t, json.Unmarshal(raw, &decoded))

	restored := NewAdamOptimizer(AdamConfig{})
	require.NoError(t, restored.LoadState(&decoded))
	assert.Equal(t, uint64(3), restored.GetStepCount())
	assert.InDelta(t, 0.001, restored.GetLearningRate(), 1e-15)
	assert.Equal(t, adam.MomentumBuffers, restored.MomentumBuffers)
	assert.Equal(t, adam.VarianceBuffers, restored.VarianceBuffers)

	// both continue identically
	clone := []*engine.Parameter{
		param("a", append([]float64(nil), params[0].Value...), params[0].Grad),
		param("b", append([]float64(nil), params[1].Value...), params[1].Grad),
	}
	require.NoError(t, adam.Step(params))
	require.NoError(t, restored.Step(clone))
	assert.Equal(t, params[0].Value, clone[0].Value)
	assert.Equal(t, params[1].Value, clone[1].Value)

	assert.Equal(t, adam.GetStepCount(), restored.GetStepCount())
}

func TestLoadStateTypeMismatch(t *testing.T) {
	sgd := NewSGDOptimizer(DefaultSGDConfig())
	err := sgd.LoadState(&OptimizerState{Type: "Adam"})
	assert.True(t, errors.Is(err, checkpoints.ErrIncompatible))

	adam := NewAdamOptimizer(DefaultAdamConfig())
	assert.Error(t, adam.LoadState(nil))
}

func TestSGDStep(t *testing.T) {
	sgd := NewSGDOptimizer(SGDConfig{LearningRate: 0.1})
	p := param("w", []float64{1}, []float64{2})
	require.NoError(t, sgd.Step([]*engine.Parameter{p}))
	assert.InDelta(t, 0.8, p.Value[0], 1e-15)

	mom := NewSGDOptimizer(SGDConfig{LearningRate: 0.1, Momentum: 0.9})
	q := param("w", []float64{1}, []float64{1})
	require.NoError(t, mom.Step([]*engine.Parameter{q}))
	require.NoError(t, mom.Step([]*engine.Parameter{q}))
	// v1 = -0.1, v2 = 0.9*-0.1 - 0.1 = -0.19
	assert.InDelta(t, 1-0.1-0.19, q.Value[0], 1e-12)

	state, err := mom.GetState()
	require.NoError(t, err)
	restored := NewSGDOptimizer(DefaultSGDConfig())
	require.NoError(t, restored.LoadState(state))
	assert.InDelta(t, 0.9, restored.Momentum, 1e-15)
	assert.Equal(t, mom.MomentumBuffers, restored.MomentumBuffers)
}

func TestNewByName(t *testing.T) {
	opt, err := New("adam", 0.01)
	require.NoError(t, err)
	assert.InDelta(t, 0.01, opt.GetLearningRate(), 1e-15)

	opt, err = New("sgd", 0.5)
	require.NoError(t, err)
	opt.UpdateLearningRate(0.25)
	assert.InDelta(t, 0.25, opt.GetLearningRate(), 1e-15)

	_, err = New("lbfgs", 1)
	assert.Error(t, err)
}
