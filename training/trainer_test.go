package training

import (
	"bytes"
	"context"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tsawler/stance-cnn/checkpoints"
	"github.com/tsawler/stance-cnn/engine"
	"github.com/tsawler/stance-cnn/layers"
	"github.com/tsawler/stance-cnn/optimizer"
	"github.com/tsawler/stance-cnn/tensor"
)

// separableData puts class 0 around (+1, -1, ...) and class 1 around (-1, +1, ...).
func separableData(t *testing.T, n int) (*tensor.Tensor, *tensor.Tensor) {
	t.Helper()
	rng := rand.New(rand.NewSource(11))
	x := make([][]float64, n)
	y := make([][]float64, n)
	for i := range x {
		sign := 1.0
		y[i] = []float64{1, 0}
		if i%2 == 1 {
			sign = -1
			y[i] = []float64{0, 1}
		}
		x[i] = []float64{
			sign + 0.1*rng.NormFloat64(),
			-sign + 0.1*rng.NormFloat64(),
			sign + 0.1*rng.NormFloat64(),
			-sign + 0.1*rng.NormFloat64(),
		}
	}
	xt, err := tensor.FromRows(x)
	require.NoError(t, err)
	yt, err := tensor.FromRows(y)
	require.NoError(t, err)
	return xt, yt
}

func smallClassifier(t *testing.T) *engine.ModelTrainingEngine {
	t.Helper()
	spec, err := layers.NewModelBuilder([]int{8, 4}).
		AddDense(8, true, "hidden").
		AddReLU("relu").
		AddDense(2, true, "out").
		AddSoftmax(-1, "softmax").
		Compile()
	require.NoError(t, err)
	mte, err := engine.NewModelTrainingEngine(spec, engine.WithSeed(4))
	require.NoError(t, err)
	return mte
}

func adam(lr float64) *optimizer.AdamOptimizerState {
	cfg := optimizer.DefaultAdamConfig()
	cfg.LearningRate = lr
	return optimizer.NewAdamOptimizer(cfg)
}

func TestTrainerLearnsSeparableProblem(t *testing.T) {
	x, y := separableData(t, 40)
	mte := smallClassifier(t)
	opt := adam(0.05)

	var progress bytes.Buffer
	vc := NewVisualizationCollector("toy")
	vc.Enable()

	trainer, err := NewTrainer(mte, opt, NewCategoricalCrossEntropyLoss(),
		TrainingConfig{Epochs: 20, BatchSize: 8},
		WithProgressOutput(&progress),
		WithVisualization(vc))
	require.NoError(t, err)

	history, err := trainer.Train(context.Background(), x, y)
	require.NoError(t, err)
	require.Len(t, history, 20)

	assert.Equal(t, 1, history[0].Epoch)
	assert.Equal(t, 5, history[0].BatchCount)
	assert.Less(t, history[19].Loss, history[0].Loss)
	assert.GreaterOrEqual(t, history[19].Accuracy, 0.95)
	assert.Equal(t, 100, trainer.StepCount())
	assert.Equal(t, uint64(100), opt.GetStepCount())
	assert.Equal(t, 20, vc.EpochCount())
	assert.Contains(t, progress.String(), "Epoch 20/20")

	loss, acc, err := trainer.Evaluate(context.Background(), x, y)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, acc, 0.95)
	assert.Less(t, loss, history[0].Loss)
}

func TestTrainerAppliesSchedule(t *testing.T) {
	x, y := separableData(t, 16)
	opt := adam(0.01)
	trainer, err := NewTrainer(smallClassifier(t), opt, NewCategoricalCrossEntropyLoss(),
		TrainingConfig{Epochs: 2, BatchSize: 8, LearningRate: 0.01},
		WithScheduler(NewInverseTimeDecayScheduler(1)))
	require.NoError(t, err)

	history, err := trainer.Train(context.Background(), x, y)
	require.NoError(t, err)
	// last batch ran at step 3: 0.01 / (1 + 3)
	assert.InDelta(t, 0.0025, history[1].LearningRate, 1e-15)
	assert.InDelta(t, 0.0025, opt.GetLearningRate(), 1e-15)
}

func TestTrainerStopsOnCancel(t *testing.T) {
	x, y := separableData(t, 16)
	trainer, err := NewTrainer(smallClassifier(t), adam(0.01), NewCategoricalCrossEntropyLoss(),
		TrainingConfig{Epochs: 3, BatchSize: 4})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = trainer.Train(ctx, x, y)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, trainer.StepCount())
}

func TestNewTrainerValidation(t *testing.T) {
	mte := smallClassifier(t)
	loss := NewCategoricalCrossEntropyLoss()

	_, err := NewTrainer(nil, adam(0.1), loss, TrainingConfig{Epochs: 1, BatchSize: 1})
	assert.Error(t, err)
	_, err = NewTrainer(mte, adam(0.1), loss, TrainingConfig{Epochs: 0, BatchSize: 1})
	assert.Error(t, err)
	_, err = NewTrainer(mte, adam(0.1), loss, TrainingConfig{Epochs: 1, BatchSize: 0})
	assert.Error(t, err)
}

func TestTrainerWritesPeriodicCheckpoints(t *testing.T) {
	x, y := separableData(t, 16)
	mte := smallClassifier(t)
	opt := adam(0.01)

	cfg := DefaultCheckpointConfig()
	cfg.SaveDirectory = filepath.Join(t.TempDir(), "ckpt")
	cfg.SaveFrequency = 1
	cfg.MaxCheckpoints = 2
	cm := NewCheckpointManager(mte, opt, cfg, nil)

	trainer, err := NewTrainer(mte, opt, NewCategoricalCrossEntropyLoss(),
		TrainingConfig{Epochs: 4, BatchSize: 8}, WithCheckpointManager(cm))
	require.NoError(t, err)
	_, err = trainer.Train(context.Background(), x, y)
	require.NoError(t, err)

	entries, err := os.ReadDir(cfg.SaveDirectory)
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	assert.ElementsMatch(t, []string{
		"checkpoint_epoch_3_step_6.json",
		"checkpoint_epoch_4_step_8.json",
	}, names)
	assert.Len(t, cm.SavedFiles(), 2)
}

func TestCheckpointManagerRestoresState(t *testing.T) {
	x, y := separableData(t, 16)
	mte := smallClassifier(t)
	opt := adam(0.01)
	trainer, err := NewTrainer(mte, opt, NewCategoricalCrossEntropyLoss(), TrainingConfig{Epochs: 2, BatchSize: 8})
	require.NoError(t, err)
	_, err = trainer.Train(context.Background(), x, y)
	require.NoError(t, err)

	cfg := DefaultCheckpointConfig()
	cfg.SaveDirectory = t.TempDir()
	cfg.SaveBest = true
	cm := NewCheckpointManager(mte, opt, cfg, nil)

	path, err := cm.SaveCheckpoint(2, 4, 0.3, 0.9, "manual")
	require.NoError(t, err)
	assert.Equal(t, ".json", filepath.Ext(path))

	saved, err := cm.SaveBestCheckpoint(2, 4, 0.3, 0.9)
	require.NoError(t, err)
	assert.True(t, saved)
	saved, err = cm.SaveBestCheckpoint(3, 6, 0.5, 0.9)
	require.NoError(t, err)
	assert.False(t, saved, "worse loss is not saved")

	_, err = os.Stat(filepath.Join(cfg.SaveDirectory, "best_checkpoint.json"))
	require.NoError(t, err)

	spec := mte.GetModelSpec()
	fresh, err := engine.NewModelTrainingEngine(spec, engine.WithSeed(77))
	require.NoError(t, err)
	freshOpt := adam(0.01)
	restore := NewCheckpointManager(fresh, freshOpt, cfg, nil)
	cp, err := restore.LoadCheckpoint(path)
	require.NoError(t, err)

	assert.Equal(t, 2, cp.TrainingState.Epoch)
	assert.Equal(t, "manual", cp.Metadata.Description)
	assert.Equal(t, uint64(4), freshOpt.GetStepCount())
	want := mte.ExtractWeights()
	got := fresh.ExtractWeights()
	require.Len(t, got, len(want))
	for i := range want {
		assert.InDeltaSlice(t, want[i].Data, got[i].Data, 1e-6, want[i].Name)
	}
}

func TestCheckpointManagerONNXFormat(t *testing.T) {
	mte := smallClassifier(t)
	cfg := DefaultCheckpointConfig()
	cfg.SaveDirectory = t.TempDir()
	cfg.Format = checkpoints.FormatONNX
	cm := NewCheckpointManager(mte, adam(0.01), cfg, nil)

	path, err := cm.SaveCheckpoint(1, 2, 0.7, 0.5, "onnx export")
	require.NoError(t, err)
	assert.Equal(t, "checkpoint_epoch_1_step_2.onnx", filepath.Base(path))

	cp, err := checkpoints.Load(path)
	require.NoError(t, err)
	assert.Nil(t, cp.OptimizerState, "ONNX carries inference state only")
	assert.Equal(t, 1, cp.TrainingState.Epoch)
}
