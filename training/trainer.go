package training

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/tsawler/stance-cnn/engine"
	"github.com/tsawler/stance-cnn/optimizer"
	"github.com/tsawler/stance-cnn/tensor"
)

// TrainingConfig holds configuration for training
type TrainingConfig struct {
	Epochs       int
	BatchSize    int
	Shuffle      bool
	Seed         int64
	LearningRate float64 // base rate handed to the scheduler
}

// TrainingMetrics holds metrics for a single epoch
type TrainingMetrics struct {
	Epoch         int // 1-based
	Loss          float64
	Accuracy      float64
	LearningRate  float64
	EpochDuration time.Duration
	BatchCount    int
}

// Trainer drives mini-batch training of a ModelTrainingEngine
type Trainer struct {
	engine    *engine.ModelTrainingEngine
	optimizer optimizer.Optimizer
	criterion Loss
	scheduler LRScheduler
	config    TrainingConfig

	logger      *zap.Logger
	progressOut io.Writer
	checkpoints *CheckpointManager
	viz         *VisualizationCollector

	metrics []TrainingMetrics
	step    int
}

// TrainerOption customises a Trainer.
type TrainerOption func(*Trainer)

// WithLogger sets the structured logger used for per-epoch lines.
func WithLogger(logger *zap.Logger) TrainerOption {
	return func(t *Trainer) {
		if logger != nil {
			t.logger = logger
		}
	}
}

// WithProgressOutput enables a progress bar per epoch written to w.
func WithProgressOutput(w io.Writer) TrainerOption {
	return func(t *Trainer) { t.progressOut = w }
}

// WithScheduler sets the learning-rate schedule.
func WithScheduler(s LRScheduler) TrainerOption {
	return func(t *Trainer) {
		if s != nil {
			t.scheduler = s
		}
	}
}

// WithCheckpointManager saves periodic checkpoints after each epoch.
func WithCheckpointManager(cm *CheckpointManager) TrainerOption {
	return func(t *Trainer) { t.checkpoints = cm }
}

// WithVisualization records loss, accuracy and learning rate history.
func WithVisualization(vc *VisualizationCollector) TrainerOption {
	return func(t *Trainer) { t.viz = vc }
}

// NewTrainer creates a new Trainer
func NewTrainer(mte *engine.ModelTrainingEngine, opt optimizer.Optimizer, criterion Loss, config TrainingConfig, opts ...TrainerOption) (*Trainer, error) {
	if mte == nil || opt == nil || criterion == nil {
		return nil, errors.New("trainer needs an engine, an optimizer and a loss")
	}
	if config.Epochs <= 0 {
		return nil, errors.Errorf("epochs must be positive, got %d", config.Epochs)
	}
	if config.BatchSize <= 0 {
		return nil, errors.Errorf("batch size must be positive, got %d", config.BatchSize)
	}
	if config.LearningRate <= 0 {
		config.LearningRate = opt.GetLearningRate()
	}

	t := &Trainer{
		engine:    mte,
		optimizer: opt,
		criterion: criterion,
		scheduler: &NoOpScheduler{},
		config:    config,
		logger:    zap.NewNop(),
	}
	for _, o := range opts {
		o(t)
	}
	return t, nil
}

// Train runs the complete training loop over x and one-hot y. The context
// is checked before every batch.
func (t *Trainer) Train(ctx context.Context, x, y *tensor.Tensor) ([]TrainingMetrics, error) {
	ds, err := NewTensorDataset(x, y)
	if err != nil {
		return nil, err
	}
	loader := NewDataLoader(ds, t.config.BatchSize, t.config.Shuffle, t.config.Seed)

	t.logger.Info("starting training",
		zap.Int("epochs", t.config.Epochs),
		zap.Int("batch_size", t.config.BatchSize),
		zap.Int("examples", ds.Len()),
		zap.String("loss", t.criterion.Name()),
		zap.String("lr_schedule", t.scheduler.GetName()))

	for epoch := 1; epoch <= t.config.Epochs; epoch++ {
		m, err := t.trainEpoch(ctx, loader, epoch)
		if err != nil {
			return t.metrics, errors.Wrapf(err, "epoch %d", epoch)
		}
		t.metrics = append(t.metrics, m)

		t.logger.Info("epoch complete",
			zap.Int("epoch", m.Epoch),
			zap.Float64("loss", m.Loss),
			zap.Float64("accuracy", m.Accuracy),
			zap.Float64("lr", m.LearningRate),
			zap.Duration("duration", m.EpochDuration))

		if t.viz != nil {
			t.viz.RecordEpoch(m.Epoch, m.Loss, m.Accuracy)
		}
		if t.checkpoints != nil {
			if _, err := t.checkpoints.SavePeriodicCheckpoint(m.Epoch, t.step, m.Loss, m.Accuracy); err != nil {
				return t.metrics, err
			}
		}
	}
	return t.metrics, nil
}

func (t *Trainer) trainEpoch(ctx context.Context, loader *DataLoader, epoch int) (TrainingMetrics, error) {
	start := time.Now()
	loader.Reset()

	var bar *ProgressBar
	if t.progressOut != nil {
		bar = NewProgressBarTo(t.progressOut, fmt.Sprintf("Epoch %d/%d", epoch, t.config.Epochs), loader.Len())
	}

	var totalLoss float64
	var correct, seen, batches int
	lr := t.optimizer.GetLearningRate()

	for {
		if err := ctx.Err(); err != nil {
			return TrainingMetrics{}, err
		}
		batch, err := loader.Next()
		if err != nil {
			return TrainingMetrics{}, err
		}
		if batch == nil {
			break
		}

		lr = t.scheduler.GetLR(epoch-1, t.step, t.config.LearningRate)
		t.optimizer.UpdateLearningRate(lr)

		loss, err := t.trainBatch(batch)
		if err != nil {
			return TrainingMetrics{}, errors.Wrapf(err, "batch %d", batches)
		}
		t.step++
		batches++

		n := batch.Size()
		totalLoss += loss.value * float64(n)
		correct += loss.correct
		seen += n

		if t.viz != nil {
			t.viz.RecordTrainingStep(t.step, loss.value, lr)
		}
		if bar != nil {
			bar.Update(batches, map[string]float64{
				"loss": totalLoss / float64(seen),
				"acc":  float64(correct) / float64(seen),
			})
		}
	}
	if bar != nil {
		bar.Finish()
	}

	return TrainingMetrics{
		Epoch:         epoch,
		Loss:          totalLoss / float64(seen),
		Accuracy:      float64(correct) / float64(seen),
		LearningRate:  lr,
		EpochDuration: time.Since(start),
		BatchCount:    batches,
	}, nil
}

type batchResult struct {
	value   float64
	correct int
}

func (t *Trainer) trainBatch(batch *Batch) (batchResult, error) {
	t.engine.ZeroGrad()

	probs, err := t.engine.Forward(batch.Data, true)
	if err != nil {
		return batchResult{}, err
	}
	loss, err := t.criterion.Forward(probs, batch.Labels)
	if err != nil {
		return batchResult{}, err
	}
	grad, err := t.criterion.Backward(probs, batch.Labels)
	if err != nil {
		return batchResult{}, err
	}
	if err := t.engine.Backward(grad); err != nil {
		return batchResult{}, err
	}
	if err := t.optimizer.Step(t.engine.GetParameters()); err != nil {
		return batchResult{}, errors.Wrap(err, "optimizer step failed")
	}
	return batchResult{value: loss, correct: CountCorrect(probs, batch.Labels)}, nil
}

// Evaluate computes mean loss and accuracy with dropout disabled.
func (t *Trainer) Evaluate(ctx context.Context, x, y *tensor.Tensor) (float64, float64, error) {
	ds, err := NewTensorDataset(x, y)
	if err != nil {
		return 0, 0, err
	}
	loader := NewDataLoader(ds, t.config.BatchSize, false, 0)

	var totalLoss float64
	var correct, seen int
	for {
		if err := ctx.Err(); err != nil {
			return 0, 0, err
		}
		batch, err := loader.Next()
		if err != nil {
			return 0, 0, err
		}
		if batch == nil {
			break
		}
		probs, err := t.engine.Forward(batch.Data, false)
		if err != nil {
			return 0, 0, err
		}
		loss, err := t.criterion.Forward(probs, batch.Labels)
		if err != nil {
			return 0, 0, err
		}
		totalLoss += loss * float64(batch.Size())
		correct += CountCorrect(probs, batch.Labels)
		seen += batch.Size()
	}
	return totalLoss / float64(seen), float64(correct) / float64(seen), nil
}

// History returns the metrics of every completed epoch.
func (t *Trainer) History() []TrainingMetrics {
	return append([]TrainingMetrics(nil), t.metrics...)
}

// StepCount returns the number of optimizer steps taken so far.
func (t *Trainer) StepCount() int {
	return t.step
}
