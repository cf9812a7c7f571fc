package stance

import (
	"context"
	"io"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/tsawler/stance-cnn/checkpoints"
	"github.com/tsawler/stance-cnn/config"
	"github.com/tsawler/stance-cnn/engine"
	"github.com/tsawler/stance-cnn/layers"
	"github.com/tsawler/stance-cnn/optimizer"
	"github.com/tsawler/stance-cnn/tensor"
	"github.com/tsawler/stance-cnn/training"
)

// Prediction holds the per-example output of a model.
type Prediction struct {
	Classes       []int     // argmax of each probability row
	Confidence    []float64 // the winning probability
	Probabilities *tensor.Tensor
}

// Model is a trainable, persistable stance classifier.
type Model interface {
	Train(ctx context.Context, x, y *tensor.Tensor) ([]training.TrainingMetrics, error)
	Predict(ctx context.Context, x *tensor.Tensor) (*Prediction, error)
	Evaluate(ctx context.Context, x, y *tensor.Tensor) (loss, accuracy float64, err error)
	Save(path string) error
	Load(path string) error
	Spec() *layers.ModelSpec
}

// CNNOption customises a CNN.
type CNNOption func(*CNN)

// WithLogger sets the logger used during training and persistence.
func WithLogger(logger *zap.Logger) CNNOption {
	return func(c *CNN) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithProgressOutput draws a per-epoch progress bar on w.
func WithProgressOutput(w io.Writer) CNNOption {
	return func(c *CNN) { c.progress = w }
}

// WithCheckpoints saves periodic checkpoints while training.
func WithCheckpoints(cfg training.CheckpointConfig) CNNOption {
	return func(c *CNN) { c.checkpoints = &cfg }
}

// WithVisualization records the training curves into vc.
func WithVisualization(vc *training.VisualizationCollector) CNNOption {
	return func(c *CNN) { c.viz = vc }
}

// CNN is the convolutional stance model.
type CNN struct {
	hp        Hyperparameters
	engine    *engine.ModelTrainingEngine
	optimizer optimizer.Optimizer
	history   []training.TrainingMetrics

	logger      *zap.Logger
	progress    io.Writer
	checkpoints *training.CheckpointConfig
	viz         *training.VisualizationCollector
}

var _ Model = (*CNN)(nil)

// NewCNN builds an untrained model for sequences of length seqLen.
func NewCNN(seqLen int, hp Hyperparameters, opts ...CNNOption) (*CNN, error) {
	spec, err := BuildSpec(seqLen, hp)
	if err != nil {
		return nil, err
	}
	c := newCNN(hp, opts)
	if err := c.reset(spec, nil); err != nil {
		return nil, err
	}
	return c, nil
}

// LoadCNN restores a model saved with Save.
func LoadCNN(path string, hp Hyperparameters, opts ...CNNOption) (*CNN, error) {
	c := newCNN(hp, opts)
	if err := c.Load(path); err != nil {
		return nil, err
	}
	return c, nil
}

func newCNN(hp Hyperparameters, opts []CNNOption) *CNN {
	c := &CNN{hp: hp, logger: zap.NewNop()}
	for _, o := range opts {
		o(c)
	}
	return c
}

// reset replaces the engine and optimizer for spec, optionally loading
// weights.
func (c *CNN) reset(spec *layers.ModelSpec, weights []checkpoints.WeightTensor) error {
	mte, err := engine.NewModelTrainingEngine(spec, engine.WithSeed(c.hp.Seed))
	if err != nil {
		return errors.Wrap(err, "failed to create engine")
	}
	if weights != nil {
		if err := mte.LoadWeights(weights); err != nil {
			return err
		}
	}
	opt, err := newOptimizer(c.hp.Optimizer)
	if err != nil {
		return err
	}
	c.engine = mte
	c.optimizer = opt
	c.history = nil
	return nil
}

func newOptimizer(cfg config.OptimizerConfig) (optimizer.Optimizer, error) {
	switch cfg.Type {
	case "adam", "":
		ac := optimizer.DefaultAdamConfig()
		if cfg.LearningRate > 0 {
			ac.LearningRate = cfg.LearningRate
		}
		if cfg.Beta1 > 0 {
			ac.Beta1 = cfg.Beta1
		}
		if cfg.Beta2 > 0 {
			ac.Beta2 = cfg.Beta2
		}
		if cfg.Epsilon > 0 {
			ac.Epsilon = cfg.Epsilon
		}
		return optimizer.NewAdamOptimizer(ac), nil
	case "sgd":
		sc := optimizer.DefaultSGDConfig()
		if cfg.LearningRate > 0 {
			sc.LearningRate = cfg.LearningRate
		}
		sc.Momentum = cfg.Momentum
		return optimizer.NewSGDOptimizer(sc), nil
	default:
		return nil, errors.Errorf("unknown optimizer %q", cfg.Type)
	}
}

// Spec returns the compiled architecture.
func (c *CNN) Spec() *layers.ModelSpec {
	return c.engine.GetModelSpec()
}

// History returns the metrics of every epoch trained by this instance.
func (c *CNN) History() []training.TrainingMetrics {
	return append([]training.TrainingMetrics(nil), c.history...)
}

// Train fits the model on features x and one-hot labels y.
func (c *CNN) Train(ctx context.Context, x, y *tensor.Tensor) ([]training.TrainingMetrics, error) {
	opts := []training.TrainerOption{
		training.WithLogger(c.logger),
		training.WithScheduler(training.NewScheduler("inverse_time", c.hp.Optimizer.Decay, 0, 0)),
	}
	if c.progress != nil {
		opts = append(opts, training.WithProgressOutput(c.progress))
	}
	if c.viz != nil {
		opts = append(opts, training.WithVisualization(c.viz))
	}
	if c.checkpoints != nil && c.checkpoints.SaveFrequency > 0 {
		cm := training.NewCheckpointManager(c.engine, c.optimizer, *c.checkpoints, c.logger)
		opts = append(opts, training.WithCheckpointManager(cm))
	}

	trainer, err := c.newTrainer(c.hp.BatchSize, opts...)
	if err != nil {
		return nil, err
	}

	metrics, err := trainer.Train(ctx, x, y)
	c.history = append(c.history, metrics...)
	if err != nil {
		return metrics, errors.Wrap(err, "training failed")
	}
	return metrics, nil
}

func (c *CNN) newTrainer(batchSize int, opts ...training.TrainerOption) (*training.Trainer, error) {
	epochs := c.hp.Epochs
	if epochs <= 0 {
		epochs = 1
	}
	return training.NewTrainer(c.engine, c.optimizer, training.NewCategoricalCrossEntropyLoss(), training.TrainingConfig{
		Epochs:       epochs,
		BatchSize:    batchSize,
		Shuffle:      c.hp.Shuffle,
		Seed:         c.hp.Seed,
		LearningRate: c.hp.Optimizer.LearningRate,
	}, opts...)
}

// Evaluate returns the mean cross-entropy and accuracy on x and one-hot y
// with dropout disabled. The weights are not changed.
func (c *CNN) Evaluate(ctx context.Context, x, y *tensor.Tensor) (float64, float64, error) {
	trainer, err := c.newTrainer(c.predictBatchSize())
	if err != nil {
		return 0, 0, err
	}
	loss, acc, err := trainer.Evaluate(ctx, x, y)
	if err != nil {
		return 0, 0, errors.Wrap(err, "evaluation failed")
	}
	return loss, acc, nil
}

func (c *CNN) predictBatchSize() int {
	if c.hp.PredictBatchSize <= 0 {
		return 32
	}
	return c.hp.PredictBatchSize
}

// Predict runs inference with dropout disabled.
func (c *CNN) Predict(ctx context.Context, x *tensor.Tensor) (*Prediction, error) {
	probs, err := engine.Predict(ctx, c.engine, x, c.predictBatchSize())
	if err != nil {
		return nil, errors.Wrap(err, "prediction failed")
	}
	classes, confidence := probs.ArgMax()
	return &Prediction{Classes: classes, Confidence: confidence, Probabilities: probs}, nil
}

// Save writes the model to path. The format follows the extension.
func (c *CNN) Save(path string) error {
	state := checkpoints.TrainingState{
		LearningRate: c.optimizer.GetLearningRate(),
		TotalSteps:   int(c.optimizer.GetStepCount()),
		Step:         int(c.optimizer.GetStepCount()),
	}
	if n := len(c.history); n > 0 {
		last := c.history[n-1]
		state.Epoch = last.Epoch
		state.BestLoss = last.Loss
		state.BestAccuracy = last.Accuracy
	}

	cp, err := training.NewCheckpoint(c.engine, c.optimizer, state, "stance CNN")
	if err != nil {
		return err
	}
	if err := checkpoints.Save(cp, path); err != nil {
		return errors.Wrapf(err, "failed to save model to %s", path)
	}
	c.logger.Info("model saved",
		zap.String("path", path),
		zap.String("format", checkpoints.FormatForPath(path).String()))
	return nil
}

// Load replaces the model with the checkpoint at path. Optimizer state is
// restored when the checkpoint carries one of the same type.
func (c *CNN) Load(path string) error {
	cp, err := checkpoints.Load(path)
	if err != nil {
		return errors.Wrapf(err, "failed to load model from %s", path)
	}
	spec, err := cp.ModelSpec.Recompile(0)
	if err != nil {
		return errors.Wrapf(checkpoints.ErrIncompatible, "model in %s does not compile: %v", path, err)
	}
	cp.ModelSpec = spec
	if err := cp.Validate(); err != nil {
		return errors.Wrapf(err, "checkpoint %s", path)
	}
	if err := c.reset(spec, cp.Weights); err != nil {
		return errors.Wrapf(err, "checkpoint %s", path)
	}

	if cp.OptimizerState != nil {
		if err := c.optimizer.LoadState(cp.OptimizerState); err != nil {
			c.logger.Warn("optimizer state not restored", zap.String("path", path), zap.Error(err))
		}
	}
	return nil
}
