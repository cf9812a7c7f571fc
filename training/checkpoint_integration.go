package training

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/tsawler/stance-cnn/checkpoints"
	"github.com/tsawler/stance-cnn/engine"
	"github.com/tsawler/stance-cnn/optimizer"
)

// CheckpointConfig configures checkpoint saving behavior
type CheckpointConfig struct {
	SaveDirectory   string                       // Directory to save checkpoints
	SaveFrequency   int                          // Save every N epochs (0 = disabled)
	SaveBest        bool                         // Save checkpoint when training loss improves
	MaxCheckpoints  int                          // Maximum number of periodic checkpoints to keep (0 = unlimited)
	Format          checkpoints.CheckpointFormat // JSON or ONNX
	FilenamePattern string                       // Pattern for checkpoint filenames
}

// DefaultCheckpointConfig returns the disabled-by-default configuration
func DefaultCheckpointConfig() CheckpointConfig {
	return CheckpointConfig{
		SaveDirectory:   "./checkpoints",
		SaveFrequency:   0,
		MaxCheckpoints:  5,
		Format:          checkpoints.FormatJSON,
		FilenamePattern: "checkpoint_epoch_%d_step_%d",
	}
}

// NewCheckpoint snapshots an engine and its optimizer.
func NewCheckpoint(mte *engine.ModelTrainingEngine, opt optimizer.Optimizer, state checkpoints.TrainingState, description string) (*checkpoints.Checkpoint, error) {
	cp := &checkpoints.Checkpoint{
		ModelSpec:     mte.GetModelSpec(),
		Weights:       mte.ExtractWeights(),
		TrainingState: state,
		Metadata: checkpoints.CheckpointMetadata{
			CreatedAt:   time.Now(),
			Description: description,
			Tags:        []string{"stance", "cnn"},
		},
	}
	if opt != nil {
		optState, err := opt.GetState()
		if err != nil {
			return nil, errors.Wrap(err, "failed to extract optimizer state")
		}
		cp.OptimizerState = optState
	}
	return cp, nil
}

// CheckpointManager handles periodic and best-so-far checkpoints
type CheckpointManager struct {
	config     CheckpointConfig
	engine     *engine.ModelTrainingEngine
	optimizer  optimizer.Optimizer
	saver      *checkpoints.CheckpointSaver
	logger     *zap.Logger
	bestLoss   float64
	savedFiles []string
}

// NewCheckpointManager creates a new checkpoint manager
func NewCheckpointManager(mte *engine.ModelTrainingEngine, opt optimizer.Optimizer, config CheckpointConfig, logger *zap.Logger) *CheckpointManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CheckpointManager{
		config:    config,
		engine:    mte,
		optimizer: opt,
		saver:     checkpoints.NewCheckpointSaver(config.Format),
		logger:    logger,
		bestLoss:  1e9,
	}
}

// SaveCheckpoint saves the current model state
func (cm *CheckpointManager) SaveCheckpoint(epoch, step int, loss, accuracy float64, description string) (string, error) {
	cp, err := NewCheckpoint(cm.engine, cm.optimizer, cm.trainingState(epoch, step, loss, accuracy), description)
	if err != nil {
		return "", errors.Wrap(err, "failed to create checkpoint")
	}

	path := filepath.Join(cm.config.SaveDirectory, cm.generateFilename(epoch, step))
	if err := cm.ensureDirectory(); err != nil {
		return "", errors.Wrap(err, "failed to create checkpoint directory")
	}
	if err := cm.saver.SaveCheckpoint(cp, path); err != nil {
		return "", errors.Wrap(err, "failed to save checkpoint")
	}

	cm.savedFiles = append(cm.savedFiles, path)
	if err := cm.cleanupOldCheckpoints(); err != nil {
		cm.logger.Warn("failed to clean up old checkpoints", zap.Error(err))
	}
	return path, nil
}

// SaveBestCheckpoint saves a checkpoint if the loss improved
func (cm *CheckpointManager) SaveBestCheckpoint(epoch, step int, loss, accuracy float64) (bool, error) {
	if !cm.config.SaveBest || loss >= cm.bestLoss {
		return false, nil
	}
	cm.bestLoss = loss

	description := fmt.Sprintf("Best checkpoint - Loss: %.6f, Accuracy: %.2f%%", loss, accuracy*100)
	cp, err := NewCheckpoint(cm.engine, cm.optimizer, cm.trainingState(epoch, step, loss, accuracy), description)
	if err != nil {
		return false, errors.Wrap(err, "failed to create best checkpoint")
	}
	if err := cm.ensureDirectory(); err != nil {
		return false, errors.Wrap(err, "failed to create checkpoint directory")
	}
	path := filepath.Join(cm.config.SaveDirectory, "best_checkpoint."+cm.getFileExtension())
	if err := cm.saver.SaveCheckpoint(cp, path); err != nil {
		return false, errors.Wrap(err, "failed to save best checkpoint")
	}
	return true, nil
}

// SavePeriodicCheckpoint saves a checkpoint if it's time based on frequency.
// epoch is 1-based.
func (cm *CheckpointManager) SavePeriodicCheckpoint(epoch, step int, loss, accuracy float64) (bool, error) {
	if cm.config.SaveFrequency <= 0 || epoch%cm.config.SaveFrequency != 0 {
		return false, nil
	}
	description := fmt.Sprintf("Periodic checkpoint - Epoch %d", epoch)
	path, err := cm.SaveCheckpoint(epoch, step, loss, accuracy, description)
	if err != nil {
		return false, err
	}
	cm.logger.Info("saved checkpoint", zap.String("path", path), zap.Int("epoch", epoch))
	return true, nil
}

// LoadCheckpoint restores weights and optimizer state into the managed engine
func (cm *CheckpointManager) LoadCheckpoint(path string) (*checkpoints.Checkpoint, error) {
	cp, err := cm.saver.LoadCheckpoint(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to load checkpoint %s", path)
	}
	if err := cm.engine.LoadWeights(cp.Weights); err != nil {
		return nil, err
	}
	if cp.OptimizerState != nil && cm.optimizer != nil {
		if err := cm.optimizer.LoadState(cp.OptimizerState); err != nil {
			return nil, errors.Wrap(err, "failed to restore optimizer state")
		}
	}
	return cp, nil
}

// SavedFiles returns the periodic checkpoints currently kept on disk.
func (cm *CheckpointManager) SavedFiles() []string {
	return append([]string(nil), cm.savedFiles...)
}

func (cm *CheckpointManager) trainingState(epoch, step int, loss, accuracy float64) checkpoints.TrainingState {
	lr := 0.0
	if cm.optimizer != nil {
		lr = cm.optimizer.GetLearningRate()
	}
	best := cm.bestLoss
	if loss < best {
		best = loss
	}
	return checkpoints.TrainingState{
		Epoch:        epoch,
		Step:         step,
		LearningRate: lr,
		BestLoss:     best,
		BestAccuracy: accuracy,
		TotalSteps:   step,
	}
}

func (cm *CheckpointManager) generateFilename(epoch int, step int) string {
	pattern := cm.config.FilenamePattern
	if pattern == "" {
		pattern = "checkpoint_epoch_%d_step_%d"
	}
	return fmt.Sprintf("%s.%s", fmt.Sprintf(pattern, epoch, step), cm.getFileExtension())
}

func (cm *CheckpointManager) getFileExtension() string {
	if cm.config.Format == checkpoints.FormatONNX {
		return "onnx"
	}
	return "json"
}

func (cm *CheckpointManager) ensureDirectory() error {
	return os.MkdirAll(cm.config.SaveDirectory, 0o755)
}

func (cm *CheckpointManager) cleanupOldCheckpoints() error {
	if cm.config.MaxCheckpoints <= 0 || len(cm.savedFiles) <= cm.config.MaxCheckpoints {
		return nil
	}

	toRemove := len(cm.savedFiles) - cm.config.MaxCheckpoints
	for i := 0; i < toRemove; i++ {
		if err := os.Remove(cm.savedFiles[i]); err != nil && !os.IsNotExist(err) {
			return errors.Wrapf(err, "failed to remove old checkpoint %s", cm.savedFiles[i])
		}
	}
	cm.savedFiles = cm.savedFiles[toRemove:]
	return nil
}
