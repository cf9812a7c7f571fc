package stance

import (
	"context"
	"io"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/tsawler/stance-cnn/tensor"
	"github.com/tsawler/stance-cnn/training"
)

// Mode records how the stage obtained its model.
type Mode string

const (
	ModeReload Mode = "reload"
	ModeBuild  Mode = "build"
)

// Stage is the model stage: it reloads a saved model when one exists at
// ReloadPath, otherwise it builds, trains and saves a new one, and then
// predicts the held-out set.
type Stage struct {
	ReloadPath string
	SavePath   string

	// NewModel builds an untrained model for the given sequence length.
	NewModel func(seqLen int) (Model, error)
	// LoadModel restores a saved model.
	LoadModel func(path string) (Model, error)

	// Summary receives the architecture table. Nil disables it.
	Summary io.Writer
	Logger  *zap.Logger
}

// StageResult is what the stage hands to reporting.
type StageResult struct {
	Mode       Mode
	Model      Model
	ModelPath  string // file the model was loaded from or saved to
	Prediction *Prediction
	History    []training.TrainingMetrics
}

// NewStage returns a stage producing CNNs with hp.
func NewStage(reloadPath, savePath string, hp Hyperparameters, opts ...CNNOption) *Stage {
	return &Stage{
		ReloadPath: reloadPath,
		SavePath:   savePath,
		NewModel: func(seqLen int) (Model, error) {
			return NewCNN(seqLen, hp, opts...)
		},
		LoadModel: func(path string) (Model, error) {
			return LoadCNN(path, hp, opts...)
		},
		Logger: zap.NewNop(),
	}
}

func (s *Stage) logger() *zap.Logger {
	if s.Logger == nil {
		return zap.NewNop()
	}
	return s.Logger
}

// Run obtains a model and predicts devX.
func (s *Stage) Run(ctx context.Context, trainX, trainY, devX *tensor.Tensor) (*StageResult, error) {
	log := s.logger()
	res := &StageResult{}

	_, err := os.Stat(s.ReloadPath)
	switch {
	case err == nil:
		log.Info("reloading saved model", zap.String("path", s.ReloadPath))
		model, err := s.LoadModel(s.ReloadPath)
		if err != nil {
			return nil, err
		}
		s.printSummary(model)
		res.Mode, res.Model, res.ModelPath = ModeReload, model, s.ReloadPath

	case os.IsNotExist(err):
		seqLen := trainX.RowSize()
		log.Info("no saved model, building a new one",
			zap.String("reload_path", s.ReloadPath),
			zap.Int("sequence_length", seqLen))

		model, err := s.NewModel(seqLen)
		if err != nil {
			return nil, errors.Wrap(err, "failed to build model")
		}
		s.printSummary(model)

		seqX, err := asSequences(trainX)
		if err != nil {
			return nil, err
		}
		history, err := model.Train(ctx, seqX, trainY)
		if err != nil {
			return nil, err
		}
		if err := model.Save(s.SavePath); err != nil {
			return nil, err
		}
		if !samePath(s.SavePath, s.ReloadPath) {
			log.Warn("model saved under a different name than the reload path, the next run will train again",
				zap.String("save_path", s.SavePath),
				zap.String("reload_path", s.ReloadPath))
		}
		res.Mode, res.Model, res.ModelPath, res.History = ModeBuild, model, s.SavePath, history

	default:
		return nil, errors.Wrapf(err, "failed to check for saved model %s", s.ReloadPath)
	}

	seqDev, err := asSequences(devX)
	if err != nil {
		return nil, err
	}
	pred, err := res.Model.Predict(ctx, seqDev)
	if err != nil {
		return nil, err
	}
	res.Prediction = pred
	return res, nil
}

func (s *Stage) printSummary(m Model) {
	if s.Summary == nil {
		return
	}
	training.NewModelArchitecturePrinter("stance_cnn").PrintArchitecture(s.Summary, m.Spec())
}

// asSequences views an (N, L) feature table as (N, L, 1). Tensors that
// already carry a channel axis are returned unchanged.
func asSequences(x *tensor.Tensor) (*tensor.Tensor, error) {
	if len(x.Shape) != 2 {
		return x, nil
	}
	seq, err := x.Reshape(x.Shape[0], x.Shape[1], 1)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to view features %v as sequences", x.Shape)
	}
	return seq, nil
}

func samePath(a, b string) bool {
	absA, errA := filepath.Abs(a)
	absB, errB := filepath.Abs(b)
	if errA != nil || errB != nil {
		return a == b
	}
	return absA == absB
}
