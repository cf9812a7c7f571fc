package stance

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/tsawler/stance-cnn/config"
	"github.com/tsawler/stance-cnn/dataset"
	"github.com/tsawler/stance-cnn/history"
	"github.com/tsawler/stance-cnn/report"
	"github.com/tsawler/stance-cnn/tensor"
	"github.com/tsawler/stance-cnn/training"
)

// Result summarises one pipeline run.
type Result struct {
	Mode       Mode
	ModelPath  string
	Prediction *Prediction
	Report     *report.Report
	Confidence report.ConfidenceSummary
	History    []training.TrainingMetrics
	DevLoss    float64 // cross-entropy on the held-out split
	Cache      dataset.CacheStats
	RunID      int64 // history row, 0 when history is disabled
	Duration   time.Duration
}

// PipelineOption customises a Pipeline.
type PipelineOption func(*Pipeline)

// WithOutput sets where the summary and report are written.
func WithOutput(w io.Writer) PipelineOption {
	return func(p *Pipeline) { p.out = w }
}

// WithHistory records every run in store.
func WithHistory(store *history.Store) PipelineOption {
	return func(p *Pipeline) { p.history = store }
}

// WithCache shares an array cache between pipelines. Runs that read the
// same unchanged files are then served from memory.
func WithCache(cache *dataset.CacheManager) PipelineOption {
	return func(p *Pipeline) { p.cache = cache }
}

// WithStage replaces the model stage built from the configuration.
func WithStage(stage *Stage) PipelineOption {
	return func(p *Pipeline) { p.stage = stage }
}

// WithPipelineLogger sets the logger.
func WithPipelineLogger(logger *zap.Logger) PipelineOption {
	return func(p *Pipeline) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// Pipeline loads the data split, runs the model stage and reports.
type Pipeline struct {
	cfg     *config.Config
	logger  *zap.Logger
	out     io.Writer
	loader  *dataset.Loader
	cache   *dataset.CacheManager
	stage   *Stage
	history *history.Store
	viz     *training.VisualizationCollector
}

// NewPipeline builds a pipeline from cfg.
func NewPipeline(cfg *config.Config, opts ...PipelineOption) (*Pipeline, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	p := &Pipeline{
		cfg:    cfg,
		logger: zap.NewNop(),
		out:    os.Stdout,
		viz:    training.NewVisualizationCollector("stance_cnn"),
	}
	for _, o := range opts {
		o(p)
	}
	if p.cache == nil {
		cache, err := dataset.NewCacheManager(cfg.Data.CacheEntries)
		if err != nil {
			return nil, err
		}
		p.cache = cache
	}
	p.loader = dataset.NewLoader(p.cache)

	if p.stage == nil {
		cnnOpts := []CNNOption{
			WithLogger(p.logger),
			WithProgressOutput(p.out),
			WithVisualization(p.viz),
		}
		if cfg.Checkpoint.Every > 0 {
			cc := training.DefaultCheckpointConfig()
			cc.SaveDirectory = cfg.Checkpoint.Dir
			cc.SaveFrequency = cfg.Checkpoint.Every
			cc.MaxCheckpoints = cfg.Checkpoint.MaxKeep
			cnnOpts = append(cnnOpts, WithCheckpoints(cc))
		}
		p.stage = NewStage(cfg.Model.ReloadPath, cfg.Model.SavePath, HyperparametersFromConfig(cfg), cnnOpts...)
		p.stage.Summary = p.out
		p.stage.Logger = p.logger
	}
	if cfg.Plot.Path != "" {
		p.viz.Enable()
	}
	return p, nil
}

// Run executes the whole pipeline. A Pipeline may be run repeatedly; the
// arrays are re-read only when their files change.
func (p *Pipeline) Run(ctx context.Context) (*Result, error) {
	start := time.Now()
	numClasses := p.cfg.Model.NumClasses

	split, err := p.loader.LoadSplit(p.cfg.Data.Dir, numClasses)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to load data from %s", p.cfg.Data.Dir)
	}
	p.warnMalformedLabels("train", split.TrainY)
	p.warnMalformedLabels("dev", split.DevY)

	p.logger.Info("data loaded",
		zap.Int("train_examples", split.TrainX.Rows()),
		zap.Int("dev_examples", split.DevX.Rows()),
		zap.Int("sequence_length", split.SequenceLength()),
		zap.Stringer("cache", p.cache.Stats()))

	stageRes, err := p.stage.Run(ctx, split.TrainX, split.TrainY, split.DevX)
	if err != nil {
		return nil, err
	}

	truth := dataset.OneHotToIndices(split.DevY)
	rep, err := report.Compute(truth, stageRes.Prediction.Classes, numClasses)
	if err != nil {
		return nil, err
	}
	if err := rep.Print(p.out, report.DefaultDigits); err != nil {
		return nil, err
	}

	devLoss, _, err := stageRes.Model.Evaluate(ctx, split.DevX, split.DevY)
	if err != nil {
		return nil, errors.Wrap(err, "failed to evaluate held-out split")
	}

	res := &Result{
		Mode:       stageRes.Mode,
		ModelPath:  stageRes.ModelPath,
		Prediction: stageRes.Prediction,
		Report:     rep,
		Confidence: report.SummarizeConfidence(stageRes.Prediction.Confidence),
		History:    stageRes.History,
		DevLoss:    devLoss,
		Cache:      p.cache.Stats(),
	}
	p.logger.Info("held-out evaluation",
		zap.Float64("loss", devLoss),
		zap.Float64("accuracy", rep.Accuracy),
		zap.Stringer("cache", res.Cache))
	p.logger.Info("prediction confidence",
		zap.Float64("mean", res.Confidence.Mean),
		zap.Float64("std", res.Confidence.StdDev),
		zap.Float64("min", res.Confidence.Min),
		zap.Float64("max", res.Confidence.Max))

	if stageRes.Mode == ModeBuild {
		if err := p.writePlots(rep); err != nil {
			return nil, err
		}
		if path := p.cfg.Model.ONNXPath; path != "" {
			if err := stageRes.Model.Save(path); err != nil {
				return nil, errors.Wrap(err, "ONNX export failed")
			}
		}
	}

	res.Duration = time.Since(start)
	if p.history != nil {
		run := history.Run{
			StartedAt:     start,
			Mode:          string(res.Mode),
			ModelPath:     res.ModelPath,
			TrainExamples: split.TrainX.Rows(),
			DevExamples:   split.DevX.Rows(),
			Epochs:        len(res.History),
			Accuracy:      rep.Accuracy,
			MicroF1:       rep.MicroF1,
			MacroF1:       rep.MacroF1,
			Duration:      res.Duration,
		}
		if n := len(res.History); n > 0 {
			run.FinalLoss = res.History[n-1].Loss
		}
		id, err := p.history.Record(ctx, run)
		if err != nil {
			return nil, err
		}
		res.RunID = id
	}
	return res, nil
}

// warnMalformedLabels logs label rows that are not strictly one-hot. They
// still map to their argmax class.
func (p *Pipeline) warnMalformedLabels(split string, labels *tensor.Tensor) {
	if err := dataset.ValidateOneHot(labels); err != nil {
		p.logger.Warn("labels are not strictly one-hot", zap.String("split", split), zap.Error(err))
	}
}

// writePlots renders the training curves to the configured PNG and
// stores the dev confusion matrix as a JSON payload next to it.
func (p *Pipeline) writePlots(rep *report.Report) error {
	path := p.cfg.Plot.Path
	if path == "" || p.viz.EpochCount() == 0 {
		return nil
	}
	if err := training.RenderPNG(p.viz.GenerateTrainingCurvesPlot(), path); err != nil {
		return errors.Wrap(err, "failed to render training curves")
	}

	names := make([]string, len(rep.Matrix))
	for i := range names {
		names[i] = fmt.Sprintf("class %d", i)
	}
	p.viz.RecordConfusionMatrix(rep.Matrix, names)
	sidecar := strings.TrimSuffix(path, filepath.Ext(path)) + "_confusion.json"
	if err := p.viz.GenerateConfusionMatrixPlot().SaveJSON(sidecar); err != nil {
		return errors.Wrap(err, "failed to save confusion matrix")
	}
	p.logger.Info("plots written", zap.String("curves", path), zap.String("confusion", sidecar))
	return nil
}
