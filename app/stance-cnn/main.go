// Command stance-cnn trains or reloads the stance CNN, predicts the
// held-out split and prints a classification report.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/alexflint/go-arg"
	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/tsawler/stance-cnn/checkpoints"
	"github.com/tsawler/stance-cnn/config"
	"github.com/tsawler/stance-cnn/history"
	"github.com/tsawler/stance-cnn/logging"
	"github.com/tsawler/stance-cnn/stance"
)

type historyCmd struct {
	Limit int `arg:"--limit" help:"number of runs to list"`
}

type exportCmd struct {
	Input  string `arg:"--input,required" help:"saved model to convert"`
	Output string `arg:"--output,required" help:"destination, .onnx for ONNX"`
}

type args struct {
	Config     string `arg:"--config" help:"YAML config file (default stance.yaml when present)"`
	DataDir    string `arg:"--data-dir" help:"directory holding the flat_*.npy arrays"`
	ReloadPath string `arg:"--reload-path" help:"model reused when the file exists"`
	SavePath   string `arg:"--save-path" help:"where a newly trained model is written"`
	Epochs     int    `arg:"--epochs" help:"training epochs"`
	LogLevel   string `arg:"--log-level" help:"debug, info, warn or error"`

	History *historyCmd `arg:"subcommand:history" help:"list recent runs"`
	Export  *exportCmd  `arg:"subcommand:export" help:"convert a saved model"`
}

func (args) Description() string {
	return "stance-cnn classifies stance with a 1D convolutional network"
}

// apply overrides file settings with the flags that were given.
func (a args) apply(cfg *config.Config) error {
	if a.DataDir != "" {
		cfg.Data.Dir = a.DataDir
	}
	if a.ReloadPath != "" {
		cfg.Model.ReloadPath = a.ReloadPath
	}
	if a.SavePath != "" {
		cfg.Model.SavePath = a.SavePath
	}
	if a.Epochs != 0 {
		cfg.Training.Epochs = a.Epochs
	}
	if a.LogLevel != "" {
		cfg.Log.Level = a.LogLevel
	}
	return cfg.Validate()
}

func main() {
	var a args
	p := arg.MustParse(&a)

	cfg, err := config.LoadOrDefault(a.Config)
	if err == nil {
		err = a.apply(cfg)
	}
	if err != nil {
		p.Fail(err.Error())
	}

	logger, closer, err := logging.New(cfg.Log)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err = run(ctx, a, cfg, logger)
	stop()

	if err != nil {
		logger.Error("stance-cnn failed", zap.Error(err))
	}
	logger.Sync()
	closer.Close()
	if err != nil {
		os.Exit(1)
	}
}

func run(ctx context.Context, a args, cfg *config.Config, logger *zap.Logger) error {
	switch {
	case a.History != nil:
		return listHistory(ctx, cfg, a.History.Limit, os.Stdout)
	case a.Export != nil:
		return export(cfg, a.Export.Input, a.Export.Output, logger)
	}

	opts := []stance.PipelineOption{
		stance.WithOutput(os.Stdout),
		stance.WithPipelineLogger(logger),
	}
	if cfg.History.Path != "" {
		store, err := history.Open(cfg.History.Path)
		if err != nil {
			return err
		}
		defer store.Close()
		opts = append(opts, stance.WithHistory(store))
	}

	pipeline, err := stance.NewPipeline(cfg, opts...)
	if err != nil {
		return err
	}
	res, err := pipeline.Run(ctx)
	if err != nil {
		return err
	}
	logger.Info("run complete",
		zap.String("mode", string(res.Mode)),
		zap.String("model", res.ModelPath),
		zap.Float64("accuracy", res.Report.Accuracy),
		zap.Duration("duration", res.Duration))
	return nil
}

func listHistory(ctx context.Context, cfg *config.Config, limit int, w io.Writer) error {
	if cfg.History.Path == "" {
		return errors.New("history.path is not set in the config")
	}
	store, err := history.Open(cfg.History.Path)
	if err != nil {
		return err
	}
	defer store.Close()

	runs, err := store.Recent(ctx, limit)
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tWHEN\tMODE\tMODEL\tTRAIN\tDEV\tEPOCHS\tACCURACY\tMICRO F1\tMACRO F1\tTOOK")
	for _, r := range runs {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\t%d\t%.3f\t%.3f\t%.3f\t%s\n",
			r.ID, humanize.Time(r.StartedAt), r.Mode, r.ModelPath,
			humanize.Comma(int64(r.TrainExamples)), humanize.Comma(int64(r.DevExamples)),
			r.Epochs, r.Accuracy, r.MicroF1, r.MacroF1, r.Duration.Round(time.Millisecond))
	}
	return tw.Flush()
}

func export(cfg *config.Config, input, output string, logger *zap.Logger) error {
	model, err := stance.LoadCNN(input, stance.HyperparametersFromConfig(cfg), stance.WithLogger(logger))
	if err != nil {
		return err
	}
	if checkpoints.FormatForPath(output) != checkpoints.FormatONNX {
		logger.Warn("output does not end in .onnx, writing a JSON checkpoint", zap.String("output", output))
	}
	return model.Save(output)
}
