// Package config holds the run configuration. Defaults reproduce the
// published stance CNN experiment; a YAML file and CLI flags override them.
package config

import (
	"os"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v2"
)

// ErrInvalid is returned by Validate for out-of-range settings.
var ErrInvalid = errors.New("invalid configuration")

// DefaultFile is read when present and no file is named explicitly.
const DefaultFile = "stance.yaml"

type DataConfig struct {
	Dir          string `yaml:"dir"`
	CacheEntries int    `yaml:"cache_entries"`
}

type ModelConfig struct {
	ReloadPath  string  `yaml:"reload_path"`
	SavePath    string  `yaml:"save_path"`
	ONNXPath    string  `yaml:"onnx_path"`
	FilterSizes []int   `yaml:"filter_sizes"` // 0 means the whole sequence
	Filters     int     `yaml:"filters"`
	PoolSize    int     `yaml:"pool_size"`
	DropoutRate float64 `yaml:"dropout_rate"`
	DenseLayers int     `yaml:"dense_layers"`
	DenseUnits  int     `yaml:"dense_units"`
	NumClasses  int     `yaml:"num_classes"`
}

type OptimizerConfig struct {
	Type         string  `yaml:"type"` // adam or sgd
	LearningRate float64 `yaml:"learning_rate"`
	Beta1        float64 `yaml:"beta1"`
	Beta2        float64 `yaml:"beta2"`
	Epsilon      float64 `yaml:"epsilon"`
	Decay        float64 `yaml:"decay"`
	Momentum     float64 `yaml:"momentum"`
}

type TrainingConfig struct {
	Epochs    int             `yaml:"epochs"`
	BatchSize int             `yaml:"batch_size"`
	Shuffle   bool            `yaml:"shuffle"`
	Seed      int64           `yaml:"seed"`
	Optimizer OptimizerConfig `yaml:"optimizer"`
}

type PredictConfig struct {
	BatchSize int `yaml:"batch_size"`
}

type CheckpointConfig struct {
	Dir     string `yaml:"dir"`
	Every   int    `yaml:"every"` // epochs; 0 disables
	MaxKeep int    `yaml:"max_keep"`
}

type HistoryConfig struct {
	Path string `yaml:"path"` // empty disables the run history
}

type PlotConfig struct {
	Path string `yaml:"path"` // empty disables the PNG
}

type LogConfig struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// Config is the complete run configuration.
type Config struct {
	Data       DataConfig       `yaml:"data"`
	Model      ModelConfig      `yaml:"model"`
	Training   TrainingConfig   `yaml:"training"`
	Predict    PredictConfig    `yaml:"predict"`
	Checkpoint CheckpointConfig `yaml:"checkpoint"`
	History    HistoryConfig    `yaml:"history"`
	Plot       PlotConfig       `yaml:"plot"`
	Log        LogConfig        `yaml:"log"`
}

// Default returns the reference hyperparameters and file names.
func Default() *Config {
	return &Config{
		Data: DataConfig{
			Dir:          "flatten_data",
			CacheEntries: 8,
		},
		Model: ModelConfig{
			ReloadPath:  "CNN_model.h5",
			SavePath:    "CNN_model_v2.h5",
			FilterSizes: []int{0},
			Filters:     128,
			PoolSize:    1,
			DropoutRate: 0.7,
			DenseLayers: 2,
			DenseUnits:  256,
			NumClasses:  4,
		},
		Training: TrainingConfig{
			Epochs:    100,
			BatchSize: 32,
			Shuffle:   false,
			Seed:      1,
			Optimizer: OptimizerConfig{
				Type:         "adam",
				LearningRate: 0.001,
				Beta1:        0.9,
				Beta2:        0.999,
				Epsilon:      1e-8,
				Decay:        0,
			},
		},
		Predict: PredictConfig{BatchSize: 32},
		Checkpoint: CheckpointConfig{
			Dir:     "checkpoints",
			MaxKeep: 5,
		},
		Log: LogConfig{
			Level:      "info",
			MaxSizeMB:  10,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
	}
}

// Load overlays the YAML file at path on the defaults. Unknown keys are
// rejected.
func Load(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read config %s", path)
	}
	if err := yaml.UnmarshalStrict(data, cfg); err != nil {
		return nil, errors.Wrapf(err, "failed to parse config %s", path)
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrapf(err, "config %s", path)
	}
	return cfg, nil
}

// LoadOrDefault loads path when given. Otherwise it uses DefaultFile if
// that exists, and the built-in defaults if not.
func LoadOrDefault(path string) (*Config, error) {
	if path != "" {
		return Load(path)
	}
	if _, err := os.Stat(DefaultFile); err == nil {
		return Load(DefaultFile)
	}
	return Default(), nil
}

// Validate checks every numeric setting for a usable range.
func (c *Config) Validate() error {
	m, tr := c.Model, c.Training
	switch {
	case c.Data.Dir == "":
		return errors.Wrap(ErrInvalid, "data.dir is empty")
	case c.Data.CacheEntries < 1:
		return errors.Wrapf(ErrInvalid, "data.cache_entries must be at least 1, got %d", c.Data.CacheEntries)
	case m.ReloadPath == "" || m.SavePath == "":
		return errors.Wrap(ErrInvalid, "model.reload_path and model.save_path are required")
	case len(m.FilterSizes) == 0:
		return errors.Wrap(ErrInvalid, "model.filter_sizes is empty")
	case m.Filters <= 0:
		return errors.Wrapf(ErrInvalid, "model.filters must be positive, got %d", m.Filters)
	case m.PoolSize <= 0:
		return errors.Wrapf(ErrInvalid, "model.pool_size must be positive, got %d", m.PoolSize)
	case m.DropoutRate < 0 || m.DropoutRate >= 1:
		return errors.Wrapf(ErrInvalid, "model.dropout_rate must be in [0, 1), got %v", m.DropoutRate)
	case m.DenseLayers < 0 || m.DenseUnits <= 0:
		return errors.Wrapf(ErrInvalid, "model.dense_layers %d / dense_units %d out of range", m.DenseLayers, m.DenseUnits)
	case m.NumClasses < 2:
		return errors.Wrapf(ErrInvalid, "model.num_classes must be at least 2, got %d", m.NumClasses)
	case tr.Epochs <= 0:
		return errors.Wrapf(ErrInvalid, "training.epochs must be positive, got %d", tr.Epochs)
	case tr.BatchSize <= 0 || c.Predict.BatchSize <= 0:
		return errors.Wrap(ErrInvalid, "batch sizes must be positive")
	case tr.Optimizer.LearningRate <= 0:
		return errors.Wrapf(ErrInvalid, "training.optimizer.learning_rate must be positive, got %v", tr.Optimizer.LearningRate)
	case tr.Optimizer.Decay < 0:
		return errors.Wrapf(ErrInvalid, "training.optimizer.decay must not be negative, got %v", tr.Optimizer.Decay)
	case c.Checkpoint.Every < 0 || c.Checkpoint.MaxKeep < 0:
		return errors.Wrap(ErrInvalid, "checkpoint.every and checkpoint.max_keep must not be negative")
	}

	for _, k := range m.FilterSizes {
		if k < 0 {
			return errors.Wrapf(ErrInvalid, "model.filter_sizes contains %d", k)
		}
	}

	switch tr.Optimizer.Type {
	case "adam":
		o := tr.Optimizer
		if o.Beta1 < 0 || o.Beta1 >= 1 || o.Beta2 < 0 || o.Beta2 >= 1 || o.Epsilon <= 0 {
			return errors.Wrap(ErrInvalid, "adam betas must be in [0, 1) and epsilon positive")
		}
	case "sgd":
		if tr.Optimizer.Momentum < 0 || tr.Optimizer.Momentum >= 1 {
			return errors.Wrapf(ErrInvalid, "sgd momentum must be in [0, 1), got %v", tr.Optimizer.Momentum)
		}
	default:
		return errors.Wrapf(ErrInvalid, "unknown optimizer %q", tr.Optimizer.Type)
	}

	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return errors.Wrapf(ErrInvalid, "unknown log level %q", c.Log.Level)
	}
	return nil
}
