package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultMatchesReferenceExperiment(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "flatten_data", cfg.Data.Dir)
	assert.Equal(t, "CNN_model.h5", cfg.Model.ReloadPath)
	assert.Equal(t, "CNN_model_v2.h5", cfg.Model.SavePath)
	assert.Equal(t, []int{0}, cfg.Model.FilterSizes)
	assert.Equal(t, 128, cfg.Model.Filters)
	assert.Equal(t, 1, cfg.Model.PoolSize)
	assert.Equal(t, 0.7, cfg.Model.DropoutRate)
	assert.Equal(t, 2, cfg.Model.DenseLayers)
	assert.Equal(t, 256, cfg.Model.DenseUnits)
	assert.Equal(t, 4, cfg.Model.NumClasses)

	assert.Equal(t, 100, cfg.Training.Epochs)
	assert.Equal(t, 32, cfg.Training.BatchSize)
	assert.False(t, cfg.Training.Shuffle)
	assert.Equal(t, 32, cfg.Predict.BatchSize)
	assert.Equal(t, OptimizerConfig{
		Type:         "adam",
		LearningRate: 0.001,
		Beta1:        0.9,
		Beta2:        0.999,
		Epsilon:      1e-8,
	}, cfg.Training.Optimizer)
	assert.Zero(t, cfg.Checkpoint.Every)
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "stance.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
data:
  dir: /data/stance
model:
  filter_sizes: [3, 4, 5]
training:
  epochs: 5
  optimizer:
    learning_rate: 0.01
    decay: 0.0001
history:
  path: runs.db
log:
  level: debug
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/data/stance", cfg.Data.Dir)
	assert.Equal(t, []int{3, 4, 5}, cfg.Model.FilterSizes)
	assert.Equal(t, 5, cfg.Training.Epochs)
	assert.Equal(t, 0.01, cfg.Training.Optimizer.LearningRate)
	assert.Equal(t, 0.0001, cfg.Training.Optimizer.Decay)
	assert.Equal(t, "runs.db", cfg.History.Path)
	assert.Equal(t, "debug", cfg.Log.Level)

	// untouched keys keep their defaults
	assert.Equal(t, 0.9, cfg.Training.Optimizer.Beta1)
	assert.Equal(t, 32, cfg.Training.BatchSize)
	assert.Equal(t, "CNN_model.h5", cfg.Model.ReloadPath)
}

func TestLoadRejectsBadFiles(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	_, err = Load(writeConfig(t, "training:\n  epoch: 3\n"))
	assert.Error(t, err, "unknown keys are rejected")

	_, err = Load(writeConfig(t, "model:\n  dropout_rate: 1.5\n"))
	assert.True(t, errors.Is(err, ErrInvalid))
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty data dir", func(c *Config) { c.Data.Dir = "" }},
		{"no filter sizes", func(c *Config) { c.Model.FilterSizes = nil }},
		{"negative filter size", func(c *Config) { c.Model.FilterSizes = []int{3, -1} }},
		{"zero filters", func(c *Config) { c.Model.Filters = 0 }},
		{"one class", func(c *Config) { c.Model.NumClasses = 1 }},
		{"zero epochs", func(c *Config) { c.Training.Epochs = 0 }},
		{"zero batch", func(c *Config) { c.Predict.BatchSize = 0 }},
		{"zero lr", func(c *Config) { c.Training.Optimizer.LearningRate = 0 }},
		{"negative decay", func(c *Config) { c.Training.Optimizer.Decay = -1 }},
		{"bad beta", func(c *Config) { c.Training.Optimizer.Beta2 = 1 }},
		{"unknown optimizer", func(c *Config) { c.Training.Optimizer.Type = "rmsprop" }},
		{"bad momentum", func(c *Config) { c.Training.Optimizer.Type = "sgd"; c.Training.Optimizer.Momentum = 1 }},
		{"bad log level", func(c *Config) { c.Log.Level = "verbose" }},
		{"negative checkpoint", func(c *Config) { c.Checkpoint.Every = -1 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.True(t, errors.Is(cfg.Validate(), ErrInvalid))
		})
	}
}

func TestLoadOrDefault(t *testing.T) {
	dir := t.TempDir()
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	defer os.Chdir(wd)

	cfg, err := LoadOrDefault("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)

	require.NoError(t, os.WriteFile(DefaultFile, []byte("training:\n  epochs: 7\n"), 0o644))
	cfg, err = LoadOrDefault("")
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.Training.Epochs)
}
