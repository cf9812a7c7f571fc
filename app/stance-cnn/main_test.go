package main

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tsawler/stance-cnn/config"
	"github.com/tsawler/stance-cnn/history"
)

func TestFlagsOverrideConfig(t *testing.T) {
	cfg := config.Default()
	a := args{DataDir: "other", SavePath: "out.json", Epochs: 3, LogLevel: "debug"}
	require.NoError(t, a.apply(cfg))

	assert.Equal(t, "other", cfg.Data.Dir)
	assert.Equal(t, "CNN_model.h5", cfg.Model.ReloadPath)
	assert.Equal(t, "out.json", cfg.Model.SavePath)
	assert.Equal(t, 3, cfg.Training.Epochs)
	assert.Equal(t, "debug", cfg.Log.Level)

	assert.Error(t, args{Epochs: -1}.apply(config.Default()))
}

func TestListHistory(t *testing.T) {
	cfg := config.Default()
	cfg.History.Path = filepath.Join(t.TempDir(), "history.db")

	store, err := history.Open(cfg.History.Path)
	require.NoError(t, err)
	_, err = store.Record(context.Background(), history.Run{
		StartedAt:     time.Now(),
		Mode:          "build",
		ModelPath:     "CNN_model_v2.h5",
		TrainExamples: 1200,
		DevExamples:   300,
		Epochs:        100,
		Accuracy:      0.75,
	})
	require.NoError(t, err)
	require.NoError(t, store.Close())

	var out bytes.Buffer
	require.NoError(t, listHistory(context.Background(), cfg, 5, &out))
	assert.Contains(t, out.String(), "CNN_model_v2.h5")
	assert.Contains(t, out.String(), "1,200")
	assert.Contains(t, out.String(), "0.750")

	cfg.History.Path = ""
	assert.Error(t, listHistory(context.Background(), cfg, 5, &out))
}
