// Package stance wires data loading, the CNN model stage and the report
// into the stance classification pipeline.
package stance

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/tsawler/stance-cnn/config"
	"github.com/tsawler/stance-cnn/layers"
)

// Hyperparameters fixes the architecture and the training procedure of a
// CNN.
type Hyperparameters struct {
	FilterSizes []int // 0 means a kernel spanning the whole sequence
	Filters     int
	PoolSize    int
	DropoutRate float64
	DenseLayers int
	DenseUnits  int
	NumClasses  int

	Optimizer        config.OptimizerConfig
	Epochs           int
	BatchSize        int
	PredictBatchSize int
	Shuffle          bool
	Seed             int64
}

// HyperparametersFromConfig copies the model and training sections of cfg.
func HyperparametersFromConfig(cfg *config.Config) Hyperparameters {
	return Hyperparameters{
		FilterSizes:      append([]int(nil), cfg.Model.FilterSizes...),
		Filters:          cfg.Model.Filters,
		PoolSize:         cfg.Model.PoolSize,
		DropoutRate:      cfg.Model.DropoutRate,
		DenseLayers:      cfg.Model.DenseLayers,
		DenseUnits:       cfg.Model.DenseUnits,
		NumClasses:       cfg.Model.NumClasses,
		Optimizer:        cfg.Training.Optimizer,
		Epochs:           cfg.Training.Epochs,
		BatchSize:        cfg.Training.BatchSize,
		PredictBatchSize: cfg.Predict.BatchSize,
		Shuffle:          cfg.Training.Shuffle,
		Seed:             cfg.Training.Seed,
	}
}

// DefaultHyperparameters returns the reference settings from config.Default.
func DefaultHyperparameters() Hyperparameters {
	return HyperparametersFromConfig(config.Default())
}

// BuildSpec compiles the network for sequences of length seqLen with one
// channel:
//
//	per filter size: Conv1D(valid) -> ReLU -> MaxPool1D -> Flatten
//	Concatenate (only with more than one branch)
//	Dropout
//	DenseLayers x [Dense -> ReLU]
//	Dense(NumClasses) -> Softmax
func BuildSpec(seqLen int, hp Hyperparameters) (*layers.ModelSpec, error) {
	if seqLen <= 0 {
		return nil, errors.Errorf("sequence length must be positive, got %d", seqLen)
	}
	if len(hp.FilterSizes) == 0 {
		return nil, errors.New("at least one filter size is required")
	}
	batch := hp.BatchSize
	if batch <= 0 {
		batch = 1
	}

	f := layers.NewFactory()
	branches := make([][]layers.LayerSpec, 0, len(hp.FilterSizes))
	for i, size := range hp.FilterSizes {
		kernel := size
		if kernel == 0 {
			kernel = seqLen
		}
		if kernel > seqLen {
			return nil, errors.Errorf("filter size %d exceeds sequence length %d", kernel, seqLen)
		}
		prefix := fmt.Sprintf("conv1d_%d", i)
		branches = append(branches, []layers.LayerSpec{
			f.CreateConv1DSpec(hp.Filters, kernel, 1, 0, true, prefix),
			f.CreateReLUSpec(prefix + "_relu"),
			f.CreateMaxPool1DSpec(hp.PoolSize, 0, fmt.Sprintf("max_pooling1d_%d", i)),
			f.CreateFlattenSpec(fmt.Sprintf("flatten_%d", i)),
		})
	}

	mb := layers.NewModelBuilder([]int{batch, seqLen, 1})
	if len(branches) == 1 {
		for _, l := range branches[0] {
			mb.AddLayer(l)
		}
	} else {
		mb.AddConcatenate("concatenate", branches...)
	}

	mb.AddDropout(hp.DropoutRate, "dropout")
	for i := 0; i < hp.DenseLayers; i++ {
		name := fmt.Sprintf("dense_%d", i)
		mb.AddDense(hp.DenseUnits, true, name).AddReLU(name + "_relu")
	}
	mb.AddDense(hp.NumClasses, true, "output").AddSoftmax(-1, "softmax")

	spec, err := mb.Compile()
	if err != nil {
		return nil, errors.Wrap(err, "failed to compile stance CNN")
	}
	return spec, nil
}
