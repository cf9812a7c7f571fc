package checkpoints

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/tsawler/stance-cnn/layers"
)

// ErrIncompatible is returned when a checkpoint cannot be used with the
// requested model, or was not written by this framework.
var ErrIncompatible = errors.New("incompatible checkpoint")

// Checkpoint represents a complete model checkpoint
type Checkpoint struct {
	ModelSpec      *layers.ModelSpec  `json:"model_spec"`
	Weights        []WeightTensor     `json:"weights"`
	TrainingState  TrainingState      `json:"training_state"`
	OptimizerState *OptimizerState    `json:"optimizer_state,omitempty"`
	Metadata       CheckpointMetadata `json:"metadata"`
}

// WeightTensor represents a serializable weight tensor
type WeightTensor struct {
	Name  string    `json:"name"`
	Shape []int     `json:"shape"`
	Data  []float64 `json:"data"`
	Layer string    `json:"layer"`
	Type  string    `json:"type"` // "weight" or "bias"
}

// TrainingState captures the training progress
type TrainingState struct {
	Epoch        int     `json:"epoch"`
	Step         int     `json:"step"`
	LearningRate float64 `json:"learning_rate"`
	BestLoss     float64 `json:"best_loss"`
	BestAccuracy float64 `json:"best_accuracy"`
	TotalSteps   int     `json:"total_steps"`
}

// OptimizerState captures optimizer internal state
type OptimizerState struct {
	Type       string                 `json:"type"` // "Adam", "SGD"
	Parameters map[string]interface{} `json:"parameters"`
	StateData  []OptimizerTensor      `json:"state_data"`
}

// OptimizerTensor represents optimizer state tensors (momentum, variance, etc.)
type OptimizerTensor struct {
	Name      string    `json:"name"`
	Shape     []int     `json:"shape"`
	Data      []float64 `json:"data"`
	StateType string    `json:"state_type"` // "m" or "v" for Adam
}

// CheckpointMetadata contains additional information
type CheckpointMetadata struct {
	Version     string    `json:"version"`
	Framework   string    `json:"framework"`
	CreatedAt   time.Time `json:"created_at"`
	Description string    `json:"description"`
	Tags        []string  `json:"tags"`
}

// CheckpointFormat defines the serialization format
type CheckpointFormat int

const (
	FormatJSON CheckpointFormat = iota
	FormatONNX
)

func (cf CheckpointFormat) String() string {
	switch cf {
	case FormatJSON:
		return "JSON"
	case FormatONNX:
		return "ONNX"
	default:
		return "Unknown"
	}
}

const (
	frameworkName    = "stance-cnn"
	frameworkVersion = "1.0.0"
)

// FormatForPath picks ONNX for ".onnx" files and the JSON checkpoint
// format for everything else, including ".h5" names.
func FormatForPath(path string) CheckpointFormat {
	if strings.EqualFold(filepath.Ext(path), ".onnx") {
		return FormatONNX
	}
	return FormatJSON
}

// CheckpointSaver handles saving and loading checkpoints
type CheckpointSaver struct {
	format CheckpointFormat
}

// NewCheckpointSaver creates a new checkpoint saver
func NewCheckpointSaver(format CheckpointFormat) *CheckpointSaver {
	return &CheckpointSaver{format: format}
}

// SaveCheckpoint saves a checkpoint in the configured format
func (cs *CheckpointSaver) SaveCheckpoint(checkpoint *Checkpoint, path string) error {
	if checkpoint == nil || checkpoint.ModelSpec == nil {
		return errors.New("checkpoint has no model spec")
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return errors.Wrapf(err, "failed to create checkpoint directory %s", dir)
		}
	}

	switch cs.format {
	case FormatJSON:
		return cs.saveJSON(checkpoint, path)
	case FormatONNX:
		return NewONNXExporter().ExportToONNX(checkpoint, path)
	default:
		return errors.Errorf("unsupported checkpoint format: %v", cs.format)
	}
}

// LoadCheckpoint loads a checkpoint from the configured format
func (cs *CheckpointSaver) LoadCheckpoint(path string) (*Checkpoint, error) {
	switch cs.format {
	case FormatJSON:
		return cs.loadJSON(path)
	case FormatONNX:
		return NewONNXImporter().ImportFromONNX(path)
	default:
		return nil, errors.Errorf("unsupported checkpoint format: %v", cs.format)
	}
}

// Save writes a checkpoint using the format implied by the file name.
func Save(checkpoint *Checkpoint, path string) error {
	return NewCheckpointSaver(FormatForPath(path)).SaveCheckpoint(checkpoint, path)
}

// Load reads a checkpoint using the format implied by the file name.
func Load(path string) (*Checkpoint, error) {
	return NewCheckpointSaver(FormatForPath(path)).LoadCheckpoint(path)
}

func (cs *CheckpointSaver) saveJSON(checkpoint *Checkpoint, path string) error {
	checkpoint.Metadata.Framework = frameworkName
	checkpoint.Metadata.Version = frameworkVersion
	if checkpoint.Metadata.CreatedAt.IsZero() {
		checkpoint.Metadata.CreatedAt = time.Now()
	}

	// Write to a sibling temp file so a crash never leaves a truncated checkpoint.
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp*")
	if err != nil {
		return errors.Wrap(err, "failed to create checkpoint file")
	}
	tmpName := tmp.Name()

	encoder := json.NewEncoder(tmp)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(checkpoint); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return errors.Wrap(err, "failed to encode checkpoint")
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return errors.Wrap(err, "failed to close checkpoint file")
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return errors.Wrapf(err, "failed to move checkpoint into place at %s", path)
	}
	return nil
}

func (cs *CheckpointSaver) loadJSON(path string) (*Checkpoint, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open checkpoint file")
	}
	defer file.Close()

	var checkpoint Checkpoint
	if err := json.NewDecoder(file).Decode(&checkpoint); err != nil {
		return nil, errors.Wrapf(ErrIncompatible, "failed to decode checkpoint %s: %v", path, err)
	}
	if checkpoint.ModelSpec == nil {
		return nil, errors.Wrapf(ErrIncompatible, "checkpoint %s has no model spec", path)
	}
	if checkpoint.Metadata.Framework != "" && checkpoint.Metadata.Framework != frameworkName {
		return nil, errors.Wrapf(ErrIncompatible, "checkpoint %s was written by %q", path, checkpoint.Metadata.Framework)
	}

	return &checkpoint, nil
}

// Validate checks that every weight tensor's data matches its shape and
// that the weights line up with the model's parameter shapes.
func (c *Checkpoint) Validate() error {
	if c.ModelSpec == nil {
		return errors.Wrap(ErrIncompatible, "checkpoint has no model spec")
	}
	if len(c.Weights) != len(c.ModelSpec.ParameterShapes) {
		return errors.Wrapf(ErrIncompatible, "checkpoint has %d weight tensors, model expects %d",
			len(c.Weights), len(c.ModelSpec.ParameterShapes))
	}
	for i, w := range c.Weights {
		size := 1
		for _, d := range w.Shape {
			size *= d
		}
		if size != len(w.Data) {
			return errors.Wrapf(ErrIncompatible, "weight %s: shape %v holds %d values, found %d",
				w.Name, w.Shape, size, len(w.Data))
		}
		if !sameShape(w.Shape, c.ModelSpec.ParameterShapes[i]) {
			return errors.Wrapf(ErrIncompatible, "weight %s: shape %v, model expects %v",
				w.Name, w.Shape, c.ModelSpec.ParameterShapes[i])
		}
	}
	return nil
}

func sameShape(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
