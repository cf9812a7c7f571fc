package training

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// PlotType represents different types of plots that can be generated
type PlotType string

const (
	TrainingCurves       PlotType = "training_curves"
	LearningRateSchedule PlotType = "learning_rate_schedule"
	ConfusionMatrixPlot  PlotType = "confusion_matrix"
)

// PlotData is the renderer-independent description of one chart
type PlotData struct {
	PlotType  PlotType  `json:"plot_type"`
	Title     string    `json:"title"`
	Timestamp time.Time `json:"timestamp"`
	ModelName string    `json:"model_name"`

	Series []SeriesData `json:"series"`
	Config PlotConfig   `json:"config"`

	Metrics map[string]float64 `json:"metrics,omitempty"`
}

// SeriesData represents a single data series in a plot
type SeriesData struct {
	Name  string      `json:"name"`
	Type  string      `json:"type"` // "line" or "heatmap"
	Data  []DataPoint `json:"data"`
	Color string      `json:"color,omitempty"`
}

// DataPoint represents a single data point
type DataPoint struct {
	X     float64 `json:"x"`
	Y     float64 `json:"y"`
	Z     float64 `json:"z,omitempty"`
	Label string  `json:"label,omitempty"`
}

// PlotConfig contains plot-specific configuration
type PlotConfig struct {
	XAxisLabel string `json:"x_axis_label"`
	YAxisLabel string `json:"y_axis_label"`
	ShowLegend bool   `json:"show_legend"`
	ShowGrid   bool   `json:"show_grid"`
	Width      int    `json:"width"`
	Height     int    `json:"height"`
}

// ToJSON serializes the plot for external tooling.
func (pd PlotData) ToJSON() ([]byte, error) {
	data, err := json.MarshalIndent(pd, "", "  ")
	if err != nil {
		return nil, errors.Wrap(err, "failed to encode plot data")
	}
	return data, nil
}

// SaveJSON writes the plot description to path.
func (pd PlotData) SaveJSON(path string) error {
	data, err := pd.ToJSON()
	if err != nil {
		return err
	}
	return errors.Wrapf(os.WriteFile(path, data, 0o644), "failed to write %s", path)
}

// VisualizationCollector records training history for later plotting.
// It is safe for concurrent use.
type VisualizationCollector struct {
	mu        sync.Mutex
	modelName string
	enabled   bool

	steps         []int
	stepLoss      []float64
	learningRates []float64

	epochs        []int
	epochLoss     []float64
	epochAccuracy []float64

	confusionMatrix [][]int
	classNames      []string
}

// NewVisualizationCollector creates a disabled collector
func NewVisualizationCollector(modelName string) *VisualizationCollector {
	return &VisualizationCollector{modelName: modelName}
}

// Enable enables visualization data collection
func (vc *VisualizationCollector) Enable() {
	vc.mu.Lock()
	vc.enabled = true
	vc.mu.Unlock()
}

// Disable disables visualization data collection
func (vc *VisualizationCollector) Disable() {
	vc.mu.Lock()
	vc.enabled = false
	vc.mu.Unlock()
}

// IsEnabled returns whether visualization is enabled
func (vc *VisualizationCollector) IsEnabled() bool {
	vc.mu.Lock()
	defer vc.mu.Unlock()
	return vc.enabled
}

// RecordTrainingStep records the loss and learning rate of one batch
func (vc *VisualizationCollector) RecordTrainingStep(step int, loss, learningRate float64) {
	vc.mu.Lock()
	defer vc.mu.Unlock()
	if !vc.enabled {
		return
	}
	vc.steps = append(vc.steps, step)
	vc.stepLoss = append(vc.stepLoss, loss)
	vc.learningRates = append(vc.learningRates, learningRate)
}

// RecordEpoch records epoch-level metrics
func (vc *VisualizationCollector) RecordEpoch(epoch int, loss, accuracy float64) {
	vc.mu.Lock()
	defer vc.mu.Unlock()
	if !vc.enabled {
		return
	}
	vc.epochs = append(vc.epochs, epoch)
	vc.epochLoss = append(vc.epochLoss, loss)
	vc.epochAccuracy = append(vc.epochAccuracy, accuracy)
}

// RecordConfusionMatrix records confusion matrix data
func (vc *VisualizationCollector) RecordConfusionMatrix(matrix [][]int, classNames []string) {
	vc.mu.Lock()
	defer vc.mu.Unlock()
	if !vc.enabled {
		return
	}
	vc.confusionMatrix = make([][]int, len(matrix))
	for i := range matrix {
		vc.confusionMatrix[i] = append([]int(nil), matrix[i]...)
	}
	vc.classNames = append([]string(nil), classNames...)
}

// EpochCount returns the number of recorded epochs.
func (vc *VisualizationCollector) EpochCount() int {
	vc.mu.Lock()
	defer vc.mu.Unlock()
	return len(vc.epochs)
}

// GenerateTrainingCurvesPlot generates per-epoch loss and accuracy curves
func (vc *VisualizationCollector) GenerateTrainingCurvesPlot() PlotData {
	vc.mu.Lock()
	defer vc.mu.Unlock()

	loss := SeriesData{Name: "Training Loss", Type: "line", Color: "#FF6B6B"}
	acc := SeriesData{Name: "Training Accuracy", Type: "line", Color: "#4ECDC4"}
	for i, epoch := range vc.epochs {
		loss.Data = append(loss.Data, DataPoint{X: float64(epoch), Y: vc.epochLoss[i]})
		acc.Data = append(acc.Data, DataPoint{X: float64(epoch), Y: vc.epochAccuracy[i]})
	}

	metrics := map[string]float64{}
	if n := len(vc.epochs); n > 0 {
		metrics["final_loss"] = vc.epochLoss[n-1]
		metrics["final_accuracy"] = vc.epochAccuracy[n-1]
	}

	return PlotData{
		PlotType:  TrainingCurves,
		Title:     fmt.Sprintf("Training Curves - %s", vc.modelName),
		Timestamp: time.Now(),
		ModelName: vc.modelName,
		Series:    []SeriesData{loss, acc},
		Config: PlotConfig{
			XAxisLabel: "Epoch",
			YAxisLabel: "Loss / Accuracy",
			ShowLegend: true,
			ShowGrid:   true,
			Width:      800,
			Height:     600,
		},
		Metrics: metrics,
	}
}

// GenerateLearningRateSchedulePlot generates learning rate schedule plot data
func (vc *VisualizationCollector) GenerateLearningRateSchedulePlot() PlotData {
	vc.mu.Lock()
	defer vc.mu.Unlock()

	series := SeriesData{Name: "Learning Rate", Type: "line", Color: "#6C5CE7"}
	for i, lr := range vc.learningRates {
		series.Data = append(series.Data, DataPoint{X: float64(vc.steps[i]), Y: lr})
	}

	return PlotData{
		PlotType:  LearningRateSchedule,
		Title:     fmt.Sprintf("Learning Rate Schedule - %s", vc.modelName),
		Timestamp: time.Now(),
		ModelName: vc.modelName,
		Series:    []SeriesData{series},
		Config: PlotConfig{
			XAxisLabel: "Step",
			YAxisLabel: "Learning Rate",
			ShowGrid:   true,
			Width:      800,
			Height:     400,
		},
	}
}

// GenerateConfusionMatrixPlot emits one heatmap cell per (true, predicted) pair.
func (vc *VisualizationCollector) GenerateConfusionMatrixPlot() PlotData {
	vc.mu.Lock()
	defer vc.mu.Unlock()

	series := SeriesData{Name: "Confusion Matrix", Type: "heatmap"}
	for i, row := range vc.confusionMatrix {
		for j, count := range row {
			label := ""
			if i < len(vc.classNames) {
				label = vc.classNames[i]
			}
			series.Data = append(series.Data, DataPoint{X: float64(j), Y: float64(i), Z: float64(count), Label: label})
		}
	}

	return PlotData{
		PlotType:  ConfusionMatrixPlot,
		Title:     fmt.Sprintf("Confusion Matrix - %s", vc.modelName),
		Timestamp: time.Now(),
		ModelName: vc.modelName,
		Series:    []SeriesData{series},
		Config: PlotConfig{
			XAxisLabel: "Predicted",
			YAxisLabel: "True",
			Width:      600,
			Height:     600,
		},
	}
}
