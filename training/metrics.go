package training

import (
	"fmt"

	"github.com/pkg/errors"
)

// MetricType represents different evaluation metrics
type MetricType int

const (
	Accuracy MetricType = iota
	MacroPrecision
	MacroRecall
	MacroF1
	MicroPrecision
	MicroRecall
	MicroF1
	WeightedPrecision
	WeightedRecall
	WeightedF1
)

func (mt MetricType) String() string {
	switch mt {
	case Accuracy:
		return "Accuracy"
	case MacroPrecision:
		return "MacroPrecision"
	case MacroRecall:
		return "MacroRecall"
	case MacroF1:
		return "MacroF1"
	case MicroPrecision:
		return "MicroPrecision"
	case MicroRecall:
		return "MicroRecall"
	case MicroF1:
		return "MicroF1"
	case WeightedPrecision:
		return "WeightedPrecision"
	case WeightedRecall:
		return "WeightedRecall"
	case WeightedF1:
		return "WeightedF1"
	default:
		return fmt.Sprintf("Unknown(%d)", int(mt))
	}
}

// ConfusionMatrix represents a confusion matrix for classification tasks.
// Averages are taken over the classes that occur in either the true or
// the predicted labels, and a ratio with a zero denominator counts as 0.
type ConfusionMatrix struct {
	NumClasses   int
	Matrix       [][]int // [true_class][predicted_class]
	TotalSamples int

	cachedMetrics map[MetricType]float64
}

// ClassMetrics holds per-class precision, recall, F1 and support.
type ClassMetrics struct {
	Class     int
	Precision float64
	Recall    float64
	F1        float64
	Support   int
}

// NewConfusionMatrix creates a new confusion matrix
func NewConfusionMatrix(numClasses int) *ConfusionMatrix {
	matrix := make([][]int, numClasses)
	for i := range matrix {
		matrix[i] = make([]int, numClasses)
	}

	return &ConfusionMatrix{
		NumClasses:    numClasses,
		Matrix:        matrix,
		cachedMetrics: make(map[MetricType]float64),
	}
}

// Reset clears the confusion matrix
func (cm *ConfusionMatrix) Reset() {
	for i := range cm.Matrix {
		for j := range cm.Matrix[i] {
			cm.Matrix[i][j] = 0
		}
	}
	cm.TotalSamples = 0
	cm.cachedMetrics = make(map[MetricType]float64)
}

// Update adds pairs of true and predicted class indices.
func (cm *ConfusionMatrix) Update(trueLabels, predicted []int) error {
	if len(trueLabels) != len(predicted) {
		return errors.Errorf("got %d true labels and %d predictions", len(trueLabels), len(predicted))
	}
	for i := range trueLabels {
		t, p := trueLabels[i], predicted[i]
		if t < 0 || t >= cm.NumClasses || p < 0 || p >= cm.NumClasses {
			return errors.Errorf("label pair (%d, %d) at %d outside [0, %d)", t, p, i, cm.NumClasses)
		}
	}
	for i := range trueLabels {
		cm.Matrix[trueLabels[i]][predicted[i]]++
	}
	cm.TotalSamples += len(trueLabels)
	cm.cachedMetrics = make(map[MetricType]float64)
	return nil
}

// Labels returns, in ascending order, the classes present in either the
// true labels or the predictions.
func (cm *ConfusionMatrix) Labels() []int {
	var labels []int
	for c := 0; c < cm.NumClasses; c++ {
		if cm.support(c) > 0 || cm.predicted(c) > 0 {
			labels = append(labels, c)
		}
	}
	return labels
}

func (cm *ConfusionMatrix) support(class int) int {
	total := 0
	for _, v := range cm.Matrix[class] {
		total += v
	}
	return total
}

func (cm *ConfusionMatrix) predicted(class int) int {
	total := 0
	for t := range cm.Matrix {
		total += cm.Matrix[t][class]
	}
	return total
}

func safeDiv(num, den float64) float64 {
	if den == 0 {
		return 0
	}
	return num / den
}

// ClassStats returns precision, recall, F1 and support for one class.
func (cm *ConfusionMatrix) ClassStats(class int) ClassMetrics {
	tp := float64(cm.Matrix[class][class])
	precision := safeDiv(tp, float64(cm.predicted(class)))
	recall := safeDiv(tp, float64(cm.support(class)))
	return ClassMetrics{
		Class:     class,
		Precision: precision,
		Recall:    recall,
		F1:        safeDiv(2*precision*recall, precision+recall),
		Support:   cm.support(class),
	}
}

// PerClass returns ClassStats for every label in Labels().
func (cm *ConfusionMatrix) PerClass() []ClassMetrics {
	labels := cm.Labels()
	out := make([]ClassMetrics, len(labels))
	for i, c := range labels {
		out[i] = cm.ClassStats(c)
	}
	return out
}

// GetMetric calculates and caches evaluation metrics
func (cm *ConfusionMatrix) GetMetric(metric MetricType) float64 {
	if value, exists := cm.cachedMetrics[metric]; exists {
		return value
	}

	var result float64
	switch metric {
	case Accuracy, MicroPrecision, MicroRecall, MicroF1:
		// single-label multiclass: every miss is one FP and one FN
		result = cm.GetAccuracy()
	case MacroPrecision, MacroRecall, MacroF1:
		result = cm.average(metric, false)
	case WeightedPrecision, WeightedRecall, WeightedF1:
		result = cm.average(metric, true)
	default:
		return 0.0
	}

	cm.cachedMetrics[metric] = result
	return result
}

func (cm *ConfusionMatrix) average(metric MetricType, weighted bool) float64 {
	stats := cm.PerClass()
	if len(stats) == 0 {
		return 0
	}

	sum, weights := 0.0, 0.0
	for _, s := range stats {
		var v float64
		switch metric {
		case MacroPrecision, WeightedPrecision:
			v = s.Precision
		case MacroRecall, WeightedRecall:
			v = s.Recall
		default:
			v = s.F1
		}
		w := 1.0
		if weighted {
			w = float64(s.Support)
		}
		sum += w * v
		weights += w
	}
	return safeDiv(sum, weights)
}

// GetAccuracy returns overall classification accuracy
func (cm *ConfusionMatrix) GetAccuracy() float64 {
	if cm.TotalSamples == 0 {
		return 0.0
	}

	correct := 0
	for i := 0; i < cm.NumClasses; i++ {
		correct += cm.Matrix[i][i]
	}
	return float64(correct) / float64(cm.TotalSamples)
}
