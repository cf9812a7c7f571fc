// Package report renders classification results in the text layout of
// scikit-learn's classification_report.
package report

import (
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/tsawler/stance-cnn/training"
)

// DefaultDigits is the precision used for the per-class table.
const DefaultDigits = 3

// Averages holds one averaged precision/recall/F1 row.
type Averages struct {
	Precision float64
	Recall    float64
	F1        float64
}

// Report is the full set of evaluation numbers for one prediction run.
type Report struct {
	Classes  []training.ClassMetrics
	Accuracy float64
	Macro    Averages
	Weighted Averages
	Support  int
	MicroF1  float64
	MacroF1  float64
	Matrix   [][]int
}

// Compute evaluates predictions against true class indices. Classes that
// appear in neither slice are left out, like scikit-learn does.
func Compute(trueLabels, predicted []int, numClasses int) (*Report, error) {
	if len(trueLabels) == 0 {
		return nil, errors.New("no predictions to report")
	}
	cm := training.NewConfusionMatrix(numClasses)
	if err := cm.Update(trueLabels, predicted); err != nil {
		return nil, errors.Wrap(err, "failed to build confusion matrix")
	}

	r := &Report{
		Classes:  cm.PerClass(),
		Accuracy: cm.GetAccuracy(),
		Macro: Averages{
			Precision: cm.GetMetric(training.MacroPrecision),
			Recall:    cm.GetMetric(training.MacroRecall),
			F1:        cm.GetMetric(training.MacroF1),
		},
		Weighted: Averages{
			Precision: cm.GetMetric(training.WeightedPrecision),
			Recall:    cm.GetMetric(training.WeightedRecall),
			F1:        cm.GetMetric(training.WeightedF1),
		},
		Support: cm.TotalSamples,
		MicroF1: cm.GetMetric(training.MicroF1),
		MacroF1: cm.GetMetric(training.MacroF1),
		Matrix:  cm.Matrix,
	}
	return r, nil
}

const lastLineHeading = "weighted avg"

// WriteText writes the per-class table followed by the accuracy, macro
// and weighted rows.
func (r *Report) WriteText(w io.Writer, digits int) error {
	names := make([]string, len(r.Classes))
	width := len(lastLineHeading)
	for i, c := range r.Classes {
		names[i] = strconv.Itoa(c.Class)
		if len(names[i]) > width {
			width = len(names[i])
		}
	}
	if digits > width {
		width = digits
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "%*s  %9s %9s %9s %9s\n\n", width, "", "precision", "recall", "f1-score", "support")

	row := func(name string, p, rc, f float64, support int) {
		fmt.Fprintf(&sb, "%*s  %9.*f %9.*f %9.*f %9d\n", width, name, digits, p, digits, rc, digits, f, support)
	}
	for i, c := range r.Classes {
		row(names[i], c.Precision, c.Recall, c.F1, c.Support)
	}
	sb.WriteString("\n")
	fmt.Fprintf(&sb, "%*s  %9s %9s %9.*f %9d\n", width, "accuracy", "", "", digits, r.Accuracy, r.Support)
	row("macro avg", r.Macro.Precision, r.Macro.Recall, r.Macro.F1, r.Support)
	row(lastLineHeading, r.Weighted.Precision, r.Weighted.Recall, r.Weighted.F1, r.Support)

	_, err := io.WriteString(w, sb.String())
	return errors.Wrap(err, "failed to write report")
}

// WriteF1Lines writes the two summary lines printed after the table.
func (r *Report) WriteF1Lines(w io.Writer) error {
	_, err := fmt.Fprintf(w, "Micro F1:  %s\nMacro F1:  %s\n", FormatScore(r.MicroF1), FormatScore(r.MacroF1))
	return errors.Wrap(err, "failed to write F1 scores")
}

// Print writes the table, a blank line and the F1 lines, the way the
// report is shown on the console.
func (r *Report) Print(w io.Writer, digits int) error {
	if err := r.WriteText(w, digits); err != nil {
		return err
	}
	if _, err := io.WriteString(w, "\n"); err != nil {
		return errors.Wrap(err, "failed to write report")
	}
	return r.WriteF1Lines(w)
}

// FormatScore prints a float the way Python's repr does: the shortest
// representation that round-trips, always with a decimal point.
func FormatScore(v float64) string {
	abs := math.Abs(v)
	if abs != 0 && (abs < 1e-4 || abs >= 1e16) {
		return strconv.FormatFloat(v, 'e', -1, 64)
	}
	s := strconv.FormatFloat(v, 'f', -1, 64)
	if !strings.ContainsAny(s, ".") {
		s += ".0"
	}
	return s
}

// ConfidenceSummary describes the distribution of max-probability scores.
type ConfidenceSummary struct {
	Mean   float64
	StdDev float64
	Min    float64
	Max    float64
}

// SummarizeConfidence computes summary statistics of confidence scores.
func SummarizeConfidence(confidence []float64) ConfidenceSummary {
	if len(confidence) == 0 {
		return ConfidenceSummary{}
	}
	mean, std := stat.MeanStdDev(confidence, nil)
	if len(confidence) == 1 {
		std = 0
	}
	return ConfidenceSummary{
		Mean:   mean,
		StdDev: std,
		Min:    floats.Min(confidence),
		Max:    floats.Max(confidence),
	}
}
