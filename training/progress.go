package training

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/tsawler/stance-cnn/layers"
)

// ProgressBar renders a single-line, carriage-return updated progress bar
type ProgressBar struct {
	out         io.Writer
	description string
	total       int
	current     int
	startTime   time.Time
	width       int
	showRate    bool
	showETA     bool
	metrics     map[string]float64
}

// NewProgressBar creates a new progress bar writing to stdout
func NewProgressBar(description string, total int) *ProgressBar {
	return NewProgressBarTo(os.Stdout, description, total)
}

// NewProgressBarTo creates a progress bar writing to out
func NewProgressBarTo(out io.Writer, description string, total int) *ProgressBar {
	return &ProgressBar{
		out:         out,
		description: description,
		total:       total,
		startTime:   time.Now(),
		width:       30,
		showRate:    true,
		showETA:     true,
		metrics:     make(map[string]float64),
	}
}

// Update advances the progress bar
func (pb *ProgressBar) Update(step int, metrics map[string]float64) {
	pb.current = step
	pb.metrics = metrics
	pb.render()
}

// UpdateMetrics updates metrics without advancing progress
func (pb *ProgressBar) UpdateMetrics(metrics map[string]float64) {
	for k, v := range metrics {
		pb.metrics[k] = v
	}
	pb.render()
}

// Finish completes the progress bar
func (pb *ProgressBar) Finish() {
	pb.current = pb.total
	pb.render()
	fmt.Fprintln(pb.out)
}

// render draws the progress bar
func (pb *ProgressBar) render() {
	percentage := 0.0
	if pb.total > 0 {
		percentage = float64(pb.current) / float64(pb.total)
	}
	if percentage > 1.0 {
		percentage = 1.0
	}

	filled := int(percentage * float64(pb.width))
	bar := strings.Repeat("=", filled) + strings.Repeat(".", pb.width-filled)

	elapsed := time.Since(pb.startTime)
	var eta time.Duration
	var rate float64
	if pb.current > 0 {
		rate = float64(pb.current) / elapsed.Seconds()
		if percentage > 0 {
			eta = time.Duration(float64(elapsed)/percentage) - elapsed
		}
	}

	line := fmt.Sprintf("\r%s: %3.0f%% [%s] %d/%d", pb.description, percentage*100, bar, pb.current, pb.total)

	if pb.showETA && eta > 0 {
		line += fmt.Sprintf(" [%s<%s", formatDuration(elapsed), formatDuration(eta))
	} else {
		line += fmt.Sprintf(" [%s<00:00", formatDuration(elapsed))
	}
	if pb.showRate && rate > 0 {
		line += fmt.Sprintf(", %.2fbatch/s", rate)
	}

	// stable ordering keeps the line from jittering between renders
	keys := make([]string, 0, len(pb.metrics))
	for k := range pb.metrics {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, key := range keys {
		value := pb.metrics[key]
		if strings.Contains(key, "acc") {
			line += fmt.Sprintf(", %s=%.2f%%", key, value*100)
		} else {
			line += fmt.Sprintf(", %s=%.4f", key, value)
		}
	}

	line += "]"
	fmt.Fprint(pb.out, line)
}

// formatDuration formats duration as MM:SS
func formatDuration(d time.Duration) string {
	minutes := int(d.Minutes())
	seconds := int(d.Seconds()) % 60
	return fmt.Sprintf("%02d:%02d", minutes, seconds)
}

// ModelArchitecturePrinter prints a Keras-style layer table
type ModelArchitecturePrinter struct {
	modelName string
}

// NewModelArchitecturePrinter creates a new model architecture printer
func NewModelArchitecturePrinter(modelName string) *ModelArchitecturePrinter {
	return &ModelArchitecturePrinter{modelName: modelName}
}

// PrintArchitecture writes the architecture table and size estimates
func (p *ModelArchitecturePrinter) PrintArchitecture(w io.Writer, modelSpec *layers.ModelSpec) {
	fmt.Fprintf(w, "Model: %q\n", p.modelName)
	fmt.Fprintln(w, strings.Repeat("_", 72))
	fmt.Fprintf(w, "%-34s %-24s %12s\n", "Layer (type)", "Output Shape", "Param #")
	fmt.Fprintln(w, strings.Repeat("=", 72))

	for _, layer := range modelSpec.Layers {
		p.printLayer(w, layer, "")
	}

	fmt.Fprintln(w, strings.Repeat("=", 72))
	fmt.Fprintf(w, "Total params: %s\n", humanize.Comma(modelSpec.TotalParameters))
	fmt.Fprintf(w, "Trainable params: %s\n", humanize.Comma(modelSpec.TotalParameters))
	fmt.Fprintf(w, "Non-trainable params: 0\n")
	fmt.Fprintf(w, "Params size: %s\n", humanize.IBytes(uint64(modelSpec.TotalParameters*8)))
	fmt.Fprintf(w, "Estimated activation size: %s\n", humanize.IBytes(estimateActivationBytes(modelSpec)))
	fmt.Fprintln(w, strings.Repeat("_", 72))
}

func (p *ModelArchitecturePrinter) printLayer(w io.Writer, layer layers.LayerSpec, indent string) {
	fmt.Fprintf(w, "%-34s %-24s %12s\n",
		indent+p.formatLayer(layer),
		formatShape(layer.OutputShape),
		humanize.Comma(layer.ParameterCount))
	for b, branch := range layer.Branches {
		fmt.Fprintf(w, "%s  branch %d:\n", indent, b)
		for _, inner := range branch {
			p.printLayer(w, inner, indent+"    ")
		}
	}
}

// formatLayer formats a single layer for display
func (p *ModelArchitecturePrinter) formatLayer(layer layers.LayerSpec) string {
	switch layer.Type {
	case layers.Conv1D:
		return fmt.Sprintf("%s (Conv1D k=%d)", layer.Name, layers.GetIntParam(layer.Parameters, "kernel_size", 0))
	case layers.Dropout:
		return fmt.Sprintf("%s (Dropout %.2g)", layer.Name, layers.GetFloatParam(layer.Parameters, "rate", 0))
	default:
		return fmt.Sprintf("%s (%s)", layer.Name, layer.Type)
	}
}

func formatShape(shape []int) string {
	if len(shape) == 0 {
		return "?"
	}
	parts := []string{"None"}
	for _, d := range shape[1:] {
		parts = append(parts, fmt.Sprintf("%d", d))
	}
	return "(" + strings.Join(parts, ", ") + ")"
}

// estimateActivationBytes sums forward activations for one batch, doubled
// for the matching gradients.
func estimateActivationBytes(modelSpec *layers.ModelSpec) uint64 {
	var total uint64
	var walk func([]layers.LayerSpec)
	walk = func(specs []layers.LayerSpec) {
		for _, layer := range specs {
			size := uint64(1)
			for _, d := range layer.OutputShape {
				size *= uint64(d)
			}
			total += size
			for _, branch := range layer.Branches {
				walk(branch)
			}
		}
	}
	walk(modelSpec.Layers)
	return total * 8 * 2
}
