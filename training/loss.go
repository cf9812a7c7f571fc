package training

import (
	"math"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// Loss computes a scalar loss over a batch and its gradient with respect
// to the model output.
type Loss interface {
	Forward(predicted, target *mat.Dense) (float64, error)
	Backward(predicted, target *mat.Dense) (*mat.Dense, error)
	Name() string
}

// DefaultEpsilon is the probability clip used by Keras' categorical
// cross-entropy.
const DefaultEpsilon = 1e-7

// CategoricalCrossEntropyLoss expects predicted rows that are already
// probability distributions (softmax output) and one-hot targets.
type CategoricalCrossEntropyLoss struct {
	Epsilon float64
}

// NewCategoricalCrossEntropyLoss creates the loss with the Keras clip value
func NewCategoricalCrossEntropyLoss() *CategoricalCrossEntropyLoss {
	return &CategoricalCrossEntropyLoss{Epsilon: DefaultEpsilon}
}

func (l *CategoricalCrossEntropyLoss) Name() string {
	return "categorical_crossentropy"
}

func checkSameDims(predicted, target *mat.Dense) error {
	pr, pc := predicted.Dims()
	tr, tc := target.Dims()
	if pr != tr || pc != tc {
		return errors.Errorf("predicted (%d, %d) and target (%d, %d) shapes differ", pr, pc, tr, tc)
	}
	return nil
}

func (l *CategoricalCrossEntropyLoss) clip(p float64) float64 {
	return math.Min(math.Max(p, l.Epsilon), 1-l.Epsilon)
}

// Forward returns mean over the batch of -sum(target * log(clip(p))).
func (l *CategoricalCrossEntropyLoss) Forward(predicted, target *mat.Dense) (float64, error) {
	if err := checkSameDims(predicted, target); err != nil {
		return 0, err
	}
	rows, _ := predicted.Dims()

	total := 0.0
	for i := 0; i < rows; i++ {
		p := predicted.RawRowView(i)
		for j, t := range target.RawRowView(i) {
			if t != 0 {
				total -= t * math.Log(l.clip(p[j]))
			}
		}
	}
	return total / float64(rows), nil
}

// Backward returns d loss / d predicted. Entries clipped in the forward
// pass get zero gradient.
func (l *CategoricalCrossEntropyLoss) Backward(predicted, target *mat.Dense) (*mat.Dense, error) {
	if err := checkSameDims(predicted, target); err != nil {
		return nil, err
	}
	rows, cols := predicted.Dims()
	grad := mat.NewDense(rows, cols, nil)
	n := float64(rows)

	for i := 0; i < rows; i++ {
		p := predicted.RawRowView(i)
		g := grad.RawRowView(i)
		for j, t := range target.RawRowView(i) {
			if t == 0 || p[j] < l.Epsilon || p[j] > 1-l.Epsilon {
				continue
			}
			g[j] = -t / (p[j] * n)
		}
	}
	return grad, nil
}

// CountCorrect returns how many rows have the same argmax in predicted and
// target (categorical accuracy).
func CountCorrect(predicted, target *mat.Dense) int {
	rows, _ := predicted.Dims()
	correct := 0
	for i := 0; i < rows; i++ {
		if argmax(predicted.RawRowView(i)) == argmax(target.RawRowView(i)) {
			correct++
		}
	}
	return correct
}

func argmax(row []float64) int {
	best := 0
	for j := 1; j < len(row); j++ {
		if row[j] > row[best] {
			best = j
		}
	}
	return best
}
