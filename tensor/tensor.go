package tensor

import (
	"fmt"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// Tensor is a dense, row-major float64 array with an explicit shape.
// The first dimension is always the example (batch) dimension.
type Tensor struct {
	Shape    []int
	Strides  []int
	Data     []float64
	NumElems int
}

// New creates a tensor over data. A nil data slice allocates zeros.
func New(shape []int, data []float64) (*Tensor, error) {
	if err := validateShape(shape); err != nil {
		return nil, err
	}

	numElems := calculateNumElements(shape)
	if data == nil {
		data = make([]float64, numElems)
	}
	if len(data) != numElems {
		return nil, errors.Errorf("data length %d does not match tensor size %d", len(data), numElems)
	}

	s := make([]int, len(shape))
	copy(s, shape)

	return &Tensor{
		Shape:    s,
		Strides:  calculateStrides(s),
		Data:     data,
		NumElems: numElems,
	}, nil
}

// Zeros creates a zero-filled tensor.
func Zeros(shape ...int) (*Tensor, error) {
	return New(shape, nil)
}

// FromRows builds a 2D tensor from equally sized rows.
func FromRows(rows [][]float64) (*Tensor, error) {
	if len(rows) == 0 {
		return nil, errors.New("cannot build tensor from zero rows")
	}
	cols := len(rows[0])
	data := make([]float64, 0, len(rows)*cols)
	for i, row := range rows {
		if len(row) != cols {
			return nil, errors.Errorf("row %d has %d columns, expected %d", i, len(row), cols)
		}
		data = append(data, row...)
	}
	return New([]int{len(rows), cols}, data)
}

// FromDense copies a gonum matrix into a 2D tensor.
func FromDense(m mat.Matrix) *Tensor {
	r, c := m.Dims()
	data := make([]float64, r*c)
	dst := mat.NewDense(r, c, data)
	dst.Copy(m)
	t, _ := New([]int{r, c}, data)
	return t
}

func (t *Tensor) String() string {
	return fmt.Sprintf("Tensor(shape=%v, elements=%d)", t.Shape, t.NumElems)
}

// Rows returns the size of the first dimension.
func (t *Tensor) Rows() int {
	if len(t.Shape) == 0 {
		return 0
	}
	return t.Shape[0]
}

// RowSize returns the number of elements in one example.
func (t *Tensor) RowSize() int {
	if len(t.Shape) == 0 {
		return 0
	}
	return t.NumElems / t.Shape[0]
}

// Row returns a view of example i.
func (t *Tensor) Row(i int) []float64 {
	n := t.RowSize()
	return t.Data[i*n : (i+1)*n]
}

// Matrix returns a (rows, rowSize) matrix view sharing the tensor data.
func (t *Tensor) Matrix() *mat.Dense {
	return mat.NewDense(t.Rows(), t.RowSize(), t.Data)
}

// Reshape returns a tensor sharing the same data with a new shape.
// One dimension may be -1 and is inferred.
func (t *Tensor) Reshape(newShape ...int) (*Tensor, error) {
	shape := make([]int, len(newShape))
	copy(shape, newShape)

	known := 1
	infer := -1
	for i, dim := range shape {
		switch {
		case dim == -1:
			if infer >= 0 {
				return nil, errors.New("only one dimension can be -1")
			}
			infer = i
		case dim <= 0:
			return nil, errors.Errorf("dimension %d has size %d, must be positive", i, dim)
		default:
			known *= dim
		}
	}
	if infer >= 0 {
		if t.NumElems%known != 0 {
			return nil, errors.Errorf("cannot reshape tensor of size %d into %v", t.NumElems, newShape)
		}
		shape[infer] = t.NumElems / known
		known *= shape[infer]
	}
	if known != t.NumElems {
		return nil, errors.Errorf("cannot reshape tensor of size %d into shape %v (size %d)", t.NumElems, shape, known)
	}

	return &Tensor{
		Shape:    shape,
		Strides:  calculateStrides(shape),
		Data:     t.Data,
		NumElems: t.NumElems,
	}, nil
}

// Clone deep-copies the tensor.
func (t *Tensor) Clone() *Tensor {
	data := make([]float64, len(t.Data))
	copy(data, t.Data)
	c, _ := New(t.Shape, data)
	return c
}

// Slice returns rows [from, to) as a view.
func (t *Tensor) Slice(from, to int) (*Tensor, error) {
	if from < 0 || to > t.Rows() || from >= to {
		return nil, errors.Errorf("invalid row range [%d, %d) for %d rows", from, to, t.Rows())
	}
	n := t.RowSize()
	shape := append([]int{to - from}, t.Shape[1:]...)
	return New(shape, t.Data[from*n:to*n])
}

// Gather copies the given rows, in order, into a new tensor.
func (t *Tensor) Gather(indices []int) (*Tensor, error) {
	if len(indices) == 0 {
		return nil, errors.New("no rows to gather")
	}
	n := t.RowSize()
	data := make([]float64, len(indices)*n)
	for i, idx := range indices {
		if idx < 0 || idx >= t.Rows() {
			return nil, errors.Errorf("row index %d out of range [0, %d)", idx, t.Rows())
		}
		copy(data[i*n:(i+1)*n], t.Row(idx))
	}
	shape := append([]int{len(indices)}, t.Shape[1:]...)
	return New(shape, data)
}

// ArgMax returns, per row, the index of the largest element and its value.
// Ties resolve to the lowest index.
func (t *Tensor) ArgMax() ([]int, []float64) {
	rows := t.Rows()
	idx := make([]int, rows)
	vals := make([]float64, rows)
	for i := 0; i < rows; i++ {
		row := t.Row(i)
		best := 0
		for j := 1; j < len(row); j++ {
			if row[j] > row[best] {
				best = j
			}
		}
		idx[i] = best
		if len(row) > 0 {
			vals[i] = row[best]
		}
	}
	return idx, vals
}

// SameShape reports whether two shapes are identical.
func SameShape(a, b []int) bool {
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

func calculateStrides(shape []int) []int {
	if len(shape) == 0 {
		return []int{}
	}

	strides := make([]int, len(shape))
	stride := 1
	for i := len(shape) - 1; i >= 0; i-- {
		strides[i] = stride
		stride *= shape[i]
	}
	return strides
}

func calculateNumElements(shape []int) int {
	if len(shape) == 0 {
		return 0
	}

	elements := 1
	for _, dim := range shape {
		elements *= dim
	}
	return elements
}

func validateShape(shape []int) error {
	if len(shape) == 0 {
		return errors.New("invalid shape: tensor must have at least one dimension")
	}
	for i, dim := range shape {
		if dim <= 0 {
			return errors.Errorf("invalid shape: dimension %d has size %d, must be positive", i, dim)
		}
	}
	return nil
}
