// Package dataset loads the pre-flattened .npy arrays used for training
// and evaluation, and converts one-hot labels to class indices.
package dataset

import (
	"bufio"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"github.com/sbinet/npyio"

	"github.com/tsawler/stance-cnn/tensor"
)

// ErrShapeMismatch is returned when arrays do not line up: unequal row
// counts between features and labels, or an unexpected label width.
var ErrShapeMismatch = errors.New("array shape mismatch")

// LoadNPY reads a .npy file into a 2D tensor. 1-D arrays become a single
// column, arrays of higher rank keep the first axis and flatten the rest.
func LoadNPY(path string) (*tensor.Tensor, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open %s", path)
	}
	defer f.Close()

	t, err := ReadNPY(bufio.NewReader(f))
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read %s", filepath.Base(path))
	}
	return t, nil
}

// ReadNPY decodes one .npy array from r.
func ReadNPY(r io.Reader) (*tensor.Tensor, error) {
	nr, err := npyio.NewReader(r)
	if err != nil {
		return nil, errors.Wrap(err, "invalid npy header")
	}

	shape := append([]int(nil), nr.Header.Descr.Shape...)
	n := 1
	for _, d := range shape {
		n *= d
	}

	// the payload is consumed as a flat stream; layout is fixed up below
	fortran := nr.Header.Descr.Fortran
	nr.Header.Descr.Fortran = false

	data, err := readAsFloat64(nr, n)
	if err != nil {
		return nil, err
	}
	if fortran && len(shape) > 1 {
		data = fortranToC(data, shape)
	}

	return tensor.New(matrixShape(shape), data)
}

func readAsFloat64(nr *npyio.Reader, n int) ([]float64, error) {
	dtype := strings.TrimLeft(nr.Header.Descr.Type, "<|=")
	if strings.HasPrefix(nr.Header.Descr.Type, ">") {
		return nil, errors.Errorf("big-endian dtype %q is not supported", nr.Header.Descr.Type)
	}

	out := make([]float64, n)
	switch dtype {
	case "f8":
		if err := nr.Read(&out); err != nil {
			return nil, errors.Wrap(err, "failed to read float64 data")
		}
	case "f4":
		raw := make([]float32, n)
		if err := nr.Read(&raw); err != nil {
			return nil, errors.Wrap(err, "failed to read float32 data")
		}
		for i, v := range raw {
			out[i] = float64(v)
		}
	case "i8":
		raw := make([]int64, n)
		if err := nr.Read(&raw); err != nil {
			return nil, errors.Wrap(err, "failed to read int64 data")
		}
		for i, v := range raw {
			out[i] = float64(v)
		}
	case "i4":
		raw := make([]int32, n)
		if err := nr.Read(&raw); err != nil {
			return nil, errors.Wrap(err, "failed to read int32 data")
		}
		for i, v := range raw {
			out[i] = float64(v)
		}
	case "u1":
		raw := make([]uint8, n)
		if err := nr.Read(&raw); err != nil {
			return nil, errors.Wrap(err, "failed to read uint8 data")
		}
		for i, v := range raw {
			out[i] = float64(v)
		}
	case "b1":
		raw := make([]bool, n)
		if err := nr.Read(&raw); err != nil {
			return nil, errors.Wrap(err, "failed to read bool data")
		}
		for i, v := range raw {
			if v {
				out[i] = 1
			}
		}
	default:
		return nil, errors.Errorf("unsupported dtype %q", nr.Header.Descr.Type)
	}
	return out, nil
}

// matrixShape folds an arbitrary array shape into [rows, cols].
func matrixShape(shape []int) []int {
	switch len(shape) {
	case 0:
		return []int{1, 1}
	case 1:
		return []int{shape[0], 1}
	default:
		cols := 1
		for _, d := range shape[1:] {
			cols *= d
		}
		return []int{shape[0], cols}
	}
}

// fortranToC reorders column-major data into row-major order.
func fortranToC(data []float64, shape []int) []float64 {
	out := make([]float64, len(data))
	fStrides := make([]int, len(shape))
	stride := 1
	for i := range shape {
		fStrides[i] = stride
		stride *= shape[i]
	}

	idx := make([]int, len(shape))
	for c := range out {
		f := 0
		for i, v := range idx {
			f += v * fStrides[i]
		}
		out[c] = data[f]

		for i := len(idx) - 1; i >= 0; i-- {
			idx[i]++
			if idx[i] < shape[i] {
				break
			}
			idx[i] = 0
		}
	}
	return out
}

// SaveNPY writes t as a 2D little-endian float64 array.
func SaveNPY(path string, t *tensor.Tensor) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return errors.Wrap(err, "failed to create directory")
		}
	}
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "failed to create %s", path)
	}
	defer f.Close()

	if err := npyio.Write(f, t.Matrix()); err != nil {
		return errors.Wrapf(err, "failed to write %s", path)
	}
	return f.Close()
}
