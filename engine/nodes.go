package engine

import (
	"math"
	"math/rand"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"github.com/tsawler/stance-cnn/layers"
	"github.com/tsawler/stance-cnn/memory"
)

// node is one executable layer. Activations are always [batch, features]
// with any length/channel structure flattened channels-last.
type node interface {
	forward(x *mat.Dense, training bool) *mat.Dense
	backward(grad *mat.Dense) *mat.Dense
	parameters() []*Parameter
}

func buildNodes(specs []layers.LayerSpec, rng *rand.Rand, pool *memory.BufferPool) ([]node, error) {
	nodes := make([]node, 0, len(specs))
	for _, spec := range specs {
		n, err := buildNode(spec, rng, pool)
		if err != nil {
			return nil, errors.Wrapf(err, "layer %s", spec.Name)
		}
		nodes = append(nodes, n)
	}
	return nodes, nil
}

func buildNode(spec layers.LayerSpec, rng *rand.Rand, pool *memory.BufferPool) (node, error) {
	switch spec.Type {
	case layers.Dense:
		return newDenseNode(spec, rng)
	case layers.Conv1D:
		return newConv1DNode(spec, rng, pool)
	case layers.MaxPool1D:
		if len(spec.InputShape) != 3 {
			return nil, errors.Errorf("max pool expects 3D input, got %v", spec.InputShape)
		}
		pool := layers.GetIntParam(spec.Parameters, "pool_size", 1)
		return &maxPool1DNode{
			length:   spec.InputShape[1],
			channels: spec.InputShape[2],
			size:     pool,
			stride:   layers.GetIntParam(spec.Parameters, "stride", pool),
			outLen:   spec.OutputShape[1],
		}, nil
	case layers.ReLU:
		return &reluNode{}, nil
	case layers.Softmax:
		return &softmaxNode{}, nil
	case layers.Flatten:
		return flattenNode{}, nil
	case layers.Dropout:
		return &dropoutNode{rate: layers.GetFloatParam(spec.Parameters, "rate", 0.5), rng: rng}, nil
	case layers.Concatenate:
		c := &concatNode{}
		for b, branch := range spec.Branches {
			nodes, err := buildNodes(branch, rng, pool)
			if err != nil {
				return nil, errors.Wrapf(err, "branch %d", b)
			}
			c.branches = append(c.branches, nodes)
			c.widths = append(c.widths, featureSize(branch[len(branch)-1].OutputShape))
		}
		return c, nil
	default:
		return nil, errors.Errorf("unsupported layer type %s", spec.Type)
	}
}

// glorotUniform fills values from U(-limit, limit), limit = sqrt(6/(fanIn+fanOut)).
func glorotUniform(values []float64, fanIn, fanOut int, rng *rand.Rand) {
	limit := math.Sqrt(6.0 / float64(fanIn+fanOut))
	for i := range values {
		values[i] = (rng.Float64()*2 - 1) * limit
	}
}

type denseNode struct {
	in, out int
	weight  *Parameter
	bias    *Parameter
	input   *mat.Dense
}

func newDenseNode(spec layers.LayerSpec, rng *rand.Rand) (*denseNode, error) {
	if len(spec.ParameterShapes) == 0 || len(spec.ParameterShapes[0]) != 2 {
		return nil, errors.Errorf("dense layer has parameter shapes %v", spec.ParameterShapes)
	}
	in, out := spec.ParameterShapes[0][0], spec.ParameterShapes[0][1]
	d := &denseNode{in: in, out: out}
	d.weight = newParameter(spec.Name, "weight", spec.ParameterShapes[0])
	glorotUniform(d.weight.Value, in, out, rng)
	if len(spec.ParameterShapes) > 1 {
		d.bias = newParameter(spec.Name, "bias", spec.ParameterShapes[1])
	}
	return d, nil
}

func (d *denseNode) forward(x *mat.Dense, training bool) *mat.Dense {
	d.input = x
	rows, _ := x.Dims()
	w := mat.NewDense(d.in, d.out, d.weight.Value)

	y := mat.NewDense(rows, d.out, nil)
	y.Mul(x, w)
	if d.bias != nil {
		for i := 0; i < rows; i++ {
			row := y.RawRowView(i)
			for j, b := range d.bias.Value {
				row[j] += b
			}
		}
	}
	return y
}

func (d *denseNode) backward(grad *mat.Dense) *mat.Dense {
	rows, _ := grad.Dims()

	gw := mat.NewDense(d.in, d.out, d.weight.Grad)
	var dw mat.Dense
	dw.Mul(d.input.T(), grad)
	gw.Add(gw, &dw)

	if d.bias != nil {
		for i := 0; i < rows; i++ {
			for j, g := range grad.RawRowView(i) {
				d.bias.Grad[j] += g
			}
		}
	}

	dx := mat.NewDense(rows, d.in, nil)
	dx.Mul(grad, mat.NewDense(d.in, d.out, d.weight.Value).T())
	return dx
}

func (d *denseNode) parameters() []*Parameter {
	if d.bias == nil {
		return []*Parameter{d.weight}
	}
	return []*Parameter{d.weight, d.bias}
}

// conv1DNode implements a 1-D convolution over channels-last input using
// im2col: each output position becomes one row of kernel*channels values.
type conv1DNode struct {
	length, channels int
	filters, kernel  int
	stride, padding  int
	outLen           int
	weight           *Parameter
	bias             *Parameter
	pool             *memory.BufferPool
	patches          []float64
	batch            int
}

func newConv1DNode(spec layers.LayerSpec, rng *rand.Rand, pool *memory.BufferPool) (*conv1DNode, error) {
	if len(spec.InputShape) != 3 || len(spec.OutputShape) != 3 {
		return nil, errors.Errorf("conv1d expects 3D shapes, got %v -> %v", spec.InputShape, spec.OutputShape)
	}
	c := &conv1DNode{
		length:   spec.InputShape[1],
		channels: spec.InputShape[2],
		filters:  layers.GetIntParam(spec.Parameters, "filters", 0),
		kernel:   layers.GetIntParam(spec.Parameters, "kernel_size", 0),
		stride:   layers.GetIntParam(spec.Parameters, "stride", 1),
		padding:  layers.GetIntParam(spec.Parameters, "padding", 0),
		outLen:   spec.OutputShape[1],
		pool:     pool,
	}
	c.weight = newParameter(spec.Name, "weight", spec.ParameterShapes[0])
	glorotUniform(c.weight.Value, c.kernel*c.channels, c.kernel*c.filters, rng)
	if len(spec.ParameterShapes) > 1 {
		c.bias = newParameter(spec.Name, "bias", spec.ParameterShapes[1])
	}
	return c, nil
}

func (c *conv1DNode) forward(x *mat.Dense, training bool) *mat.Dense {
	batch, _ := x.Dims()
	width := c.kernel * c.channels

	if c.patches != nil {
		c.pool.Put(c.patches)
	}
	c.patches = c.pool.Get(batch * c.outLen * width)
	c.batch = batch

	for b := 0; b < batch; b++ {
		src := x.RawRowView(b)
		for o := 0; o < c.outLen; o++ {
			dst := c.patches[(b*c.outLen+o)*width : (b*c.outLen+o+1)*width]
			start := o*c.stride - c.padding
			for k := 0; k < c.kernel; k++ {
				pos := start + k
				if pos < 0 || pos >= c.length {
					continue
				}
				copy(dst[k*c.channels:(k+1)*c.channels], src[pos*c.channels:(pos+1)*c.channels])
			}
		}
	}

	cols := mat.NewDense(batch*c.outLen, width, c.patches)
	w := mat.NewDense(width, c.filters, c.weight.Value)

	out := make([]float64, batch*c.outLen*c.filters)
	y := mat.NewDense(batch*c.outLen, c.filters, out)
	y.Mul(cols, w)
	if c.bias != nil {
		for i := 0; i < batch*c.outLen; i++ {
			row := out[i*c.filters : (i+1)*c.filters]
			for f, b := range c.bias.Value {
				row[f] += b
			}
		}
	}
	return mat.NewDense(batch, c.outLen*c.filters, out)
}

func (c *conv1DNode) backward(grad *mat.Dense) *mat.Dense {
	width := c.kernel * c.channels
	rows := c.batch * c.outLen

	g := mat.NewDense(rows, c.filters, denseData(grad))
	cols := mat.NewDense(rows, width, c.patches)

	gw := mat.NewDense(width, c.filters, c.weight.Grad)
	var dw mat.Dense
	dw.Mul(cols.T(), g)
	gw.Add(gw, &dw)

	if c.bias != nil {
		for i := 0; i < rows; i++ {
			for f, v := range g.RawRowView(i) {
				c.bias.Grad[f] += v
			}
		}
	}

	dcols := c.pool.Get(rows * width)
	defer c.pool.Put(dcols)
	dc := mat.NewDense(rows, width, dcols)
	dc.Mul(g, mat.NewDense(width, c.filters, c.weight.Value).T())

	dx := mat.NewDense(c.batch, c.length*c.channels, nil)
	for b := 0; b < c.batch; b++ {
		dst := dx.RawRowView(b)
		for o := 0; o < c.outLen; o++ {
			src := dcols[(b*c.outLen+o)*width : (b*c.outLen+o+1)*width]
			start := o*c.stride - c.padding
			for k := 0; k < c.kernel; k++ {
				pos := start + k
				if pos < 0 || pos >= c.length {
					continue
				}
				for ch := 0; ch < c.channels; ch++ {
					dst[pos*c.channels+ch] += src[k*c.channels+ch]
				}
			}
		}
	}
	return dx
}

func (c *conv1DNode) parameters() []*Parameter {
	if c.bias == nil {
		return []*Parameter{c.weight}
	}
	return []*Parameter{c.weight, c.bias}
}

type maxPool1DNode struct {
	length, channels int
	size, stride     int
	outLen           int
	argmax           []int
	batch            int
}

func (p *maxPool1DNode) forward(x *mat.Dense, training bool) *mat.Dense {
	batch, _ := x.Dims()
	p.batch = batch
	p.argmax = make([]int, batch*p.outLen*p.channels)

	y := mat.NewDense(batch, p.outLen*p.channels, nil)
	for b := 0; b < batch; b++ {
		src := x.RawRowView(b)
		dst := y.RawRowView(b)
		for o := 0; o < p.outLen; o++ {
			for ch := 0; ch < p.channels; ch++ {
				best := o*p.stride*p.channels + ch
				for k := 1; k < p.size; k++ {
					idx := (o*p.stride+k)*p.channels + ch
					if src[idx] > src[best] {
						best = idx
					}
				}
				dst[o*p.channels+ch] = src[best]
				p.argmax[(b*p.outLen+o)*p.channels+ch] = best
			}
		}
	}
	return y
}

func (p *maxPool1DNode) backward(grad *mat.Dense) *mat.Dense {
	dx := mat.NewDense(p.batch, p.length*p.channels, nil)
	for b := 0; b < p.batch; b++ {
		src := grad.RawRowView(b)
		dst := dx.RawRowView(b)
		for i, g := range src {
			dst[p.argmax[b*p.outLen*p.channels+i]] += g
		}
	}
	return dx
}

func (p *maxPool1DNode) parameters() []*Parameter { return nil }

type reluNode struct {
	output *mat.Dense
}

func (r *reluNode) forward(x *mat.Dense, training bool) *mat.Dense {
	var y mat.Dense
	y.Apply(func(_, _ int, v float64) float64 {
		if v > 0 {
			return v
		}
		return 0
	}, x)
	r.output = &y
	return &y
}

func (r *reluNode) backward(grad *mat.Dense) *mat.Dense {
	var dx mat.Dense
	dx.Apply(func(i, j int, g float64) float64 {
		if r.output.At(i, j) > 0 {
			return g
		}
		return 0
	}, grad)
	return &dx
}

func (r *reluNode) parameters() []*Parameter { return nil }

// softmaxNode normalises each row; the max is subtracted first for stability.
type softmaxNode struct {
	output *mat.Dense
}

func (s *softmaxNode) forward(x *mat.Dense, training bool) *mat.Dense {
	rows, cols := x.Dims()
	y := mat.NewDense(rows, cols, nil)
	for i := 0; i < rows; i++ {
		src := x.RawRowView(i)
		dst := y.RawRowView(i)
		maxVal := math.Inf(-1)
		for _, v := range src {
			if v > maxVal {
				maxVal = v
			}
		}
		sum := 0.0
		for j, v := range src {
			dst[j] = math.Exp(v - maxVal)
			sum += dst[j]
		}
		for j := range dst {
			dst[j] /= sum
		}
	}
	s.output = y
	return y
}

func (s *softmaxNode) backward(grad *mat.Dense) *mat.Dense {
	rows, cols := grad.Dims()
	dx := mat.NewDense(rows, cols, nil)
	for i := 0; i < rows; i++ {
		y := s.output.RawRowView(i)
		g := grad.RawRowView(i)
		dot := 0.0
		for j := range g {
			dot += g[j] * y[j]
		}
		dst := dx.RawRowView(i)
		for j := range g {
			dst[j] = y[j] * (g[j] - dot)
		}
	}
	return dx
}

func (s *softmaxNode) parameters() []*Parameter { return nil }

// flattenNode is a no-op: activations are already stored flat.
type flattenNode struct{}

func (flattenNode) forward(x *mat.Dense, training bool) *mat.Dense { return x }
func (flattenNode) backward(grad *mat.Dense) *mat.Dense           { return grad }
func (flattenNode) parameters() []*Parameter                      { return nil }

// dropoutNode uses inverted dropout, so inference is the identity.
type dropoutNode struct {
	rate float64
	rng  *rand.Rand
	mask []float64
}

func (d *dropoutNode) forward(x *mat.Dense, training bool) *mat.Dense {
	if !training || d.rate == 0 {
		d.mask = nil
		return x
	}
	rows, cols := x.Dims()
	scale := 1 / (1 - d.rate)
	d.mask = make([]float64, rows*cols)
	for i := range d.mask {
		if d.rng.Float64() >= d.rate {
			d.mask[i] = scale
		}
	}

	y := mat.NewDense(rows, cols, nil)
	y.MulElem(x, mat.NewDense(rows, cols, d.mask))
	return y
}

func (d *dropoutNode) backward(grad *mat.Dense) *mat.Dense {
	if d.mask == nil {
		return grad
	}
	rows, cols := grad.Dims()
	dx := mat.NewDense(rows, cols, nil)
	dx.MulElem(grad, mat.NewDense(rows, cols, d.mask))
	return dx
}

func (d *dropoutNode) parameters() []*Parameter { return nil }

// concatNode feeds the same input to every branch and joins the flattened
// branch outputs along the feature axis.
type concatNode struct {
	branches [][]node
	widths   []int
}

func (c *concatNode) forward(x *mat.Dense, training bool) *mat.Dense {
	rows, _ := x.Dims()
	total := 0
	for _, w := range c.widths {
		total += w
	}

	y := mat.NewDense(rows, total, nil)
	offset := 0
	for b, branch := range c.branches {
		out := x
		for _, n := range branch {
			out = n.forward(out, training)
		}
		y.Slice(0, rows, offset, offset+c.widths[b]).(*mat.Dense).Copy(out)
		offset += c.widths[b]
	}
	return y
}

func (c *concatNode) backward(grad *mat.Dense) *mat.Dense {
	rows, _ := grad.Dims()
	var dx *mat.Dense
	offset := 0
	for b, branch := range c.branches {
		g := mat.DenseCopyOf(grad.Slice(0, rows, offset, offset+c.widths[b]))
		for i := len(branch) - 1; i >= 0; i-- {
			g = branch[i].backward(g)
		}
		if dx == nil {
			dx = g
		} else {
			dx.Add(dx, g)
		}
		offset += c.widths[b]
	}
	return dx
}

func (c *concatNode) parameters() []*Parameter {
	var params []*Parameter
	for _, branch := range c.branches {
		for _, n := range branch {
			params = append(params, n.parameters()...)
		}
	}
	return params
}

// denseData returns the backing slice of a matrix, copying only when the
// matrix is a strided view.
func denseData(m *mat.Dense) []float64 {
	raw := m.RawMatrix()
	if raw.Stride == raw.Cols {
		return raw.Data[:raw.Rows*raw.Cols]
	}
	return mat.DenseCopyOf(m).RawMatrix().Data
}

func featureSize(shape []int) int {
	size := 1
	for _, d := range shape[1:] {
		size *= d
	}
	return size
}
