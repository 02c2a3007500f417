// Package cpu implements the ml contract with eager, pure-Go float32 kernels.
// Tensors are always contiguous; shape operations materialize their result.
package cpu

import (
	"fmt"
	"runtime"

	"github.com/jmorganca/ctrlnet/ml"
)

func init() {
	ml.RegisterBackend("cpu", func(params ml.BackendParams) (ml.Backend, error) {
		return New(params), nil
	})
}

type Backend struct {
	numThreads int
}

func New(params ml.BackendParams) *Backend {
	threads := params.NumThreads
	if threads <= 0 {
		threads = runtime.NumCPU()
	}

	return &Backend{numThreads: threads}
}

func (b *Backend) NewContext() ml.Context {
	return &Context{backend: b}
}

type Context struct {
	backend *Backend
}

func (c *Context) Empty(dtype ml.DType, shape ...int) ml.Tensor {
	return c.newTensor(dtype, shape)
}

func (c *Context) Zeros(dtype ml.DType, shape ...int) ml.Tensor {
	return c.newTensor(dtype, shape)
}

func (c *Context) FromFloats(s []float32, shape ...int) ml.Tensor {
	t := c.newTensor(ml.DTypeF32, shape)
	if len(s) != len(t.data) {
		panic(fmt.Sprintf("cpu: %d values for shape %v", len(s), shape))
	}

	copy(t.data, s)
	return t
}

func (c *Context) FromInts(s []int32, shape ...int) ml.Tensor {
	t := c.newTensor(ml.DTypeI32, shape)
	if len(s) != len(t.ints) {
		panic(fmt.Sprintf("cpu: %d values for shape %v", len(s), shape))
	}

	copy(t.ints, s)
	return t
}

func (c *Context) Close() error { return nil }

func (c *Context) newTensor(dtype ml.DType, shape []int) *Tensor {
	n := 1
	for _, d := range shape {
		if d <= 0 {
			panic(fmt.Sprintf("cpu: invalid shape %v", shape))
		}
		n *= d
	}

	t := &Tensor{ctx: c, dtype: dtype, shape: append([]int(nil), shape...)}
	switch dtype {
	case ml.DTypeF32:
		t.data = make([]float32, n)
	case ml.DTypeI32:
		t.ints = make([]int32, n)
	default:
		panic(fmt.Sprintf("cpu: unsupported dtype %v", dtype))
	}

	return t
}

type Tensor struct {
	ctx   *Context
	dtype ml.DType
	shape []int

	data []float32
	ints []int32
}

func (t *Tensor) Dim(n int) int { return t.shape[n] }

func (t *Tensor) Shape() []int { return append([]int(nil), t.shape...) }

func (t *Tensor) DType() ml.DType { return t.dtype }

func (t *Tensor) Floats() []float32 {
	if t.dtype != ml.DTypeF32 {
		panic("cpu: Floats on non-F32 tensor")
	}

	return append([]float32(nil), t.data...)
}

func (t *Tensor) Ints() []int32 {
	if t.dtype != ml.DTypeI32 {
		panic("cpu: Ints on non-I32 tensor")
	}

	return append([]int32(nil), t.ints...)
}

func (t *Tensor) numel() int {
	n := 1
	for _, d := range t.shape {
		n *= d
	}

	return n
}

// strides returns element strides for a contiguous layout of shape.
func strides(shape []int) []int {
	s := make([]int, len(shape))
	acc := 1
	for i := len(shape) - 1; i >= 0; i-- {
		s[i] = acc
		acc *= shape[i]
	}

	return s
}

func cast(t ml.Tensor) *Tensor {
	c, ok := t.(*Tensor)
	if !ok {
		panic(fmt.Sprintf("cpu: foreign tensor %T", t))
	}

	return c
}

func (t *Tensor) like(shape []int) *Tensor {
	return t.ctx.newTensor(t.dtype, shape)
}
