// Package ml defines the tensor contract the control-conditioning pipeline is
// written against. Shapes are row-major with the leading dimension first, so a
// video batch is [B, C, T, H, W]. Backends are registered by name; the cpu
// backend is the only in-tree implementation.
package ml

import (
	"fmt"
	"strings"
)

type Backend interface {
	NewContext() Context
}

var backends = make(map[string]func(BackendParams) (Backend, error))

func RegisterBackend(name string, f func(BackendParams) (Backend, error)) {
	if _, ok := backends[name]; ok {
		panic("backend: backend already registered")
	}

	backends[name] = f
}

// BackendParams controls how a backend executes.
type BackendParams struct {
	// NumThreads sets the number of worker goroutines used for matrix
	// multiplication. Zero means runtime.NumCPU.
	NumThreads int
}

func NewBackend(name string, params BackendParams) (Backend, error) {
	if backend, ok := backends[name]; ok {
		return backend(params)
	}

	return nil, fmt.Errorf("unsupported backend %q", name)
}

// Context creates tensors. All tensors created from the same context share the
// backend's execution parameters.
type Context interface {
	Empty(dtype DType, shape ...int) Tensor
	Zeros(dtype DType, shape ...int) Tensor
	FromFloats(s []float32, shape ...int) Tensor
	FromInts(s []int32, shape ...int) Tensor

	Close() error
}

// InterpolationMode selects the resampling kernel used by Interpolate.
type InterpolationMode int

const (
	InterpolateNearest InterpolationMode = iota
	// InterpolateTrilinear matches align_corners=false semantics.
	InterpolateTrilinear
)

// Tensor is an immutable n-dimensional array. Operations return new tensors
// and never mutate their receiver. Shape mismatches outside the documented
// broadcast rules are programming errors and panic.
type Tensor interface {
	Dim(n int) int
	Shape() []int
	DType() DType

	Floats() []float32
	Ints() []int32

	// Add, Sub and Mul broadcast t2 against the receiver: each dimension of
	// t2 must equal the receiver's or be 1.
	Add(ctx Context, t2 Tensor) Tensor
	Sub(ctx Context, t2 Tensor) Tensor
	Mul(ctx Context, t2 Tensor) Tensor

	// Matmul contracts the last dimension of the receiver with the second to
	// last of t2. Leading dimensions broadcast.
	Matmul(ctx Context, t2 Tensor) Tensor

	Scale(ctx Context, s float64) Tensor

	Cos(ctx Context) Tensor
	Sin(ctx Context) Tensor
	Tanh(ctx Context) Tensor
	SILU(ctx Context) Tensor

	// Softmax normalizes over the last dimension.
	Softmax(ctx Context) Tensor

	// LayerNorm and RMSNorm normalize over the last dimension. weight and
	// bias may be nil.
	LayerNorm(ctx Context, weight, bias Tensor, eps float32) Tensor
	RMSNorm(ctx Context, weight Tensor, eps float32) Tensor

	Reshape(ctx Context, shape ...int) Tensor

	// Transpose permutes dimensions. With no arguments it swaps the last two.
	Transpose(ctx Context, axes ...int) Tensor

	Contiguous(ctx Context) Tensor

	Concat(ctx Context, t2 Tensor, dim int) Tensor

	// Chunk splits the tensor into n equal parts along dim.
	Chunk(ctx Context, dim, n int) []Tensor

	// Narrow returns the [offset, offset+length) slice of dim.
	Narrow(ctx Context, dim, offset, length int) Tensor

	// Repeat tiles the tensor n times along dim.
	Repeat(ctx Context, dim, n int) Tensor

	// Interpolate resizes the trailing len(size) dimensions to size.
	Interpolate(ctx Context, mode InterpolationMode, size ...int) Tensor
}

type DType int

const (
	DTypeF32 DType = iota
	DTypeI32
)

func (d DType) String() string {
	switch d {
	case DTypeF32:
		return "F32"
	case DTypeI32:
		return "I32"
	default:
		return "unknown"
	}
}

// Dump renders a tensor for debugging. Dimensions longer than 2*items are
// elided.
func Dump(t Tensor, items int) string {
	if items <= 0 {
		items = 3
	}

	switch t.DType() {
	case DTypeF32:
		return dump(t.Shape(), t.Floats(), items, func(f float32) string { return fmt.Sprintf("%.4f", f) })
	case DTypeI32:
		return dump(t.Shape(), t.Ints(), items, func(i int32) string { return fmt.Sprintf("%d", i) })
	default:
		return "<unsupported>"
	}
}

func dump[S ~[]E, E any](shape []int, s S, items int, fn func(E) string) string {
	var sb strings.Builder
	var f func(dims []int, stride int)
	f = func(dims []int, stride int) {
		prefix := strings.Repeat(" ", len(shape)-len(dims)+1)
		sb.WriteString("[")
		defer func() { sb.WriteString("]") }()

		inner := 1
		for _, d := range dims[1:] {
			inner *= d
		}

		for i := 0; i < dims[0]; i++ {
			if i >= items && i < dims[0]-items {
				sb.WriteString("..., ")
				skip := dims[0] - 2*items
				if len(dims) > 1 {
					stride += inner * skip
					fmt.Fprint(&sb, strings.Repeat("\n", len(dims)-1), prefix)
				}
				i += skip - 1
			} else if len(dims) > 1 {
				f(dims[1:], stride)
				stride += inner
				if i < dims[0]-1 {
					fmt.Fprint(&sb, ",", strings.Repeat("\n", len(dims)-1), prefix)
				}
			} else {
				sb.WriteString(fn(s[stride+i]))
				if i < dims[0]-1 {
					sb.WriteString(", ")
				}
			}
		}
	}
	f(shape, 0)

	return sb.String()
}
