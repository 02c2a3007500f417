package cpu

import (
	"fmt"

	"github.com/jmorganca/ctrlnet/ml"
)

func (t *Tensor) Reshape(_ ml.Context, shape ...int) ml.Tensor {
	n := 1
	for _, d := range shape {
		n *= d
	}
	if n != t.numel() {
		panic(fmt.Sprintf("cpu: cannot reshape %v to %v", t.shape, shape))
	}

	out := &Tensor{ctx: t.ctx, dtype: t.dtype, shape: append([]int(nil), shape...)}
	out.data = t.data
	out.ints = t.ints
	return out
}

// Transpose materializes the permuted tensor. With no axes it swaps the last
// two dimensions.
func (t *Tensor) Transpose(_ ml.Context, axes ...int) ml.Tensor {
	rank := len(t.shape)
	if len(axes) == 0 {
		axes = make([]int, rank)
		for i := range axes {
			axes[i] = i
		}
		axes[rank-2], axes[rank-1] = axes[rank-1], axes[rank-2]
	}
	if len(axes) != rank {
		panic(fmt.Sprintf("cpu: transpose axes %v for rank %d", axes, rank))
	}

	outShape := make([]int, rank)
	for i, ax := range axes {
		outShape[i] = t.shape[ax]
	}

	out := t.like(outShape)
	inStrides := strides(t.shape)
	permStrides := make([]int, rank)
	for i, ax := range axes {
		permStrides[i] = inStrides[ax]
	}

	idx := make([]int, rank)
	src := 0
	for i := range out.data {
		out.data[i] = t.data[src]

		for d := rank - 1; d >= 0; d-- {
			idx[d]++
			src += permStrides[d]
			if idx[d] < outShape[d] {
				break
			}
			idx[d] = 0
			src -= permStrides[d] * outShape[d]
		}
	}

	return out
}

// Contiguous is a no-op: cpu tensors are always materialized contiguously.
func (t *Tensor) Contiguous(_ ml.Context) ml.Tensor { return t }

func (t *Tensor) Concat(_ ml.Context, t2 ml.Tensor, dim int) ml.Tensor {
	a, b := t, cast(t2)
	if len(a.shape) != len(b.shape) {
		panic(fmt.Sprintf("cpu: concat rank mismatch %v and %v", a.shape, b.shape))
	}
	for i := range a.shape {
		if i != dim && a.shape[i] != b.shape[i] {
			panic(fmt.Sprintf("cpu: concat shape mismatch %v and %v on dim %d", a.shape, b.shape, dim))
		}
	}

	outShape := a.Shape()
	outShape[dim] += b.shape[dim]
	out := a.like(outShape)

	inner := 1
	for _, d := range a.shape[dim+1:] {
		inner *= d
	}
	outer := 1
	for _, d := range a.shape[:dim] {
		outer *= d
	}

	aChunk := a.shape[dim] * inner
	bChunk := b.shape[dim] * inner
	for i := 0; i < outer; i++ {
		dst := out.data[i*(aChunk+bChunk):]
		copy(dst[:aChunk], a.data[i*aChunk:(i+1)*aChunk])
		copy(dst[aChunk:aChunk+bChunk], b.data[i*bChunk:(i+1)*bChunk])
	}

	return out
}

func (t *Tensor) Chunk(ctx ml.Context, dim, n int) []ml.Tensor {
	if t.shape[dim]%n != 0 {
		panic(fmt.Sprintf("cpu: cannot chunk dim %d of %v into %d parts", dim, t.shape, n))
	}

	size := t.shape[dim] / n
	parts := make([]ml.Tensor, n)
	for i := range parts {
		parts[i] = t.Narrow(ctx, dim, i*size, size)
	}

	return parts
}

func (t *Tensor) Narrow(_ ml.Context, dim, offset, length int) ml.Tensor {
	if offset < 0 || offset+length > t.shape[dim] {
		panic(fmt.Sprintf("cpu: narrow [%d, %d) outside dim %d of %v", offset, offset+length, dim, t.shape))
	}

	outShape := t.Shape()
	outShape[dim] = length
	out := t.like(outShape)

	inner := 1
	for _, d := range t.shape[dim+1:] {
		inner *= d
	}
	outer := 1
	for _, d := range t.shape[:dim] {
		outer *= d
	}

	srcChunk := t.shape[dim] * inner
	dstChunk := length * inner
	for i := 0; i < outer; i++ {
		src := t.data[i*srcChunk+offset*inner:]
		copy(out.data[i*dstChunk:(i+1)*dstChunk], src[:dstChunk])
	}

	return out
}

func (t *Tensor) Repeat(_ ml.Context, dim, n int) ml.Tensor {
	outShape := t.Shape()
	outShape[dim] *= n
	out := t.like(outShape)

	inner := 1
	for _, d := range t.shape[dim:] {
		inner *= d
	}
	outer := 1
	for _, d := range t.shape[:dim] {
		outer *= d
	}

	for i := 0; i < outer; i++ {
		src := t.data[i*inner : (i+1)*inner]
		for r := 0; r < n; r++ {
			copy(out.data[(i*n+r)*inner:(i*n+r+1)*inner], src)
		}
	}

	return out
}
