package cpu

import (
	"fmt"
	"math"

	"golang.org/x/sync/errgroup"

	"github.com/jmorganca/ctrlnet/ml"
)

// broadcastStrides aligns the shape of t2 to out and returns element strides
// with zeros on broadcast dimensions. t2 may have fewer dimensions than out;
// missing leading dimensions broadcast.
func broadcastStrides(out, in []int) []int {
	offset := len(out) - len(in)
	if offset < 0 {
		panic(fmt.Sprintf("cpu: cannot broadcast %v against %v", in, out))
	}

	inStrides := strides(in)
	bs := make([]int, len(out))
	for i := range out {
		if i < offset {
			continue
		}

		switch in[i-offset] {
		case out[i]:
			bs[i] = inStrides[i-offset]
		case 1:
			bs[i] = 0
		default:
			panic(fmt.Sprintf("cpu: cannot broadcast %v against %v", in, out))
		}
	}

	return bs
}

func (t *Tensor) binary(t2 ml.Tensor, op func(a, b float32) float32) ml.Tensor {
	a, b := t, cast(t2)
	out := t.like(a.shape)
	bs := broadcastStrides(a.shape, b.shape)

	idx := make([]int, len(a.shape))
	bi := 0
	for i := range out.data {
		out.data[i] = op(a.data[i], b.data[bi])

		for d := len(a.shape) - 1; d >= 0; d-- {
			idx[d]++
			bi += bs[d]
			if idx[d] < a.shape[d] {
				break
			}
			idx[d] = 0
			bi -= bs[d] * a.shape[d]
		}
	}

	return out
}

func (t *Tensor) Add(_ ml.Context, t2 ml.Tensor) ml.Tensor {
	return t.binary(t2, func(a, b float32) float32 { return a + b })
}

func (t *Tensor) Sub(_ ml.Context, t2 ml.Tensor) ml.Tensor {
	return t.binary(t2, func(a, b float32) float32 { return a - b })
}

func (t *Tensor) Mul(_ ml.Context, t2 ml.Tensor) ml.Tensor {
	return t.binary(t2, func(a, b float32) float32 { return a * b })
}

func (t *Tensor) unary(op func(v float32) float32) ml.Tensor {
	out := t.like(t.shape)
	for i, v := range t.data {
		out.data[i] = op(v)
	}

	return out
}

func (t *Tensor) Scale(_ ml.Context, s float64) ml.Tensor {
	f := float32(s)
	return t.unary(func(v float32) float32 { return v * f })
}

func (t *Tensor) Cos(_ ml.Context) ml.Tensor {
	return t.unary(func(v float32) float32 { return float32(math.Cos(float64(v))) })
}

func (t *Tensor) Sin(_ ml.Context) ml.Tensor {
	return t.unary(func(v float32) float32 { return float32(math.Sin(float64(v))) })
}

func (t *Tensor) Tanh(_ ml.Context) ml.Tensor {
	return t.unary(func(v float32) float32 { return float32(math.Tanh(float64(v))) })
}

func (t *Tensor) SILU(_ ml.Context) ml.Tensor {
	return t.unary(func(v float32) float32 {
		return v / (1 + float32(math.Exp(-float64(v))))
	})
}

// Matmul contracts [..., M, K] x [..., K, N] -> [..., M, N]. The leading
// dimensions of t2 broadcast against the receiver's. Rows of the output are
// distributed across the backend's worker goroutines.
func (t *Tensor) Matmul(_ ml.Context, t2 ml.Tensor) ml.Tensor {
	a, b := t, cast(t2)
	if len(a.shape) < 2 || len(b.shape) < 2 {
		panic("cpu: matmul requires rank >= 2")
	}

	m, k := a.shape[len(a.shape)-2], a.shape[len(a.shape)-1]
	k2, n := b.shape[len(b.shape)-2], b.shape[len(b.shape)-1]
	if k != k2 {
		panic(fmt.Sprintf("cpu: matmul inner dims %d != %d", k, k2))
	}

	outShape := append(append([]int(nil), a.shape[:len(a.shape)-2]...), m, n)
	out := t.like(outShape)

	batch := 1
	for _, d := range a.shape[:len(a.shape)-2] {
		batch *= d
	}

	bBatch := 1
	for _, d := range b.shape[:len(b.shape)-2] {
		bBatch *= d
	}
	if bBatch != 1 && bBatch != batch {
		panic(fmt.Sprintf("cpu: matmul batch mismatch %v x %v", a.shape, b.shape))
	}

	var g errgroup.Group
	g.SetLimit(t.ctx.backend.numThreads)

	for bi := 0; bi < batch; bi++ {
		bi := bi
		g.Go(func() error {
			av := a.data[bi*m*k : (bi+1)*m*k]
			bOff := 0
			if bBatch == batch {
				bOff = bi * k * n
			}
			bv := b.data[bOff : bOff+k*n]
			ov := out.data[bi*m*n : (bi+1)*m*n]

			for i := 0; i < m; i++ {
				arow := av[i*k : (i+1)*k]
				orow := ov[i*n : (i+1)*n]
				for x := 0; x < k; x++ {
					s := arow[x]
					if s == 0 {
						continue
					}
					brow := bv[x*n : (x+1)*n]
					for j := range orow {
						orow[j] += s * brow[j]
					}
				}
			}

			return nil
		})
	}

	g.Wait()
	return out
}

func (t *Tensor) Softmax(_ ml.Context) ml.Tensor {
	out := t.like(t.shape)
	d := t.shape[len(t.shape)-1]

	for off := 0; off < len(t.data); off += d {
		row := t.data[off : off+d]
		orow := out.data[off : off+d]

		max := row[0]
		for _, v := range row[1:] {
			if v > max {
				max = v
			}
		}

		var sum float32
		for i, v := range row {
			orow[i] = float32(math.Exp(float64(v - max)))
			sum += orow[i]
		}
		for i := range orow {
			orow[i] /= sum
		}
	}

	return out
}

func (t *Tensor) LayerNorm(ctx ml.Context, weight, bias ml.Tensor, eps float32) ml.Tensor {
	out := t.like(t.shape)
	d := t.shape[len(t.shape)-1]

	for off := 0; off < len(t.data); off += d {
		row := t.data[off : off+d]
		orow := out.data[off : off+d]

		var mean float32
		for _, v := range row {
			mean += v
		}
		mean /= float32(d)

		var variance float32
		for _, v := range row {
			variance += (v - mean) * (v - mean)
		}
		variance /= float32(d)

		inv := 1 / float32(math.Sqrt(float64(variance+eps)))
		for i, v := range row {
			orow[i] = (v - mean) * inv
		}
	}

	var result ml.Tensor = out
	if weight != nil {
		result = result.Mul(ctx, weight)
	}
	if bias != nil {
		result = result.Add(ctx, bias)
	}

	return result
}

func (t *Tensor) RMSNorm(ctx ml.Context, weight ml.Tensor, eps float32) ml.Tensor {
	out := t.like(t.shape)
	d := t.shape[len(t.shape)-1]

	for off := 0; off < len(t.data); off += d {
		row := t.data[off : off+d]
		orow := out.data[off : off+d]

		var ss float32
		for _, v := range row {
			ss += v * v
		}

		inv := 1 / float32(math.Sqrt(float64(ss/float32(d)+eps)))
		for i, v := range row {
			orow[i] = v * inv
		}
	}

	var result ml.Tensor = out
	if weight != nil {
		result = result.Mul(ctx, weight)
	}

	return result
}
