package cpu

import (
	"fmt"
	"math"

	"github.com/jmorganca/ctrlnet/ml"
)

// Interpolate resizes the trailing len(size) dimensions. Nearest matches
// torchvision's NEAREST (floor of the scaled coordinate); trilinear matches
// torch's align_corners=false convention and degrades to bilinear or linear
// when fewer trailing dimensions are resized.
func (t *Tensor) Interpolate(_ ml.Context, mode ml.InterpolationMode, size ...int) ml.Tensor {
	k := len(size)
	if k == 0 || k > 3 || k > len(t.shape) {
		panic(fmt.Sprintf("cpu: interpolate %d trailing dims of %v", k, t.shape))
	}

	inDims := t.shape[len(t.shape)-k:]
	outShape := append(append([]int(nil), t.shape[:len(t.shape)-k]...), size...)
	out := t.like(outShape)

	outer := 1
	for _, d := range t.shape[:len(t.shape)-k] {
		outer *= d
	}

	inInner := 1
	for _, d := range inDims {
		inInner *= d
	}
	outInner := 1
	for _, d := range size {
		outInner *= d
	}

	inStrides := strides(inDims)
	outStrides := strides(size)

	for o := 0; o < outer; o++ {
		src := t.data[o*inInner : (o+1)*inInner]
		dst := out.data[o*outInner : (o+1)*outInner]

		for oi := 0; oi < outInner; oi++ {
			// decompose oi into per-dim output coordinates
			rem := oi
			switch mode {
			case ml.InterpolateNearest:
				si := 0
				for d := 0; d < k; d++ {
					coord := rem / outStrides[d]
					rem %= outStrides[d]
					scale := float64(inDims[d]) / float64(size[d])
					in := int(math.Floor(float64(coord) * scale))
					if in > inDims[d]-1 {
						in = inDims[d] - 1
					}
					si += in * inStrides[d]
				}
				dst[oi] = src[si]

			case ml.InterpolateTrilinear:
				lo := make([]int, k)
				hi := make([]int, k)
				frac := make([]float64, k)
				for d := 0; d < k; d++ {
					coord := rem / outStrides[d]
					rem %= outStrides[d]
					scale := float64(inDims[d]) / float64(size[d])
					pos := (float64(coord)+0.5)*scale - 0.5
					if pos < 0 {
						pos = 0
					}
					if pos > float64(inDims[d]-1) {
						pos = float64(inDims[d] - 1)
					}
					lo[d] = int(math.Floor(pos))
					hi[d] = lo[d] + 1
					if hi[d] > inDims[d]-1 {
						hi[d] = inDims[d] - 1
					}
					frac[d] = pos - float64(lo[d])
				}

				var acc float64
				for corner := 0; corner < 1<<k; corner++ {
					w := 1.0
					si := 0
					for d := 0; d < k; d++ {
						if corner&(1<<d) != 0 {
							w *= frac[d]
							si += hi[d] * inStrides[d]
						} else {
							w *= 1 - frac[d]
							si += lo[d] * inStrides[d]
						}
					}
					if w != 0 {
						acc += w * float64(src[si])
					}
				}
				dst[oi] = float32(acc)

			default:
				panic(fmt.Sprintf("cpu: unsupported interpolation mode %d", mode))
			}
		}
	}

	return out
}
