package nn

import (
	"math"
	"math/rand"

	"github.com/jmorganca/ctrlnet/ml"
)

// XavierUniform samples a [out, in] weight from U(-a, a) with
// a = sqrt(6 / (in + out)).
func XavierUniform(ctx ml.Context, rng *rand.Rand, out, in int) ml.Tensor {
	a := math.Sqrt(6 / float64(in+out))
	s := make([]float32, out*in)
	for i := range s {
		s[i] = float32((rng.Float64()*2 - 1) * a)
	}

	return ctx.FromFloats(s, out, in)
}

// Full creates a tensor filled with v.
func Full(ctx ml.Context, v float32, shape ...int) ml.Tensor {
	n := 1
	for _, d := range shape {
		n *= d
	}

	s := make([]float32, n)
	for i := range s {
		s[i] = v
	}

	return ctx.FromFloats(s, shape...)
}

// NewLinear creates a xavier-initialized linear layer with a zero bias.
func NewLinear(ctx ml.Context, rng *rand.Rand, in, out int, bias bool) *Linear {
	m := &Linear{Weight: XavierUniform(ctx, rng, out, in)}
	if bias {
		m.Bias = ctx.Zeros(ml.DTypeF32, out)
	}

	return m
}

// NewZeroLinear creates a linear layer whose output is exactly zero until its
// weights are trained away from zero.
func NewZeroLinear(ctx ml.Context, in, out int, bias bool) *Linear {
	m := &Linear{Weight: ctx.Zeros(ml.DTypeF32, out, in)}
	if bias {
		m.Bias = ctx.Zeros(ml.DTypeF32, out)
	}

	return m
}

// NewLayerNorm creates a layer norm with unit weight and zero bias.
func NewLayerNorm(ctx ml.Context, dim int) *LayerNorm {
	return &LayerNorm{
		Weight: Full(ctx, 1, dim),
		Bias:   ctx.Zeros(ml.DTypeF32, dim),
	}
}

// NewRMSNorm creates an RMS norm with unit weight.
func NewRMSNorm(ctx ml.Context, dim int) *RMSNorm {
	return &RMSNorm{Weight: Full(ctx, 1, dim)}
}
