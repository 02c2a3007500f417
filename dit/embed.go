package dit

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/jmorganca/ctrlnet/ml"
	"github.com/jmorganca/ctrlnet/ml/nn"
)

// PatchEmbed folds spatio-temporal patches into tokens: [B, C, T, H, W] ->
// [B, T/pt, H/p, W/p, D]. Packing order within a patch is [C, pt, p, p] and
// must match unpatchify.
type PatchEmbed struct {
	Proj *nn.Linear `safetensors:"proj"`

	Spatial  int
	Temporal int
}

func NewPatchEmbed(ctx ml.Context, rng *rand.Rand, inChannels, outChannels, spatial, temporal int) *PatchEmbed {
	return &PatchEmbed{
		Proj:     nn.NewLinear(ctx, rng, inChannels*temporal*spatial*spatial, outChannels, false),
		Spatial:  spatial,
		Temporal: temporal,
	}
}

func (m *PatchEmbed) Forward(ctx ml.Context, x ml.Tensor) (ml.Tensor, error) {
	b, c, t, h, w := x.Dim(0), x.Dim(1), x.Dim(2), x.Dim(3), x.Dim(4)
	p, pt := m.Spatial, m.Temporal
	if t%pt != 0 || h%p != 0 || w%p != 0 {
		return nil, fmt.Errorf("dit: input [%d, %d, %d] not divisible by patch [%d, %d, %d]", t, h, w, pt, p, p)
	}

	x = x.Reshape(ctx, b, c, t/pt, pt, h/p, p, w/p, p)
	x = x.Transpose(ctx, 0, 2, 4, 6, 1, 3, 5, 7)
	x = x.Reshape(ctx, b, t/pt, h/p, w/p, c*pt*p*p)

	return m.Proj.Forward(ctx, x), nil
}

// PosEmbed3D produces a factorized sinusoidal embedding over the token grid.
// The channel range is split into three roughly equal segments for T, H and W.
type PosEmbed3D struct {
	Dim int
}

func (m *PosEmbed3D) Forward(ctx ml.Context, t, h, w int) ml.Tensor {
	dim := m.Dim
	dt := dim / 3
	dh := dim / 3
	dw := dim - dt - dh

	s := make([]float32, t*h*w*dim)
	for ti := 0; ti < t; ti++ {
		for hi := 0; hi < h; hi++ {
			for wi := 0; wi < w; wi++ {
				off := ((ti*h+hi)*w + wi) * dim
				sinusoid(s[off:off+dt], ti)
				sinusoid(s[off+dt:off+dt+dh], hi)
				sinusoid(s[off+dt+dh:off+dt+dh+dw], wi)
			}
		}
	}

	return ctx.FromFloats(s, t, h, w, dim)
}

func sinusoid(dst []float32, pos int) {
	d := len(dst)
	for i := 0; i < d; i += 2 {
		freq := math.Pow(10000, -float64(i)/float64(d))
		v := float64(pos) * freq
		dst[i] = float32(math.Sin(v))
		if i+1 < d {
			dst[i+1] = float32(math.Cos(v))
		}
	}
}

// TimestepEmbedder projects sinusoidal timestep features through a two-layer
// MLP.
type TimestepEmbedder struct {
	Linear1 *nn.Linear `safetensors:"linear_1"`
	Linear2 *nn.Linear `safetensors:"linear_2"`

	FreqDim int
}

func NewTimestepEmbedder(ctx ml.Context, rng *rand.Rand, freqDim, outChannels int) *TimestepEmbedder {
	return &TimestepEmbedder{
		Linear1: nn.NewLinear(ctx, rng, freqDim, outChannels, true),
		Linear2: nn.NewLinear(ctx, rng, outChannels, outChannels, true),
		FreqDim: freqDim,
	}
}

func (m *TimestepEmbedder) Forward(ctx ml.Context, timesteps ml.Tensor) ml.Tensor {
	b := timesteps.Dim(0)
	half := m.FreqDim / 2

	freqs := make([]float32, half)
	for i := range freqs {
		freqs[i] = float32(math.Exp(-math.Log(10000) * float64(i) / float64(half)))
	}
	freqsT := ctx.FromFloats(freqs, half)

	args := timesteps.Reshape(ctx, b, 1).Repeat(ctx, 1, half).Mul(ctx, freqsT)
	emb := args.Cos(ctx).Concat(ctx, args.Sin(ctx), 1)

	h := m.Linear1.Forward(ctx, emb)
	h = h.SILU(ctx)
	return m.Linear2.Forward(ctx, h)
}
