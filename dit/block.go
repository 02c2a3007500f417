package dit

import (
	"math/rand"

	"github.com/jmorganca/ctrlnet/ml"
	"github.com/jmorganca/ctrlnet/ml/nn"
)

// Block is one backbone layer: an adaptively modulated MLP mixer operating on
// tokens in its declared layout. Cross-attention conditioning reaches blocks
// through the affine embedding computed by the trunk; the rope and
// cross-attention arguments are part of the block-execution contract and
// reserved for richer block implementations.
type Block struct {
	Name    string
	XFormat Layout

	Norm  *nn.LayerNorm `safetensors:"norm"`
	AdaLN *nn.Linear    `safetensors:"adaln"`
	MLP1  *nn.Linear    `safetensors:"mlp1"`
	MLP2  *nn.Linear    `safetensors:"mlp2"`

	Eps float32
}

func NewBlock(ctx ml.Context, rng *rand.Rand, name string, layout Layout, dim int, eps float32) *Block {
	return &Block{
		Name:    name,
		XFormat: layout,
		Norm:    nn.NewLayerNorm(ctx, dim),
		AdaLN:   nn.NewLinear(ctx, rng, dim, 3*dim, true),
		MLP1:    nn.NewLinear(ctx, rng, dim, 4*dim, true),
		MLP2:    nn.NewLinear(ctx, rng, 4*dim, dim, true),
		Eps:     eps,
	}
}

// Forward applies the block. x is [T, H, W, B, D], [THW, 1, 1, B, D] or
// [B, T, H, W, D] according to XFormat; afflineEmb is [B, D].
func (b *Block) Forward(ctx ml.Context, x, afflineEmb, crossattnEmb, crossattnMask, ropeEmb, extraPosEmb ml.Tensor) ml.Tensor {
	if extraPosEmb != nil {
		x = x.Add(ctx, extraPosEmb)
	}

	mod := b.AdaLN.Forward(ctx, afflineEmb.SILU(ctx))
	parts := mod.Chunk(ctx, 1, 3)
	shift, scale, gate := parts[0], parts[1], parts[2]

	if b.XFormat == LayoutBTHWD {
		// reshape [B, D] so it broadcasts over the T, H, W axes
		bs, d := shift.Dim(0), shift.Dim(1)
		shift = shift.Reshape(ctx, bs, 1, 1, 1, d)
		scale = scale.Reshape(ctx, bs, 1, 1, 1, d)
		gate = gate.Reshape(ctx, bs, 1, 1, 1, d)
	}

	one := nn.Full(ctx, 1, 1)

	h := b.Norm.Forward(ctx, x, b.Eps)
	h = h.Mul(ctx, scale.Add(ctx, one)).Add(ctx, shift)
	h = b.MLP2.Forward(ctx, b.MLP1.Forward(ctx, h).SILU(ctx))

	return x.Add(ctx, h.Mul(ctx, gate))
}
