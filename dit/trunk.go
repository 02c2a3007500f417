package dit

import (
	"fmt"
	"math/rand"

	"github.com/jmorganca/ctrlnet/ml"
	"github.com/jmorganca/ctrlnet/ml/nn"
)

// Trunk is the shared front of a backbone: patch and positional embedding,
// timestep/affine embedding and a run of named blocks. Both the reference
// backbone and the control branch are built from one.
type Trunk struct {
	PatchEmbed    *PatchEmbed `safetensors:"x_embedder"`
	PosEmbed      *PosEmbed3D
	ExtraPosEmbed *PosEmbed3D

	TEmbedder     *TimestepEmbedder `safetensors:"t_embedder"`
	CrossAttnProj *nn.Linear        `safetensors:"crossattn_proj"`
	AfflineNorm   *nn.RMSNorm       `safetensors:"affline_norm"`

	Blocks []*Block `safetensors:"blocks"`

	Cfg Config
}

// NewTrunk builds numBlocks blocks; the reference backbone passes
// cfg.NumBlocks, the control branch passes its control-block count.
func NewTrunk(ctx ml.Context, rng *rand.Rand, cfg Config, numBlocks int) (*Trunk, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	inChannels := cfg.InChannels
	if cfg.ConcatPaddingMask {
		inChannels++
	}

	tr := &Trunk{
		PatchEmbed:    NewPatchEmbed(ctx, rng, inChannels, cfg.ModelChannels, cfg.PatchSpatial, cfg.PatchTemporal),
		PosEmbed:      &PosEmbed3D{Dim: cfg.ModelChannels},
		TEmbedder:     NewTimestepEmbedder(ctx, rng, cfg.TimestepFreqDim, cfg.ModelChannels),
		CrossAttnProj: nn.NewLinear(ctx, rng, cfg.CrossAttnDim, cfg.ModelChannels, true),
		AfflineNorm:   nn.NewRMSNorm(ctx, cfg.ModelChannels),
		Cfg:           cfg,
	}

	if cfg.ExtraPerBlockPosEmb {
		tr.ExtraPosEmbed = &PosEmbed3D{Dim: cfg.ModelChannels}
	}

	tr.Blocks = make([]*Block, numBlocks)
	for i := range tr.Blocks {
		tr.Blocks[i] = NewBlock(ctx, rng, BlockName(i), cfg.Layout, cfg.ModelChannels, cfg.Eps)
	}

	return tr, nil
}

// PrepareEmbeddedSequence embeds [B, C, T, H, W] into batch-major tokens
// [B, T', H', W', D] plus an optional rotary embedding (nil for mixer blocks)
// and an optional extra per-block positional embedding.
func (tr *Trunk) PrepareEmbeddedSequence(ctx ml.Context, x, fps, paddingMask ml.Tensor) (ml.Tensor, ml.Tensor, ml.Tensor, error) {
	if tr.Cfg.ConcatPaddingMask {
		if paddingMask == nil {
			return nil, nil, nil, fmt.Errorf("dit: padding mask required when concat_padding_mask is set")
		}

		b, t, h, w := x.Dim(0), x.Dim(2), x.Dim(3), x.Dim(4)
		mask := paddingMask.Interpolate(ctx, ml.InterpolateNearest, h, w)
		mask = mask.Reshape(ctx, b, 1, 1, h, w).Repeat(ctx, 2, t)
		x = x.Concat(ctx, mask, 1)
	}

	tokens, err := tr.PatchEmbed.Forward(ctx, x)
	if err != nil {
		return nil, nil, nil, err
	}

	t, h, w := tokens.Dim(1), tokens.Dim(2), tokens.Dim(3)
	tokens = tokens.Add(ctx, tr.PosEmbed.Forward(ctx, t, h, w))

	var extraPosEmb ml.Tensor
	if tr.ExtraPosEmbed != nil {
		b := tokens.Dim(0)
		extra := tr.ExtraPosEmbed.Forward(ctx, t, h, w)
		extraPosEmb = extra.Reshape(ctx, 1, t, h, w, extra.Dim(3)).Repeat(ctx, 0, b)
	}

	return tokens, nil, extraPosEmb, nil
}

// AffineEmbedding computes the per-sample modulation embedding from the
// diffusion timestep and pooled cross-attention conditioning. Extra [B, D]
// terms are summed in before the final norm.
func (tr *Trunk) AffineEmbedding(ctx ml.Context, timesteps, crossattnEmb ml.Tensor, extra ...ml.Tensor) ml.Tensor {
	emb := tr.TEmbedder.Forward(ctx, timesteps)

	for _, e := range extra {
		if e != nil {
			emb = emb.Add(ctx, e)
		}
	}

	if crossattnEmb != nil {
		b, m, d := crossattnEmb.Dim(0), crossattnEmb.Dim(1), crossattnEmb.Dim(2)
		ones := nn.Full(ctx, 1, m, 1)
		pooled := crossattnEmb.Transpose(ctx, 0, 2, 1).Matmul(ctx, ones)
		pooled = pooled.Reshape(ctx, b, d).Scale(ctx, 1/float64(m))
		emb = emb.Add(ctx, tr.CrossAttnProj.Forward(ctx, pooled))
	}

	return tr.AfflineNorm.Forward(ctx, emb, tr.Cfg.Eps)
}

// Layout reports the token layout of the first block; all blocks share it.
func (tr *Trunk) Layout() Layout {
	return tr.Blocks[0].XFormat
}

// ToLayout rearranges batch-major tokens [B, T, H, W, D] into the given
// layout.
func ToLayout(ctx ml.Context, tokens ml.Tensor, layout Layout) ml.Tensor {
	if layout == LayoutTHWBD {
		return tokens.Transpose(ctx, 1, 2, 3, 0, 4)
	}

	return tokens
}

// CrossAttnForLayout reorders the cross-attention embedding and mask for the
// block layout. The mask is reordered only for the time-major layout and only
// when the backbone consumes it.
func CrossAttnForLayout(ctx ml.Context, emb, mask ml.Tensor, layout Layout, useMask bool) (ml.Tensor, ml.Tensor) {
	if !useMask {
		mask = nil
	}

	if layout == LayoutTHWBD {
		if emb != nil {
			emb = emb.Transpose(ctx, 1, 0, 2)
		}
		if mask != nil {
			mask = mask.Transpose(ctx, 1, 0)
		}
	}

	return emb, mask
}
