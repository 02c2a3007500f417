package controlnet

import (
	"fmt"
	"math/rand"

	"github.com/jmorganca/ctrlnet/dit"
	"github.com/jmorganca/ctrlnet/ml"
	"github.com/jmorganca/ctrlnet/ml/nn"
)

// hintNF is the width schedule of the hint feature cascade.
var hintNF = []int{16, 16, 32, 32, 96, 96, 256}

// HintEncoder turns a raw conditioning video [B, C, T, H, W] into guided-hint
// tokens in the block layout. It owns its own patch and positional embedders;
// the final cascade stage is zero initialized so an untrained encoder emits
// zeros.
type HintEncoder struct {
	PatchEmbed *dit.PatchEmbed `safetensors:"x_embedder2"`
	PosEmbed   *dit.PosEmbed3D

	Cascade []*nn.Linear `safetensors:"input_hint_block"`

	cfg Config
}

func NewHintEncoder(ctx ml.Context, rng *rand.Rand, cfg Config) *HintEncoder {
	cfg.DiT = cfg.DiT.WithDefaults()

	inChannels := cfg.HintChannels
	if cfg.DiT.ConcatPaddingMask {
		inChannels++
	}

	d := cfg.DiT.ModelChannels
	widths := append([]int{d}, hintNF...)

	cascade := make([]*nn.Linear, 0, len(hintNF)+1)
	for i := 0; i < len(hintNF); i++ {
		cascade = append(cascade, nn.NewLinear(ctx, rng, widths[i], widths[i+1], true))
	}
	cascade = append(cascade, nn.NewZeroLinear(ctx, hintNF[len(hintNF)-1], d, true))

	return &HintEncoder{
		PatchEmbed: dit.NewPatchEmbed(ctx, rng, inChannels, d, cfg.DiT.PatchSpatial, cfg.DiT.PatchTemporal),
		PosEmbed:   &dit.PosEmbed3D{Dim: d},
		Cascade:    cascade,
		cfg:        cfg,
	}
}

// Encode embeds and projects the hint. The result is laid out like the block
// hidden state, including the sequence-parallel shard when enabled, so it can
// be added to block activations directly.
func (e *HintEncoder) Encode(ctx ml.Context, hint, paddingMask ml.Tensor) (ml.Tensor, error) {
	b, c, t, h, w := hint.Dim(0), hint.Dim(1), hint.Dim(2), hint.Dim(3), hint.Dim(4)
	if c > e.cfg.HintChannels {
		return nil, fmt.Errorf("%w: hint has %d channels, budget is %d", ErrInputShape, c, e.cfg.HintChannels)
	}
	if c < e.cfg.HintChannels {
		pad := ctx.Zeros(ml.DTypeF32, b, e.cfg.HintChannels-c, t, h, w)
		hint = hint.Concat(ctx, pad, 1)
	}

	if e.cfg.DiT.ConcatPaddingMask {
		if paddingMask == nil {
			return nil, fmt.Errorf("%w: padding mask required when concat_padding_mask is set", ErrInputShape)
		}
		mask := paddingMask.Interpolate(ctx, ml.InterpolateNearest, h, w)
		mask = mask.Reshape(ctx, b, 1, 1, h, w).Repeat(ctx, 2, t)
		hint = hint.Concat(ctx, mask, 1)
	}

	tokens, err := e.PatchEmbed.Forward(ctx, hint)
	if err != nil {
		return nil, err
	}

	tt, th, tw := tokens.Dim(1), tokens.Dim(2), tokens.Dim(3)
	tokens = tokens.Add(ctx, e.PosEmbed.Forward(ctx, tt, th, tw))

	switch e.cfg.DiT.Layout {
	case dit.LayoutTHWBD:
		tokens = tokens.Transpose(ctx, 1, 2, 3, 0, 4)
		if e.cfg.SequenceParallel {
			tokens, err = scatterTimeMajor(ctx, tokens, e.cfg.Group, e.cfg.Rank)
			if err != nil {
				return nil, err
			}
		}
	case dit.LayoutBTHWD:
	default:
		return nil, fmt.Errorf("%w: unknown block layout %v", ErrConfiguration, e.cfg.DiT.Layout)
	}

	for _, lin := range e.Cascade[:len(e.Cascade)-1] {
		tokens = lin.Forward(ctx, tokens).SILU(ctx)
	}

	return e.Cascade[len(e.Cascade)-1].Forward(ctx, tokens), nil
}
