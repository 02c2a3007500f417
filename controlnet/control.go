// Package controlnet adds hint-driven conditioning to a pretrained diffusion
// transformer backbone. The control branch mirrors a prefix of the backbone's
// blocks, encodes a conditioning video into guided-hint tokens and feeds
// zero-gated per-block contributions back into the backbone's residual
// stream. A freshly constructed branch contributes exactly zero, so it can be
// attached to a trained backbone without changing its output.
package controlnet

import (
	"fmt"
	"log/slog"
	"maps"
	"math/rand"

	"github.com/jmorganca/ctrlnet/dit"
	"github.com/jmorganca/ctrlnet/ml"
	"github.com/jmorganca/ctrlnet/parallel"
)

// DefaultHintKey is the Kwargs key consulted when ForwardOpts does not name
// one.
const DefaultHintKey = "control_input"

// Source is one control parameter set: a block trunk, its gated projections
// and a hint encoder. Multi-control nets hold one per hint modality.
type Source struct {
	Trunk *dit.Trunk
	Gates *GateBank
	Hint  *HintEncoder
}

// Net runs the control branch and delegates to the backbone. It composes
// around any dit.Backbone rather than extending one; the backbone only sees
// the finished per-block contribution map.
type Net struct {
	Base    dit.Backbone
	Sources []*Source

	// AugmentSigmaEmbedder, when present, folds the conditioning video's
	// augmentation sigma into the affine embedding.
	AugmentSigmaEmbedder *dit.TimestepEmbedder

	// Policy decides branch dropout and the live block count. Replace it
	// for deterministic behavior.
	Policy TrainingPolicy

	cfg Config
}

func New(ctx ml.Context, rng *rand.Rand, cfg Config, base dit.Backbone) (*Net, error) {
	cfg.DiT = cfg.DiT.WithDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	ctrlCfg := cfg.DiT
	ctrlCfg.InChannels = cfg.effectiveInChannels()

	sources := make([]*Source, cfg.numSources())
	for i := range sources {
		trunk, err := dit.NewTrunk(ctx, rng, ctrlCfg, cfg.NumControlBlocks)
		if err != nil {
			return nil, err
		}

		sources[i] = &Source{
			Trunk: trunk,
			Gates: NewGateBank(ctx, rng, cfg),
			Hint:  NewHintEncoder(ctx, rng, cfg),
		}
	}

	n := &Net{
		Base:    base,
		Sources: sources,
		Policy:  NewRandomPolicy(cfg, rng),
		cfg:     cfg,
	}

	if cfg.AddAugmentSigmaEmbedding {
		n.AugmentSigmaEmbedder = dit.NewTimestepEmbedder(ctx, rng, ctrlCfg.TimestepFreqDim, ctrlCfg.ModelChannels)
	}

	return n, nil
}

func (n *Net) Config() Config { return n.cfg }

// ForwardOpts carries the per-call control parameters. A nil *ForwardOpts
// means: default hint key, weight 1, policy-default live block count.
type ForwardOpts struct {
	// HintKey selects the hint tensor from Args.Kwargs. Empty means
	// DefaultHintKey.
	HintKey string

	// Weight scales the control contributions. Nil means scalar 1.
	Weight *Weight

	// NumLiveBlocks caps how many control blocks contribute. Negative asks
	// the policy for its default; zero is a valid request and yields
	// all-zero contributions.
	NumLiveBlocks int
}

// Forward runs the control branch and then the backbone. An absent hint
// bypasses the branch entirely. The caller's Args are never mutated.
func (n *Net) Forward(ctx ml.Context, args dit.Args, opts *ForwardOpts) (ml.Tensor, error) {
	if opts == nil {
		opts = &ForwardOpts{NumLiveBlocks: -1}
	}

	hintKey := opts.HintKey
	if hintKey == "" {
		hintKey = DefaultHintKey
	}

	hint := args.Kwargs[hintKey]
	if hint == nil {
		slog.Info("no hint input, running backbone uncontrolled", "key", hintKey)
		return n.Base.Forward(ctx, args)
	}

	if args.ScalarFeature != nil {
		return nil, fmt.Errorf("%w: scalar conditioning features", ErrUnsupportedFeature)
	}

	x, err := n.reconcileChannels(ctx, args)
	if err != nil {
		return nil, err
	}

	guided, err := n.encodeHints(ctx, hint, args)
	if err != nil {
		return nil, err
	}

	weights, err := opts.Weight.perSource(len(guided))
	if err != nil {
		return nil, err
	}

	batch := args.X.Dim(0)
	gateT := n.branchGateTensor(ctx, n.Policy.BranchGates(args.Training, n.Base.Trainable(), batch))
	live := n.Policy.NumLiveBlocks(args.Training, opts.NumLiveBlocks, n.cfg.NumControlBlocks)

	outs := make(map[string]ml.Tensor, n.cfg.NumControlBlocks)
	for i, g := range guided {
		src := n.Sources[0]
		if len(n.Sources) > 1 {
			src = n.Sources[i]
		}

		if err := n.runSource(ctx, src, x, g, weights[i], gateT, live, args, outs); err != nil {
			return nil, err
		}
	}

	// the backbone sees the original input plus the contribution map; the
	// consumed hint is withheld
	delegated := args
	delegated.XCtrl = outs
	delegated.Kwargs = maps.Clone(args.Kwargs)
	delete(delegated.Kwargs, hintKey)

	return n.Base.Forward(ctx, delegated)
}

// runSource executes one control trunk over the reconciled input and
// accumulates its gated block contributions into outs.
func (n *Net) runSource(ctx ml.Context, src *Source, x, guided ml.Tensor, weight sourceWeight, gateT ml.Tensor, live int, args dit.Args, outs map[string]ml.Tensor) error {
	tokens, ropeEmb, extraPosEmb, err := src.Trunk.PrepareEmbeddedSequence(ctx, x, args.FPS, args.PaddingMask)
	if err != nil {
		return err
	}

	var augmentEmb ml.Tensor
	if n.AugmentSigmaEmbedder != nil {
		if args.ConditionVideoAugmentSigma == nil {
			return fmt.Errorf("%w: augment sigma embedding enabled but no sigma supplied", ErrInputShape)
		}
		augmentEmb = n.AugmentSigmaEmbedder.Forward(ctx, args.ConditionVideoAugmentSigma)
	}
	afflineEmb := src.Trunk.AffineEmbedding(ctx, args.Timesteps, args.CrossAttnEmb, augmentEmb)

	layout := src.Trunk.Layout()
	hidden := dit.ToLayout(ctx, tokens, layout)
	if extraPosEmb != nil {
		extraPosEmb = dit.ToLayout(ctx, extraPosEmb, layout)
	}
	crossattnEmb, crossattnMask := dit.CrossAttnForLayout(ctx, args.CrossAttnEmb, args.CrossAttnMask, layout, n.cfg.DiT.UseCrossAttnMask)

	// latent token grid, captured before sequence-parallel flattening
	var gt, gh, gw int
	if layout == dit.LayoutTHWBD {
		gt, gh, gw = hidden.Dim(0), hidden.Dim(1), hidden.Dim(2)
	} else {
		gt, gh, gw = hidden.Dim(1), hidden.Dim(2), hidden.Dim(3)
	}

	if n.cfg.SequenceParallel {
		if hidden, err = scatterTimeMajor(ctx, hidden, n.cfg.Group, n.cfg.Rank); err != nil {
			return err
		}
		if extraPosEmb != nil {
			if extraPosEmb, err = scatterTimeMajor(ctx, extraPosEmb, n.cfg.Group, n.cfg.Rank); err != nil {
				return err
			}
		}
	}

	weightMap, err := n.resolveWeightMap(ctx, weight, layout, gt, gh, gw)
	if err != nil {
		return err
	}

	injected := false
	for j, block := range src.Trunk.Blocks {
		hidden = block.Forward(ctx, hidden, afflineEmb, crossattnEmb, crossattnMask, ropeEmb, extraPosEmb)
		if !injected {
			hidden = hidden.Add(ctx, guided)
			injected = true
		}

		contrib, err := src.Gates.Project(ctx, block.Name, hidden)
		if err != nil {
			return err
		}

		if weightMap != nil {
			contrib = contrib.Mul(ctx, weightMap)
		} else {
			contrib = contrib.Scale(ctx, weight.scalar)
		}
		contrib = contrib.Mul(ctx, gateT)
		if j >= live {
			contrib = contrib.Scale(ctx, 0)
		}

		if prev, ok := outs[block.Name]; ok {
			outs[block.Name] = prev.Add(ctx, contrib)
		} else {
			outs[block.Name] = contrib
		}
	}

	return nil
}

// encodeHints produces one guided-hint token tensor per control source.
// With a single parameter set, a hint batch that is a multiple of the input
// batch carries stacked sources and is chunked apart after encoding.
func (n *Net) encodeHints(ctx ml.Context, hint ml.Tensor, args dit.Args) ([]ml.Tensor, error) {
	if len(n.Sources) > 1 {
		if hint.Dim(1) != len(n.Sources) {
			return nil, fmt.Errorf("%w: hint carries %d sources, net has %d", ErrInputShape, hint.Dim(1), len(n.Sources))
		}

		guided := make([]ml.Tensor, len(n.Sources))
		for i, src := range n.Sources {
			h := hint.Narrow(ctx, 1, i, 1)
			h = h.Reshape(ctx, h.Dim(0), h.Dim(2), h.Dim(3), h.Dim(4), h.Dim(5))

			g, err := src.Hint.Encode(ctx, h, args.PaddingMask)
			if err != nil {
				return nil, err
			}
			guided[i] = g
		}

		return guided, nil
	}

	xB, hB := args.X.Dim(0), hint.Dim(0)
	if hB%xB != 0 {
		return nil, fmt.Errorf("%w: hint batch %d not a multiple of input batch %d", ErrInputShape, hB, xB)
	}

	g, err := n.Sources[0].Hint.Encode(ctx, hint, args.PaddingMask)
	if err != nil {
		return nil, err
	}

	if chunks := hB / xB; chunks > 1 {
		if args.Training {
			return nil, fmt.Errorf("%w: batch-stacked hint sources are inference only", ErrInputShape)
		}

		axis := 3 // batch axis of [T, H, W, B, D] and [THW, 1, 1, B, D]
		if n.cfg.DiT.Layout == dit.LayoutBTHWD {
			axis = 0
		}
		return g.Chunk(ctx, axis, chunks), nil
	}

	return []ml.Tensor{g}, nil
}

// branchGateTensor shapes the per-sample dropout multipliers so they
// broadcast over the block hidden state.
func (n *Net) branchGateTensor(ctx ml.Context, gates []float32) ml.Tensor {
	if n.cfg.DiT.Layout == dit.LayoutBTHWD {
		return ctx.FromFloats(gates, len(gates), 1, 1, 1, 1)
	}

	return ctx.FromFloats(gates, 1, 1, 1, len(gates), 1)
}

// resolveWeightMap aligns a spatio-temporal control weight to the hidden
// state layout, or returns nil for scalar weights.
func (n *Net) resolveWeightMap(ctx ml.Context, weight sourceWeight, layout dit.Layout, t, h, w int) (ml.Tensor, error) {
	if weight.m == nil {
		return nil, nil
	}
	if layout != dit.LayoutTHWBD {
		return nil, fmt.Errorf("%w: spatio-temporal control weights with the batch-major layout", ErrUnsupportedFeature)
	}

	wm, err := ResampleWeightMap(ctx, weight.m, t, h, w)
	if err != nil {
		return nil, err
	}

	// [B, 1, T, H, W] -> [T, H, W, B, 1]
	wm = wm.Transpose(ctx, 2, 3, 4, 0, 1)
	if n.cfg.SequenceParallel {
		return scatterTimeMajor(ctx, wm, n.cfg.Group, n.cfg.Rank)
	}

	return wm, nil
}

// reconcileChannels pads or extends the input to the control trunk's channel
// count, mirroring the backbone's own reconciliation.
func (n *Net) reconcileChannels(ctx ml.Context, args dit.Args) (ml.Tensor, error) {
	want := n.cfg.effectiveInChannels()
	x := args.X
	b, c, t, h, w := x.Dim(0), x.Dim(1), x.Dim(2), x.Dim(3), x.Dim(4)

	switch {
	case args.DataType == dit.DataTypeVideo && args.ConditionVideoInputMask != nil && c < want:
		mask := args.ConditionVideoInputMask
		if n.cfg.CPGroup != nil {
			var err error
			if mask, err = splitPerViewTime(ctx, mask, n.cfg.DiT.NViews, n.cfg.CPGroup, n.cfg.CPRank); err != nil {
				return nil, err
			}
		}
		x = x.Concat(ctx, mask, 1)
	case args.DataType == dit.DataTypeImage && c < want:
		slog.Debug("padding image input channels for control trunk", "from", c, "to", want)
		pad := ctx.Zeros(ml.DTypeF32, b, want-c, t, h, w)
		x = x.Concat(ctx, pad, 1)
	}

	if x.Dim(1) != want {
		return nil, fmt.Errorf("%w: control trunk expects %d input channels, got %d", ErrInputShape, want, x.Dim(1))
	}

	return x, nil
}

// scatterTimeMajor flattens [T, H, W, B, D] tokens to [T*H*W, 1, 1, B, D] and
// takes this rank's shard. Hidden state, guided hint, extra positional
// embedding and weight maps all pass through here, so partition boundaries
// always agree.
func scatterTimeMajor(ctx ml.Context, t ml.Tensor, group parallel.Group, rank int) (ml.Tensor, error) {
	tt, th, tw, b, d := t.Dim(0), t.Dim(1), t.Dim(2), t.Dim(3), t.Dim(4)
	flat := tt * th * tw
	if flat%group.WorldSize() != 0 {
		return nil, fmt.Errorf("%w: %d tokens not divisible by world size %d", ErrInputShape, flat, group.WorldSize())
	}

	return parallel.ScatterLeadingAxis(ctx, t.Reshape(ctx, flat, 1, 1, b, d), group, rank)
}

// splitPerViewTime shards a [B, C, V*T, H, W] tensor along each view's time
// segment, matching how the context-parallel harness splits the latent.
func splitPerViewTime(ctx ml.Context, t ml.Tensor, views int, group parallel.Group, rank int) (ml.Tensor, error) {
	world := group.WorldSize()
	if world == 1 {
		return t, nil
	}
	if views < 1 {
		views = 1
	}

	total := t.Dim(2)
	if total%views != 0 {
		return nil, fmt.Errorf("%w: %d frames not divisible by %d views", ErrInputShape, total, views)
	}
	per := total / views
	if per%world != 0 {
		return nil, fmt.Errorf("%w: %d frames per view not divisible by world size %d", ErrInputShape, per, world)
	}

	shard := per / world
	var out ml.Tensor
	for v := 0; v < views; v++ {
		s := t.Narrow(ctx, 2, v*per+rank*shard, shard)
		if out == nil {
			out = s
		} else {
			out = out.Concat(ctx, s, 2)
		}
	}

	return out, nil
}
