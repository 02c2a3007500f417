package controlnet

import (
	"fmt"
	"log/slog"
	"math/rand"

	"github.com/jmorganca/ctrlnet/dit"
	"github.com/jmorganca/ctrlnet/ml"
)

// ExtendNet is the video-extension variant: the condition-video input mask is
// mandatory for video batches and is folded into the input before the shared
// control path runs, along with an optional camera-pose channel. The wrapped
// Net then treats the augmented tensor as the input proper.
type ExtendNet struct {
	*Net
}

func NewExtend(ctx ml.Context, rng *rand.Rand, cfg Config, base dit.Backbone) (*ExtendNet, error) {
	cfg.IsExtendModel = true

	n, err := New(ctx, rng, cfg, base)
	if err != nil {
		return nil, err
	}

	return &ExtendNet{Net: n}, nil
}

func (e *ExtendNet) Forward(ctx ml.Context, args dit.Args, opts *ForwardOpts) (ml.Tensor, error) {
	if args.DataType == dit.DataTypeVideo {
		if args.ConditionVideoInputMask == nil {
			return nil, fmt.Errorf("%w: video extension requires a condition video input mask", ErrInputShape)
		}

		mask := args.ConditionVideoInputMask
		if e.cfg.CPGroup != nil {
			var err error
			if mask, err = splitPerViewTime(ctx, mask, e.cfg.DiT.NViews, e.cfg.CPGroup, e.cfg.CPRank); err != nil {
				return nil, err
			}
		}

		x := args.X.Concat(ctx, mask, 1)

		if args.ConditionVideoPose != nil {
			pose := args.ConditionVideoPose
			if pt, t := pose.Dim(2), x.Dim(2); pt > t {
				slog.Warn("truncating condition video pose", "frames", pt, "want", t)
				pose = pose.Narrow(ctx, 2, 0, t)
			}
			x = x.Concat(ctx, pose, 1)
		}

		// the mask is consumed here; the shared path must not concat it
		// a second time
		args.X = x
		args.ConditionVideoInputMask = nil
	}

	return e.Net.Forward(ctx, args, opts)
}
