package controlnet

import (
	"fmt"

	"github.com/jmorganca/ctrlnet/ml"
)

// TemporalCompression is the frame compression factor of the video tokenizer:
// a latent with t frames decodes to 8*(t-1)+1 pixel frames.
const TemporalCompression = 8

// ResampleWeightMap aligns a pixel-space control-strength map
// [B, 1, Tw, Hw, Ww] to the latent grid [B, 1, t, h, w]. A map already on the
// target grid passes through untouched. Otherwise Tw must satisfy
// Tw == 8*(t-1)+1: the first pixel frame maps to the first latent frame and
// every following window of 8 pixel frames collapses to one latent frame,
// each window resized trilinearly.
func ResampleWeightMap(ctx ml.Context, wm ml.Tensor, t, h, w int) (ml.Tensor, error) {
	tw, hw, ww := wm.Dim(2), wm.Dim(3), wm.Dim(4)
	if tw == t && hw == h && ww == w {
		return wm, nil
	}

	if tw != TemporalCompression*(t-1)+1 {
		return nil, fmt.Errorf("%w: weight map has %d frames, want %d for %d latent frames",
			ErrInputShape, tw, TemporalCompression*(t-1)+1, t)
	}

	out := wm.Narrow(ctx, 2, 0, 1).Interpolate(ctx, ml.InterpolateTrilinear, 1, h, w)
	for off := 1; off < tw; off += TemporalCompression {
		window := wm.Narrow(ctx, 2, off, TemporalCompression)
		out = out.Concat(ctx, window.Interpolate(ctx, ml.InterpolateTrilinear, 1, h, w), 2)
	}

	return out, nil
}
