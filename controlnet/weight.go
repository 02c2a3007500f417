package controlnet

import (
	"fmt"

	"github.com/jmorganca/ctrlnet/ml"
)

// Weight is a control-strength request in one of three forms: a single
// scalar applied to every source, one scalar per source, or one
// spatio-temporal map per source. A nil *Weight means scalar 1.
type Weight struct {
	scalar  *float64
	scalars []float64
	maps    []ml.Tensor
}

func ScalarWeight(v float64) *Weight {
	return &Weight{scalar: &v}
}

// ListWeight assigns one scalar per control source.
func ListWeight(vs ...float64) *Weight {
	return &Weight{scalars: vs}
}

// MapWeight assigns one [B, 1, Tw, Hw, Ww] strength map per control source.
func MapWeight(maps ...ml.Tensor) *Weight {
	return &Weight{maps: maps}
}

type sourceWeight struct {
	scalar float64
	m      ml.Tensor
}

// perSource normalizes the request to exactly n entries.
func (w *Weight) perSource(n int) ([]sourceWeight, error) {
	out := make([]sourceWeight, n)

	switch {
	case w == nil || (w.scalar == nil && w.scalars == nil && w.maps == nil):
		for i := range out {
			out[i].scalar = 1
		}
	case w.scalar != nil:
		for i := range out {
			out[i].scalar = *w.scalar
		}
	case w.scalars != nil:
		if len(w.scalars) != n {
			return nil, fmt.Errorf("%w: %d control weights for %d sources", ErrInputShape, len(w.scalars), n)
		}
		for i, v := range w.scalars {
			out[i].scalar = v
		}
	default:
		if len(w.maps) != n {
			return nil, fmt.Errorf("%w: %d control weight maps for %d sources", ErrInputShape, len(w.maps), n)
		}
		for i, m := range w.maps {
			out[i].m = m
		}
	}

	return out, nil
}
