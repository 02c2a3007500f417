package dit

import "fmt"

// Config is the construction-time shape of a backbone.
type Config struct {
	InChannels    int
	OutChannels   int
	ModelChannels int
	NumBlocks     int

	PatchSpatial  int
	PatchTemporal int

	// CrossAttnDim is the width of the cross-attention conditioning
	// embedding.
	CrossAttnDim int

	// ConcatPaddingMask appends a resized padding-mask channel to the input
	// before patch embedding.
	ConcatPaddingMask bool

	UseCrossAttnMask bool

	// ExtraPerBlockPosEmb provides every block with an additional positional
	// embedding alongside the one added at patch time.
	ExtraPerBlockPosEmb bool

	// NViews is the number of camera views multiplexed along the time axis.
	NViews int

	Layout Layout

	// TimestepFreqDim is the sinusoidal frequency dimension of the timestep
	// embedder.
	TimestepFreqDim int

	Eps float32
}

// WithDefaults returns a copy with unset fields filled in.
func (c *Config) WithDefaults() Config {
	out := *c
	if out.OutChannels == 0 {
		out.OutChannels = out.InChannels
	}
	if out.PatchSpatial == 0 {
		out.PatchSpatial = 2
	}
	if out.PatchTemporal == 0 {
		out.PatchTemporal = 1
	}
	if out.CrossAttnDim == 0 {
		out.CrossAttnDim = out.ModelChannels
	}
	if out.NViews == 0 {
		out.NViews = 1
	}
	if out.TimestepFreqDim == 0 {
		out.TimestepFreqDim = 256
	}
	if out.Eps == 0 {
		out.Eps = 1e-6
	}

	return out
}

func (c *Config) validate() error {
	if c.InChannels <= 0 || c.ModelChannels <= 0 || c.NumBlocks <= 0 {
		return fmt.Errorf("dit: in_channels, model_channels and num_blocks must be positive, got %d, %d, %d",
			c.InChannels, c.ModelChannels, c.NumBlocks)
	}

	switch c.Layout {
	case LayoutTHWBD, LayoutBTHWD:
	default:
		return fmt.Errorf("dit: unknown layout %d", c.Layout)
	}

	return nil
}

// BlockName names the idx-th block. Control contributions are keyed by these
// names.
func BlockName(idx int) string {
	return fmt.Sprintf("block%d", idx)
}
