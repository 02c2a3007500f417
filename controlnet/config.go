package controlnet

import (
	"fmt"

	"github.com/jmorganca/ctrlnet/dit"
	"github.com/jmorganca/ctrlnet/parallel"
)

// Config describes the control branch. DiT is the backbone shape the branch
// mirrors; the branch builds its own trunk with NumControlBlocks blocks.
type Config struct {
	DiT dit.Config

	// HintChannels is the channel budget of the raw hint tensor. Shorter
	// hints are zero padded; longer hints are rejected.
	HintChannels int

	// NumControlBlocks is the length of the controlled prefix of the
	// backbone's block sequence. Must be in (0, DiT.NumBlocks].
	NumControlBlocks int

	// DropoutCtrlBranch is the probability of suppressing the control
	// branch for a sample when the backbone is trained jointly.
	DropoutCtrlBranch float64

	// RandomDropControlBlocks trains with a random number of live control
	// blocks per forward call.
	RandomDropControlBlocks bool

	// IsExtendModel reserves an extra input channel for the video-extend
	// condition mask.
	IsExtendModel bool

	AddAugmentSigmaEmbedding bool

	// NumControlSources builds independent encoder parameter sets for
	// multi-control. Zero means one.
	NumControlSources int

	// SequenceParallel scatters the flattened spatio-temporal token axis
	// across Group. Hint tokens, primary tokens and extra positional
	// embeddings always share partition boundaries. The delegated
	// contributions are rank-local shards, so the backbone must gather them
	// during block execution; the reference backbone does not and rejects
	// them.
	SequenceParallel bool
	Group            parallel.Group
	Rank             int

	// CPGroup, when set, splits the condition-video input mask along the
	// per-view time axis the same way the context-parallel harness splits
	// the latent.
	CPGroup parallel.Group
	CPRank  int
}

// DefaultConfig fills the documented defaults for a backbone shape.
func DefaultConfig(d dit.Config) Config {
	return Config{
		DiT:               d,
		HintChannels:      16,
		NumControlBlocks:  d.NumBlocks,
		DropoutCtrlBranch: 0.5,
	}
}

func (c *Config) validate() error {
	if c.NumControlBlocks <= 0 || c.NumControlBlocks > c.DiT.NumBlocks {
		return fmt.Errorf("%w: num_control_blocks %d outside (0, %d]", ErrConfiguration, c.NumControlBlocks, c.DiT.NumBlocks)
	}
	if c.HintChannels <= 0 {
		return fmt.Errorf("%w: hint_channels %d", ErrConfiguration, c.HintChannels)
	}
	if c.DropoutCtrlBranch < 0 || c.DropoutCtrlBranch > 1 {
		return fmt.Errorf("%w: dropout_ctrl_branch %v outside [0, 1]", ErrConfiguration, c.DropoutCtrlBranch)
	}
	if c.SequenceParallel && c.Group == nil {
		return fmt.Errorf("%w: sequence parallel requires a worker group", ErrConfiguration)
	}
	if c.SequenceParallel && c.DiT.Layout != dit.LayoutTHWBD {
		return fmt.Errorf("%w: sequence parallel requires the time-major layout", ErrConfiguration)
	}

	return nil
}

// effectiveInChannels is the channel count the control trunk consumes; the
// extend variant reserves one channel for the condition mask.
func (c *Config) effectiveInChannels() int {
	if c.IsExtendModel {
		return c.DiT.InChannels + 1
	}

	return c.DiT.InChannels
}

// LayerMask derives the boolean pass-through sequence: false for the control
// prefix, true for the remainder. The {NumControlBlocks, TotalBlocks} pair is
// primary; this form exists for callers that want the sequence view.
func (c *Config) LayerMask() []bool {
	mask := make([]bool, c.DiT.NumBlocks)
	for i := c.NumControlBlocks; i < len(mask); i++ {
		mask[i] = true
	}

	return mask
}

func (c *Config) numSources() int {
	if c.NumControlSources <= 1 {
		return 1
	}

	return c.NumControlSources
}
