package controlnet

import (
	"fmt"
	"math/rand"

	"github.com/jmorganca/ctrlnet/dit"
	"github.com/jmorganca/ctrlnet/ml"
	"github.com/jmorganca/ctrlnet/ml/nn"
)

// GateBank holds one zero-initialized projection per controlled block, keyed
// by block name. Zero initialization makes a freshly constructed control
// branch contribute exactly nothing, so inserting it into a trained backbone
// is safe.
type GateBank struct {
	Projections map[string]*nn.Linear `safetensors:"zero_blocks"`
}

func NewGateBank(ctx ml.Context, _ *rand.Rand, cfg Config) *GateBank {
	bank := &GateBank{Projections: make(map[string]*nn.Linear, cfg.NumControlBlocks)}
	d := cfg.DiT.ModelChannels
	for i := 0; i < cfg.NumControlBlocks; i++ {
		bank.Projections[dit.BlockName(i)] = nn.NewZeroLinear(ctx, d, d, true)
	}

	return bank
}

// Project maps a control block's hidden state into the backbone's residual
// stream. Asking for a pass-through block is a configuration violation.
func (g *GateBank) Project(ctx ml.Context, name string, hidden ml.Tensor) (ml.Tensor, error) {
	proj, ok := g.Projections[name]
	if !ok {
		return nil, fmt.Errorf("%w: no gated projection for pass-through block %q", ErrConfiguration, name)
	}

	return proj.Forward(ctx, hidden), nil
}
