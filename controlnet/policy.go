package controlnet

import "math/rand"

// TrainingPolicy concentrates the stochastic decisions of a control forward
// pass so inference code and tests can substitute deterministic behavior.
type TrainingPolicy interface {
	// BranchGates returns one multiplier per sample, each 1 (keep the
	// control contribution) or 0 (suppress it).
	BranchGates(training, baseTrainable bool, batch int) []float32

	// NumLiveBlocks resolves how many control blocks contribute.
	// requested < 0 asks for the default.
	NumLiveBlocks(training bool, requested, numControlBlocks int) int
}

// RandomPolicy implements the training-time randomness: per-sample branch
// dropout when the backbone is trained jointly, and an optional random live
// block count per call.
type RandomPolicy struct {
	DropoutCtrlBranch       float64
	RandomDropControlBlocks bool

	rng *rand.Rand
}

func NewRandomPolicy(cfg Config, rng *rand.Rand) *RandomPolicy {
	return &RandomPolicy{
		DropoutCtrlBranch:       cfg.DropoutCtrlBranch,
		RandomDropControlBlocks: cfg.RandomDropControlBlocks,
		rng:                     rng,
	}
}

func (p *RandomPolicy) BranchGates(training, baseTrainable bool, batch int) []float32 {
	gates := make([]float32, batch)
	for i := range gates {
		gates[i] = 1
	}

	// Branch dropout only makes sense when the backbone learns to operate
	// without the branch, which requires its parameters to be training.
	if training && baseTrainable {
		for i := range gates {
			if p.rng.Float64() < p.DropoutCtrlBranch {
				gates[i] = 0
			}
		}
	}

	return gates
}

func (p *RandomPolicy) NumLiveBlocks(training bool, requested, numControlBlocks int) int {
	if !p.RandomDropControlBlocks {
		return numControlBlocks
	}

	if training {
		return p.rng.Intn(numControlBlocks) + 1
	}

	if requested < 0 {
		return numControlBlocks
	}

	return requested
}

// FullPolicy keeps every sample and every control block live. It is the
// deterministic policy used for inference-only setups and tests.
type FullPolicy struct{}

func (FullPolicy) BranchGates(training, baseTrainable bool, batch int) []float32 {
	gates := make([]float32, batch)
	for i := range gates {
		gates[i] = 1
	}

	return gates
}

func (FullPolicy) NumLiveBlocks(training bool, requested, numControlBlocks int) int {
	if requested >= 0 {
		return requested
	}

	return numControlBlocks
}
