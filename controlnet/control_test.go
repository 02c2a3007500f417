package controlnet

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/jmorganca/ctrlnet/dit"
	"github.com/jmorganca/ctrlnet/ml"
	"github.com/jmorganca/ctrlnet/ml/nn"
	"github.com/jmorganca/ctrlnet/parallel"
)

// recorder is a backbone stub that captures the delegated arguments and
// echoes the input.
type recorder struct {
	cfg       dit.Config
	trainable bool
	last      dit.Args
}

func (r *recorder) Forward(ctx ml.Context, args dit.Args) (ml.Tensor, error) {
	r.last = args
	return args.X, nil
}

func (r *recorder) Trainable() bool    { return r.trainable }
func (r *recorder) Config() dit.Config { return r.cfg }

func testArgs(ctx ml.Context, rng *rand.Rand, batch int) dit.Args {
	return dit.Args{
		X:         randTensor(ctx, rng, batch, 4, 2, 4, 4),
		Timesteps: randTensor(ctx, rng, batch),
		DataType:  dit.DataTypeVideo,
	}
}

func withHint(ctx ml.Context, rng *rand.Rand, args dit.Args, batch int) dit.Args {
	args.Kwargs = map[string]ml.Tensor{
		DefaultHintKey: randTensor(ctx, rng, batch, 8, 2, 4, 4),
	}
	return args
}

// openGates replaces the zero projections so contributions become visible.
func openGates(ctx ml.Context, net *Net) {
	for _, src := range net.Sources {
		for _, proj := range src.Gates.Projections {
			proj.Weight = nn.Full(ctx, 0.01, 12, 12)
		}
	}
}

// A freshly constructed control branch has zero gates, so attaching it to a
// trained backbone must not change the backbone's output at all.
func TestFreshNetNoOp(t *testing.T) {
	ctx := testContext(t)
	rng := rand.New(rand.NewSource(0))

	base, err := dit.New(ctx, rng, testDiTConfig())
	require.NoError(t, err)

	net, err := New(ctx, rng, testCtrlConfig(), base)
	require.NoError(t, err)

	args := testArgs(ctx, rng, 2)
	plain, err := base.Forward(ctx, args)
	require.NoError(t, err)

	controlled, err := net.Forward(ctx, withHint(ctx, rng, args, 2), nil)
	require.NoError(t, err)

	require.Equal(t, plain.Floats(), controlled.Floats())
}

func TestBypassWithoutHint(t *testing.T) {
	ctx := testContext(t)
	rng := rand.New(rand.NewSource(0))

	base := &recorder{cfg: testDiTConfig()}
	net, err := New(ctx, rng, testCtrlConfig(), base)
	require.NoError(t, err)

	args := testArgs(ctx, rng, 1)
	args.Kwargs = map[string]ml.Tensor{"unrelated": randTensor(ctx, rng, 1, 1)}

	_, err = net.Forward(ctx, args, nil)
	require.NoError(t, err)
	require.Nil(t, base.last.XCtrl, "bypass must not produce contributions")
}

// Two of four blocks are controlled, so the contribution map carries exactly
// block0 and block1.
func TestContributionKeys(t *testing.T) {
	ctx := testContext(t)
	rng := rand.New(rand.NewSource(0))

	base := &recorder{cfg: testDiTConfig()}
	net, err := New(ctx, rng, testCtrlConfig(), base)
	require.NoError(t, err)

	_, err = net.Forward(ctx, withHint(ctx, rng, testArgs(ctx, rng, 2), 2), &ForwardOpts{
		Weight:        ScalarWeight(1),
		NumLiveBlocks: -1,
	})
	require.NoError(t, err)

	require.Len(t, base.last.XCtrl, 2)
	require.Contains(t, base.last.XCtrl, "block0")
	require.Contains(t, base.last.XCtrl, "block1")
}

func TestArgsNotMutated(t *testing.T) {
	ctx := testContext(t)
	rng := rand.New(rand.NewSource(0))

	base := &recorder{cfg: testDiTConfig()}
	net, err := New(ctx, rng, testCtrlConfig(), base)
	require.NoError(t, err)

	args := withHint(ctx, rng, testArgs(ctx, rng, 1), 1)
	_, err = net.Forward(ctx, args, nil)
	require.NoError(t, err)

	require.Contains(t, args.Kwargs, DefaultHintKey, "caller's kwargs must keep the hint")
	require.Nil(t, args.XCtrl)
	require.NotContains(t, base.last.Kwargs, DefaultHintKey, "the backbone must not see the consumed hint")
}

func allZero(s []float32) bool {
	for _, v := range s {
		if v != 0 {
			return false
		}
	}
	return true
}

// Contributions beyond the live block count are zero, and lowering the count
// only ever zeroes more of them.
func TestLiveBlockGating(t *testing.T) {
	ctx := testContext(t)
	rng := rand.New(rand.NewSource(0))

	base := &recorder{cfg: testDiTConfig()}
	net, err := New(ctx, rng, testCtrlConfig(), base)
	require.NoError(t, err)
	openGates(ctx, net)
	net.Policy = FullPolicy{}

	args := withHint(ctx, rng, testArgs(ctx, rng, 1), 1)

	_, err = net.Forward(ctx, args, &ForwardOpts{NumLiveBlocks: 0})
	require.NoError(t, err)
	require.True(t, allZero(base.last.XCtrl["block0"].Floats()))
	require.True(t, allZero(base.last.XCtrl["block1"].Floats()))

	_, err = net.Forward(ctx, args, &ForwardOpts{NumLiveBlocks: 1})
	require.NoError(t, err)
	require.False(t, allZero(base.last.XCtrl["block0"].Floats()))
	require.True(t, allZero(base.last.XCtrl["block1"].Floats()))

	_, err = net.Forward(ctx, args, &ForwardOpts{NumLiveBlocks: 2})
	require.NoError(t, err)
	require.False(t, allZero(base.last.XCtrl["block0"].Floats()))
	require.False(t, allZero(base.last.XCtrl["block1"].Floats()))
}

func TestScalarWeightScalesContributions(t *testing.T) {
	ctx := testContext(t)
	rng := rand.New(rand.NewSource(0))

	base := &recorder{cfg: testDiTConfig()}
	net, err := New(ctx, rng, testCtrlConfig(), base)
	require.NoError(t, err)
	openGates(ctx, net)
	net.Policy = FullPolicy{}

	args := withHint(ctx, rng, testArgs(ctx, rng, 1), 1)

	_, err = net.Forward(ctx, args, &ForwardOpts{Weight: ScalarWeight(1), NumLiveBlocks: -1})
	require.NoError(t, err)
	once := base.last.XCtrl["block0"].Floats()

	_, err = net.Forward(ctx, args, &ForwardOpts{Weight: ScalarWeight(2), NumLiveBlocks: -1})
	require.NoError(t, err)
	twice := base.last.XCtrl["block0"].Floats()

	for i := range once {
		require.Equal(t, 2*once[i], twice[i])
	}
}

// A constant weight map of ones must behave exactly like scalar weight 1.
func TestWeightMapOnesMatchesScalar(t *testing.T) {
	ctx := testContext(t)
	rng := rand.New(rand.NewSource(0))

	base := &recorder{cfg: testDiTConfig()}
	net, err := New(ctx, rng, testCtrlConfig(), base)
	require.NoError(t, err)
	openGates(ctx, net)
	net.Policy = FullPolicy{}

	args := withHint(ctx, rng, testArgs(ctx, rng, 1), 1)

	_, err = net.Forward(ctx, args, &ForwardOpts{Weight: ScalarWeight(1), NumLiveBlocks: -1})
	require.NoError(t, err)
	scalar := base.last.XCtrl["block0"].Floats()

	// pixel-space map over 8*(2-1)+1 frames
	ones := nn.Full(ctx, 1, 1, 1, 9, 4, 4)
	_, err = net.Forward(ctx, args, &ForwardOpts{Weight: MapWeight(ones), NumLiveBlocks: -1})
	require.NoError(t, err)

	require.Equal(t, scalar, base.last.XCtrl["block0"].Floats())
}

// Batch-stacked hints accumulate additively: the same hint twice equals one
// hint at double weight.
func TestStackedHintsAdditive(t *testing.T) {
	ctx := testContext(t)
	rng := rand.New(rand.NewSource(0))

	base := &recorder{cfg: testDiTConfig()}
	net, err := New(ctx, rng, testCtrlConfig(), base)
	require.NoError(t, err)
	openGates(ctx, net)
	net.Policy = FullPolicy{}

	args := testArgs(ctx, rng, 1)
	hint := randTensor(ctx, rng, 1, 8, 2, 4, 4)

	args.Kwargs = map[string]ml.Tensor{DefaultHintKey: hint.Concat(ctx, hint, 0)}
	_, err = net.Forward(ctx, args, nil)
	require.NoError(t, err)
	stacked := base.last.XCtrl["block0"].Floats()

	args.Kwargs = map[string]ml.Tensor{DefaultHintKey: hint}
	_, err = net.Forward(ctx, args, &ForwardOpts{Weight: ScalarWeight(2), NumLiveBlocks: -1})
	require.NoError(t, err)

	require.Equal(t, base.last.XCtrl["block0"].Floats(), stacked)
}

func TestStackedHintsTrainingRejected(t *testing.T) {
	ctx := testContext(t)
	rng := rand.New(rand.NewSource(0))

	base := &recorder{cfg: testDiTConfig()}
	net, err := New(ctx, rng, testCtrlConfig(), base)
	require.NoError(t, err)

	args := withHint(ctx, rng, testArgs(ctx, rng, 1), 2)
	args.Training = true

	_, err = net.Forward(ctx, args, nil)
	require.ErrorIs(t, err, ErrInputShape)
}

func TestHintBatchMismatch(t *testing.T) {
	ctx := testContext(t)
	rng := rand.New(rand.NewSource(0))

	base := &recorder{cfg: testDiTConfig()}
	net, err := New(ctx, rng, testCtrlConfig(), base)
	require.NoError(t, err)

	_, err = net.Forward(ctx, withHint(ctx, rng, testArgs(ctx, rng, 2), 3), nil)
	require.ErrorIs(t, err, ErrInputShape)
}

func TestMultiSourceEncoders(t *testing.T) {
	ctx := testContext(t)
	rng := rand.New(rand.NewSource(0))

	cfg := testCtrlConfig()
	cfg.NumControlSources = 2

	base := &recorder{cfg: testDiTConfig()}
	net, err := New(ctx, rng, cfg, base)
	require.NoError(t, err)
	require.Len(t, net.Sources, 2)

	args := testArgs(ctx, rng, 1)
	args.Kwargs = map[string]ml.Tensor{DefaultHintKey: randTensor(ctx, rng, 1, 2, 8, 2, 4, 4)}

	_, err = net.Forward(ctx, args, nil)
	require.NoError(t, err)
	require.Len(t, base.last.XCtrl, 2)

	args.Kwargs = map[string]ml.Tensor{DefaultHintKey: randTensor(ctx, rng, 1, 3, 8, 2, 4, 4)}
	_, err = net.Forward(ctx, args, nil)
	require.ErrorIs(t, err, ErrInputShape)
}

// Sharded execution must agree with single-worker execution once the shards
// are gathered back in rank order.
func TestSequenceParallelMatchesLocal(t *testing.T) {
	ctx := testContext(t)

	build := func(cfg Config) *Net {
		base := &recorder{cfg: testDiTConfig()}
		net, err := New(ctx, rand.New(rand.NewSource(7)), cfg, base)
		require.NoError(t, err)
		openGates(ctx, net)
		net.Policy = FullPolicy{}
		return net
	}

	local := build(testCtrlConfig())

	group, err := parallel.NewLocalGroup(2)
	require.NoError(t, err)

	shards := make([]ml.Tensor, group.WorldSize())
	for rank := range shards {
		cfg := testCtrlConfig()
		cfg.SequenceParallel = true
		cfg.Group = group
		cfg.Rank = rank
		net := build(cfg)

		rng := rand.New(rand.NewSource(11))
		_, err = net.Forward(ctx, withHint(ctx, rng, testArgs(ctx, rng, 1), 1), nil)
		require.NoError(t, err)

		shard := net.Base.(*recorder).last.XCtrl["block0"]
		require.Equal(t, 4, shard.Dim(0), "each rank owns half of the 8 tokens")
		shards[rank] = shard
	}

	gathered, err := parallel.GatherLeadingAxis(ctx, shards)
	require.NoError(t, err)

	rng := rand.New(rand.NewSource(11))
	_, err = local.Forward(ctx, withHint(ctx, rng, testArgs(ctx, rng, 1), 1), nil)
	require.NoError(t, err)

	full := local.Base.(*recorder).last.XCtrl["block0"]
	require.Equal(t, full.Floats(), gathered.Floats())
}

// The reference backbone never gathers, so pairing it with a sharded branch
// must surface an error rather than misadd rank-local contributions.
func TestSequenceParallelReferenceBackboneRejected(t *testing.T) {
	ctx := testContext(t)
	rng := rand.New(rand.NewSource(0))

	base, err := dit.New(ctx, rng, testDiTConfig())
	require.NoError(t, err)

	group, err := parallel.NewLocalGroup(2)
	require.NoError(t, err)

	cfg := testCtrlConfig()
	cfg.SequenceParallel = true
	cfg.Group = group

	net, err := New(ctx, rng, cfg, base)
	require.NoError(t, err)

	_, err = net.Forward(ctx, withHint(ctx, rng, testArgs(ctx, rng, 1), 1), nil)
	require.ErrorContains(t, err, "gather")
}

func TestGateBankPassThrough(t *testing.T) {
	ctx := testContext(t)
	rng := rand.New(rand.NewSource(0))

	bank := NewGateBank(ctx, rng, testCtrlConfig())
	_, err := bank.Project(ctx, "block3", randTensor(ctx, rng, 1, 12))
	require.ErrorIs(t, err, ErrConfiguration)
}

func TestAugmentSigmaRequired(t *testing.T) {
	ctx := testContext(t)
	rng := rand.New(rand.NewSource(0))

	cfg := testCtrlConfig()
	cfg.AddAugmentSigmaEmbedding = true

	base := &recorder{cfg: testDiTConfig()}
	net, err := New(ctx, rng, cfg, base)
	require.NoError(t, err)

	args := withHint(ctx, rng, testArgs(ctx, rng, 1), 1)
	_, err = net.Forward(ctx, args, nil)
	require.ErrorIs(t, err, ErrInputShape)

	args.ConditionVideoAugmentSigma = randTensor(ctx, rng, 1)
	_, err = net.Forward(ctx, args, nil)
	require.NoError(t, err)
}

func TestScalarFeatureRejected(t *testing.T) {
	ctx := testContext(t)
	rng := rand.New(rand.NewSource(0))

	base := &recorder{cfg: testDiTConfig()}
	net, err := New(ctx, rng, testCtrlConfig(), base)
	require.NoError(t, err)

	args := withHint(ctx, rng, testArgs(ctx, rng, 1), 1)
	args.ScalarFeature = randTensor(ctx, rng, 1, 1)

	_, err = net.Forward(ctx, args, nil)
	require.ErrorIs(t, err, ErrUnsupportedFeature)
}
