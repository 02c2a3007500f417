package dit

import (
	"fmt"
	"log/slog"
	"math/rand"

	"github.com/jmorganca/ctrlnet/ml"
	"github.com/jmorganca/ctrlnet/ml/nn"
)

// Model is the reference backbone. Blocks execute in ascending index order;
// each externally supplied control contribution in Args.XCtrl is added to the
// matching block's output. An absent or empty XCtrl runs the backbone
// uncontrolled. Contributions must broadcast into the hidden state; rank-local
// shards from a sequence-parallel control branch are rejected, a gather-aware
// backbone is required to consume those.
type Model struct {
	*Trunk

	FinalNorm *nn.LayerNorm `safetensors:"final_norm"`
	Out       *nn.Linear    `safetensors:"out"`

	trainable bool
}

func New(ctx ml.Context, rng *rand.Rand, cfg Config) (*Model, error) {
	cfg = cfg.WithDefaults()

	trunk, err := NewTrunk(ctx, rng, cfg, cfg.NumBlocks)
	if err != nil {
		return nil, err
	}

	p, pt := cfg.PatchSpatial, cfg.PatchTemporal
	return &Model{
		Trunk:     trunk,
		FinalNorm: nn.NewLayerNorm(ctx, cfg.ModelChannels),
		Out:       nn.NewLinear(ctx, rng, cfg.ModelChannels, cfg.OutChannels*pt*p*p, true),
	}, nil
}

func (m *Model) Config() Config { return m.Cfg }

func (m *Model) Trainable() bool { return m.trainable }

// SetTrainable marks the backbone's own parameters as jointly trained. The
// control path consults this when resolving branch dropout.
func (m *Model) SetTrainable(v bool) { m.trainable = v }

func (m *Model) Forward(ctx ml.Context, args Args) (ml.Tensor, error) {
	if args.ScalarFeature != nil {
		return nil, fmt.Errorf("dit: scalar_feature is not implemented")
	}

	x, err := m.reconcileChannels(ctx, args)
	if err != nil {
		return nil, err
	}

	tokens, ropeEmb, extraPosEmb, err := m.PrepareEmbeddedSequence(ctx, x, args.FPS, args.PaddingMask)
	if err != nil {
		return nil, err
	}

	afflineEmb := m.AffineEmbedding(ctx, args.Timesteps, args.CrossAttnEmb)

	layout := m.Layout()
	hidden := ToLayout(ctx, tokens, layout)
	if extraPosEmb != nil {
		extraPosEmb = ToLayout(ctx, extraPosEmb, layout)
	}
	crossattnEmb, crossattnMask := CrossAttnForLayout(ctx, args.CrossAttnEmb, args.CrossAttnMask, layout, m.Cfg.UseCrossAttnMask)

	for _, block := range m.Blocks {
		hidden = block.Forward(ctx, hidden, afflineEmb, crossattnEmb, crossattnMask, ropeEmb, extraPosEmb)
		if ctrl, ok := args.XCtrl[block.Name]; ok && ctrl != nil {
			if err := checkCtrlShape(hidden, ctrl, block.Name); err != nil {
				return nil, err
			}
			hidden = hidden.Add(ctx, ctrl)
		}
	}

	hidden = m.FinalNorm.Forward(ctx, hidden, m.Cfg.Eps)
	hidden = m.Out.Forward(ctx, hidden)

	return m.unpatchify(ctx, hidden, layout), nil
}

// checkCtrlShape rejects contributions that cannot broadcast into the hidden
// state. Sharded contributions hit this with a flattened token axis.
func checkCtrlShape(hidden, ctrl ml.Tensor, name string) error {
	hs, cs := hidden.Shape(), ctrl.Shape()
	if len(cs) != len(hs) {
		return fmt.Errorf("dit: %s contribution has rank %d, hidden state has rank %d", name, len(cs), len(hs))
	}

	for i := range cs {
		if cs[i] != hs[i] && cs[i] != 1 {
			return fmt.Errorf("dit: %s contribution %v does not broadcast into %v; gather sequence-parallel shards before delegating here", name, cs, hs)
		}
	}

	return nil
}

// reconcileChannels pads or extends x to the backbone's input channel count.
func (m *Model) reconcileChannels(ctx ml.Context, args Args) (ml.Tensor, error) {
	x := args.X
	b, c, t, h, w := x.Dim(0), x.Dim(1), x.Dim(2), x.Dim(3), x.Dim(4)

	switch {
	case args.DataType == DataTypeVideo && args.ConditionVideoInputMask != nil && c < m.Cfg.InChannels:
		x = x.Concat(ctx, args.ConditionVideoInputMask, 1)
	case args.DataType == DataTypeImage && c < m.Cfg.InChannels:
		slog.Debug("padding image input channels", "from", c, "to", m.Cfg.InChannels)
		pad := ctx.Zeros(ml.DTypeF32, b, m.Cfg.InChannels-c, t, h, w)
		x = x.Concat(ctx, pad, 1)
	}

	if x.Dim(1) != m.Cfg.InChannels {
		return nil, fmt.Errorf("dit: expected %d input channels, got %d", m.Cfg.InChannels, x.Dim(1))
	}

	return x, nil
}

func (m *Model) unpatchify(ctx ml.Context, tokens ml.Tensor, layout Layout) ml.Tensor {
	if layout == LayoutTHWBD {
		tokens = tokens.Transpose(ctx, 3, 0, 1, 2, 4)
	}

	b, t, h, w := tokens.Dim(0), tokens.Dim(1), tokens.Dim(2), tokens.Dim(3)
	p, pt := m.Cfg.PatchSpatial, m.Cfg.PatchTemporal
	c := m.Cfg.OutChannels

	tokens = tokens.Reshape(ctx, b, t, h, w, c, pt, p, p)
	tokens = tokens.Transpose(ctx, 0, 4, 1, 5, 2, 6, 3, 7)
	return tokens.Reshape(ctx, b, c, t*pt, h*p, w*p)
}
