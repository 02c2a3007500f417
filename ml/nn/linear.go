package nn

import "github.com/jmorganca/ctrlnet/ml"

type Linear struct {
	Weight ml.Tensor `safetensors:"weight"`
	Bias   ml.Tensor `safetensors:"bias,optional"`
}

func (m *Linear) Forward(ctx ml.Context, t ml.Tensor) ml.Tensor {
	t = t.Matmul(ctx, m.Weight.Transpose(ctx))
	if m.Bias != nil {
		t = t.Add(ctx, m.Bias)
	}

	return t
}

// InFeatures and OutFeatures follow the [out, in] weight layout.
func (m *Linear) InFeatures() int  { return m.Weight.Dim(1) }
func (m *Linear) OutFeatures() int { return m.Weight.Dim(0) }
