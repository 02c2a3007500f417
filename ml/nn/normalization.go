package nn

import "github.com/jmorganca/ctrlnet/ml"

type LayerNorm struct {
	Weight ml.Tensor `safetensors:"weight"`
	Bias   ml.Tensor `safetensors:"bias"`
}

func (m *LayerNorm) Forward(ctx ml.Context, t ml.Tensor, eps float32) ml.Tensor {
	return t.LayerNorm(ctx, m.Weight, m.Bias, eps)
}

type RMSNorm struct {
	Weight ml.Tensor `safetensors:"weight"`
}

func (m *RMSNorm) Forward(ctx ml.Context, t ml.Tensor, eps float32) ml.Tensor {
	return t.RMSNorm(ctx, m.Weight, eps)
}
