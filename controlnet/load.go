package controlnet

import (
	"fmt"
	"strings"

	"github.com/pdevine/tensor"
	"github.com/pdevine/tensor/native"

	"github.com/jmorganca/ctrlnet/ml"
	"github.com/jmorganca/ctrlnet/safetensors"
)

// LoadOptions controls checkpoint interpretation.
type LoadOptions struct {
	// ColumnMajor repacks 2-D projection weights stored [in, out] into the
	// [out, in] layout the linear layers consume. Checkpoints exported by
	// the reference trainer use the column-major layout.
	ColumnMajor bool
}

// LoadNet populates the control branch from a safetensors checkpoint. Tensor
// names are rooted at "net" for a single source and "net.<i>" per source
// otherwise. The backbone's own weights are the caller's concern.
func LoadNet(ctx ml.Context, n *Net, weights safetensors.WeightSource, opts LoadOptions) error {
	if opts.ColumnMajor {
		weights = &repackSource{weights}
	}

	for i, src := range n.Sources {
		prefix := "net"
		if len(n.Sources) > 1 {
			prefix = fmt.Sprintf("net.%d", i)
		}

		if err := safetensors.LoadModule(ctx, src, weights, prefix); err != nil {
			return err
		}
	}

	if n.AugmentSigmaEmbedder != nil {
		if err := safetensors.LoadModule(ctx, n.AugmentSigmaEmbedder, weights, "net.augment_sigma_embedder"); err != nil {
			return err
		}
	}

	return nil
}

// repackSource transposes rank-2 projection weights on the way in.
type repackSource struct {
	safetensors.WeightSource
}

func (s *repackSource) GetTensor(ctx ml.Context, name string) (ml.Tensor, error) {
	t, err := s.WeightSource.GetTensor(ctx, name)
	if err != nil {
		return nil, err
	}

	if strings.HasSuffix(name, ".weight") && len(t.Shape()) == 2 {
		return repackLinearWeight(ctx, t)
	}

	return t, nil
}

func repackLinearWeight(ctx ml.Context, t ml.Tensor) (ml.Tensor, error) {
	in, out := t.Dim(0), t.Dim(1)

	n := tensor.New(tensor.WithShape(in, out), tensor.WithBacking(t.Floats()))
	if err := n.T(1, 0); err != nil {
		return nil, err
	}
	if err := n.Transpose(); err != nil {
		return nil, err
	}

	rows, err := native.SelectF32(n, 1)
	if err != nil {
		return nil, err
	}

	data := make([]float32, 0, in*out)
	for _, row := range rows {
		data = append(data, row...)
	}

	return ctx.FromFloats(data, out, in), nil
}
