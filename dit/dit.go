// Package dit provides the diffusion-transformer backbone contract consumed
// by the control-conditioning pipeline, together with a compact reference
// backbone. The reference blocks are modulated MLP mixers: attention
// internals are deliberately out of scope, only the block boundary behavior
// (named execution order, token layout, external control-signal injection)
// matters to callers.
package dit

import (
	"github.com/jmorganca/ctrlnet/ml"
)

// DataType describes the dataset a batch was drawn from.
type DataType int

const (
	DataTypeVideo DataType = iota
	DataTypeImage
)

func (d DataType) String() string {
	switch d {
	case DataTypeVideo:
		return "video"
	case DataTypeImage:
		return "image"
	default:
		return "unknown"
	}
}

// Layout is the token layout a block consumes.
type Layout int

const (
	// LayoutTHWBD is time-major: [T, H, W, B, D].
	LayoutTHWBD Layout = iota
	// LayoutBTHWD is batch-major: [B, T, H, W, D].
	LayoutBTHWD
)

func (l Layout) String() string {
	switch l {
	case LayoutTHWBD:
		return "THWBD"
	case LayoutBTHWD:
		return "BTHWD"
	default:
		return "unknown"
	}
}

// Args carries one forward invocation. X is [B, C, T, H, W]; Timesteps is
// [B]; CrossAttnEmb is [B, M, Dc] with an optional [B, M] mask. Kwargs is the
// auxiliary argument bag; the control path looks its hint tensor up there.
type Args struct {
	X             ml.Tensor
	Timesteps     ml.Tensor
	CrossAttnEmb  ml.Tensor
	CrossAttnMask ml.Tensor

	FPS         ml.Tensor
	ImageSize   ml.Tensor
	PaddingMask ml.Tensor

	ScalarFeature ml.Tensor

	DataType DataType

	// XCtrl maps block names to externally computed control contributions.
	// Nil or empty means uncontrolled.
	XCtrl map[string]ml.Tensor

	ConditionVideoInputMask    ml.Tensor
	ConditionVideoPose         ml.Tensor
	ConditionVideoAugmentSigma ml.Tensor
	LatentCondition            ml.Tensor
	LatentConditionSigma       ml.Tensor
	ViewIndices                ml.Tensor
	FrameRepeat                ml.Tensor

	Kwargs map[string]ml.Tensor

	// Training reports whether gradients are being tracked for this call.
	Training bool
}

// Backbone is the large pretrained model the control path conditions.
type Backbone interface {
	Forward(ctx ml.Context, args Args) (ml.Tensor, error)

	// Trainable reports whether the backbone's own parameters are being
	// trained alongside the control path.
	Trainable() bool

	Config() Config
}
