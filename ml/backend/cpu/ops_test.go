package cpu

import (
	"math"
	"testing"

	"github.com/jmorganca/ctrlnet/ml"
)

func testContext(t *testing.T) ml.Context {
	t.Helper()
	return New(ml.BackendParams{NumThreads: 2}).NewContext()
}

func expectFloats(t *testing.T, got ml.Tensor, want []float32, tol float64) {
	t.Helper()

	data := got.Floats()
	if len(data) != len(want) {
		t.Fatalf("expected %d values, got %d", len(want), len(data))
	}
	for i := range want {
		if math.Abs(float64(data[i]-want[i])) > tol {
			t.Errorf("value %d: expected %v, got %v", i, want[i], data[i])
		}
	}
}

func TestAddBroadcast(t *testing.T) {
	ctx := testContext(t)

	a := ctx.FromFloats([]float32{1, 2, 3, 4}, 2, 2)
	b := ctx.FromFloats([]float32{10, 20}, 1, 2)

	expectFloats(t, a.Add(ctx, b), []float32{11, 22, 13, 24}, 0)
}

func TestMulBroadcastScalar(t *testing.T) {
	ctx := testContext(t)

	a := ctx.FromFloats([]float32{1, 2, 3, 4, 5, 6}, 2, 3)
	b := ctx.FromFloats([]float32{2}, 1, 1)

	expectFloats(t, a.Mul(ctx, b), []float32{2, 4, 6, 8, 10, 12}, 0)
}

func TestMulBroadcastLowerRank(t *testing.T) {
	ctx := testContext(t)

	a := ctx.FromFloats([]float32{1, 2, 3, 4}, 2, 2)
	b := ctx.FromFloats([]float32{10, 100}, 2)

	expectFloats(t, a.Mul(ctx, b), []float32{10, 200, 30, 400}, 0)
}

func TestMatmul(t *testing.T) {
	ctx := testContext(t)

	a := ctx.FromFloats([]float32{1, 2, 3, 4, 5, 6}, 2, 3)
	b := ctx.FromFloats([]float32{7, 8, 9, 10, 11, 12}, 3, 2)

	expectFloats(t, a.Matmul(ctx, b), []float32{58, 64, 139, 154}, 0)
}

func TestMatmulBatchBroadcast(t *testing.T) {
	ctx := testContext(t)

	a := ctx.FromFloats([]float32{
		1, 0,
		0, 1,

		2, 0,
		0, 2,
	}, 2, 2, 2)
	b := ctx.FromFloats([]float32{1, 2, 3, 4}, 2, 2)

	expectFloats(t, a.Matmul(ctx, b), []float32{1, 2, 3, 4, 2, 4, 6, 8}, 0)
}

func TestSILU(t *testing.T) {
	ctx := testContext(t)

	a := ctx.FromFloats([]float32{0, 1}, 2)
	expectFloats(t, a.SILU(ctx), []float32{0, 0.7310586}, 1e-5)
}

func TestSoftmax(t *testing.T) {
	ctx := testContext(t)

	a := ctx.FromFloats([]float32{0, 0, 1, 1}, 2, 2)
	expectFloats(t, a.Softmax(ctx), []float32{0.5, 0.5, 0.5, 0.5}, 1e-6)
}

func TestLayerNorm(t *testing.T) {
	ctx := testContext(t)

	a := ctx.FromFloats([]float32{1, 3}, 1, 2)
	expectFloats(t, a.LayerNorm(ctx, nil, nil, 1e-6), []float32{-1, 1}, 1e-3)
}

func TestRMSNorm(t *testing.T) {
	ctx := testContext(t)

	a := ctx.FromFloats([]float32{2, 2}, 1, 2)
	expectFloats(t, a.RMSNorm(ctx, nil, 1e-6), []float32{1, 1}, 1e-3)
}

func TestTranspose(t *testing.T) {
	ctx := testContext(t)

	a := ctx.FromFloats([]float32{1, 2, 3, 4, 5, 6}, 2, 3)
	at := a.Transpose(ctx)

	if at.Dim(0) != 3 || at.Dim(1) != 2 {
		t.Fatalf("expected shape [3, 2], got %v", at.Shape())
	}
	expectFloats(t, at, []float32{1, 4, 2, 5, 3, 6}, 0)
}

func TestTransposePermutation(t *testing.T) {
	ctx := testContext(t)

	a := ctx.FromFloats([]float32{1, 2, 3, 4, 5, 6, 7, 8}, 2, 2, 2)
	at := a.Transpose(ctx, 2, 0, 1)

	expectFloats(t, at, []float32{1, 3, 5, 7, 2, 4, 6, 8}, 0)
}

func TestConcat(t *testing.T) {
	ctx := testContext(t)

	a := ctx.FromFloats([]float32{1, 2, 3, 4}, 2, 2)
	b := ctx.FromFloats([]float32{5, 6}, 2, 1)

	out := a.Concat(ctx, b, 1)
	if out.Dim(1) != 3 {
		t.Fatalf("expected 3 columns, got %v", out.Shape())
	}
	expectFloats(t, out, []float32{1, 2, 5, 3, 4, 6}, 0)
}

func TestChunkNarrow(t *testing.T) {
	ctx := testContext(t)

	a := ctx.FromFloats([]float32{1, 2, 3, 4, 5, 6}, 2, 3)

	parts := a.Chunk(ctx, 0, 2)
	if len(parts) != 2 {
		t.Fatalf("expected 2 chunks, got %d", len(parts))
	}
	expectFloats(t, parts[0], []float32{1, 2, 3}, 0)
	expectFloats(t, parts[1], []float32{4, 5, 6}, 0)

	expectFloats(t, a.Narrow(ctx, 1, 1, 2), []float32{2, 3, 5, 6}, 0)
}

func TestRepeat(t *testing.T) {
	ctx := testContext(t)

	a := ctx.FromFloats([]float32{1, 2}, 1, 2)
	expectFloats(t, a.Repeat(ctx, 0, 3), []float32{1, 2, 1, 2, 1, 2}, 0)
}

func TestInterpolateNearest(t *testing.T) {
	ctx := testContext(t)

	a := ctx.FromFloats([]float32{1, 2}, 1, 2)
	expectFloats(t, a.Interpolate(ctx, ml.InterpolateNearest, 4), []float32{1, 1, 2, 2}, 0)
}

func TestInterpolateTrilinearConstant(t *testing.T) {
	ctx := testContext(t)

	s := make([]float32, 8)
	for i := range s {
		s[i] = 3
	}
	a := ctx.FromFloats(s, 2, 2, 2)

	expectFloats(t, a.Interpolate(ctx, ml.InterpolateTrilinear, 3, 3, 3), []float32{
		3, 3, 3, 3, 3, 3, 3, 3, 3,
		3, 3, 3, 3, 3, 3, 3, 3, 3,
		3, 3, 3, 3, 3, 3, 3, 3, 3,
	}, 1e-6)
}

func TestInterpolateLinearLine(t *testing.T) {
	ctx := testContext(t)

	// align_corners=false: source positions -0.25, 0.25, 0.75, 1.25 clamp
	// to [0, 1]
	a := ctx.FromFloats([]float32{0, 1}, 1, 2)
	expectFloats(t, a.Interpolate(ctx, ml.InterpolateTrilinear, 4), []float32{0, 0.25, 0.75, 1}, 1e-6)
}
