// Package parallel models the fixed-size worker group used for
// sequence-parallel execution. The group contract is order preserving: a
// tensor scattered along its leading axis and gathered back in rank order is
// bitwise identical to the original. Collective communication itself lives
// outside this module; LocalGroup covers single-process execution and tests.
package parallel

import (
	"fmt"

	"github.com/jmorganca/ctrlnet/ml"
)

// Group is a fixed-size, order-preserving worker group.
type Group interface {
	WorldSize() int
}

type LocalGroup struct {
	size int
}

func NewLocalGroup(size int) (*LocalGroup, error) {
	if size < 1 {
		return nil, fmt.Errorf("parallel: group size %d < 1", size)
	}

	return &LocalGroup{size: size}, nil
}

func (g *LocalGroup) WorldSize() int { return g.size }

// ScatterLeadingAxis splits t evenly along its leading axis and returns the
// shard owned by rank. The leading axis must be divisible by the world size.
func ScatterLeadingAxis(ctx ml.Context, t ml.Tensor, group Group, rank int) (ml.Tensor, error) {
	world := group.WorldSize()
	if rank < 0 || rank >= world {
		return nil, fmt.Errorf("parallel: rank %d outside world size %d", rank, world)
	}

	n := t.Dim(0)
	if n%world != 0 {
		return nil, fmt.Errorf("parallel: leading axis %d not divisible by world size %d", n, world)
	}

	if world == 1 {
		return t, nil
	}

	shard := n / world
	return t.Narrow(ctx, 0, rank*shard, shard), nil
}

// GatherLeadingAxis concatenates shards along the leading axis in rank order.
func GatherLeadingAxis(ctx ml.Context, shards []ml.Tensor) (ml.Tensor, error) {
	if len(shards) == 0 {
		return nil, fmt.Errorf("parallel: gather of zero shards")
	}

	out := shards[0]
	for _, s := range shards[1:] {
		out = out.Concat(ctx, s, 0)
	}

	return out, nil
}
