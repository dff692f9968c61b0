package bcast

import (
	"context"

	"github.com/bcastlab/bcastbench/comm"
)

// naiveBcast has the root send the entire buffer to every other rank in rank
// order, one blocking send at a time. The O(size) serialized sends at the
// root dominate its latency.
type naiveBcast struct{}

func (naiveBcast) Name() string { return NameNaive }

func (naiveBcast) Broadcast(ctx context.Context, c comm.Comm, buf []byte, _ Plan) error {
	if c.Rank() != 0 {
		_, err := c.Recv(ctx, 0, DataTag, buf)
		return err
	}
	for j := 1; j < c.Size(); j++ {
		if err := c.Send(ctx, j, DataTag, buf); err != nil {
			return err
		}
	}
	return nil
}
