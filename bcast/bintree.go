package bcast

import (
	"context"

	"github.com/bcastlab/bcastbench/comm"
)

// asyncBintreeBcast runs the group as a complete binary tree indexed by
// rank: root at 0, children of rank r at 2r+1 and 2r+2, parent at (r-1)/2.
// Per chunk, a rank blocks to receive from its parent and issues a
// non-blocking send to each existing child, so a rank holds at most two
// outstanding sends. Depth is O(log size) hops at the cost of more total
// messages than the ring.
type asyncBintreeBcast struct {
	trackAll bool
}

func (asyncBintreeBcast) Name() string { return NameAsyncBintree }

func (s asyncBintreeBcast) Broadcast(ctx context.Context, c comm.Comm, buf []byte, plan Plan) error {
	rank, size := c.Rank(), c.Size()
	if size == 1 {
		return nil
	}
	var (
		handles     []*comm.Handle
		left, right *comm.Handle
	)
	for _, ch := range plan {
		data := buf[ch.Off : ch.Off+ch.Len]
		if rank != 0 {
			if _, err := c.Recv(ctx, (rank-1)/2, DataTag, data); err != nil {
				return err
			}
		}
		if child := 2*rank + 1; child < size {
			h, err := c.Isend(ctx, child, DataTag, data)
			if err != nil {
				return err
			}
			if s.trackAll {
				handles = append(handles, h)
			}
			left = h
		}
		if child := 2*rank + 2; child < size {
			h, err := c.Isend(ctx, child, DataTag, data)
			if err != nil {
				return err
			}
			if s.trackAll {
				handles = append(handles, h)
			}
			right = h
		}
	}
	if s.trackAll {
		return comm.WaitAll(ctx, handles)
	}
	// Reference behavior: only the final pair of handles is waited on;
	// handles of earlier chunks were superseded as the two slots were
	// reused.
	return comm.WaitAll(ctx, []*comm.Handle{left, right})
}
