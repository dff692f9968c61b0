package bcast

import (
	"context"

	"github.com/bcastlab/bcastbench/comm"
)

// ringBcast forwards the whole buffer along the chain 0 -> 1 -> ... ->
// size-1. A rank's forward cannot start before its receive completed, so the
// payload crosses O(size) sequential hops.
type ringBcast struct{}

func (ringBcast) Name() string { return NameRing }

func (ringBcast) Broadcast(ctx context.Context, c comm.Comm, buf []byte, _ Plan) error {
	rank, size := c.Rank(), c.Size()
	if size == 1 {
		return nil
	}
	if rank == 0 {
		return c.Send(ctx, 1, DataTag, buf)
	}
	if _, err := c.Recv(ctx, rank-1, DataTag, buf); err != nil {
		return err
	}
	if rank != size-1 {
		return c.Send(ctx, rank+1, DataTag, buf)
	}
	return nil
}

// pipelinedRingBcast pushes the payload through the same ring one chunk at a
// time, purely with blocking calls. Chunks pipeline across ranks (rank r+1
// receives chunk j while rank r sends chunk j+1) but forwarding within one
// rank is strictly receive-then-send per chunk.
type pipelinedRingBcast struct{}

func (pipelinedRingBcast) Name() string { return NamePipelinedRing }

func (pipelinedRingBcast) Broadcast(ctx context.Context, c comm.Comm, buf []byte, plan Plan) error {
	rank, size := c.Rank(), c.Size()
	if size == 1 {
		return nil
	}
	if rank == 0 {
		for _, ch := range plan {
			if err := c.Send(ctx, 1, DataTag, buf[ch.Off:ch.Off+ch.Len]); err != nil {
				return err
			}
		}
		return nil
	}
	for _, ch := range plan {
		if _, err := c.Recv(ctx, rank-1, DataTag, buf[ch.Off:ch.Off+ch.Len]); err != nil {
			return err
		}
		if rank != size-1 {
			if err := c.Send(ctx, rank+1, DataTag, buf[ch.Off:ch.Off+ch.Len]); err != nil {
				return err
			}
		}
	}
	return nil
}

// asyncRingBcast is the pipelined ring with non-blocking forwards: a rank
// issues the forward of chunk j and immediately blocks on the receive of
// chunk j+1, overlapping the two transfers.
type asyncRingBcast struct {
	trackAll bool
}

func (asyncRingBcast) Name() string { return NameAsyncRing }

func (s asyncRingBcast) Broadcast(ctx context.Context, c comm.Comm, buf []byte, plan Plan) error {
	rank, size := c.Rank(), c.Size()
	if size == 1 {
		return nil
	}
	var (
		handles []*comm.Handle
		last    *comm.Handle
	)
	issue := func(dest int, data []byte) error {
		h, err := c.Isend(ctx, dest, DataTag, data)
		if err != nil {
			return err
		}
		if s.trackAll {
			handles = append(handles, h)
		}
		last = h
		return nil
	}
	if rank == 0 {
		for _, ch := range plan {
			if err := issue(1, buf[ch.Off:ch.Off+ch.Len]); err != nil {
				return err
			}
		}
	} else {
		for _, ch := range plan {
			if _, err := c.Recv(ctx, rank-1, DataTag, buf[ch.Off:ch.Off+ch.Len]); err != nil {
				return err
			}
			if rank != size-1 {
				if err := issue(rank+1, buf[ch.Off:ch.Off+ch.Len]); err != nil {
					return err
				}
			}
		}
	}
	if s.trackAll {
		return comm.WaitAll(ctx, handles)
	}
	// Reference behavior: the root returns without waiting at all and every
	// forwarding rank waits only on its final outstanding send.
	if rank != 0 && last != nil {
		return last.Wait(ctx)
	}
	return nil
}
