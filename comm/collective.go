package comm

import (
	"context"
	"fmt"
)

// BinomialBcast relays rank 0's buf to every rank of the group over
// point-to-point sends on the given tag: in the round with distance mask,
// every rank below mask already holds the data and serves the peer at
// rank+mask. Every rank must call it; non-roots are overwritten.
func BinomialBcast(ctx context.Context, c Comm, root int, buf []byte, tag int) error {
	if root != 0 {
		return fmt.Errorf("comm: bcast root must be rank 0, got %d", root)
	}
	size := c.Size()
	if size == 1 {
		return nil
	}
	if c.Rank() != root {
		if _, err := c.Recv(ctx, AnySource, tag, buf); err != nil {
			return err
		}
	}
	for mask := 1; mask < size; mask <<= 1 {
		if c.Rank() < mask && c.Rank()+mask < size {
			if err := c.Send(ctx, c.Rank()+mask, tag, buf); err != nil {
				return err
			}
		}
	}
	return nil
}
