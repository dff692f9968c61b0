package bcast

import (
	"context"

	"github.com/bcastlab/bcastbench/comm"
)

// libraryBcast hands the whole buffer to the substrate's built-in collective
// in one call. It is the performance baseline and ignores the chunk plan
// entirely.
type libraryBcast struct{}

func (libraryBcast) Name() string { return NameDefault }

func (libraryBcast) Broadcast(ctx context.Context, c comm.Comm, buf []byte, _ Plan) error {
	return c.Bcast(ctx, 0, buf)
}
