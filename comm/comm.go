// Package comm defines the point-to-point messaging contract the broadcast
// strategies run over: reliable ordered sends and receives between ranked
// peers, non-blocking sends with explicit completion, and a collective
// barrier. Implementations live in the chancomm and tcpcomm subpackages.
package comm

import (
	"context"
	"errors"
)

// AnySource can be passed to Recv to accept a message from whichever rank
// has one queued first.
const AnySource = -1

var (
	// ErrClosed is returned for operations on a closed endpoint.
	ErrClosed = errors.New("comm: endpoint closed")
	// ErrUnexpectedSource is returned by Recv when the queued message came
	// from a rank other than the requested one.
	ErrUnexpectedSource = errors.New("comm: message from unexpected source")
	// ErrShortBuffer is returned by Recv when the posted buffer is smaller
	// than the incoming message.
	ErrShortBuffer = errors.New("comm: receive buffer too small")
)

// Comm is one rank's endpoint into the process group. Messages between the
// same ordered pair of ranks on the same tag are delivered FIFO; there is no
// ordering guarantee across pairs. A blocking Send returns only once the
// destination pulled the message into a posted receive.
type Comm interface {
	Rank() int
	Size() int

	// Send blocks until the destination posted the matching receive.
	Send(ctx context.Context, dest, tag int, data []byte) error
	// Recv blocks until a message on tag arrives, copies it into buf and
	// returns the sender rank. source may be AnySource.
	Recv(ctx context.Context, source, tag int, buf []byte) (int, error)
	// Isend starts the transfer and returns immediately. The handle must be
	// waited on before the sent region is reused or the rank returns.
	Isend(ctx context.Context, dest, tag int, data []byte) (*Handle, error)

	// Bcast is the substrate's built-in whole-buffer collective. Every rank
	// must call it; root's buf is the source, all others are overwritten.
	Bcast(ctx context.Context, root int, buf []byte) error
	// Barrier blocks until every rank in the group reached it.
	Barrier(ctx context.Context) error

	Close() error
}

// Handle tracks one in-flight non-blocking send.
type Handle struct {
	done chan struct{}
	err  error
}

// NewHandle creates a pending handle. Implementations complete it exactly
// once when the transfer finished.
func NewHandle() *Handle {
	return &Handle{done: make(chan struct{})}
}

// Complete marks the transfer finished with the given result.
func (h *Handle) Complete(err error) {
	h.err = err
	close(h.done)
}

// Wait blocks until the transfer completed or ctx expired.
func (h *Handle) Wait(ctx context.Context) error {
	select {
	case <-h.done:
		return h.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// WaitAll waits on every non-nil handle and returns the first error.
func WaitAll(ctx context.Context, handles []*Handle) error {
	var first error
	for _, h := range handles {
		if h == nil {
			continue
		}
		if err := h.Wait(ctx); err != nil && first == nil {
			first = err
		}
	}
	return first
}
