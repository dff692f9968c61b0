// Package chancomm implements comm.Comm for a process group that lives in a
// single OS process: every rank is a goroutine and every (destination, tag)
// pair is bridged through an unbuffered channel, so a blocking send completes
// exactly when the peer pulls the message into its posted receive.
package chancomm

import (
	"context"
	"fmt"
	"sync"

	"github.com/bcastlab/bcastbench/comm"
)

const transport = "chan"

type envelope struct {
	src  int
	data []byte
}

// mesh is the shared bridge between all endpoints of one group.
type mesh struct {
	size    int
	mu      sync.Mutex
	queues  []map[int]chan envelope // rank -> tag -> inbound queue
	barrier *barrier
}

func (m *mesh) queue(rank, tag int) chan envelope {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch, ok := m.queues[rank][tag]
	if !ok {
		ch = make(chan envelope)
		m.queues[rank][tag] = ch
	}
	return ch
}

// Endpoint is one rank's view of the group.
type Endpoint struct {
	rank   int
	mesh   *mesh
	closed chan struct{}
	once   sync.Once

	// lastSend chains in-flight sends per destination so messages between
	// one pair of ranks can never overtake each other, no matter how many
	// non-blocking sends are outstanding.
	sendMu   sync.Mutex
	lastSend map[int]*comm.Handle
}

var _ comm.Comm = (*Endpoint)(nil)

// New creates a fully connected in-process group and returns one endpoint
// per rank.
func New(size int) ([]*Endpoint, error) {
	if size < 1 {
		return nil, fmt.Errorf("group size must be at least 1, got %d", size)
	}
	m := &mesh{
		size:    size,
		queues:  make([]map[int]chan envelope, size),
		barrier: newBarrier(size),
	}
	eps := make([]*Endpoint, size)
	for i := range eps {
		m.queues[i] = make(map[int]chan envelope)
		eps[i] = &Endpoint{
			rank:     i,
			mesh:     m,
			closed:   make(chan struct{}),
			lastSend: map[int]*comm.Handle{},
		}
	}
	return eps, nil
}

func (e *Endpoint) Rank() int { return e.rank }
func (e *Endpoint) Size() int { return e.mesh.size }

func (e *Endpoint) checkPeer(peer int) error {
	if peer < 0 || peer >= e.mesh.size || peer == e.rank {
		return fmt.Errorf("comm: invalid peer rank %d in group of %d", peer, e.mesh.size)
	}
	return nil
}

// transmit hands one message to the destination's queue, blocking until the
// peer pulled it into a posted receive.
func (e *Endpoint) transmit(ctx context.Context, dest, tag int, data []byte) error {
	// Snapshot so the caller may reuse its buffer the moment the send
	// completes.
	buf := make([]byte, len(data))
	copy(buf, data)
	select {
	case e.mesh.queue(dest, tag) <- envelope{src: e.rank, data: buf}:
		comm.ReportSend(transport, len(data))
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-e.closed:
		return comm.ErrClosed
	}
}

// Send blocks until rank dest pulled the message on tag.
func (e *Endpoint) Send(ctx context.Context, dest, tag int, data []byte) error {
	h, err := e.Isend(ctx, dest, tag, data)
	if err != nil {
		return err
	}
	return h.Wait(ctx)
}

// Recv blocks for the next message on tag, copies it into buf and returns
// the sender rank. source may be comm.AnySource.
func (e *Endpoint) Recv(ctx context.Context, source, tag int, buf []byte) (int, error) {
	if source != comm.AnySource {
		if err := e.checkPeer(source); err != nil {
			return 0, err
		}
	}
	select {
	case env := <-e.mesh.queue(e.rank, tag):
		if source != comm.AnySource && env.src != source {
			return env.src, fmt.Errorf("%w: want %d, got %d (tag %d)",
				comm.ErrUnexpectedSource, source, env.src, tag)
		}
		if len(buf) < len(env.data) {
			return env.src, fmt.Errorf("%w: need %d, have %d",
				comm.ErrShortBuffer, len(env.data), len(buf))
		}
		copy(buf, env.data)
		return env.src, nil
	case <-ctx.Done():
		return 0, ctx.Err()
	case <-e.closed:
		return 0, comm.ErrClosed
	}
}

// Isend starts the transfer on a goroutine and returns its handle. Sends to
// the same destination are chained, so they are delivered in issue order.
func (e *Endpoint) Isend(ctx context.Context, dest, tag int, data []byte) (*comm.Handle, error) {
	if err := e.checkPeer(dest); err != nil {
		return nil, err
	}
	h := comm.NewHandle()
	e.sendMu.Lock()
	prev := e.lastSend[dest]
	e.lastSend[dest] = h
	e.sendMu.Unlock()
	go func() {
		if prev != nil {
			// The predecessor resolves even on failure, its own ctx covers
			// cancellation.
			_ = prev.Wait(context.Background())
		}
		h.Complete(e.transmit(ctx, dest, tag, data))
	}()
	return h, nil
}

// bcastTag is reserved for the built-in collective so it cannot collide with
// in-flight strategy traffic.
const bcastTag = -2

// Bcast distributes root's buf to every rank over a binomial tree. Every
// rank of the group must call it.
func (e *Endpoint) Bcast(ctx context.Context, root int, buf []byte) error {
	return comm.BinomialBcast(ctx, e, root, buf, bcastTag)
}

func (e *Endpoint) Barrier(ctx context.Context) error {
	comm.ReportBarrier(transport)
	return e.mesh.barrier.await(ctx)
}

func (e *Endpoint) Close() error {
	e.once.Do(func() { close(e.closed) })
	return nil
}

// barrier is a reusable generation barrier: the last arriving rank releases
// everyone by closing the generation's channel.
type barrier struct {
	n       int
	mu      sync.Mutex
	count   int
	release chan struct{}
}

func newBarrier(n int) *barrier {
	return &barrier{n: n, release: make(chan struct{})}
}

func (b *barrier) await(ctx context.Context) error {
	b.mu.Lock()
	b.count++
	if b.count == b.n {
		close(b.release)
		b.count = 0
		b.release = make(chan struct{})
		b.mu.Unlock()
		return nil
	}
	ch := b.release
	b.mu.Unlock()
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
