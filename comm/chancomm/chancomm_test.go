package chancomm

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/bcastlab/bcastbench/comm"
)

const testTag = 7

func testCtx(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestSendRecv(t *testing.T) {
	ctx := testCtx(t)
	eps, err := New(2)
	require.NoError(t, err)

	go func() {
		_ = eps[0].Send(ctx, 1, testTag, []byte("payload"))
	}()
	buf := make([]byte, 16)
	src, err := eps[1].Recv(ctx, 0, testTag, buf)
	require.NoError(t, err)
	require.Equal(t, 0, src)
	require.Equal(t, []byte("payload"), buf[:7])
}

func TestSendBlocksUntilReceivePosted(t *testing.T) {
	ctx := testCtx(t)
	eps, err := New(2)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		done <- eps[0].Send(ctx, 1, testTag, []byte{1})
	}()
	select {
	case <-done:
		t.Fatal("send completed with no receive posted")
	case <-time.After(50 * time.Millisecond):
	}
	_, err = eps[1].Recv(ctx, 0, testTag, make([]byte, 1))
	require.NoError(t, err)
	require.NoError(t, <-done)
}

// TestIsendOrdering issues a burst of non-blocking sends and requires them
// to arrive in issue order: messages between one pair of ranks must never
// overtake each other.
func TestIsendOrdering(t *testing.T) {
	ctx := testCtx(t)
	eps, err := New(2)
	require.NoError(t, err)

	const n = 50
	handles := make([]*comm.Handle, n)
	for i := 0; i < n; i++ {
		h, err := eps[0].Isend(ctx, 1, testTag, []byte{byte(i)})
		require.NoError(t, err)
		handles[i] = h
	}
	buf := make([]byte, 1)
	for i := 0; i < n; i++ {
		_, err := eps[1].Recv(ctx, 0, testTag, buf)
		require.NoError(t, err)
		require.Equal(t, byte(i), buf[0], "message %d out of order", i)
	}
	require.NoError(t, comm.WaitAll(ctx, handles))
}

func TestRecvAnySource(t *testing.T) {
	ctx := testCtx(t)
	eps, err := New(4)
	require.NoError(t, err)

	for rank := 1; rank < 4; rank++ {
		rank := rank
		go func() {
			_ = eps[rank].Send(ctx, 0, testTag, []byte{byte(rank)})
		}()
	}
	seen := map[int]bool{}
	buf := make([]byte, 1)
	for i := 0; i < 3; i++ {
		src, err := eps[0].Recv(ctx, comm.AnySource, testTag, buf)
		require.NoError(t, err)
		require.Equal(t, byte(src), buf[0])
		seen[src] = true
	}
	require.Len(t, seen, 3)
}

func TestRecvUnexpectedSource(t *testing.T) {
	ctx := testCtx(t)
	eps, err := New(3)
	require.NoError(t, err)

	go func() {
		_ = eps[2].Send(ctx, 0, testTag, []byte{42})
	}()
	_, err = eps[0].Recv(ctx, 1, testTag, make([]byte, 1))
	require.ErrorIs(t, err, comm.ErrUnexpectedSource)
}

func TestRecvShortBuffer(t *testing.T) {
	ctx := testCtx(t)
	eps, err := New(2)
	require.NoError(t, err)

	go func() {
		_ = eps[0].Send(ctx, 1, testTag, []byte("too large"))
	}()
	_, err = eps[1].Recv(ctx, 0, testTag, make([]byte, 3))
	require.ErrorIs(t, err, comm.ErrShortBuffer)
}

func TestInvalidPeer(t *testing.T) {
	ctx := testCtx(t)
	eps, err := New(2)
	require.NoError(t, err)

	require.Error(t, eps[0].Send(ctx, 0, testTag, nil))  // self
	require.Error(t, eps[0].Send(ctx, 2, testTag, nil))  // out of range
	require.Error(t, eps[0].Send(ctx, -1, testTag, nil)) // negative
}

func TestBarrier(t *testing.T) {
	ctx := testCtx(t)
	const size = 8
	eps, err := New(size)
	require.NoError(t, err)

	var arrived atomic.Int32
	eg, ctx := errgroup.WithContext(ctx)
	for _, ep := range eps {
		ep := ep
		eg.Go(func() error {
			for round := 0; round < 3; round++ {
				arrived.Add(1)
				if err := ep.Barrier(ctx); err != nil {
					return err
				}
				// Everyone must have entered this round before anyone
				// passed the barrier.
				if n := arrived.Load(); n < int32((round+1)*size) {
					return fmt.Errorf("barrier released after %d arrivals", n)
				}
			}
			return nil
		})
	}
	require.NoError(t, eg.Wait())
}

func TestBcast(t *testing.T) {
	payload := []byte("the quick brown fox jumps over the lazy dog")
	for size := 1; size <= 9; size++ {
		t.Run(fmt.Sprintf("size=%d", size), func(t *testing.T) {
			ctx := testCtx(t)
			eps, err := New(size)
			require.NoError(t, err)

			bufs := make([][]byte, size)
			eg, ctx := errgroup.WithContext(ctx)
			for rank := 0; rank < size; rank++ {
				buf := make([]byte, len(payload))
				if rank == 0 {
					copy(buf, payload)
				}
				bufs[rank] = buf
				ep := eps[rank]
				eg.Go(func() error {
					return ep.Bcast(ctx, 0, buf)
				})
			}
			require.NoError(t, eg.Wait())
			for rank := 0; rank < size; rank++ {
				require.Equal(t, payload, bufs[rank], "rank %d", rank)
			}
		})
	}
}

func TestClosed(t *testing.T) {
	ctx := testCtx(t)
	eps, err := New(2)
	require.NoError(t, err)

	require.NoError(t, eps[0].Close())
	require.ErrorIs(t, eps[0].Send(ctx, 1, testTag, nil), comm.ErrClosed)
	_, err = eps[0].Recv(ctx, 1, testTag, nil)
	require.ErrorIs(t, err, comm.ErrClosed)
}

func TestNewInvalidSize(t *testing.T) {
	_, err := New(0)
	require.Error(t, err)
}
