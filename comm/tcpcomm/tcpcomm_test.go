package tcpcomm

import (
	"context"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"golang.org/x/sync/errgroup"

	"github.com/bcastlab/bcastbench/comm"
)

const (
	testTag     = 7
	testMaxSize = 1 << 16
)

// freeAddrs reserves n distinct loopback addresses by binding ephemeral
// ports and releasing them again.
func freeAddrs(t *testing.T, n int) []string {
	t.Helper()
	addrs := make([]string, n)
	for i := range addrs {
		lst, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		addrs[i] = lst.Addr().String()
		require.NoError(t, lst.Close())
	}
	return addrs
}

// dialMesh brings up every endpoint of a loopback group concurrently, the
// way one process per rank would.
func dialMesh(t *testing.T, ctx context.Context, size int) []*Endpoint {
	t.Helper()
	addrs := freeAddrs(t, size)
	eps := make([]*Endpoint, size)
	eg, ctx := errgroup.WithContext(ctx)
	for rank := 0; rank < size; rank++ {
		rank := rank
		eg.Go(func() error {
			ep, err := New(ctx, rank, addrs, testMaxSize, zaptest.NewLogger(t))
			if err != nil {
				return fmt.Errorf("rank %d: %w", rank, err)
			}
			eps[rank] = ep
			return nil
		})
	}
	require.NoError(t, eg.Wait())
	t.Cleanup(func() {
		for _, ep := range eps {
			ep.Close()
		}
	})
	return eps
}

func testCtx(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestMeshSendRecv(t *testing.T) {
	ctx := testCtx(t)
	eps := dialMesh(t, ctx, 3)

	eg, ctx := errgroup.WithContext(ctx)
	for dest := 1; dest < 3; dest++ {
		dest := dest
		eg.Go(func() error {
			return eps[0].Send(ctx, dest, testTag, []byte{byte(dest), 0xaa})
		})
	}
	for dest := 1; dest < 3; dest++ {
		buf := make([]byte, 2)
		src, err := eps[dest].Recv(ctx, 0, testTag, buf)
		require.NoError(t, err)
		require.Equal(t, 0, src)
		require.Equal(t, []byte{byte(dest), 0xaa}, buf)
	}
	require.NoError(t, eg.Wait())
}

func TestIsendOrdering(t *testing.T) {
	ctx := testCtx(t)
	eps := dialMesh(t, ctx, 2)

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

func TestBcastAndBarrier(t *testing.T) {
	ctx := testCtx(t)
	const size = 4
	eps := dialMesh(t, ctx, size)

	payload := []byte("tcp mesh broadcast payload")
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
			if err := ep.Bcast(ctx, 0, buf); err != nil {
				return err
			}
			return ep.Barrier(ctx)
		})
	}
	require.NoError(t, eg.Wait())
	for rank := 0; rank < size; rank++ {
		require.Equal(t, payload, bufs[rank], "rank %d", rank)
	}
}

func TestSingleRank(t *testing.T) {
	ctx := testCtx(t)
	ep, err := New(ctx, 0, []string{"127.0.0.1:0"}, testMaxSize, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer ep.Close()

	require.Equal(t, 0, ep.Rank())
	require.Equal(t, 1, ep.Size())
	require.NoError(t, ep.Barrier(ctx))
	require.NoError(t, ep.Bcast(ctx, 0, []byte{1, 2, 3}))
}

func TestNewValidation(t *testing.T) {
	ctx := testCtx(t)
	logger := zaptest.NewLogger(t)

	_, err := New(ctx, 0, nil, testMaxSize, logger)
	require.Error(t, err)
	_, err = New(ctx, 2, []string{"127.0.0.1:0", "127.0.0.1:0"}, testMaxSize, logger)
	require.Error(t, err)
	_, err = New(ctx, -1, []string{"127.0.0.1:0"}, testMaxSize, logger)
	require.Error(t, err)
}
