package comm

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestHandleWait(t *testing.T) {
	h := NewHandle()
	go h.Complete(nil)
	require.NoError(t, h.Wait(context.Background()))
	// A completed handle can be waited on again.
	require.NoError(t, h.Wait(context.Background()))

	sendErr := errors.New("boom")
	h = NewHandle()
	h.Complete(sendErr)
	require.ErrorIs(t, h.Wait(context.Background()), sendErr)
}

func TestHandleWaitCancel(t *testing.T) {
	h := NewHandle()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, h.Wait(ctx), context.DeadlineExceeded)
}

func TestWaitAll(t *testing.T) {
	ctx := context.Background()
	require.NoError(t, WaitAll(ctx, nil))
	require.NoError(t, WaitAll(ctx, []*Handle{nil, nil}))

	ok := NewHandle()
	ok.Complete(nil)
	first := NewHandle()
	first.Complete(errors.New("first"))
	second := NewHandle()
	second.Complete(errors.New("second"))

	// Nil slots are skipped and the first error wins.
	err := WaitAll(ctx, []*Handle{nil, ok, first, second})
	require.EqualError(t, err, "first")
}
