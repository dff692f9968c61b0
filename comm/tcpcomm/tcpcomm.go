// Package tcpcomm implements comm.Comm for a process group with one OS
// process per rank, connected by a full TCP mesh. Frames are varint
// length-prefixed via go-msgio and carry a 4-byte tag header before the
// payload. Mesh setup: every rank listens on addrs[rank]; rank i dials every
// j < i and identifies itself with a hello frame, so each pair shares exactly
// one connection.
package tcpcomm

import (
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/libp2p/go-msgio"
	"go.uber.org/zap"

	"github.com/bcastlab/bcastbench/comm"
)

const (
	transport = "tcp"

	// Reserved tags, kept clear of strategy traffic.
	bcastTag   = -2
	barrierTag = -3

	tagHeaderSize = 4
	dialRetryWait = 100 * time.Millisecond
)

type envelope struct {
	src  int
	data []byte
}

type peer struct {
	rank int
	conn net.Conn
	r    msgio.Reader
	w    msgio.Writer
	wmu  sync.Mutex
}

// Endpoint is one rank's endpoint of the mesh.
type Endpoint struct {
	rank   int
	size   int
	logger *zap.Logger

	peers []*peer // indexed by rank, nil at own index

	mu     sync.Mutex
	queues map[int]chan envelope // tag -> inbound queue

	// lastSend chains in-flight sends per destination so messages between
	// one pair of ranks can never overtake each other.
	sendMu   sync.Mutex
	lastSend map[int]*comm.Handle

	closed  chan struct{}
	once    sync.Once
	failErr error
}

var _ comm.Comm = (*Endpoint)(nil)

// New builds the mesh endpoint for this rank. addrs lists the listen address
// of every rank in rank order; maxMsgSize bounds a single incoming frame and
// must cover the largest chunk plus the tag header. New returns once the
// connections to all peers are established.
func New(ctx context.Context, rank int, addrs []string, maxMsgSize int, logger *zap.Logger) (*Endpoint, error) {
	size := len(addrs)
	if size < 1 {
		return nil, fmt.Errorf("address list is empty")
	}
	if rank < 0 || rank >= size {
		return nil, fmt.Errorf("rank %d outside address list of %d", rank, size)
	}
	e := &Endpoint{
		rank:     rank,
		size:     size,
		logger:   logger,
		peers:    make([]*peer, size),
		queues:   map[int]chan envelope{},
		lastSend: map[int]*comm.Handle{},
		closed:   make(chan struct{}),
	}
	if size == 1 {
		return e, nil
	}

	lst, err := net.Listen("tcp", addrs[rank])
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", addrs[rank], err)
	}
	defer lst.Close()

	var wg sync.WaitGroup
	var dialErr, acceptErr error
	wg.Add(1)
	go func() {
		defer wg.Done()
		dialErr = e.dialLower(ctx, addrs, maxMsgSize)
	}()
	acceptErr = e.acceptHigher(ctx, lst, maxMsgSize)
	wg.Wait()
	if dialErr != nil || acceptErr != nil {
		e.Close()
		if dialErr != nil {
			return nil, dialErr
		}
		return nil, acceptErr
	}

	for _, p := range e.peers {
		if p != nil {
			go e.readLoop(p)
		}
	}
	logger.Debug("tcp mesh established",
		zap.Int("rank", rank), zap.Int("size", size))
	return e, nil
}

// dialLower connects to every rank below ours, retrying while the peer's
// listener may not be up yet.
func (e *Endpoint) dialLower(ctx context.Context, addrs []string, maxMsgSize int) error {
	hello := make([]byte, tagHeaderSize)
	binary.BigEndian.PutUint32(hello, uint32(int32(e.rank)))
	for j := 0; j < e.rank; j++ {
		var conn net.Conn
		for {
			var err error
			conn, err = (&net.Dialer{}).DialContext(ctx, "tcp", addrs[j])
			if err == nil {
				break
			}
			select {
			case <-ctx.Done():
				return fmt.Errorf("dial rank %d at %s: %w", j, addrs[j], ctx.Err())
			case <-time.After(dialRetryWait):
			}
		}
		p := newPeer(j, conn, maxMsgSize)
		if err := p.w.WriteMsg(hello); err != nil {
			return fmt.Errorf("hello to rank %d: %w", j, err)
		}
		e.peers[j] = p
	}
	return nil
}

// acceptHigher accepts the connections from every rank above ours and
// matches them by the hello frame.
func (e *Endpoint) acceptHigher(ctx context.Context, lst net.Listener, maxMsgSize int) error {
	for n := e.rank + 1; n < e.size; n++ {
		if dl, ok := ctx.Deadline(); ok {
			if tl, ok := lst.(*net.TCPListener); ok {
				tl.SetDeadline(dl)
			}
		}
		conn, err := lst.Accept()
		if err != nil {
			return fmt.Errorf("accept peer: %w", err)
		}
		p := newPeer(-1, conn, maxMsgSize)
		hello, err := p.r.ReadMsg()
		if err != nil {
			return fmt.Errorf("read hello: %w", err)
		}
		src := int(int32(binary.BigEndian.Uint32(hello)))
		p.r.ReleaseMsg(hello)
		if src <= e.rank || src >= e.size || e.peers[src] != nil {
			conn.Close()
			return fmt.Errorf("bad hello from %s: claims rank %d", conn.RemoteAddr(), src)
		}
		p.rank = src
		e.peers[src] = p
	}
	return nil
}

func newPeer(rank int, conn net.Conn, maxMsgSize int) *peer {
	return &peer{
		rank: rank,
		conn: conn,
		r:    msgio.NewVarintReaderSize(conn, maxMsgSize),
		w:    msgio.NewVarintWriter(conn),
	}
}

// readLoop demuxes inbound frames into the per-tag queues. A broken
// connection poisons the whole endpoint: transport failures are fatal to the
// run, never retried.
func (e *Endpoint) readLoop(p *peer) {
	for {
		msg, err := p.r.ReadMsg()
		if err != nil {
			select {
			case <-e.closed:
			default:
				e.fail(fmt.Errorf("read from rank %d: %w", p.rank, err))
			}
			return
		}
		if len(msg) < tagHeaderSize {
			e.fail(fmt.Errorf("short frame from rank %d: %d bytes", p.rank, len(msg)))
			return
		}
		tag := int(int32(binary.BigEndian.Uint32(msg)))
		data := make([]byte, len(msg)-tagHeaderSize)
		copy(data, msg[tagHeaderSize:])
		p.r.ReleaseMsg(msg)
		select {
		case e.queue(tag) <- envelope{src: p.rank, data: data}:
		case <-e.closed:
			return
		}
	}
}

func (e *Endpoint) queue(tag int) chan envelope {
	e.mu.Lock()
	defer e.mu.Unlock()
	ch, ok := e.queues[tag]
	if !ok {
		ch = make(chan envelope)
		e.queues[tag] = ch
	}
	return ch
}

func (e *Endpoint) fail(err error) {
	e.once.Do(func() {
		e.failErr = err
		if e.logger != nil {
			e.logger.Error("transport failure", zap.Int("rank", e.rank), zap.Error(err))
		}
		close(e.closed)
	})
}

func (e *Endpoint) Rank() int { return e.rank }
func (e *Endpoint) Size() int { return e.size }

func (e *Endpoint) peerFor(rank int) (*peer, error) {
	if rank < 0 || rank >= e.size || rank == e.rank {
		return nil, fmt.Errorf("comm: invalid peer rank %d in group of %d", rank, e.size)
	}
	return e.peers[rank], nil
}

// transmit writes one framed message to dest. TCP provides the reliable
// ordered channel; the rendezvous property of the in-process transport is
// approximated by socket backpressure.
func (e *Endpoint) transmit(ctx context.Context, p *peer, dest, tag int, data []byte) error {
	select {
	case <-e.closed:
		return e.closedErr()
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	frame := make([]byte, tagHeaderSize+len(data))
	binary.BigEndian.PutUint32(frame, uint32(int32(tag)))
	copy(frame[tagHeaderSize:], data)
	p.wmu.Lock()
	err := p.w.WriteMsg(frame)
	p.wmu.Unlock()
	if err != nil {
		e.fail(fmt.Errorf("send to rank %d: %w", dest, err))
		return err
	}
	comm.ReportSend(transport, len(data))
	return nil
}

// Send blocks until the frame for dest is written out.
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
		if _, err := e.peerFor(source); err != nil {
			return 0, err
		}
	}
	select {
	case env := <-e.queue(tag):
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
		return 0, e.closedErr()
	}
}

// Isend starts the transfer on a goroutine and returns its handle. Sends to
// the same destination are chained, so they are delivered in issue order.
func (e *Endpoint) Isend(ctx context.Context, dest, tag int, data []byte) (*comm.Handle, error) {
	p, err := e.peerFor(dest)
	if err != nil {
		return nil, err
	}
	h := comm.NewHandle()
	e.sendMu.Lock()
	prev := e.lastSend[dest]
	e.lastSend[dest] = h
	e.sendMu.Unlock()
	go func() {
		if prev != nil {
			_ = prev.Wait(context.Background())
		}
		h.Complete(e.transmit(ctx, p, dest, tag, data))
	}()
	return h, nil
}

// Bcast distributes root's buf to every rank over a binomial tree.
func (e *Endpoint) Bcast(ctx context.Context, root int, buf []byte) error {
	return comm.BinomialBcast(ctx, e, root, buf, bcastTag)
}

// Barrier runs a linear barrier through rank 0 on a reserved tag.
func (e *Endpoint) Barrier(ctx context.Context) error {
	comm.ReportBarrier(transport)
	if e.size == 1 {
		return nil
	}
	if e.rank == 0 {
		for i := 1; i < e.size; i++ {
			if _, err := e.Recv(ctx, comm.AnySource, barrierTag, nil); err != nil {
				return err
			}
		}
		for i := 1; i < e.size; i++ {
			if err := e.Send(ctx, i, barrierTag, nil); err != nil {
				return err
			}
		}
		return nil
	}
	if err := e.Send(ctx, 0, barrierTag, nil); err != nil {
		return err
	}
	_, err := e.Recv(ctx, 0, barrierTag, nil)
	return err
}

func (e *Endpoint) closedErr() error {
	if e.failErr != nil {
		return e.failErr
	}
	return comm.ErrClosed
}

// Close tears the mesh down. Safe to call more than once.
func (e *Endpoint) Close() error {
	e.once.Do(func() { close(e.closed) })
	for _, p := range e.peers {
		if p != nil && p.conn != nil {
			p.conn.Close()
		}
	}
	return nil
}
