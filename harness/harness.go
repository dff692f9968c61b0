// Package harness drives one verified, timed broadcast: it generates the
// payload at the root, runs the selected strategy, collects every rank's
// checksum back at the root and reports elapsed time only for a consistent
// run.
package harness

import (
	"context"
	"encoding/binary"
	"fmt"
	"math/rand"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/seehuhn/mt19937"
	"go.uber.org/zap"

	"github.com/bcastlab/bcastbench/bcast"
	"github.com/bcastlab/bcastbench/comm"
)

// ChecksumTag carries the verification traffic, kept apart from
// bcast.DataTag so a draining root never confuses late chunks with
// checksums.
const ChecksumTag = 2

// Params configures one run. Zero Clock and Logger default to the real
// clock and a nop logger.
type Params struct {
	NumBytes  int
	ChunkSize int
	Seed      int64
	Clock     clockwork.Clock
	Logger    *zap.Logger
}

// Report is the outcome of a run as observed at rank 0; other ranks return
// a consistent report with zero elapsed time. An explicit value, not
// process-wide state.
type Report struct {
	Consistent bool
	Elapsed    time.Duration
}

// Line formats the one-line benchmark result the way the original tool
// prints it.
func (r Report) Line(strategy string, chunkSize int) string {
	return fmt.Sprintf("implementation: %s | chunksize: %d |  time: %.3f seconds",
		strategy, chunkSize, r.Elapsed.Seconds())
}

// Checksum sums the buffer bytes as signed 8-bit values into a wider
// accumulator, matching the reference semantics of summing C chars.
func Checksum(buf []byte) int64 {
	var sum int64
	for _, b := range buf {
		sum += int64(int8(b))
	}
	return sum
}

// Run executes the full benchmark on the calling rank. Every rank of the
// group must call it with the same parameters. Any messaging error is fatal
// to the run; a checksum mismatch is not an error, it is reported through
// Report.Consistent after every rank cleanly reached the final barrier.
func Run(ctx context.Context, c comm.Comm, s bcast.Strategy, p Params) (Report, error) {
	clock := p.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	logger := p.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	plan, err := bcast.Partition(p.NumBytes, p.ChunkSize)
	if err != nil {
		return Report{}, err
	}

	rank := c.Rank()
	buf := make([]byte, p.NumBytes)
	var reference int64
	if rank == 0 {
		mt := mt19937.New()
		mt.Seed(p.Seed)
		rng := rand.New(mt)
		for i := range buf {
			b := byte(rng.Intn(256))
			buf[i] = b
			reference += int64(int8(b))
		}
		logger.Debug("payload generated",
			zap.Int("num_bytes", p.NumBytes),
			zap.Int64("seed", p.Seed),
			zap.Int64("checksum", reference))
	}

	if err := c.Barrier(ctx); err != nil {
		return Report{}, fmt.Errorf("pre-broadcast barrier: %w", err)
	}
	var start time.Time
	if rank == 0 {
		start = clock.Now()
	}

	if err := s.Broadcast(ctx, c, buf, plan); err != nil {
		return Report{}, fmt.Errorf("broadcast %s: %w", s.Name(), err)
	}

	consistent := true
	if rank == 0 {
		// Drain a checksum from every other rank even after a mismatch, so
		// no rank is left blocking and the whole group reaches the final
		// barrier.
		got := make([]byte, 8)
		for j := 1; j < c.Size(); j++ {
			src, err := c.Recv(ctx, comm.AnySource, ChecksumTag, got)
			if err != nil {
				return Report{}, fmt.Errorf("collect checksum: %w", err)
			}
			sum := int64(binary.BigEndian.Uint64(got))
			if consistent && sum != reference {
				logger.Warn("non-matching checksum",
					zap.Int("rank", src),
					zap.Int64("got", sum),
					zap.Int64("want", reference))
				consistent = false
			}
		}
	} else {
		sum := Checksum(buf)
		wire := make([]byte, 8)
		binary.BigEndian.PutUint64(wire, uint64(sum))
		if err := c.Send(ctx, 0, ChecksumTag, wire); err != nil {
			return Report{}, fmt.Errorf("send checksum: %w", err)
		}
	}

	if err := c.Barrier(ctx); err != nil {
		return Report{}, fmt.Errorf("post-broadcast barrier: %w", err)
	}

	report := Report{Consistent: consistent}
	if rank == 0 {
		report.Elapsed = clock.Since(start)
		observeBroadcast(s.Name(), report.Elapsed)
	}
	return report, nil
}
