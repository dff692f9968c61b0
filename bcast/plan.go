// Package bcast holds the chunk partitioning logic and the six broadcast
// strategies the benchmark compares. Rank 0 is always the source of a
// broadcast.
package bcast

import (
	"errors"
	"fmt"
)

// ErrInvalidConfig is wrapped by every partitioning parameter error.
var ErrInvalidConfig = errors.New("invalid broadcast config")

// Chunk is one contiguous piece of the payload.
type Chunk struct {
	Off int
	Len int
}

// Plan is an ordered sequence of chunks covering the payload with no gaps or
// overlaps. All chunks are the configured chunk size except possibly the
// last, which carries the remainder.
type Plan []Chunk

// TotalBytes returns the number of payload bytes the plan covers.
func (p Plan) TotalBytes() int {
	n := 0
	for _, c := range p {
		n += c.Len
	}
	return n
}

// Partition splits totalBytes into chunkSize pieces. The last chunk is
// recomputed to the division remainder exactly when the next offset passes
// totalBytes-chunkSize, so a chunk size larger than the payload collapses to
// a single full-length chunk. A zero-length chunk is rejected rather than
// silently emitted.
func Partition(totalBytes, chunkSize int) (Plan, error) {
	if totalBytes < 1 {
		return nil, fmt.Errorf("%w: total bytes must be at least 1, got %d", ErrInvalidConfig, totalBytes)
	}
	if chunkSize < 1 {
		return nil, fmt.Errorf("%w: chunk size must be at least 1, got %d", ErrInvalidConfig, chunkSize)
	}
	var plan Plan
	size := chunkSize
	for off := 0; off < totalBytes; off += size {
		if off > totalBytes-size {
			size = totalBytes % size
			if size == 0 {
				return nil, fmt.Errorf("%w: zero-length chunk at offset %d", ErrInvalidConfig, off)
			}
		}
		plan = append(plan, Chunk{Off: off, Len: size})
	}
	return plan, nil
}
