package bcast

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/bcastlab/bcastbench/comm"
)

// DataTag carries all strategy payload traffic.
const DataTag = 1

// ErrUnknownStrategy is wrapped by New for names outside Names().
var ErrUnknownStrategy = errors.New("unknown broadcast strategy")

// Strategy delivers rank 0's buf to every rank of the group, each variant
// with its own topology and ordering discipline. Every rank calls Broadcast
// with its local buffer; on return the buffer holds the root's content and
// all of the rank's own sends have completed (see Options for the
// compatibility escape hatch).
type Strategy interface {
	Name() string
	Broadcast(ctx context.Context, c comm.Comm, buf []byte, plan Plan) error
}

// Options tunes strategy behavior shared across variants.
type Options struct {
	// TrackAllSends makes the asynchronous variants retain and wait on every
	// issued send handle before returning. When false they reproduce the
	// reference benchmark behavior, which waits only on the last outstanding
	// handle (ring) or the final pair (tree) and lets earlier handles be
	// superseded.
	TrackAllSends bool
}

// DefaultOptions tracks every handle; parity with the reference timings is
// opt-in.
func DefaultOptions() Options {
	return Options{TrackAllSends: true}
}

// Strategy names, exactly as the operator passes them on the command line.
const (
	NameDefault       = "default_bcast"
	NameNaive         = "naive_bcast"
	NameRing          = "ring_bcast"
	NamePipelinedRing = "pipelined_ring_bcast"
	NameAsyncRing     = "asynchronous_pipelined_ring_bcast"
	NameAsyncBintree  = "asynchronous_pipelined_bintree_bcast"
)

// Names lists the valid strategy names in benchmark order.
func Names() []string {
	return []string{
		NameDefault,
		NameNaive,
		NameRing,
		NamePipelinedRing,
		NameAsyncRing,
		NameAsyncBintree,
	}
}

// New selects a strategy by name, once, at startup. Unknown names are a
// configuration error.
func New(name string, opts Options) (Strategy, error) {
	switch name {
	case NameDefault:
		return libraryBcast{}, nil
	case NameNaive:
		return naiveBcast{}, nil
	case NameRing:
		return ringBcast{}, nil
	case NamePipelinedRing:
		return pipelinedRingBcast{}, nil
	case NameAsyncRing:
		return asyncRingBcast{trackAll: opts.TrackAllSends}, nil
	case NameAsyncBintree:
		return asyncBintreeBcast{trackAll: opts.TrackAllSends}, nil
	default:
		return nil, fmt.Errorf("%w %q, valid names: %s",
			ErrUnknownStrategy, name, strings.Join(Names(), ", "))
	}
}
