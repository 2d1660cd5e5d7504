// Package partition splits an ordered path list into per-worker work units.
package partition

import (
	"fmt"
	"strings"

	"github.com/dshills/crawltab/pkg/types"
)

// Scheme selects how paths are assigned to workers
type Scheme string

const (
	// RoundRobin assigns path i to worker i mod W
	RoundRobin Scheme = "roundrobin"
	// Block assigns contiguous slices of ceil(N/W) paths
	Block Scheme = "block"
)

// ParseScheme validates a scheme name. The empty string selects RoundRobin.
func ParseScheme(s string) (Scheme, error) {
	switch Scheme(strings.ToLower(s)) {
	case "", RoundRobin:
		return RoundRobin, nil
	case Block:
		return Block, nil
	}
	return "", types.Configf("paths.scheme", "unknown partition scheme %q", s)
}

type options struct {
	scheme       Scheme
	minPerWorker int
}

// Option configures Partition
type Option func(*options)

// WithScheme selects the partition scheme
func WithScheme(s Scheme) Option {
	return func(o *options) { o.scheme = s }
}

// WithMinPerWorker raises the block size to at least n paths. It only affects
// the Block scheme.
func WithMinPerWorker(n int) Option {
	return func(o *options) { o.minPerWorker = n }
}

// Partition returns the subset of paths owned by workerID out of numWorkers.
// The result preserves the relative order of the input and is deterministic for
// a given list, worker count and scheme. The union over all workers is the input.
func Partition(paths []string, workerID, numWorkers int, opts ...Option) ([]string, error) {
	o := options{scheme: RoundRobin}
	for _, opt := range opts {
		opt(&o)
	}
	if numWorkers <= 0 {
		return nil, types.Configf("num_workers", "must be positive, got %d", numWorkers)
	}
	if workerID < 0 || workerID >= numWorkers {
		return nil, types.Configf("worker_id", "%d out of range [0, %d)", workerID, numWorkers)
	}

	switch o.scheme {
	case RoundRobin:
		out := make([]string, 0, len(paths)/numWorkers+1)
		for i := workerID; i < len(paths); i += numWorkers {
			out = append(out, paths[i])
		}
		return out, nil
	case Block:
		start, stop := blockBounds(len(paths), workerID, numWorkers, o.minPerWorker)
		out := make([]string, stop-start)
		copy(out, paths[start:stop])
		return out, nil
	}
	return nil, types.Configf("paths.scheme", "unknown partition scheme %q", o.scheme)
}

func blockBounds(n, workerID, numWorkers, minPerWorker int) (int, int) {
	size := (n + numWorkers - 1) / numWorkers
	if size < minPerWorker {
		size = minPerWorker
	}
	start := workerID * size
	if start > n {
		start = n
	}
	stop := start + size
	if stop > n {
		stop = n
	}
	return start, stop
}

// Describe is a short human readable summary used in log lines
func Describe(scheme Scheme, workerID, numWorkers, assigned, total int) string {
	return fmt.Sprintf("%s %d/%d: %d of %d paths", scheme, workerID, numWorkers, assigned, total)
}
