package sandbox

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// Pair is the unit of checkout: one address-sanitized sandbox for crash
// detection and one coverage-instrumented sandbox for coverage
// measurement, paired for their whole lifetime.
type Pair struct {
	Address  *Sandbox
	Coverage *Sandbox
}

// Pool owns a fixed number of sandbox pairs and serves them to workers
// through blocking Acquire and non-blocking Release. All pairs are
// provisioned serially and up front; a construction failure aborts the
// whole pool rather than leaving it partially filled. The pool retains
// ownership of every pair: a caller holding a checked-out pair has
// exclusive use of it until it releases the same pair back, must not
// release a pair it did not acquire, and must not release twice.
type Pool struct {
	logger   *zap.Logger
	pairs    chan *Pair
	capacity int
	cores    int
}

// NewPool provisions capacity sandbox pairs for the benchmark's project
// and returns the filled pool. The host's core budget is divided evenly
// across the pairs, with a floor of one core per sandbox. Provisioning
// is strictly serial; predictable startup matters more here than
// parallel speed. On any pair failure the already-built pairs are torn
// down and the error propagates.
func NewPool(ctx context.Context, logger *zap.Logger, preparer ImagePreparer, bench Benchmark, capacity, totalCores int, settings Settings, opts ...Option) (*Pool, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("pool capacity must be positive, got %d", capacity)
	}

	cores := totalCores / capacity
	if cores < 1 {
		cores = 1
	}
	settings.Cores = cores

	logger.Info("initializing sandbox pairs for the trial",
		zap.Int("capacity", capacity),
		zap.Int("cores_per_sandbox", cores),
		zap.String("project", bench.Project))

	p := &Pool{
		logger:   logger,
		pairs:    make(chan *Pair, capacity),
		capacity: capacity,
		cores:    cores,
	}

	var built []*Pair
	for i := 0; i < capacity; i++ {
		pair, err := newPair(ctx, logger, preparer, bench, settings, opts...)
		if err != nil {
			for _, b := range built {
				b.terminate(ctx, logger)
			}
			return nil, fmt.Errorf("failed to provision sandbox pair %d of %d: %w", i+1, capacity, err)
		}
		built = append(built, pair)
		p.pairs <- pair
	}

	return p, nil
}

// newPair starts the two sandboxes of one slot. The address sandbox is
// torn down again if the coverage sandbox fails to come up.
func newPair(ctx context.Context, logger *zap.Logger, preparer ImagePreparer, bench Benchmark, settings Settings, opts ...Option) (*Pair, error) {
	address, err := New(ctx, logger, preparer, bench, SanitizerAddress, settings, opts...)
	if err != nil {
		return nil, err
	}
	coverage, err := New(ctx, logger, preparer, bench, SanitizerCoverage, settings, opts...)
	if err != nil {
		if termErr := address.Terminate(ctx); termErr != nil {
			logger.Error("failed to terminate address sandbox after pair failure",
				zap.Error(termErr))
		}
		return nil, err
	}
	return &Pair{Address: address, Coverage: coverage}, nil
}

// Acquire blocks until a pair is available and checks it out. There is
// no deadline and no cancellation; the caller waits as long as it takes
// for another worker to release a pair.
func (p *Pool) Acquire() *Pair {
	return <-p.pairs
}

// Release returns a checked-out pair to the pool. It never blocks under
// the documented checkout discipline: the channel has room for every
// pair the pool owns.
func (p *Pool) Release(pair *Pair) {
	p.pairs <- pair
}

// Capacity returns the fixed number of pairs the pool owns.
func (p *Pool) Capacity() int {
	return p.capacity
}

// CoresPerSandbox returns the CPU share each sandbox was given.
func (p *Pool) CoresPerSandbox() int {
	return p.cores
}

// Available returns how many pairs are currently checked in.
func (p *Pool) Available() int {
	return len(p.pairs)
}

// Close terminates every pair currently checked in. Pairs still held by
// callers are not waited for; the owner is expected to release or
// terminate them before closing the pool.
func (p *Pool) Close(ctx context.Context) error {
	var firstErr error
	for {
		select {
		case pair := <-p.pairs:
			if err := pair.terminateErr(ctx); err != nil && firstErr == nil {
				firstErr = err
			}
		default:
			return firstErr
		}
	}
}

// terminate tears both sandboxes down, logging failures.
func (pr *Pair) terminate(ctx context.Context, logger *zap.Logger) {
	if err := pr.terminateErr(ctx); err != nil {
		logger.Error("failed to terminate sandbox pair", zap.Error(err))
	}
}

// terminateErr tears both sandboxes down and reports the first failure.
func (pr *Pair) terminateErr(ctx context.Context) error {
	addrErr := pr.Address.Terminate(ctx)
	covErr := pr.Coverage.Terminate(ctx)
	if addrErr != nil {
		return addrErr
	}
	return covErr
}
