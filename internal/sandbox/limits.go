package sandbox

import (
	"context"
	"fmt"
	"math"
	"runtime/metrics"
	"time"
)

// Cumulative heap counters. Large objects are counted when they are
// allocated, so allocs minus frees tracks a single big allocation at once.
const (
	heapAllocsMetric = "/gc/heap/allocs:bytes"
	heapFreesMetric  = "/gc/heap/frees:bytes"
)

// Limits bounds a single run.
//
// The memory ceiling is measured as growth of the process heap since the run
// started. Runs that overlap in time share that heap, so under concurrent
// load one bot's allocations count against another and the wrong bot can be
// failed and removed. Deployments that need strict isolation should run
// bots one at a time or keep the ceiling well above what a bot needs.
type Limits struct {
	Timeout        time.Duration
	MaxMemoryBytes uint64 // heap growth allowed over the baseline, 0 for none
	PollInterval   time.Duration
}

// DefaultLimits returns the per-run limits used when none are configured.
func DefaultLimits() Limits {
	return Limits{
		Timeout:        time.Second,
		MaxMemoryBytes: 100 << 20,
		PollInterval:   5 * time.Millisecond,
	}
}

// guard enforces the memory ceiling of one run. The watchdog calls check
// periodically; allocating library calls call reserve before they allocate.
// A guard is armed by enforce and must not be used before that.
type guard struct {
	limit    uint64
	baseline uint64
	cancel   context.CancelCauseFunc
}

// liveHeap returns the heap bytes allocated and not yet freed. It is safe
// to call from several goroutines.
func liveHeap() uint64 {
	sample := []metrics.Sample{{Name: heapAllocsMetric}, {Name: heapFreesMetric}}
	metrics.Read(sample)
	var v [2]uint64
	for k, s := range sample {
		if s.Value.Kind() == metrics.KindUint64 {
			v[k] = s.Value.Uint64()
		}
	}
	if v[1] > v[0] {
		return 0
	}
	return v[0] - v[1]
}

// check fails the run if the heap grew past the ceiling. It reports whether
// the run is still within its limit.
func (g *guard) check() bool {
	if g.limit == 0 {
		return true
	}
	used := liveHeap()
	if used <= g.baseline || used-g.baseline <= g.limit {
		return true
	}
	g.cancel(fmt.Errorf("%w: heap grew by %d bytes, limit is %d",
		ErrResourceExceeded, used-g.baseline, g.limit))
	return false
}

// reserve fails the run before an allocation of n bytes that would on its
// own exceed the ceiling. It panics with the cause so the calling script
// stops; the run context already carries the failure if the panic is
// recovered.
func (g *guard) reserve(n uint64) {
	if g.limit == 0 || n <= g.limit {
		return
	}
	err := fmt.Errorf("%w: allocation of %d bytes, limit is %d", ErrResourceExceeded, n, g.limit)
	g.cancel(err)
	panic(err)
}

// repeatSize is len*count, saturating instead of overflowing.
func repeatSize(length, count int) uint64 {
	if length <= 0 || count <= 0 {
		return 0
	}
	if uint64(length) > math.MaxUint64/uint64(count) {
		return math.MaxUint64
	}
	return uint64(length) * uint64(count)
}

// enforce derives the run context and arms g. The context is cancelled with
// a cause wrapping ErrResourceExceeded when the timeout passes or the heap
// grows past the ceiling. The heap baseline is taken before enforce returns.
// The returned stop func releases the context and waits for the watchdog to
// exit.
func (l Limits) enforce(parent context.Context, g *guard) (context.Context, func()) {
	ctx, cancel := context.WithCancelCause(parent)
	timeout := l.Timeout
	if timeout <= 0 {
		timeout = DefaultLimits().Timeout
	}
	ctx, cancelTimeout := context.WithTimeoutCause(ctx, timeout,
		fmt.Errorf("%w: ran longer than %s", ErrResourceExceeded, timeout))

	g.limit, g.cancel, g.baseline = l.MaxMemoryBytes, cancel, liveHeap()
	done := make(chan struct{})
	if l.MaxMemoryBytes == 0 {
		close(done)
	} else {
		go l.watchMemory(ctx, g, done)
	}

	return ctx, func() {
		cancelTimeout()
		cancel(nil)
		<-done
	}
}

// watchMemory samples the heap until ctx ends or the ceiling is hit.
func (l Limits) watchMemory(ctx context.Context, g *guard, done chan<- struct{}) {
	defer close(done)

	interval := l.PollInterval
	if interval <= 0 {
		interval = DefaultLimits().PollInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !g.check() {
				return
			}
		}
	}
}
