package core

import (
	"context"
	"fmt"

	"github.com/cuemby/clusterrunner/pkg/log"
	"github.com/cuemby/clusterrunner/pkg/metrics"
)

// WorkerAllocator matches idle workers to builds waiting for more of
// them. It runs as a single background loop; Run blocks, so callers
// start it on its own goroutine.
type WorkerAllocator struct {
	pool        *BuildSchedulerPool
	idleWorkers *OrderedSetQueue[*Worker]
}

// NewWorkerAllocator constructs an allocator bound to pool.
func NewWorkerAllocator(pool *BuildSchedulerPool) *WorkerAllocator {
	return &WorkerAllocator{
		pool:        pool,
		idleWorkers: NewOrderedSetQueue[*Worker](),
	}
}

// Run executes the allocation loop until idleWorkers is closed. It is
// meant to run for the lifetime of the manager process on its own
// goroutine.
func (a *WorkerAllocator) Run(ctx context.Context) {
	for {
		sched, ok := a.pool.NextPreparedBuildScheduler()
		if !ok {
			return
		}

		for sched.NeedsMoreWorkers() {
			w, ok := a.idleWorkers.Get()
			if !ok {
				return
			}

			if w.IsShutdown() || !w.ProbeLiveness(ctx) {
				continue
			}

			// Known benign race: the build may satisfy its worker need
			// between this check and the allocation call below, wasting
			// one setup RPC on a worker the build no longer needs. The
			// source accepts this race rather than serialize allocation
			// against build completion; preserved here unchanged.
			if sched.NeedsMoreWorkers() {
				timer := metrics.NewTimer()
				log.WithBuild(sched.Build().ID()).Info().Msgf("allocating worker %d to build", w.ID())
				if err := sched.AllocateWorker(ctx, w); err != nil {
					log.WithBuild(sched.Build().ID()).Warn().Err(err).Msgf("failed to allocate worker %d", w.ID())
					a.AddIdleWorker(ctx, w)
				}
				timer.ObserveDuration(metrics.WorkerAllocationDuration)
			} else {
				a.AddIdleWorker(ctx, w)
			}
		}

		log.Info(fmt.Sprintf("done allocating workers for build %d", sched.Build().ID()))
	}
}

// AddIdleWorker marks w idle and enqueues it. A worker that turns out to
// be shutting down is silently dropped instead of re-queued.
func (a *WorkerAllocator) AddIdleWorker(ctx context.Context, w *Worker) {
	if err := w.MarkAsIdle(ctx); err != nil {
		return
	}
	a.idleWorkers.Put(w)
	metrics.IdleWorkersGauge.Set(float64(a.idleWorkers.Len()))
}

// Stop unblocks the allocation loop and any pending idle-worker waits.
func (a *WorkerAllocator) Stop() {
	a.idleWorkers.Close()
}
