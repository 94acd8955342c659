package core

import (
	"context"
	"sync"

	"github.com/cuemby/clusterrunner/pkg/log"
)

// BuildScheduler dispatches subjobs of a single build to the workers
// allocated to it. It owns the subjob-assignment mutex: every pop of the
// unstarted queue, dispatch, or requeue for this build happens while
// holding it, which is what prevents two workers from racing on the same
// subjob or on the "last worker to go idle" decision.
//
// onNeedsMoreWorkers replaces a direct reference back to the owning pool.
// The original ties a scheduler to its pool with a field pointer and
// calls straight into it when the last allocated worker goes idle; here
// that call is a callback, so a BuildScheduler never needs to know the
// pool exists.
type BuildScheduler struct {
	build *Build

	mu               sync.Mutex
	allocatedWorkers []*Worker
	allocatedSlots   int // running total of executors credited to this build

	subjobAssignmentMu sync.Mutex

	onNeedsMoreWorkers func(*Build)
}

// NewBuildScheduler constructs a scheduler for build. onNeedsMoreWorkers
// is invoked whenever the scheduler has torn down its last allocated
// worker and the build still wants more — it should re-enqueue the build
// with whatever pool owns worker allocation.
func NewBuildScheduler(build *Build, onNeedsMoreWorkers func(*Build)) *BuildScheduler {
	return &BuildScheduler{
		build:              build,
		onNeedsMoreWorkers: onNeedsMoreWorkers,
	}
}

// Build returns the scheduled build.
func (s *BuildScheduler) Build() *Build { return s.build }

// NeedsMoreWorkers forwards to the build.
func (s *BuildScheduler) NeedsMoreWorkers() bool {
	return s.build.NeedsMoreWorkers()
}

// AllocateWorker runs the worker's setup RPC for this build and begins
// subjob executions on it. executorStartIndex is computed from this
// scheduler's own running allocation total, mirroring the source's
// per-build (not global) executor numbering.
func (s *BuildScheduler) AllocateWorker(ctx context.Context, w *Worker) error {
	s.mu.Lock()
	executorStartIndex := s.allocatedSlots
	s.mu.Unlock()

	if err := s.build.AllocateWorker(ctx, w, executorStartIndex); err != nil {
		return err
	}

	s.mu.Lock()
	s.allocatedWorkers = append(s.allocatedWorkers, w)
	s.allocatedSlots += w.NumExecutors()
	s.mu.Unlock()

	s.BeginSubjobExecutionsOnWorker(w)
	return nil
}

// BeginSubjobExecutionsOnWorker claims and fills every executor slot this
// build grants w, exactly once. Call only after AllocateWorker has run
// setup on w.
func (s *BuildScheduler) BeginSubjobExecutionsOnWorker(w *Worker) {
	slots := s.build.ExecutorSlotsFor(w)
	for i := 0; i < slots; i++ {
		w.ClaimExecutor()
		s.dispatchOrFree(w)
	}
}

// SubjobCompletedOnWorker re-enters the dispatch loop for w after one of
// its subjobs finishes, handing it either the next unstarted subjob or
// freeing its executor. The manager API's subjob-result handler calls
// this once per completion notification.
func (s *BuildScheduler) SubjobCompletedOnWorker(w *Worker) {
	s.dispatchOrFree(w)
}

// dispatchOrFree runs one ExecuteNextSubjobOrFreeExecutor step under the
// subjob-assignment mutex and, if the worker went idle, tears it down and
// possibly re-registers the build for more workers.
func (s *BuildScheduler) dispatchOrFree(w *Worker) {
	s.subjobAssignmentMu.Lock()
	outcome := s.build.ExecuteNextSubjobOrFreeExecutor(w)
	s.subjobAssignmentMu.Unlock()

	if outcome.RequeuedBack {
		log.WithBuild(s.build.ID()).Warn().Msgf("subjob requeued after dispatch failure to worker %d", w.ID())
	}

	if outcome.WorkerIdle {
		s.freeWorker(w)
	}
}

// freeWorker removes w from the allocated set and tears it down. If that
// leaves the build with zero allocated workers and it still wants more,
// onNeedsMoreWorkers is invoked so the build isn't stranded waiting for a
// worker that will never come back to it.
func (s *BuildScheduler) freeWorker(w *Worker) {
	s.mu.Lock()
	for i, aw := range s.allocatedWorkers {
		if aw == w {
			s.allocatedWorkers = append(s.allocatedWorkers[:i], s.allocatedWorkers[i+1:]...)
			break
		}
	}
	remaining := len(s.allocatedWorkers)
	s.mu.Unlock()

	ctx := context.Background()
	if err := w.Teardown(ctx); err != nil {
		log.WithBuild(s.build.ID()).Warn().Err(err).Msgf("teardown RPC to worker %d failed", w.ID())
	}

	if remaining == 0 && s.build.NeedsMoreWorkers() && s.onNeedsMoreWorkers != nil {
		s.onNeedsMoreWorkers(s.build)
	}
}

// AllocatedWorkers returns a snapshot of the workers currently allocated
// to this build.
func (s *BuildScheduler) AllocatedWorkers() []*Worker {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Worker, len(s.allocatedWorkers))
	copy(out, s.allocatedWorkers)
	return out
}
