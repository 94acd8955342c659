package core

import "sync"

// BuildSchedulerPool is the lazy per-build factory of BuildSchedulers plus
// the queue of builds waiting for more workers. A scheduler registers
// itself back into that queue via the onNeedsMoreWorkers callback it was
// constructed with, rather than holding a pointer back to the pool.
type BuildSchedulerPool struct {
	mu         sync.Mutex
	schedulers map[int]*BuildScheduler

	waiting *OrderedSetQueue[*BuildScheduler]
}

// NewBuildSchedulerPool constructs an empty pool.
func NewBuildSchedulerPool() *BuildSchedulerPool {
	return &BuildSchedulerPool{
		schedulers: make(map[int]*BuildScheduler),
		waiting:    NewOrderedSetQueue[*BuildScheduler](),
	}
}

// Get returns the scheduler for build, creating it on first use. A build
// is only ever scheduled by one BuildScheduler for its lifetime.
//
// Unlike the source, each call first evicts every scheduler whose build
// has already reached a terminal FSM state, so such a scheduler is
// replaced rather than returned stale;
// see DESIGN.md for why this pool does real cleanup where the source
// left it an acknowledged gap.
func (p *BuildSchedulerPool) Get(build *Build) *BuildScheduler {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.evictTerminalLocked()

	if sched, ok := p.schedulers[build.ID()]; ok {
		return sched
	}

	sched := NewBuildScheduler(build, p.AddBuildWaitingForWorkers)
	p.schedulers[build.ID()] = sched
	return sched
}

func (p *BuildSchedulerPool) evictTerminalLocked() {
	for id, sched := range p.schedulers {
		switch sched.Build().Status() {
		case StateFinished, StateError, StateCanceled:
			delete(p.schedulers, id)
		}
	}
}

// AddBuildWaitingForWorkers enqueues build's scheduler onto the
// waiting-for-workers queue. It is the callback a BuildScheduler invokes
// when it loses its last allocated worker while still needing more.
func (p *BuildSchedulerPool) AddBuildWaitingForWorkers(build *Build) {
	p.mu.Lock()
	sched, ok := p.schedulers[build.ID()]
	p.mu.Unlock()
	if !ok {
		return
	}
	p.waiting.Put(sched)
}

// NextPreparedBuildScheduler blocks until a build is waiting for workers,
// then returns its scheduler.
func (p *BuildSchedulerPool) NextPreparedBuildScheduler() (*BuildScheduler, bool) {
	return p.waiting.Get()
}

// Count returns the number of schedulers currently tracked, for metrics
// and diagnostics.
func (p *BuildSchedulerPool) Count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.schedulers)
}
