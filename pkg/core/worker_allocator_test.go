package core

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWorkerAllocatorAddIdleWorkerEnqueues(t *testing.T) {
	pool := NewBuildSchedulerPool()
	a := NewWorkerAllocator(pool)
	w := NewWorker("http://w1", 1, "s1", &fakeTransport{})

	a.AddIdleWorker(t.Context(), w)
	assert.Equal(t, 1, a.idleWorkers.Len())
}

func TestWorkerAllocatorAddIdleWorkerDropsShuttingDownWorker(t *testing.T) {
	pool := NewBuildSchedulerPool()
	a := NewWorkerAllocator(pool)
	w := NewWorker("http://w1", 1, "s1", &fakeTransport{})
	w.SetShutdownMode(t.Context())

	a.AddIdleWorker(t.Context(), w)
	assert.Equal(t, 0, a.idleWorkers.Len())
}

func TestWorkerAllocatorRunAllocatesIdleWorkerToWaitingBuild(t *testing.T) {
	pool := NewBuildSchedulerPool()
	a := NewWorkerAllocator(pool)

	b := preparedBuild(t, 1)
	sched := pool.Get(b)

	tr := &fakeTransport{probeAlive: true}
	w := NewWorker("http://w1", 1, "s1", tr)
	a.AddIdleWorker(t.Context(), w)

	go a.Run(t.Context())

	pool.AddBuildWaitingForWorkers(b)

	require.Eventually(t, func() bool {
		return len(sched.AllocatedWorkers()) == 1
	}, time.Second, 10*time.Millisecond)

	a.Stop()
}

func TestWorkerAllocatorRunSkipsDeadWorker(t *testing.T) {
	pool := NewBuildSchedulerPool()
	a := NewWorkerAllocator(pool)

	b := preparedBuild(t, 1)
	sched := pool.Get(b)

	tr := &fakeTransport{probeAlive: false}
	w := NewWorker("http://w1", 1, "s1", tr)
	a.idleWorkers.Put(w)

	go a.Run(t.Context())
	pool.AddBuildWaitingForWorkers(b)

	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, sched.AllocatedWorkers())
	a.Stop()
}
