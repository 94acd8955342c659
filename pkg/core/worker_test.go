package core

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeTransport is an in-memory WorkerTransport double used throughout
// pkg/core's tests, recording each call it receives.
type fakeTransport struct {
	mu sync.Mutex

	setupErr    error
	startErr    error
	teardownErr error
	killErr     error
	probeAlive  bool
	probeErr    error

	setupCalls    []int
	startCalls    []int
	teardownCalls int
	killCalls     int
}

func (f *fakeTransport) Setup(ctx context.Context, url string, buildID int, body map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.setupCalls = append(f.setupCalls, buildID)
	return f.setupErr
}

func (f *fakeTransport) StartSubjob(ctx context.Context, url string, buildID, subjobID int, body map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.startCalls = append(f.startCalls, subjobID)
	return f.startErr
}

func (f *fakeTransport) startCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.startCalls)
}

func (f *fakeTransport) Teardown(ctx context.Context, url string, buildID int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.teardownCalls++
	return f.teardownErr
}

func (f *fakeTransport) Kill(ctx context.Context, url string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.killCalls++
	return f.killErr
}

func (f *fakeTransport) Probe(ctx context.Context, url string, sessionID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.probeAlive, f.probeErr
}

func TestWorkerSetupRecordsCurrentBuild(t *testing.T) {
	tr := &fakeTransport{}
	w := NewWorker("http://w1", 2, "s1", tr)

	err := w.Setup(context.Background(), 7, map[string]any{}, 0)
	require.NoError(t, err)

	id, ok := w.CurrentBuildID()
	require.True(t, ok)
	assert.Equal(t, 7, id)
}

func TestWorkerClaimAndFreeExecutor(t *testing.T) {
	w := NewWorker("http://w1", 2, "s1", &fakeTransport{})

	assert.Equal(t, 1, w.ClaimExecutor())
	assert.Equal(t, 2, w.ClaimExecutor())
	assert.Equal(t, 2, w.ExecutorsInUse())

	assert.Equal(t, 1, w.FreeExecutor())
	assert.Equal(t, 0, w.FreeExecutor())
}

func TestWorkerClaimExecutorPastCapacityPanics(t *testing.T) {
	w := NewWorker("http://w1", 1, "s1", &fakeTransport{})
	w.ClaimExecutor()
	assert.Panics(t, func() { w.ClaimExecutor() })
}

func TestWorkerFreeExecutorPastZeroPanics(t *testing.T) {
	w := NewWorker("http://w1", 1, "s1", &fakeTransport{})
	assert.Panics(t, func() { w.FreeExecutor() })
}

func TestWorkerStartSubjobRejectsDeadWorker(t *testing.T) {
	tr := &fakeTransport{}
	w := NewWorker("http://w1", 1, "s1", tr)
	w.markDead()

	err := w.StartSubjob(&Subjob{SubjobID: 1})
	assert.Error(t, err)
	var deadErr *DeadWorkerError
	assert.ErrorAs(t, err, &deadErr)
}

func TestWorkerStartSubjobRejectsShutdownWorker(t *testing.T) {
	tr := &fakeTransport{}
	w := NewWorker("http://w1", 1, "s1", tr)
	w.SetShutdownMode(context.Background())

	err := w.StartSubjob(&Subjob{SubjobID: 1})
	assert.Error(t, err)
	var shutdownErr *WorkerShutdownError
	assert.ErrorAs(t, err, &shutdownErr)
}

func TestWorkerSetShutdownModeKillsIdleWorker(t *testing.T) {
	w := NewWorker("http://w1", 1, "s1", &fakeTransport{})
	w.SetShutdownMode(context.Background())
	assert.True(t, w.IsShutdown())
	assert.False(t, w.IsAlive())
}

func TestWorkerSetShutdownModeWithBuildDoesNotKillYet(t *testing.T) {
	w := NewWorker("http://w1", 1, "s1", &fakeTransport{})
	require.NoError(t, w.Setup(context.Background(), 1, map[string]any{}, 0))

	w.SetShutdownMode(context.Background())
	assert.True(t, w.IsShutdown())
	assert.True(t, w.IsAlive())
}

func TestWorkerMarkAsIdlePanicsWithExecutorsInUse(t *testing.T) {
	w := NewWorker("http://w1", 1, "s1", &fakeTransport{})
	w.ClaimExecutor()
	assert.Panics(t, func() { _ = w.MarkAsIdle(context.Background()) })
}

func TestWorkerMarkAsIdleKillsShutdownWorker(t *testing.T) {
	w := NewWorker("http://w1", 1, "s1", &fakeTransport{})
	require.NoError(t, w.Setup(context.Background(), 1, map[string]any{}, 0))
	w.SetShutdownMode(context.Background())

	err := w.MarkAsIdle(context.Background())
	var shutdownErr *WorkerShutdownError
	assert.ErrorAs(t, err, &shutdownErr)
	assert.False(t, w.IsAlive())
}

func TestWorkerProbeLivenessMarksDeadOnFailure(t *testing.T) {
	tr := &fakeTransport{probeAlive: false}
	w := NewWorker("http://w1", 1, "s1", tr)

	alive := w.ProbeLiveness(context.Background())
	assert.False(t, alive)
	assert.False(t, w.IsAlive())
}

func TestWorkerTeardownSkippedWhenDead(t *testing.T) {
	tr := &fakeTransport{}
	w := NewWorker("http://w1", 1, "s1", tr)
	w.markDead()

	err := w.Teardown(context.Background())
	assert.NoError(t, err)
	assert.Equal(t, 0, tr.teardownCalls)
}

func TestWorkerAPIRepresentation(t *testing.T) {
	w := NewWorker("http://w1", 3, "session-x", &fakeTransport{})
	rep := w.APIRepresentation()
	assert.Equal(t, "http://w1", rep["url"])
	assert.Equal(t, "session-x", rep["session_id"])
	assert.Equal(t, 3, rep["num_executors"])
	assert.Equal(t, true, rep["is_alive"])
}
