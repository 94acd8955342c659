package core

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cuemby/clusterrunner/pkg/log"
)

// WorkerTransport is the RPC boundary between the manager-side Worker proxy
// and the remote worker process. Implemented by pkg/workerrpc over plain
// HTTP with HMAC-signed bodies; the transport layer's wire details are out
// of scope for this core.
type WorkerTransport interface {
	Setup(ctx context.Context, url string, buildID int, body map[string]any) error
	StartSubjob(ctx context.Context, url string, buildID, subjobID int, body map[string]any) error
	Teardown(ctx context.Context, url string, buildID int) error
	Kill(ctx context.Context, url string) error
	// Probe performs an uncached liveness check, carrying sessionID in the
	// session header. It returns the worker-reported is_alive value.
	Probe(ctx context.Context, url string, sessionID string) (alive bool, err error)
}

var workerIDCounter Counter

// Worker is the manager-side proxy for one remote worker process: it
// tracks liveness, executor accounting, and drain state, and issues RPCs
// over a WorkerTransport.
type Worker struct {
	mu sync.Mutex

	id               int
	url              string
	numExecutors     int
	executorsInUse   int
	currentBuildID   *int
	isAlive          bool
	isInShutdownMode bool
	sessionID        string

	transport WorkerTransport
}

// NewWorker constructs a Worker proxy. sessionID is the opaque token
// recorded at registration and checked on every subsequent liveness probe.
func NewWorker(url string, numExecutors int, sessionID string, transport WorkerTransport) *Worker {
	return &Worker{
		id:           workerIDCounter.Increment(),
		url:          url,
		numExecutors: numExecutors,
		isAlive:      true,
		sessionID:    sessionID,
		transport:    transport,
	}
}

func (w *Worker) ID() int     { return w.id }
func (w *Worker) URL() string { return w.url }

// NumExecutors returns the worker's executor capacity.
func (w *Worker) NumExecutors() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.numExecutors
}

// ExecutorsInUse returns the number of executors currently claimed.
func (w *Worker) ExecutorsInUse() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.executorsInUse
}

// CurrentBuildID returns the build this worker is assigned to, or
// (0, false) if idle.
func (w *Worker) CurrentBuildID() (int, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.currentBuildID == nil {
		return 0, false
	}
	return *w.currentBuildID, true
}

// IsAlive returns the cached liveness value without a network call.
func (w *Worker) IsAlive() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.isAlive
}

// IsShutdown reports whether the worker has been marked for drain.
func (w *Worker) IsShutdown() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.isInShutdownMode
}

// APIRepresentation returns the JSON-serializable view of this worker used
// by the HTTP API (GET /worker, GET /worker/{id}).
func (w *Worker) APIRepresentation() map[string]any {
	w.mu.Lock()
	defer w.mu.Unlock()
	var buildID any
	if w.currentBuildID != nil {
		buildID = *w.currentBuildID
	}
	return map[string]any{
		"url":                  w.url,
		"id":                   w.id,
		"session_id":           w.sessionID,
		"num_executors":        w.numExecutors,
		"num_executors_in_use": w.executorsInUse,
		"current_build_id":     buildID,
		"is_alive":             w.isAlive,
		"is_in_shutdown_mode":  w.isInShutdownMode,
	}
}

// Setup records current_build_id and issues the worker's setup RPC. The id
// is set before the RPC returns so a worker-initiated callback arriving
// immediately after setup finds the expected build id already recorded.
func (w *Worker) Setup(ctx context.Context, buildID int, params map[string]any, executorStartIndex int) error {
	w.mu.Lock()
	w.currentBuildID = &buildID
	w.mu.Unlock()

	body := map[string]any{
		"project_type_params":         params,
		"build_executor_start_index":  executorStartIndex,
	}
	if err := w.transport.Setup(ctx, w.url, buildID, body); err != nil {
		return &WorkerError{WorkerID: w.id, Op: "setup", Err: err}
	}
	return nil
}

// Teardown runs the worker's build teardown. It is a no-op (logged, not
// erroring) on a worker that is not alive.
func (w *Worker) Teardown(ctx context.Context) error {
	w.mu.Lock()
	buildID := 0
	if w.currentBuildID != nil {
		buildID = *w.currentBuildID
	}
	alive := w.isAlive
	w.mu.Unlock()

	if !alive {
		log.WithWorker(w.id).Info().Msgf("teardown request to worker %s was not sent since worker is disconnected", w.url)
		return nil
	}
	return w.transport.Teardown(ctx, w.url, buildID)
}

// StartSubjob dispatches subjob to this worker. It fires the RPC
// asynchronously (fire-and-forget): the caller (BuildScheduler) is
// expected to bound concurrency itself, since a worker's own executor
// count already caps how many subjobs can be in flight at once.
func (w *Worker) StartSubjob(subjob *Subjob) error {
	w.mu.Lock()
	alive := w.isAlive
	shutdown := w.isInShutdownMode
	w.mu.Unlock()

	if !alive {
		return &DeadWorkerError{WorkerID: w.id, URL: w.url}
	}
	if shutdown {
		return &WorkerShutdownError{WorkerID: w.id, URL: w.url}
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		body := map[string]any{"atomic_commands": subjob.AtomicCommands()}
		if err := w.transport.StartSubjob(ctx, w.url, subjob.BuildID, subjob.SubjobID, body); err != nil {
			log.WithWorker(w.id).Warn().Err(err).Msgf("dispatching subjob %d to worker %s failed", subjob.SubjobID, w.url)
		}
	}()
	return nil
}

// ClaimExecutor atomically reserves one executor slot. It is a programming
// error to claim past capacity.
func (w *Worker) ClaimExecutor() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.executorsInUse++
	if w.executorsInUse > w.numExecutors {
		panic(fmt.Sprintf("cannot claim executor on worker %s: no executors left", w.url))
	}
	return w.executorsInUse
}

// FreeExecutor atomically releases one executor slot. It is a programming
// error to free past zero.
func (w *Worker) FreeExecutor() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.executorsInUse--
	if w.executorsInUse < 0 {
		panic(fmt.Sprintf("cannot free executor on worker %s: all are free", w.url))
	}
	return w.executorsInUse
}

// MarkAsIdle clears current_build_id after asserting no executors remain
// in use. If the worker is in shutdown mode it is killed instead, and
// WorkerShutdownError is returned so the caller does not requeue it.
func (w *Worker) MarkAsIdle(ctx context.Context) error {
	w.mu.Lock()
	if w.executorsInUse != 0 {
		inUse := w.executorsInUse
		w.mu.Unlock()
		panic(fmt.Sprintf("trying to mark worker idle while %d executors still in use", inUse))
	}
	w.currentBuildID = nil
	shutdown := w.isInShutdownMode
	w.mu.Unlock()

	if shutdown {
		w.Kill(ctx)
		return &WorkerShutdownError{WorkerID: w.id, URL: w.url}
	}
	return nil
}

// SetShutdownMode marks the worker for drain. A worker with no current
// build is killed immediately.
func (w *Worker) SetShutdownMode(ctx context.Context) {
	w.mu.Lock()
	w.isInShutdownMode = true
	hasBuild := w.currentBuildID != nil
	w.mu.Unlock()

	if !hasBuild {
		w.Kill(ctx)
	}
}

// Kill instructs the remote worker to terminate and marks it dead.
func (w *Worker) Kill(ctx context.Context) {
	if err := w.transport.Kill(ctx, w.url); err != nil {
		log.WithWorker(w.id).Warn().Err(err).Msg("kill RPC to worker failed")
	}
	w.markDead()
}

func (w *Worker) markDead() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.isAlive = false
	w.currentBuildID = nil
}

// ProbeLiveness performs an uncached liveness check against the worker,
// verifying the session header on the response. Any failure — transport
// error, missing/malformed payload, or a false is_alive — marks the
// worker dead and returns false.
func (w *Worker) ProbeLiveness(ctx context.Context) bool {
	w.mu.Lock()
	sessionID := w.sessionID
	w.mu.Unlock()

	alive, err := w.transport.Probe(ctx, w.url, sessionID)
	if err != nil {
		log.WithWorker(w.id).Warn().Err(err).Msgf("worker %s is offline", w.url)
		w.mu.Lock()
		w.isAlive = false
		w.mu.Unlock()
		return false
	}

	w.mu.Lock()
	w.isAlive = alive
	w.mu.Unlock()
	return alive
}
