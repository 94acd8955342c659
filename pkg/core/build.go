package core

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cuemby/clusterrunner/pkg/log"
	"github.com/cuemby/clusterrunner/pkg/metrics"
)

// PostBuildFunc runs the out-of-scope archival pipeline (artifact
// tar/zip creation, timing file write, failure bookkeeping) once every
// subjob has completed. It is invoked asynchronously and its result gates
// the FINISHED transition: POSTBUILD_TASKS_COMPLETE only fires once this
// returns, so a client can never observe FINISHED before the archive
// exists (see DESIGN.md's Open Question resolution).
type PostBuildFunc func(b *Build) (*BuildArtifact, error)

// Build is the aggregate of subjobs, FSM, and artifact for one execution
// of a job.
type Build struct {
	id int

	buildRequest   map[string]string
	projectType    ProjectType
	allSubjobs     map[int]*Subjob
	unstarted      *unstartedQueue
	finished       *finishedQueue
	fsm            *BuildFSM
	postBuild      PostBuildFunc

	mu                 sync.Mutex
	prepared           bool
	maxExecutors       int
	maxExecPerWorker   int
	timingFilePath     string
	executorsAllocated int
	buildArtifact      *BuildArtifact
	errorMessage       string
	teardownsFinished  bool

	completionMu sync.Mutex
}

var buildIDCounter Counter

// NewBuild constructs a Build in QUEUED state. request is the opaque
// build-parameter map forwarded to workers untouched. postBuild runs the
// archival pipeline once all subjobs are complete.
func NewBuild(request map[string]string, postBuild PostBuildFunc) *Build {
	b := &Build{
		id:           buildIDCounter.Increment(),
		buildRequest: request,
		postBuild:    postBuild,
	}
	b.fsm = NewBuildFSM(b.id, map[BuildState]func(BuildEvent){
		StateCanceled: b.onEnterCanceled,
	})
	return b
}

// ID returns the build's monotonically assigned id.
func (b *Build) ID() int { return b.id }

// FSM exposes the underlying state machine (read-mostly; transitions are
// driven exclusively through Build's own methods).
func (b *Build) FSM() *BuildFSM { return b.fsm }

// BuildRequest returns the opaque parameter map this build was submitted
// with.
func (b *Build) BuildRequest() map[string]string { return b.buildRequest }

// Prepare is single-shot: a second call fails. It fixes the unstarted and
// finished queue capacities to len(subjobs), enqueues every subjob, and
// captures execution limits from jobConfig.
func (b *Build) Prepare(subjobs []*Subjob, projectType ProjectType, jobConfig JobConfig) error {
	b.mu.Lock()
	if b.prepared {
		b.mu.Unlock()
		return fmt.Errorf("build %d: prepare called more than once", b.id)
	}
	b.prepared = true
	b.projectType = projectType
	b.maxExecutors = jobConfig.MaxExecutors
	b.maxExecPerWorker = jobConfig.MaxExecutorsPerWorker
	b.timingFilePath = jobConfig.TimingFilePath
	b.mu.Unlock()

	b.allSubjobs = make(map[int]*Subjob, len(subjobs))
	b.unstarted = newUnstartedQueue(len(subjobs))
	b.finished = newFinishedQueue(len(subjobs))
	for _, s := range subjobs {
		b.allSubjobs[s.SubjobID] = s
		b.unstarted.Push(s)
	}

	b.fsm.Trigger(EventFinishPrepare)
	return nil
}

// StartPreparing fires START_PREPARE (QUEUED -> PREPARING). Called by the
// request handler before subjob computation begins.
func (b *Build) StartPreparing() {
	b.fsm.Trigger(EventStartPrepare)
}

// Subjob looks up a subjob by id within this build.
func (b *Build) Subjob(id int) (*Subjob, bool) {
	s, ok := b.allSubjobs[id]
	return s, ok
}

// TotalAtoms returns the number of atoms across all subjobs.
func (b *Build) TotalAtoms() int {
	total := 0
	for _, s := range b.allSubjobs {
		total += len(s.Atoms)
	}
	return total
}

// NeedsMoreWorkers reports whether this build can still usefully accept
// another worker allocation.
func (b *Build) NeedsMoreWorkers() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.unstarted == nil {
		return false
	}
	return b.executorsAllocated < b.maxExecutors &&
		b.unstarted.Len() > 0 &&
		b.executorsAllocated < len(b.allSubjobs)
}

// AllocateWorker runs the worker's setup RPC and credits its executors
// toward this build's allocation.
func (b *Build) AllocateWorker(ctx context.Context, w *Worker, executorStartIndex int) error {
	params := map[string]string{}
	for k, v := range b.buildRequest {
		params[k] = v
	}
	if b.projectType != nil {
		for k, v := range b.projectType.WorkerParamOverrides() {
			params[k] = v
		}
	}
	paramsAny := make(map[string]any, len(params))
	for k, v := range params {
		paramsAny[k] = v
	}

	if err := w.Setup(ctx, b.id, paramsAny, executorStartIndex); err != nil {
		return err
	}

	grant := w.NumExecutors()
	b.mu.Lock()
	if b.maxExecPerWorker > 0 && grant > b.maxExecPerWorker {
		grant = b.maxExecPerWorker
	}
	b.executorsAllocated += grant
	b.mu.Unlock()
	return nil
}

// ExecutorSlotsFor returns how many executors begin_subjob_executions
// should claim on w right now: the min of the worker's capacity, the
// per-worker cap, and the build's remaining headroom.
func (b *Build) ExecutorSlotsFor(w *Worker) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := w.NumExecutors()
	if b.maxExecPerWorker > 0 && n > b.maxExecPerWorker {
		n = b.maxExecPerWorker
	}
	remaining := b.maxExecutors - b.executorsAllocated + w.ExecutorsInUse()
	if remaining < 0 {
		remaining = 0
	}
	if n > remaining {
		n = remaining
	}
	return n
}

// DispatchOutcome describes what ExecuteNextSubjobOrFreeExecutor did, so
// the caller (BuildScheduler, holding its subjob-assignment mutex) can
// decide whether to tear the worker down and whether to re-register for
// more workers.
type DispatchOutcome struct {
	Dispatched   bool
	WorkerIdle   bool // executors_in_use on w reached zero
	RequeuedBack bool // a dispatch error (WorkerShutdownError or any other) forced a requeue
}

// ExecuteNextSubjobOrFreeExecutor pops one subjob from unstarted and
// dispatches it to w, or frees an executor if the queue is empty. Callers
// MUST hold the owning BuildScheduler's subjob-assignment mutex: this is
// the sequence whose serialization prevents the documented "last worker
// strand" race (see spec section 5).
func (b *Build) ExecuteNextSubjobOrFreeExecutor(w *Worker) DispatchOutcome {
	// A canceled build dispatches nothing more: the executor is freed as
	// if the queue were empty.
	if b.Status() == StateCanceled {
		w.FreeExecutor()
		return DispatchOutcome{WorkerIdle: w.ExecutorsInUse() == 0}
	}

	subjob, ok := b.unstarted.TryPop()
	if !ok {
		w.FreeExecutor()
		return DispatchOutcome{WorkerIdle: w.ExecutorsInUse() == 0}
	}

	// The pop above already happened, so "was this the first dispatch"
	// is "is the queue now at exactly capacity-1".
	isFirst := b.unstarted.Len() == len(b.allSubjobs)-1

	timer := metrics.NewTimer()
	err := w.StartSubjob(subjob)
	timer.ObserveDuration(metrics.SubjobDispatchDuration)

	if err != nil {
		if _, ok := err.(*WorkerShutdownError); ok {
			// Known, documented order deviation: a subjob requeued here
			// loses its original FIFO position relative to subjobs
			// dispatched after it.
			b.unstarted.Push(subjob)
			w.FreeExecutor()
			return DispatchOutcome{RequeuedBack: true, WorkerIdle: w.ExecutorsInUse() == 0}
		}
		log.WithSubjob(b.id, subjob.SubjobID).Warn().Err(err).Msg("failed to start subjob")
		b.unstarted.Push(subjob)
		w.FreeExecutor()
		return DispatchOutcome{RequeuedBack: true, WorkerIdle: w.ExecutorsInUse() == 0}
	}

	if isFirst {
		b.fsm.Trigger(EventStartBuilding)
	}
	return DispatchOutcome{Dispatched: true}
}

// MarkSubjobComplete records subjob completion. If this was the last
// subjob, it spawns the post-build task and fires POSTBUILD_TASKS_COMPLETE
// only once that task succeeds.
func (b *Build) MarkSubjobComplete(subjobID int) error {
	subjob, ok := b.allSubjobs[subjobID]
	if !ok {
		return &ItemNotFoundError{Kind: "subjob", ID: subjobID}
	}

	b.completionMu.Lock()
	subjob.Completed = true
	full := b.finished.Push(subjobID)
	b.completionMu.Unlock()

	metrics.SubjobsCompletedTotal.Inc()

	if full {
		go b.runPostBuild()
	}
	return nil
}

// ReportSubjobResult applies a worker's reported atom outcomes to
// subjobID and marks it complete. It is the entry point for the
// worker-to-manager result callback (see pkg/api).
func (b *Build) ReportSubjobResult(subjobID int, atoms []*Atom) error {
	subjob, ok := b.allSubjobs[subjobID]
	if !ok {
		return &ItemNotFoundError{Kind: "subjob", ID: subjobID}
	}
	subjob.ApplyResults(atoms)
	return b.MarkSubjobComplete(subjobID)
}

func (b *Build) runPostBuild() {
	logger := log.WithBuild(b.id)
	if b.postBuild == nil {
		b.mu.Lock()
		b.buildArtifact = &BuildArtifact{}
		b.teardownsFinished = true
		b.mu.Unlock()
		b.fsm.Trigger(EventPostbuildComplete)
		return
	}

	artifact, err := b.postBuild(b)
	if err != nil {
		logger.Error().Err(err).Msg("post-build task failed")
		b.MarkFailed(fmt.Sprintf("post-build task failed: %v", err))
		return
	}

	b.mu.Lock()
	b.buildArtifact = artifact
	b.teardownsFinished = true
	b.mu.Unlock()

	b.fsm.Trigger(EventPostbuildComplete)
}

// Finish asserts all subjobs are done and records that teardown has
// completed for every allocated worker. It panics if the finished queue
// is not yet full, matching the source's "caller contract" invariant.
func (b *Build) Finish() {
	if !b.finished.Full() {
		panic(fmt.Sprintf("build %d: finish() called before all subjobs completed", b.id))
	}
	b.mu.Lock()
	b.teardownsFinished = true
	b.mu.Unlock()
}

// MarkFailed records the human-readable reason and fires FAIL.
func (b *Build) MarkFailed(reason string) {
	b.mu.Lock()
	b.errorMessage = reason
	b.mu.Unlock()
	log.WithBuild(b.id).Error().Msg(reason)
	b.fsm.Trigger(EventFail)
}

// Cancel fires CANCEL. The project type (external collaborator) is asked
// to terminate any in-flight atomizer/subjob subprocess it launched.
func (b *Build) Cancel() {
	b.fsm.Trigger(EventCancel)
}

func (b *Build) onEnterCanceled(BuildEvent) {
	if b.projectType != nil {
		b.projectType.Cancel()
	}
}

// Snapshot is the subset of Build state the persistent store needs to
// save a build row and reload it after a restart. It is a flat,
// serializable view; a Build rehydrated from one is read-only (it is
// never driven through the scheduler again).
type Snapshot struct {
	ID                        int
	BuildRequest              map[string]string
	State                     BuildState
	Timestamps                map[BuildState]time.Time
	ErrorMessage              string
	PostbuildTasksAreFinished bool
	TimingFilePath            string
	BuildArtifactDir          string
	FailedArtifactDirectories []string
	FailedSubjobAtomPairs     [][2]int
	Subjobs                   []*Subjob
}

// Snapshot captures the build's current state for persistence.
func (b *Build) Snapshot() Snapshot {
	b.mu.Lock()
	artifactDir := ""
	var failedDirs []string
	var failedPairs [][2]int
	if b.buildArtifact != nil {
		artifactDir = b.buildArtifact.BuildArtifactDir
		failedDirs = b.buildArtifact.FailedArtifactDirectories
		failedPairs = b.buildArtifact.FailedSubjobAtomPairs
	}
	timingFilePath := b.timingFilePath
	errMsg := b.errorMessage
	teardownsFinished := b.teardownsFinished
	b.mu.Unlock()

	subjobs := make([]*Subjob, 0, len(b.allSubjobs))
	for _, s := range b.allSubjobs {
		subjobs = append(subjobs, s)
	}

	return Snapshot{
		ID:                        b.id,
		BuildRequest:              b.buildRequest,
		State:                     b.Status(),
		Timestamps:                b.fsm.Timestamps(),
		ErrorMessage:              errMsg,
		PostbuildTasksAreFinished: teardownsFinished,
		TimingFilePath:            timingFilePath,
		BuildArtifactDir:          artifactDir,
		FailedArtifactDirectories: failedDirs,
		FailedSubjobAtomPairs:     failedPairs,
		Subjobs:                   subjobs,
	}
}

// NewBuildFromSnapshot rehydrates a read-only Build from a previously
// saved Snapshot. The returned Build's FSM is seeded directly at the
// saved state (not driven through transitions) and its timestamps are
// restored verbatim; it is meant for reporting after a manager restart,
// never for further scheduling.
func NewBuildFromSnapshot(snap Snapshot) *Build {
	b := &Build{
		id:                snap.ID,
		buildRequest:      snap.BuildRequest,
		errorMessage:      snap.ErrorMessage,
		teardownsFinished: snap.PostbuildTasksAreFinished,
		timingFilePath:    snap.TimingFilePath,
		prepared:          true,
	}
	b.allSubjobs = make(map[int]*Subjob, len(snap.Subjobs))
	for _, s := range snap.Subjobs {
		b.allSubjobs[s.SubjobID] = s
	}
	b.buildArtifact = &BuildArtifact{
		BuildArtifactDir:          snap.BuildArtifactDir,
		FailedArtifactDirectories: snap.FailedArtifactDirectories,
		FailedSubjobAtomPairs:     snap.FailedSubjobAtomPairs,
	}
	b.fsm = &BuildFSM{
		buildID:    snap.ID,
		state:      snap.State,
		timestamps: snap.Timestamps,
		onEnter:    map[BuildState]func(BuildEvent){},
	}
	return b
}

// Status returns the current FSM state.
func (b *Build) Status() BuildState {
	return b.fsm.State()
}

// Result reports NO_FAILURES/FAILURE once finished; it is meaningless
// before FINISHED.
func (b *Build) Result() BuildResult {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.buildArtifact != nil && len(b.buildArtifact.FailedSubjobAtomPairs) > 0 {
		return ResultFailure
	}
	return ResultNoFailures
}

// ErrorMessage returns the failure reason, set iff Status() == ERROR.
func (b *Build) ErrorMessage() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.errorMessage
}

// TeardownsFinished reports whether every allocated worker has completed
// teardown for this build.
func (b *Build) TeardownsFinished() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.teardownsFinished
}

// Artifact returns the post-build artifact, set exactly once on entry to
// FINISHED.
func (b *Build) Artifact() *BuildArtifact {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buildArtifact
}

// FailedAtoms returns the failed (subjob, atom) id pairs recorded by the
// artifact, or nil if no artifact has been produced yet.
func (b *Build) FailedAtoms() [][2]int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.buildArtifact == nil {
		return nil
	}
	return b.buildArtifact.FailedSubjobAtomPairs
}

// TimingFilePath returns the path captured from the job config at prepare
// time.
func (b *Build) TimingFilePath() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.timingFilePath
}

// AllSubjobs returns every subjob registered at prepare time, keyed by id.
func (b *Build) AllSubjobs() map[int]*Subjob {
	return b.allSubjobs
}

// APIRepresentation is the JSON-serializable view used by
// GET /build/{id}.
func (b *Build) APIRepresentation() map[string]any {
	numSubjobs := len(b.allSubjobs)
	return map[string]any{
		"build_id":    b.id,
		"status":      string(b.Status()),
		"result":      string(b.Result()),
		"num_atoms":   b.TotalAtoms(),
		"num_subjobs": numSubjobs,
		"failed_atoms": b.FailedAtoms(),
		"details":     b.ErrorMessage(),
	}
}

// RecordTerminalMetrics updates the build-lifecycle prometheus counters
// for a build in a terminal state; Manager.PersistBuild calls it before
// flushing the build.
func (b *Build) RecordTerminalMetrics() {
	switch b.Status() {
	case StateFinished:
		metrics.BuildsFinishedTotal.WithLabelValues(string(b.Result())).Inc()
	case StateError:
		metrics.BuildsFinishedTotal.WithLabelValues("ERROR").Inc()
	case StateCanceled:
		metrics.BuildsFinishedTotal.WithLabelValues("CANCELED").Inc()
	}
}
