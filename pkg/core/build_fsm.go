package core

import (
	"fmt"
	"sync"
	"time"

	"github.com/cuemby/clusterrunner/pkg/log"
)

// BuildState is one of the seven possible states of a build's lifecycle.
type BuildState string

const (
	StateQueued    BuildState = "QUEUED"
	StatePreparing BuildState = "PREPARING"
	StatePrepared  BuildState = "PREPARED"
	StateBuilding  BuildState = "BUILDING"
	StateFinished  BuildState = "FINISHED"
	StateError     BuildState = "ERROR"
	StateCanceled  BuildState = "CANCELED"
)

// BuildEvent triggers a BuildFSM state transition.
type BuildEvent string

const (
	EventStartPrepare      BuildEvent = "START_PREPARE"
	EventFinishPrepare     BuildEvent = "FINISH_PREPARE"
	EventStartBuilding     BuildEvent = "START_BUILDING"
	EventPostbuildComplete BuildEvent = "POSTBUILD_TASKS_COMPLETE"
	EventFail              BuildEvent = "FAIL"
	EventCancel            BuildEvent = "CANCEL"
)

// transitions is the complete, exhaustive transition table. A (state,
// event) pair absent here is an illegal transition. '=' no-ops are
// represented by mapping back to the same source state.
var transitions = map[BuildState]map[BuildEvent]BuildState{
	StateQueued: {
		EventStartPrepare: StatePreparing,
		EventCancel:       StateCanceled,
		EventFail:         StateError,
	},
	StatePreparing: {
		EventFinishPrepare: StatePrepared,
		EventCancel:        StateCanceled,
		EventFail:          StateError,
	},
	StatePrepared: {
		EventStartBuilding:     StateBuilding,
		EventPostbuildComplete: StateFinished,
		EventCancel:            StateCanceled,
		EventFail:              StateError,
	},
	StateBuilding: {
		EventPostbuildComplete: StateFinished,
		EventCancel:            StateCanceled,
		EventFail:              StateError,
	},
	StateCanceled: {
		EventStartPrepare:  StateCanceled,
		EventFinishPrepare: StateCanceled,
		EventCancel:        StateCanceled,
		EventFail:          StateError,
	},
	StateError: {
		EventCancel: StateError,
		EventFail:   StateError,
	},
	StateFinished: {
		EventCancel: StateFinished,
	},
}

// transition looks up the destination state for (from, event). ok is false
// for an illegal transition.
func transition(from BuildState, event BuildEvent) (BuildState, bool) {
	dst, ok := transitions[from][event]
	return dst, ok
}

// BuildFSM is the per-build lifecycle state machine. It replaces the
// source implementation's external FSM library (explicitly flagged as not
// thread-safe) with a plain transition table. An internal mutex serializes
// every transition and every read of the state, so a build's transitions
// never interleave even when triggered from different goroutines.
type BuildFSM struct {
	mu         sync.Mutex
	buildID    int
	state      BuildState
	timestamps map[BuildState]time.Time
	onEnter    map[BuildState]func(event BuildEvent)
}

// NewBuildFSM constructs a BuildFSM in the initial QUEUED state and records
// that entry's timestamp immediately, matching the source's "the first
// transition (none ==> initial) is triggered immediately on instantiation".
func NewBuildFSM(buildID int, onEnterCallbacks map[BuildState]func(event BuildEvent)) *BuildFSM {
	f := &BuildFSM{
		buildID:    buildID,
		state:      StateQueued,
		timestamps: make(map[BuildState]time.Time, len(transitions)),
		onEnter:    onEnterCallbacks,
	}
	f.timestamps[StateQueued] = time.Now()
	return f
}

// State returns the current state.
func (f *BuildFSM) State() BuildState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// Timestamps returns a copy of the per-state entry timestamps.
func (f *BuildFSM) Timestamps() map[BuildState]time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[BuildState]time.Time, len(f.timestamps))
	for k, v := range f.timestamps {
		out[k] = v
	}
	return out
}

// Trigger attempts to transition the FSM on event. Illegal transitions
// never surface to the caller: they are logged and converted into a FAIL
// event instead. A FAIL that itself cannot legally apply is fatal-logged,
// not retried, to avoid infinite recursion.
func (f *BuildFSM) Trigger(event BuildEvent) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.trigger(event, true)
}

func (f *BuildFSM) trigger(event BuildEvent, triggerFailOnError bool) {
	dst, ok := transition(f.state, event)
	if !ok {
		err := &FSMTransitionError{From: f.state, Event: event}
		logger := log.WithBuild(f.buildID)
		logger.Error().Err(err).Msg("error during build state transition")
		if triggerFailOnError {
			f.trigger(EventFail, false)
		} else {
			logger.Error().Msg("build attempted to move to ERROR state but the transition itself failed")
		}
		return
	}

	from := f.state
	f.state = dst
	f.recordTimestamp(dst, from, event)

	if cb, ok := f.onEnter[dst]; ok && cb != nil {
		cb(event)
	}
}

func (f *BuildFSM) recordTimestamp(dst, from BuildState, event BuildEvent) {
	logger := log.WithBuild(f.buildID)
	logger.Debug().Msgf("build transitioned from %s to %s via %s", from, dst, event)
	if _, exists := f.timestamps[dst]; exists {
		logger.Warn().Msgf("overwriting timestamp for build %d, state %s", f.buildID, dst)
	}
	f.timestamps[dst] = time.Now()
}

// String implements fmt.Stringer for convenient logging.
func (f *BuildFSM) String() string {
	return fmt.Sprintf("BuildFSM(build=%d, state=%s)", f.buildID, f.State())
}
