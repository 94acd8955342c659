package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewBuildFSMStartsQueued(t *testing.T) {
	f := NewBuildFSM(1, nil)
	assert.Equal(t, StateQueued, f.State())
	assert.Contains(t, f.Timestamps(), StateQueued)
}

func TestBuildFSMLegalTransitions(t *testing.T) {
	f := NewBuildFSM(1, nil)

	f.Trigger(EventStartPrepare)
	assert.Equal(t, StatePreparing, f.State())

	f.Trigger(EventFinishPrepare)
	assert.Equal(t, StatePrepared, f.State())

	f.Trigger(EventStartBuilding)
	assert.Equal(t, StateBuilding, f.State())

	f.Trigger(EventPostbuildComplete)
	assert.Equal(t, StateFinished, f.State())
}

func TestBuildFSMCancelFromPrepared(t *testing.T) {
	f := NewBuildFSM(1, nil)
	f.Trigger(EventStartPrepare)
	f.Trigger(EventFinishPrepare)
	f.Trigger(EventCancel)
	assert.Equal(t, StateCanceled, f.State())
}

func TestBuildFSMIllegalTransitionFallsBackToError(t *testing.T) {
	f := NewBuildFSM(1, nil)
	// Queued cannot finish prepare directly; the illegal transition is
	// converted into a FAIL.
	f.Trigger(EventFinishPrepare)
	assert.Equal(t, StateError, f.State())
}

func TestBuildFSMOnEnterCallback(t *testing.T) {
	entered := make(chan BuildEvent, 1)
	f := NewBuildFSM(1, map[BuildState]func(event BuildEvent){
		StatePreparing: func(event BuildEvent) { entered <- event },
	})

	f.Trigger(EventStartPrepare)

	select {
	case ev := <-entered:
		assert.Equal(t, EventStartPrepare, ev)
	default:
		t.Fatal("onEnter callback for StatePreparing was not invoked")
	}
}

func TestBuildFSMTerminalStatesAbsorbCancel(t *testing.T) {
	f := NewBuildFSM(1, nil)
	f.Trigger(EventStartPrepare)
	f.Trigger(EventFinishPrepare)
	f.Trigger(EventStartBuilding)
	f.Trigger(EventPostbuildComplete)
	assert.Equal(t, StateFinished, f.State())

	f.Trigger(EventCancel)
	assert.Equal(t, StateFinished, f.State())
}

func TestBuildFSMString(t *testing.T) {
	f := NewBuildFSM(7, nil)
	assert.Equal(t, "BuildFSM(build=7, state=QUEUED)", f.String())
}
