package workerd

import (
	"testing"

	"github.com/cuemby/clusterrunner/pkg/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExecutorRunSubjobRecordsSuccess(t *testing.T) {
	e := NewExecutor(0, t.TempDir())
	subjob := &core.Subjob{
		BuildID:  1,
		SubjobID: 0,
		Atoms: []*core.Atom{
			{ID: 0, CommandString: "echo hello"},
		},
	}

	require.NoError(t, e.RunSubjob(t.Context(), subjob))
	assert.Equal(t, core.AtomCompleted, subjob.Atoms[0].State)
	assert.Equal(t, 0, subjob.Atoms[0].ExitCode)
	assert.Contains(t, subjob.Atoms[0].Output, "hello")
}

func TestExecutorRunSubjobStopsAtFirstFailure(t *testing.T) {
	e := NewExecutor(0, t.TempDir())
	subjob := &core.Subjob{
		BuildID:  1,
		SubjobID: 0,
		Atoms: []*core.Atom{
			{ID: 0, CommandString: "exit 1"},
			{ID: 1, CommandString: "echo should-not-run"},
		},
	}

	require.NoError(t, e.RunSubjob(t.Context(), subjob))
	assert.Equal(t, 1, subjob.Atoms[0].ExitCode)
	assert.Equal(t, core.AtomNotStarted, subjob.Atoms[1].State)
}

func TestExecutorPoolAcquireRoundRobins(t *testing.T) {
	p := NewExecutorPool(2, t.TempDir())
	assert.Equal(t, 2, p.Len())

	first := p.Acquire()
	second := p.Acquire()
	third := p.Acquire()
	assert.NotSame(t, first, second)
	assert.Same(t, first, third)
}
