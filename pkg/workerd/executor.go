package workerd

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/cuemby/clusterrunner/pkg/core"
	"github.com/cuemby/clusterrunner/pkg/log"
)

// Executor runs one subjob's atoms to completion on this worker
// process, serially, the way a single executor slot does in the
// source (an executor is a sequential lane of atom execution, not a
// thread pool). Console output for each atom is captured to a file
// under workDir and also returned on the atom's Output field.
type Executor struct {
	index   int
	workDir string
}

// NewExecutor constructs the executor for slot index, writing console
// output to workDir/subjob_<subjob id>/atom_<atom id>_console.log.
func NewExecutor(index int, workDir string) *Executor {
	return &Executor{index: index, workDir: workDir}
}

// RunSubjob executes every atom in subjob in order, stopping at the
// first non-zero exit code (later atoms are left NOT_STARTED). A
// failing command is recorded on the atom, not surfaced as a Go error,
// since a failed build is a normal outcome reported through the
// artifact; an error is returned only when the subjob work directory
// or an atom's console file cannot be created.
func (e *Executor) RunSubjob(ctx context.Context, subjob *core.Subjob) error {
	dir := filepath.Join(e.workDir, fmt.Sprintf("subjob_%d", subjob.SubjobID))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create subjob work dir: %w", err)
	}

	for _, atom := range subjob.Atoms {
		if err := e.runAtom(ctx, dir, atom); err != nil {
			return err
		}
		if atom.ExitCode != 0 {
			break
		}
	}
	return nil
}

func (e *Executor) runAtom(ctx context.Context, dir string, atom *core.Atom) error {
	atom.State = core.AtomInProgress
	start := time.Now()

	consolePath := filepath.Join(dir, fmt.Sprintf("atom_%d_console.log", atom.ID))
	f, err := os.Create(consolePath)
	if err != nil {
		return fmt.Errorf("create console file for atom %d: %w", atom.ID, err)
	}
	defer f.Close()

	cmd := exec.CommandContext(ctx, "sh", "-c", atom.CommandString)
	cmd.Dir = dir
	var combined bytes.Buffer
	cmd.Stdout = &combined
	cmd.Stderr = &combined

	log.WithComponent("workerd").Debug().Msgf("executor %d running atom %d: %s", e.index, atom.ID, atom.CommandString)
	runErr := cmd.Run()
	if _, werr := f.Write(combined.Bytes()); werr != nil {
		log.WithComponent("workerd").Warn().Err(werr).Msgf("failed writing console log for atom %d", atom.ID)
	}

	atom.Output = combined.String()
	atom.ActualTime = time.Since(start).Seconds()
	atom.State = core.AtomCompleted
	if runErr != nil {
		if exitErr, ok := runErr.(*exec.ExitError); ok {
			atom.ExitCode = exitErr.ExitCode()
		} else {
			atom.ExitCode = -1
		}
	} else {
		atom.ExitCode = 0
	}
	return nil
}

// ExecutorPool hands out a fixed number of Executors round-robin,
// mirroring the num_executors capacity the worker advertised at
// registration.
type ExecutorPool struct {
	mu        sync.Mutex
	executors []*Executor
	next      int
}

// NewExecutorPool constructs n executors rooted at workDir.
func NewExecutorPool(n int, workDir string) *ExecutorPool {
	p := &ExecutorPool{executors: make([]*Executor, n)}
	for i := 0; i < n; i++ {
		p.executors[i] = NewExecutor(i, workDir)
	}
	return p
}

// Acquire returns the next executor in round-robin order. The manager
// is trusted to never dispatch more concurrent subjobs than the
// advertised executor count, so this never blocks.
func (p *ExecutorPool) Acquire() *Executor {
	p.mu.Lock()
	defer p.mu.Unlock()
	e := p.executors[p.next%len(p.executors)]
	p.next++
	return e
}

// Len returns the number of executors in the pool.
func (p *ExecutorPool) Len() int { return len(p.executors) }
