package core

// AtomState tracks one atom's progress through execution on a worker.
type AtomState string

const (
	AtomNotStarted AtomState = "NOT_STARTED"
	AtomInProgress AtomState = "IN_PROGRESS"
	AtomCompleted  AtomState = "COMPLETED"
)

// Atom is one atomic shell command within a subjob.
type Atom struct {
	ID            int       `json:"id"`
	CommandString string    `json:"command_string"`
	ExpectedTime  float64   `json:"expected_time"`
	ActualTime    float64   `json:"actual_time"`
	ExitCode      int       `json:"exit_code"`
	State         AtomState `json:"state"`
	// Output holds the atom's captured stdout+stderr, reported by the
	// worker alongside its exit code so the manager's console route can
	// serve it without reaching back out to the (possibly now-idle or
	// torn-down) worker.
	Output string `json:"output,omitempty"`
}

// Subjob is an ordered list of atoms dispatched as a unit to one worker
// executor.
type Subjob struct {
	BuildID   int     `json:"build_id"`
	SubjobID  int     `json:"subjob_id"`
	Atoms     []*Atom `json:"atoms"`
	Completed bool    `json:"completed"`
}

// ApplyResults copies each result atom's execution fields onto the
// matching atom of this subjob (matched by id); atoms with no match are
// left untouched.
func (s *Subjob) ApplyResults(results []*Atom) {
	byID := make(map[int]*Atom, len(results))
	for _, r := range results {
		byID[r.ID] = r
	}
	for _, a := range s.Atoms {
		if r, ok := byID[a.ID]; ok {
			a.ActualTime = r.ActualTime
			a.ExitCode = r.ExitCode
			a.State = r.State
			a.Output = r.Output
		}
	}
}

// AtomicCommands returns the command strings for every atom in the subjob,
// in the shape the worker RPC expects.
func (s *Subjob) AtomicCommands() []string {
	cmds := make([]string, len(s.Atoms))
	for i, a := range s.Atoms {
		cmds[i] = a.CommandString
	}
	return cmds
}

// JobConfig carries the per-build execution limits and paths that the
// (out-of-scope) YAML job-config parser and atomizer produce.
type JobConfig struct {
	MaxExecutors          int
	MaxExecutorsPerWorker int
	TimingFilePath        string
}

// ProjectType is the external collaborator — created lazily per build —
// that owns job-config parsing, atomization, and worker parameter
// overrides. Its internals (subprocess management, YAML parsing) are out
// of scope for this core; only the interface it presents to a Build is
// specified here.
type ProjectType interface {
	JobConfig() JobConfig
	WorkerParamOverrides() map[string]string
	// Cancel sends a termination signal to any in-flight atomizer or
	// subjob subprocess this project type launched.
	Cancel()
}

// BuildArtifact is the post-build aggregate: the archived results
// directory plus the bookkeeping needed to report failures. The archival
// pipeline itself (tar/zip creation) is out of scope; BuildArtifact is the
// shape the core expects back from it.
type BuildArtifact struct {
	BuildArtifactDir          string
	FailedArtifactDirectories []string
	FailedSubjobAtomPairs     [][2]int
}

// BuildResult reports the outcome of a finished build.
type BuildResult string

const (
	ResultNoFailures BuildResult = "NO_FAILURES"
	ResultFailure    BuildResult = "FAILURE"
)
