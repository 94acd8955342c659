package manager

import (
	"strconv"
	"strings"

	"github.com/cuemby/clusterrunner/pkg/core"
	"gopkg.in/yaml.v3"
)

// jobDefinition mirrors the commands/atomizers shape the functional job
// configs use: a job name mapping to the shell commands that form each
// atom's script and the atomizer(s) that expand into one token per atom.
type jobDefinition struct {
	Commands  []string            `yaml:"commands"`
	Atomizers []map[string]string `yaml:"atomizers"`
}

// ShellCommandProjectType is the manager's built-in project type. Real
// atomizers spawn a subprocess to compute their token list and YAML
// job-config parsing drives arbitrarily nested build steps; both are the
// out-of-scope external collaborator's job. This project type fills the
// same interface with a literal, no-subprocess stand-in: the atomizer's
// "token-producing command" is read as a literal comma/newline separated
// token list rather than executed.
type ShellCommandProjectType struct {
	jobConfig core.JobConfig
	overrides map[string]string
}

// NewShellCommandProjectType builds a ShellCommandProjectType from a
// build's request parameters, falling back to def for any executor limit
// the request didn't override.
func NewShellCommandProjectType(params map[string]string, def core.JobConfig) *ShellCommandProjectType {
	jc := def
	if v, err := strconv.Atoi(params["max_executors"]); err == nil && v > 0 {
		jc.MaxExecutors = v
	}
	if v, err := strconv.Atoi(params["max_executors_per_worker"]); err == nil && v > 0 {
		jc.MaxExecutorsPerWorker = v
	}
	if jc.MaxExecutors <= 0 {
		jc.MaxExecutors = 1
	}
	if jc.MaxExecutorsPerWorker <= 0 {
		jc.MaxExecutorsPerWorker = jc.MaxExecutors
	}
	if tfp := params["timing_file_path"]; tfp != "" {
		jc.TimingFilePath = tfp
	}

	overrides := make(map[string]string)
	for _, kv := range strings.Split(params["worker_param_overrides"], ",") {
		if k, v, ok := strings.Cut(kv, "="); ok {
			overrides[strings.TrimSpace(k)] = strings.TrimSpace(v)
		}
	}

	return &ShellCommandProjectType{jobConfig: jc, overrides: overrides}
}

// JobConfig implements core.ProjectType.
func (p *ShellCommandProjectType) JobConfig() core.JobConfig { return p.jobConfig }

// WorkerParamOverrides implements core.ProjectType.
func (p *ShellCommandProjectType) WorkerParamOverrides() map[string]string { return p.overrides }

// Cancel implements core.ProjectType. This project type has no atomizer
// subprocess of its own to signal.
func (p *ShellCommandProjectType) Cancel() {}

// AtomizeShellCommands expands a build's request parameters into
// subjobs. It looks for a "job_config" parameter holding a literal YAML
// job definition (commands + atomizers); each atomizer token becomes one
// subjob with one atom whose command string is the job's commands joined
// and substituted with that token. A request with no usable job_config
// gets a single no-op subjob, so a build can still traverse the FSM to
// FINISHED for exercising the rest of the pipeline.
func AtomizeShellCommands(params map[string]string) []*core.Subjob {
	if raw := params["job_config"]; raw != "" {
		if subjobs := atomizeFromYAML(raw); len(subjobs) > 0 {
			return subjobs
		}
	}
	return []*core.Subjob{singleNoOpSubjob()}
}

func atomizeFromYAML(raw string) []*core.Subjob {
	var jobs map[string]jobDefinition
	if err := yaml.Unmarshal([]byte(raw), &jobs); err != nil || len(jobs) == 0 {
		return nil
	}

	var def jobDefinition
	for _, j := range jobs {
		def = j
		break
	}
	if len(def.Commands) == 0 || len(def.Atomizers) == 0 {
		return nil
	}

	var variable, rawTokens string
	for k, v := range def.Atomizers[0] {
		variable, rawTokens = k, v
	}
	tokens := splitAtomizerTokens(rawTokens)
	if len(tokens) == 0 {
		return nil
	}

	subjobs := make([]*core.Subjob, len(tokens))
	for i, tok := range tokens {
		script := make([]string, len(def.Commands))
		for j, cmd := range def.Commands {
			script[j] = substituteVariable(cmd, variable, tok)
		}
		subjobs[i] = &core.Subjob{
			SubjobID: i,
			Atoms: []*core.Atom{{
				ID:            0,
				CommandString: strings.Join(script, " && "),
				State:         core.AtomNotStarted,
			}},
		}
	}
	return subjobs
}

func splitAtomizerTokens(raw string) []string {
	fields := strings.FieldsFunc(raw, func(r rune) bool { return r == '\n' || r == ',' })
	tokens := make([]string, 0, len(fields))
	for _, f := range fields {
		if t := strings.TrimSpace(f); t != "" {
			tokens = append(tokens, t)
		}
	}
	return tokens
}

func substituteVariable(cmd, variable, value string) string {
	cmd = strings.ReplaceAll(cmd, "${"+variable+"}", value)
	cmd = strings.ReplaceAll(cmd, "$"+variable, value)
	return cmd
}

func singleNoOpSubjob() *core.Subjob {
	return &core.Subjob{
		SubjobID: 0,
		Atoms:    []*core.Atom{{ID: 0, CommandString: "true", State: core.AtomNotStarted}},
	}
}
