package pipeline

import (
	"fmt"
	"os"
	"path"
	"time"

	"github.com/rs/zerolog"
	"github.com/zen-systems/buildmagic/pkg/action"
	"github.com/zen-systems/buildmagic/pkg/macro"
	"github.com/zen-systems/buildmagic/pkg/output"
	"github.com/zen-systems/buildmagic/pkg/runner"
	"github.com/zen-systems/buildmagic/pkg/schema"
)

// StageSpec holds the raw, unvalidated description of a stage.
type StageSpec struct {
	Sequence    int
	Name        string
	Description string
	Runner      string
	Environment string
	Action      string
	Directives  []string
	Commands    []string
	// Labels, when set, has one display label per command.
	Labels     []string
	Artifacts  []string
	CopyFrom   string
	WorkingDir string
	Parameters [][2]string
	Env        map[string]string
	Timeout    time.Duration
	// ContinueOnFail runs every macro regardless of earlier failures.
	ContinueOnFail bool
	// Skip marks the stage as skipped on request.
	Skip bool
}

// BuildOptions carries job-wide settings applied to every built stage.
type BuildOptions struct {
	Output  output.Output
	Logger  *zerolog.Logger
	Verbose bool
	// Timeout applies when the spec does not set one.
	Timeout time.Duration
}

// Build validates spec and assembles its runner, macros and action into a
// Stage. An empty command list is reported on the output sink and returned
// as a KindNoJobs error; every other problem is a KindValidation error.
func Build(spec StageSpec, opts BuildOptions) (*Stage, error) {
	if len(spec.Commands) == 0 {
		if opts.Output != nil {
			opts.Output.NoJob()
		}
		return nil, &Error{Kind: KindNoJobs}
	}

	directives := make([]schema.Directive, 0, len(spec.Directives))
	for _, d := range spec.Directives {
		directive, err := schema.ParseDirective(d)
		if err != nil {
			return nil, &Error{Kind: KindValidation, Err: err}
		}
		directives = append(directives, directive)
	}
	if len(spec.Commands) != len(directives) {
		return nil, newError(KindValidation, "length of commands unequal to length of directives")
	}
	if spec.Labels != nil && len(spec.Labels) != len(spec.Commands) {
		return nil, newError(KindValidation, "length of commands unequal to length of labels")
	}

	actionName, err := schema.ParseActionName(orDefault(spec.Action, string(schema.ActionDefault)))
	if err != nil {
		return nil, &Error{Kind: KindValidation, Err: err}
	}
	act, err := action.ByName(actionName)
	if err != nil {
		return nil, &Error{Kind: KindValidation, Err: err}
	}

	params, err := schema.ParseParameters(spec.Parameters)
	if err != nil {
		return nil, &Error{Kind: KindValidation, Err: err}
	}

	macros := macro.NewFactory(spec.Commands, nil, nil).WithLabels(spec.Labels).Generate()
	if len(macros) == 0 {
		return nil, newError(KindValidation, "there are no commands to execute")
	}
	// Keep directives aligned with the macros that survived.
	if len(macros) != len(directives) {
		kept := make([]schema.Directive, 0, len(macros))
		for i, cmd := range spec.Commands {
			if cmd != "" {
				kept = append(kept, directives[i])
			}
		}
		directives = kept
	}

	kind, err := schema.ParseRunnerType(orDefault(spec.Runner, string(schema.RunnerLocal)))
	if err != nil {
		return nil, &Error{Kind: KindValidation, Err: err}
	}
	switch kind {
	case schema.RunnerVagrant:
		if spec.Environment == "" {
			return nil, newError(KindValidation, "environment must be a path to a Vagrantfile when using the vagrant runner")
		}
	case schema.RunnerDocker:
		if spec.Environment == "" {
			return nil, newError(KindValidation, "environment must be a docker image when using the docker runner")
		}
		if hostwd := schema.ParameterOrDefault(params, schema.ParamHostWD); !exists(hostwd) {
			return nil, newError(KindValidation, "host working directory %s does not exist", hostwd)
		}
		if wd := spec.WorkingDir; wd != "" && wd != "." && !path.IsAbs(wd) {
			return nil, newError(KindValidation, "container working directory %s must be an absolute path", wd)
		}
	}
	if spec.CopyFrom != "" && !exists(spec.CopyFrom) {
		return nil, newError(KindValidation, "path %s does not exist", spec.CopyFrom)
	}
	// Remote and container working directories live outside this host.
	if spec.WorkingDir != "" && (kind == schema.RunnerLocal || kind == schema.RunnerVagrant) && !exists(spec.WorkingDir) {
		return nil, newError(KindValidation, "path %s does not exist", spec.WorkingDir)
	}

	timeout := spec.Timeout
	if timeout <= 0 {
		timeout = opts.Timeout
	}
	r, err := runner.New(kind, runner.Base{
		Environment: spec.Environment,
		WorkingDir:  spec.WorkingDir,
		CopyFrom:    spec.CopyFrom,
		Timeout:     timeout,
		Artifacts:   spec.Artifacts,
		Env:         spec.Env,
		Parameters:  params,
		Logger:      opts.Logger,
	})
	if err != nil {
		return nil, &Error{Kind: KindValidation, Err: err}
	}

	return NewStage(r, macros, directives, spec.Sequence, act, StageOptions{
		Name:           spec.Name,
		Description:    spec.Description,
		ContinueOnFail: spec.ContinueOnFail,
		Skip:           spec.Skip,
		Output:         opts.Output,
		Logger:         opts.Logger,
		Verbose:        opts.Verbose,
	}), nil
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func orDefault(value, fallback string) string {
	if value == "" {
		return fallback
	}
	return value
}

// String describes the stage for logs.
func (s StageSpec) String() string {
	if s.Name != "" {
		return fmt.Sprintf("stage %d (%s)", s.Sequence, s.Name)
	}
	return fmt.Sprintf("stage %d", s.Sequence)
}
