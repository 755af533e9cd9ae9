package schema

import (
	"fmt"
	"strings"
)

// RunnerType names an execution backend.
type RunnerType string

const (
	RunnerLocal   RunnerType = "local"
	RunnerRemote  RunnerType = "remote"
	RunnerVagrant RunnerType = "vagrant"
	RunnerDocker  RunnerType = "docker"
)

// RunnerTypes returns every supported backend in declaration order.
func RunnerTypes() []RunnerType {
	return []RunnerType{RunnerLocal, RunnerRemote, RunnerVagrant, RunnerDocker}
}

// ParseRunnerType validates a backend name.
func ParseRunnerType(value string) (RunnerType, error) {
	for _, r := range RunnerTypes() {
		if string(r) == strings.ToLower(value) {
			return r, nil
		}
	}
	return "", fmt.Errorf("runner must be one of %s", joinValues(RunnerTypes()))
}

// Directive labels a command for reporting.
type Directive string

const (
	DirectiveTest    Directive = "test"
	DirectiveBuild   Directive = "build"
	DirectiveDeploy  Directive = "deploy"
	DirectiveExecute Directive = "execute"
	DirectiveInstall Directive = "install"
	DirectiveRelease Directive = "release"
)

// Directives returns every known directive.
func Directives() []Directive {
	return []Directive{DirectiveTest, DirectiveBuild, DirectiveDeploy, DirectiveExecute, DirectiveInstall, DirectiveRelease}
}

// ParseDirective validates a directive name case-insensitively.
func ParseDirective(value string) (Directive, error) {
	for _, d := range Directives() {
		if string(d) == strings.ToLower(value) {
			return d, nil
		}
	}
	return "", fmt.Errorf("directive must be one of %s", joinValues(Directives()))
}

// ActionName selects a provisioning/teardown policy.
type ActionName string

const (
	ActionDefault ActionName = "default"
	ActionCleanup ActionName = "cleanup"
	ActionPersist ActionName = "persist"
)

// ActionNames returns the built-in action names.
func ActionNames() []ActionName {
	return []ActionName{ActionDefault, ActionCleanup, ActionPersist}
}

// ParseActionName validates an action name.
func ParseActionName(value string) (ActionName, error) {
	for _, a := range ActionNames() {
		if string(a) == strings.ToLower(value) {
			return a, nil
		}
	}
	return "", fmt.Errorf("action must be one of %s", joinValues(ActionNames()))
}

// OutputType selects a reporting sink.
type OutputType string

const (
	OutputBasic  OutputType = "basic"
	OutputTty    OutputType = "tty"
	OutputSilent OutputType = "silent"
)

// OutputTypes returns the available sinks.
func OutputTypes() []OutputType {
	return []OutputType{OutputBasic, OutputTty, OutputSilent}
}

// ParseOutputType validates an output type.
func ParseOutputType(value string) (OutputType, error) {
	for _, o := range OutputTypes() {
		if string(o) == strings.ToLower(value) {
			return o, nil
		}
	}
	return "", fmt.Errorf("output must be one of %s", joinValues(OutputTypes()))
}

// ExitCode is a process exit status.
type ExitCode int

const (
	ExitPassed        ExitCode = 0
	ExitFailed        ExitCode = 1
	ExitInputError    ExitCode = 2
	ExitInternalError ExitCode = 3
	ExitInterrupted   ExitCode = 4
	ExitNoTests       ExitCode = 5
	ExitSkipped       ExitCode = 6
)

// Prompted values are wrapped in these markers so they can be masked for display.
const (
	PromptStart  = "<^^^^"
	PromptEnd    = "vvvv>"
	PromptHidden = "******"
)

func joinValues[T ~string](values []T) string {
	parts := make([]string, len(values))
	for i, v := range values {
		parts[i] = string(v)
	}
	return strings.Join(parts, ", ")
}
