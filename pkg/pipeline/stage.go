package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/zen-systems/buildmagic/pkg/action"
	"github.com/zen-systems/buildmagic/pkg/macro"
	"github.com/zen-systems/buildmagic/pkg/output"
	"github.com/zen-systems/buildmagic/pkg/runner"
	"github.com/zen-systems/buildmagic/pkg/schema"
)

// MacroResult records one executed macro.
type MacroResult struct {
	Sequence  int
	Directive schema.Directive
	Command   string
	Status    runner.Status
	Duration  time.Duration
}

// StageOptions carries the collaborators shared by the stages of a job.
type StageOptions struct {
	Name        string
	Description string
	// ContinueOnFail keeps running macros after a failure even when the
	// engine does not.
	ContinueOnFail bool
	// Skip reports the stage as skipped without preparing or running it.
	Skip   bool
	Output output.Output
	Logger *zerolog.Logger
	// Verbose reports the stdout of every macro.
	Verbose bool
}

// Stage runs an ordered list of macros on one runner, bracketed by the
// provision and teardown steps of its action.
type Stage struct {
	Sequence       int
	Name           string
	Description    string
	ContinueOnFail bool
	Skip           bool

	runner     runner.Runner
	macros     []*macro.Macro
	directives []schema.Directive
	action     action.Action
	out        output.Output
	log        *zerolog.Logger
	verbose    bool

	isSetup  bool
	strategy action.Strategy
	results  []MacroResult
	// skipReason is set when the runner cannot serve this host.
	skipReason string
}

// NewStage assembles a stage. Use Build to validate raw inputs first.
func NewStage(r runner.Runner, macros []*macro.Macro, directives []schema.Directive, sequence int, act action.Action, opts StageOptions) *Stage {
	out := opts.Output
	if out == nil {
		out = output.Silent{}
	}
	log := opts.Logger
	if log == nil {
		nop := zerolog.Nop()
		log = &nop
	}
	return &Stage{
		Sequence:       sequence,
		Name:           opts.Name,
		Description:    opts.Description,
		ContinueOnFail: opts.ContinueOnFail,
		Skip:           opts.Skip,
		runner:         r,
		macros:         macros,
		directives:     directives,
		action:         act,
		out:            out,
		log:            log,
		verbose:        opts.Verbose,
	}
}

// Runner returns the stage's runner.
func (s *Stage) Runner() runner.Runner { return s.runner }

// Action returns the stage's action.
func (s *Stage) Action() action.Action { return s.action }

// IsSetup reports whether Setup has completed.
func (s *Stage) IsSetup() bool { return s.isSetup }

// Setup binds the action's provision and teardown steps for the runner's
// backend and stages artifacts. It does nothing once it has succeeded. A
// local stage meant for another operating system is marked skipped.
func (s *Stage) Setup(ctx context.Context) error {
	if s.isSetup {
		return nil
	}
	s.strategy = action.Resolve(s.action, s.runner.Name())
	if err := s.runner.Prepare(ctx); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !errors.Is(err, runner.ErrOSMismatch) {
			return &Error{Kind: KindSetup, Err: err}
		}
		s.skipReason = "because OS is not " + strings.ToLower(s.runner.Base().Environment)
	}
	s.isSetup = true
	return nil
}

// Run provisions the environment, executes the macros in order and tears the
// environment down. It returns 1 when any macro exited non-zero and 0
// otherwise. A failing macro stops the remaining macros unless
// continueOnFail is set; teardown runs either way. A skipped stage returns
// the skipped code without provisioning.
func (s *Stage) Run(ctx context.Context, continueOnFail bool) (int, error) {
	if s.Skip {
		return s.skip("per user request")
	}
	if err := s.Setup(ctx); err != nil {
		return int(schema.ExitInternalError), err
	}
	if s.skipReason != "" {
		return s.skip(s.skipReason)
	}

	backend := s.runner.Name()
	if !s.strategy.Provision(ctx, s.runner) {
		// Release whatever was partially provisioned before giving up.
		if !s.strategy.Teardown(ctx, s.runner) {
			s.log.Warn().Int("stage", s.Sequence).Msg("teardown after failed provision did not complete")
		}
		if ctx.Err() != nil {
			return int(schema.ExitInternalError), ctx.Err()
		}
		return int(schema.ExitInternalError), newError(KindSetup, "%s could not provision %s", s.action.Name, backend)
	}

	execErr := s.execute(ctx, continueOnFail)

	if !s.strategy.Teardown(ctx, s.runner) {
		teardownErr := newError(KindTeardown, "%s could not tear down %s", s.action.Name, backend)
		if execErr != nil {
			return int(schema.ExitInternalError), errors.Join(execErr, teardownErr)
		}
		return int(schema.ExitInternalError), teardownErr
	}
	if execErr != nil {
		return int(schema.ExitInternalError), execErr
	}

	for _, r := range s.results {
		if r.Status.ExitCode > 0 {
			return int(schema.ExitFailed), nil
		}
	}
	return int(schema.ExitPassed), nil
}

func (s *Stage) skip(reason string) (int, error) {
	label := fmt.Sprintf("Stage %d", s.Sequence)
	if s.Name != "" {
		label += ": " + s.Name
	}
	s.out.Skip(fmt.Sprintf("Skipping %s %s.", label, reason))
	s.log.Info().Int("stage", s.Sequence).Str("reason", reason).Msg("stage skipped")
	return int(schema.ExitSkipped), nil
}

func (s *Stage) execute(ctx context.Context, continueOnFail bool) error {
	backend := s.runner.Name()
	total := len(s.macros)
	for i, m := range s.macros {
		if prefix := s.action.Prefix(backend); prefix != "" {
			m.Prefix = prefix
		}
		if suffix := s.action.Suffix(backend); suffix != "" {
			m.Suffix = suffix
		}

		directive := s.directive(i)
		display := m.Display()
		s.out.MacroStart(string(directive), display, m.Sequence+1, total)

		start := time.Now()
		status, err := s.runner.Execute(ctx, m)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return &Error{Kind: KindExecution, Err: err}
		}
		duration := time.Since(start)

		s.results = append(s.results, MacroResult{
			Sequence:  m.Sequence,
			Directive: directive,
			Command:   m.Command(),
			Status:    status,
			Duration:  duration,
		})
		s.out.MacroStatus(string(directive), display, status.ExitCode, m.Sequence+1, total)
		s.log.Debug().
			Int("stage", s.Sequence).
			Int("macro", m.Sequence).
			Int("exit_code", status.ExitCode).
			Dur("duration", duration).
			Msg("macro finished")

		if s.verbose && status.Stdout != "" {
			s.out.Info(status.Stdout)
		}
		if status.ExitCode > 0 && !continueOnFail {
			if msg := strings.TrimSpace(status.Stderr); msg != "" {
				s.out.Error(msg)
			}
			break
		}
	}
	return nil
}

func (s *Stage) directive(i int) schema.Directive {
	if i < len(s.directives) {
		return s.directives[i]
	}
	return schema.DirectiveExecute
}

// Results returns the status of every executed macro in order.
func (s *Stage) Results() []runner.Status {
	statuses := make([]runner.Status, len(s.results))
	for i, r := range s.results {
		statuses[i] = r.Status
	}
	return statuses
}

// MacroResults returns the executed macros with timing.
func (s *Stage) MacroResults() []MacroResult {
	return append([]MacroResult(nil), s.results...)
}
