package pipeline

import (
	"context"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"github.com/zen-systems/buildmagic/pkg/evidence"
	"github.com/zen-systems/buildmagic/pkg/output"
	"github.com/zen-systems/buildmagic/pkg/schema"
)

// EngineOptions configures a job run.
type EngineOptions struct {
	Output         output.Output
	Logger         *zerolog.Logger
	ContinueOnFail bool
	// Report, when set, receives one record per finished stage.
	Report *evidence.Writer
}

// Engine runs stages in ascending sequence order.
type Engine struct {
	stages []*Stage
	opts   EngineOptions
	out    output.Output
	log    *zerolog.Logger
}

// NewEngine sorts stages by sequence. Stages sharing a sequence keep the
// order they were given in.
func NewEngine(stages []*Stage, opts EngineOptions) *Engine {
	sorted := append([]*Stage(nil), stages...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Sequence < sorted[j].Sequence
	})

	out := opts.Output
	if out == nil {
		out = output.Silent{}
	}
	log := opts.Logger
	if log == nil {
		nop := zerolog.Nop()
		log = &nop
	}
	return &Engine{stages: sorted, opts: opts, out: out, log: log}
}

// Stages returns the stages in execution order.
func (e *Engine) Stages() []*Stage {
	return append([]*Stage(nil), e.stages...)
}

// Run executes every stage and returns the highest stage exit code. A
// fatal stage error stops the job: it is reported, the stage is closed with
// an internal error code and the error is returned.
func (e *Engine) Run(ctx context.Context) (int, error) {
	code := int(schema.ExitPassed)
	e.out.JobStart()

	for _, stage := range e.stages {
		e.out.StageStart(stage.Sequence, stage.Name, stage.Description)
		start := time.Now()

		result, err := e.runStage(ctx, stage)
		e.record(stage, result, err, time.Since(start))
		if err != nil {
			e.log.Error().Err(err).Int("stage", stage.Sequence).Msg("stage aborted")
			e.out.Error(err.Error())
			e.out.StageEnd(stage.Sequence, int(schema.ExitInternalError), stage.Name)
			e.out.JobEnd()
			return int(schema.ExitInternalError), err
		}

		// A skipped stage only sets the job result when it is the last one.
		if result > code && !(result == int(schema.ExitSkipped) && stage != e.stages[len(e.stages)-1]) {
			code = result
		}
		e.out.StageEnd(stage.Sequence, result, stage.Name)
	}

	e.out.JobEnd()
	return code, nil
}

func (e *Engine) runStage(ctx context.Context, stage *Stage) (int, error) {
	if err := ctx.Err(); err != nil {
		return int(schema.ExitInterrupted), err
	}
	if !stage.Skip {
		if err := stage.Setup(ctx); err != nil {
			return int(schema.ExitInternalError), err
		}
	}
	return stage.Run(ctx, e.opts.ContinueOnFail || stage.ContinueOnFail)
}

func (e *Engine) record(stage *Stage, code int, stageErr error, duration time.Duration) {
	if e.opts.Report == nil {
		return
	}
	r := stage.Runner()
	record := evidence.StageRecord{
		Sequence:       stage.Sequence,
		Name:           stage.Name,
		Description:    stage.Description,
		Runner:         string(r.Name()),
		Environment:    r.Base().Environment,
		Action:         string(stage.Action().Name),
		ExitCode:       code,
		DurationMillis: duration.Milliseconds(),
	}
	if stageErr != nil {
		record.Error = stageErr.Error()
	}
	for _, m := range stage.MacroResults() {
		mr := evidence.MacroRecord{
			Sequence:       m.Sequence,
			Directive:      string(m.Directive),
			Command:        m.Command,
			ExitCode:       m.Status.ExitCode,
			DurationMillis: m.Duration.Milliseconds(),
		}
		var err error
		if mr.Stdout, mr.StdoutRef, err = e.opts.Report.Output("stdout", m.Status.Stdout); err != nil {
			e.log.Warn().Err(err).Msg("failed to store stdout")
		}
		if mr.Stderr, mr.StderrRef, err = e.opts.Report.Output("stderr", m.Status.Stderr); err != nil {
			e.log.Warn().Err(err).Msg("failed to store stderr")
		}
		record.Macros = append(record.Macros, mr)
	}
	if err := e.opts.Report.WriteStage(record); err != nil {
		e.log.Warn().Err(err).Int("stage", stage.Sequence).Msg("failed to write stage report")
	}
}
