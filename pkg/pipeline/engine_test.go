package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/zen-systems/buildmagic/pkg/action"
	"github.com/zen-systems/buildmagic/pkg/evidence"
	"github.com/zen-systems/buildmagic/pkg/macro"
	"github.com/zen-systems/buildmagic/pkg/schema"
)

// recorder captures output events as short strings.
type recorder struct {
	events []string
}

func (r *recorder) add(format string, args ...any) {
	r.events = append(r.events, fmt.Sprintf(format, args...))
}

func (r *recorder) JobStart() { r.add("job-start") }
func (r *recorder) JobEnd()   { r.add("job-end") }
func (r *recorder) StageStart(seq int, name, _ string) {
	r.add("stage-start %d %s", seq, name)
}
func (r *recorder) StageEnd(seq, code int, _ string) { r.add("stage-end %d %d", seq, code) }
func (r *recorder) NoJob()                           { r.add("no-job") }
func (r *recorder) MacroStart(directive, command string, seq, total int) {
	r.add("macro-start %s %s %d/%d", directive, command, seq, total)
}
func (r *recorder) MacroStatus(directive, command string, code, _, _ int) {
	r.add("macro-status %s %s %d", directive, command, code)
}
func (r *recorder) Error(msg string) { r.add("error %s", msg) }
func (r *recorder) Info(msg string)  { r.add("info %s", msg) }
func (r *recorder) Skip(msg string)  { r.add("skip %s", msg) }

func singleStage(seq int, r *scriptedRunner, cmd string, act action.Action) *Stage {
	return NewStage(r, macro.NewFactory([]string{cmd}, nil, nil).Generate(), []schema.Directive{schema.DirectiveExecute}, seq, act, StageOptions{Name: fmt.Sprintf("s%d", seq)})
}

func TestEngineOrdersStagesBySequence(t *testing.T) {
	var order []string
	mk := func(seq int) *Stage {
		r := newScripted(nil)
		r.hook = func(cmd string) { order = append(order, cmd) }
		return singleStage(seq, r, fmt.Sprintf("stage%d", seq), action.Default)
	}

	engine := NewEngine([]*Stage{mk(3), mk(1), mk(2)}, EngineOptions{})
	var seqs []int
	for _, s := range engine.Stages() {
		seqs = append(seqs, s.Sequence)
	}
	if diff := cmp.Diff([]int{1, 2, 3}, seqs); diff != "" {
		t.Fatalf("stage order mismatch (-want +got):\n%s", diff)
	}

	code, err := engine.Run(context.Background())
	if err != nil || code != 0 {
		t.Fatalf("run: %d %v", code, err)
	}
	if diff := cmp.Diff([]string{"stage1", "stage2", "stage3"}, order); diff != "" {
		t.Fatalf("execution order mismatch (-want +got):\n%s", diff)
	}
}

func TestEngineAggregatesHighestExitCode(t *testing.T) {
	rec := &recorder{}
	failing := singleStage(1, newScripted(map[string]int{"bad": 2}), "bad", action.Default)
	passing := singleStage(2, newScripted(nil), "good", action.Default)

	code, err := NewEngine([]*Stage{failing, passing}, EngineOptions{Output: rec}).Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if code != 1 {
		t.Fatalf("expected job result 1, got %d", code)
	}
	want := []string{
		"job-start",
		"stage-start 1 s1",
		"macro-start execute bad 1/1",
		"macro-status execute bad 2",
		"error failed: bad",
		"stage-end 1 1",
		"stage-start 2 s2",
		"macro-start execute good 1/1",
		"macro-status execute good 0",
		"stage-end 2 0",
		"job-end",
	}
	if diff := cmp.Diff(want, rec.events); diff != "" {
		t.Fatalf("events mismatch (-want +got):\n%s", diff)
	}
}

func TestEngineSkippedStageResult(t *testing.T) {
	mk := func(seq int, skip bool) *Stage {
		stage := singleStage(seq, newScripted(nil), fmt.Sprintf("stage%d", seq), action.Default)
		stage.Skip = skip
		return stage
	}

	code, err := NewEngine([]*Stage{mk(1, true), mk(2, false)}, EngineOptions{}).Run(context.Background())
	if err != nil || code != int(schema.ExitPassed) {
		t.Fatalf("a skipped stage before a passing one should pass, got %d %v", code, err)
	}

	rec := &recorder{}
	code, err = NewEngine([]*Stage{mk(1, false), mk(2, true)}, EngineOptions{Output: rec}).Run(context.Background())
	if err != nil || code != int(schema.ExitSkipped) {
		t.Fatalf("a skipped last stage should set the job result, got %d %v", code, err)
	}
	tail := rec.events[len(rec.events)-4:]
	want := []string{"stage-start 2 s2", "skip Skipping Stage 2: s2 per user request.", "stage-end 2 6", "job-end"}
	if diff := cmp.Diff(want, tail); diff != "" {
		t.Fatalf("events mismatch (-want +got):\n%s", diff)
	}
}

func TestEngineStopsOnFatalError(t *testing.T) {
	rec := &recorder{}
	broken := newScripted(nil)
	broken.errs = map[string]error{"boom": errors.New("session closed")}
	next := newScripted(nil)

	engine := NewEngine([]*Stage{
		singleStage(1, broken, "boom", action.Default),
		singleStage(2, next, "never", action.Default),
	}, EngineOptions{Output: rec})

	code, err := engine.Run(context.Background())
	if !errors.Is(err, ErrExecution) {
		t.Fatalf("expected execution error, got %v", err)
	}
	if code != int(schema.ExitInternalError) {
		t.Fatalf("expected internal error code, got %d", code)
	}
	if len(next.ran) != 0 {
		t.Fatalf("expected later stages to be skipped")
	}
	tail := rec.events[len(rec.events)-3:]
	want := []string{"error " + err.Error(), "stage-end 1 3", "job-end"}
	if diff := cmp.Diff(want, tail); diff != "" {
		t.Fatalf("events mismatch (-want +got):\n%s", diff)
	}
}

func TestEngineWritesStageReports(t *testing.T) {
	writer, err := evidence.NewWriter(t.TempDir(), "run1")
	if err != nil {
		t.Fatalf("new writer: %v", err)
	}
	stage := singleStage(4, newScripted(map[string]int{"check": 1}), "check", action.Default)

	if _, err := NewEngine([]*Stage{stage}, EngineOptions{Report: writer}).Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(writer.RunDir(), "stages", "4.json"))
	if err != nil {
		t.Fatalf("read stage report: %v", err)
	}
	var record evidence.StageRecord
	if err := json.Unmarshal(data, &record); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if record.ExitCode != 1 || record.Action != "default" || len(record.Macros) != 1 {
		t.Fatalf("unexpected record %+v", record)
	}
	if m := record.Macros[0]; m.Command != "check" || m.Stderr != "failed: check" || m.ExitCode != 1 {
		t.Fatalf("unexpected macro record %+v", m)
	}
}

func TestEngineCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	stage := singleStage(1, newScripted(nil), "x", action.Default)
	_, err := NewEngine([]*Stage{stage}, EngineOptions{}).Run(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation, got %v", err)
	}
}
