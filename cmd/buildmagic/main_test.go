package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/zen-systems/buildmagic/pkg/pipeline"
	"github.com/zen-systems/buildmagic/pkg/schema"
)

const defaultStageFile = `build-magic:
  - stage:
      name: build
      commands:
        - build: make all
  - stage:
      name: test
      commands:
        - test: make test
`

func TestExitCode(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want schema.ExitCode
	}{
		{name: "nil", err: nil, want: schema.ExitPassed},
		{name: "validation", err: &pipeline.Error{Kind: pipeline.KindValidation}, want: schema.ExitInputError},
		{name: "no jobs", err: pipeline.ErrNoJobs, want: schema.ExitNoTests},
		{name: "setup", err: fmt.Errorf("stage 1: %w", &pipeline.Error{Kind: pipeline.KindSetup}), want: schema.ExitInternalError},
		{name: "teardown", err: &pipeline.Error{Kind: pipeline.KindTeardown}, want: schema.ExitInternalError},
		{name: "interrupted", err: fmt.Errorf("run: %w", context.Canceled), want: schema.ExitInterrupted},
		{name: "input", err: inputError(errors.New("bad flag")), want: schema.ExitInputError},
		{name: "explicit", err: &exitError{code: int(schema.ExitFailed)}, want: schema.ExitFailed},
		{name: "unknown", err: errors.New("boom"), want: schema.ExitInternalError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := exitCode(tc.err); got != int(tc.want) {
				t.Fatalf("expected %d, got %d", tc.want, got)
			}
		})
	}
}

func TestPlanJobFromCommands(t *testing.T) {
	opts := &runOptions{
		commands:   []string{"build=make all", "test=go test ./... -run=Foo"},
		name:       "cli",
		copyFrom:   "/src",
		parameters: []string{"keytype=ed25519"},
		runner:     "docker",
		action:     "cleanup",
	}
	plan, err := planJob(opts, []string{"a.txt", "b.txt"}, t.TempDir(), nil)
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	if len(plan.specs) != 1 {
		t.Fatalf("expected 1 stage, got %d", len(plan.specs))
	}
	spec := plan.specs[0]
	want := pipeline.StageSpec{
		Sequence:   1,
		Name:       "cli",
		Runner:     "docker",
		Action:     "cleanup",
		Directives: []string{"build", "test"},
		Commands:   []string{"make all", "go test ./... -run=Foo"},
		Artifacts:  []string{"a.txt", "b.txt"},
		CopyFrom:   "/src",
		Parameters: [][2]string{{"keytype", "ed25519"}},
		Env:        map[string]string{},
	}
	if diff := cmp.Diff(want, spec); diff != "" {
		t.Fatalf("spec mismatch (-want +got):\n%s", diff)
	}
}

func TestPlanJobRejectsMalformedCommand(t *testing.T) {
	_, err := planJob(&runOptions{commands: []string{"make all"}}, nil, t.TempDir(), nil)
	if exitCode(err) != int(schema.ExitInputError) {
		t.Fatalf("expected input error, got %v", err)
	}
}

func TestPlanJobArgsAsCommand(t *testing.T) {
	plan, err := planJob(&runOptions{}, []string{"tar", "-czf", "out.tgz", "src"}, t.TempDir(), nil)
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	if diff := cmp.Diff([]string{"tar -czf out.tgz src"}, plan.specs[0].Commands); diff != "" {
		t.Fatalf("commands mismatch (-want +got):\n%s", diff)
	}
	if plan.specs[0].Directives[0] != string(schema.DirectiveExecute) {
		t.Fatalf("expected execute directive, got %v", plan.specs[0].Directives)
	}
}

func TestPlanJobDefaultFile(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "build-magic.yaml"), []byte(defaultStageFile), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	cases := []struct {
		name string
		args []string
		want []string
	}{
		{name: "no args skips the default file", args: nil, want: nil},
		{name: "stage by name", args: []string{"test"}, want: []string{"make test"}},
		{name: "all stages", args: []string{"all"}, want: []string{"make all", "make test"}},
		{name: "unknown name runs as command", args: []string{"echo", "hi"}, want: []string{"echo hi"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			plan, err := planJob(&runOptions{}, tc.args, dir, nil)
			if err != nil {
				t.Fatalf("plan: %v", err)
			}
			var got []string
			for _, spec := range plan.specs {
				got = append(got, spec.Commands...)
			}
			if diff := cmp.Diff(tc.want, got); diff != "" {
				t.Fatalf("commands mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestPlanJobTargets(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "stages.yaml")
	if err := os.WriteFile(path, []byte(defaultStageFile), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	plan, err := planJob(&runOptions{configs: []string{path}, targets: []string{"test"}, wd: dir}, nil, dir, nil)
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	if len(plan.specs) != 1 || plan.specs[0].Name != "test" || plan.specs[0].WorkingDir != dir {
		t.Fatalf("unexpected plan: %+v", plan.specs)
	}

	plan, err = planJob(&runOptions{configs: []string{path}, targets: []string{"deploy"}}, nil, dir, nil)
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	if len(plan.specs) != 0 {
		t.Fatalf("expected no stages for unknown target")
	}
	if diff := cmp.Diff([]string{"build", "test"}, plan.stageNames); diff != "" {
		t.Fatalf("stage names mismatch (-want +got):\n%s", diff)
	}
}

func TestPlanJobPromptsForSecrets(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "login.yaml")
	content := `prompt:
  - password
build-magic:
  - stage:
      commands:
        - execute: login {{ user }} {{ password }}
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	var asked []string
	prompt := func(name string) (string, error) {
		asked = append(asked, name)
		return "hunter2", nil
	}
	opts := &runOptions{configs: []string{path}, variables: []string{"user=elle"}}
	plan, err := planJob(opts, nil, dir, prompt)
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	if diff := cmp.Diff([]string{"password"}, asked); diff != "" {
		t.Fatalf("prompts mismatch (-want +got):\n%s", diff)
	}
	want := "login elle " + schema.PromptStart + "hunter2" + schema.PromptEnd
	if plan.specs[0].Commands[0] != want {
		t.Fatalf("expected %q, got %q", want, plan.specs[0].Commands[0])
	}
}

func TestTerminalPromptReadsLine(t *testing.T) {
	var prompts bytes.Buffer
	prompt := terminalPrompt(strings.NewReader("secret\n"), &prompts)
	value, err := prompt("password")
	if err != nil {
		t.Fatalf("prompt: %v", err)
	}
	if value != "secret" || prompts.String() != "password: " {
		t.Fatalf("unexpected prompt result %q %q", value, prompts.String())
	}
}

func TestRunCommandEndToEnd(t *testing.T) {
	for _, bin := range []string{"echo", "false"} {
		if _, err := exec.LookPath(bin); err != nil {
			t.Skipf("%s not available", bin)
		}
	}
	t.Setenv("HOME", t.TempDir())
	dir := t.TempDir()
	report := t.TempDir()

	var stdout, stderr bytes.Buffer
	code := execute(context.Background(), []string{
		"run", "--plain", "--wd", dir, "--report", report, "-c", "execute=echo hi",
	}, &stdout, &stderr)
	if code != int(schema.ExitPassed) {
		t.Fatalf("expected exit 0, got %d: %s", code, stderr.String())
	}
	if !strings.Contains(stdout.String(), "EXECUTE  : echo hi") {
		t.Fatalf("expected macro status in output:\n%s", stdout.String())
	}
	runs, err := os.ReadDir(report)
	if err != nil || len(runs) != 1 {
		t.Fatalf("expected one run directory, got %v %v", runs, err)
	}
	if _, err := os.Stat(filepath.Join(report, runs[0].Name(), "run.json")); err != nil {
		t.Fatalf("expected run.json: %v", err)
	}

	stdout.Reset()
	code = execute(context.Background(), []string{"run", "--quiet", "--wd", dir, "-c", "build=false"}, &stdout, &stderr)
	if code != int(schema.ExitFailed) {
		t.Fatalf("expected exit 1, got %d", code)
	}
	if stdout.Len() != 0 {
		t.Fatalf("quiet run should print nothing, got %q", stdout.String())
	}
}

func TestRunSkipsStageForOtherOS(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	other := "windows"
	if runtime.GOOS == "windows" {
		other = "linux"
	}

	var stdout, stderr bytes.Buffer
	code := execute(context.Background(), []string{
		"run", "--plain", "--wd", t.TempDir(), "-r", "local", "-e", other, "-c", "execute=echo hello world",
	}, &stdout, &stderr)
	if code != int(schema.ExitSkipped) {
		t.Fatalf("expected exit 6, got %d: %s", code, stderr.String())
	}
	if !strings.Contains(stdout.String(), "Skipping Stage 1 because OS is not "+other+".") {
		t.Fatalf("expected skip message:\n%s", stdout.String())
	}
	if !strings.Contains(stdout.String(), "Stage 1 complete with result SKIP") {
		t.Fatalf("expected skipped result:\n%s", stdout.String())
	}
}

func TestPlanJobSkipsNamedStages(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "stages.yaml")
	if err := os.WriteFile(path, []byte(defaultStageFile), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	plan, err := planJob(&runOptions{configs: []string{path}, skip: []string{"build"}}, nil, dir, nil)
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	var skipped []bool
	for _, spec := range plan.specs {
		skipped = append(skipped, spec.Skip)
	}
	if diff := cmp.Diff([]bool{true, false}, skipped); diff != "" {
		t.Fatalf("skip flags mismatch (-want +got):\n%s", diff)
	}

	_, err = planJob(&runOptions{configs: []string{path}, skip: []string{"deploy"}}, nil, dir, nil)
	if exitCode(err) != int(schema.ExitInputError) || !strings.Contains(err.Error(), "cannot skip stage deploy") {
		t.Fatalf("expected input error for unknown stage, got %v", err)
	}
}

func TestRunRejectsInvalidStage(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	var stdout, stderr bytes.Buffer
	code := execute(context.Background(), []string{"run", "--quiet", "-r", "vagrant", "-c", "build=make"}, &stdout, &stderr)
	if code != int(schema.ExitInputError) {
		t.Fatalf("expected exit 2, got %d", code)
	}
	if !strings.Contains(stderr.String(), "environment") {
		t.Fatalf("expected environment error, got %q", stderr.String())
	}
}

func TestTemplateCommand(t *testing.T) {
	dir := t.TempDir()
	var stdout, stderr bytes.Buffer
	if code := execute(context.Background(), []string{"template", dir}, &stdout, &stderr); code != 0 {
		t.Fatalf("expected exit 0, got %d: %s", code, stderr.String())
	}
	if code := execute(context.Background(), []string{"template", dir}, &stdout, &stderr); code != int(schema.ExitInputError) {
		t.Fatalf("expected exit 2 for an existing template, got %d", code)
	}
}

func TestInfoAndValidateCommands(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stages.yaml")
	if err := os.WriteFile(path, []byte(defaultStageFile), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	var stdout, stderr bytes.Buffer
	if code := execute(context.Background(), []string{"info", path}, &stdout, &stderr); code != 0 {
		t.Fatalf("info exit %d: %s", code, stderr.String())
	}
	if diff := cmp.Diff("stage:  build\nstage:  test\n", stdout.String()); diff != "" {
		t.Fatalf("info mismatch (-want +got):\n%s", diff)
	}

	stdout.Reset()
	if code := execute(context.Background(), []string{"validate", path}, &stdout, &stderr); code != 0 {
		t.Fatalf("validate exit %d: %s", code, stderr.String())
	}
	if !strings.Contains(stdout.String(), "is valid (2 stages)") {
		t.Fatalf("unexpected validate output %q", stdout.String())
	}
}

func TestUnknownFlagIsInputError(t *testing.T) {
	var stdout, stderr bytes.Buffer
	if code := execute(context.Background(), []string{"run", "--no-such-flag"}, &stdout, &stderr); code != int(schema.ExitInputError) {
		t.Fatalf("expected exit 2, got %d", code)
	}
}
