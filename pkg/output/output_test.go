package output

import (
	"bytes"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/charmbracelet/lipgloss"
	"github.com/zen-systems/buildmagic/pkg/schema"
)

func fixedClock() func() time.Time {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	return func() time.Time {
		t := now
		now = now.Add(time.Second)
		return t
	}
}

func TestBasicLines(t *testing.T) {
	var out bytes.Buffer
	b := NewBasic(Options{Out: &out, Version: "1.2.3", Now: fixedClock()})

	b.JobStart()
	b.StageStart(1, "build", "compile the app")
	b.MacroStart("build", "make", 1, 12)
	b.MacroStatus("build", "make", 0, 1, 12)
	b.MacroStatus("test", "make test", 2, 10, 12)
	b.Info("hello\n")
	b.Error("boom")
	b.StageEnd(1, 1, "build")
	b.StageEnd(2, 0, "")
	b.Skip("Skipping Stage 3 per user request.")
	b.StageEnd(3, 6, "")
	b.JobEnd()

	want := []string{
		"2024-05-01T12:00:01Z build-magic [ INFO  ] version 1.2.3",
		"2024-05-01T12:00:02Z build-magic [ INFO  ] Starting Stage 1: build - compile the app",
		"2024-05-01T12:00:03Z build-magic [ DONE  ] (  1/12 ) BUILD    : make",
		"2024-05-01T12:00:04Z build-magic [ FAIL  ] ( 10/12 ) TEST     : make test",
		"2024-05-01T12:00:05Z build-magic [ INFO  ] OUTPUT: hello",
		"2024-05-01T12:00:06Z build-magic [ ERROR ] boom",
		"2024-05-01T12:00:07Z build-magic [ INFO  ] Stage 1: build - complete with result FAIL",
		"2024-05-01T12:00:08Z build-magic [ INFO  ] Stage 2 complete with result DONE",
		"2024-05-01T12:00:09Z build-magic [ SKIP  ] Skipping Stage 3 per user request.",
		"2024-05-01T12:00:10Z build-magic [ INFO  ] Stage 3 complete with result SKIP",
		"2024-05-01T12:00:12Z build-magic [ INFO  ] Finished in 11.000",
	}
	got := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(got) != len(want) {
		t.Fatalf("expected %d lines, got %d:\n%s", len(want), len(got), out.String())
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("line %d:\nwant %q\ngot  %q", i, want[i], got[i])
		}
	}
}

func TestNoJob(t *testing.T) {
	var out bytes.Buffer
	NewBasic(Options{Out: &out}).NoJob()
	if !strings.Contains(out.String(), "No commands to run") {
		t.Fatalf("unexpected output %q", out.String())
	}
}

func TestTtyWritesStatusAndErrors(t *testing.T) {
	var out, errOut bytes.Buffer
	tty := NewTty(Options{Out: &out, Err: &errOut, Now: fixedClock()})
	tty.Width = 60

	tty.MacroStart("build", "make", 1, 2)
	tty.MacroStatus("build", strings.Repeat("x", 200), 1, 1, 2)
	tty.Error("no such file")

	lines := strings.Split(strings.TrimRight(out.String(), "\n"), "\n")
	if len(lines) != 1 {
		t.Fatalf("expected only the status line for a non-terminal writer, got %q", out.String())
	}
	if !strings.Contains(lines[0], "FAILED") || !strings.Contains(lines[0], " ....") {
		t.Fatalf("expected truncated failing status, got %q", lines[0])
	}
	if !strings.Contains(errOut.String(), "no such file") {
		t.Fatalf("expected error on stderr, got %q", errOut.String())
	}
}

func TestTtyTruncatesMultibyteCommands(t *testing.T) {
	var out bytes.Buffer
	tty := NewTty(Options{Out: &out, Now: fixedClock()})
	tty.Width = 40

	tty.MacroStatus("execute", "echo "+strings.Repeat("é", 40), 0, 1, 1)

	line := strings.TrimRight(out.String(), "\n")
	if !utf8.ValidString(line) {
		t.Fatalf("status line is not valid UTF-8: %q", line)
	}
	if !strings.Contains(line, "echo é ....") {
		t.Fatalf("expected truncated command, got %q", line)
	}
	if w := lipgloss.Width(line); w > 40 {
		t.Fatalf("status line is %d cells wide, want at most 40: %q", w, line)
	}
}

func TestTtyStageEndSkipped(t *testing.T) {
	var out bytes.Buffer
	tty := NewTty(Options{Out: &out, Now: fixedClock()})

	tty.Skip("Skipping Stage 2: deploy per user request.")
	tty.StageEnd(2, 6, "deploy")

	if !strings.Contains(out.String(), "Skipping Stage 2: deploy per user request.") {
		t.Fatalf("expected skip message, got %q", out.String())
	}
	if !strings.Contains(out.String(), "Stage 2: deploy - finished with result SKIPPED") {
		t.Fatalf("expected skipped result, got %q", out.String())
	}
}

func TestNewSelectsSink(t *testing.T) {
	for _, kind := range schema.OutputTypes() {
		if _, err := New(kind, Options{}); err != nil {
			t.Fatalf("new %s: %v", kind, err)
		}
	}
	if _, err := New("html", Options{}); err == nil {
		t.Fatalf("expected error for unknown output")
	}
	if _, ok := mustNew(t, schema.OutputSilent).(Silent); !ok {
		t.Fatalf("expected silent sink")
	}
}

func mustNew(t *testing.T, kind schema.OutputType) Output {
	t.Helper()
	o, err := New(kind, Options{})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	return o
}
