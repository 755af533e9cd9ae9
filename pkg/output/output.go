// Package output reports job, stage and command lifecycle events.
package output

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/zen-systems/buildmagic/pkg/schema"
)

// Output receives lifecycle events from the engine and its stages.
type Output interface {
	JobStart()
	JobEnd()
	StageStart(sequence int, name, description string)
	StageEnd(sequence, code int, name string)
	NoJob()
	MacroStart(directive, command string, sequence, total int)
	MacroStatus(directive, command string, code, sequence, total int)
	Error(msg string)
	Info(msg string)
	// Skip explains why a stage is not run.
	Skip(msg string)
}

// Options configures a sink.
type Options struct {
	Out     io.Writer
	Err     io.Writer
	Version string
	// Now is used for timestamps and job durations.
	Now func() time.Time
}

func (o Options) withDefaults() Options {
	if o.Out == nil {
		o.Out = os.Stdout
	}
	if o.Err == nil {
		o.Err = os.Stderr
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// New returns the sink for kind.
func New(kind schema.OutputType, opts Options) (Output, error) {
	opts = opts.withDefaults()
	switch kind {
	case schema.OutputBasic:
		return &Basic{opts: opts}, nil
	case schema.OutputTty:
		return NewTty(opts), nil
	case schema.OutputSilent:
		return Silent{}, nil
	}
	return nil, fmt.Errorf("unknown output %q", kind)
}

func stageResult(code int) string {
	switch schema.ExitCode(code) {
	case schema.ExitPassed:
		return "DONE"
	case schema.ExitSkipped:
		return "SKIP"
	}
	return "FAIL"
}

// sequenceLabel renders "( 3/12 )" with the sequence padded to the width
// of the total.
func sequenceLabel(sequence, total int) string {
	width := len(fmt.Sprint(total))
	return fmt.Sprintf("( %*d/%*d )", width, sequence, width, total)
}

func stageTitle(sequence int, name, description string) string {
	title := fmt.Sprintf("Starting Stage %d", sequence)
	if name != "" {
		title += ": " + name
	}
	if description != "" {
		title += " - " + description
	}
	return title
}

// Silent discards every event.
type Silent struct{}

func (Silent) JobStart()                                 {}
func (Silent) JobEnd()                                   {}
func (Silent) StageStart(int, string, string)            {}
func (Silent) StageEnd(int, int, string)                 {}
func (Silent) NoJob()                                    {}
func (Silent) MacroStart(string, string, int, int)       {}
func (Silent) MacroStatus(string, string, int, int, int) {}
func (Silent) Error(string)                              {}
func (Silent) Info(string)                               {}
func (Silent) Skip(string)                               {}

// Basic writes timestamped plain lines suitable for logs and CI.
type Basic struct {
	opts    Options
	started time.Time
}

// NewBasic returns a plain-text sink.
func NewBasic(opts Options) *Basic {
	return &Basic{opts: opts.withDefaults()}
}

func (b *Basic) line(level, msg string) {
	fmt.Fprintf(b.opts.Out, "%s build-magic [ %-6s] %s\n", b.opts.Now().Format(time.RFC3339), level, msg)
}

func (b *Basic) JobStart() {
	b.started = b.opts.Now()
	b.line("INFO", "version "+b.opts.Version)
}

func (b *Basic) JobEnd() {
	msg := "Finished"
	if !b.started.IsZero() {
		msg = fmt.Sprintf("Finished in %.3f", b.opts.Now().Sub(b.started).Seconds())
	}
	b.line("INFO", msg)
}

func (b *Basic) StageStart(sequence int, name, description string) {
	b.line("INFO", stageTitle(sequence, name, description))
}

func (b *Basic) StageEnd(sequence, code int, name string) {
	if name != "" {
		b.line("INFO", fmt.Sprintf("Stage %d: %s - complete with result %s", sequence, name, stageResult(code)))
		return
	}
	b.line("INFO", fmt.Sprintf("Stage %d complete with result %s", sequence, stageResult(code)))
}

func (b *Basic) NoJob() {
	fmt.Fprintln(b.opts.Out, "No commands to run. Use --help for usage. Exiting...")
}

// MacroStart is not reported by the plain sink.
func (b *Basic) MacroStart(string, string, int, int) {}

func (b *Basic) MacroStatus(directive, command string, code, sequence, total int) {
	result := "DONE"
	if code > 0 {
		result = "FAIL"
	}
	msg := fmt.Sprintf("%s %-8s", sequenceLabel(sequence, total), strings.ToUpper(directive))
	if command != "" {
		msg += " : " + command
	}
	b.line(result, msg)
}

func (b *Basic) Error(msg string) {
	b.line("ERROR", msg)
}

func (b *Basic) Info(msg string) {
	b.line("INFO", "OUTPUT: "+strings.TrimRight(msg, " \t\r\n"))
}

func (b *Basic) Skip(msg string) {
	b.line("SKIP", msg)
}
