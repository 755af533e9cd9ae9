package output

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"
)

const (
	defaultWidth = 80
	timeLayout   = "Mon Jan _2 15:04:05 2006"
)

// Tty renders colored, column-aligned progress for an interactive terminal.
type Tty struct {
	opts Options

	// Width overrides terminal detection when positive.
	Width int

	interactive bool
	started     time.Time

	title   lipgloss.Style
	running lipgloss.Style
	success lipgloss.Style
	failure lipgloss.Style
	warning lipgloss.Style
	dim     lipgloss.Style
}

// NewTty returns a terminal sink. Cursor movement is only used when Out is
// a terminal.
func NewTty(opts Options) *Tty {
	opts = opts.withDefaults()
	t := &Tty{
		opts:    opts,
		title:   lipgloss.NewStyle().Foreground(lipgloss.Color("6")).Bold(true),
		running: lipgloss.NewStyle().Foreground(lipgloss.Color("3")).Bold(true),
		success: lipgloss.NewStyle().Foreground(lipgloss.Color("2")).Bold(true),
		failure: lipgloss.NewStyle().Foreground(lipgloss.Color("1")).Bold(true),
		warning: lipgloss.NewStyle().Foreground(lipgloss.Color("3")),
		dim:     lipgloss.NewStyle().Faint(true),
	}
	if f, ok := opts.Out.(*os.File); ok {
		t.interactive = term.IsTerminal(int(f.Fd()))
	}
	return t
}

func (t *Tty) width() int {
	if t.Width > 0 {
		return t.Width
	}
	if f, ok := t.opts.Out.(*os.File); ok {
		if w, _, err := term.GetSize(int(f.Fd())); err == nil && w > 0 {
			return w
		}
	}
	return defaultWidth
}

func (t *Tty) display(s string) {
	fmt.Fprintln(t.opts.Out, s)
}

func (t *Tty) JobStart() {
	now := t.opts.Now()
	t.started = now
	t.display(t.title.Render("build-magic " + t.opts.Version))
	t.display(t.title.UnsetBold().Render("Start time "+now.Format(timeLayout)) + "\n")
}

func (t *Tty) JobEnd() {
	now := t.opts.Now()
	if t.started.IsZero() {
		t.display("build-magic finished at " + now.Format(timeLayout))
		return
	}
	t.display(fmt.Sprintf("build-magic finished in %.3f seconds", now.Sub(t.started).Seconds()))
}

func (t *Tty) StageStart(sequence int, name, description string) {
	t.display(stageTitle(sequence, name, description))
}

func (t *Tty) StageEnd(sequence, code int, name string) {
	var result string
	switch stageResult(code) {
	case "DONE":
		result = t.success.Render("DONE")
	case "SKIP":
		result = t.running.Render("SKIPPED")
	default:
		result = t.failure.Render("FAILED")
	}
	if name != "" {
		t.display(fmt.Sprintf("Stage %d: %s - finished with result %s\n", sequence, name, result))
		return
	}
	t.display(fmt.Sprintf("Stage %d finished with result %s\n", sequence, result))
}

func (t *Tty) NoJob() {
	t.display(t.warning.Render("No commands to run. Use --help for usage. Exiting..."))
}

// macroLine lays out the sequence, directive and command, truncating the
// command so the status column fits in the terminal width.
func (t *Tty) macroLine(directive, command string, sequence, total int) string {
	width := t.width()
	seq := sequenceLabel(sequence, total)
	head := fmt.Sprintf("%s %-8s: ", seq, strings.ToUpper(directive))
	room := width - lipgloss.Width(head) - 11
	command = strings.TrimSpace(command)
	if room < 8 {
		room = 8
	}
	if lipgloss.Width(command) > room {
		command = truncateWidth(command, room-5) + " ...."
	}
	pad := width - 10 - lipgloss.Width(head) - lipgloss.Width(command) - 1
	if pad < 1 {
		pad = 1
	}
	return head + command + " " + t.dim.Render(strings.Repeat(".", pad-1)) + " "
}

// truncateWidth cuts s to at most width terminal cells on a rune boundary.
func truncateWidth(s string, width int) string {
	var b strings.Builder
	used := 0
	for _, r := range s {
		w := lipgloss.Width(string(r))
		if used+w > width {
			break
		}
		b.WriteRune(r)
		used += w
	}
	return b.String()
}

func (t *Tty) MacroStart(directive, command string, sequence, total int) {
	if !t.interactive {
		return
	}
	t.display(t.macroLine(directive, command, sequence, total) + t.running.Render("RUNNING"))
}

func (t *Tty) MacroStatus(directive, command string, code, sequence, total int) {
	result := t.success.Render("COMPLETE")
	if code > 0 {
		result = t.failure.Render("FAILED")
	}
	if t.interactive {
		// Replace the RUNNING line written by MacroStart.
		fmt.Fprint(t.opts.Out, "\x1b[1A\x1b[2K\r")
	}
	t.display(t.macroLine(directive, command, sequence, total) + result)
}

func (t *Tty) Error(msg string) {
	fmt.Fprintln(t.opts.Err, t.failure.Render("ERROR")+" "+t.failure.UnsetBold().Render(msg))
}

func (t *Tty) Info(msg string) {
	t.display("OUTPUT: " + strings.TrimRight(msg, " \t\r\n"))
}

func (t *Tty) Skip(msg string) {
	t.display(t.warning.Render(msg))
}
