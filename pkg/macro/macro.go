package macro

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/google/shlex"
	"github.com/zen-systems/buildmagic/pkg/schema"
)

var promptPattern = regexp.MustCompile(regexp.QuoteMeta(schema.PromptStart) + `.*?` + regexp.QuoteMeta(schema.PromptEnd))

// Macro is a single shell command executed by a runner.
type Macro struct {
	command string

	// Sequence is the zero-based execution order within a stage.
	Sequence int
	Prefix   string
	Suffix   string
	// Label replaces the command in reports when set.
	Label string
}

// New creates a Macro.
func New(command string, sequence int, prefix, suffix string) *Macro {
	return &Macro{command: command, Sequence: sequence, Prefix: prefix, Suffix: suffix}
}

// Command returns the command for display with prompted values masked.
func (m *Macro) Command() string {
	if !strings.Contains(m.command, schema.PromptStart) {
		return m.command
	}
	return promptPattern.ReplaceAllString(m.command, schema.PromptHidden)
}

// Display returns the label if set, otherwise the masked command.
func (m *Macro) Display() string {
	if m.Label != "" {
		return m.Label
	}
	return m.Command()
}

func (m *Macro) executable() string {
	if !strings.Contains(m.command, schema.PromptStart) {
		return m.command
	}
	cmd := strings.ReplaceAll(m.command, schema.PromptStart, "")
	return strings.ReplaceAll(cmd, schema.PromptEnd, "")
}

// AsList splits prefix, command and suffix into shell words and concatenates them.
func (m *Macro) AsList() ([]string, error) {
	var tokens []string
	for _, part := range []string{m.Prefix, m.executable(), m.Suffix} {
		if part == "" {
			continue
		}
		words, err := shlex.Split(part)
		if err != nil {
			return nil, fmt.Errorf("tokenize %q: %w", part, err)
		}
		tokens = append(tokens, words...)
	}
	return tokens, nil
}

// AsString joins the non-empty prefix, command and suffix with single spaces.
func (m *Macro) AsString() string {
	cmd := m.executable()
	if m.Prefix != "" {
		cmd = m.Prefix + " " + cmd
	}
	if m.Suffix != "" {
		cmd += " " + m.Suffix
	}
	return cmd
}

func (m *Macro) String() string {
	return m.Display()
}
