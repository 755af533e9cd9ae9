package runner

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"github.com/zen-systems/buildmagic/pkg/macro"
	"github.com/zen-systems/buildmagic/pkg/schema"
	"github.com/zen-systems/buildmagic/pkg/workspace"
)

// DefaultTimeout bounds a single command when no timeout is configured.
const DefaultTimeout = 30 * time.Second

// waitDelay bounds how long output pipes held open by descendants of a
// finished or cancelled command are read.
const waitDelay = 500 * time.Millisecond

var (
	// ErrTimeout reports a command that produced no exit status in time.
	ErrTimeout = errors.New("command timed out")
	// ErrConnection reports a malformed or unreachable remote target.
	ErrConnection = errors.New("connection failed")
	// ErrOSMismatch reports a local stage whose environment names another
	// operating system.
	ErrOSMismatch = errors.New("operating system mismatch")
)

// Status is the captured result of one executed macro.
type Status struct {
	Stdout   string `json:"stdout,omitempty"`
	Stderr   string `json:"stderr,omitempty"`
	ExitCode int    `json:"exit_code"`
}

// Base holds the state shared by every backend.
type Base struct {
	// Environment is backend specific: empty for local, user@host:port for
	// remote, a Vagrantfile location for vagrant and an image for docker.
	Environment string
	WorkingDir  string
	CopyFrom    string
	Timeout     time.Duration
	Artifacts   []string
	Env         map[string]string
	Parameters  map[string]string
	Logger      *zerolog.Logger

	// Snapshot is captured by cleanup provisioning and consumed at teardown.
	Snapshot *workspace.Snapshot
}

// Log returns the configured logger or a no-op logger.
func (b *Base) Log() *zerolog.Logger {
	if b.Logger == nil {
		nop := zerolog.Nop()
		b.Logger = &nop
	}
	return b.Logger
}

// Param returns a parameter value or its default.
func (b *Base) Param(key string) string {
	return schema.ParameterOrDefault(b.Parameters, key)
}

func (b *Base) timeout() time.Duration {
	if b.Timeout <= 0 {
		return DefaultTimeout
	}
	return b.Timeout
}

// envList renders Env as sorted KEY=value pairs.
func (b *Base) envList() []string {
	keys := make([]string, 0, len(b.Env))
	for k := range b.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	env := make([]string, 0, len(keys))
	for _, k := range keys {
		env = append(env, k+"="+b.Env[k])
	}
	return env
}

// Runner owns one execution environment.
type Runner interface {
	Name() schema.RunnerType
	Base() *Base
	// Prepare stages artifacts before any macro runs.
	Prepare(ctx context.Context) error
	// Execute runs a macro. A non-zero exit is reported in Status; an error
	// means the command could not be run at all.
	Execute(ctx context.Context, m *macro.Macro) (Status, error)
	// Copy transfers the configured artifacts from src to dst. It reports
	// false without error when there is nothing to copy.
	Copy(ctx context.Context, src, dst string) (bool, error)
}

// New builds the runner for a backend.
func New(kind schema.RunnerType, base Base) (Runner, error) {
	var (
		r   Runner
		err error
	)
	switch kind {
	case schema.RunnerLocal:
		r, err = NewLocal(base)
	case schema.RunnerRemote:
		r = NewRemote(base)
	case schema.RunnerVagrant:
		r, err = NewVagrant(base)
	case schema.RunnerDocker:
		r, err = NewDocker(base)
	default:
		return nil, fmt.Errorf("unknown runner %q", kind)
	}
	if err != nil {
		return nil, err
	}
	return r, nil
}

func absPath(path string) (string, error) {
	if path == "" {
		return os.Getwd()
	}
	return filepath.Abs(path)
}

// command builds a subprocess that is killed together with its process
// group when ctx is done.
func command(ctx context.Context, name string, args ...string) *exec.Cmd {
	cmd := exec.CommandContext(ctx, name, args...)
	setProcessGroup(cmd)
	cmd.WaitDelay = waitDelay
	return cmd
}
