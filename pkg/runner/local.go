package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"strings"
	"time"

	"github.com/zen-systems/buildmagic/pkg/macro"
	"github.com/zen-systems/buildmagic/pkg/schema"
	"github.com/zen-systems/buildmagic/pkg/workspace"
)

// Local executes macros as subprocesses on this machine. The working
// directory is passed to every subprocess rather than changed for the
// whole process.
type Local struct {
	base Base
}

// NewLocal creates a local runner rooted at base.WorkingDir.
func NewLocal(base Base) (*Local, error) {
	wd, err := absPath(base.WorkingDir)
	if err != nil {
		return nil, fmt.Errorf("resolve working directory: %w", err)
	}
	base.WorkingDir = wd
	return &Local{base: base}, nil
}

// Name returns the backend name.
func (l *Local) Name() schema.RunnerType { return schema.RunnerLocal }

// Base returns the shared runner state.
func (l *Local) Base() *Base { return &l.base }

// Prepare checks that the environment, when set, names this host's
// operating system and copies artifacts into the working directory.
func (l *Local) Prepare(ctx context.Context) error {
	if env := l.base.Environment; env != "" && !hostOS(env) {
		return fmt.Errorf("%w: host is %s, stage wants %s", ErrOSMismatch, runtime.GOOS, env)
	}
	if l.base.CopyFrom == "" {
		return nil
	}
	if _, err := l.Copy(ctx, l.base.CopyFrom, l.base.WorkingDir); err != nil {
		return fmt.Errorf("copy artifacts: %w", err)
	}
	return nil
}

// osAliases maps common operating system names onto GOOS values.
var osAliases = map[string]string{
	"macos": "darwin",
	"mac":   "darwin",
	"osx":   "darwin",
	"win":   "windows",
}

// hostOS reports whether name, case-insensitively, names the operating
// system this process runs on.
func hostOS(name string) bool {
	name = strings.ToLower(strings.TrimSpace(name))
	if alias, ok := osAliases[name]; ok {
		name = alias
	}
	return name == runtime.GOOS
}

// Execute runs the macro's token list without a shell.
func (l *Local) Execute(ctx context.Context, m *macro.Macro) (Status, error) {
	args, err := m.AsList()
	if err != nil {
		return Status{}, err
	}
	if len(args) == 0 {
		return Status{}, fmt.Errorf("macro %d has no command", m.Sequence)
	}

	runCtx, cancel := context.WithTimeout(ctx, l.base.timeout())
	defer cancel()

	cmd := command(runCtx, args[0], args[1:]...)
	cmd.Dir = l.base.WorkingDir
	cmd.Env = append(os.Environ(), l.base.envList()...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err = cmd.Run()
	duration := time.Since(start)
	if errors.Is(err, exec.ErrWaitDelay) {
		// Exited cleanly; a background descendant kept the pipes open.
		err = nil
	}

	exitCode := 0
	if err != nil {
		if ctx.Err() != nil {
			return Status{}, ctx.Err()
		}
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			return Status{}, fmt.Errorf("%w: %q exceeded %s", ErrTimeout, m.Command(), l.base.timeout())
		}
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return Status{}, fmt.Errorf("failed to run %s: %w", args[0], err)
		}
		exitCode = exitErr.ExitCode()
	}

	l.base.Log().Debug().
		Str("command", m.Command()).
		Int("exit_code", exitCode).
		Dur("duration", duration).
		Msg("local command finished")

	return Status{Stdout: stdout.String(), Stderr: stderr.String(), ExitCode: exitCode}, nil
}

// Copy copies artifacts between local directories.
func (l *Local) Copy(_ context.Context, src, dst string) (bool, error) {
	return workspace.CopyArtifacts(src, dst, l.base.Artifacts)
}
