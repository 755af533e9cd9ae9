package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/zen-systems/buildmagic/pkg/macro"
	"github.com/zen-systems/buildmagic/pkg/schema"
	"github.com/zen-systems/buildmagic/pkg/workspace"
)

// Vagrant executes macros inside a Vagrant machine with `vagrant ssh -c`.
type Vagrant struct {
	base Base

	// Binary is the vagrant executable.
	Binary string
	// Dir holds the Vagrantfile; it is exposed to the machine as /vagrant.
	Dir string
}

// NewVagrant resolves the Vagrantfile directory from base.Environment, which
// may name the directory or the Vagrantfile itself.
func NewVagrant(base Base) (*Vagrant, error) {
	dir := base.Environment
	switch {
	case dir == "", dir == "Vagrantfile":
		dir = "."
	case filepath.Base(dir) == "Vagrantfile":
		dir = filepath.Dir(dir)
	}
	return &Vagrant{base: base, Binary: "vagrant", Dir: dir}, nil
}

// Name returns the backend name.
func (v *Vagrant) Name() schema.RunnerType { return schema.RunnerVagrant }

// Base returns the shared runner state.
func (v *Vagrant) Base() *Base { return &v.base }

// Prepare copies artifacts next to the Vagrantfile so they are visible in
// the machine's synced folder.
func (v *Vagrant) Prepare(ctx context.Context) error {
	if v.base.CopyFrom == "" {
		return nil
	}
	if _, err := v.Copy(ctx, v.base.CopyFrom, v.Dir); err != nil {
		return fmt.Errorf("copy artifacts: %w", err)
	}
	return nil
}

// Up starts the machine.
func (v *Vagrant) Up(ctx context.Context) error {
	return v.control(ctx, "up")
}

// Destroy forcibly removes the machine.
func (v *Vagrant) Destroy(ctx context.Context) error {
	return v.control(ctx, "destroy", "-f")
}

func (v *Vagrant) control(ctx context.Context, args ...string) error {
	cmd := v.command(ctx, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			return fmt.Errorf("vagrant %s: %w", args[0], err)
		}
		return fmt.Errorf("vagrant %s: %w: %s", args[0], err, msg)
	}
	v.base.Log().Debug().Str("dir", v.Dir).Str("op", args[0]).Msg("vagrant machine updated")
	return nil
}

// Execute runs the macro in the machine. Failures of the vagrant process
// itself are reported as a failing Status.
func (v *Vagrant) Execute(ctx context.Context, m *macro.Macro) (Status, error) {
	var parts []string
	for _, kv := range v.base.envList() {
		k, val, _ := strings.Cut(kv, "=")
		parts = append(parts, "export "+k+"="+shellQuote(val)+";")
	}
	parts = append(parts, m.AsString())

	runCtx, cancel := context.WithTimeout(ctx, v.base.timeout())
	defer cancel()

	cmd := v.command(runCtx, "ssh", "-c", strings.Join(parts, " "))
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil && !errors.Is(err, exec.ErrWaitDelay) {
		if ctx.Err() != nil {
			return Status{}, ctx.Err()
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && runCtx.Err() == nil {
			return Status{Stdout: stdout.String(), Stderr: stderr.String(), ExitCode: exitErr.ExitCode()}, nil
		}
		return Status{Stdout: stdout.String(), Stderr: stderr.String() + err.Error(), ExitCode: 1}, nil
	}

	v.base.Log().Debug().Str("command", m.Command()).Msg("vagrant command finished")
	return Status{Stdout: stdout.String(), Stderr: stderr.String()}, nil
}

// Copy copies artifacts on the host side of the synced folder.
func (v *Vagrant) Copy(_ context.Context, src, dst string) (bool, error) {
	return workspace.CopyArtifacts(src, dst, v.base.Artifacts)
}

func (v *Vagrant) command(ctx context.Context, args ...string) *exec.Cmd {
	cmd := command(ctx, v.Binary, args...)
	cmd.Env = os.Environ()
	if v.Dir != "." {
		cmd.Env = append(cmd.Env, "VAGRANT_CWD="+v.Dir)
	}
	return cmd
}
