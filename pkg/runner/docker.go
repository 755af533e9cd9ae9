package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/zen-systems/buildmagic/pkg/macro"
	"github.com/zen-systems/buildmagic/pkg/schema"
	"github.com/zen-systems/buildmagic/pkg/workspace"
)

// ContainerName is the fixed name given to the stage container.
const ContainerName = "build-magic"

// ErrNoContainer reports an operation on a container that is not running.
var ErrNoContainer = errors.New("container is not running")

// ContainerSpec describes the container started for a stage.
type ContainerSpec struct {
	Name       string
	Image      string
	WorkingDir string
	HostDir    string
	BindDir    string
	Env        []string
}

// ContainerAPI is the subset of the Docker Engine API used by the runner.
type ContainerAPI interface {
	Find(ctx context.Context, name string) (id string, found bool, err error)
	Create(ctx context.Context, spec ContainerSpec) (string, error)
	Start(ctx context.Context, id string) error
	Kill(ctx context.Context, id string) error
	Remove(ctx context.Context, id string) error
	Exec(ctx context.Context, id string, cmd []string, workdir string, env []string) (Status, error)
}

// Docker executes macros inside a container with the host directory
// bind mounted read-write.
type Docker struct {
	base Base

	HostDir string
	BindDir string

	api         ContainerAPI
	containerID string
}

// DockerOption configures a Docker runner.
type DockerOption func(*Docker)

// WithContainerAPI replaces the Docker Engine client.
func WithContainerAPI(api ContainerAPI) DockerOption {
	return func(d *Docker) { d.api = api }
}

// NewDocker creates a docker runner for the image in base.Environment. The
// engine client is created lazily on first use.
func NewDocker(base Base, opts ...DockerOption) (*Docker, error) {
	hostDir, err := filepath.Abs(base.Param(schema.ParamHostWD))
	if err != nil {
		return nil, fmt.Errorf("resolve host directory: %w", err)
	}
	bind := base.Param(schema.ParamBind)
	if base.WorkingDir == "" || base.WorkingDir == "." {
		base.WorkingDir = bind
	}
	d := &Docker{base: base, HostDir: hostDir, BindDir: bind}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

// Name returns the backend name.
func (d *Docker) Name() schema.RunnerType { return schema.RunnerDocker }

// Base returns the shared runner state.
func (d *Docker) Base() *Base { return &d.base }

// Prepare copies artifacts into the bound host directory.
func (d *Docker) Prepare(ctx context.Context) error {
	if d.base.CopyFrom == "" {
		return nil
	}
	if _, err := d.Copy(ctx, d.base.CopyFrom, d.HostDir); err != nil {
		return fmt.Errorf("copy artifacts: %w", err)
	}
	return nil
}

// Up creates and starts the stage container, pulling the image if needed.
func (d *Docker) Up(ctx context.Context) error {
	api, err := d.engine()
	if err != nil {
		return err
	}
	if _, found, err := api.Find(ctx, ContainerName); err != nil {
		return err
	} else if found {
		return fmt.Errorf("a container named %s already exists", ContainerName)
	}

	id, err := api.Create(ctx, ContainerSpec{
		Name:       ContainerName,
		Image:      d.base.Environment,
		WorkingDir: d.base.WorkingDir,
		HostDir:    d.HostDir,
		BindDir:    d.BindDir,
		Env:        d.base.envList(),
	})
	if err != nil {
		return fmt.Errorf("create container from %s: %w", d.base.Environment, err)
	}
	if err := api.Start(ctx, id); err != nil {
		_ = api.Remove(ctx, id)
		return fmt.Errorf("start container: %w", err)
	}
	d.containerID = id
	d.base.Log().Debug().Str("image", d.base.Environment).Str("id", id).Msg("container started")
	return nil
}

// Destroy kills and removes the stage container.
func (d *Docker) Destroy(ctx context.Context) error {
	api, err := d.engine()
	if err != nil {
		return err
	}
	id := d.containerID
	if id == "" {
		found := false
		id, found, err = api.Find(ctx, ContainerName)
		if err != nil {
			return err
		}
		if !found {
			return ErrNoContainer
		}
	}
	if err := api.Kill(ctx, id); err != nil {
		return fmt.Errorf("kill container: %w", err)
	}
	if err := api.Remove(ctx, id); err != nil {
		return fmt.Errorf("remove container: %w", err)
	}
	d.containerID = ""
	return nil
}

// Execute runs the macro's token list in the container. Engine errors are
// reported as a failing Status.
func (d *Docker) Execute(ctx context.Context, m *macro.Macro) (Status, error) {
	args, err := m.AsList()
	if err != nil {
		return Status{}, err
	}
	if d.containerID == "" {
		return Status{ExitCode: 1, Stderr: ErrNoContainer.Error()}, nil
	}
	api, err := d.engine()
	if err != nil {
		return Status{ExitCode: 1, Stderr: err.Error()}, nil
	}

	runCtx, cancel := context.WithTimeout(ctx, d.base.timeout())
	defer cancel()

	status, err := api.Exec(runCtx, d.containerID, args, d.base.WorkingDir, d.base.envList())
	if err != nil {
		if ctx.Err() != nil {
			return Status{}, ctx.Err()
		}
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			return Status{}, fmt.Errorf("%w: %q exceeded %s", ErrTimeout, m.Command(), d.base.timeout())
		}
		return Status{ExitCode: 1, Stderr: err.Error()}, nil
	}
	d.base.Log().Debug().Str("command", m.Command()).Int("exit_code", status.ExitCode).Msg("container command finished")
	return status, nil
}

// Copy copies artifacts on the host side of the bind mount.
func (d *Docker) Copy(_ context.Context, src, dst string) (bool, error) {
	return workspace.CopyArtifacts(src, dst, d.base.Artifacts)
}

func (d *Docker) engine() (ContainerAPI, error) {
	if d.api != nil {
		return d.api, nil
	}
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	d.api = &dockerEngine{cli: cli}
	return d.api, nil
}

// dockerEngine implements ContainerAPI with the Docker Engine client.
type dockerEngine struct {
	cli *client.Client
}

func (e *dockerEngine) Find(ctx context.Context, name string) (string, bool, error) {
	list, err := e.cli.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("name", "^/"+name+"$")),
	})
	if err != nil {
		return "", false, fmt.Errorf("list containers: %w", err)
	}
	if len(list) == 0 {
		return "", false, nil
	}
	return list[0].ID, true, nil
}

func (e *dockerEngine) Create(ctx context.Context, spec ContainerSpec) (string, error) {
	config := &container.Config{
		Image:      spec.Image,
		Entrypoint: []string{"sh"},
		Tty:        true,
		WorkingDir: spec.WorkingDir,
		Env:        spec.Env,
	}
	hostConfig := &container.HostConfig{
		Mounts: []mount.Mount{{
			Type:   mount.TypeBind,
			Source: spec.HostDir,
			Target: spec.BindDir,
		}},
	}

	resp, err := e.cli.ContainerCreate(ctx, config, hostConfig, nil, nil, spec.Name)
	if errdefs.IsNotFound(err) {
		if err := e.pull(ctx, spec.Image); err != nil {
			return "", err
		}
		resp, err = e.cli.ContainerCreate(ctx, config, hostConfig, nil, nil, spec.Name)
	}
	if err != nil {
		return "", err
	}
	return resp.ID, nil
}

func (e *dockerEngine) pull(ctx context.Context, ref string) error {
	rc, err := e.cli.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("pull %s: %w", ref, err)
	}
	defer rc.Close()
	if _, err := io.Copy(io.Discard, rc); err != nil {
		return fmt.Errorf("pull %s: %w", ref, err)
	}
	return nil
}

func (e *dockerEngine) Start(ctx context.Context, id string) error {
	return e.cli.ContainerStart(ctx, id, container.StartOptions{})
}

func (e *dockerEngine) Kill(ctx context.Context, id string) error {
	return e.cli.ContainerKill(ctx, id, "SIGKILL")
}

func (e *dockerEngine) Remove(ctx context.Context, id string) error {
	return e.cli.ContainerRemove(ctx, id, container.RemoveOptions{Force: true})
}

func (e *dockerEngine) Exec(ctx context.Context, id string, cmd []string, workdir string, env []string) (Status, error) {
	created, err := e.cli.ContainerExecCreate(ctx, id, container.ExecOptions{
		Cmd:          cmd,
		WorkingDir:   workdir,
		Env:          env,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return Status{}, fmt.Errorf("exec create: %w", err)
	}

	attach, err := e.cli.ContainerExecAttach(ctx, created.ID, container.ExecAttachOptions{})
	if err != nil {
		return Status{}, fmt.Errorf("exec attach: %w", err)
	}
	defer attach.Close()

	var stdout, stderr bytes.Buffer
	done := make(chan error, 1)
	go func() {
		_, err := stdcopy.StdCopy(&stdout, &stderr, attach.Reader)
		done <- err
	}()
	select {
	case <-ctx.Done():
		return Status{}, ctx.Err()
	case err := <-done:
		if err != nil {
			return Status{}, fmt.Errorf("exec output: %w", err)
		}
	}

	inspect, err := e.cli.ContainerExecInspect(ctx, created.ID)
	if err != nil {
		return Status{}, fmt.Errorf("exec inspect: %w", err)
	}
	return Status{Stdout: stdout.String(), Stderr: stderr.String(), ExitCode: inspect.ExitCode}, nil
}
