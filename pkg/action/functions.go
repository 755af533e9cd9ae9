package action

import (
	"context"
	"errors"

	"github.com/zen-systems/buildmagic/pkg/runner"
	"github.com/zen-systems/buildmagic/pkg/workspace"
)

// Function names usable in action tables.
const (
	FuncNull                 = "null"
	FuncVMUp                 = "vm_up"
	FuncVMDestroy            = "vm_destroy"
	FuncContainerUp          = "container_up"
	FuncContainerDestroy     = "container_destroy"
	FuncCaptureDir           = "capture_dir"
	FuncDeleteNewFiles       = "delete_new_files"
	FuncDockerCaptureDir     = "docker_capture_dir"
	FuncDockerDeleteNewFiles = "docker_delete_new_files"
	FuncRemoteCaptureDir     = "remote_capture_dir"
	FuncRemoteDeleteFiles    = "remote_delete_files"
)

// Func performs a provisioning or teardown step. It returns false when the
// step did not complete; the cause is logged on the runner's logger.
type Func func(ctx context.Context, r runner.Runner) bool

var (
	errWrongBackend = errors.New("function does not apply to this backend")
	errNoSnapshot   = errors.New("no snapshot captured, provision did not run")
)

var functions = map[string]Func{
	FuncNull:                 null,
	FuncVMUp:                 vmUp,
	FuncVMDestroy:            vmDestroy,
	FuncContainerUp:          containerUp,
	FuncContainerDestroy:     containerDestroy,
	FuncCaptureDir:           captureDir,
	FuncDeleteNewFiles:       deleteNewFiles,
	FuncDockerCaptureDir:     dockerCaptureDir,
	FuncDockerDeleteNewFiles: dockerDeleteNewFiles,
	FuncRemoteCaptureDir:     remoteCaptureDir,
	FuncRemoteDeleteFiles:    remoteDeleteFiles,
}

// Lookup returns the named function, or null when it is unknown.
func Lookup(name string) Func {
	if fn, ok := functions[name]; ok {
		return fn
	}
	return null
}

func null(context.Context, runner.Runner) bool { return true }

type remoteLister interface {
	List(ctx context.Context) (files, dirs []string, err error)
	Remove(ctx context.Context, files, dirs []string) error
}

func vmUp(ctx context.Context, r runner.Runner) bool {
	v, ok := r.(*runner.Vagrant)
	if !ok {
		return failed(r, FuncVMUp, errWrongBackend)
	}
	return report(r, FuncVMUp, v.Up(ctx))
}

func vmDestroy(ctx context.Context, r runner.Runner) bool {
	v, ok := r.(*runner.Vagrant)
	if !ok {
		return failed(r, FuncVMDestroy, errWrongBackend)
	}
	return report(r, FuncVMDestroy, v.Destroy(ctx))
}

func containerUp(ctx context.Context, r runner.Runner) bool {
	d, ok := r.(*runner.Docker)
	if !ok {
		return failed(r, FuncContainerUp, errWrongBackend)
	}
	return report(r, FuncContainerUp, d.Up(ctx))
}

func containerDestroy(ctx context.Context, r runner.Runner) bool {
	d, ok := r.(*runner.Docker)
	if !ok {
		return failed(r, FuncContainerDestroy, errWrongBackend)
	}
	return report(r, FuncContainerDestroy, d.Destroy(ctx))
}

func captureDir(_ context.Context, r runner.Runner) bool {
	return capture(r, FuncCaptureDir, r.Base().WorkingDir)
}

func deleteNewFiles(_ context.Context, r runner.Runner) bool {
	return clean(r, FuncDeleteNewFiles, r.Base().WorkingDir)
}

// dockerCaptureDir snapshots the host side of the bind mount, then starts
// the container.
func dockerCaptureDir(ctx context.Context, r runner.Runner) bool {
	d, ok := r.(*runner.Docker)
	if !ok {
		return failed(r, FuncDockerCaptureDir, errWrongBackend)
	}
	if !capture(r, FuncDockerCaptureDir, d.HostDir) {
		return false
	}
	return containerUp(ctx, r)
}

func dockerDeleteNewFiles(ctx context.Context, r runner.Runner) bool {
	d, ok := r.(*runner.Docker)
	if !ok {
		return failed(r, FuncDockerDeleteNewFiles, errWrongBackend)
	}
	cleaned := clean(r, FuncDockerDeleteNewFiles, d.HostDir)
	destroyed := containerDestroy(ctx, r)
	return cleaned && destroyed
}

func remoteCaptureDir(ctx context.Context, r runner.Runner) bool {
	l, ok := r.(remoteLister)
	if !ok {
		return failed(r, FuncRemoteCaptureDir, errWrongBackend)
	}
	files, dirs, err := l.List(ctx)
	if err != nil {
		return failed(r, FuncRemoteCaptureDir, err)
	}
	r.Base().Snapshot = workspace.FromListing(files, dirs)
	return true
}

func remoteDeleteFiles(ctx context.Context, r runner.Runner) bool {
	l, ok := r.(remoteLister)
	if !ok {
		return failed(r, FuncRemoteDeleteFiles, errWrongBackend)
	}
	snap := r.Base().Snapshot
	if snap == nil {
		return failed(r, FuncRemoteDeleteFiles, errNoSnapshot)
	}
	files, dirs, err := l.List(ctx)
	if err != nil {
		return failed(r, FuncRemoteDeleteFiles, err)
	}
	delta := snap.Delta(workspace.FromListing(files, dirs))
	return report(r, FuncRemoteDeleteFiles, l.Remove(ctx, delta.Files, delta.Dirs))
}

func capture(r runner.Runner, name, root string) bool {
	snap, err := workspace.Capture(root)
	if err != nil {
		return failed(r, name, err)
	}
	r.Base().Snapshot = snap
	return true
}

func clean(r runner.Runner, name, root string) bool {
	snap := r.Base().Snapshot
	if snap == nil {
		return failed(r, name, errNoSnapshot)
	}
	result, err := snap.Clean(root)
	if err != nil {
		return failed(r, name, err)
	}
	log := r.Base().Log()
	log.Debug().Strs("files", result.Removed).Strs("dirs", result.RemovedDirs).Msg("removed new files")
	if len(result.Modified) > 0 {
		log.Warn().Strs("files", result.Modified).Msg("files modified during stage were kept")
	}
	return true
}

func report(r runner.Runner, name string, err error) bool {
	if err != nil {
		return failed(r, name, err)
	}
	return true
}

func failed(r runner.Runner, name string, err error) bool {
	r.Base().Log().Error().Err(err).Str("function", name).Str("runner", string(r.Name())).Msg("action failed")
	return false
}
