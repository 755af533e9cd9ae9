package action

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/zen-systems/buildmagic/pkg/runner"
	"github.com/zen-systems/buildmagic/pkg/schema"
)

func TestActionMappings(t *testing.T) {
	type row struct{ Provision, Teardown string }
	want := map[schema.ActionName]map[schema.RunnerType]row{
		schema.ActionDefault: {
			schema.RunnerLocal:   {"null", "null"},
			schema.RunnerRemote:  {"null", "null"},
			schema.RunnerVagrant: {"vm_up", "vm_destroy"},
			schema.RunnerDocker:  {"container_up", "container_destroy"},
		},
		schema.ActionCleanup: {
			schema.RunnerLocal:   {"capture_dir", "delete_new_files"},
			schema.RunnerRemote:  {"remote_capture_dir", "remote_delete_files"},
			schema.RunnerVagrant: {"vm_up", "vm_destroy"},
			schema.RunnerDocker:  {"docker_capture_dir", "docker_delete_new_files"},
		},
		schema.ActionPersist: {
			schema.RunnerLocal:   {"null", "null"},
			schema.RunnerRemote:  {"null", "null"},
			schema.RunnerVagrant: {"vm_up", "null"},
			schema.RunnerDocker:  {"container_up", "null"},
		},
	}

	for _, name := range schema.ActionNames() {
		a, err := ByName(name)
		if err != nil {
			t.Fatalf("by name %s: %v", name, err)
		}
		got := map[schema.RunnerType]row{}
		for _, backend := range schema.RunnerTypes() {
			r := row{a.FuncName(HookProvision, backend), a.FuncName(HookTeardown, backend)}
			for _, fn := range []string{r.Provision, r.Teardown} {
				if _, ok := functions[fn]; !ok {
					t.Fatalf("%s/%s: unknown function %q", name, backend, fn)
				}
			}
			got[backend] = r
		}
		if diff := cmp.Diff(want[name], got); diff != "" {
			t.Fatalf("%s mapping mismatch (-want +got):\n%s", name, diff)
		}
		if a.Prefix(schema.RunnerVagrant) != "cd /vagrant;" {
			t.Fatalf("%s: expected vagrant prefix", name)
		}
		for _, backend := range []schema.RunnerType{schema.RunnerLocal, schema.RunnerRemote, schema.RunnerDocker} {
			if a.Prefix(backend) != "" || a.Suffix(backend) != "" {
				t.Fatalf("%s/%s: unexpected prefix or suffix", name, backend)
			}
		}
	}
}

func TestByNameUnknown(t *testing.T) {
	if _, err := ByName("destroy-everything"); err == nil {
		t.Fatalf("expected error")
	}
}

func TestLookupFallsBackToNull(t *testing.T) {
	r, err := runner.NewLocal(runner.Base{WorkingDir: t.TempDir()})
	if err != nil {
		t.Fatalf("new local: %v", err)
	}
	if !Lookup("no_such_function")(context.Background(), r) {
		t.Fatalf("expected null fallback to succeed")
	}
	s := Resolve(Action{Name: "custom"}, schema.RunnerLocal)
	if !s.Provision(context.Background(), r) || !s.Teardown(context.Background(), r) {
		t.Fatalf("expected empty action to resolve to null")
	}
}

func TestCleanupRemovesNewFiles(t *testing.T) {
	dir := t.TempDir()
	write := func(name, content string) {
		t.Helper()
		path := filepath.Join(dir, name)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	write("a", "alpha")
	write("b", "beta")

	r, err := runner.NewLocal(runner.Base{WorkingDir: dir})
	if err != nil {
		t.Fatalf("new local: %v", err)
	}
	s := Resolve(Cleanup, schema.RunnerLocal)
	if !s.Provision(context.Background(), r) {
		t.Fatalf("provision failed")
	}

	write("c", "gamma")
	write("out/d", "delta")
	if err := os.Rename(filepath.Join(dir, "b"), filepath.Join(dir, "b2")); err != nil {
		t.Fatalf("rename: %v", err)
	}

	if !s.Teardown(context.Background(), r) {
		t.Fatalf("teardown failed")
	}
	for _, gone := range []string{"c", "out/d", "out", "b2"} {
		if _, err := os.Stat(filepath.Join(dir, gone)); !os.IsNotExist(err) {
			t.Fatalf("expected %s to be removed, got %v", gone, err)
		}
	}
	if _, err := os.Stat(filepath.Join(dir, "a")); err != nil {
		t.Fatalf("expected a to be kept: %v", err)
	}
}

func TestDeleteNewFilesWithoutSnapshot(t *testing.T) {
	r, err := runner.NewLocal(runner.Base{WorkingDir: t.TempDir()})
	if err != nil {
		t.Fatalf("new local: %v", err)
	}
	if Lookup(FuncDeleteNewFiles)(context.Background(), r) {
		t.Fatalf("expected failure without snapshot")
	}
}

func TestBackendSpecificFunctionsRejectOtherRunners(t *testing.T) {
	r, err := runner.NewLocal(runner.Base{WorkingDir: t.TempDir()})
	if err != nil {
		t.Fatalf("new local: %v", err)
	}
	for _, name := range []string{FuncVMUp, FuncVMDestroy, FuncContainerUp, FuncContainerDestroy, FuncRemoteCaptureDir, FuncRemoteDeleteFiles} {
		if Lookup(name)(context.Background(), r) {
			t.Fatalf("%s: expected failure on local runner", name)
		}
	}
}

func TestVMFunctionsDriveVagrant(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	dir := t.TempDir()
	logPath := filepath.Join(dir, "calls.log")
	bin := filepath.Join(dir, "vagrant")
	script := "#!/bin/sh\necho \"$@\" >> " + logPath + "\n"
	if err := os.WriteFile(bin, []byte(script), 0o755); err != nil {
		t.Fatalf("write stub: %v", err)
	}

	v, err := runner.NewVagrant(runner.Base{Environment: dir})
	if err != nil {
		t.Fatalf("new vagrant: %v", err)
	}
	v.Binary = bin
	if !Lookup(FuncVMUp)(context.Background(), v) || !Lookup(FuncVMDestroy)(context.Background(), v) {
		t.Fatalf("expected vm functions to succeed")
	}
	data, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	if diff := cmp.Diff("up\ndestroy -f\n", string(data)); diff != "" {
		t.Fatalf("vagrant calls mismatch (-want +got):\n%s", diff)
	}
}
