// Package action maps provisioning and teardown behaviour onto execution
// backends.
package action

import (
	"context"
	"fmt"

	"github.com/zen-systems/buildmagic/pkg/runner"
	"github.com/zen-systems/buildmagic/pkg/schema"
)

// Hook is a point in the stage lifecycle an action binds a function to.
type Hook string

const (
	HookProvision Hook = "provision"
	HookTeardown  Hook = "teardown"
)

// Action is a static table naming the function to run at each hook for each
// backend, plus text injected around every command on that backend.
type Action struct {
	Name      schema.ActionName
	Mapping   map[Hook]map[schema.RunnerType]string
	AddPrefix map[schema.RunnerType]string
	AddSuffix map[schema.RunnerType]string
}

var vagrantPrefix = map[schema.RunnerType]string{schema.RunnerVagrant: "cd /vagrant;"}

// Default leaves local and remote hosts alone and starts then removes
// virtual machines and containers.
var Default = Action{
	Name: schema.ActionDefault,
	Mapping: map[Hook]map[schema.RunnerType]string{
		HookProvision: {
			schema.RunnerLocal:   FuncNull,
			schema.RunnerRemote:  FuncNull,
			schema.RunnerVagrant: FuncVMUp,
			schema.RunnerDocker:  FuncContainerUp,
		},
		HookTeardown: {
			schema.RunnerLocal:   FuncNull,
			schema.RunnerRemote:  FuncNull,
			schema.RunnerVagrant: FuncVMDestroy,
			schema.RunnerDocker:  FuncContainerDestroy,
		},
	},
	AddPrefix: vagrantPrefix,
}

// Cleanup snapshots the working directory before the stage and deletes
// anything new afterwards.
var Cleanup = Action{
	Name: schema.ActionCleanup,
	Mapping: map[Hook]map[schema.RunnerType]string{
		HookProvision: {
			schema.RunnerLocal:   FuncCaptureDir,
			schema.RunnerRemote:  FuncRemoteCaptureDir,
			schema.RunnerVagrant: FuncVMUp,
			schema.RunnerDocker:  FuncDockerCaptureDir,
		},
		HookTeardown: {
			schema.RunnerLocal:   FuncDeleteNewFiles,
			schema.RunnerRemote:  FuncRemoteDeleteFiles,
			schema.RunnerVagrant: FuncVMDestroy,
			schema.RunnerDocker:  FuncDockerDeleteNewFiles,
		},
	},
	AddPrefix: vagrantPrefix,
}

// Persist provisions like Default but leaves the environment running.
var Persist = Action{
	Name: schema.ActionPersist,
	Mapping: map[Hook]map[schema.RunnerType]string{
		HookProvision: {
			schema.RunnerLocal:   FuncNull,
			schema.RunnerRemote:  FuncNull,
			schema.RunnerVagrant: FuncVMUp,
			schema.RunnerDocker:  FuncContainerUp,
		},
		HookTeardown: {
			schema.RunnerLocal:   FuncNull,
			schema.RunnerRemote:  FuncNull,
			schema.RunnerVagrant: FuncNull,
			schema.RunnerDocker:  FuncNull,
		},
	},
	AddPrefix: vagrantPrefix,
}

// ByName returns the built-in action with the given name.
func ByName(name schema.ActionName) (Action, error) {
	switch name {
	case schema.ActionDefault, "":
		return Default, nil
	case schema.ActionCleanup:
		return Cleanup, nil
	case schema.ActionPersist:
		return Persist, nil
	}
	return Action{}, fmt.Errorf("unknown action %q", name)
}

// FuncName returns the function bound to hook on backend, or null.
func (a Action) FuncName(hook Hook, backend schema.RunnerType) string {
	if name, ok := a.Mapping[hook][backend]; ok {
		return name
	}
	return FuncNull
}

// Prefix returns the text prepended to every command on backend.
func (a Action) Prefix(backend schema.RunnerType) string {
	return a.AddPrefix[backend]
}

// Suffix returns the text appended to every command on backend.
func (a Action) Suffix(backend schema.RunnerType) string {
	return a.AddSuffix[backend]
}

// Strategy is the provisioning capability bound to a runner for one stage.
type Strategy interface {
	Provision(ctx context.Context, r runner.Runner) bool
	Teardown(ctx context.Context, r runner.Runner) bool
}

type boundStrategy struct {
	provision Func
	teardown  Func
}

func (s boundStrategy) Provision(ctx context.Context, r runner.Runner) bool {
	return s.provision(ctx, r)
}

func (s boundStrategy) Teardown(ctx context.Context, r runner.Runner) bool {
	return s.teardown(ctx, r)
}

// Resolve binds the action's functions for backend. Backends or names
// missing from the tables resolve to null.
func Resolve(a Action, backend schema.RunnerType) Strategy {
	return boundStrategy{
		provision: Lookup(a.FuncName(HookProvision, backend)),
		teardown:  Lookup(a.FuncName(HookTeardown, backend)),
	}
}
