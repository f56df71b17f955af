/*
Copyright The Flatpak Authors.
Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package deploy

import (
	"fmt"
	"sort"

	"flatpak.land/flatpak-go"
	"flatpak.land/flatpak-go/errdef"
)

// RunSpec is the resolved launch of an application: the launcher argv
// and the sandbox environment, with per-app overrides already merged
// over the metadata context.
type RunSpec struct {
	Argv []string
	Env  []string
}

// RunCommand resolves the active deployment of an app ref into the
// argument vector the launcher is invoked with. Extra args are passed
// through behind the app id. The actual sandbox construction is the
// launcher's business.
func (inst *Installation) RunCommand(ref flatpak.Ref, command string, extraArgs ...string) (*RunSpec, error) {
	if ref.Kind != flatpak.KindApp {
		return nil, fmt.Errorf("only apps can be run: %w", errdef.ErrInvalidArgument)
	}
	commit, err := inst.ReadActive(ref)
	if err != nil {
		return nil, err
	}
	md, err := inst.ReadMetadata(ref, commit)
	if err != nil {
		return nil, err
	}
	if err := md.CheckRequiredVersion(); err != nil {
		return nil, err
	}
	overrides, err := inst.Overrides(ref.ID)
	if err != nil {
		return nil, err
	}
	ctx := md.Context.Merge(overrides)

	if command == "" {
		command = md.Command
	}
	if command == "" {
		return nil, fmt.Errorf("%s declares no command: %w", ref.ID, errdef.ErrInvalidArgument)
	}

	argv := []string{
		LauncherPath,
		"run",
		"--branch=" + ref.Branch,
		"--arch=" + ref.Arch,
		"--command=" + command,
	}
	argv = append(argv, contextArgs(ctx)...)
	argv = append(argv, ref.ID)
	argv = append(argv, extraArgs...)

	env := []string{
		"FLATPAK_ID=" + ref.ID,
		"FLATPAK_ARCH=" + ref.Arch,
	}
	names := make([]string, 0, len(ctx.Env))
	for name := range ctx.Env {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		env = append(env, name+"="+ctx.Env[name])
	}
	return &RunSpec{Argv: argv, Env: env}, nil
}

// contextArgs renders a merged permission context as launcher flags,
// in a stable order.
func contextArgs(ctx Context) []string {
	var args []string
	flag := func(name string, items []string) {
		for _, item := range items {
			args = append(args, "--"+name+"="+item)
		}
	}
	flag("share", ctx.Shared)
	flag("socket", ctx.Sockets)
	flag("device", ctx.Devices)
	flag("allow", ctx.Features)
	flag("filesystem", ctx.Filesystems)
	flag("persist", ctx.Persistent)
	return args
}
