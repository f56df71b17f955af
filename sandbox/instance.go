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

// Package sandbox reads the running-instance registry and grafts host
// subtrees into live application mount namespaces.
package sandbox

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/ini.v1"

	"flatpak.land/flatpak-go/errdef"
)

// Instance is one running application sandbox as recorded under the
// instances root.
type Instance struct {
	// ID is the instance directory name.
	ID string
	// AppID is the application the instance runs.
	AppID string
	// Pid is the sandbox supervisor process.
	Pid int
	// ChildPid is the application process inside the sandbox; zero
	// when not recorded.
	ChildPid int
	// Branch and Arch come from the instance info file.
	Branch string
	Arch   string
}

// DefaultInstancesRoot returns the per-user instance registry
// directory.
func DefaultInstancesRoot() string {
	if dir := os.Getenv("XDG_RUNTIME_DIR"); dir != "" {
		return filepath.Join(dir, ".flatpak")
	}
	return filepath.Join("/run/user", strconv.Itoa(os.Getuid()), ".flatpak")
}

// ListInstances reads every instance recorded under root. Directories
// without a readable pid file are skipped; a dead instance is the
// launcher's garbage to collect, not ours to report.
func ListInstances(root string) ([]Instance, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var instances []Instance
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		instance, err := readInstance(filepath.Join(root, entry.Name()))
		if err != nil {
			continue
		}
		instances = append(instances, *instance)
	}
	return instances, nil
}

func readInstance(dir string) (*Instance, error) {
	instance := &Instance{ID: filepath.Base(dir)}

	pid, err := readPidFile(filepath.Join(dir, "pid"))
	if err != nil {
		return nil, err
	}
	instance.Pid = pid
	if child, err := readPidFile(filepath.Join(dir, "child-pid")); err == nil {
		instance.ChildPid = child
	}

	info, err := ini.Load(filepath.Join(dir, "info"))
	if err != nil {
		return nil, err
	}
	if sec, err := info.GetSection("Application"); err == nil {
		instance.AppID = sec.Key("name").String()
	}
	if sec, err := info.GetSection("Instance"); err == nil {
		instance.Branch = sec.Key("branch").String()
		instance.Arch = sec.Key("arch").String()
		if instance.AppID == "" {
			instance.AppID = sec.Key("app-id").String()
		}
	}
	return instance, nil
}

func readPidFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, fmt.Errorf("bad pid file %s: %w", path, errdef.ErrInvalidArgument)
	}
	return pid, nil
}

// ResolveInstance maps a user-supplied string to a running instance.
// The instance registry is consulted first: an exact instance id wins,
// then a unique app id match; only then is the string parsed as a PID.
func ResolveInstance(root, what string) (*Instance, error) {
	instances, err := ListInstances(root)
	if err != nil {
		return nil, err
	}
	for i := range instances {
		if instances[i].ID == what {
			return &instances[i], nil
		}
	}
	var byApp []*Instance
	for i := range instances {
		if instances[i].AppID == what {
			byApp = append(byApp, &instances[i])
		}
	}
	switch len(byApp) {
	case 1:
		return byApp[0], nil
	case 0:
	default:
		return nil, fmt.Errorf("%d instances of %s running, use an instance id: %w", len(byApp), what, errdef.ErrInvalidArgument)
	}

	pid, err := strconv.Atoi(what)
	if err != nil || pid <= 0 {
		return nil, fmt.Errorf("no instance %q: %w", what, errdef.ErrNotFound)
	}
	return &Instance{Pid: pid}, nil
}
