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

package sandbox

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"flatpak.land/flatpak-go/errdef"
)

func writeInstance(t *testing.T, root, id, appID string, pid, childPid int) {
	t.Helper()
	dir := filepath.Join(root, id)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	info := fmt.Sprintf("[Application]\nname=%s\nruntime=org.test.Platform/x86_64/stable\n\n[Instance]\nbranch=master\narch=x86_64\n", appID)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "info"), []byte(info), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "pid"), []byte(fmt.Sprintf("%d\n", pid)), 0o644))
	if childPid != 0 {
		require.NoError(t, os.WriteFile(filepath.Join(dir, "child-pid"), []byte(fmt.Sprintf("%d\n", childPid)), 0o644))
	}
}

func TestListInstances(t *testing.T) {
	root := t.TempDir()
	writeInstance(t, root, "1000001", "org.test.Hello", 1234, 1240)
	writeInstance(t, root, "1000002", "org.test.Other", 2345, 0)

	// instance dir without a pid file is skipped
	require.NoError(t, os.MkdirAll(filepath.Join(root, "2000000"), 0o755))

	instances, err := ListInstances(root)
	require.NoError(t, err)
	require.Len(t, instances, 2)

	byID := map[string]Instance{}
	for _, instance := range instances {
		byID[instance.ID] = instance
	}
	hello := byID["1000001"]
	require.Equal(t, "org.test.Hello", hello.AppID)
	require.Equal(t, 1234, hello.Pid)
	require.Equal(t, 1240, hello.ChildPid)
	require.Equal(t, "master", hello.Branch)
	require.Equal(t, "x86_64", hello.Arch)
	require.Zero(t, byID["1000002"].ChildPid)
}

func TestListInstancesMissingRoot(t *testing.T) {
	instances, err := ListInstances(filepath.Join(t.TempDir(), "nonexistent"))
	require.NoError(t, err)
	require.Empty(t, instances)
}

func TestResolveInstance(t *testing.T) {
	root := t.TempDir()
	writeInstance(t, root, "1000001", "org.test.Hello", 1234, 0)
	writeInstance(t, root, "1000002", "org.test.Dup", 2345, 0)
	writeInstance(t, root, "1000003", "org.test.Dup", 3456, 0)
	// an all-digit instance id must resolve as an id, not a PID
	writeInstance(t, root, "4242", "org.test.Numeric", 4567, 0)

	tests := []struct {
		name    string
		what    string
		wantPid int
		wantErr error
	}{
		{"by instance id", "1000001", 1234, nil},
		{"by app id", "org.test.Hello", 1234, nil},
		{"instance id beats pid parse", "4242", 4567, nil},
		{"bare pid", "9999", 9999, nil},
		{"ambiguous app id", "org.test.Dup", 0, errdef.ErrInvalidArgument},
		{"unknown", "org.test.Nope", 0, errdef.ErrNotFound},
		{"negative pid", "-5", 0, errdef.ErrNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			instance, err := ResolveInstance(root, tt.what)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.wantPid, instance.Pid)
		})
	}
}
