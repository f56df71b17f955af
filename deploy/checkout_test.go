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
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFixupEtcSymlinks(t *testing.T) {
	filesDir := t.TempDir()
	etc := filepath.Join(filesDir, "etc")
	require.NoError(t, os.MkdirAll(etc, 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(filesDir, "usr", "etc"), 0o755))

	// an absolute symlink must never read a host file into the checkout
	hostFile := filepath.Join(t.TempDir(), "passwd")
	require.NoError(t, os.WriteFile(hostFile, []byte("host-secret"), 0o644))
	require.NoError(t, os.Symlink(hostFile, filepath.Join(etc, "passwd")))

	// a relative symlink inside the checkout keeps its content
	require.NoError(t, os.WriteFile(filepath.Join(filesDir, "usr", "etc", "group"), []byte("wheel:x:10:\n"), 0o644))
	require.NoError(t, os.Symlink("../usr/etc/group", filepath.Join(etc, "group")))

	// a relative symlink escaping the checkout is emptied
	require.NoError(t, os.Symlink("../../../../../etc/machine-id", filepath.Join(etc, "machine-id")))

	require.NoError(t, fixupEtc(filesDir))

	for _, name := range []string{"passwd", "group", "machine-id"} {
		fi, err := os.Lstat(filepath.Join(etc, name))
		require.NoError(t, err)
		require.True(t, fi.Mode().IsRegular(), name)
	}
	data, err := os.ReadFile(filepath.Join(etc, "passwd"))
	require.NoError(t, err)
	require.Empty(t, data, "host content leaked through an absolute symlink")

	data, err = os.ReadFile(filepath.Join(etc, "group"))
	require.NoError(t, err)
	require.Equal(t, "wheel:x:10:\n", string(data))

	data, err = os.ReadFile(filepath.Join(etc, "machine-id"))
	require.NoError(t, err)
	require.Empty(t, data)
}
