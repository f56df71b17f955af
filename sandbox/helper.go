//go:build linux

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
	"errors"
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

const (
	helperModeEnv   = "_FLATPAK_GO_MOUNT_HELPER"
	helperSourceEnv = "_FLATPAK_GO_MOUNT_SOURCE"

	// helperExitNoEnt distinguishes a missing source from other
	// failures across the process boundary.
	helperExitNoEnt = 3

	// helperSockFd is where ExtraFiles places the datagram socket.
	helperSockFd = 3
)

// MaybeRunHelper is the re-exec entry of the mount helper. Binaries
// embedding this package must call it first thing in main; it returns
// false in the normal process and never returns in the helper child.
func MaybeRunHelper() bool {
	if os.Getenv(helperModeEnv) == "" {
		return false
	}
	source := os.Getenv(helperSourceEnv)
	if err := runHelper(source); err != nil {
		fmt.Fprintf(os.Stderr, "mount helper: %v\n", err)
		if errors.Is(err, os.ErrNotExist) || errors.Is(err, unix.ENOENT) {
			os.Exit(helperExitNoEnt)
		}
		os.Exit(1)
	}
	os.Exit(0)
	return true
}

// runHelper clones a detached recursive mount of source and ships the
// descriptor to the parent over the inherited socket.
func runHelper(source string) error {
	if source == "" {
		return fmt.Errorf("no source path in environment")
	}
	treeFd, err := unix.OpenTree(unix.AT_FDCWD, source,
		unix.OPEN_TREE_CLONE|unix.OPEN_TREE_CLOEXEC|unix.AT_RECURSIVE)
	if err != nil {
		return fmt.Errorf("open_tree %s: %w", source, err)
	}
	defer unix.Close(treeFd)

	rights := unix.UnixRights(treeFd)
	if err := unix.Sendmsg(helperSockFd, []byte{0}, rights, nil, 0); err != nil {
		return fmt.Errorf("failed to send mount descriptor: %w", err)
	}
	return nil
}
