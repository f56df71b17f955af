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
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"syscall"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"flatpak.land/flatpak-go/errdef"
)

// nsKind names one namespace handle of the target process, in join
// order. userBase must be joined before mnt or the mnt join fails with
// permission denied.
type nsKind int

const (
	nsUserBase nsKind = iota
	nsUser
	nsIpc
	nsNet
	nsPid
	nsMnt
)

var nsPaths = map[nsKind]string{
	nsUserBase: "root/run/.userns",
	nsUser:     "ns/user",
	nsIpc:      "ns/ipc",
	nsNet:      "ns/net",
	nsPid:      "ns/pid",
	nsMnt:      "ns/mnt",
}

// nsHandles holds the open namespace descriptors of a target process.
// Absent entries are namespaces the target does not have or shares
// with the caller.
type nsHandles struct {
	fds map[nsKind]*os.File
}

func (h *nsHandles) Close() {
	for _, fp := range h.fds {
		fp.Close()
	}
	h.fds = nil
}

// openNamespaces acquires the target's namespace handles, skipping
// those that coincide with the caller's (same inode) or do not exist.
func openNamespaces(pid int) (*nsHandles, error) {
	handles := &nsHandles{fds: make(map[nsKind]*os.File)}
	for kind, rel := range nsPaths {
		target := fmt.Sprintf("/proc/%d/%s", pid, rel)
		fp, err := os.Open(target)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			handles.Close()
			return nil, fmt.Errorf("failed to open %s: %w", target, err)
		}
		if sameAsOwn(fp, rel) {
			fp.Close()
			continue
		}
		handles.fds[kind] = fp
	}
	return handles, nil
}

// sameAsOwn reports whether a namespace handle is the caller's own.
func sameAsOwn(fp *os.File, rel string) bool {
	var target, own unix.Stat_t
	if err := unix.Fstat(int(fp.Fd()), &target); err != nil {
		return false
	}
	if err := unix.Stat("/proc/self/"+rel, &own); err != nil {
		return false
	}
	return target.Dev == own.Dev && target.Ino == own.Ino
}

// Inject grafts the host subtree at source into the mount namespace
// of the instance running as pid, at dest. The detached tree is
// cloned by a helper child before any namespace is joined; a dedicated
// thread then joins the target's user-base and mnt namespaces and
// attaches the tree.
func Inject(ctx context.Context, pid int, source, dest string) error {
	if _, err := os.Stat(source); err != nil {
		return fmt.Errorf("source %s: %w", source, err)
	}
	handles, err := openNamespaces(pid)
	if err != nil {
		return err
	}
	defer handles.Close()
	if handles.fds[nsMnt] == nil {
		return fmt.Errorf("process %d has no separate mount namespace: %w", pid, errdef.ErrInvalidArgument)
	}

	treeFd, err := cloneDetachedTree(ctx, source)
	if err != nil {
		return err
	}
	defer unix.Close(treeFd)

	if err := ctx.Err(); err != nil {
		return err
	}

	// setns poisons the executing thread: it stays in the target's
	// namespaces after the graft. Run the join on a throwaway thread so
	// the caller's goroutine never switches namespace.
	err = runOnThrowawayThread(func() error {
		if userBase := handles.fds[nsUserBase]; userBase != nil {
			if err := unix.Setns(int(userBase.Fd()), unix.CLONE_NEWUSER); err != nil {
				return fmt.Errorf("failed to join user namespace of %d: %w", pid, mapNsError(err))
			}
		}
		if err := unix.Setns(int(handles.fds[nsMnt].Fd()), unix.CLONE_NEWNS); err != nil {
			return fmt.Errorf("failed to join mount namespace of %d: %w", pid, mapNsError(err))
		}
		if err := unix.MoveMount(treeFd, "", unix.AT_FDCWD, dest, unix.MOVE_MOUNT_F_EMPTY_PATH); err != nil {
			return fmt.Errorf("failed to attach %s at %s: %w", source, dest, mapNsError(err))
		}
		return nil
	})
	if err != nil {
		return err
	}
	logrus.WithFields(logrus.Fields{
		"pid":    pid,
		"source": source,
		"dest":   dest,
	}).Info("grafted subtree")
	return nil
}

// InjectInstance resolves what against the instance registry at root
// and injects into the resolved sandbox.
func InjectInstance(ctx context.Context, root, what, source, dest string) error {
	instance, err := ResolveInstance(root, what)
	if err != nil {
		return err
	}
	pid := instance.ChildPid
	if pid == 0 {
		pid = instance.Pid
	}
	return Inject(ctx, pid, source, dest)
}

// runOnThrowawayThread runs fn on its own locked OS thread. The
// goroutine exits without unlocking, so the runtime destroys the
// thread instead of returning it, namespace switches and all, to the
// scheduler pool.
func runOnThrowawayThread(fn func() error) error {
	result := make(chan error, 1)
	go func() {
		runtime.LockOSThread()
		result <- fn()
	}()
	return <-result
}

func mapNsError(err error) error {
	if errors.Is(err, unix.EPERM) || errors.Is(err, unix.EACCES) {
		return fmt.Errorf("%v: %w", err, errdef.ErrPermissionDenied)
	}
	return err
}

// cloneDetachedTree runs the re-exec helper in a fresh user+mount
// namespace and receives the detached mount descriptor it clones from
// source. The clone must happen before any namespace join so the
// source path resolves in the caller's namespace.
func cloneDetachedTree(ctx context.Context, source string) (int, error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_DGRAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return -1, err
	}
	parentSock := os.NewFile(uintptr(fds[0]), "helper-sock-parent")
	childSock := os.NewFile(uintptr(fds[1]), "helper-sock-child")
	defer parentSock.Close()

	cmd := exec.CommandContext(ctx, "/proc/self/exe")
	cmd.Env = append(os.Environ(),
		helperModeEnv+"=1",
		helperSourceEnv+"="+source,
	)
	cmd.ExtraFiles = []*os.File{childSock}
	cmd.Stderr = os.Stderr
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Cloneflags: unix.CLONE_NEWUSER | unix.CLONE_NEWNS,
		UidMappings: []syscall.SysProcIDMap{
			{ContainerID: 0, HostID: os.Getuid(), Size: 1},
		},
		GidMappings: []syscall.SysProcIDMap{
			{ContainerID: 0, HostID: os.Getgid(), Size: 1},
		},
	}
	if err := cmd.Start(); err != nil {
		childSock.Close()
		return -1, fmt.Errorf("failed to start mount helper: %w", err)
	}
	childSock.Close()

	treeFd, recvErr := recvFd(parentSock)

	// reap before judging the result; a failed helper must not linger
	waitErr := cmd.Wait()
	if waitErr != nil {
		if treeFd >= 0 {
			unix.Close(treeFd)
		}
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) && exitErr.ExitCode() == helperExitNoEnt {
			return -1, fmt.Errorf("could not create a detached mount of %s: %w", source, os.ErrNotExist)
		}
		return -1, fmt.Errorf("mount helper failed: %w", waitErr)
	}
	if recvErr != nil {
		return -1, fmt.Errorf("could not create a detached mount of %s: %w", source, recvErr)
	}
	return treeFd, nil
}

// recvFd receives a single descriptor over a datagram socket via
// SCM_RIGHTS.
func recvFd(sock *os.File) (int, error) {
	oob := make([]byte, unix.CmsgSpace(4))
	buf := make([]byte, 1)
	_, oobn, _, _, err := unix.Recvmsg(int(sock.Fd()), buf, oob, 0)
	if err != nil {
		return -1, err
	}
	msgs, err := unix.ParseSocketControlMessage(oob[:oobn])
	if err != nil {
		return -1, err
	}
	if len(msgs) != 1 {
		return -1, fmt.Errorf("expected one control message, got %d", len(msgs))
	}
	received, err := unix.ParseUnixRights(&msgs[0])
	if err != nil {
		return -1, err
	}
	if len(received) != 1 {
		return -1, fmt.Errorf("expected one descriptor, got %d", len(received))
	}
	unix.CloseOnExec(received[0])
	return received[0], nil
}
