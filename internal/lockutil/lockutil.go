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

// Package lockutil wraps advisory file locks (flock).
package lockutil

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// FileLock is an open file holding an advisory lock.
type FileLock struct {
	file *os.File
}

// LockExclusive opens (creating if needed) path and takes an
// exclusive flock, blocking until it is available.
func LockExclusive(path string) (*FileLock, error) {
	return lock(path, unix.LOCK_EX)
}

// TryLockExclusive is LockExclusive without blocking. It returns
// (nil, nil) when the lock is held elsewhere.
func TryLockExclusive(path string) (*FileLock, error) {
	fl, err := lock(path, unix.LOCK_EX|unix.LOCK_NB)
	if err != nil {
		if errno, ok := unwrapErrno(err); ok && errno == unix.EWOULDBLOCK {
			return nil, nil
		}
		return nil, err
	}
	return fl, nil
}

// LockShared opens path and takes a shared flock, blocking.
func LockShared(path string) (*FileLock, error) {
	return lock(path, unix.LOCK_SH)
}

func lock(path string, how int) (*FileLock, error) {
	fp, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open lock file %s: %w", path, err)
	}
	if err := unix.Flock(int(fp.Fd()), how); err != nil {
		fp.Close()
		return nil, fmt.Errorf("failed to lock %s: %w", path, err)
	}
	return &FileLock{file: fp}, nil
}

// Unlock releases the lock and closes the file.
func (l *FileLock) Unlock() error {
	if l == nil || l.file == nil {
		return nil
	}
	err := unix.Flock(int(l.file.Fd()), unix.LOCK_UN)
	closeErr := l.file.Close()
	l.file = nil
	if err != nil {
		return err
	}
	return closeErr
}

// IsLocked reports whether some other process holds a write lock on
// path. Used for deployment liveness: a live run keeps a lock on its
// files/.ref.
func IsLocked(path string) (bool, error) {
	fp, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	defer fp.Close()

	if err := unix.Flock(int(fp.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		if errno, ok := unwrapErrno(err); ok && errno == unix.EWOULDBLOCK {
			return true, nil
		}
		return false, err
	}
	unix.Flock(int(fp.Fd()), unix.LOCK_UN)
	return false, nil
}

func unwrapErrno(err error) (unix.Errno, bool) {
	for err != nil {
		if errno, ok := err.(unix.Errno); ok {
			return errno, true
		}
		unwrapper, ok := err.(interface{ Unwrap() error })
		if !ok {
			break
		}
		err = unwrapper.Unwrap()
	}
	return 0, false
}
