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

// Package deploy manages per-installation state: the repository of
// pulled images, versioned checkouts of every ref, the active and
// current pointers, per-app overrides and the merged exports tree.
//
// Installation layout:
//
//	<root>/lock
//	<root>/.changed
//	<root>/repo/                         blob store
//	<root>/app/<id>/<arch>/<branch>/...  deployments
//	<root>/runtime/<id>/<arch>/<branch>/...
//	<root>/exports/                      merged symlink tree
//	<root>/overrides/<id>                permission overrides
//	<root>/.removed/                     pending-delete deployments
package deploy

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"flatpak.land/flatpak-go"
	"flatpak.land/flatpak-go/content"
	"flatpak.land/flatpak-go/errdef"
	"flatpak.land/flatpak-go/internal/ioutil"
	"flatpak.land/flatpak-go/internal/lockutil"
	"flatpak.land/flatpak-go/registry"

	"github.com/opencontainers/go-digest"
)

// Installation is a deployment root. All mutating operations outside
// the blob store must run under Lock.
type Installation struct {
	root string
}

// Open returns the installation at root. The directory need not exist
// yet; Ensure creates it.
func Open(root string) *Installation {
	return &Installation{root: root}
}

// Root returns the installation root directory.
func (inst *Installation) Root() string {
	return inst.root
}

// RepoPath returns the blob store directory.
func (inst *Installation) RepoPath() string {
	return filepath.Join(inst.root, "repo")
}

// ExportsPath returns the merged exports tree.
func (inst *Installation) ExportsPath() string {
	return filepath.Join(inst.root, "exports")
}

// Ensure creates the installation root, its repository and state
// directories. The .changed sentinel is touched on first creation.
func (inst *Installation) Ensure() error {
	fresh := false
	if _, err := os.Stat(inst.root); errors.Is(err, os.ErrNotExist) {
		fresh = true
	}
	for _, dir := range []string{
		inst.root,
		inst.ExportsPath(),
		filepath.Join(inst.root, "overrides"),
		filepath.Join(inst.root, ".removed"),
		filepath.Join(inst.root, "app"),
		filepath.Join(inst.root, "runtime"),
	} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create installation directory %s: %w", dir, err)
		}
	}
	if _, err := registry.NewLocal(inst.RepoPath()); err != nil {
		return fmt.Errorf("failed to initialise repository: %w", err)
	}
	if fresh {
		if err := inst.TouchChanged(); err != nil {
			return err
		}
	}
	return nil
}

// Registry opens the installation's local registry.
func (inst *Installation) Registry() (*registry.Local, error) {
	return registry.NewLocal(inst.RepoPath())
}

// Lock takes the exclusive installation lock. Every mutation outside
// the blob store runs under it for its whole duration.
func (inst *Installation) Lock() (*lockutil.FileLock, error) {
	return lockutil.LockExclusive(filepath.Join(inst.root, "lock"))
}

// TouchChanged updates the .changed sentinel that monitors watch.
func (inst *Installation) TouchChanged() error {
	path := filepath.Join(inst.root, ".changed")
	now := time.Now()
	if err := os.Chtimes(path, now, now); err == nil {
		return nil
	}
	fp, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("failed to touch .changed: %w", err)
	}
	return fp.Close()
}

// DeployBase returns app/<id>/<arch>/<branch> (or runtime/...) for a
// ref.
func (inst *Installation) DeployBase(ref flatpak.Ref) string {
	return filepath.Join(inst.root, string(ref.Kind), ref.ID, ref.Arch, ref.Branch)
}

// DeploymentPath returns the checkout directory of one commit.
func (inst *Installation) DeploymentPath(ref flatpak.Ref, commit string) string {
	return filepath.Join(inst.DeployBase(ref), commit)
}

// Origin reads the remote a ref was installed from.
func (inst *Installation) Origin(ref flatpak.Ref) (string, error) {
	data, err := os.ReadFile(filepath.Join(inst.DeployBase(ref), "origin"))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("origin of %s: %w", ref, errdef.ErrNotFound)
		}
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

// SetOrigin records the remote a ref was installed from.
func (inst *Installation) SetOrigin(ref flatpak.Ref, remote string) error {
	base := inst.DeployBase(ref)
	if err := os.MkdirAll(base, 0o755); err != nil {
		return err
	}
	return ioutil.WriteFileAtomic(filepath.Join(base, "origin"), []byte(remote+"\n"), 0o644)
}

// Subpaths reads the recorded subpath allow-list of a ref. An absent
// file means the ref was pulled whole.
func (inst *Installation) Subpaths(ref flatpak.Ref) ([]string, error) {
	data, err := os.ReadFile(filepath.Join(inst.DeployBase(ref), "subpaths"))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var subpaths []string
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			subpaths = append(subpaths, line)
		}
	}
	return subpaths, nil
}

// SetSubpaths records the subpath allow-list of a ref. Paths are
// normalised to a leading slash. An empty list removes the record.
func (inst *Installation) SetSubpaths(ref flatpak.Ref, subpaths []string) error {
	path := filepath.Join(inst.DeployBase(ref), "subpaths")
	if len(subpaths) == 0 {
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
		return nil
	}
	if err := os.MkdirAll(inst.DeployBase(ref), 0o755); err != nil {
		return err
	}
	var sb strings.Builder
	for _, sub := range subpaths {
		if !strings.HasPrefix(sub, "/") {
			sub = "/" + sub
		}
		sb.WriteString(sub)
		sb.WriteByte('\n')
	}
	return ioutil.WriteFileAtomic(path, []byte(sb.String()), 0o644)
}

// refFile returns the file recording the commit of (remote, ref).
func (inst *Installation) refFile(remote string, ref flatpak.Ref) string {
	return filepath.Join(inst.RepoPath(), "refs", remote, filepath.FromSlash(ref.String()))
}

// ReadRef returns the commit recorded for (remote, ref).
func (inst *Installation) ReadRef(remote string, ref flatpak.Ref) (string, error) {
	data, err := os.ReadFile(inst.refFile(remote, ref))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("ref %s:%s: %w", remote, ref, errdef.ErrNotFound)
		}
		return "", err
	}
	commit := strings.TrimSpace(string(data))
	if err := validateCommit(commit); err != nil {
		return "", fmt.Errorf("ref %s:%s: %w", remote, ref, err)
	}
	return commit, nil
}

// WriteRef records the commit for (remote, ref). The write happens
// only after the commit's objects are fully present in the store.
func (inst *Installation) WriteRef(remote string, ref flatpak.Ref, commit string) error {
	if err := validateCommit(commit); err != nil {
		return err
	}
	path := inst.refFile(remote, ref)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return ioutil.WriteFileAtomic(path, []byte(commit+"\n"), 0o644)
}

// ListRefs enumerates every (remote, ref) recorded in the repository.
func (inst *Installation) ListRefs() ([]flatpak.RemoteRef, error) {
	refsDir := filepath.Join(inst.RepoPath(), "refs")
	var out []flatpak.RemoteRef
	err := filepath.WalkDir(refsDir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(refsDir, path)
		if err != nil {
			return err
		}
		parts := strings.SplitN(filepath.ToSlash(rel), "/", 2)
		if len(parts) != 2 {
			return nil
		}
		ref, err := flatpak.ParseRef(parts[1])
		if err != nil {
			// stray file in the refs tree, not a ref
			return nil
		}
		out = append(out, flatpak.RemoteRef{Remote: parts[0], Ref: ref})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// CommitDigest converts a commit checksum to the manifest digest it
// names.
func CommitDigest(commit string) (digest.Digest, error) {
	if err := validateCommit(commit); err != nil {
		return "", err
	}
	return digest.NewDigestFromEncoded(digest.SHA256, commit), nil
}

// validateCommit checks a 64-char lowercase hex commit checksum.
func validateCommit(commit string) error {
	dgst := digest.NewDigestFromEncoded(digest.SHA256, commit)
	if err := content.ValidateDigest(dgst); err != nil {
		return fmt.Errorf("commit %q: %w", commit, errdef.ErrInvalidArgument)
	}
	return nil
}
