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
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/opencontainers/go-digest"
	"github.com/sirupsen/logrus"

	"flatpak.land/flatpak-go"
	"flatpak.land/flatpak-go/errdef"
	"flatpak.land/flatpak-go/internal/lockutil"
)

// ReadActive returns the commit the active symlink points at, or
// ErrNotFound when the ref has no active deployment.
func (inst *Installation) ReadActive(ref flatpak.Ref) (string, error) {
	target, err := os.Readlink(filepath.Join(inst.DeployBase(ref), "active"))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("no active deployment of %s: %w", ref, errdef.ErrNotFound)
		}
		return "", err
	}
	if err := validateCommit(target); err != nil {
		return "", fmt.Errorf("active link of %s: %w", ref, errdef.ErrCorrupted)
	}
	return target, nil
}

// SetActive points the active symlink of a ref at a commit, or unlinks
// it when commit is empty. The swap is a temporary symlink renamed
// over the old one, so concurrent readers always resolve a complete
// target.
func (inst *Installation) SetActive(ref flatpak.Ref, commit string) error {
	base := inst.DeployBase(ref)
	link := filepath.Join(base, "active")
	if commit == "" {
		if err := os.Remove(link); err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
		return nil
	}
	if err := validateCommit(commit); err != nil {
		return err
	}
	return swapSymlink(base, link, commit)
}

// CurrentApp returns the ref the current symlink of an app id points
// at.
func (inst *Installation) CurrentApp(id string) (flatpak.Ref, error) {
	target, err := os.Readlink(filepath.Join(inst.root, "app", id, "current"))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return flatpak.Ref{}, fmt.Errorf("no current branch for %s: %w", id, errdef.ErrNotFound)
		}
		return flatpak.Ref{}, err
	}
	parts := strings.Split(target, "/")
	if len(parts) != 2 {
		return flatpak.Ref{}, fmt.Errorf("current link of %s: %w", id, errdef.ErrCorrupted)
	}
	return flatpak.Ref{Kind: flatpak.KindApp, ID: id, Arch: parts[0], Branch: parts[1]}, nil
}

// MakeCurrent points app/<id>/current at the ref's arch/branch.
func (inst *Installation) MakeCurrent(ref flatpak.Ref) error {
	if ref.Kind != flatpak.KindApp {
		return fmt.Errorf("current applies to apps only: %w", errdef.ErrInvalidArgument)
	}
	base := filepath.Join(inst.root, "app", ref.ID)
	if err := os.MkdirAll(base, 0o755); err != nil {
		return err
	}
	return swapSymlink(base, filepath.Join(base, "current"), ref.Arch+"/"+ref.Branch)
}

// DropCurrent removes app/<id>/current.
func (inst *Installation) DropCurrent(id string) error {
	err := os.Remove(filepath.Join(inst.root, "app", id, "current"))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// swapSymlink atomically replaces link with a symlink to target by
// renaming a uniquely-named temporary symlink over it.
func swapSymlink(dir, link, target string) error {
	tmp, err := os.CreateTemp(dir, ".active-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	tmp.Close()
	os.Remove(tmpName)
	if err := os.Symlink(target, tmpName); err != nil {
		return err
	}
	if err := os.Rename(tmpName, link); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}

// ListDeployments returns the deployed commits of a ref, sorted
// lexicographically.
func (inst *Installation) ListDeployments(ref flatpak.Ref) ([]string, error) {
	entries, err := os.ReadDir(inst.DeployBase(ref))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var commits []string
	for _, entry := range entries {
		if entry.IsDir() && validateCommit(entry.Name()) == nil {
			commits = append(commits, entry.Name())
		}
	}
	sort.Strings(commits)
	return commits, nil
}

// Deploy checks out a pulled commit and makes it the active
// deployment of the ref. The checkout happens in a temporary
// directory renamed into place, so a failed deploy leaves no commit
// directory and never touches the active link.
func (inst *Installation) Deploy(ctx context.Context, ref flatpak.Ref, commit string) error {
	if err := validateCommit(commit); err != nil {
		return err
	}
	base := inst.DeployBase(ref)
	dest := inst.DeploymentPath(ref, commit)
	if _, err := os.Lstat(dest); err == nil {
		return fmt.Errorf("%s commit %s: %w", ref, commit, errdef.ErrAlreadyDeployed)
	} else if !errors.Is(err, os.ErrNotExist) {
		return err
	}
	if err := os.MkdirAll(base, 0o755); err != nil {
		return err
	}

	subpaths, err := inst.Subpaths(ref)
	if err != nil {
		return err
	}

	tmp, err := os.MkdirTemp(base, ".deploy-")
	if err != nil {
		return err
	}
	defer os.RemoveAll(tmp)

	if err := inst.checkout(ctx, commit, subpaths, tmp); err != nil {
		return fmt.Errorf("failed to deploy %s: %w", ref, err)
	}

	md, err := readCheckoutMetadata(tmp)
	if err != nil {
		return fmt.Errorf("failed to deploy %s: %w", ref, err)
	}
	if err := md.CheckRequiredVersion(); err != nil {
		return err
	}

	if err := fixupEtc(filepath.Join(tmp, "files")); err != nil {
		return fmt.Errorf("failed to deploy %s: %w", ref, err)
	}
	refFile, err := os.OpenFile(filepath.Join(tmp, "files", ".ref"), os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("failed to deploy %s: %w", ref, err)
	}
	refFile.Close()

	if ref.Kind == flatpak.KindApp {
		if err := rewriteExports(filepath.Join(tmp, "export"), ref, md); err != nil {
			return fmt.Errorf("failed to deploy %s: %w", ref, err)
		}
	}

	if err := os.Rename(tmp, dest); err != nil {
		return fmt.Errorf("failed to deploy %s: %w", ref, err)
	}
	if err := inst.SetActive(ref, commit); err != nil {
		return err
	}
	if ref.Kind == flatpak.KindApp {
		if err := inst.updateExports(ref); err != nil {
			return err
		}
		if _, err := inst.CurrentApp(ref.ID); errors.Is(err, errdef.ErrNotFound) {
			if err := inst.MakeCurrent(ref); err != nil {
				return err
			}
		}
	}
	logrus.WithFields(logrus.Fields{
		"ref":    ref.String(),
		"commit": commit,
	}).Info("deployed")
	return inst.TouchChanged()
}

// Undeploy retires one deployment. The tree is first renamed into
// .removed/ so it disappears from the normal namespace atomically;
// actual deletion is skipped while some process still holds a lock on
// the tree's files/.ref, unless forceRemove is set.
func (inst *Installation) Undeploy(ctx context.Context, ref flatpak.Ref, commit string, forceRemove bool) error {
	if err := validateCommit(commit); err != nil {
		return err
	}
	dir := inst.DeploymentPath(ref, commit)
	if _, err := os.Lstat(dir); errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("%s commit %s: %w", ref, commit, errdef.ErrAlreadyUndeployed)
	} else if err != nil {
		return err
	}

	active, err := inst.ReadActive(ref)
	if err != nil && !errors.Is(err, errdef.ErrNotFound) {
		return err
	}
	if active == commit {
		survivors, err := inst.ListDeployments(ref)
		if err != nil {
			return err
		}
		next := ""
		for _, c := range survivors {
			if c != commit {
				next = c
				break
			}
		}
		if err := inst.SetActive(ref, next); err != nil {
			return err
		}
		if ref.Kind == flatpak.KindApp {
			if err := inst.updateExports(ref); err != nil {
				return err
			}
		}
	}

	removed, err := os.MkdirTemp(filepath.Join(inst.root, ".removed"), commit[:12]+"-")
	if err != nil {
		return err
	}
	// renaming a directory over the empty temp dir is atomic and keeps
	// the reserved name unique
	if err := os.Rename(dir, removed); err != nil {
		return err
	}

	if !forceRemove {
		locked, err := lockutil.IsLocked(filepath.Join(removed, "files", ".ref"))
		if err != nil {
			return err
		}
		if locked {
			logrus.WithField("ref", ref.String()).Debug("deployment in use, deferring removal")
			return inst.TouchChanged()
		}
	}
	if err := removeTree(removed); err != nil {
		return err
	}
	return inst.TouchChanged()
}

// CleanupRemoved deletes pending-removal trees whose files/.ref is no
// longer locked.
func (inst *Installation) CleanupRemoved(ctx context.Context) error {
	dir := filepath.Join(inst.root, ".removed")
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return err
		}
		tree := filepath.Join(dir, entry.Name())
		locked, err := lockutil.IsLocked(filepath.Join(tree, "files", ".ref"))
		if err != nil {
			return err
		}
		if locked {
			continue
		}
		if err := removeTree(tree); err != nil {
			return err
		}
	}
	return nil
}

// Prune drops blobs unreachable from any recorded ref or deployed
// commit, then deletes dangling ref records.
func (inst *Installation) Prune(ctx context.Context) error {
	reg, err := inst.Registry()
	if err != nil {
		return err
	}

	keepCommits := make(map[string]bool)
	refs, err := inst.ListRefs()
	if err != nil {
		return err
	}
	for _, rr := range refs {
		commit, err := inst.ReadRef(rr.Remote, rr.Ref)
		if err != nil {
			return err
		}
		keepCommits[commit] = true
	}
	for _, rr := range refs {
		deployed, err := inst.ListDeployments(rr.Ref)
		if err != nil {
			return err
		}
		for _, c := range deployed {
			keepCommits[c] = true
		}
	}

	keep := make(map[digest.Digest]bool)
	for commit := range keepCommits {
		dgst, err := CommitDigest(commit)
		if err != nil {
			return err
		}
		keep[dgst] = true
		manifest, _, err := reg.LoadManifest(ctx, "", dgst)
		if err != nil {
			if errors.Is(err, errdef.ErrNotFound) {
				continue
			}
			return err
		}
		keep[manifest.Config.Digest] = true
		for _, layer := range manifest.Layers {
			keep[layer.Digest] = true
		}
	}

	if err := reg.Store().GC(ctx, keep); err != nil {
		return err
	}
	logrus.WithField("kept", len(keep)).Info("pruned repository")
	return inst.TouchChanged()
}

// removeTree deletes a deployment tree, clearing read-only permission
// bits that would make unlink fail.
func removeTree(root string) error {
	filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err == nil && d.IsDir() {
			os.Chmod(path, 0o755)
		}
		return nil
	})
	return os.RemoveAll(root)
}
