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
	"archive/tar"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/opencontainers/go-digest"

	"flatpak.land/flatpak-go/errdef"
	"flatpak.land/flatpak-go/registry"
)

// checkout extracts the layers of a commit's manifest, in manifest
// order, into dest. With a subpath allow-list only /metadata, /export
// metadata and the listed /files subtrees are extracted.
func (inst *Installation) checkout(ctx context.Context, commit string, subpaths []string, dest string) error {
	reg, err := inst.Registry()
	if err != nil {
		return err
	}
	dgst, err := CommitDigest(commit)
	if err != nil {
		return err
	}
	manifest, _, err := reg.LoadManifest(ctx, "", dgst)
	if err != nil {
		return err
	}
	for _, layer := range manifest.Layers {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := extractLayer(ctx, reg, layer.Digest, subpaths, dest); err != nil {
			return fmt.Errorf("layer %s: %w", layer.Digest, err)
		}
	}
	return nil
}

func extractLayer(ctx context.Context, reg *registry.Local, dgst digest.Digest, subpaths []string, dest string) error {
	rc, _, err := reg.Store().Fetch(ctx, dgst)
	if err != nil {
		return err
	}
	defer rc.Close()

	gz, err := gzip.NewReader(rc)
	if err != nil {
		return fmt.Errorf("not a gzip layer: %w", errdef.ErrCorrupted)
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("malformed layer tar: %w", errdef.ErrCorrupted)
		}
		name, ok := cleanEntryName(hdr.Name)
		if !ok {
			return fmt.Errorf("layer entry escapes checkout root: %w", errdef.ErrCorrupted)
		}
		if name == "" || !subpathAllows(subpaths, name) {
			continue
		}
		if err := applyTarEntry(dest, name, hdr, tr); err != nil {
			return err
		}
	}
}

// cleanEntryName normalises a tar entry name and rejects escapes.
func cleanEntryName(name string) (string, bool) {
	name = path.Clean(strings.TrimPrefix(name, "/"))
	if name == "." {
		return "", true
	}
	if name == ".." || strings.HasPrefix(name, "../") {
		return "", false
	}
	return name, true
}

// subpathAllows applies the subpath allow-list to one entry path.
// Without a list everything passes. With a list, /metadata always
// passes; a /files path passes when it lies under a listed subpath or
// is an ancestor directory of one.
func subpathAllows(subpaths []string, name string) bool {
	if len(subpaths) == 0 {
		return true
	}
	if name == "metadata" {
		return true
	}
	if name == "files" {
		return true
	}
	if !strings.HasPrefix(name, "files/") {
		return false
	}
	for _, sub := range subpaths {
		allowed := path.Join("files", strings.TrimPrefix(sub, "/"))
		if name == allowed || strings.HasPrefix(name, allowed+"/") {
			return true
		}
		// ancestors are needed so the subtree has a place to land
		if strings.HasPrefix(allowed, name+"/") {
			return true
		}
	}
	return false
}

func applyTarEntry(dest, name string, hdr *tar.Header, r io.Reader) error {
	target := filepath.Join(dest, filepath.FromSlash(name))
	switch hdr.Typeflag {
	case tar.TypeDir:
		return os.MkdirAll(target, os.FileMode(hdr.Mode)&0o777|0o700)
	case tar.TypeReg:
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return err
		}
		fp, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, os.FileMode(hdr.Mode)&0o777)
		if err != nil {
			return err
		}
		if _, err := io.Copy(fp, r); err != nil {
			fp.Close()
			return err
		}
		return fp.Close()
	case tar.TypeSymlink:
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return err
		}
		if err := os.Remove(target); err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
		return os.Symlink(hdr.Linkname, target)
	case tar.TypeLink:
		linked, ok := cleanEntryName(hdr.Linkname)
		if !ok {
			return fmt.Errorf("hardlink escapes checkout root: %w", errdef.ErrCorrupted)
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return err
		}
		return os.Link(filepath.Join(dest, filepath.FromSlash(linked)), target)
	default:
		// device nodes and the like have no business in an image layer
		return nil
	}
}

func readCheckoutMetadata(dir string) (*Metadata, error) {
	data, err := os.ReadFile(filepath.Join(dir, "metadata"))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("commit has no metadata: %w", errdef.ErrCorrupted)
		}
		return nil, err
	}
	return ParseMetadata(data)
}

// fixupEtc enforces the host-integration contract of a checkout:
// passwd, group and machine-id must be regular files (sandbox setup
// bind-mounts over them) and resolv.conf must point at the monitored
// host copy.
func fixupEtc(filesDir string) error {
	etc := filepath.Join(filesDir, "etc")
	if err := os.MkdirAll(etc, 0o755); err != nil {
		return err
	}
	for _, name := range []string{"passwd", "group", "machine-id"} {
		target := filepath.Join(etc, name)
		fi, err := os.Lstat(target)
		if err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				return err
			}
			// absent: create empty so a bind target exists
			fp, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY, 0o644)
			if err != nil {
				return err
			}
			fp.Close()
			continue
		}
		if fi.Mode().IsRegular() {
			continue
		}
		// symlink (or anything else): replace with a regular copy of
		// its target, resolved strictly inside the checkout so an
		// image can never pull host files into the deployment. Empty
		// if it dangles or points outside.
		var content []byte
		if fi.Mode()&os.ModeSymlink != 0 {
			if resolved, ok := checkoutLinkTarget(filesDir, etc, target); ok {
				if data, err := os.ReadFile(resolved); err == nil {
					content = data
				}
			}
		}
		if err := os.Remove(target); err != nil {
			return err
		}
		if err := os.WriteFile(target, content, 0o644); err != nil {
			return err
		}
	}

	resolv := filepath.Join(etc, "resolv.conf")
	if err := os.Remove(resolv); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return os.Symlink("/run/host/monitor/resolv.conf", resolv)
}

// checkoutLinkTarget resolves a symlink in the checkout's /etc against
// the checkout root. Absolute targets resolve as if the checkout were
// /; targets that escape the checkout, or do not name a regular file,
// resolve to nothing.
func checkoutLinkTarget(filesDir, etc, link string) (string, bool) {
	dest, err := os.Readlink(link)
	if err != nil {
		return "", false
	}
	var resolved string
	if filepath.IsAbs(dest) {
		resolved = filepath.Join(filesDir, dest)
	} else {
		resolved = filepath.Join(etc, dest)
	}
	rel, err := filepath.Rel(filesDir, resolved)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", false
	}
	fi, err := os.Lstat(resolved)
	if err != nil || !fi.Mode().IsRegular() {
		return "", false
	}
	return resolved, true
}
