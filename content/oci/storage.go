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

package oci

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/opencontainers/go-digest"
	specs "github.com/opencontainers/image-spec/specs-go"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"flatpak.land/flatpak-go/content"
	"flatpak.land/flatpak-go/errdef"
)

var indexVersioned = specs.Versioned{SchemaVersion: 2}

// BlobPath returns the path of a blob relative to the store root.
func BlobPath(dgst digest.Digest) (string, error) {
	if err := content.ValidateDigest(dgst); err != nil {
		return "", err
	}
	return strings.Join([]string{ocispec.ImageBlobsDir, dgst.Algorithm().String(), dgst.Encoded()}, "/"), nil
}

// blobAbsPath returns the absolute path of a blob in the store.
func (s *Store) blobAbsPath(dgst digest.Digest) (string, error) {
	rel, err := BlobPath(dgst)
	if err != nil {
		return "", err
	}
	return filepath.Join(s.root, filepath.FromSlash(rel)), nil
}

// Exists reports whether the blob with the given digest is present.
func (s *Store) Exists(_ context.Context, dgst digest.Digest) (bool, error) {
	path, err := s.blobAbsPath(dgst)
	if err != nil {
		return false, err
	}
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// Fetch opens the blob with the given digest and reports its size.
// The content is not verified while reading; callers that need
// verification wrap the reader with content.VerifyReader or read with
// content.ReadAllVerified.
func (s *Store) Fetch(_ context.Context, dgst digest.Digest) (io.ReadCloser, int64, error) {
	path, err := s.blobAbsPath(dgst)
	if err != nil {
		return nil, 0, err
	}
	fp, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, 0, fmt.Errorf("%s: %w", dgst, errdef.ErrNotFound)
		}
		return nil, 0, err
	}
	info, err := fp.Stat()
	if err != nil {
		fp.Close()
		return nil, 0, err
	}
	return fp, info.Size(), nil
}

// StoreBytes writes data as a blob and returns its digest. The bytes
// land in a temporary file which is hard-linked to the final digest
// name; a pre-existing final name means another writer already placed
// identical content and is treated as success.
func (s *Store) StoreBytes(_ context.Context, data []byte) (digest.Digest, error) {
	if !s.writable {
		return "", fmt.Errorf("store %s is read-only: %w", s.root, errdef.ErrUnsupported)
	}

	dgst := digest.FromBytes(data)
	tmp, err := s.NewBlobTemp()
	if err != nil {
		return "", err
	}
	defer tmp.Discard()

	if _, err := tmp.Write(data); err != nil {
		return "", fmt.Errorf("failed to write blob temp: %w", err)
	}
	if err := tmp.Commit(dgst); err != nil {
		return "", err
	}
	return dgst, nil
}

// Delete removes the blob with the given digest.
func (s *Store) Delete(_ context.Context, dgst digest.Digest) error {
	if !s.writable {
		return fmt.Errorf("store %s is read-only: %w", s.root, errdef.ErrUnsupported)
	}
	path, err := s.blobAbsPath(dgst)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%s: %w", dgst, errdef.ErrNotFound)
		}
		return err
	}
	return nil
}

// GC removes every blob whose digest is not in keep.
func (s *Store) GC(ctx context.Context, keep map[digest.Digest]bool) error {
	if !s.writable {
		return fmt.Errorf("store %s is read-only: %w", s.root, errdef.ErrUnsupported)
	}
	dir := filepath.Join(s.root, ocispec.ImageBlobsDir, "sha256")
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("failed to enumerate blobs: %w", err)
	}
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return err
		}
		name := entry.Name()
		if strings.HasPrefix(name, ".tmp-") {
			continue
		}
		dgst := digest.NewDigestFromEncoded(digest.SHA256, name)
		if dgst.Validate() != nil {
			continue
		}
		if keep[dgst] {
			continue
		}
		if err := os.Remove(filepath.Join(dir, name)); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("failed to remove blob %s: %w", dgst, err)
		}
	}
	return nil
}

// BlobTemp is a blob in flight: bytes written to a temporary file in
// the blob directory, not yet visible under any digest name.
type BlobTemp struct {
	store *Store
	file  *os.File
	done  bool
}

// NewBlobTemp creates a temporary file inside blobs/sha256 so the
// final hard link never crosses a filesystem boundary.
func (s *Store) NewBlobTemp() (*BlobTemp, error) {
	if !s.writable {
		return nil, fmt.Errorf("store %s is read-only: %w", s.root, errdef.ErrUnsupported)
	}
	dir := filepath.Join(s.root, ocispec.ImageBlobsDir, "sha256")
	fp, err := os.CreateTemp(dir, ".tmp-blob-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create blob temp: %w", err)
	}
	return &BlobTemp{store: s, file: fp}, nil
}

// Write appends bytes to the temporary blob.
func (t *BlobTemp) Write(p []byte) (int, error) {
	return t.file.Write(p)
}

// File exposes the underlying descriptor, used for rewinding after
// a digest-verified download.
func (t *BlobTemp) File() *os.File {
	return t.file
}

// Commit links the temporary file to its final digest name and
// removes the temporary. An existing final name is success: content
// addressing guarantees the bytes are identical.
func (t *BlobTemp) Commit(dgst digest.Digest) error {
	if t.done {
		return fmt.Errorf("blob temp already finished: %w", errdef.ErrInvalidArgument)
	}
	final, err := t.store.blobAbsPath(dgst)
	if err != nil {
		return err
	}
	if err := t.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync blob temp: %w", err)
	}
	if err := os.Link(t.file.Name(), final); err != nil && !errors.Is(err, os.ErrExist) {
		return fmt.Errorf("failed to link blob %s: %w", dgst, err)
	}
	t.done = true
	name := t.file.Name()
	t.file.Close()
	os.Remove(name)
	return nil
}

// Discard drops the temporary without linking it. Safe to call after
// Commit.
func (t *BlobTemp) Discard() {
	if t.done {
		return
	}
	t.done = true
	name := t.file.Name()
	t.file.Close()
	os.Remove(name)
}
