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

// Package oci implements a content-addressed blob store with the
// OCI-Image layout.
// Reference: https://github.com/opencontainers/image-spec/blob/v1.1.0/image-layout.md
package oci

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"flatpak.land/flatpak-go/errdef"
)

// ociImageIndexFile is the file name of the index of the OCI layout.
const ociImageIndexFile = "index.json"

// Store is a CAS rooted at a directory with the OCI-Image layout:
//
//	<root>/oci-layout
//	<root>/index.json
//	<root>/blobs/sha256/<hex>
//
// Blob writes land in a temporary file and are hard-linked to their
// final digest name, so a blob is either absent or fully present.
type Store struct {
	root     string
	writable bool
}

// New opens the store at root for reading and writing, creating the
// layout on first use. An existing oci-layout file with a version
// other than 1.0.0 yields errdef.ErrUnsupportedVersion and is left
// untouched.
func New(root string) (*Store, error) {
	s := &Store{root: root, writable: true}
	if err := s.ensureLayout(); err != nil {
		return nil, err
	}
	return s, nil
}

// NewReadOnly opens an existing store at root for reading only.
func NewReadOnly(root string) (*Store, error) {
	s := &Store{root: root}
	if err := s.validateLayout(); err != nil {
		return nil, err
	}
	return s, nil
}

// Root returns the root directory of the store.
func (s *Store) Root() string {
	return s.root
}

// ensureLayout creates blobs/sha256 and the oci-layout file if they
// are missing, then validates the layout version.
func (s *Store) ensureLayout() error {
	if err := os.MkdirAll(filepath.Join(s.root, ocispec.ImageBlobsDir, "sha256"), 0o755); err != nil {
		return fmt.Errorf("failed to create blob directory: %w", err)
	}

	layoutPath := filepath.Join(s.root, ocispec.ImageLayoutFile)
	if _, err := os.Stat(layoutPath); errors.Is(err, os.ErrNotExist) {
		layout := ocispec.ImageLayout{Version: ocispec.ImageLayoutVersion}
		data, err := json.Marshal(layout)
		if err != nil {
			return fmt.Errorf("failed to marshal OCI layout file: %w", err)
		}
		if err := os.WriteFile(layoutPath, data, 0o644); err != nil {
			return fmt.Errorf("failed to write OCI layout file: %w", err)
		}
		return nil
	}
	return s.validateLayout()
}

// validateLayout checks the oci-layout file of an existing store.
func (s *Store) validateLayout() error {
	layoutPath := filepath.Join(s.root, ocispec.ImageLayoutFile)
	data, err := os.ReadFile(layoutPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("OCI layout file missing in %s: %w", s.root, errdef.ErrNotFound)
		}
		return fmt.Errorf("failed to read OCI layout file: %w", err)
	}

	var layout ocispec.ImageLayout
	if err := json.Unmarshal(data, &layout); err != nil {
		return fmt.Errorf("failed to decode OCI layout file: %v: %w", err, errdef.ErrCorrupted)
	}
	if layout.Version != ocispec.ImageLayoutVersion {
		return fmt.Errorf("OCI layout version %q: %w", layout.Version, errdef.ErrUnsupportedVersion)
	}
	return nil
}

// LoadIndex reads index.json. A store without an index yields an
// empty index rather than an error.
func (s *Store) LoadIndex() (*ocispec.Index, error) {
	data, err := os.ReadFile(filepath.Join(s.root, ociImageIndexFile))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return &ocispec.Index{
				Versioned: indexVersioned,
				MediaType: ocispec.MediaTypeImageIndex,
			}, nil
		}
		return nil, fmt.Errorf("failed to read index file: %w", err)
	}

	var index ocispec.Index
	if err := json.Unmarshal(data, &index); err != nil {
		return nil, fmt.Errorf("failed to decode index file: %v: %w", err, errdef.ErrCorrupted)
	}
	return &index, nil
}

// SaveIndex writes index.json atomically via a rename from a
// temporary file, so concurrent readers never observe a torn index.
func (s *Store) SaveIndex(index *ocispec.Index) error {
	if !s.writable {
		return fmt.Errorf("store %s is read-only: %w", s.root, errdef.ErrUnsupported)
	}

	data, err := json.Marshal(index)
	if err != nil {
		return fmt.Errorf("failed to marshal index: %w", err)
	}

	tmp, err := os.CreateTemp(s.root, ".tmp-index-*")
	if err != nil {
		return fmt.Errorf("failed to create temporary index: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write temporary index: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close temporary index: %w", err)
	}
	if err := os.Rename(tmpName, filepath.Join(s.root, ociImageIndexFile)); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to replace index file: %w", err)
	}
	return nil
}
