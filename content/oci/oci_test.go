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
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"flatpak.land/flatpak-go/errdef"
)

func TestNewCreatesLayout(t *testing.T) {
	root := t.TempDir()
	if _, err := New(root); err != nil {
		t.Fatalf("New() failed: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(root, "oci-layout"))
	if err != nil {
		t.Fatalf("oci-layout missing: %v", err)
	}
	if want := `{"imageLayoutVersion":"1.0.0"}`; string(data) != want {
		t.Errorf("oci-layout = %q, want %q", data, want)
	}

	if _, err := os.Stat(filepath.Join(root, "blobs", "sha256")); err != nil {
		t.Errorf("blobs/sha256 missing: %v", err)
	}
}

func TestUnsupportedLayoutVersion(t *testing.T) {
	root := t.TempDir()
	layout := `{"imageLayoutVersion":"2.0.0"}`
	if err := os.WriteFile(filepath.Join(root, "oci-layout"), []byte(layout), 0o644); err != nil {
		t.Fatal(err)
	}

	if _, err := NewReadOnly(root); !errors.Is(err, errdef.ErrUnsupportedVersion) {
		t.Errorf("NewReadOnly() error = %v, want ErrUnsupportedVersion", err)
	}

	// opening for write must not overwrite the file either
	if _, err := New(root); !errors.Is(err, errdef.ErrUnsupportedVersion) {
		t.Errorf("New() error = %v, want ErrUnsupportedVersion", err)
	}
	data, err := os.ReadFile(filepath.Join(root, "oci-layout"))
	if err != nil || string(data) != layout {
		t.Errorf("oci-layout was altered: %q, %v", data, err)
	}
}

func TestNewReadOnlyMissingLayout(t *testing.T) {
	if _, err := NewReadOnly(t.TempDir()); !errors.Is(err, errdef.ErrNotFound) {
		t.Errorf("NewReadOnly() error = %v, want ErrNotFound", err)
	}
}

func TestIndexRoundTrip(t *testing.T) {
	s, err := New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	index, err := s.LoadIndex()
	if err != nil {
		t.Fatalf("LoadIndex() on fresh store failed: %v", err)
	}
	if len(index.Manifests) != 0 {
		t.Errorf("fresh index has %d manifests, want 0", len(index.Manifests))
	}

	index.Manifests = append(index.Manifests, ocispec.Descriptor{
		MediaType: ocispec.MediaTypeImageManifest,
		Digest:    digest.FromString("manifest"),
		Size:      42,
		Annotations: map[string]string{
			"org.flatpak.ref": "app/org.test.Hello/x86_64/master",
		},
	})
	if err := s.SaveIndex(index); err != nil {
		t.Fatalf("SaveIndex() failed: %v", err)
	}

	reloaded, err := s.LoadIndex()
	if err != nil {
		t.Fatalf("LoadIndex() failed: %v", err)
	}
	if len(reloaded.Manifests) != 1 {
		t.Fatalf("reloaded index has %d manifests, want 1", len(reloaded.Manifests))
	}
	if got := reloaded.Manifests[0].Annotations["org.flatpak.ref"]; got != "app/org.test.Hello/x86_64/master" {
		t.Errorf("ref annotation = %q", got)
	}
}

func TestSaveIndexReadOnly(t *testing.T) {
	root := t.TempDir()
	if _, err := New(root); err != nil {
		t.Fatal(err)
	}
	s, err := NewReadOnly(root)
	if err != nil {
		t.Fatal(err)
	}
	index, _ := s.LoadIndex()
	if err := s.SaveIndex(index); !errors.Is(err, errdef.ErrUnsupported) {
		t.Errorf("SaveIndex() on read-only store: error = %v, want ErrUnsupported", err)
	}
}
