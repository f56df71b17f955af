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

package registry

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/opencontainers/go-digest"
	specs "github.com/opencontainers/image-spec/specs-go"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"flatpak.land/flatpak-go/errdef"
)

func storeManifest(t *testing.T, l *Local) ([]byte, digest.Digest) {
	t.Helper()
	manifest := ocispec.Manifest{
		Versioned: specs.Versioned{SchemaVersion: 2},
		MediaType: ocispec.MediaTypeImageManifest,
		Config: ocispec.Descriptor{
			MediaType: ocispec.MediaTypeImageConfig,
			Digest:    digest.FromString("cfg"),
			Size:      3,
		},
	}
	data, err := json.Marshal(manifest)
	if err != nil {
		t.Fatal(err)
	}
	dgst, err := l.Store().StoreBytes(context.Background(), data)
	if err != nil {
		t.Fatal(err)
	}
	return data, dgst
}

func TestLocalLoadManifest(t *testing.T) {
	l, err := NewLocal(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	data, dgst := storeManifest(t, l)

	manifest, raw, err := l.LoadManifest(context.Background(), "", dgst)
	if err != nil {
		t.Fatalf("LoadManifest() failed: %v", err)
	}
	if string(raw) != string(data) {
		t.Error("raw bytes differ from stored bytes")
	}
	if manifest.SchemaVersion != 2 {
		t.Errorf("schema version = %d", manifest.SchemaVersion)
	}
}

func TestLocalLoadManifestTampered(t *testing.T) {
	root := t.TempDir()
	l, err := NewLocal(root)
	if err != nil {
		t.Fatal(err)
	}
	_, dgst := storeManifest(t, l)

	// replace the blob on disk, keeping its name
	path := filepath.Join(root, "blobs", "sha256", dgst.Encoded())
	if err := os.WriteFile(path, []byte(`{"schemaVersion":2}`), 0o644); err != nil {
		t.Fatal(err)
	}

	_, _, err = l.LoadManifest(context.Background(), "", dgst)
	if !errors.Is(err, errdef.ErrCorrupted) {
		t.Errorf("LoadManifest() error = %v, want ErrCorrupted", err)
	}
}

func TestLocalGetToken(t *testing.T) {
	l, err := NewLocal(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	token, err := l.GetToken(context.Background(), "repo", digest.FromString("x"), nil)
	if err != nil || token != "" {
		t.Errorf("GetToken() = %q, %v, want empty token", token, err)
	}
}

func TestMirrorBlob(t *testing.T) {
	ctx := context.Background()
	src, err := NewLocal(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	dst, err := NewLocal(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	blob := []byte("mirror me")
	dgst, err := src.Store().StoreBytes(ctx, blob)
	if err != nil {
		t.Fatal(err)
	}

	if err := dst.MirrorBlob(ctx, src, "", false, dgst, nil); err != nil {
		t.Fatalf("MirrorBlob() failed: %v", err)
	}
	rc, _, err := dst.Store().Fetch(ctx, dgst)
	if err != nil {
		t.Fatalf("blob missing at destination: %v", err)
	}
	got, _ := io.ReadAll(rc)
	rc.Close()
	if string(got) != string(blob) {
		t.Errorf("mirrored content = %q, want %q", got, blob)
	}

	// second mirror is a fast-exit success
	if err := dst.MirrorBlob(ctx, src, "", false, dgst, nil); err != nil {
		t.Errorf("repeat MirrorBlob() failed: %v", err)
	}
}
